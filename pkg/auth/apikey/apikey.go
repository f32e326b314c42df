// Package apikey provides an API key authenticator that validates
// bearer tokens against a static key store using SHA-256 hashing
// and constant-time comparison.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/rhuss/pysandbox/pkg/auth"
	"github.com/rhuss/pysandbox/pkg/config"
)

type keyEntry struct {
	hash     [32]byte
	identity auth.Identity
}

// Authenticator validates bearer tokens against a static key store.
type Authenticator struct {
	keys []keyEntry
}

// New creates an API key authenticator from configured entries. Keys are
// hashed immediately; plaintext keys are not stored. Entries without a
// subject are named after their position.
func New(entries []config.APIKeyConfig) *Authenticator {
	a := &Authenticator{}
	for i, e := range entries {
		if e.Key == "" {
			continue
		}
		subject := e.Subject
		if subject == "" {
			subject = fmt.Sprintf("apikey-%d", i)
		}
		a.keys = append(a.keys, keyEntry{
			hash:     sha256.Sum256([]byte(e.Key)),
			identity: auth.Identity{Subject: subject, Metadata: map[string]string{"auth": "apikey"}},
		})
	}
	return a
}

// Authenticate extracts the bearer token and validates it.
// Returns Yes if valid, No if a bearer token is present but unknown,
// Abstain if there is no bearer token at all.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	token, ok := auth.BearerToken(r)
	if !ok {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if token == "" {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	tokenHash := sha256.Sum256([]byte(token))

	// Every entry is compared so timing does not reveal the match position.
	var match *keyEntry
	for i := range a.keys {
		if subtle.ConstantTimeCompare(tokenHash[:], a.keys[i].hash[:]) == 1 && match == nil {
			match = &a.keys[i]
		}
	}
	if match == nil {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	id := match.identity
	id.Metadata = map[string]string{"auth": "apikey"}
	return auth.AuthResult{Decision: auth.Yes, Identity: &id}
}
