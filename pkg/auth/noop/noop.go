// Package noop provides the authenticator used when auth.type is "none".
package noop

import (
	"context"
	"net/http"

	"github.com/rhuss/pysandbox/pkg/auth"
)

// Authenticator always returns Yes with the anonymous identity.
type Authenticator struct{}

func (a *Authenticator) Authenticate(_ context.Context, _ *http.Request) auth.AuthResult {
	return auth.AuthResult{
		Decision: auth.Yes,
		Identity: &auth.Identity{Subject: auth.Anonymous},
	}
}
