// Package jwt issues and validates HS256 bearer tokens shared between the
// runner's remote backend and the sandbox server.
//
// Both sides hold the same secret. The runner mints a short-lived token per
// request with a [Signer]; the server checks signature, expiry, issuer and
// audience with an [Authenticator].
package jwt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rhuss/pysandbox/pkg/auth"
)

// DefaultTTL is the lifetime of tokens minted by a Signer.
const DefaultTTL = 5 * time.Minute

// Config holds the JWT authenticator configuration.
type Config struct {
	// Secret is the shared HMAC key. Required.
	Secret string

	// Issuer is the expected iss claim. If empty, issuer is not validated.
	Issuer string

	// Audience is the expected aud claim. If empty, audience is not validated.
	Audience string

	// ScopesClaim is the claim holding authorization scopes. Default: "scope".
	// The value can be a space-separated string or a JSON array.
	ScopesClaim string
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	config Config
}

// New creates a JWT authenticator.
func New(cfg Config) (*Authenticator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret is required")
	}
	if cfg.ScopesClaim == "" {
		cfg.ScopesClaim = "scope"
	}
	return &Authenticator{config: cfg}, nil
}

// Authenticate extracts a bearer token from the Authorization header,
// validates it, and returns an identity on success.
//
// Decision outcomes:
//   - Abstain: no Authorization header or not a Bearer scheme
//   - No: bearer token present but invalid (expired, wrong issuer, bad signature, etc.)
//   - Yes: valid JWT with populated Identity
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	tokenStr, ok := auth.BearerToken(r)
	if !ok {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if tokenStr == "" {
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("empty bearer token")}
	}

	token, err := jwtlib.Parse(tokenStr, func(*jwtlib.Token) (interface{}, error) {
		return []byte(a.config.Secret), nil
	}, a.parserOptions()...)
	if err != nil {
		slog.Debug("JWT validation failed", "error", err)
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("invalid JWT: %w", err)}
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("invalid JWT claims")}
	}

	subject := claimString(claims, "sub")
	if subject == "" {
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("JWT missing \"sub\" claim")}
	}

	identity := &auth.Identity{
		Subject:  subject,
		Scopes:   extractScopes(claims, a.config.ScopesClaim),
		Metadata: map[string]string{"auth": "jwt"},
	}
	if jti := claimString(claims, "jti"); jti != "" {
		identity.Metadata["jti"] = jti
	}

	return auth.AuthResult{Decision: auth.Yes, Identity: identity}
}

// parserOptions builds JWT parser options based on the configuration.
func (a *Authenticator) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(5 * time.Second),
	}
	if a.config.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.config.Issuer))
	}
	if a.config.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(a.config.Audience))
	}
	return opts
}

// claimString extracts a string value from JWT claims.
// Returns empty string if the claim is missing or not a string.
func claimString(claims jwtlib.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

// extractScopes extracts scopes from JWT claims.
// The scope claim can be either a space-separated string or a JSON array.
func extractScopes(claims jwtlib.MapClaims, key string) []string {
	switch val := claims[key].(type) {
	case string:
		parts := strings.Fields(val)
		if len(parts) == 0 {
			return nil
		}
		return parts
	case []interface{}:
		var scopes []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}

// SignerConfig configures a Signer.
type SignerConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Subject  string        // default: Issuer
	Scopes   []string      // default: auth.ScopeRun
	TTL      time.Duration // default: DefaultTTL
}

// Signer mints short-lived HS256 tokens.
type Signer struct {
	cfg SignerConfig
	now func() time.Time
}

type claims struct {
	Scope string `json:"scope,omitempty"`
	jwtlib.RegisteredClaims
}

// NewSigner creates a Signer.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = cfg.Issuer
	}
	if cfg.Subject == "" {
		return nil, errors.New("jwt: subject or issuer is required")
	}
	if cfg.Scopes == nil {
		cfg.Scopes = []string{auth.ScopeRun}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Signer{cfg: cfg, now: time.Now}, nil
}

// Token returns a freshly signed token with a unique jti.
func (s *Signer) Token() (string, error) {
	now := s.now()
	c := claims{
		Scope: strings.Join(s.cfg.Scopes, " "),
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   s.cfg.Subject,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(s.cfg.TTL)),
		},
	}
	if s.cfg.Audience != "" {
		c.Audience = jwtlib.ClaimStrings{s.cfg.Audience}
	}

	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, c).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
