package main

import (
	"fmt"

	"github.com/rhuss/pysandbox/pkg/auth"
	"github.com/rhuss/pysandbox/pkg/auth/apikey"
	"github.com/rhuss/pysandbox/pkg/auth/jwt"
	"github.com/rhuss/pysandbox/pkg/auth/noop"
	"github.com/rhuss/pysandbox/pkg/auth/redislimit"
	"github.com/rhuss/pysandbox/pkg/config"
)

// buildAuth assembles the authenticator chain. auth.type names the required
// mechanism; every other configured mechanism is chained as well, API keys
// first, so a server can accept both static keys and runner-minted JWTs.
// Rate limit windows are kept in Redis when a URL is configured and in
// process memory otherwise.
func buildAuth(cfg config.AuthConfig) (*auth.AuthChain, auth.RateLimiter, error) {
	chain := &auth.AuthChain{DefaultDecision: auth.No}

	switch cfg.Type {
	case "", "none":
		chain.Authenticators = []auth.Authenticator{&noop.Authenticator{}}
		chain.DefaultDecision = auth.Yes
	case "apikey", "jwt":
		if len(cfg.APIKeys) > 0 {
			chain.Authenticators = append(chain.Authenticators, apikey.New(cfg.APIKeys))
		}
		if cfg.JWT.Secret != "" {
			a, err := jwt.New(jwt.Config{
				Secret:   cfg.JWT.Secret,
				Issuer:   cfg.JWT.Issuer,
				Audience: cfg.JWT.Audience,
			})
			if err != nil {
				return nil, nil, err
			}
			chain.Authenticators = append(chain.Authenticators, a)
		}
		if len(chain.Authenticators) == 0 {
			return nil, nil, fmt.Errorf("auth type %q has no credentials configured", cfg.Type)
		}
	default:
		return nil, nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}

	var limiter auth.RateLimiter
	switch {
	case cfg.RateLimitRPM <= 0:
	case cfg.RateLimitRedisURL != "":
		l, err := redislimit.New(cfg.RateLimitRedisURL, cfg.RateLimitRPM)
		if err != nil {
			return nil, nil, fmt.Errorf("rate limiter: %w", err)
		}
		limiter = l
	default:
		limiter = auth.NewInProcessLimiter(cfg.RateLimitRPM)
	}
	return chain, limiter, nil
}
