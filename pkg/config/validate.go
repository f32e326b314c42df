package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	switch c.Sandbox.Backend {
	case "subprocess":
		if c.Sandbox.Subprocess.Python == "" {
			errs = append(errs, fmt.Errorf("sandbox.subprocess.python is required when sandbox.backend is \"subprocess\""))
		}
	case "wasm":
		if c.Sandbox.WASM.Module == "" {
			errs = append(errs, fmt.Errorf("sandbox.wasm.module is required when sandbox.backend is \"wasm\""))
		}
	case "docker":
		if c.Sandbox.Docker.Image == "" {
			errs = append(errs, fmt.Errorf("sandbox.docker.image is required when sandbox.backend is \"docker\""))
		}
	case "remote":
		errs = append(errs, c.Sandbox.Remote.validate()...)
	default:
		errs = append(errs, fmt.Errorf("sandbox.backend must be \"subprocess\", \"wasm\", \"docker\", or \"remote\", got %q", c.Sandbox.Backend))
	}

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}
	if c.Server.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent must be > 0, got %d", c.Server.MaxConcurrent))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
	case "jwt":
		if c.Auth.JWT.Secret == "" {
			errs = append(errs, fmt.Errorf("auth.jwt.secret or auth.jwt.secret_file is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}

	if c.Auth.RateLimitRPM < 0 {
		errs = append(errs, fmt.Errorf("auth.rate_limit_rpm must be >= 0, got %d", c.Auth.RateLimitRPM))
	}
	if u := c.Auth.RateLimitRedisURL; u != "" {
		if err := validateRedisURL(u); err != nil {
			errs = append(errs, fmt.Errorf("auth.rate_limit_redis_url: %w", err))
		}
	}

	switch c.Logging.Format {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	if u := c.Observability.Metrics.PushgatewayURL; u != "" {
		if err := validateHTTPURL(u); err != nil {
			errs = append(errs, fmt.Errorf("observability.metrics.pushgateway_url: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (r *RemoteConfig) validate() []error {
	var errs []error
	switch r.Acquirer {
	case "static", "":
		if r.URL == "" {
			errs = append(errs, fmt.Errorf("sandbox.remote.url is required when sandbox.remote.acquirer is \"static\""))
		} else if err := validateHTTPURL(r.URL); err != nil {
			errs = append(errs, fmt.Errorf("sandbox.remote.url: %w", err))
		}
	case "kubernetes":
		if r.Kubernetes.Template == "" {
			errs = append(errs, fmt.Errorf("sandbox.remote.kubernetes.template is required when sandbox.remote.acquirer is \"kubernetes\""))
		}
	default:
		errs = append(errs, fmt.Errorf("sandbox.remote.acquirer must be \"static\" or \"kubernetes\", got %q", r.Acquirer))
	}
	return errs
}

// validateHTTPURL requires an absolute http or https URL with a host.
func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// validateRedisURL requires a redis or rediss URL with a host.
func validateRedisURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return fmt.Errorf("scheme must be redis or rediss, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
