package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, PYSANDBOX_CONFIG env, ./pysandbox.yaml, /etc/pysandbox/config.yaml)
//  3. Environment variable overrides
//  4. Caller overrides (command-line flags)
//  5. File reference resolution (_file suffix)
//  6. Validation
func Load(configPath string, overrides ...func(*Config)) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	for _, override := range overrides {
		override(&cfg)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. PYSANDBOX_CONFIG environment variable
// 3. ./pysandbox.yaml in the current directory
// 4. /etc/pysandbox/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("PYSANDBOX_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"pysandbox.yaml",
		"/etc/pysandbox/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps PYSANDBOX_* environment variables to config fields.
// Malformed numeric or JSON values are reported rather than ignored, since
// a silently dropped override is hard to diagnose in a one-shot process.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PYSANDBOX_BACKEND"); v != "" {
		cfg.Sandbox.Backend = v
	}
	if v := os.Getenv("PYSANDBOX_PYTHON"); v != "" {
		cfg.Sandbox.Subprocess.Python = v
	}
	if v := os.Getenv("PYSANDBOX_WASM_MODULE"); v != "" {
		cfg.Sandbox.WASM.Module = v
	}
	if v := os.Getenv("PYSANDBOX_DOCKER_IMAGE"); v != "" {
		cfg.Sandbox.Docker.Image = v
	}
	if v := os.Getenv("PYSANDBOX_REMOTE_URL"); v != "" {
		cfg.Sandbox.Remote.URL = v
	}
	if v := os.Getenv("PYSANDBOX_REMOTE_API_KEY"); v != "" {
		cfg.Sandbox.Remote.APIKey = v
	}
	if v := os.Getenv("PYSANDBOX_REMOTE_JWT_SECRET"); v != "" {
		cfg.Sandbox.Remote.JWTSecret = v
	}
	if v := os.Getenv("PYSANDBOX_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PYSANDBOX_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("PYSANDBOX_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PYSANDBOX_MAX_CONCURRENT: %w", err)
		}
		cfg.Server.MaxConcurrent = n
	}
	if v := os.Getenv("PYSANDBOX_AUTH_TYPE"); v != "" {
		cfg.Auth.Type = v
	}
	if v := os.Getenv("PYSANDBOX_JWT_SECRET"); v != "" {
		cfg.Auth.JWT.Secret = v
	}
	if v := os.Getenv("PYSANDBOX_RATE_LIMIT_REDIS_URL"); v != "" {
		cfg.Auth.RateLimitRedisURL = v
	}
	if v := os.Getenv("PYSANDBOX_PUSHGATEWAY_URL"); v != "" {
		cfg.Observability.Metrics.PushgatewayURL = v
	}
	if v := os.Getenv("PYSANDBOX_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// PYSANDBOX_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("PYSANDBOX_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}
	return nil
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	remote := &cfg.Sandbox.Remote
	if remote.APIKeyFile != "" && remote.APIKey == "" {
		val, err := readSecretFile(remote.APIKeyFile)
		if err != nil {
			return fmt.Errorf("sandbox.remote.api_key_file: %w", err)
		}
		remote.APIKey = val
	}
	if remote.JWTSecretFile != "" && remote.JWTSecret == "" {
		val, err := readSecretFile(remote.JWTSecretFile)
		if err != nil {
			return fmt.Errorf("sandbox.remote.jwt_secret_file: %w", err)
		}
		remote.JWTSecret = val
	}

	if cfg.Auth.JWT.SecretFile != "" && cfg.Auth.JWT.Secret == "" {
		val, err := readSecretFile(cfg.Auth.JWT.SecretFile)
		if err != nil {
			return fmt.Errorf("auth.jwt.secret_file: %w", err)
		}
		cfg.Auth.JWT.Secret = val
	}

	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].KeyFile != "" && cfg.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.APIKeys[i].Key = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
