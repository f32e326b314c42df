// Package config provides unified configuration for pysandbox.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (PYSANDBOX_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the runner and the sandbox server.
type Config struct {
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SandboxConfig selects and configures the sandbox backend.
type SandboxConfig struct {
	Backend    string           `yaml:"backend"` // "subprocess", "wasm", "docker", "remote", default: "subprocess"
	Subprocess SubprocessConfig `yaml:"subprocess"`
	WASM       WASMConfig       `yaml:"wasm"`
	Docker     DockerConfig     `yaml:"docker"`
	Remote     RemoteConfig     `yaml:"remote"`
}

// SubprocessConfig holds settings for the local python3 backend.
type SubprocessConfig struct {
	Python  string `yaml:"python"`   // default: "python3"
	WorkDir string `yaml:"work_dir"` // parent of per-run temp dirs, default: os.TempDir()
}

// WASMConfig holds settings for the wazero backend.
type WASMConfig struct {
	Module      string `yaml:"module"`        // path to a CPython WASI build (python.wasm), required for wasm
	StdlibDir   string `yaml:"stdlib_dir"`    // host dir holding the Python stdlib, mounted read-only, optional
	CacheDir    string `yaml:"cache_dir"`     // compilation cache, optional
	MaxMemoryMB int64  `yaml:"max_memory_mb"` // upper bound on guest memory, default: 2048
}

// DockerConfig holds settings for the container backend.
type DockerConfig struct {
	Image  string `yaml:"image"`  // default: "python:3.12-slim"
	Host   string `yaml:"host"`   // daemon address, default: from DOCKER_HOST
	Python string `yaml:"python"` // interpreter inside the image, default: "python3"
	Pull   bool   `yaml:"pull"`   // pull the image when missing, default: true
}

// RemoteConfig holds settings for the sandbox-server client.
type RemoteConfig struct {
	URL           string           `yaml:"url"`             // static sandbox-server URL
	Acquirer      string           `yaml:"acquirer"`        // "static" or "kubernetes", default: "static"
	APIKey        string           `yaml:"api_key"`         // sent as bearer token
	APIKeyFile    string           `yaml:"api_key_file"`    // _file variant for api_key
	JWTSecret     string           `yaml:"jwt_secret"`      // HS256 signing key, takes precedence over api_key
	JWTSecretFile string           `yaml:"jwt_secret_file"` // _file variant for jwt_secret
	JWTIssuer     string           `yaml:"jwt_issuer"`      // default: "pysandbox-runner"
	JWTAudience   string           `yaml:"jwt_audience"`    // default: "pysandbox-server"
	Kubernetes    KubernetesConfig `yaml:"kubernetes"`
}

// KubernetesConfig holds settings for SandboxClaim-based acquisition.
type KubernetesConfig struct {
	Namespace    string        `yaml:"namespace"`     // default: "default"
	Template     string        `yaml:"template"`      // SandboxTemplate name, required for kubernetes
	ReadyTimeout time.Duration `yaml:"ready_timeout"` // default: 2m
	Port         int           `yaml:"port"`          // sandbox-server port in the pod, default: 8080
}

// ServerConfig holds sandbox-server HTTP settings.
type ServerConfig struct {
	Port          int           `yaml:"port"`           // default: 8080
	MaxConcurrent int           `yaml:"max_concurrent"` // default: 4
	ReadTimeout   time.Duration `yaml:"read_timeout"`   // default: 30s
	WriteTimeout  time.Duration `yaml:"write_timeout"`  // default: 330s (max sandbox timeout plus slack)
}

// AuthConfig holds sandbox-server authentication settings.
type AuthConfig struct {
	Type              string         `yaml:"type"`                 // "none", "apikey", "jwt", default: "none"
	APIKeys           []APIKeyConfig `yaml:"api_keys"`             // API key entries for type=apikey
	JWT               JWTConfig      `yaml:"jwt"`                  // settings for type=jwt
	RateLimitRPM      int            `yaml:"rate_limit_rpm"`       // per-subject requests per minute, 0 disables
	RateLimitRedisURL string         `yaml:"rate_limit_redis_url"` // shares rate limit windows across replicas when set
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key     string `yaml:"key" json:"key"`
	KeyFile string `yaml:"key_file" json:"key_file"` // _file variant for key
	Subject string `yaml:"subject" json:"subject"`
}

// JWTConfig holds HS256 token validation settings.
type JWTConfig struct {
	Secret     string `yaml:"secret"`
	SecretFile string `yaml:"secret_file"` // _file variant for secret
	Issuer     string `yaml:"issuer"`      // optional
	Audience   string `yaml:"audience"`    // optional
}

// LoggingConfig holds log output settings. Logs always go to stderr.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: "INFO"
	Format string `yaml:"format"` // "text" or "json", default: "text"
	Debug  string `yaml:"debug"`  // comma-separated debug categories
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`         // default: true
	Path           string `yaml:"path"`            // server endpoint, default: "/metrics"
	PushgatewayURL string `yaml:"pushgateway_url"` // runner pushes here on exit when set
	Job            string `yaml:"job"`             // Pushgateway job name, default: "pysandbox-runner"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Sandbox: SandboxConfig{
			Backend: "subprocess",
			Subprocess: SubprocessConfig{
				Python: "python3",
			},
			WASM: WASMConfig{
				MaxMemoryMB: 2048,
			},
			Docker: DockerConfig{
				Image:  "python:3.12-slim",
				Python: "python3",
				Pull:   true,
			},
			Remote: RemoteConfig{
				Acquirer:    "static",
				JWTIssuer:   "pysandbox-runner",
				JWTAudience: "pysandbox-server",
				Kubernetes: KubernetesConfig{
					Namespace:    "default",
					ReadyTimeout: 2 * time.Minute,
					Port:         8080,
				},
			},
		},
		Server: ServerConfig{
			Port:          8080,
			MaxConcurrent: 4,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  330 * time.Second,
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
				Job:     "pysandbox-runner",
			},
		},
	}
}
