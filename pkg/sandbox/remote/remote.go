// Package remote runs programs on a sandbox server over HTTP.
//
// The server URL comes from an [Acquirer]: a fixed URL for a long-running
// server, or a per-run Kubernetes SandboxClaim (see the kubernetes
// sub-package). Requests carry an optional bearer token, either a static
// API key or a short-lived HS256 JWT.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/pysandbox/pkg/api"
	"github.com/rhuss/pysandbox/pkg/auth/jwt"
	"github.com/rhuss/pysandbox/pkg/config"
	"github.com/rhuss/pysandbox/pkg/debug"
	"github.com/rhuss/pysandbox/pkg/sandbox"
	"github.com/rhuss/pysandbox/pkg/transport"
)

// Name is the registry name of this backend.
const Name = "remote"

// RunPath is the sandbox server's execution endpoint.
const RunPath = "/run"

// ValidatePath is the sandbox server's syntax check endpoint.
const ValidatePath = "/validate"

// RequestIDHeader carries a per-run correlation ID to the server.
const RequestIDHeader = transport.RequestIDHeader

// responseSlack is added to the run timeout for the HTTP round trip so the
// server can report its own timeout first.
var responseSlack = 10 * time.Second

// maxResponseBytes bounds the response body read from the server.
const maxResponseBytes = 32 << 20

// ErrCapacity is returned when the server rejects a run because all its
// execution slots are busy.
var ErrCapacity = errors.New("sandbox at capacity (HTTP 429)")

// RunRequest is the body of POST /run.
type RunRequest struct {
	Code      string             `json:"code"`
	Language  string             `json:"language,omitempty"`
	TimeoutMS int64              `json:"timeout_ms"`
	Config    *api.SandboxConfig `json:"config,omitempty"`
}

// ValidateRequest is the body of POST /validate.
type ValidateRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

// ValidateResponse is the body returned by POST /validate. Valid is false
// for code that does not parse and for unsupported languages.
type ValidateResponse struct {
	Success bool   `json:"success"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

// Language is the language this client sends.
const Language = "python"

// Languages lists the language names a sandbox server accepts.
var Languages = []string{"python", "py"}

// SupportsLanguage reports whether lang names Python. An empty name means
// the default language.
func SupportsLanguage(lang string) bool {
	if lang == "" {
		return true
	}
	for _, l := range Languages {
		if strings.EqualFold(lang, l) {
			return true
		}
	}
	return false
}

// Timeout returns the requested timeout, or zero when unset.
func (r *RunRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// Acquirer abstracts sandbox acquisition. Implementations exist for a
// static URL and for Kubernetes SandboxClaims.
type Acquirer interface {
	// Acquire returns a sandbox server base URL. The release function must
	// be called after execution to clean up.
	Acquire(ctx context.Context) (sandboxURL string, release func(), err error)
}

// StaticAcquirer always returns the same URL.
type StaticAcquirer string

// Acquire returns the static URL and a no-op release function.
func (s StaticAcquirer) Acquire(context.Context) (string, func(), error) {
	return strings.TrimRight(string(s), "/"), func() {}, nil
}

// TokenSource returns the bearer token for the next request. An empty token
// sends no Authorization header.
type TokenSource func() (string, error)

// APIKey returns a TokenSource for a static key.
func APIKey(key string) TokenSource {
	return func() (string, error) { return key, nil }
}

// Runner is the sandbox-server client.
type Runner struct {
	acquirer   Acquirer
	token      TokenSource
	httpClient *http.Client
}

// New creates a Runner. token may be nil.
func New(acquirer Acquirer, token TokenSource) *Runner {
	return &Runner{
		acquirer: acquirer,
		token:    token,
		// Per-run deadlines come from the request context.
		httpClient: &http.Client{},
	}
}

// NewFactory returns the registry factory for this backend. kubernetes
// builds the acquirer when sandbox.remote.acquirer is "kubernetes".
func NewFactory(kubernetes func(cfg *config.Config) (Acquirer, error)) sandbox.Factory {
	return func(cfg *config.Config) (sandbox.Runner, error) {
		rc := cfg.Sandbox.Remote

		var acquirer Acquirer
		switch rc.Acquirer {
		case "", "static":
			if rc.URL == "" {
				return nil, errors.New("sandbox.remote.url is required")
			}
			acquirer = StaticAcquirer(rc.URL)
		case "kubernetes":
			if kubernetes == nil {
				return nil, errors.New("kubernetes acquirer not available")
			}
			a, err := kubernetes(cfg)
			if err != nil {
				return nil, fmt.Errorf("kubernetes acquirer: %w", err)
			}
			acquirer = a
		default:
			return nil, fmt.Errorf("unknown acquirer %q", rc.Acquirer)
		}

		token, err := tokenSource(rc)
		if err != nil {
			return nil, err
		}
		return New(acquirer, token), nil
	}
}

// tokenSource prefers a JWT signer over a static API key.
func tokenSource(rc config.RemoteConfig) (TokenSource, error) {
	switch {
	case rc.JWTSecret != "":
		signer, err := jwt.NewSigner(jwt.SignerConfig{
			Secret:   rc.JWTSecret,
			Issuer:   rc.JWTIssuer,
			Audience: rc.JWTAudience,
		})
		if err != nil {
			return nil, err
		}
		return signer.Token, nil
	case rc.APIKey != "":
		return APIKey(rc.APIKey), nil
	}
	return nil, nil
}

// DefaultConfig is sent when a request carries no sandbox config: no env,
// network, subprocess or FFI access, and read/write limited to
// node_modules.
func DefaultConfig(timeout time.Duration) *api.SandboxConfig {
	return &api.SandboxConfig{
		AllowEnv:       api.AllowAll(false),
		AllowRead:      api.AllowList("node_modules"),
		AllowWrite:     api.AllowList("node_modules"),
		AllowNet:       api.AllowAll(false),
		AllowRun:       api.AllowAll(false),
		AllowFFI:       api.AllowAll(false),
		NodeModulesDir: "auto",
		MemoryLimitMB:  sandbox.DefaultMemoryMB,
		TimeoutSeconds: timeout.Seconds(),
	}
}

// Run acquires a sandbox server and posts the program to it.
func (r *Runner) Run(ctx context.Context, code string, opts sandbox.RunOptions) (*sandbox.RunResponse, error) {
	timeout := sandbox.ClampTimeout(opts.Timeout)

	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig(timeout)
	} else {
		c := *cfg
		c.MemoryLimitMB = sandbox.ClampMemoryMB(c.MemoryLimitMB)
		cfg = &c
	}

	body, err := json.Marshal(&RunRequest{Code: code, Language: Language, TimeoutMS: timeout.Milliseconds(), Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL, release, err := r.acquirer.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire sandbox: %w", err)
	}
	defer release()

	reqCtx, cancel := context.WithTimeout(ctx, timeout+responseSlack)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+RunPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(RequestIDHeader, requestID)
	if r.token != nil {
		token, err := r.token()
		if err != nil {
			return nil, fmt.Errorf("bearer token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	debug.Log("sandbox", "remote run", "url", baseURL, "request_id", requestID, "timeout", timeout)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			slog.Warn("sandbox server did not answer in time", "url", baseURL, "request_id", requestID)
			return sandbox.TimeoutResponse(timeout, "", ""), nil
		}
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrCapacity
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox returned HTTP %d: %s", resp.StatusCode, debug.Truncate(strings.TrimSpace(string(respBody)), 200))
	}

	var runResp sandbox.RunResponse
	if err := json.Unmarshal(respBody, &runResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &runResp, nil
}
