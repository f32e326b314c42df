package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/pysandbox/pkg/auth"
	"github.com/rhuss/pysandbox/pkg/config"
	"github.com/rhuss/pysandbox/pkg/debug"
	"github.com/rhuss/pysandbox/pkg/observability"
	"github.com/rhuss/pysandbox/pkg/sandbox"
	"github.com/rhuss/pysandbox/pkg/sandbox/remote"
	"github.com/rhuss/pysandbox/pkg/transport"
	"github.com/rhuss/pysandbox/pkg/wrapper"
)

const (
	maxRequestBytes = 10 << 20
	defaultTimeout  = 30 * time.Second
	validateTimeout = 10 * time.Second
	versionTimeout  = 5 * time.Second
)

type sandboxServer struct {
	runner         sandbox.Runner
	backend        string
	runtimeVersion string
	maxConcurrent  int32
	currentLoad    atomic.Int32
	startTime      time.Time
}

func newSandboxServer(runner sandbox.Runner, cfg *config.Config) *sandboxServer {
	return &sandboxServer{
		runner:         runner,
		backend:        cfg.Sandbox.Backend,
		runtimeVersion: detectRuntimeVersion(cfg.Sandbox),
		maxConcurrent:  int32(cfg.Server.MaxConcurrent),
		startTime:      time.Now(),
	}
}

// handler wires the routes behind the middleware chain. Health and metrics
// endpoints bypass authentication.
func (s *sandboxServer) handler(chain *auth.AuthChain, limiter auth.RateLimiter, metrics config.MetricsConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+remote.RunPath, s.handleRun)
	mux.HandleFunc("POST "+remote.ValidatePath, s.handleValidate)
	mux.HandleFunc("GET /health", s.handleHealth)

	bypass := []string{"/health"}
	if metrics.Enabled {
		path := metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
		bypass = append(bypass, path)
	}

	return transport.Chain(
		transport.RequestID(),
		transport.Recovery(),
		transport.Logging(nil),
		observability.MetricsMiddleware,
		auth.Middleware(chain, limiter, bypass),
	)(mux)
}

// --- Run handler ---

// admit checks the caller's scope and takes an execution slot. When it
// returns false the rejection has already been written. The release
// function must be called once the backend is done.
func (s *sandboxServer) admit(w http.ResponseWriter, r *http.Request) (release func(), ok bool) {
	identity := auth.IdentityFromContext(r.Context())
	if !identity.HasScope(auth.ScopeRun) {
		slog.Warn("request rejected: missing scope",
			"request_id", transport.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"scope", auth.ScopeRun,
		)
		observability.ServerRejectedTotal.WithLabelValues("forbidden").Inc()
		transport.WriteError(w, http.StatusForbidden, fmt.Sprintf("%s: scope %q required", auth.ErrForbidden, auth.ScopeRun))
		return nil, false
	}

	current := s.currentLoad.Add(1)
	release = func() { s.currentLoad.Add(-1) }

	if current > s.maxConcurrent {
		release()
		observability.ServerRejectedTotal.WithLabelValues("capacity").Inc()
		transport.WriteError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent executions)", current, s.maxConcurrent))
		return nil, false
	}
	return release, true
}

// writeRunnerError maps a runner failure to 503 for unavailable backends
// and 500 otherwise.
func writeRunnerError(w http.ResponseWriter, requestID string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, sandbox.ErrUnavailable) {
		status = http.StatusServiceUnavailable
	}
	slog.Error("run failed", "request_id", requestID, "error", err)
	transport.WriteError(w, status, err.Error())
}

func (s *sandboxServer) handleRun(w http.ResponseWriter, r *http.Request) {
	requestID := transport.RequestIDFromContext(r.Context())
	identity := auth.IdentityFromContext(r.Context())

	release, ok := s.admit(w, r)
	if !ok {
		return
	}
	defer release()

	var req remote.RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		transport.WriteError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Code == "" {
		transport.WriteError(w, http.StatusBadRequest, "code is required")
		return
	}
	if !remote.SupportsLanguage(req.Language) {
		transport.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported language %q (supported: %s)", req.Language, strings.Join(remote.Languages, ", ")))
		return
	}

	timeout := req.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	slog.Info("run request",
		"request_id", requestID,
		"subject", identity.Subject,
		"code", debug.Truncate(req.Code, 120),
		"timeout", timeout,
	)

	start := time.Now()
	resp, err := s.runner.Run(r.Context(), req.Code, sandbox.RunOptions{Timeout: timeout, Config: req.Config})
	duration := time.Since(start)

	if err != nil {
		writeRunnerError(w, requestID, err)
		return
	}
	if resp == nil {
		slog.Error("run produced no response", "request_id", requestID)
		transport.WriteError(w, http.StatusInternalServerError, "sandbox produced no response")
		return
	}

	slog.Info("run complete",
		"request_id", requestID,
		"success", resp.Success,
		"duration_ms", duration.Milliseconds(),
		"stdout_len", len(resp.Stdout.String()),
		"error", resp.Error,
	)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("writing run response failed", "request_id", requestID, "error", err)
	}
}

// --- Validate handler ---

// handleValidate parses code on the backend without executing it.
func (s *sandboxServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	requestID := transport.RequestIDFromContext(r.Context())

	release, ok := s.admit(w, r)
	if !ok {
		return
	}
	defer release()

	var req remote.ValidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		transport.WriteError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Code == "" {
		transport.WriteError(w, http.StatusBadRequest, "code is required")
		return
	}
	if !remote.SupportsLanguage(req.Language) {
		writeValidateResponse(w, requestID, remote.ValidateResponse{
			Success: true,
			Error:   fmt.Sprintf("unsupported language %q", req.Language),
		})
		return
	}

	resp, err := s.runner.Run(r.Context(), wrapper.SyntaxCheck(req.Code), sandbox.RunOptions{Timeout: validateTimeout})
	if err != nil {
		writeRunnerError(w, requestID, err)
		return
	}
	if resp == nil || !resp.Success {
		msg := "sandbox produced no response"
		if resp != nil {
			msg = resp.Error
		}
		slog.Error("syntax check failed", "request_id", requestID, "error", msg)
		transport.WriteError(w, http.StatusInternalServerError, "syntax check failed: "+msg)
		return
	}

	check, ok := resp.Value().(map[string]any)
	if !ok {
		transport.WriteError(w, http.StatusInternalServerError, "syntax check returned no verdict")
		return
	}
	out := remote.ValidateResponse{Success: true}
	out.Valid, _ = check["valid"].(bool)
	out.Error, _ = check["error"].(string)

	debug.Log("server", "validate complete", "request_id", requestID, "valid", out.Valid, "error", out.Error)
	writeValidateResponse(w, requestID, out)
}

func writeValidateResponse(w http.ResponseWriter, requestID string, resp remote.ValidateResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("writing validate response failed", "request_id", requestID, "error", err)
	}
}

// --- Health handler ---

type healthResponse struct {
	Status          string   `json:"status"`
	Mode            string   `json:"mode"`
	Languages       []string `json:"languages"`
	RuntimeVersion  string   `json:"runtime_version"`
	Capacity        int      `json:"capacity"`
	CurrentLoad     int      `json:"current_load"`
	UptimeSecs      int64    `json:"uptime_seconds"`
	DebugCategories []string `json:"debug_categories,omitempty"`
}

func (s *sandboxServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if lang := r.URL.Query().Get("language"); !remote.SupportsLanguage(lang) {
		transport.WriteError(w, http.StatusNotFound, fmt.Sprintf("language %q is not supported", lang))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:          "healthy",
		Mode:            s.backend,
		Languages:       remote.Languages,
		RuntimeVersion:  s.runtimeVersion,
		Capacity:        int(s.maxConcurrent),
		CurrentLoad:     int(s.currentLoad.Load()),
		UptimeSecs:      int64(time.Since(s.startTime).Seconds()),
		DebugCategories: debug.Categories(),
	})
}

// detectRuntimeVersion describes the Python runtime behind the backend.
func detectRuntimeVersion(cfg config.SandboxConfig) string {
	switch cfg.Backend {
	case "subprocess":
		return pythonVersion(cfg.Subprocess.Python)
	case "docker":
		return "image " + cfg.Docker.Image
	case "wasm":
		return "wasi " + filepath.Base(cfg.WASM.Module)
	default:
		return "unknown"
	}
}

func pythonVersion(python string) string {
	if python == "" {
		python = "python3"
	}
	ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, python, "--version").CombinedOutput()
	if err != nil {
		return "unknown"
	}

	// Return first line, trimmed.
	version := strings.TrimSpace(string(output))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	return version
}
