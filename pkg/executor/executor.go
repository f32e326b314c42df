package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rhuss/pysandbox/pkg/api"
	"github.com/rhuss/pysandbox/pkg/debug"
	"github.com/rhuss/pysandbox/pkg/observability"
	"github.com/rhuss/pysandbox/pkg/sandbox"
	"github.com/rhuss/pysandbox/pkg/wrapper"
)

// Outcome labels for metrics and logs.
const (
	OutcomeSuccess         = "success"
	OutcomeSemanticError   = "semantic_error"
	OutcomeSandboxError    = "sandbox_error"
	OutcomeValidationError = "validation_error"
	OutcomeInternalError   = "internal_error"
)

// Interface executes a single request.
type Interface interface {
	Execute(ctx context.Context, req *api.ExecutionRequest) *api.ExecutionResult
}

// Executor runs requests through one sandbox runner.
type Executor struct {
	runner  sandbox.Runner
	backend string
	now     func() time.Time
}

var _ Interface = (*Executor)(nil)

// New creates an Executor. backend names the runner in logs and metrics.
// A nil runner is allowed; every request then fails as unavailable.
func New(runner sandbox.Runner, backend string) *Executor {
	return &Executor{runner: runner, backend: backend, now: time.Now}
}

// Execute runs req and returns its result. It never returns nil.
func (e *Executor) Execute(ctx context.Context, req *api.ExecutionRequest) (result *api.ExecutionResult) {
	start := e.now()
	outcome := OutcomeInternalError

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("executor panicked", "backend", e.backend, "panic", rec)
			result = api.NewErrorResult(fmt.Sprint(rec), e.since(start))
			outcome = OutcomeInternalError
		}
		e.record(outcome, start, result)
	}()

	if req == nil || req.Code == "" {
		outcome = OutcomeValidationError
		return api.NewErrorResult(api.MsgEmptyCode, e.since(start))
	}

	if e.runner == nil {
		return api.NewErrorResult(sandbox.ErrUnavailable.Error(), e.since(start))
	}

	wrapped := wrapper.Wrap(req.Code, req.Params)
	if debug.TraceIsEnabled("executor") {
		debug.Trace("executor", "wrapped program follows", "bytes", len(wrapped))
		debug.Raw("executor", wrapped)
	}

	opts := sandbox.RunOptions{Timeout: req.Config.Timeout(), Config: req.Config}
	debug.Log("executor", "running code", "backend", e.backend, "timeout", opts.Timeout, "params", len(req.Params))

	resp, err := e.runner.Run(ctx, wrapped, opts)
	if err != nil {
		if errors.Is(err, sandbox.ErrUnavailable) {
			slog.Error("sandbox runner unavailable", "backend", e.backend, "error", err)
		}
		return api.NewErrorResult(err.Error(), e.since(start))
	}

	result, outcome = interpret(resp, e.since(start))
	return result
}

func (e *Executor) since(start time.Time) time.Duration {
	return e.now().Sub(start)
}

// record emits the per-execution log line and metrics.
func (e *Executor) record(outcome string, start time.Time, result *api.ExecutionResult) {
	elapsed := e.since(start)
	observability.ExecutionsTotal.WithLabelValues(e.backend, outcome).Inc()
	observability.ExecutionDuration.WithLabelValues(e.backend).Observe(elapsed.Seconds())

	attrs := []any{
		"backend", e.backend,
		"outcome", outcome,
		"duration_ms", elapsed.Milliseconds(),
	}
	if result != nil && result.SandboxError != "" {
		attrs = append(attrs, "error", debug.Truncate(result.SandboxError, 200))
	}
	if outcome == OutcomeSuccess {
		slog.Info("execution finished", attrs...)
	} else {
		slog.Warn("execution finished", attrs...)
	}
}

// interpret maps a raw RunResponse onto an ExecutionResult.
func interpret(resp *sandbox.RunResponse, elapsed time.Duration) (*api.ExecutionResult, string) {
	if resp == nil {
		return api.NewSandboxFailureResult(api.MsgExecutionFailed, "", api.MsgExecutionFailed, elapsed), OutcomeSandboxError
	}

	stdout := resp.Stdout.String()
	stderr := resp.Stderr.String()

	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = api.MsgExecutionFailed
		}
		if stderr == "" {
			stderr = msg
		}
		return api.NewSandboxFailureResult(msg, stdout, stderr, elapsed), OutcomeSandboxError
	}

	value := resp.Value()
	if obj, ok := value.(map[string]any); ok && isZero(obj["score"]) {
		return api.NewSemanticFailureResult(value, failureReason(obj["reason"]), stdout, stderr, elapsed), OutcomeSemanticError
	}
	return api.NewSuccessResult(value, stdout, stderr, elapsed), OutcomeSuccess
}

// isZero reports whether v is the number zero. Strings and booleans never
// compare equal to zero.
func isZero(v any) bool {
	switch n := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		return err == nil && f == 0
	case float64:
		return n == 0
	case float32:
		return n == 0
	case int:
		return n == 0
	case int64:
		return n == 0
	}
	return false
}

// failureReason renders a semantic failure's reason. Empty or missing
// reasons fall back to the generic failure message.
func failureReason(v any) string {
	switch r := v.(type) {
	case nil:
		return api.MsgExecutionFailed
	case string:
		if r == "" {
			return api.MsgExecutionFailed
		}
		return r
	case bool:
		if !r {
			return api.MsgExecutionFailed
		}
	default:
		if isZero(r) {
			return api.MsgExecutionFailed
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
