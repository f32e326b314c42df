package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeoutSeconds is applied when a request carries no timeout_seconds.
const DefaultTimeoutSeconds = 30

// Fixed messages used in results.
const (
	MsgEmptyCode         = "code must not be empty"
	MsgExecutionFailed   = "execution failed"
	MsgExecutionComplete = "execution completed"
	PipeErrorPrefix      = "pipe communication error: "
)

// Status is the textual outcome of an execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Permission is either a blanket allow/deny (JSON boolean) or an explicit
// allow-list (JSON array of strings).
type Permission struct {
	// All is set when the permission was given as a boolean.
	All *bool
	// List is set when the permission was given as an allow-list.
	List []string
}

// AllowAll returns a blanket permission.
func AllowAll(v bool) *Permission {
	return &Permission{All: &v}
}

// AllowList returns a list permission.
func AllowList(items ...string) *Permission {
	return &Permission{List: items}
}

// Allowed reports whether the permission grants anything at all.
func (p *Permission) Allowed() bool {
	if p == nil {
		return false
	}
	if p.All != nil {
		return *p.All
	}
	return len(p.List) > 0
}

// Unrestricted reports whether the permission is a blanket allow.
func (p *Permission) Unrestricted() bool {
	return p != nil && p.All != nil && *p.All
}

// UnmarshalJSON accepts a boolean or an array of strings.
func (p *Permission) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = Permission{}
		return nil
	}
	if data[0] == '[' {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("permission list: %w", err)
		}
		*p = Permission{List: list}
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("permission must be a boolean or a list of strings: %w", err)
	}
	*p = Permission{All: &b}
	return nil
}

// MarshalJSON writes the permission back in the form it was given.
func (p Permission) MarshalJSON() ([]byte, error) {
	if p.All != nil {
		return json.Marshal(*p.All)
	}
	if p.List == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.List)
}

// SandboxConfig carries the permission and resource toggles passed through
// to the sandbox backend.
type SandboxConfig struct {
	AllowEnv       *Permission `json:"allow_env,omitempty"`
	AllowRead      *Permission `json:"allow_read,omitempty"`
	AllowWrite     *Permission `json:"allow_write,omitempty"`
	AllowNet       *Permission `json:"allow_net,omitempty"`
	AllowRun       *Permission `json:"allow_run,omitempty"`
	AllowFFI       *Permission `json:"allow_ffi,omitempty"`
	NodeModulesDir string      `json:"node_modules_dir,omitempty"`
	MemoryLimitMB  int64       `json:"memory_limit_mb,omitempty"`
	TimeoutSeconds float64     `json:"timeout_seconds,omitempty"`
}

// UnmarshalJSON decodes the config leniently. Fields whose values have the
// wrong type are dropped with a warning and keep their zero value, and a
// config that is not an object decodes to an empty config.
func (c *SandboxConfig) UnmarshalJSON(data []byte) error {
	type plain SandboxConfig
	var strict plain
	if err := json.Unmarshal(data, &strict); err == nil {
		*c = SandboxConfig(strict)
		return nil
	}

	var out plain
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		slog.Warn("ignoring sandbox config that is not a JSON object", "config", string(data))
		*c = SandboxConfig{}
		return nil
	}
	for name, value := range fields {
		one, err := json.Marshal(map[string]json.RawMessage{name: value})
		if err != nil {
			continue
		}
		// Decode into a scratch value first so a failed field leaves out untouched.
		var scratch plain
		if err := json.Unmarshal(one, &scratch); err != nil {
			slog.Warn("ignoring sandbox config field", "field", name, "value", string(value), "error", err)
			continue
		}
		_ = json.Unmarshal(one, &out)
	}
	*c = SandboxConfig(out)
	return nil
}

// Timeout returns the effective execution timeout. A nil config or a
// non-positive timeout_seconds yields the 30 second default.
func (c *SandboxConfig) Timeout() time.Duration {
	secs := float64(DefaultTimeoutSeconds)
	if c != nil && c.TimeoutSeconds > 0 {
		secs = c.TimeoutSeconds
	}
	return time.Duration(secs * 1000 * float64(time.Millisecond))
}

// ExecutionRequest is the single request read from the pipe.
type ExecutionRequest struct {
	Config *SandboxConfig `json:"config,omitempty"`
	Code   string         `json:"code"`
	Params map[string]any `json:"params,omitempty"`
}

// UnmarshalJSON decodes a request leniently: a code value that is missing or
// not a string decodes to "" so that it fails validation instead of
// decoding, and numbers in params are kept as json.Number.
func (r *ExecutionRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Config *SandboxConfig  `json:"config"`
		Code   json.RawMessage `json:"code"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = ExecutionRequest{Config: raw.Config}

	if len(raw.Code) > 0 && raw.Code[0] == '"' {
		if err := json.Unmarshal(raw.Code, &r.Code); err != nil {
			return fmt.Errorf("code: %w", err)
		}
	}

	params := bytes.TrimSpace(raw.Params)
	switch {
	case len(params) == 0, bytes.Equal(params, []byte("null")):
	case params[0] == '{':
		dec := json.NewDecoder(bytes.NewReader(params))
		dec.UseNumber()
		if err := dec.Decode(&r.Params); err != nil {
			return fmt.Errorf("params: %w", err)
		}
	default:
		slog.Warn("ignoring params that are not a JSON object", "params", string(params))
	}
	return nil
}

// ExecutionResult is the single response written to the pipe. Build it with
// the New*Result constructors so that Success and Status always agree.
type ExecutionResult struct {
	Success       bool    `json:"success"`
	Status        Status  `json:"status"`
	Result        any     `json:"result,omitempty"`
	Stdout        string  `json:"stdout,omitempty"`
	Stderr        string  `json:"stderr,omitempty"`
	ExecutionTime float64 `json:"execution_time"`
	SandboxError  string  `json:"sandbox_error,omitempty"`
}

// NewSuccessResult builds a successful result.
func NewSuccessResult(result any, stdout, stderr string, elapsed time.Duration) *ExecutionResult {
	return &ExecutionResult{
		Success:       true,
		Status:        StatusSuccess,
		Result:        result,
		Stdout:        stdout,
		Stderr:        stderr,
		ExecutionTime: seconds(elapsed),
	}
}

// NewSemanticFailureResult builds the result for user code that reported
// score 0. The value is kept so the caller can inspect it.
func NewSemanticFailureResult(result any, reason, stdout, stderr string, elapsed time.Duration) *ExecutionResult {
	return &ExecutionResult{
		Success:       false,
		Status:        StatusError,
		Result:        result,
		Stdout:        stdout,
		Stderr:        stderr,
		ExecutionTime: seconds(elapsed),
		SandboxError:  reason,
	}
}

// NewSandboxFailureResult builds the result for a sandbox that reported failure.
func NewSandboxFailureResult(message, stdout, stderr string, elapsed time.Duration) *ExecutionResult {
	return &ExecutionResult{
		Success:       false,
		Status:        StatusError,
		Stdout:        stdout,
		Stderr:        stderr,
		ExecutionTime: seconds(elapsed),
		SandboxError:  message,
	}
}

// NewErrorResult builds the result for validation failures and internal
// faults. The message is reported in both stderr and sandbox_error.
func NewErrorResult(message string, elapsed time.Duration) *ExecutionResult {
	return &ExecutionResult{
		Success:       false,
		Status:        StatusError,
		Stderr:        message,
		ExecutionTime: seconds(elapsed),
		SandboxError:  message,
	}
}

// NewPipeErrorResult builds the result for failures around the pipe itself.
// Execution time is always zero.
func NewPipeErrorResult(message string) *ExecutionResult {
	return &ExecutionResult{
		Success:       false,
		Status:        StatusError,
		Stderr:        message,
		ExecutionTime: 0,
		SandboxError:  PipeErrorPrefix + message,
	}
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
