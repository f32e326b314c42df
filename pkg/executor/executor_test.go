package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rhuss/pysandbox/pkg/api"
	"github.com/rhuss/pysandbox/pkg/observability"
	"github.com/rhuss/pysandbox/pkg/sandbox"
	"github.com/rhuss/pysandbox/pkg/sandbox/subprocess"
	"github.com/rhuss/pysandbox/pkg/wrapper"
)

// fakeRunner records the last call and replies with a canned response.
type fakeRunner struct {
	resp  *sandbox.RunResponse
	err   error
	calls int
	code  string
	opts  sandbox.RunOptions
}

func (f *fakeRunner) Run(_ context.Context, code string, opts sandbox.RunOptions) (*sandbox.RunResponse, error) {
	f.calls++
	f.code = code
	f.opts = opts
	return f.resp, f.err
}

func execute(t *testing.T, runner sandbox.Runner, req *api.ExecutionRequest) *api.ExecutionResult {
	t.Helper()
	res := New(runner, "test").Execute(context.Background(), req)
	if res == nil {
		t.Fatal("Execute returned nil")
	}
	if res.Success != (res.Status == api.StatusSuccess) {
		t.Errorf("success=%v disagrees with status=%q", res.Success, res.Status)
	}
	if res.ExecutionTime < 0 {
		t.Errorf("execution_time = %v, want >= 0", res.ExecutionTime)
	}
	return res
}

func TestExecute_EmptyCode(t *testing.T) {
	for _, req := range []*api.ExecutionRequest{nil, {}, {Code: ""}} {
		runner := &fakeRunner{}
		res := execute(t, runner, req)

		if res.Success || res.Status != api.StatusError {
			t.Errorf("result = %+v, want error", res)
		}
		if res.SandboxError != api.MsgEmptyCode || res.Stderr != api.MsgEmptyCode {
			t.Errorf("messages = %q/%q, want %q", res.SandboxError, res.Stderr, api.MsgEmptyCode)
		}
		if runner.calls != 0 {
			t.Error("runner must not be called for invalid requests")
		}
	}
}

func TestExecute_NilRunner(t *testing.T) {
	res := execute(t, nil, &api.ExecutionRequest{Code: "x = 1"})
	if res.Success || !strings.Contains(res.SandboxError, "unavailable") {
		t.Errorf("result = %+v, want unavailable error", res)
	}
}

func TestExecute_UnavailableRunner(t *testing.T) {
	cause := &sandbox.UnavailableError{Name: "wasm", Cause: errors.New("module not found")}
	res := execute(t, sandbox.Unavailable(cause), &api.ExecutionRequest{Code: "x = 1"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.SandboxError != cause.Error() || res.Stderr != cause.Error() {
		t.Errorf("messages = %q/%q, want %q", res.SandboxError, res.Stderr, cause.Error())
	}
}

func TestExecute_RunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("sandbox at capacity (HTTP 429)")}
	res := execute(t, runner, &api.ExecutionRequest{Code: "x = 1"})

	if res.Success || res.SandboxError != "sandbox at capacity (HTTP 429)" {
		t.Errorf("result = %+v", res)
	}
	if res.Stderr != res.SandboxError {
		t.Errorf("stderr = %q, want the error text", res.Stderr)
	}
}

func TestExecute_RunnerPanics(t *testing.T) {
	runner := sandbox.RunnerFunc(func(context.Context, string, sandbox.RunOptions) (*sandbox.RunResponse, error) {
		panic("backend exploded")
	})
	res := execute(t, runner, &api.ExecutionRequest{Code: "x = 1"})
	if res.Success || res.SandboxError != "backend exploded" {
		t.Errorf("result = %+v, want recovered panic", res)
	}
}

func TestExecute_WrapsCodeAndPassesOptions(t *testing.T) {
	runner := &fakeRunner{resp: &sandbox.RunResponse{Success: true}}
	cfg := &api.SandboxConfig{TimeoutSeconds: 2.5, AllowNet: api.AllowAll(true)}
	params := map[string]any{"a": nil}

	execute(t, runner, &api.ExecutionRequest{Code: "x = 1\n", Params: params, Config: cfg})

	if runner.code != wrapper.Wrap("x = 1\n", params) {
		t.Error("runner should receive the wrapped program")
	}
	if !strings.Contains(runner.code, `args = {"a": None}`) {
		t.Error("wrapped program should carry the params initializer")
	}
	if runner.opts.Timeout != 2500*time.Millisecond {
		t.Errorf("Timeout = %v, want 2.5s", runner.opts.Timeout)
	}
	if runner.opts.Config != cfg {
		t.Error("config should be passed through unchanged")
	}
}

func TestExecute_DefaultTimeout(t *testing.T) {
	runner := &fakeRunner{resp: &sandbox.RunResponse{Success: true}}
	execute(t, runner, &api.ExecutionRequest{Code: "x = 1"})
	if runner.opts.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", runner.opts.Timeout)
	}
}

func TestExecute_Interpretation(t *testing.T) {
	tests := []struct {
		name        string
		resp        *sandbox.RunResponse
		wantSuccess bool
		wantError   string
		wantStdout  string
		wantStderr  string
		wantResult  string // JSON encoding of Result, "" for absent
	}{
		{
			name:        "non-zero score",
			resp:        &sandbox.RunResponse{Success: true, JSONResult: `{"score":0.5,"reason":"half"}`},
			wantSuccess: true,
			wantResult:  `{"reason":"half","score":0.5}`,
		},
		{
			name:        "score one",
			resp:        &sandbox.RunResponse{Success: true, JSONResult: `{"score":1.0}`},
			wantSuccess: true,
			wantResult:  `{"score":1.0}`,
		},
		{
			name:       "score zero with reason",
			resp:       &sandbox.RunResponse{Success: true, JSONResult: `{"score":0,"reason":"wrong answer"}`},
			wantError:  "wrong answer",
			wantResult: `{"reason":"wrong answer","score":0}`,
		},
		{
			name:       "score zero float without reason",
			resp:       &sandbox.RunResponse{Success: true, JSONResult: `{"score":0.0}`},
			wantError:  api.MsgExecutionFailed,
			wantResult: `{"score":0.0}`,
		},
		{
			name:       "score zero empty reason",
			resp:       &sandbox.RunResponse{Success: true, JSONResult: `{"score":-0,"reason":""}`},
			wantError:  api.MsgExecutionFailed,
			wantResult: `{"reason":"","score":-0}`,
		},
		{
			name:       "score zero raw result",
			resp:       &sandbox.RunResponse{Success: true, Result: map[string]any{"score": float64(0), "reason": "raw"}},
			wantError:  "raw",
			wantResult: `{"reason":"raw","score":0}`,
		},
		{
			name:        "score string zero is not zero",
			resp:        &sandbox.RunResponse{Success: true, JSONResult: `{"score":"0"}`},
			wantSuccess: true,
			wantResult:  `{"score":"0"}`,
		},
		{
			name:        "score false is not zero",
			resp:        &sandbox.RunResponse{Success: true, JSONResult: `{"score":false}`},
			wantSuccess: true,
			wantResult:  `{"score":false}`,
		},
		{
			name:        "list result",
			resp:        &sandbox.RunResponse{Success: true, JSONResult: `[0, {"score":0}]`},
			wantSuccess: true,
			wantResult:  `[0,{"score":0}]`,
		},
		{
			name:        "invalid json falls back to raw result",
			resp:        &sandbox.RunResponse{Success: true, JSONResult: `{broken`, Result: "raw value"},
			wantSuccess: true,
			wantResult:  `"raw value"`,
		},
		{
			name:        "no result",
			resp:        &sandbox.RunResponse{Success: true},
			wantSuccess: true,
		},
		{
			name:        "chunked output",
			resp:        &sandbox.RunResponse{Success: true, Stdout: sandbox.Stream{"a", "b"}, Stderr: sandbox.Text("warn")},
			wantSuccess: true,
			wantStdout:  "a\nb",
			wantStderr:  "warn",
		},
		{
			name:       "failure with error and stderr",
			resp:       &sandbox.RunResponse{Error: "NameError: x", Stdout: sandbox.Text("out"), Stderr: sandbox.Stream{"Traceback", "NameError: x"}},
			wantError:  "NameError: x",
			wantStdout: "out",
			wantStderr: "Traceback\nNameError: x",
		},
		{
			name:       "failure without stderr uses error",
			resp:       &sandbox.RunResponse{Error: "execution timed out after 1s"},
			wantError:  "execution timed out after 1s",
			wantStderr: "execution timed out after 1s",
		},
		{
			name:       "failure without error",
			resp:       &sandbox.RunResponse{},
			wantError:  api.MsgExecutionFailed,
			wantStderr: api.MsgExecutionFailed,
		},
		{
			name:       "absent response",
			resp:       nil,
			wantError:  api.MsgExecutionFailed,
			wantStderr: api.MsgExecutionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := execute(t, &fakeRunner{resp: tt.resp}, &api.ExecutionRequest{Code: "x"})

			if res.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v", res.Success, tt.wantSuccess)
			}
			if res.SandboxError != tt.wantError {
				t.Errorf("SandboxError = %q, want %q", res.SandboxError, tt.wantError)
			}
			if res.Stdout != tt.wantStdout {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tt.wantStdout)
			}
			if res.Stderr != tt.wantStderr {
				t.Errorf("Stderr = %q, want %q", res.Stderr, tt.wantStderr)
			}

			gotResult := ""
			if res.Result != nil {
				data, err := json.Marshal(res.Result)
				if err != nil {
					t.Fatalf("marshal result: %v", err)
				}
				gotResult = string(data)
			}
			if gotResult != tt.wantResult {
				t.Errorf("Result = %s, want %s", gotResult, tt.wantResult)
			}
		})
	}
}

func TestExecute_ElapsedTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	ex := New(&fakeRunner{resp: &sandbox.RunResponse{Success: true}}, "test")
	ex.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls-1) * 250 * time.Millisecond)
	}

	res := ex.Execute(context.Background(), &api.ExecutionRequest{Code: "x"})
	if res.ExecutionTime != 0.25 {
		t.Errorf("ExecutionTime = %v, want 0.25 (start to interpretation)", res.ExecutionTime)
	}
}

func TestExecute_Metrics(t *testing.T) {
	ex := New(&fakeRunner{resp: &sandbox.RunResponse{Success: true, JSONResult: `{"score":0}`}}, "metrics-test")

	before := testutil.ToFloat64(observability.ExecutionsTotal.WithLabelValues("metrics-test", OutcomeSemanticError))
	ex.Execute(context.Background(), &api.ExecutionRequest{Code: "x"})
	ex.Execute(context.Background(), &api.ExecutionRequest{})

	if got := testutil.ToFloat64(observability.ExecutionsTotal.WithLabelValues("metrics-test", OutcomeSemanticError)); got != before+1 {
		t.Errorf("semantic_error count = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(observability.ExecutionsTotal.WithLabelValues("metrics-test", OutcomeValidationError)); got < 1 {
		t.Errorf("validation_error count = %v, want >= 1", got)
	}
}

func TestIsZero(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{json.Number("0"), true},
		{json.Number("0.0"), true},
		{json.Number("-0"), true},
		{json.Number("0e10"), true},
		{json.Number("0.001"), false},
		{float64(0), true},
		{float32(0), true},
		{0, true},
		{int64(0), true},
		{1, false},
		{"0", false},
		{false, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isZero(tt.in); got != tt.want {
			t.Errorf("isZero(%#v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, api.MsgExecutionFailed},
		{"", api.MsgExecutionFailed},
		{false, api.MsgExecutionFailed},
		{json.Number("0"), api.MsgExecutionFailed},
		{"bad input", "bad input"},
		{json.Number("42"), "42"},
		{true, "true"},
		{[]any{"a"}, `["a"]`},
	}
	for _, tt := range tests {
		if got := failureReason(tt.in); got != tt.want {
			t.Errorf("failureReason(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestExecute_Subprocess runs real programs end to end when python3 exists.
func TestExecute_Subprocess(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	runner, err := subprocess.New("python3", "")
	if err != nil {
		t.Fatalf("subprocess.New: %v", err)
	}
	ex := New(runner, subprocess.Name)

	tests := []struct {
		name        string
		req         *api.ExecutionRequest
		wantSuccess bool
		wantResult  map[string]any
		wantError   string
	}{
		{
			name:        "no main no params",
			req:         &api.ExecutionRequest{Code: "x = 1\n"},
			wantSuccess: true,
			wantResult:  map[string]any{"score": 1.0, "reason": api.MsgExecutionComplete},
		},
		{
			name: "main returns score zero",
			req: &api.ExecutionRequest{Code: "def main(args):\n    return {'score': 0, 'reason': 'too short'}\n"},
			wantResult: map[string]any{"score": 0.0, "reason": "too short"},
			wantError:  "too short",
		},
		{
			name: "main with params",
			req: &api.ExecutionRequest{
				Code:   "def main(args):\n    return {'score': 0.5 if args.a is None else 1.0}\n",
				Params: map[string]any{"a": nil},
			},
			wantSuccess: true,
			wantResult:  map[string]any{"score": 0.5},
		},
		{
			name:       "main raises",
			req:        &api.ExecutionRequest{Code: "def main(args):\n    raise ValueError('nope')\n"},
			wantResult: map[string]any{"score": 0.0, "reason": "execution failed: ValueError: nope"},
			wantError:  "execution failed: ValueError: nope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ex.Execute(context.Background(), tt.req)
			if res.Success != tt.wantSuccess {
				t.Fatalf("Success = %v, want %v (result %+v)", res.Success, tt.wantSuccess, res)
			}
			if res.SandboxError != tt.wantError {
				t.Errorf("SandboxError = %q, want %q", res.SandboxError, tt.wantError)
			}

			data, _ := json.Marshal(res.Result)
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("result %s is not an object: %v", data, err)
			}
			for k, want := range tt.wantResult {
				if got[k] != want {
					t.Errorf("result[%q] = %#v, want %#v", k, got[k], want)
				}
			}
		})
	}
}
