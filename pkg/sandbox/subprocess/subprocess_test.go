package subprocess

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/pysandbox/pkg/api"
	"github.com/rhuss/pysandbox/pkg/config"
	"github.com/rhuss/pysandbox/pkg/sandbox"
	"github.com/rhuss/pysandbox/pkg/wrapper"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	r, err := New("python3", t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func run(t *testing.T, r *Runner, code string, opts sandbox.RunOptions) *sandbox.RunResponse {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	resp, err := r.Run(context.Background(), code, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp == nil {
		t.Fatal("Run returned nil response")
	}
	return resp
}

func TestNew_MissingInterpreter(t *testing.T) {
	if _, err := New("definitely-not-a-python-binary", ""); err == nil {
		t.Fatal("expected error for missing interpreter")
	}
}

func TestFactory_UsesConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Sandbox.Subprocess.Python = "definitely-not-a-python-binary"
	if _, err := Factory(&cfg); err == nil {
		t.Fatal("factory should fail for a missing interpreter")
	}
}

func TestRun_FinalExpression(t *testing.T) {
	r := newTestRunner(t)
	resp := run(t, r, "x = 20\nprint('hello')\n{'answer': x * 2 + 2}\n", sandbox.RunOptions{})

	if !resp.Success {
		t.Fatalf("expected success, got error %q stderr %q", resp.Error, resp.Stderr.String())
	}
	if resp.Stdout.String() != "hello\n" {
		t.Errorf("stdout = %q", resp.Stdout.String())
	}
	got, _ := json.Marshal(resp.Value())
	if string(got) != `{"answer":42}` {
		t.Errorf("value = %s", got)
	}
}

func TestRun_NoFinalExpression(t *testing.T) {
	r := newTestRunner(t)
	resp := run(t, r, "x = 1\n", sandbox.RunOptions{})
	if !resp.Success {
		t.Fatalf("expected success: %+v", resp)
	}
	if resp.Value() != nil {
		t.Errorf("value = %v, want nil", resp.Value())
	}
}

func TestRun_NonSerializableValueUsesRepr(t *testing.T) {
	r := newTestRunner(t)
	resp := run(t, r, "class Thing:\n    def __repr__(self):\n        return 'Thing()'\nThing()\n", sandbox.RunOptions{})
	if resp.Value() != "Thing()" {
		t.Errorf("value = %v, want repr string", resp.Value())
	}
}

func TestRun_NonFiniteFloatsBecomeNull(t *testing.T) {
	r := newTestRunner(t)
	resp := run(t, r, "{'score': float('nan'), 'values': [1.5, float('inf'), -float('inf')]}\n", sandbox.RunOptions{})
	if !resp.Success {
		t.Fatalf("expected success: %+v", resp)
	}
	if !json.Valid([]byte(resp.JSONResult)) {
		t.Fatalf("result %q is not valid JSON", resp.JSONResult)
	}
	got, _ := json.Marshal(resp.Value())
	if string(got) != `{"score":null,"values":[1.5,null,null]}` {
		t.Errorf("value = %s", got)
	}
}

func TestRun_UncaughtException(t *testing.T) {
	r := newTestRunner(t)
	resp := run(t, r, "print('before')\nraise ValueError('bad input')\n", sandbox.RunOptions{})

	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Error != "ValueError: bad input" {
		t.Errorf("error = %q", resp.Error)
	}
	if !strings.Contains(resp.Stderr.String(), "Traceback") {
		t.Errorf("stderr should carry the traceback: %q", resp.Stderr.String())
	}
	if resp.Stdout.String() != "before\n" {
		t.Errorf("stdout = %q", resp.Stdout.String())
	}
}

func TestRun_Timeout(t *testing.T) {
	r := newTestRunner(t)
	start := time.Now()
	resp := run(t, r, "import time\ntime.sleep(30)\n", sandbox.RunOptions{Timeout: time.Second})

	if resp.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(resp.Error, "timed out") {
		t.Errorf("error = %q", resp.Error)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}

func TestRun_ParentContextCancelled(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Run(ctx, "1\n", sandbox.RunOptions{Timeout: time.Second}); err == nil {
		t.Fatal("cancelled parent context should be an error")
	}
}

func TestRun_EnvironmentFiltered(t *testing.T) {
	r := newTestRunner(t)
	t.Setenv("PYSANDBOX_TEST_VISIBLE", "yes")
	t.Setenv("PYSANDBOX_TEST_HIDDEN", "no")

	code := "import os\n[os.environ.get('PYSANDBOX_TEST_VISIBLE'), os.environ.get('PYSANDBOX_TEST_HIDDEN')]\n"

	resp := run(t, r, code, sandbox.RunOptions{Config: &api.SandboxConfig{AllowEnv: api.AllowList("PYSANDBOX_TEST_VISIBLE")}})
	got, _ := json.Marshal(resp.Value())
	if string(got) != `["yes",null]` {
		t.Errorf("allow-list env = %s", got)
	}

	resp = run(t, r, code, sandbox.RunOptions{})
	got, _ = json.Marshal(resp.Value())
	if string(got) != `[null,null]` {
		t.Errorf("default env = %s", got)
	}
}

func TestRun_WrappedProgram(t *testing.T) {
	r := newTestRunner(t)

	tests := []struct {
		name      string
		code      string
		params    map[string]any
		wantScore string
	}{
		{
			name:      "sync main with params",
			code:      "def main(args):\n    return {'score': args.threshold * 2, 'reason': 'ok'}\n",
			params:    map[string]any{"threshold": json.Number("0.25")},
			wantScore: "0.5",
		},
		{
			name:      "async main",
			code:      "import asyncio\nasync def main(args):\n    await asyncio.sleep(0)\n    return {'score': 1}\n",
			wantScore: "1",
		},
		{
			name:      "no main",
			code:      "x = 1\n",
			wantScore: "1.0",
		},
		{
			name:      "main raises",
			code:      "def main(args):\n    raise KeyError('missing')\n",
			wantScore: "0.0",
		},
		{
			name:      "non-identifier key stays dict-only",
			code:      "def main(args):\n    return {'score': args.params['my-key']}\n",
			params:    map[string]any{"my-key": json.Number("3")},
			wantScore: "3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := run(t, r, wrapper.Wrap(tt.code, tt.params), sandbox.RunOptions{})
			if !resp.Success {
				t.Fatalf("expected success, got %q: %s", resp.Error, resp.Stderr.String())
			}
			m, ok := resp.Value().(map[string]any)
			if !ok {
				t.Fatalf("value = %#v, want object", resp.Value())
			}
			if got := m["score"].(json.Number).String(); got != tt.wantScore {
				t.Errorf("score = %s, want %s", got, tt.wantScore)
			}
		})
	}
}

func TestRun_SyntaxCheck(t *testing.T) {
	r := newTestRunner(t)

	tests := []struct {
		name      string
		code      string
		wantValid bool
		wantError string
	}{
		{"valid", "def main(args):\n    return {'score': 1}\n", true, ""},
		{"not executed", "raise SystemExit(3)\n", true, ""},
		{"syntax error", "def main(args:\n    return 1\n", false, "SyntaxError"},
		{"bad indent", "if True:\nreturn 1\n", false, "IndentationError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := run(t, r, wrapper.SyntaxCheck(tt.code), sandbox.RunOptions{})
			if !resp.Success {
				t.Fatalf("checker failed: %q stderr %q", resp.Error, resp.Stderr.String())
			}
			verdict, ok := resp.Value().(map[string]any)
			if !ok {
				t.Fatalf("value = %#v, want a dict", resp.Value())
			}
			if verdict["valid"] != tt.wantValid {
				t.Errorf("valid = %v, want %v", verdict["valid"], tt.wantValid)
			}
			msg, _ := verdict["error"].(string)
			if !strings.HasPrefix(msg, tt.wantError) || (tt.wantError == "") != (msg == "") {
				t.Errorf("error = %q, want prefix %q", msg, tt.wantError)
			}
		})
	}
}
