// Package subprocess runs programs with a local python3 interpreter in a
// throwaway working directory.
//
// Isolation is limited to a private temp dir, an environment reduced to
// what allow_env permits, and a hard timeout. Use the wasm or docker
// backends when the code is untrusted.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rhuss/pysandbox/pkg/config"
	"github.com/rhuss/pysandbox/pkg/debug"
	"github.com/rhuss/pysandbox/pkg/sandbox"
)

// Name is the registry name of this backend.
const Name = "subprocess"

// waitDelay bounds how long Run waits for output pipes after the
// interpreter was killed.
const waitDelay = 2 * time.Second

// Runner executes programs with a python3 child process.
type Runner struct {
	python  string
	workDir string
}

var _ sandbox.Runner = (*Runner)(nil)

// New creates a Runner. python is resolved against PATH immediately so a
// missing interpreter is reported at startup.
func New(python, workDir string) (*Runner, error) {
	path, err := exec.LookPath(python)
	if err != nil {
		return nil, fmt.Errorf("python interpreter %q: %w", python, err)
	}
	return &Runner{python: path, workDir: workDir}, nil
}

// Factory builds a Runner from configuration.
func Factory(cfg *config.Config) (sandbox.Runner, error) {
	return New(cfg.Sandbox.Subprocess.Python, cfg.Sandbox.Subprocess.WorkDir)
}

// Run writes code into a fresh temp dir and executes it via the bootstrap.
func (r *Runner) Run(ctx context.Context, code string, opts sandbox.RunOptions) (*sandbox.RunResponse, error) {
	dir, err := os.MkdirTemp(r.workDir, "pysandbox-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := sandbox.PrepareDir(dir, code); err != nil {
		return nil, err
	}

	timeout := sandbox.ClampTimeout(opts.Timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.python, "-B", "-s", "-u",
		filepath.Join(dir, sandbox.BootstrapFile),
		filepath.Join(dir, sandbox.ProgramFile),
	)
	cmd.Dir = dir
	cmd.Env = r.environ(dir, opts)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	debug.Log("sandbox", "subprocess run", "python", r.python, "dir", dir, "timeout", timeout)

	err = cmd.Run()
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, fmt.Errorf("subprocess run aborted: %w", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return sandbox.TimeoutResponse(timeout, stdout.String(), stderr.String()), nil
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("start python: %w", err)
		}
		return sandbox.Completed(exitErr.ExitCode(), stdout.String(), stderr.String(), nil), nil
	}

	result, err := sandbox.ReadResult(dir)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	return sandbox.Completed(0, stdout.String(), stderr.String(), result), nil
}

// environ builds the child environment: the variables allow_env permits,
// then the fixed entries the bootstrap relies on.
func (r *Runner) environ(dir string, opts sandbox.RunOptions) []string {
	var env []string
	if opts.Config != nil {
		env = sandbox.Environ(opts.Config.AllowEnv, os.Environ())
	}
	return append(env,
		"HOME="+dir,
		"PYTHONIOENCODING=utf-8",
		sandbox.ResultFileEnv+"="+filepath.Join(dir, sandbox.ResultFile),
	)
}
