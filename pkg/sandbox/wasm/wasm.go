// Package wasm runs programs with a CPython interpreter compiled to WASI,
// hosted by the wazero runtime.
//
// The guest sees only what is mounted: its working directory at /sandbox,
// the optional standard library at /usr/local/lib, and the paths granted by
// allow_read (read-only) and allow_write (read-write). Memory is capped by
// limiting the guest's linear memory pages.
package wasm

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/rhuss/pysandbox/pkg/api"
	"github.com/rhuss/pysandbox/pkg/config"
	"github.com/rhuss/pysandbox/pkg/debug"
	"github.com/rhuss/pysandbox/pkg/sandbox"
)

// Name is the registry name of this backend.
const Name = "wasm"

const (
	guestWorkDir = "/sandbox"
	guestLibDir  = "/usr/local/lib"

	// pagesPerMB is the number of 64 KiB wasm pages in one MiB.
	pagesPerMB = 16
)

// Options configure a Runner.
type Options struct {
	// Module is the compiled CPython WASI binary.
	Module []byte
	// StdlibDir is a host directory mounted read-only at /usr/local/lib.
	StdlibDir string
	// CacheDir persists compiled code across processes when set.
	CacheDir string
	// MaxMemoryMB caps per-run memory regardless of the request.
	MaxMemoryMB int64
}

// Runner executes programs in a fresh wazero runtime per run.
type Runner struct {
	module    []byte
	stdlibDir string
	maxMemMB  int64
	cache     wazero.CompilationCache
}

var _ sandbox.Runner = (*Runner)(nil)

// New creates a Runner and compiles the module once to fail fast on a
// broken binary and to warm the compilation cache.
func New(ctx context.Context, opts Options) (*Runner, error) {
	if len(opts.Module) == 0 {
		return nil, errors.New("empty wasm module")
	}

	cache := wazero.NewCompilationCache()
	if opts.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(opts.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("compilation cache %s: %w", opts.CacheDir, err)
		}
		cache = c
	}

	maxMem := opts.MaxMemoryMB
	if maxMem <= 0 {
		maxMem = sandbox.MaxMemoryMB
	}

	r := &Runner{
		module:    opts.Module,
		stdlibDir: opts.StdlibDir,
		maxMemMB:  maxMem,
		cache:     cache,
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(cache))
	defer rt.Close(ctx)
	if _, err := rt.CompileModule(ctx, opts.Module); err != nil {
		_ = cache.Close(ctx)
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	return r, nil
}

// Factory builds a Runner from configuration.
func Factory(cfg *config.Config) (sandbox.Runner, error) {
	wc := cfg.Sandbox.WASM
	module, err := os.ReadFile(wc.Module)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return New(context.Background(), Options{
		Module:      module,
		StdlibDir:   wc.StdlibDir,
		CacheDir:    wc.CacheDir,
		MaxMemoryMB: wc.MaxMemoryMB,
	})
}

// Close releases the compilation cache.
func (r *Runner) Close() error {
	return r.cache.Close(context.Background())
}

// Run executes code under the bootstrap inside a new runtime.
func (r *Runner) Run(ctx context.Context, code string, opts sandbox.RunOptions) (*sandbox.RunResponse, error) {
	dir, err := os.MkdirTemp("", "pysandbox-wasm-")
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

	pages := r.memoryPages(opts.Config)
	rt := wazero.NewRuntimeWithConfig(runCtx, wazero.NewRuntimeConfig().
		WithCompilationCache(r.cache).
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true))
	defer rt.Close(context.Background())

	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, rt); err != nil {
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	compiled, err := rt.CompileModule(runCtx, r.module)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}

	fsConfig, err := r.mounts(dir, opts.Config)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs("python", path.Join(guestWorkDir, sandbox.BootstrapFile), path.Join(guestWorkDir, sandbox.ProgramFile)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(fsConfig).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader).
		WithEnv(sandbox.ResultFileEnv, path.Join(guestWorkDir, sandbox.ResultFile)).
		WithEnv("HOME", guestWorkDir).
		WithEnv("PYTHONDONTWRITEBYTECODE", "1")
	if r.stdlibDir != "" {
		modConfig = modConfig.WithEnv("PYTHONHOME", path.Dir(guestLibDir))
	}
	if opts.Config != nil {
		for _, kv := range sandbox.Environ(opts.Config.AllowEnv, os.Environ()) {
			k, v, _ := strings.Cut(kv, "=")
			modConfig = modConfig.WithEnv(k, v)
		}
	}

	debug.Log("sandbox", "wasm run", "dir", dir, "timeout", timeout, "memory_pages", pages)

	mod, err := rt.InstantiateModule(runCtx, compiled, modConfig)
	if mod != nil {
		defer mod.Close(context.Background())
	}

	exitCode := 0
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("wasm run aborted: %w", ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return sandbox.TimeoutResponse(timeout, stdout.String(), stderr.String()), nil
		case errors.As(err, &exitErr):
			exitCode = int(exitErr.ExitCode())
		default:
			// Traps such as out-of-bounds memory growth end the guest.
			resp := sandbox.Completed(1, stdout.String(), stderr.String(), nil)
			resp.Error = err.Error()
			return resp, nil
		}
	}

	if exitCode != 0 {
		return sandbox.Completed(exitCode, stdout.String(), stderr.String(), nil), nil
	}
	result, err := sandbox.ReadResult(dir)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	return sandbox.Completed(0, stdout.String(), stderr.String(), result), nil
}

// memoryPages converts the request's memory limit into a page cap.
func (r *Runner) memoryPages(cfg *api.SandboxConfig) uint32 {
	var requested int64
	if cfg != nil {
		requested = cfg.MemoryLimitMB
	}
	mb := sandbox.ClampMemoryMB(requested)
	if mb > r.maxMemMB {
		mb = r.maxMemMB
	}
	return uint32(mb * pagesPerMB)
}

// mounts builds the guest filesystem for one run.
func (r *Runner) mounts(workDir string, cfg *api.SandboxConfig) (wazero.FSConfig, error) {
	fsConfig := wazero.NewFSConfig().WithDirMount(workDir, guestWorkDir)
	if r.stdlibDir != "" {
		fsConfig = fsConfig.WithReadOnlyDirMount(r.stdlibDir, guestLibDir)
	}
	if cfg == nil {
		return fsConfig, nil
	}

	readDirs, err := hostPaths(cfg.AllowRead)
	if err != nil {
		return nil, fmt.Errorf("allow_read: %w", err)
	}
	for _, p := range readDirs {
		fsConfig = fsConfig.WithReadOnlyDirMount(p, p)
	}

	writeDirs, err := hostPaths(cfg.AllowWrite)
	if err != nil {
		return nil, fmt.Errorf("allow_write: %w", err)
	}
	for _, p := range writeDirs {
		fsConfig = fsConfig.WithDirMount(p, p)
	}
	return fsConfig, nil
}

// hostPaths resolves a filesystem permission to absolute host directories
// that exist. A blanket grant mounts the root; missing entries are skipped.
func hostPaths(p *api.Permission) ([]string, error) {
	if !p.Allowed() {
		return nil, nil
	}
	if p.Unrestricted() {
		return []string{"/"}, nil
	}

	var out []string
	for _, entry := range p.List {
		abs, err := filepath.Abs(entry)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			debug.Log("sandbox", "skipping mount", "path", abs)
			continue
		}
		out = append(out, abs)
	}
	return out, nil
}
