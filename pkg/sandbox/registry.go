package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rhuss/pysandbox/pkg/config"
	"github.com/rhuss/pysandbox/pkg/observability"
)

// Factory builds a Runner from configuration. It should fail fast when the
// backend's prerequisites (binaries, daemons, modules) are missing.
type Factory func(cfg *config.Config) (Runner, error)

// Registry maps backend names to factories. Resolution happens once at
// process start.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. A later registration with the same
// name replaces the earlier one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		slog.Warn("sandbox backend re-registered, replacing", "backend", name)
	}
	r.factories[name] = f
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the runner registered under name. Unknown names and
// factory failures are returned as *UnavailableError. The returned runner
// records run latency and outcome metrics.
func (r *Registry) Resolve(name string, cfg *config.Config) (Runner, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnavailableError{
			Name:  name,
			Cause: fmt.Errorf("unknown backend (registered: %v)", r.Names()),
		}
	}

	runner, err := f(cfg)
	if err != nil {
		return nil, &UnavailableError{Name: name, Cause: err}
	}
	if runner == nil {
		return nil, &UnavailableError{Name: name, Cause: fmt.Errorf("factory returned no runner")}
	}

	slog.Debug("sandbox backend resolved", "backend", name)
	return &instrumented{name: name, next: runner}, nil
}

// instrumented wraps a Runner with Prometheus metrics.
type instrumented struct {
	name string
	next Runner
}

func (i *instrumented) Run(ctx context.Context, code string, opts RunOptions) (*RunResponse, error) {
	start := time.Now()
	resp, err := i.next.Run(ctx, code, opts)
	observability.SandboxRunLatency.WithLabelValues(i.name).Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case resp == nil || !resp.Success:
		outcome = "failed"
	}
	observability.SandboxRunsTotal.WithLabelValues(i.name, outcome).Inc()
	return resp, err
}

// Close closes the wrapped runner if it holds resources.
func (i *instrumented) Close() error {
	if c, ok := i.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
