// Command sandbox-server serves the remote backend: it runs Python programs
// posted to /run on a locally configured sandbox backend.
//
// It is meant to run inside agent-sandbox pods or as a shared service. The
// local backend defaults to subprocess; remote is rejected.
//
// Configuration is layered (defaults, YAML file, PYSANDBOX_* environment,
// flags); see pkg/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/pysandbox/pkg/config"
	"github.com/rhuss/pysandbox/pkg/debug"
	"github.com/rhuss/pysandbox/pkg/sandbox/builtin"
	"github.com/rhuss/pysandbox/pkg/sandbox/remote"
)

const shutdownTimeout = 10 * time.Second

var (
	configFlag  string
	backendFlag string
	portFlag    int
)

var rootCmd = &cobra.Command{
	Use:   "sandbox-server",
	Short: "Serve Python execution over HTTP for the remote backend",
	Long: `Run an HTTP server that executes Python programs in a local sandbox.

Endpoints:
  POST /run      execute a program
  GET  /health   report backend, runtime and load
  GET  /metrics  Prometheus metrics

Examples:
  sandbox-server --port 8080
  sandbox-server --config /etc/pysandbox/config.yaml --backend docker`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFlag, "config", "", "Path to the YAML config file")
	rootCmd.Flags().StringVar(&backendFlag, "backend", "", "Local sandbox backend (overrides config)")
	rootCmd.Flags().IntVar(&portFlag, "port", 0, "Listen port (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(configFlag, func(c *config.Config) {
		if backendFlag != "" {
			c.Sandbox.Backend = backendFlag
		}
		if portFlag > 0 {
			c.Server.Port = portFlag
		}
	})
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Sandbox.Backend == remote.Name {
		return errors.New("sandbox-server needs a local backend, not \"remote\"")
	}

	runner, err := builtin.NewRegistry().Resolve(cfg.Sandbox.Backend, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if c, ok := runner.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("closing sandbox backend failed", "error", err)
			}
		}
	}()

	chain, limiter, err := buildAuth(cfg.Auth)
	if err != nil {
		return err
	}
	if c, ok := limiter.(io.Closer); ok {
		defer c.Close()
	}

	srv := newSandboxServer(runner, cfg)
	httpSrv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      srv.handler(chain, limiter, cfg.Observability.Metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sandbox server starting",
			"port", cfg.Server.Port,
			"backend", srv.backend,
			"runtime", srv.runtimeVersion,
			"max_concurrent", srv.maxConcurrent,
			"auth", cfg.Auth.Type,
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
