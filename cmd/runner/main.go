// Command pysandbox-runner executes one Python request read from stdin.
//
// It reads a single JSON ExecutionRequest until EOF, runs the wrapped code
// in the configured sandbox backend and writes one JSON ExecutionResult to
// stdout. Logs go to stderr. The exit status is non-zero only when the
// result could not be written.
//
// Configuration is layered (defaults, YAML file, PYSANDBOX_* environment,
// flags); see pkg/config.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/pysandbox/pkg/config"
	"github.com/rhuss/pysandbox/pkg/debug"
	"github.com/rhuss/pysandbox/pkg/executor"
	"github.com/rhuss/pysandbox/pkg/observability"
	"github.com/rhuss/pysandbox/pkg/sandbox"
	"github.com/rhuss/pysandbox/pkg/sandbox/builtin"
)

const pushTimeout = 5 * time.Second

var (
	configFlag  string
	backendFlag string
)

var rootCmd = &cobra.Command{
	Use:   "pysandbox-runner",
	Short: "Run one Python execution request from stdin",
	Long: `Read one JSON execution request from stdin, run it in a sandbox and
write one JSON result to stdout.

Examples:
  echo '{"code":"def main(args):\n    return {\"score\": 1}"}' | pysandbox-runner
  pysandbox-runner --backend docker < request.json`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, builtin.NewRegistry(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFlag, "config", "", "Path to the YAML config file")
	rootCmd.Flags().StringVar(&backendFlag, "backend", "", "Sandbox backend (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run serves one request. Configuration and backend failures do not abort:
// they are reported through the result on stdout like any other failure.
func run(ctx context.Context, registry *sandbox.Registry, stdin io.Reader, stdout io.Writer) error {
	cfg, cfgErr := config.Load(configFlag, func(c *config.Config) {
		if backendFlag != "" {
			c.Sandbox.Backend = backendFlag
		}
	})
	if cfgErr != nil {
		defaults := config.Defaults()
		cfg = &defaults
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.Format)

	backend := cfg.Sandbox.Backend
	var runner sandbox.Runner
	if cfgErr != nil {
		slog.Error("configuration invalid", "error", cfgErr)
		runner = sandbox.Unavailable(fmt.Errorf("load configuration: %w", cfgErr))
		backend = "unconfigured"
	} else {
		r, err := registry.Resolve(backend, cfg)
		if err != nil {
			slog.Error("sandbox backend unavailable", "backend", backend, "error", err)
			r = sandbox.Unavailable(err)
		}
		runner = r
	}
	defer func() {
		if c, ok := runner.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("closing sandbox backend failed", "backend", backend, "error", err)
			}
		}
	}()

	err := executor.Serve(ctx, executor.New(runner, backend), stdin, stdout)

	if m := cfg.Observability.Metrics; m.Enabled && m.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if pushErr := observability.Push(pushCtx, m.PushgatewayURL, m.Job, nil); pushErr != nil {
			slog.Warn("pushing metrics failed", "error", pushErr)
		}
	}
	return err
}
