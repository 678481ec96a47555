// Package main is the assent command line: it runs the approval engine
// against the configured store, either for one operation or as a long
// running process serving health, readiness and metrics.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/assent/internal/config"
	"github.com/pitabwire/assent/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cmd := newRootCmd(os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "assent: %v\n", err)
		return 1
	}
	return 0
}

type rootOptions struct {
	configPath string
	logLevel   string
}

// newRootCmd builds the command tree. Results are written to out as JSON;
// logs go to stderr unless serving.
func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "assent",
		Short:         "Configurable multi-step approval workflows",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("ASSENT_CONFIG"), "path to configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override observability.log_level")

	root.AddCommand(
		newTemplatesCmd(opts),
		newInstancesCmd(opts),
		newActionsCmd(opts),
		newHistoryCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// loadConfig reads the configuration named by --config, or the defaults
// when none is given.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefaults(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Observability.LogLevel = o.logLevel
	}
	return cfg, nil
}

// withApp loads config, wires the app, syncs definitions when sync is set
// and runs fn. Logs go to stderr so stdout only carries results.
func (o *rootOptions) withApp(cmd *cobra.Command, sync bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	cfg.Observability.LogOutput = "stderr"

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if sync {
		if _, err := a.syncDefinitions(ctx); err != nil {
			logger.Error("definition sync failed", zap.Error(err))
			return err
		}
	}
	return fn(ctx, a)
}
