package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goliatone/go-jobqueue/pkg/config"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/broadcaster"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/logger"
	"github.com/goliatone/go-jobqueue/pkg/jobqueue"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	store      string
	configPath string
	logLevel   string
	logFormat  string
	events     []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "jobqueue:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "jobqueue",
		Short:         "Persistent SQLite job queue",
		Long:          "jobqueue stores jobs in a SQLite file and runs them in detached worker processes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.store, "store", "", "Path to the queue database (default jobqueue.db)")
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "JSON config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format: text or json")
	root.PersistentFlags().StringSliceVar(&flags.events, "events", nil, "Log lifecycle events whose topic starts with these prefixes (e.g. job.,worker.)")

	root.AddCommand(
		newDispatchCommand(flags),
		newStatusCommand(flags),
		newReceiveCommand(flags),
		newWorkerCommand(flags),
		newSlotsCommand(flags),
		newConfigCommand(flags),
		newStatsCommand(flags),
	)
	return root
}

// loadConfig layers the config file and persistent flags over the defaults.
func (f *globalFlags) loadConfig() (config.Config, error) {
	input := map[string]any{}
	if f.configPath != "" {
		raw, err := os.ReadFile(f.configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(raw, &input); err != nil {
			return config.Config{}, fmt.Errorf("parse config %s: %w", f.configPath, err)
		}
	}
	cfg, err := config.Load(input)
	if err != nil {
		return config.Config{}, err
	}
	if f.store != "" {
		cfg.Store.Path = f.store
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	return cfg, cfg.Validate()
}

// openModule opens the queue database described by the flags.
func (f *globalFlags) openModule(ctx context.Context, out *os.File) (*jobqueue.Module, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	lgr := logger.New(out, logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	opts := jobqueue.ModuleOptions{Logger: lgr}
	if len(f.events) > 0 {
		opts.Broadcaster = broadcaster.NewFanout(broadcaster.Filter(broadcaster.Logging(lgr), f.events...))
	}
	return jobqueue.Open(ctx, cfg, opts)
}
