package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/BranchIntl/queuectl/config"
	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/executor"
	"github.com/BranchIntl/queuectl/statistics"
	"github.com/BranchIntl/queuectl/stores"
	"github.com/spf13/cobra"
)

// skipConfigLoad marks commands that read the config file themselves.
const skipConfigLoad = "skip-config-load"

// app carries the loaded configuration into every command
type app struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "queuectl",
		Short:        "A persistent shell-command job queue",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"config file (default $QUEUECTL_CONFIG or the user config dir)")

	root.AddCommand(
		enqueueCmd(a),
		listCmd(a),
		getCmd(a),
		statusCmd(a),
		workerCmd(a),
		dlqCmd(a),
		configCmd(a),
		reclaimCmd(a),
		serveCmd(a),
		migrateCmd(a),
	)
	return root
}

func (a *app) path() string {
	if a.configPath != "" {
		return a.configPath
	}
	return config.DefaultPath()
}

func (a *app) init(cmd *cobra.Command) error {
	if _, ok := cmd.Annotations[skipConfigLoad]; ok {
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)))
		return nil
	}

	cfg, err := config.Load(a.path())
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// newLogger builds the process logger from the logging section
func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("logging.format: unknown format %q", cfg.Format)
	}
}

func (a *app) storeConfig() stores.Config {
	return stores.Config{
		Type:      stores.StoreType(a.cfg.Store.Type),
		URI:       a.cfg.Store.URI,
		Namespace: a.cfg.Store.Namespace,
		Backoff:   a.cfg.Backoff(),
	}
}

func (a *app) newStore() (core.Store, error) {
	return stores.NewStore(a.storeConfig())
}

// withStore connects a store for the duration of fn
func (a *app) withStore(ctx context.Context, fn func(core.Store) error) error {
	store, err := a.newStore()
	if err != nil {
		return err
	}
	if err := store.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	return fn(store)
}

func (a *app) newStatistics() (core.Statistics, error) {
	return statistics.NewStatistics(statistics.Config{
		Type:      statistics.StatsType(a.cfg.Statistics.Type),
		URI:       a.cfg.Statistics.URI,
		Namespace: a.cfg.Statistics.Namespace,
	})
}

func (a *app) newExecutor(shell bool) *executor.Shell {
	opts := executor.DefaultOptions()
	opts.Shell = shell
	opts.MaxOutputBytes = a.cfg.Worker.MaxOutputBytes
	return executor.NewShell(opts)
}

func (a *app) newQueue(store core.Store) *core.Queue {
	return core.NewQueue(store, a.cfg.Queue.MaxRetries)
}

func (a *app) engineOptions(count int, drain bool) []core.EngineOption {
	w := a.cfg.Worker
	r := a.cfg.Reclaimer
	return []core.EngineOption{
		core.WithConcurrency(count),
		core.WithPollInterval(w.PollInterval.Std()),
		core.WithJobTimeout(w.JobTimeout.Std()),
		core.WithShutdownTimeout(w.ShutdownTimeout.Std()),
		core.WithReclaimer(r.Enabled),
		core.WithStaleAfter(r.StaleAfter.Std()),
		core.WithReclaimInterval(r.Interval.Std()),
		core.WithExitOnEmpty(drain),
	}
}
