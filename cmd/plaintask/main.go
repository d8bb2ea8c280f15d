// Package main is the entry point for the plaintask CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/plaintask/internal/config"
	"github.com/basket/plaintask/internal/engine"
	"github.com/basket/plaintask/internal/shared"
	"github.com/basket/plaintask/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	home     string
	logLevel string
	verbose  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, engine.ErrNeedsManualRecovery) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "plaintask",
		Short: "Tasks kept as plain text files",
		Long: `plaintask keeps a task list as human-editable Markdown files.

Edits made with any editor or sync client are picked up while
"plaintask serve" runs; other commands open the task directory,
apply one change and flush it before exiting.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.home, "home", "", "plaintask home directory (default $PLAINTASK_HOME or ~/.plaintask)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "mirror logs to stderr")

	rootCmd.AddCommand(
		newInitCmd(g),
		newServeCmd(g),
		newAddCmd(g),
		newListCmd(g),
		newDoneCmd(g),
		newRmCmd(g),
		newFlushCmd(g),
		newConflictsCmd(g),
		newQuarantineCmd(g),
		newDoctorCmd(g),
		newVersionCmd(),
	)
	return rootCmd
}

func (g *globalFlags) loadConfig() (config.Config, error) {
	home := g.home
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, nil
}

// session is an opened config, logger and (optionally) engine.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	level  *slog.LevelVar
	closer io.Closer
	engine *engine.Engine
}

func (g *globalFlags) newSession(ctx context.Context, quiet bool) (*session, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, lvl, closer, err := telemetry.NewLogger(cfg.HomeDir, telemetry.Options{
		Level:      cfg.LogLevel,
		Quiet:      quiet,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		TraceID:    shared.TraceID(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger)
	return &session{cfg: cfg, logger: logger, level: lvl, closer: closer}, nil
}

// openEngine starts a session with an engine that does not watch the task
// directory. Close flushes everything the command changed.
func (g *globalFlags) openEngine(ctx context.Context) (*session, error) {
	s, err := g.newSession(ctx, !g.verbose)
	if err != nil {
		return nil, err
	}
	opts := engine.OptionsFromConfig(s.cfg)
	opts.NoWatch = true
	opts.Logger = s.logger
	e, err := engine.Open(ctx, opts)
	if err != nil {
		s.closer.Close()
		return nil, err
	}
	s.engine = e
	return s, nil
}

func (s *session) Close(ctx context.Context) error {
	var err error
	if s.engine != nil {
		err = s.engine.Close(context.WithoutCancel(ctx))
	}
	s.closer.Close()
	return err
}
