package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/plaintask/internal/audit"
	"github.com/basket/plaintask/internal/bus"
	"github.com/basket/plaintask/internal/cache"
	"github.com/basket/plaintask/internal/config"
	"github.com/basket/plaintask/internal/engine"
	"github.com/basket/plaintask/internal/otel"
	"github.com/basket/plaintask/internal/reconcile"
	"github.com/basket/plaintask/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch the task directory and keep it in sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g)
		},
	}
}

func runServe(ctx context.Context, g *globalFlags) error {
	s, err := g.newSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.closer.Close()
	logger := s.logger
	if s.cfg.NeedsInit {
		logger.Warn("config.yaml missing; using defaults", "home", s.cfg.HomeDir)
	}

	// Initialize OpenTelemetry (no-op when disabled).
	provider, err := otel.Init(ctx, s.cfg.Telemetry, otel.Resource{
		Version: Version,
		HomeDir: s.cfg.HomeDir,
		Root:    s.cfg.Root,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer provider.Shutdown(context.WithoutCancel(ctx))
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	auditLog, err := audit.Open(s.cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	eventBus := bus.New()
	opts := engine.OptionsFromConfig(s.cfg)
	opts.Bus = eventBus
	opts.Handler = auditLog.Handler(reconcile.PreferLocal(logger))
	opts.Logger = logger
	opts.Metrics = metrics
	opts.Tracer = provider.Tracer
	e, err := engine.Open(ctx, opts)
	if err != nil {
		return err
	}
	s.engine = e

	cancelLog := e.Cache().Subscribe(func(ch cache.Change) {
		logger.Debug("task change", "kind", string(ch.Kind), "origin", string(ch.Origin), "ids", ch.IDs)
	})
	defer cancelLog()
	cancelAudit := eventBus.SubscribeFunc(bus.TopicTaskQuarantined, auditQuarantine(e, auditLog, logger))
	defer cancelAudit()

	confWatcher := config.NewWatcher(s.cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits to config.yaml need a restart", "error", err)
	} else {
		go watchConfig(g, s, eventBus, confWatcher)
	}

	logger.Info("serving", "root", e.Store().Root(), "journal", s.cfg.JournalPath, "watch_mode", string(e.WatchMode()))
	<-ctx.Done()
	logger.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := e.Close(closeCtx); err != nil {
		return err
	}
	if totals, err := provider.Totals(closeCtx); err != nil {
		logger.Warn("telemetry totals unavailable", "error", err)
	} else if len(totals) > 0 {
		logger.Info("telemetry totals", otel.LogAttrs(totals)...)
	}
	return nil
}

// auditQuarantine records each newly quarantined file once. Handlers for
// one subscription run on a single goroutine, so seen needs no lock.
func auditQuarantine(e *engine.Engine, l *audit.Log, logger *slog.Logger) func(bus.Event) {
	seen := make(map[string]time.Time)
	return func(bus.Event) {
		for _, q := range e.Cache().Quarantined() {
			if at, ok := seen[q.Path]; ok && at.Equal(q.At) {
				continue
			}
			seen[q.Path] = q.At
			err := l.Record(audit.Entry{
				Kind:     audit.KindQuarantine,
				TaskID:   q.ID,
				Path:     e.Store().Rel(q.Path),
				Decision: q.Reason,
			})
			if err != nil {
				logger.Warn("audit record failed", "error", err)
			}
		}
	}
}

// watchConfig applies hot-reloadable settings. Everything else is logged as
// needing a restart.
func watchConfig(g *globalFlags, s *session, b *bus.Bus, w *config.Watcher) {
	current := s.cfg
	for ev := range w.Events() {
		s.logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
		next, err := g.loadConfig()
		if err != nil {
			s.logger.Error("config.yaml reload rejected; keeping previous settings", "error", err)
			continue
		}
		if next.LogLevel != current.LogLevel {
			s.level.Set(telemetry.ParseLevel(next.LogLevel))
			s.logger.Info("log level changed", "level", next.LogLevel)
		}
		if next.Fingerprint() != current.Fingerprint() {
			s.logger.Warn("config.yaml changed settings that apply after a restart")
		}
		current = next
		b.Publish(bus.TopicConfigReloaded, next)
	}
}
