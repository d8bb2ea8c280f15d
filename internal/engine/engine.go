// Package engine builds the plaintask runtime from explicit options: file
// store, journal, cache, change watcher, reconciler and maintenance
// schedule. Nothing in it is global; tests open as many engines as they like.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/plaintask/internal/bus"
	"github.com/basket/plaintask/internal/cache"
	"github.com/basket/plaintask/internal/config"
	"github.com/basket/plaintask/internal/cron"
	"github.com/basket/plaintask/internal/filestore"
	"github.com/basket/plaintask/internal/journal"
	"github.com/basket/plaintask/internal/otel"
	"github.com/basket/plaintask/internal/reconcile"
	"github.com/basket/plaintask/internal/watch"
)

// ErrNeedsManualRecovery is returned by Open when the journal cannot be
// trusted. Nothing is written to the task directory in that case.
var ErrNeedsManualRecovery = errors.New("journal is corrupt and needs manual recovery")

const (
	JobRescan     = "rescan"
	JobCheckpoint = "checkpoint"
)

type Options struct {
	Root        string
	JournalPath string

	Debounce     time.Duration
	Coalesce     time.Duration
	PollInterval time.Duration
	ForcePoll    bool

	// NoWatch opens the engine without the change watcher, reconciler
	// loop and maintenance schedule. One-shot commands use it.
	NoWatch bool

	RescanSchedule     string
	CheckpointSchedule string

	Handler reconcile.Handler
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// OptionsFromConfig maps the file settings onto engine options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Root:               cfg.Root,
		JournalPath:        cfg.JournalPath,
		Debounce:           cfg.Debounce(),
		Coalesce:           cfg.CoalesceWindow(),
		PollInterval:       cfg.PollInterval(),
		ForcePoll:          cfg.ForcePoll,
		RescanSchedule:     cfg.RescanSchedule,
		CheckpointSchedule: cfg.CheckpointSchedule,
	}
}

type Engine struct {
	store   *filestore.Store
	journal *journal.Journal
	cache   *cache.Cache
	rec     *reconcile.Reconciler
	watcher *watch.Watcher
	sched   *cron.Scheduler
	logger  *slog.Logger

	cancel     context.CancelFunc
	wg         sync.WaitGroup
	rescanning atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// Open brings the engine up in dependency order. Journal entries left by an
// earlier run are written to disk before Open returns.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = otel.NoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Noop().Tracer
	}
	if opts.Handler == nil {
		opts.Handler = reconcile.PreferLocal(opts.Logger)
	}
	logger := opts.Logger

	registry := watch.NewSelfWrites()
	store, err := filestore.Open(opts.Root, filestore.Options{Observer: registry, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open task directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(opts.JournalPath), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j, err := journal.Open(ctx, opts.JournalPath)
	if err != nil {
		return nil, recoveryErr("open journal", err)
	}

	if n, err := store.SweepTemp(); err != nil {
		logger.Warn("temp file sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("removed leftover temp files", "count", n)
	}

	c, err := cache.Open(ctx, cache.Options{
		Store:    store,
		Journal:  j,
		Debounce: opts.Debounce,
		Bus:      opts.Bus,
		Logger:   logger,
		Metrics:  opts.Metrics,
		Tracer:   opts.Tracer,
		Now:      opts.Now,
	})
	if err != nil {
		_ = j.Close()
		return nil, recoveryErr("open cache", err)
	}

	e := &Engine{
		store:   store,
		journal: j,
		cache:   c,
		logger:  logger,
	}
	e.rec = reconcile.New(store, c, reconcile.Options{
		Handler: opts.Handler,
		Logger:  logger,
		Metrics: opts.Metrics,
		Tracer:  opts.Tracer,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	if opts.NoWatch {
		logger.Info("engine opened", "root", store.Root(), "tasks", c.Stats().Tasks, "watch", false)
		return e, nil
	}

	e.watcher = watch.New(store.Root(), watch.Options{
		Window:       opts.Coalesce,
		PollInterval: opts.PollInterval,
		ForcePoll:    opts.ForcePoll,
		Registry:     registry,
		OnResync:     func() { e.rescanAsync(runCtx) },
		Logger:       logger,
	})
	if err := e.watcher.Start(runCtx); err != nil {
		cancel()
		_ = c.Close(ctx)
		_ = j.Close()
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.rec.Run(runCtx, e.watcher.Events()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	e.sched, err = cron.NewScheduler(cron.Config{
		Logger: logger,
		Jobs: []cron.Job{
			{Name: JobRescan, Spec: opts.RescanSchedule, Run: func(ctx context.Context) error {
				_, err := e.Rescan(ctx)
				return err
			}},
			{Name: JobCheckpoint, Spec: opts.CheckpointSchedule, Run: e.journal.Checkpoint},
		},
	})
	if err != nil {
		cancel()
		e.wg.Wait()
		_ = c.Close(ctx)
		_ = j.Close()
		return nil, err
	}
	e.sched.Start(runCtx)

	logger.Info("engine opened", "root", store.Root(), "tasks", c.Stats().Tasks, "watch", true, "watch_mode", string(e.watcher.Mode()))
	return e, nil
}

func recoveryErr(op string, err error) error {
	if errors.Is(err, journal.ErrCorrupt) {
		return fmt.Errorf("%w: %s: %v", ErrNeedsManualRecovery, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (e *Engine) Cache() *cache.Cache { return e.cache }

func (e *Engine) Store() *filestore.Store { return e.store }

func (e *Engine) Journal() *journal.Journal { return e.journal }

func (e *Engine) Reconciler() *reconcile.Reconciler { return e.rec }

// WatchMode reports how external changes are detected, or "" without a
// watcher.
func (e *Engine) WatchMode() watch.Mode {
	if e.watcher == nil {
		return ""
	}
	return e.watcher.Mode()
}

// RescanReport counts the verdicts of one full pass.
type RescanReport struct {
	Files    int
	Verdicts map[reconcile.Verdict]int
	Errors   int
}

// Rescan compares every task file, and every path the cache still knows,
// with the cache. It catches edits the watcher missed.
func (e *Engine) Rescan(ctx context.Context) (RescanReport, error) {
	rep := RescanReport{Verdicts: make(map[reconcile.Verdict]int)}
	seen := make(map[string]bool)

	observe := func(path string) error {
		v, err := e.rec.Observe(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rep.Errors++
			e.logger.Warn("rescan: observe failed", "path", e.store.Rel(path), "error", err)
			return nil
		}
		rep.Verdicts[v]++
		return nil
	}

	for path, err := range e.store.List() {
		if err != nil {
			if path == "" {
				return rep, fmt.Errorf("rescan: %w", err)
			}
			rep.Errors++
			e.logger.Warn("rescan: list failed", "path", path, "error", err)
			continue
		}
		seen[path] = true
		rep.Files++
		if err := observe(path); err != nil {
			return rep, err
		}
	}

	// Files that vanished: known tasks and quarantined paths.
	var gone []string
	for _, p := range e.cache.Paths() {
		if !seen[p] {
			gone = append(gone, p)
		}
	}
	for _, q := range e.cache.Quarantined() {
		if !seen[q.Path] {
			gone = append(gone, q.Path)
		}
	}
	for _, p := range gone {
		if err := observe(p); err != nil {
			return rep, err
		}
	}

	changed := rep.Files + len(gone) - rep.Verdicts[reconcile.Spurious] - rep.Errors
	e.logger.Info("rescan finished", "files", rep.Files, "missing", len(gone), "changed", changed, "errors", rep.Errors)
	return rep, nil
}

func (e *Engine) rescanAsync(ctx context.Context) {
	if !e.rescanning.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.rescanning.Store(false)
		if _, err := e.Rescan(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("resync rescan failed", "error", err)
		}
	}()
}

// Close stops watching, flushes every dirty task synchronously and
// checkpoints the journal. Later calls return the first result.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		if e.sched != nil {
			e.sched.Stop()
		}
		e.cancel()
		if e.watcher != nil {
			<-e.watcher.Done()
		}
		e.wg.Wait()

		var errs []error
		if err := e.cache.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
		if err := e.journal.Checkpoint(ctx); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint journal: %w", err))
		}
		if err := e.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Info("engine closed", "error", e.closeErr)
	})
	return e.closeErr
}
