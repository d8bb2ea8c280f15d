// Package watch reports changes to task files made by other processes:
// editors, sync clients, scripts. Notifications are coalesced per path and
// the watcher falls back to polling when the platform cannot deliver them.
package watch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/plaintask/internal/filestore"
)

const (
	DefaultWindow       = 200 * time.Millisecond
	DefaultPollInterval = 5 * time.Second
)

type Options struct {
	// Window is how long notifications for one path are collected before a
	// single event is delivered.
	Window       time.Duration
	PollInterval time.Duration
	// ForcePoll skips fsnotify entirely.
	ForcePoll bool
	Registry  *SelfWrites
	// OnResync is called after the watcher lost notifications and switched
	// to polling. Callers should compare the whole tree once.
	OnResync func()
	Logger   *slog.Logger
}

type Watcher struct {
	root     string
	dir      string
	window   time.Duration
	interval time.Duration
	force    bool
	registry *SelfWrites
	onResync func()
	logger   *slog.Logger

	events chan Event
	done   chan struct{}
	seq    atomic.Uint64
	mode   atomic.Value
}

// New watches the task tree under root. root must be the same path the file
// store uses so self-write registrations match event paths.
func New(root string, opts Options) *Watcher {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Registry == nil {
		opts.Registry = NewSelfWrites()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	w := &Watcher{
		root:     root,
		dir:      filestore.TasksDir(root),
		window:   opts.Window,
		interval: opts.PollInterval,
		force:    opts.ForcePoll,
		registry: opts.Registry,
		onResync: opts.OnResync,
		logger:   opts.Logger,
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
	}
	w.mode.Store(ModeNotify)
	return w
}

func (w *Watcher) Events() <-chan Event { return w.events }

func (w *Watcher) Registry() *SelfWrites { return w.registry }

func (w *Watcher) Mode() Mode { return w.mode.Load().(Mode) }

// Done is closed after the watcher goroutine exits and Events is closed.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Start begins watching. It returns once the initial subscription (or the
// polling baseline) is in place; cancel ctx to stop. Pending coalesced
// events are dropped on cancel.
func (w *Watcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", w.dir)
	}

	var fsw *fsnotify.Watcher
	if !w.force {
		fsw, err = fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("file notifications unavailable, polling", "error", err)
			fsw = nil
		} else if _, err := w.addTree(fsw, w.dir); err != nil {
			w.logger.Warn("watch registration failed, polling", "dir", w.dir, "error", err)
			_ = fsw.Close()
			fsw = nil
		}
	}
	if fsw == nil {
		w.mode.Store(ModePoll)
		baseline := w.snapshot()
		go w.run(ctx, nil, baseline)
		return nil
	}
	go w.run(ctx, fsw, nil)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, baseline map[string]fileStat) {
	defer close(w.done)
	defer close(w.events)

	if fsw != nil {
		if !w.runNotify(ctx, fsw) {
			return
		}
		w.mode.Store(ModePoll)
		baseline = w.snapshot()
		if w.onResync != nil {
			w.onResync()
		}
	}
	w.runPoll(ctx, baseline)
}

type pendingEvent struct {
	kind Kind
	seq  uint64
	due  time.Time
}

// runNotify returns true when notifications were lost and the caller should
// continue by polling.
func (w *Watcher) runNotify(ctx context.Context, fsw *fsnotify.Watcher) bool {
	defer fsw.Close()

	pending := make(map[string]*pendingEvent)
	tick := max(w.window/4, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-fsw.Events:
			if !ok {
				return false
			}
			w.handleNotify(fsw, ev, pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return false
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("file notification queue overflowed, switching to polling", "error", err)
				return true
			}
			w.logger.Warn("watcher error", "error", err)
		case now := <-ticker.C:
			if !w.flushDue(ctx, pending, now) {
				return false
			}
		}
	}
}

func (w *Watcher) handleNotify(fsw *fsnotify.Watcher, ev fsnotify.Event, pending map[string]*pendingEvent) {
	var kind Kind
	switch {
	case ev.Op.Has(fsnotify.Create):
		kind = KindCreated
	case ev.Op.Has(fsnotify.Write):
		kind = KindModified
	case ev.Op.Has(fsnotify.Remove):
		kind = KindRemoved
	case ev.Op.Has(fsnotify.Rename):
		kind = KindRenamed
	default:
		return
	}

	if kind == KindCreated {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// Files can land in a new directory before its watch is added.
			files, err := w.addTree(fsw, ev.Name)
			if err != nil {
				w.logger.Warn("watch new directory failed", "dir", ev.Name, "error", err)
			}
			for _, f := range files {
				w.record(pending, f, KindCreated)
			}
			return
		}
	}
	w.record(pending, ev.Name, kind)
}

func (w *Watcher) relevant(path string) bool {
	return filestore.IsTaskFile(path)
}

func (w *Watcher) record(pending map[string]*pendingEvent, path string, kind Kind) {
	if !w.relevant(path) || w.registry.Suppressed(path) {
		return
	}
	seq := w.seq.Add(1)
	if p, ok := pending[path]; ok {
		p.kind = merge(p.kind, kind)
		p.seq = seq
		return
	}
	pending[path] = &pendingEvent{kind: kind, seq: seq, due: time.Now().Add(w.window)}
}

func (w *Watcher) flushDue(ctx context.Context, pending map[string]*pendingEvent, now time.Time) bool {
	var ready []Event
	for path, p := range pending {
		if now.Before(p.due) {
			continue
		}
		ready = append(ready, Event{Path: path, Kind: p.kind, Seq: p.seq, At: now})
		delete(pending, path)
	}
	slices.SortFunc(ready, func(a, b Event) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	for _, ev := range ready {
		if !w.deliver(ctx, ev) {
			return false
		}
	}
	return true
}

func (w *Watcher) deliver(ctx context.Context, ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// addTree watches dir and every directory below it and returns the task
// files already present.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		if w.relevant(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
