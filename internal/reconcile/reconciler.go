// Package reconcile decides what an external change to a task file means
// for the in-memory cache: ignore it, accept it, adopt a new task, or raise
// a conflict for a handler to settle.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/plaintask/internal/codec"
	"github.com/basket/plaintask/internal/filestore"
	"github.com/basket/plaintask/internal/otel"
	"github.com/basket/plaintask/internal/task"
	"github.com/basket/plaintask/internal/watch"
)

type PathState int

const (
	Clean PathState = iota
	ExternalChangeDetected
	Reconciled
	ConflictPending
)

func (s PathState) String() string {
	switch s {
	case Clean:
		return "clean"
	case ExternalChangeDetected:
		return "external_change_detected"
	case Reconciled:
		return "reconciled"
	case ConflictPending:
		return "conflict_pending"
	}
	return "unknown"
}

// Observation is one file as read after a change notification. Exactly one
// of Record and DecodeErr is set when Exists is true.
type Observation struct {
	Path      string
	ID        string
	Exists    bool
	Raw       []byte
	Hash      string
	Record    *task.Record
	DecodeErr error
	// Duplicate is set when the file claims an ID whose current file lives
	// elsewhere and still exists.
	Duplicate bool
	Seq       uint64
}

type Outcome struct {
	Verdict  Verdict
	Conflict *Conflict
}

// Target applies observations to the authoritative state. The cache
// implements it; calls are serialized through its actor.
type Target interface {
	ApplyObservation(ctx context.Context, obs Observation) (Outcome, error)
	Resolve(ctx context.Context, c Conflict, res Resolution) error
	// PathOf returns the path the target associates with id.
	PathOf(id string) (string, bool)
}

// Reader is the part of the file store the reconciler needs.
type Reader interface {
	Read(path string) ([]byte, error)
	Exists(path string) bool
}

type Options struct {
	// Handler settles conflicts. Defaults to PreferLocal.
	Handler Handler
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	// OnTransition is called for every path state change.
	OnTransition func(path string, from, to PathState)
}

type Reconciler struct {
	store   Reader
	target  Target
	handler Handler
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	onTrans func(string, PathState, PathState)

	// observeMu serializes observations so a rescan and the event loop
	// never interleave on one path.
	observeMu sync.Mutex

	mu     sync.Mutex
	states map[string]PathState
}

func New(store Reader, target Target, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Handler == nil {
		opts.Handler = PreferLocal(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = otel.NoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Noop().Tracer
	}
	return &Reconciler{
		store:   store,
		target:  target,
		handler: opts.Handler,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		onTrans: opts.OnTransition,
		states:  make(map[string]PathState),
	}
}

// Run consumes watcher events until the channel closes or ctx ends.
func (r *Reconciler) Run(ctx context.Context, events <-chan watch.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.metrics.WatchEvents.Add(ctx, 1, metric.WithAttributes(otel.AttrOp.String(string(ev.Kind))))
			if _, err := r.observe(ctx, ev.Path, ev.Seq); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Error("reconcile failed", "path", ev.Path, "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Observe reconciles the current content of path with the cache.
func (r *Reconciler) Observe(ctx context.Context, path string) (Verdict, error) {
	return r.observe(ctx, path, 0)
}

func (r *Reconciler) observe(ctx context.Context, path string, seq uint64) (Verdict, error) {
	r.observeMu.Lock()
	defer r.observeMu.Unlock()

	ctx, span := otel.StartSpan(ctx, r.tracer, "reconcile.observe", otel.AttrPath.String(path))
	defer span.End()

	r.transition(path, ExternalChangeDetected)
	obs, err := r.read(path)
	if err != nil {
		r.transition(path, Clean)
		return Spurious, err
	}
	obs.Seq = seq

	out, err := r.target.ApplyObservation(ctx, obs)
	if err != nil {
		r.transition(path, Clean)
		return Spurious, fmt.Errorf("apply observation: %w", err)
	}
	r.metrics.ReconcileVerdicts.Add(ctx, 1, metric.WithAttributes(otel.AttrVerdict.String(out.Verdict.String())))
	if obs.DecodeErr == nil && out.Verdict != Spurious {
		r.logger.Info("external change reconciled", "path", path, "task_id", obs.ID, "verdict", out.Verdict.String())
	}

	if out.Verdict != Diverged || out.Conflict == nil {
		r.transition(path, Reconciled)
		r.transition(path, Clean)
		return out.Verdict, nil
	}

	r.metrics.Conflicts.Add(ctx, 1)
	r.transition(path, ConflictPending)
	c := *out.Conflict
	res := r.handler(ctx, c)
	if res.Choice == Merge && res.Merged == nil {
		r.logger.Warn("merge resolution without a merged record, keeping local", "task_id", c.ID)
		res = Resolution{Choice: KeepLocal}
	}
	if err := r.target.Resolve(ctx, c, res); err != nil {
		r.transition(path, Clean)
		return Diverged, fmt.Errorf("resolve conflict for %s: %w", c.ID, err)
	}
	r.transition(path, Clean)
	return Diverged, nil
}

// read builds an observation off the cache actor: file I/O and decoding
// happen here.
func (r *Reconciler) read(path string) (Observation, error) {
	obs := Observation{Path: path}
	if id, ok := filestore.IDFromPath(path); ok {
		obs.ID = id
	}

	data, err := r.store.Read(path)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return obs, nil
		}
		return obs, err
	}
	obs.Exists = true
	obs.Raw = data
	obs.Hash = codec.Hash(data)

	rec, err := codec.Unmarshal(data)
	if err != nil {
		obs.DecodeErr = err
		return obs, nil
	}
	obs.Record = &rec
	obs.ID = rec.ID

	if known, ok := r.target.PathOf(rec.ID); ok && known != path {
		obs.Duplicate = r.store.Exists(known)
	}
	return obs, nil
}

func (r *Reconciler) transition(path string, to PathState) {
	r.mu.Lock()
	from := r.states[path]
	if to == Clean {
		delete(r.states, path)
	} else {
		r.states[path] = to
	}
	r.mu.Unlock()
	if r.onTrans != nil && from != to {
		r.onTrans(path, from, to)
	}
}

// State reports where path is in the reconciliation cycle.
func (r *Reconciler) State(path string) PathState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[path]
}

// NewConflict builds an unresolved conflict stamped with now.
func NewConflict(id, path string, local, disk *task.Record, now time.Time) *Conflict {
	return &Conflict{ID: id, Path: path, Local: local, Disk: disk, DetectedAt: now, State: Unresolved}
}
