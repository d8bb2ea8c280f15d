// Package cache holds the authoritative in-memory task set.
//
// One goroutine (the actor) owns every record. Callers submit work to it and
// read from immutable snapshots published after each turn. A mutation is
// journaled before the call returns; file writes are debounced and run on a
// separate persister goroutine whose completions are fed back to the actor.
package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/plaintask/internal/bus"
	"github.com/basket/plaintask/internal/journal"
	"github.com/basket/plaintask/internal/otel"
	"github.com/basket/plaintask/internal/reconcile"
	"github.com/basket/plaintask/internal/task"
)

const DefaultDebounce = 500 * time.Millisecond

var (
	ErrNotFound   = errors.New("task not found")
	ErrValidation = errors.New("task rejected")
	ErrClosed     = errors.New("cache closed")

	ErrDuplicateID    = errors.New("duplicate task id")
	ErrDanglingParent = errors.New("parent does not exist")
	ErrCycle          = errors.New("parent chain forms a cycle")
)

type Origin string

const (
	OriginLocal      Origin = "local"
	OriginExternal   Origin = "external"
	OriginResolution Origin = "resolution"
)

type ChangeKind string

const (
	ChangeAdded       ChangeKind = "added"
	ChangeUpdated     ChangeKind = "updated"
	ChangeDeleted     ChangeKind = "deleted"
	ChangeQuarantined ChangeKind = "quarantined"
	ChangeConflict    ChangeKind = "conflict"
)

// Change is delivered to subscribers after every successful state change.
// IDs lists the primary task first, then any task updated as a side effect.
type Change struct {
	Kind   ChangeKind
	IDs    []string
	Origin Origin
}

// Quarantined is a task file that could not be admitted. Raw holds the file
// content as read.
type Quarantined struct {
	Path   string
	ID     string
	Reason string
	Raw    []byte
	At     time.Time
}

// Store is the file access the cache needs.
type Store interface {
	PathFor(r task.Record) string
	Read(path string) ([]byte, error)
	WriteAtomic(path string, data []byte) error
	Delete(path string) error
	List() iter.Seq2[string, error]
}

// Journal is the write-ahead log of accepted mutations.
type Journal interface {
	AppendBatch(ctx context.Context, entries []journal.Entry) ([]int64, error)
	Ack(ctx context.Context, taskID string, seq int64) error
	Pending(ctx context.Context) ([]journal.Entry, error)
	Len(ctx context.Context) (int, error)
}

type Options struct {
	Store   Store
	Journal Journal
	// Debounce is how long dirty records collect before one flush.
	Debounce time.Duration
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	Now      func() time.Time
}

type Cache struct {
	store    Store
	journal  Journal
	debounce time.Duration
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	reqs    chan func(*state)
	jobs    chan *batch
	quit    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
	snap      atomic.Pointer[snapshot]
}

// Open loads every task file, re-applies journal entries left by an earlier
// run, and starts the actor and persister. Replayed entries are written to
// disk before Open returns.
func Open(ctx context.Context, opts Options) (*Cache, error) {
	if opts.Store == nil || opts.Journal == nil {
		return nil, errors.New("cache: store and journal are required")
	}
	c := &Cache{
		store:    opts.Store,
		journal:  opts.Journal,
		debounce: opts.Debounce,
		bus:      opts.Bus,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		now:      opts.Now,
		reqs:     make(chan func(*state)),
		jobs:     make(chan *batch, 1),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if c.debounce <= 0 {
		c.debounce = DefaultDebounce
	}
	if c.bus == nil {
		c.bus = bus.New()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = otel.NoopMetrics()
	}
	if c.tracer == nil {
		c.tracer = otel.Noop().Tracer
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC().Round(0) }
	}

	st := newState()
	if err := c.load(ctx, st); err != nil {
		return nil, err
	}
	replayed, err := c.replay(ctx, st)
	if err != nil {
		return nil, err
	}
	c.repairLinks(st)
	c.normalizeChildren(st)
	c.publish(st)

	go c.runActor(st)
	go c.runPersister()

	if replayed > 0 || len(st.dirty) > 0 {
		if err := c.Flush(ctx); err != nil {
			c.logger.Warn("initial flush failed; entries stay journaled", "error", err)
		}
	}
	return c, nil
}

func (c *Cache) runActor(st *state) {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.reqs:
			fn(st)
		case <-c.quit:
			st.stopTimer()
			return
		}
	}
}

// do runs fn on the actor and waits for it. Once accepted, fn always runs to
// completion even if ctx ends.
func (c *Cache) do(ctx context.Context, fn func(*state)) error {
	done := make(chan struct{})
	wrapped := func(st *state) {
		defer close(done)
		fn(st)
	}
	select {
	case c.reqs <- wrapped:
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Add creates a task from fields. It returns once the new record is
// journaled; the file is written after the debounce interval.
func (c *Cache) Add(ctx context.Context, f task.Fields) (task.Record, error) {
	res := c.Batch(ctx, []Op{{Kind: OpAdd, Fields: f}})
	if res.Err != nil {
		return task.Record{}, res.Err
	}
	return res.Items[0].Record, res.Items[0].Err
}

// Update applies mut to a copy of the task and commits it if the result is
// valid. Nothing changes when mut or validation fails.
func (c *Cache) Update(ctx context.Context, id string, mut task.Mutation) (task.Record, error) {
	res := c.Batch(ctx, []Op{{Kind: OpUpdate, ID: id, Mutate: mut}})
	if res.Err != nil {
		return task.Record{}, res.Err
	}
	return res.Items[0].Record, res.Items[0].Err
}

// Delete removes a task. Its children move to its parent, taking its place
// in the parent's child order, or become roots.
func (c *Cache) Delete(ctx context.Context, id string) error {
	res := c.Batch(ctx, []Op{{Kind: OpDelete, ID: id}})
	if res.Err != nil {
		return res.Err
	}
	return res.Items[0].Err
}

type OpKind int

const (
	OpAdd OpKind = iota
	OpUpdate
	OpDelete
)

// Op is one step of a Batch. Fields is used by OpAdd, Mutate by OpUpdate.
type Op struct {
	Kind   OpKind
	ID     string
	Fields task.Fields
	Mutate task.Mutation
}

type BatchItem struct {
	Record task.Record
	Err    error
}

// BatchResult has one item per op, in order. Err is set only when the batch
// could not run at all.
type BatchResult struct {
	Items []BatchItem
	Err   error
}

// Batch applies ops in order within a single actor turn. A failing op does
// not stop later ones; readers never observe a partially applied op.
func (c *Cache) Batch(ctx context.Context, ops []Op) BatchResult {
	items := make([]BatchItem, len(ops))
	err := c.do(ctx, func(st *state) {
		jctx := context.WithoutCancel(ctx)
		var changes []Change
		for i, op := range ops {
			rec, ch, err := c.applyOp(jctx, st, op)
			items[i] = BatchItem{Record: rec, Err: err}
			if err == nil {
				changes = append(changes, ch)
			}
		}
		if len(changes) > 0 {
			c.publish(st)
			for _, ch := range changes {
				c.notify(ch)
			}
		}
	})
	return BatchResult{Items: items, Err: err}
}

func (c *Cache) applyOp(ctx context.Context, st *state, op Op) (task.Record, Change, error) {
	t := c.newTxn(st)
	var (
		id   string
		kind ChangeKind
		name string
	)
	switch op.Kind {
	case OpAdd:
		r, err := t.add(op.Fields)
		if err != nil {
			return task.Record{}, Change{}, err
		}
		id, kind, name = r.ID, ChangeAdded, "add"
	case OpUpdate:
		if op.Mutate == nil {
			return task.Record{}, Change{}, fmt.Errorf("%w: nil mutation", ErrValidation)
		}
		if err := t.update(op.ID, op.Mutate); err != nil {
			return task.Record{}, Change{}, err
		}
		id, kind, name = op.ID, ChangeUpdated, "update"
	case OpDelete:
		if err := t.deleteCascade(op.ID); err != nil {
			return task.Record{}, Change{}, err
		}
		id, kind, name = op.ID, ChangeDeleted, "delete"
	default:
		return task.Record{}, Change{}, fmt.Errorf("%w: unknown op %d", ErrValidation, op.Kind)
	}
	ids, err := t.commit(ctx, name, OriginLocal)
	if err != nil {
		return task.Record{}, Change{}, err
	}
	var rec task.Record
	if e, ok := st.records[id]; ok {
		rec = e.rec.Clone()
	}
	return rec, Change{Kind: kind, IDs: primaryFirst(id, ids), Origin: OriginLocal}, nil
}

func primaryFirst(id string, ids []string) []string {
	out := []string{id}
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// Get returns a copy of the task with id from the current snapshot.
func (c *Cache) Get(id string) (task.Record, bool) {
	r, ok := c.snap.Load().records[id]
	if !ok {
		return task.Record{}, false
	}
	return r.Clone(), true
}

// Query returns copies of every task matching pred, oldest first. A nil
// pred matches everything.
func (c *Cache) Query(pred func(task.Record) bool) []task.Record {
	s := c.snap.Load()
	out := make([]task.Record, 0, len(s.records))
	for _, r := range s.records {
		if pred == nil || pred(*r) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b task.Record) int {
		if n := a.Created.Compare(b.Created); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (c *Cache) All() []task.Record { return c.Query(nil) }

// Quarantined lists files that failed to load or decode, by path.
func (c *Cache) Quarantined() []Quarantined {
	return slices.Clone(c.snap.Load().quarantine)
}

// Conflicts lists unresolved conflicts.
func (c *Cache) Conflicts() []reconcile.Conflict {
	return slices.Clone(c.snap.Load().conflicts)
}

// PathOf returns the file path associated with id.
func (c *Cache) PathOf(id string) (string, bool) {
	p, ok := c.snap.Load().paths[id]
	return p, ok
}

// Paths returns every path the cache associates with a task.
func (c *Cache) Paths() []string {
	s := c.snap.Load()
	out := make([]string, 0, len(s.paths))
	for _, p := range s.paths {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

type Stats struct {
	Tasks       int
	Dirty       int
	InFlight    int
	Quarantined int
	Conflicts   int
	Flushes     uint64
	WriteErrors uint64
	LastFlush   time.Time
	LastError   string
}

func (c *Cache) Stats() Stats { return c.snap.Load().stats }

// Subscribe calls handler for every change until cancel is called. Handlers
// run on their own goroutine and may call back into the cache.
func (c *Cache) Subscribe(handler func(Change)) (cancel func()) {
	return c.bus.SubscribeFunc("task.", func(ev bus.Event) {
		if ch, ok := ev.Payload.(Change); ok {
			handler(ch)
		}
	})
}

func (c *Cache) notify(ch Change) {
	topic := bus.TopicTaskChanged
	switch ch.Kind {
	case ChangeConflict:
		topic = bus.TopicTaskConflict
	case ChangeQuarantined:
		topic = bus.TopicTaskQuarantined
	}
	c.bus.Publish(topic, ch)
}

// Flush writes every dirty task now and waits for the result. Tasks with an
// unresolved conflict are held back.
func (c *Cache) Flush(ctx context.Context) error {
	ch := make(chan error, 1)
	err := c.do(ctx, func(st *state) {
		st.waiting = append(st.waiting, ch)
		c.startFlush(st)
	})
	if err != nil {
		return err
	}
	return <-ch
}

// Close flushes and stops the cache. Later calls return ErrClosed.
func (c *Cache) Close(ctx context.Context) error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		err = c.Flush(ctx)
		close(c.quit)
		<-c.stopped
	})
	return err
}
