package cache

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/plaintask/internal/codec"
	"github.com/basket/plaintask/internal/journal"
	"github.com/basket/plaintask/internal/otel"
	"github.com/basket/plaintask/internal/reconcile"
	"github.com/basket/plaintask/internal/task"
)

// entry is a live record plus its file bookkeeping.
type entry struct {
	rec task.Record
	// doc is the encoded form of rec; nil for records loaded from disk
	// and not changed since.
	doc  []byte
	path string
	// synced is the hash of what the file at path held when we last wrote
	// or read it. Empty until the record first reaches disk.
	synced string
}

// pendingWrite is a record whose file does not reflect memory yet.
type pendingWrite struct {
	// seq is the newest journal entry this write will make redundant.
	seq     int64
	stale   []string
	deleted bool
	path    string
}

type state struct {
	records    map[string]*entry
	dirty      map[string]*pendingWrite
	// inflight maps IDs handed to the persister to the hash being written.
	inflight   map[string]string
	quarantine map[string]*Quarantined
	conflicts  map[string]*reconcile.Conflict

	flushing bool
	waiting  []chan error
	timer    *time.Timer
	timerGen uint64
	failures int

	flushes     uint64
	writeErrors uint64
	lastFlush   time.Time
	lastError   string
}

func newState() *state {
	return &state{
		records:    make(map[string]*entry),
		dirty:      make(map[string]*pendingWrite),
		inflight:   make(map[string]string),
		quarantine: make(map[string]*Quarantined),
		conflicts:  make(map[string]*reconcile.Conflict),
	}
}

func (st *state) markDirty(id string) *pendingWrite {
	pw, ok := st.dirty[id]
	if !ok {
		pw = &pendingWrite{}
		st.dirty[id] = pw
	}
	return pw
}

func (pw *pendingWrite) addStale(paths ...string) {
	for _, p := range paths {
		if p != "" && !slices.Contains(pw.stale, p) {
			pw.stale = append(pw.stale, p)
		}
	}
}

func (st *state) stopTimer() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.timerGen++
}

// isDirty reports whether local edits to id have not reached disk yet.
func (st *state) isDirty(id string) bool {
	_, writing := st.inflight[id]
	return st.dirty[id] != nil || writing
}

// flushable reports whether any dirty record is free to be written.
func (st *state) flushable() bool {
	for id := range st.dirty {
		if _, held := st.conflicts[id]; !held {
			return true
		}
	}
	return false
}

func (st *state) localState(id string) reconcile.LocalState {
	e, ok := st.records[id]
	if !ok {
		return reconcile.LocalState{}
	}
	return reconcile.LocalState{
		Known:      true,
		SyncedHash: e.synced,
		Hash:       e.rec.Hash,
		Writing:    st.inflight[id],
		Dirty:      st.isDirty(id),
	}
}

// txn stages one logical mutation. Nothing in state changes until commit
// has journaled every staged record.
type txn struct {
	c       *Cache
	st      *state
	now     time.Time
	puts    map[string]task.Record
	order   []string
	deletes map[string]string
	stale   map[string][]string
}

func (c *Cache) newTxn(st *state) *txn {
	return &txn{
		c:       c,
		st:      st,
		now:     c.now(),
		puts:    make(map[string]task.Record),
		deletes: make(map[string]string),
		stale:   make(map[string][]string),
	}
}

func (t *txn) get(id string) (task.Record, bool) {
	if id == "" {
		return task.Record{}, false
	}
	if _, gone := t.deletes[id]; gone {
		return task.Record{}, false
	}
	if r, ok := t.puts[id]; ok {
		return r.Clone(), true
	}
	if e, ok := t.st.records[id]; ok {
		return e.rec.Clone(), true
	}
	return task.Record{}, false
}

func (t *txn) put(r task.Record) {
	if _, seen := t.puts[r.ID]; !seen {
		t.order = append(t.order, r.ID)
	}
	t.puts[r.ID] = r
}

func (t *txn) remove(id string) {
	path := ""
	if e, ok := t.st.records[id]; ok {
		path = e.path
		if path == "" {
			path = t.c.store.PathFor(e.rec)
		}
	}
	t.deletes[id] = path
	delete(t.puts, id)
	t.order = slices.DeleteFunc(t.order, func(x string) bool { return x == id })
}

func (t *txn) parentOf(id string) string {
	r, ok := t.get(id)
	if !ok {
		return ""
	}
	return r.Parent
}

func (t *txn) add(f task.Fields) (task.Record, error) {
	return t.addWithID(task.NewID(), f)
}

func (t *txn) addWithID(id string, f task.Fields) (task.Record, error) {
	r := f.Build(id, t.now)
	if r.Parent != "" {
		p, ok := t.get(r.Parent)
		if !ok {
			return task.Record{}, fmt.Errorf("%w: %w: %s", ErrValidation, ErrDanglingParent, r.Parent)
		}
		p.Children = append(p.Children, r.ID)
		task.Touch(&p, t.now)
		t.put(p)
	}
	t.put(r)
	return r, nil
}

func (t *txn) update(id string, mut task.Mutation) error {
	cur, ok := t.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := mut(&next); err != nil {
		return fmt.Errorf("mutation rejected: %w", err)
	}
	return t.replace(cur, next)
}

// replace stages next as the new version of cur, enforcing the fields a
// caller may not change directly.
func (t *txn) replace(cur, next task.Record) error {
	switch {
	case next.ID != cur.ID:
		return fmt.Errorf("%w: id is immutable", ErrValidation)
	case !next.Created.Equal(cur.Created):
		return fmt.Errorf("%w: created is immutable", ErrValidation)
	case !sameSet(next.Children, cur.Children):
		return fmt.Errorf("%w: children follow parent links; change the child's parent instead", ErrValidation)
	}
	next.Tags = task.NormalizeTags(next.Tags)
	task.SyncCompletion(&next, t.now)
	next.Modified = cur.Modified
	task.Touch(&next, t.now)
	if next.Parent != cur.Parent {
		if err := t.reparent(cur.ID, cur.Parent, next.Parent); err != nil {
			return err
		}
	}
	t.put(next)
	return nil
}

func (t *txn) reparent(id, from, to string) error {
	if to != "" {
		if to == id {
			return fmt.Errorf("%w: task cannot be its own parent", ErrValidation)
		}
		if _, ok := t.get(to); !ok {
			return fmt.Errorf("%w: %w: %s", ErrValidation, ErrDanglingParent, to)
		}
		parentOf := func(x string) string {
			if x == id {
				return to
			}
			return t.parentOf(x)
		}
		if task.DetectCycle(id, parentOf) {
			return fmt.Errorf("%w: %w", ErrValidation, ErrCycle)
		}
	}
	if p, ok := t.get(from); ok {
		p.Children = slices.DeleteFunc(p.Children, func(x string) bool { return x == id })
		task.Touch(&p, t.now)
		t.put(p)
	}
	if p, ok := t.get(to); ok {
		if !slices.Contains(p.Children, id) {
			p.Children = append(p.Children, id)
		}
		task.Touch(&p, t.now)
		t.put(p)
	}
	return nil
}

// deleteCascade removes id and hands its children to its parent at the
// position id held.
func (t *txn) deleteCascade(id string) error {
	cur, ok := t.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	grandparent := cur.Parent
	var moved []string
	for _, cid := range cur.Children {
		child, ok := t.get(cid)
		if !ok {
			continue
		}
		child.Parent = grandparent
		task.Touch(&child, t.now)
		t.put(child)
		moved = append(moved, cid)
	}
	if gp, ok := t.get(grandparent); ok {
		at := slices.Index(gp.Children, id)
		kids := slices.DeleteFunc(slices.Clone(gp.Children), func(x string) bool { return x == id })
		if at < 0 || at > len(kids) {
			at = len(kids)
		}
		gp.Children = slices.Insert(kids, at, moved...)
		task.Touch(&gp, t.now)
		t.put(gp)
	}
	t.remove(id)
	return nil
}

// commit validates, encodes and journals every staged change, then applies
// it to state. It returns the IDs touched.
func (t *txn) commit(ctx context.Context, op string, origin Origin) ([]string, error) {
	type staged struct {
		rec  task.Record
		doc  []byte
		path string
	}
	var (
		writes  []staged
		entries []journal.Entry
	)
	for _, id := range t.order {
		r := t.puts[id]
		if err := task.Validate(r); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if r.Parent != "" {
			if _, ok := t.get(r.Parent); !ok {
				return nil, fmt.Errorf("%w: %w: %s", ErrValidation, ErrDanglingParent, r.Parent)
			}
		}
		doc, err := codec.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("%w: encode: %w", ErrValidation, err)
		}
		r.Hash = codec.Hash(doc)
		path := t.c.store.PathFor(r)
		prev := ""
		if e, ok := t.st.records[id]; ok && e.path != path {
			prev = e.path
		}
		writes = append(writes, staged{rec: r, doc: doc, path: path})
		entries = append(entries, journal.Entry{
			TaskID: id, Op: journal.OpPut, Path: path, PrevPath: prev, Document: doc, CreatedAt: t.now,
		})
	}
	deleted := make([]string, 0, len(t.deletes))
	for id := range t.deletes {
		deleted = append(deleted, id)
	}
	slices.Sort(deleted)
	for _, id := range deleted {
		entries = append(entries, journal.Entry{TaskID: id, Op: journal.OpDelete, Path: t.deletes[id], CreatedAt: t.now})
	}
	if len(entries) == 0 {
		return nil, nil
	}

	seqs, err := t.c.journal.AppendBatch(ctx, entries)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for i, w := range writes {
		e, ok := t.st.records[w.rec.ID]
		if !ok {
			e = &entry{}
			t.st.records[w.rec.ID] = e
		}
		pw := t.st.markDirty(w.rec.ID)
		pw.deleted = false
		pw.seq = seqs[i]
		if e.path != "" && e.path != w.path {
			pw.addStale(e.path)
		}
		pw.addStale(t.stale[w.rec.ID]...)
		e.rec = w.rec
		e.doc = w.doc
		e.path = w.path
		ids = append(ids, w.rec.ID)
	}
	for i, id := range deleted {
		e := t.st.records[id]
		delete(t.st.records, id)
		pw := t.st.markDirty(id)
		pw.deleted = true
		pw.seq = seqs[len(writes)+i]
		if e != nil {
			pw.path = e.path
		}
		ids = append(ids, id)
	}

	t.c.metrics.Mutations.Add(ctx, 1, metric.WithAttributes(
		otel.AttrOp.String(op),
		otel.AttrOrigin.String(string(origin)),
	))
	t.c.schedule(t.st)
	return ids, nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
