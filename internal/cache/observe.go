package cache

import (
	"context"
	"fmt"
	"slices"

	"github.com/basket/plaintask/internal/codec"
	"github.com/basket/plaintask/internal/reconcile"
	"github.com/basket/plaintask/internal/task"
)

var _ reconcile.Target = (*Cache)(nil)

// ApplyObservation folds one observed file into the cache. It implements
// reconcile.Target.
func (c *Cache) ApplyObservation(ctx context.Context, obs reconcile.Observation) (reconcile.Outcome, error) {
	var (
		out    reconcile.Outcome
		opErr  error
		change *Change
	)
	err := c.do(ctx, func(st *state) {
		out, change, opErr = c.applyObservation(context.WithoutCancel(ctx), st, obs)
		if opErr == nil && change != nil {
			c.publish(st)
			c.notify(*change)
		}
	})
	if err != nil {
		return reconcile.Outcome{}, err
	}
	return out, opErr
}

func (c *Cache) applyObservation(ctx context.Context, st *state, obs reconcile.Observation) (reconcile.Outcome, *Change, error) {
	spurious := reconcile.Outcome{Verdict: reconcile.Spurious}

	if !obs.Exists {
		var change *Change
		if _, ok := st.quarantine[obs.Path]; ok {
			delete(st.quarantine, obs.Path)
			change = &Change{Kind: ChangeQuarantined, IDs: idList(obs.ID), Origin: OriginExternal}
		}
		e, ok := st.records[obs.ID]
		if obs.ID == "" || !ok || e.path != obs.Path {
			return spurious, change, nil
		}
		v := reconcile.Decide(st.localState(obs.ID), reconcile.DiskState{})
		switch v {
		case reconcile.DiskWins:
			t := c.newTxn(st)
			if err := t.deleteCascade(obs.ID); err != nil {
				return spurious, change, err
			}
			ids, err := t.commit(ctx, "delete", OriginExternal)
			if err != nil {
				return spurious, change, err
			}
			return reconcile.Outcome{Verdict: v}, &Change{Kind: ChangeDeleted, IDs: primaryFirst(obs.ID, ids), Origin: OriginExternal}, nil
		case reconcile.Diverged:
			return c.raiseConflict(st, obs, nil)
		}
		return spurious, change, nil
	}

	if obs.DecodeErr != nil {
		return c.quarantineObserved(st, obs, obs.DecodeErr.Error())
	}
	if obs.Duplicate {
		known := ""
		if e, ok := st.records[obs.ID]; ok {
			known = e.path
		}
		return c.quarantineObserved(st, obs, fmt.Sprintf("%v: also stored at %s", ErrDuplicateID, known))
	}

	rec := *obs.Record
	v := reconcile.Decide(st.localState(rec.ID), reconcile.DiskState{Exists: true, Hash: obs.Hash})
	if v == reconcile.Spurious {
		return spurious, c.notePath(st, rec.ID, obs.Path), nil
	}
	if reason := c.admissible(st, rec); reason != "" {
		return c.quarantineObserved(st, obs, reason)
	}
	if v == reconcile.Diverged {
		return c.raiseConflict(st, obs, &rec)
	}

	kind := ChangeUpdated
	if v == reconcile.Adopt {
		kind = ChangeAdded
	}
	ids, err := c.acceptDisk(ctx, st, obs.Path, rec, obs.Hash, OriginExternal)
	if err != nil {
		return spurious, nil, err
	}
	return reconcile.Outcome{Verdict: v}, &Change{Kind: kind, IDs: primaryFirst(rec.ID, ids), Origin: OriginExternal}, nil
}

func idList(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

// notePath follows a file that moved without changing content.
func (c *Cache) notePath(st *state, id, path string) *Change {
	e, ok := st.records[id]
	if !ok || e.path == path {
		return nil
	}
	if st.isDirty(id) {
		// The pending write lands at the known path; drop the moved copy.
		st.markDirty(id).addStale(path)
		c.schedule(st)
		return nil
	}
	c.logger.Info("task file moved", "task_id", id, "from", e.path, "to", path)
	e.path = path
	return &Change{Kind: ChangeUpdated, IDs: []string{id}, Origin: OriginExternal}
}

// admissible reports why rec cannot join the current set, or "".
func (c *Cache) admissible(st *state, rec task.Record) string {
	if err := task.Validate(rec); err != nil {
		return err.Error()
	}
	if rec.Parent == "" {
		return ""
	}
	if _, ok := st.records[rec.Parent]; !ok {
		return fmt.Sprintf("%v: %s", ErrDanglingParent, rec.Parent)
	}
	parentOf := func(x string) string {
		if x == rec.ID {
			return rec.Parent
		}
		return st.parentOf(x)
	}
	if task.DetectCycle(rec.ID, parentOf) {
		return ErrCycle.Error()
	}
	return ""
}

func (c *Cache) quarantineObserved(st *state, obs reconcile.Observation, reason string) (reconcile.Outcome, *Change, error) {
	out := reconcile.Outcome{Verdict: reconcile.Quarantine}
	if q, ok := st.quarantine[obs.Path]; ok && codec.Hash(q.Raw) == obs.Hash {
		return out, nil, nil
	}
	c.quarantineFile(st, obs.Path, obs.ID, reason, obs.Raw)
	return out, &Change{Kind: ChangeQuarantined, IDs: idList(obs.ID), Origin: OriginExternal}, nil
}

func (c *Cache) raiseConflict(st *state, obs reconcile.Observation, disk *task.Record) (reconcile.Outcome, *Change, error) {
	e := st.records[obs.ID]
	local := e.rec.Clone()
	conf := reconcile.NewConflict(obs.ID, obs.Path, &local, disk, c.now())
	st.conflicts[obs.ID] = conf
	c.logger.Warn("conflicting edits detected", "task_id", obs.ID, "path", obs.Path, "disk_deleted", disk == nil)
	cp := *conf
	return reconcile.Outcome{Verdict: reconcile.Diverged, Conflict: &cp},
		&Change{Kind: ChangeConflict, IDs: []string{obs.ID}, Origin: OriginExternal}, nil
}

// acceptDisk makes rec, read from path, the live version. Parent and
// children links are kept consistent; any record that has to change as a
// result is journaled and written like a local edit.
func (c *Cache) acceptDisk(ctx context.Context, st *state, path string, rec task.Record, hash string, origin Origin) ([]string, error) {
	t := c.newTxn(st)
	cur, known := t.get(rec.ID)

	next := rec.Clone()
	next.Hash = hash
	var actual []string
	for id, e := range st.records {
		if e.rec.Parent == rec.ID {
			actual = append(actual, id)
		}
	}
	next.Children = c.orderChildren(st, rec.Children, actual)
	rewrite := !slices.Equal(next.Children, rec.Children)
	if known && !next.Modified.After(cur.Modified) {
		next.Modified = cur.Modified
		task.Touch(&next, t.now)
		rewrite = true
	}
	if known {
		if next.Parent != cur.Parent {
			if err := t.reparent(rec.ID, cur.Parent, next.Parent); err != nil {
				return nil, err
			}
		}
	} else if next.Parent != "" {
		if err := t.reparent(rec.ID, "", next.Parent); err != nil {
			return nil, err
		}
	}
	if rewrite {
		t.put(next)
	}
	ids, err := t.commit(ctx, "external", origin)
	if err != nil {
		return nil, err
	}

	e, ok := st.records[rec.ID]
	if !ok {
		e = &entry{}
		st.records[rec.ID] = e
	}
	if !rewrite {
		e.rec = next
		e.doc = nil
		e.path = path
	}
	e.synced = hash
	delete(st.quarantine, path)
	if rewrite && e.path != path {
		st.markDirty(rec.ID).addStale(path)
	}
	return ids, nil
}

// Resolve applies the answer to a conflict raised by ApplyObservation.
func (c *Cache) Resolve(ctx context.Context, conf reconcile.Conflict, res reconcile.Resolution) error {
	var opErr error
	err := c.do(ctx, func(st *state) {
		var ids []string
		ids, opErr = c.resolve(context.WithoutCancel(ctx), st, conf, res)
		if opErr != nil {
			return
		}
		c.publish(st)
		c.notify(Change{Kind: ChangeUpdated, IDs: primaryFirst(conf.ID, ids), Origin: OriginResolution})
	})
	if err != nil {
		return err
	}
	return opErr
}

func (c *Cache) resolve(ctx context.Context, st *state, conf reconcile.Conflict, res reconcile.Resolution) ([]string, error) {
	if _, ok := st.conflicts[conf.ID]; !ok {
		return nil, fmt.Errorf("%w: no open conflict for %s", ErrNotFound, conf.ID)
	}
	var (
		ids []string
		err error
	)
	switch res.Choice {
	case reconcile.KeepLocal:
		pw := st.markDirty(conf.ID)
		if e, ok := st.records[conf.ID]; !ok || e.path != conf.Path {
			pw.addStale(conf.Path)
		}
	case reconcile.KeepDisk:
		if pw, ok := st.dirty[conf.ID]; ok {
			// Drop the local edit for good so replay cannot bring it back.
			if pw.seq > 0 {
				if err := c.journal.Ack(ctx, conf.ID, pw.seq); err != nil {
					return nil, err
				}
			}
			delete(st.dirty, conf.ID)
		}
		if conf.Disk == nil {
			t := c.newTxn(st)
			if err = t.deleteCascade(conf.ID); err == nil {
				ids, err = t.commit(ctx, "delete", OriginResolution)
			}
		} else {
			ids, err = c.acceptDisk(ctx, st, conf.Path, *conf.Disk, conf.Disk.Hash, OriginResolution)
		}
	case reconcile.Merge:
		if res.Merged == nil {
			return nil, fmt.Errorf("%w: merge without a merged record", ErrValidation)
		}
		t := c.newTxn(st)
		cur, ok := t.get(conf.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, conf.ID)
		}
		if err = t.replace(cur, res.Merged.Clone()); err == nil {
			t.stale[conf.ID] = []string{conf.Path}
			ids, err = t.commit(ctx, "merge", OriginResolution)
		}
	default:
		return nil, fmt.Errorf("%w: unknown resolution %d", ErrValidation, res.Choice)
	}
	if err != nil {
		return nil, err
	}
	delete(st.conflicts, conf.ID)
	c.logger.Info("conflict resolved", "task_id", conf.ID, "state", string(res.State()))
	c.schedule(st)
	return ids, nil
}

// Repair admits a quarantined file as a new valid record built from f. The
// record keeps the file's ID when that ID is free.
func (c *Cache) Repair(ctx context.Context, path string, f task.Fields) (task.Record, error) {
	var (
		rec   task.Record
		opErr error
	)
	err := c.do(ctx, func(st *state) {
		q, ok := st.quarantine[path]
		if !ok {
			opErr = fmt.Errorf("%w: nothing quarantined at %s", ErrNotFound, path)
			return
		}
		id := q.ID
		if _, taken := st.records[id]; taken || !task.IsID(id) {
			id = task.NewID()
		}
		t := c.newTxn(st)
		r, err := t.addWithID(id, f)
		if err != nil {
			opErr = err
			return
		}
		t.stale[id] = []string{path}
		ids, err := t.commit(context.WithoutCancel(ctx), "repair", OriginLocal)
		if err != nil {
			opErr = err
			return
		}
		delete(st.quarantine, path)
		rec = st.records[r.ID].rec.Clone()
		c.publish(st)
		c.notify(Change{Kind: ChangeAdded, IDs: primaryFirst(r.ID, ids), Origin: OriginLocal})
	})
	if err != nil {
		return task.Record{}, err
	}
	return rec, opErr
}
