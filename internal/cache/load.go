package cache

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/basket/plaintask/internal/codec"
	"github.com/basket/plaintask/internal/filestore"
	"github.com/basket/plaintask/internal/journal"
	"github.com/basket/plaintask/internal/otel"
	"github.com/basket/plaintask/internal/task"
)

// load reads every task file into st. Files that cannot be admitted are
// quarantined rather than failing the load.
func (c *Cache) load(ctx context.Context, st *state) error {
	_, span := otel.StartSpan(ctx, c.tracer, "cache.load")
	defer span.End()

	for path, err := range c.store.List() {
		if err != nil {
			if path == "" {
				return fmt.Errorf("list task files: %w", err)
			}
			c.logger.Warn("skipping unreadable path", "path", path, "error", err)
			continue
		}
		data, err := c.store.Read(path)
		if err != nil {
			c.logger.Warn("skipping unreadable task file", "path", path, "error", err)
			continue
		}
		rec, err := codec.Unmarshal(data)
		if err == nil {
			err = task.Validate(rec)
		}
		if err != nil {
			id, _ := filestore.IDFromPath(path)
			c.quarantineFile(st, path, id, err.Error(), data)
			continue
		}
		if prev, dup := st.records[rec.ID]; dup {
			// Keep the newer copy. The other file is left alone for a
			// person to look at.
			keep, drop := prev, &entry{rec: rec, path: path, synced: rec.Hash}
			if rec.Modified.After(prev.rec.Modified) {
				keep, drop = drop, prev
			}
			st.records[rec.ID] = keep
			dropRaw, _ := c.store.Read(drop.path)
			c.quarantineFile(st, drop.path, rec.ID,
				fmt.Sprintf("%v: also stored at %s", ErrDuplicateID, keep.path), dropRaw)
			continue
		}
		st.records[rec.ID] = &entry{rec: rec, path: path, synced: rec.Hash}
	}

	// Removing a record can strand its children, so repeat until stable.
	for {
		var bad []string
		for _, id := range sortedIDs(st) {
			e := st.records[id]
			switch {
			case e.rec.Parent != "" && st.records[e.rec.Parent] == nil:
				c.quarantineEntry(st, e, fmt.Sprintf("%v: %s", ErrDanglingParent, e.rec.Parent))
				bad = append(bad, id)
			case task.DetectCycle(id, st.parentOf):
				c.quarantineEntry(st, e, ErrCycle.Error())
				bad = append(bad, id)
			}
		}
		if len(bad) == 0 {
			break
		}
		for _, id := range bad {
			delete(st.records, id)
		}
	}
	c.logger.Info("task files loaded", "tasks", len(st.records), "quarantined", len(st.quarantine))
	return nil
}

func (st *state) parentOf(id string) string {
	if e, ok := st.records[id]; ok {
		return e.rec.Parent
	}
	return ""
}

func sortedIDs(st *state) []string {
	ids := make([]string, 0, len(st.records))
	for id := range st.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Cache) quarantineEntry(st *state, e *entry, reason string) {
	raw, err := c.store.Read(e.path)
	if err != nil {
		raw = nil
	}
	c.quarantineFile(st, e.path, e.rec.ID, reason, raw)
}

func (c *Cache) quarantineFile(st *state, path, id, reason string, raw []byte) {
	st.quarantine[path] = &Quarantined{
		Path:   path,
		ID:     id,
		Reason: reason,
		Raw:    raw,
		At:     c.now(),
	}
	c.logger.Warn("task file quarantined", "path", path, "task_id", id, "reason", reason)
}

// replay re-applies journal entries whose file write never completed. They
// become dirty again so the next flush writes them.
func (c *Cache) replay(ctx context.Context, st *state) (int, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "cache.replay")
	defer span.End()

	entries, err := c.journal.Pending(ctx)
	if err != nil {
		return 0, err
	}
	for _, je := range entries {
		e := st.records[je.TaskID]
		switch je.Op {
		case journal.OpPut:
			rec, err := codec.Unmarshal(je.Document)
			if err != nil {
				return 0, fmt.Errorf("%w: entry %d: %v", journal.ErrCorrupt, je.Seq, err)
			}
			if rec.ID != je.TaskID {
				return 0, fmt.Errorf("%w: entry %d holds task %s, want %s", journal.ErrCorrupt, je.Seq, rec.ID, je.TaskID)
			}
			pw := st.markDirty(je.TaskID)
			pw.deleted = false
			pw.seq = je.Seq
			if je.PrevPath != je.Path {
				pw.addStale(je.PrevPath)
			}
			if e == nil {
				e = &entry{}
				st.records[je.TaskID] = e
			} else if e.path != je.Path {
				pw.addStale(e.path)
			}
			e.rec, e.doc, e.path = rec, je.Document, je.Path
			delete(st.quarantine, je.Path)
		case journal.OpDelete:
			pw := st.markDirty(je.TaskID)
			pw.deleted = true
			pw.seq = je.Seq
			pw.path = je.Path
			if e != nil {
				if e.path != je.Path {
					pw.addStale(e.path)
				}
				delete(st.records, je.TaskID)
			}
		}
	}
	if len(entries) > 0 {
		c.logger.Info("journal replayed", "entries", len(entries), "tasks", len(st.dirty))
	}
	return len(entries), nil
}

// repairLinks detaches records whose parent vanished or whose parent chain
// loops. Only replay can leave such links behind; load quarantines them.
func (c *Cache) repairLinks(st *state) {
	for _, id := range sortedIDs(st) {
		e := st.records[id]
		if e.rec.Parent == "" {
			continue
		}
		reason := ""
		switch {
		case st.records[e.rec.Parent] == nil:
			reason = ErrDanglingParent.Error()
		case task.DetectCycle(id, st.parentOf):
			reason = ErrCycle.Error()
		default:
			continue
		}
		c.logger.Warn("detaching task from parent", "task_id", id, "parent", e.rec.Parent, "reason", reason)
		e.rec.Parent = ""
		c.rewrite(st, e)
	}
}

// normalizeChildren makes every Children list match the parent links: the
// listed order is kept, missing children are appended oldest first.
func (c *Cache) normalizeChildren(st *state) {
	actual := make(map[string][]string)
	for id, e := range st.records {
		if e.rec.Parent != "" {
			actual[e.rec.Parent] = append(actual[e.rec.Parent], id)
		}
	}
	for _, id := range sortedIDs(st) {
		e := st.records[id]
		want := c.orderChildren(st, e.rec.Children, actual[id])
		if slices.Equal(want, e.rec.Children) {
			continue
		}
		e.rec.Children = want
		c.rewrite(st, e)
	}
}

func (c *Cache) orderChildren(st *state, listed, actual []string) []string {
	out := make([]string, 0, len(actual))
	for _, id := range listed {
		if slices.Contains(actual, id) && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	var missing []string
	for _, id := range actual {
		if !slices.Contains(out, id) {
			missing = append(missing, id)
		}
	}
	slices.SortFunc(missing, func(a, b string) int {
		if n := st.records[a].rec.Created.Compare(st.records[b].rec.Created); n != 0 {
			return n
		}
		return cmp.Compare(a, b)
	})
	return append(out, missing...)
}

// rewrite re-encodes a record changed during startup repair and marks it
// for the next flush. There is no journal entry behind it.
func (c *Cache) rewrite(st *state, e *entry) {
	task.Touch(&e.rec, c.now())
	doc, err := codec.Marshal(e.rec)
	if err != nil {
		c.logger.Error("encode repaired task", "task_id", e.rec.ID, "error", err)
		return
	}
	e.rec.Hash = codec.Hash(doc)
	e.doc = doc
	pw := st.markDirty(e.rec.ID)
	if canonical := c.store.PathFor(e.rec); canonical != e.path {
		pw.addStale(e.path)
		e.path = canonical
	}
}
