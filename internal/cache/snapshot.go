package cache

import (
	"cmp"
	"context"
	"slices"

	"github.com/basket/plaintask/internal/reconcile"
	"github.com/basket/plaintask/internal/task"
)

// snapshot is an immutable view of state. Readers load it without touching
// the actor.
type snapshot struct {
	records    map[string]*task.Record
	paths      map[string]string
	quarantine []Quarantined
	conflicts  []reconcile.Conflict
	stats      Stats
}

func (c *Cache) publish(st *state) {
	s := &snapshot{
		records: make(map[string]*task.Record, len(st.records)),
		paths:   make(map[string]string, len(st.records)),
	}
	for id, e := range st.records {
		r := e.rec.Clone()
		s.records[id] = &r
		s.paths[id] = e.path
	}
	for _, q := range st.quarantine {
		cp := *q
		cp.Raw = slices.Clone(q.Raw)
		s.quarantine = append(s.quarantine, cp)
	}
	slices.SortFunc(s.quarantine, func(a, b Quarantined) int { return cmp.Compare(a.Path, b.Path) })
	for _, conf := range st.conflicts {
		s.conflicts = append(s.conflicts, *conf)
	}
	slices.SortFunc(s.conflicts, func(a, b reconcile.Conflict) int {
		if n := a.DetectedAt.Compare(b.DetectedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	s.stats = Stats{
		Tasks:       len(st.records),
		Dirty:       len(st.dirty),
		InFlight:    len(st.inflight),
		Quarantined: len(st.quarantine),
		Conflicts:   len(st.conflicts),
		Flushes:     st.flushes,
		WriteErrors: st.writeErrors,
		LastFlush:   st.lastFlush,
		LastError:   st.lastError,
	}
	c.snap.Store(s)
	c.metrics.Quarantined.Record(context.Background(), int64(len(st.quarantine)))
}
