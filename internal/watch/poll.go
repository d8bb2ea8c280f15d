package watch

import (
	"cmp"
	"context"
	"io/fs"
	"path/filepath"
	"slices"
	"time"
)

type fileStat struct {
	size  int64
	mtime time.Time
}

// snapshot records size and mtime of every task file. Unreadable entries
// are skipped; they show up as removed until they can be read again.
func (w *Watcher) snapshot() map[string]fileStat {
	out := make(map[string]fileStat)
	_ = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !w.relevant(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out[path] = fileStat{size: info.Size(), mtime: info.ModTime()}
		return nil
	})
	return out
}

// diff lists the changes from prev to cur, ordered by path.
func diff(prev, cur map[string]fileStat) []Event {
	var out []Event
	for path, st := range cur {
		old, ok := prev[path]
		switch {
		case !ok:
			out = append(out, Event{Path: path, Kind: KindCreated})
		case old.size != st.size || !old.mtime.Equal(st.mtime):
			out = append(out, Event{Path: path, Kind: KindModified})
		}
	}
	for path := range prev {
		if _, ok := cur[path]; !ok {
			out = append(out, Event{Path: path, Kind: KindRemoved})
		}
	}
	slices.SortFunc(out, func(a, b Event) int {
		return cmp.Compare(a.Path, b.Path)
	})
	return out
}

func (w *Watcher) runPoll(ctx context.Context, prev map[string]fileStat) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cur := w.snapshot()
			for _, ev := range diff(prev, cur) {
				if w.registry.Suppressed(ev.Path) {
					continue
				}
				ev.Seq = w.seq.Add(1)
				ev.At = now
				if !w.deliver(ctx, ev) {
					return
				}
			}
			prev = cur
		}
	}
}
