package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/plaintask/internal/codec"
	"github.com/basket/plaintask/internal/task"
)

type ConflictState string

const (
	Unresolved ConflictState = "unresolved"
	KeptLocal  ConflictState = "kept-local"
	KeptDisk   ConflictState = "kept-disk"
	Merged     ConflictState = "merged"
)

// Conflict is a task edited both in memory and on disk since the last sync.
// Disk is nil when the file was deleted.
type Conflict struct {
	ID         string
	Path       string
	Local      *task.Record
	Disk       *task.Record
	DetectedAt time.Time
	State      ConflictState
}

type Choice int

const (
	KeepLocal Choice = iota
	KeepDisk
	Merge
)

// Resolution answers a Conflict. Merged must be set when Choice is Merge.
type Resolution struct {
	Choice Choice
	Merged *task.Record
}

func (r Resolution) State() ConflictState {
	switch r.Choice {
	case KeepDisk:
		return KeptDisk
	case Merge:
		return Merged
	}
	return KeptLocal
}

// Handler decides a conflict. It runs on the reconciler goroutine, never on
// the cache actor, so it may block (for example to ask a user).
type Handler func(ctx context.Context, c Conflict) Resolution

// PreferLocal keeps the in-memory version and logs what the disk held so the
// discarded edit can be recovered by hand.
func PreferLocal(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, c Conflict) Resolution {
		attrs := []any{"task_id", c.ID, "path", c.Path}
		if c.Disk == nil {
			attrs = append(attrs, "disk", "deleted")
		} else {
			attrs = append(attrs, "disk_hash", c.Disk.Hash, "disk_modified", c.Disk.Modified)
			if doc, err := codec.Marshal(*c.Disk); err == nil {
				attrs = append(attrs, "disk_document", string(doc))
			} else {
				attrs = append(attrs, "disk_title", c.Disk.Title)
			}
		}
		logger.Warn("conflict resolved in favour of local copy; disk version discarded", attrs...)
		return Resolution{Choice: KeepLocal}
	}
}
