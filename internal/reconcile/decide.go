package reconcile

// LocalState is what the cache knows about one task when a change to its
// file is observed.
type LocalState struct {
	Known bool
	// SyncedHash is the hash of the document last written to or read from
	// disk for this task; empty when it has never reached disk.
	SyncedHash string
	// Hash is the hash of the current in-memory record.
	Hash string
	// Writing is the hash of the document the persister is writing now.
	Writing string
	// Dirty is set while local edits wait for the persister.
	Dirty bool
}

// DiskState is what the file holds now.
type DiskState struct {
	Exists bool
	Hash   string
}

type Verdict int

const (
	// Spurious: nothing to do; typically our own write or a touch.
	Spurious Verdict = iota
	// DiskWins: no local edits pending, so the file is authoritative.
	DiskWins
	// Diverged: both sides changed since the last sync.
	Diverged
	// Adopt: a file for a task the cache has never seen.
	Adopt
	// Quarantine: the file cannot be admitted (undecodable, invalid, or a
	// duplicate ID). Decide never returns it; the target reports it.
	Quarantine
)

func (v Verdict) String() string {
	switch v {
	case Spurious:
		return "spurious"
	case DiskWins:
		return "disk_wins"
	case Diverged:
		return "conflict"
	case Adopt:
		return "adopt"
	case Quarantine:
		return "quarantine"
	}
	return "unknown"
}

// Decide classifies an observed change. It is pure so every case can be
// tested without a filesystem.
func Decide(local LocalState, disk DiskState) Verdict {
	if !local.Known {
		if disk.Exists {
			return Adopt
		}
		return Spurious
	}
	if !disk.Exists {
		if local.SyncedHash == "" {
			// Never written; there is nothing on disk to lose.
			return Spurious
		}
	} else if disk.Hash == local.SyncedHash || disk.Hash == local.Hash || disk.Hash == local.Writing {
		return Spurious
	}
	if !local.Dirty {
		return DiskWins
	}
	return Diverged
}
