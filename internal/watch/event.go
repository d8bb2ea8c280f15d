package watch

import "time"

type Kind string

const (
	KindCreated  Kind = "created"
	KindModified Kind = "modified"
	KindRemoved  Kind = "removed"
	KindRenamed  Kind = "renamed"
)

// Event is a coalesced change to one task file. Seq increases across all
// events from a watcher; a later Seq for the same path supersedes an
// earlier one.
type Event struct {
	Path string
	Kind Kind
	Seq  uint64
	At   time.Time
}

// merge folds a new raw notification into a pending one for the same path.
// A file created and then written inside one window is still new.
func merge(prev, next Kind) Kind {
	if prev == KindCreated && next == KindModified {
		return KindCreated
	}
	return next
}

type Mode string

const (
	ModeNotify Mode = "notify"
	ModePoll   Mode = "poll"
)
