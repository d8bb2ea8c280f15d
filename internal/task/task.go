// Package task defines the task record persisted by plaintask and the
// structural rules every live record obeys.
package task

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusInbox     Status = "inbox"
	StatusNext      Status = "next"
	StatusWaiting   Status = "waiting"
	StatusSomeday   Status = "someday"
	StatusCompleted Status = "completed"
)

var validStatuses = []Status{StatusInbox, StatusNext, StatusWaiting, StatusSomeday, StatusCompleted}

// ParseStatus returns an error for anything outside the known set; it never
// falls back to a default.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !slices.Contains(validStatuses, st) {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool { return slices.Contains(validStatuses, s) }

type Priority string

const (
	PriorityNone   Priority = "none"
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var validPriorities = []Priority{PriorityNone, PriorityLow, PriorityMedium, PriorityHigh}

func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !slices.Contains(validPriorities, p) {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

func (p Priority) Valid() bool { return slices.Contains(validPriorities, p) }

// ExtraField is a metadata entry the codec did not recognize. Raw holds the
// verbatim source lines so the entry can be written back unchanged.
type ExtraField struct {
	Key string
	Raw string
}

// Record is one task. Records are values: the cache hands out copies and
// mutations operate on copies.
type Record struct {
	ID        string
	Title     string
	Notes     string
	Status    Status
	Project   string
	Context   string
	Tags      []string
	Priority  Priority
	Due       *time.Time
	Defer     *time.Time
	Effort    *int
	Parent    string
	Children  []string
	Flagged   bool
	Created   time.Time
	Modified  time.Time
	Completed *time.Time
	Extra     []ExtraField

	// Hash is the content hash of the encoded document. It is derived state:
	// the cache recomputes it after every mutation.
	Hash string
}

// NewID returns a fresh time-ordered identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsID reports whether s has the shape of a record identifier.
func IsID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Tags = slices.Clone(r.Tags)
	out.Children = slices.Clone(r.Children)
	out.Extra = slices.Clone(r.Extra)
	out.Due = cloneTime(r.Due)
	out.Defer = cloneTime(r.Defer)
	out.Completed = cloneTime(r.Completed)
	if r.Effort != nil {
		v := *r.Effort
		out.Effort = &v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// IsArchived reports whether the record belongs in the archive subtree.
func (r Record) IsArchived() bool { return r.Status == StatusCompleted }

// NormalizeTags sorts and de-duplicates tags and drops blanks.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Fields carries caller-supplied values for a new record.
type Fields struct {
	Title    string
	Notes    string
	Status   Status
	Project  string
	Context  string
	Tags     []string
	Priority Priority
	Due      *time.Time
	Defer    *time.Time
	Effort   *int
	Parent   string
	Flagged  bool
}

// Build turns fields into a record with the given identity and timestamps.
func (f Fields) Build(id string, now time.Time) Record {
	r := Record{
		ID:       id,
		Title:    strings.TrimSpace(f.Title),
		Notes:    f.Notes,
		Status:   f.Status,
		Project:  f.Project,
		Context:  f.Context,
		Tags:     NormalizeTags(f.Tags),
		Priority: f.Priority,
		Due:      cloneTime(f.Due),
		Defer:    cloneTime(f.Defer),
		Parent:   f.Parent,
		Flagged:  f.Flagged,
		Created:  now,
		Modified: now,
	}
	if f.Effort != nil {
		v := *f.Effort
		r.Effort = &v
	}
	if r.Status == "" {
		r.Status = StatusInbox
	}
	if r.Priority == "" {
		r.Priority = PriorityNone
	}
	if r.Status == StatusCompleted {
		c := now
		r.Completed = &c
	}
	return r
}

// Mutation edits a record copy in place. Returning an error discards the edit.
type Mutation func(r *Record) error

var ErrInvalid = errors.New("invalid task")

// ValidationError lists every structural rule a record breaks.
type ValidationError struct {
	ID       string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task %s: %s", e.ID, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Timestamps must fall in these years (UTC) to be stored.
const (
	MinYear = 1970
	MaxYear = 9999
)

// InRange reports whether t can be stored.
func InRange(t time.Time) bool {
	y := t.UTC().Year()
	return y >= MinYear && y <= MaxYear
}

// Validate checks the invariants that can be decided from the record alone.
func Validate(r Record) error {
	var problems []string
	if strings.TrimSpace(r.ID) == "" {
		problems = append(problems, "missing id")
	}
	if strings.TrimSpace(r.Title) == "" {
		problems = append(problems, "empty title")
	}
	if !r.Status.Valid() {
		problems = append(problems, fmt.Sprintf("unknown status %q", r.Status))
	}
	if !r.Priority.Valid() {
		problems = append(problems, fmt.Sprintf("unknown priority %q", r.Priority))
	}
	if r.Due != nil && r.Defer != nil && r.Due.Before(*r.Defer) {
		problems = append(problems, "due is before defer")
	}
	if r.Effort != nil && *r.Effort < 0 {
		problems = append(problems, "negative effort")
	}
	if r.Parent != "" && r.Parent == r.ID {
		problems = append(problems, "record is its own parent")
	}
	times := []struct {
		name string
		t    *time.Time
	}{
		{"created", &r.Created}, {"modified", &r.Modified},
		{"due", r.Due}, {"defer", r.Defer}, {"completed", r.Completed},
	}
	for _, ts := range times {
		if ts.t != nil && !InRange(*ts.t) {
			problems = append(problems, fmt.Sprintf("%s: year %d out of range %d..%d", ts.name, ts.t.UTC().Year(), MinYear, MaxYear))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{ID: r.ID, Problems: problems}
}

// DetectCycle walks parent links from id and reports whether it returns to a
// record already visited. parentOf returns "" for roots and unknown IDs.
func DetectCycle(id string, parentOf func(string) string) bool {
	seen := map[string]struct{}{id: {}}
	for cur := parentOf(id); cur != ""; cur = parentOf(cur) {
		if _, ok := seen[cur]; ok {
			return true
		}
		seen[cur] = struct{}{}
	}
	return false
}

// Touch bumps Modified so it is strictly later than before.
func Touch(r *Record, now time.Time) {
	if !now.After(r.Modified) {
		now = r.Modified.Add(time.Nanosecond)
	}
	r.Modified = now
}

// SyncCompletion keeps Completed consistent with Status.
func SyncCompletion(r *Record, now time.Time) {
	switch {
	case r.Status == StatusCompleted && r.Completed == nil:
		c := now
		r.Completed = &c
	case r.Status != StatusCompleted:
		r.Completed = nil
	}
}
