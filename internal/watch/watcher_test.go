package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testID = "01890a5d-ac96-774b-bcce-b302099a8057"

func setupTree(t *testing.T) (root, dir string) {
	t.Helper()
	root = t.TempDir()
	dir = filepath.Join(root, "tasks", "active", "2026", "01")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return root, dir
}

func startWatcher(t *testing.T, root string, opts Options) *Watcher {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := New(root, opts)
	if err := w.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		<-w.Done()
	})
	return w
}

func waitEvent(t *testing.T, w *Watcher, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectQuiet(t *testing.T, w *Watcher, d time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(d):
	}
}

func TestWatcher_CoalescesBurstIntoOneEvent(t *testing.T) {
	root, dir := setupTree(t)
	w := startWatcher(t, root, Options{Window: 150 * time.Millisecond})
	if w.Mode() != ModeNotify {
		t.Skipf("notifications unavailable, mode %s", w.Mode())
	}

	path := filepath.Join(dir, testID+"-a.md")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	ev := waitEvent(t, w, 2*time.Second)
	if ev.Path != path {
		t.Fatalf("event path %q, want %q", ev.Path, path)
	}
	if ev.Kind != KindCreated {
		t.Fatalf("event kind %q, want created", ev.Kind)
	}
	if ev.Seq == 0 || ev.At.IsZero() {
		t.Fatalf("event missing seq or time: %+v", ev)
	}
	expectQuiet(t, w, 400*time.Millisecond)
}

func TestWatcher_IgnoresSelfWritesTempAndForeignFiles(t *testing.T) {
	root, dir := setupTree(t)
	reg := NewSelfWrites()
	w := startWatcher(t, root, Options{Window: 50 * time.Millisecond, Registry: reg})
	if w.Mode() != ModeNotify {
		t.Skipf("notifications unavailable, mode %s", w.Mode())
	}

	own := filepath.Join(dir, testID+"-own.md")
	reg.BeginWrite(own)
	if err := os.WriteFile(own, []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"." + testID + "-x.md.tmp-123", "notes.txt", ".DS_Store"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	expectQuiet(t, w, 300*time.Millisecond)
	reg.EndWrite(own)

	theirs := filepath.Join(dir, testID+"-theirs.md")
	if err := os.WriteFile(theirs, []byte("external"), 0o644); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, w, 2*time.Second)
	if ev.Path != theirs {
		t.Fatalf("got event for %q, want %q", ev.Path, theirs)
	}
}

func TestWatcher_PicksUpNewDirectories(t *testing.T) {
	root, _ := setupTree(t)
	w := startWatcher(t, root, Options{Window: 50 * time.Millisecond})
	if w.Mode() != ModeNotify {
		t.Skipf("notifications unavailable, mode %s", w.Mode())
	}

	dir := filepath.Join(root, "tasks", "archive", "2025", "12")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, testID+"-old.md")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Path == path {
				return
			}
		case <-deadline:
			t.Fatal("no event for file in new directory")
		}
	}
}

func TestWatcher_PollingFallback(t *testing.T) {
	root, dir := setupTree(t)
	w := startWatcher(t, root, Options{ForcePoll: true, PollInterval: 50 * time.Millisecond})
	if w.Mode() != ModePoll {
		t.Fatalf("mode %s, want poll", w.Mode())
	}

	path := filepath.Join(dir, testID+"-a.md")
	if err := os.WriteFile(path, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ev := waitEvent(t, w, 2*time.Second); ev.Kind != KindCreated || ev.Path != path {
		t.Fatalf("got %+v, want created %s", ev, path)
	}

	if err := os.WriteFile(path, []byte("two, longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ev := waitEvent(t, w, 2*time.Second); ev.Kind != KindModified {
		t.Fatalf("got %+v, want modified", ev)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if ev := waitEvent(t, w, 2*time.Second); ev.Kind != KindRemoved {
		t.Fatalf("got %+v, want removed", ev)
	}
}

func TestWatcher_CancelClosesEvents(t *testing.T) {
	root, _ := setupTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	w := New(root, Options{})
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	if _, ok := <-w.Events(); ok {
		t.Fatal("events channel still open")
	}
}

func TestWatcher_StartRequiresTaskTree(t *testing.T) {
	w := New(t.TempDir(), Options{})
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error when tasks directory is missing")
	}
}

func TestSelfWrites_ClearedWhenWriteEnds(t *testing.T) {
	reg := NewSelfWrites()
	if reg.Suppressed("/a") {
		t.Fatal("unregistered path suppressed")
	}
	reg.BeginWrite("/a")
	reg.BeginWrite("/a")
	reg.EndWrite("/a")
	if !reg.Suppressed("/a") {
		t.Fatal("path with an active write not suppressed")
	}
	reg.EndWrite("/a")
	if reg.Suppressed("/a") {
		t.Fatal("path still suppressed after its last write ended")
	}
}

func TestDiff(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := map[string]fileStat{
		"/a": {size: 1, mtime: t0},
		"/b": {size: 1, mtime: t0},
		"/c": {size: 1, mtime: t0},
	}
	cur := map[string]fileStat{
		"/a": {size: 1, mtime: t0},
		"/b": {size: 1, mtime: t0.Add(time.Second)},
		"/d": {size: 3, mtime: t0},
	}
	got := diff(prev, cur)
	want := []Event{
		{Path: "/b", Kind: KindModified},
		{Path: "/c", Kind: KindRemoved},
		{Path: "/d", Kind: KindCreated},
	}
	if len(got) != len(want) {
		t.Fatalf("diff = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("diff[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
