package reconcile

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/plaintask/internal/codec"
	"github.com/basket/plaintask/internal/filestore"
	"github.com/basket/plaintask/internal/otel"
	"github.com/basket/plaintask/internal/task"
	"github.com/basket/plaintask/internal/watch"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name  string
		local LocalState
		disk  DiskState
		want  Verdict
	}{
		{"unknown file appears", LocalState{}, DiskState{Exists: true, Hash: "h1"}, Adopt},
		{"unknown file removed", LocalState{}, DiskState{}, Spurious},
		{"own write echoed", LocalState{Known: true, SyncedHash: "h1", Hash: "h1"}, DiskState{Exists: true, Hash: "h1"}, Spurious},
		{"disk matches pending local", LocalState{Known: true, SyncedHash: "h1", Hash: "h2", Dirty: true}, DiskState{Exists: true, Hash: "h2"}, Spurious},
		{"external edit, clean cache", LocalState{Known: true, SyncedHash: "h1", Hash: "h1"}, DiskState{Exists: true, Hash: "h9"}, DiskWins},
		{"external delete, clean cache", LocalState{Known: true, SyncedHash: "h1", Hash: "h1"}, DiskState{}, DiskWins},
		{"external edit, local pending", LocalState{Known: true, SyncedHash: "h1", Hash: "h2", Dirty: true}, DiskState{Exists: true, Hash: "h9"}, Diverged},
		{"external delete, local pending", LocalState{Known: true, SyncedHash: "h1", Hash: "h2", Dirty: true}, DiskState{}, Diverged},
		{"never written, no file", LocalState{Known: true, Hash: "h2", Dirty: true}, DiskState{}, Spurious},
		{"in-flight write echoed before it completes", LocalState{Known: true, SyncedHash: "h1", Hash: "h3", Writing: "h2", Dirty: true}, DiskState{Exists: true, Hash: "h2"}, Spurious},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.local, tt.disk); got != tt.want {
				t.Fatalf("Decide = %s, want %s", got, tt.want)
			}
		})
	}
}

type fakeReader struct {
	files map[string][]byte
}

func (f *fakeReader) Read(path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, &filestore.IOError{Op: "read", Path: path, Err: filestore.ErrNotFound}
	}
	return data, nil
}

func (f *fakeReader) Exists(path string) bool {
	_, ok := f.files[path]
	return ok
}

type fakeTarget struct {
	mu       sync.Mutex
	outcome  Outcome
	paths    map[string]string
	observed []Observation
	resolved []Resolution
}

func (f *fakeTarget) ApplyObservation(_ context.Context, obs Observation) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = append(f.observed, obs)
	return f.outcome, nil
}

func (f *fakeTarget) Resolve(_ context.Context, _ Conflict, res Resolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, res)
	return nil
}

func (f *fakeTarget) PathOf(id string) (string, bool) {
	p, ok := f.paths[id]
	return p, ok
}

func encodedRecord(t *testing.T, title string) (task.Record, []byte) {
	t.Helper()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	r := task.Fields{Title: title}.Build("01890a5d-ac96-774b-bcce-b302099a8057", now)
	data, err := codec.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	return r, data
}

func TestObserve_DecodesAndHashes(t *testing.T) {
	rec, data := encodedRecord(t, "Pay rent")
	path := "/root/tasks/active/2026/02/" + rec.ID + "-pay-rent.md"
	target := &fakeTarget{outcome: Outcome{Verdict: DiskWins}}
	r := New(&fakeReader{files: map[string][]byte{path: data}}, target, Options{})

	v, err := r.Observe(context.Background(), path)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if v != DiskWins {
		t.Fatalf("verdict %s", v)
	}
	obs := target.observed[0]
	if !obs.Exists || obs.Record == nil || obs.Record.Title != "Pay rent" || obs.ID != rec.ID {
		t.Fatalf("unexpected observation: %+v", obs)
	}
	if obs.Hash != codec.Hash(data) || obs.Record.Hash != obs.Hash {
		t.Fatalf("hash mismatch: obs %s record %s", obs.Hash, obs.Record.Hash)
	}
	if r.State(path) != Clean {
		t.Fatalf("state %s after reconcile", r.State(path))
	}
}

func TestObserve_DecodeFailureAndRemoval(t *testing.T) {
	id := "01890a5d-ac96-774b-bcce-b302099a8057"
	bad := "/root/tasks/active/" + id + "-x.md"
	gone := "/root/tasks/active/01890a5d-ac96-774b-bcce-b302099a8058-y.md"
	target := &fakeTarget{}
	r := New(&fakeReader{files: map[string][]byte{bad: []byte("no front matter")}}, target, Options{})

	if _, err := r.Observe(context.Background(), bad); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Observe(context.Background(), gone); err != nil {
		t.Fatal(err)
	}
	if obs := target.observed[0]; obs.DecodeErr == nil || !errors.Is(obs.DecodeErr, codec.ErrMalformedMetadata) || obs.ID != id {
		t.Fatalf("decode failure observation: %+v", obs)
	}
	if obs := target.observed[1]; obs.Exists || obs.ID != "01890a5d-ac96-774b-bcce-b302099a8058" {
		t.Fatalf("removal observation: %+v", obs)
	}
}

func TestObserve_DuplicateID(t *testing.T) {
	rec, data := encodedRecord(t, "Copy")
	original := "/root/tasks/active/" + rec.ID + "-copy.md"
	copied := "/root/tasks/active/" + rec.ID + "-copy 2.md"
	target := &fakeTarget{paths: map[string]string{rec.ID: original}}
	reader := &fakeReader{files: map[string][]byte{original: data, copied: data}}
	r := New(reader, target, Options{})

	if _, err := r.Observe(context.Background(), copied); err != nil {
		t.Fatal(err)
	}
	if !target.observed[0].Duplicate {
		t.Fatal("copy with a live original not flagged as duplicate")
	}

	// Once the original is gone the same file is a move.
	delete(reader.files, original)
	if _, err := r.Observe(context.Background(), copied); err != nil {
		t.Fatal(err)
	}
	if target.observed[1].Duplicate {
		t.Fatal("moved file flagged as duplicate")
	}
}

func TestObserve_ConflictGoesThroughHandler(t *testing.T) {
	rec, data := encodedRecord(t, "Disk title")
	path := "/root/tasks/active/" + rec.ID + "-x.md"
	local := rec.Clone()
	local.Title = "Local title"
	conflict := NewConflict(rec.ID, path, &local, &rec, time.Now())
	target := &fakeTarget{outcome: Outcome{Verdict: Diverged, Conflict: conflict}}

	var seen []Conflict
	var transitions []PathState
	r := New(&fakeReader{files: map[string][]byte{path: data}}, target, Options{
		Handler: func(_ context.Context, c Conflict) Resolution {
			seen = append(seen, c)
			return Resolution{Choice: KeepDisk}
		},
		OnTransition: func(_ string, _, to PathState) { transitions = append(transitions, to) },
	})

	v, err := r.Observe(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if v != Diverged {
		t.Fatalf("verdict %s", v)
	}
	if len(seen) != 1 || seen[0].State != Unresolved || seen[0].Local.Title != "Local title" {
		t.Fatalf("handler saw %+v", seen)
	}
	if len(target.resolved) != 1 || target.resolved[0].Choice != KeepDisk {
		t.Fatalf("resolved %+v", target.resolved)
	}
	want := []PathState{ExternalChangeDetected, ConflictPending, Clean}
	if len(transitions) != len(want) {
		t.Fatalf("transitions %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions %v, want %v", transitions, want)
		}
	}
}

func TestObserve_TracedAndCounted(t *testing.T) {
	rec, data := encodedRecord(t, "Traced")
	path := "/root/tasks/active/" + rec.ID + "-traced.md"
	local := rec.Clone()
	local.Title = "Local"

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := otel.NewMetrics(mp.Meter(otel.ScopeName))
	if err != nil {
		t.Fatal(err)
	}

	target := &fakeTarget{outcome: Outcome{Verdict: Diverged, Conflict: NewConflict(rec.ID, path, &local, &rec, time.Now())}}
	r := New(&fakeReader{files: map[string][]byte{path: data}}, target, Options{
		Tracer:  tp.Tracer(otel.ScopeName),
		Metrics: metrics,
		Handler: func(context.Context, Conflict) Resolution { return Resolution{Choice: KeepLocal} },
	})
	if _, err := r.Observe(context.Background(), path); err != nil {
		t.Fatal(err)
	}

	ended := spans.Ended()
	if len(ended) != 1 || ended[0].Name() != "reconcile.observe" {
		t.Fatalf("spans %v", ended)
	}
	var gotPath string
	for _, kv := range ended[0].Attributes() {
		if kv.Key == otel.AttrPath {
			gotPath = kv.Value.AsString()
		}
	}
	if gotPath != path {
		t.Fatalf("span path %q, want %q", gotPath, path)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					counts[m.Name] += dp.Value
				}
			}
		}
	}
	if counts["plaintask.reconcile.verdicts"] != 1 || counts["plaintask.reconcile.conflicts"] != 1 {
		t.Fatalf("counters %v", counts)
	}
}

func TestObserve_MergeWithoutRecordKeepsLocal(t *testing.T) {
	rec, data := encodedRecord(t, "x")
	path := "/p/" + rec.ID + ".md"
	target := &fakeTarget{outcome: Outcome{Verdict: Diverged, Conflict: NewConflict(rec.ID, path, &rec, &rec, time.Now())}}
	r := New(&fakeReader{files: map[string][]byte{path: data}}, target, Options{
		Handler: func(context.Context, Conflict) Resolution { return Resolution{Choice: Merge} },
	})
	if _, err := r.Observe(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	if target.resolved[0].Choice != KeepLocal {
		t.Fatalf("resolution %+v", target.resolved[0])
	}
}

func TestPreferLocal_LogsDiscardedDisk(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rec, _ := encodedRecord(t, "Discarded edit")
	res := PreferLocal(logger)(context.Background(), Conflict{ID: rec.ID, Path: "/p", Disk: &rec})
	if res.Choice != KeepLocal || res.State() != KeptLocal {
		t.Fatalf("resolution %+v", res)
	}
	if !bytes.Contains(buf.Bytes(), []byte("Discarded edit")) {
		t.Fatalf("disk version not logged: %s", buf.String())
	}
}

func TestRun_StopsWhenEventsClose(t *testing.T) {
	target := &fakeTarget{}
	r := New(&fakeReader{files: map[string][]byte{}}, target, Options{})
	events := make(chan watch.Event, 2)
	events <- watch.Event{Path: "/a/01890a5d-ac96-774b-bcce-b302099a8057.md", Kind: watch.KindRemoved, Seq: 7}
	close(events)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), events) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	if len(target.observed) != 1 || target.observed[0].Seq != 7 {
		t.Fatalf("observed %+v", target.observed)
	}
}
