package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/plaintask/internal/codec"
	"github.com/basket/plaintask/internal/config"
	"github.com/basket/plaintask/internal/filestore"
	"github.com/basket/plaintask/internal/journal"
	"github.com/basket/plaintask/internal/task"
)

func testConfig(t *testing.T, initialized bool) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{
		HomeDir:     home,
		Root:        filepath.Join(home, "tasks-root"),
		JournalPath: filepath.Join(home, "journal.db"),
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		t.Fatal(err)
	}
	if initialized {
		if _, err := filestore.Init(cfg.Root, time.Now()); err != nil {
			t.Fatalf("init: %v", err)
		}
	}
	return cfg
}

func writeTask(t *testing.T, root, title string) string {
	t.Helper()
	s, err := filestore.Open(root, filestore.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	rec := task.Fields{Title: title}.Build(task.NewID(), time.Now().UTC().Round(0))
	data, err := codec.Marshal(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := s.PathFor(rec)
	if err := s.WriteAtomic(path, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func resultByName(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q result in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if got := resultByName(t, d, "Config").Status; got != StatusFail {
		t.Fatalf("Config status = %s, want FAIL", got)
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s status = %s, want SKIP", r.Name, r.Status)
		}
	}
	if d.Healthy() {
		t.Fatal("diagnosis with a failed check reported healthy")
	}
}

func TestRun_HealthyDirectory(t *testing.T) {
	cfg := testConfig(t, true)
	writeTask(t, cfg.Root, "Water the plants")
	writeTask(t, cfg.Root, "Call the bank")

	d := Run(context.Background(), cfg, "v1.2.3")
	if d.System.Version != "v1.2.3" {
		t.Fatalf("version = %q", d.System.Version)
	}
	for _, name := range []string{"Task Directory", "Journal", "Permissions", "Task Files"} {
		if r := resultByName(t, d, name); r.Status != StatusPass {
			t.Fatalf("%s = %+v, want PASS", name, r)
		}
	}
	if got := resultByName(t, d, "Task Files").Message; got != "2 task files ok" {
		t.Fatalf("Task Files message = %q", got)
	}
	if got := resultByName(t, d, "Config").Status; got != StatusWarn {
		t.Fatalf("Config status = %s, want WARN for missing config.yaml", got)
	}
	if !d.Healthy() {
		t.Fatalf("expected healthy diagnosis, got %+v", d.Results)
	}
}

func TestCheckMarker_Uninitialized(t *testing.T) {
	cfg := testConfig(t, false)
	r := checkMarker(context.Background(), cfg)
	if r.Status != StatusFail {
		t.Fatalf("status = %s, want FAIL", r.Status)
	}
	if r := checkTaskFiles(context.Background(), cfg); r.Status != StatusSkip {
		t.Fatalf("task files status = %s, want SKIP", r.Status)
	}
}

func TestCheckTaskFiles_ReportsUndecodable(t *testing.T) {
	cfg := testConfig(t, true)
	good := writeTask(t, cfg.Root, "Renew passport")
	bad := filepath.Join(filepath.Dir(good), task.NewID()+"-broken.md")
	if err := os.WriteFile(bad, []byte("no front matter here\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := checkTaskFiles(context.Background(), cfg)
	if r.Status != StatusWarn {
		t.Fatalf("status = %s, want WARN (%+v)", r.Status, r)
	}
	if r.Message != "1 of 2 files would be quarantined" {
		t.Fatalf("message = %q", r.Message)
	}
}

func TestCheckTaskFiles_ReportsTempLeftovers(t *testing.T) {
	cfg := testConfig(t, true)
	good := writeTask(t, cfg.Root, "Sort receipts")
	leftover := filepath.Join(filepath.Dir(good), ".x.md.tmp-123")
	if err := os.WriteFile(leftover, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := checkTaskFiles(context.Background(), cfg)
	if r.Status != StatusWarn {
		t.Fatalf("status = %s, want WARN (%+v)", r.Status, r)
	}
}

func TestCheckJournal_PendingEntries(t *testing.T) {
	cfg := testConfig(t, true)
	ctx := context.Background()
	j, err := journal.Open(ctx, cfg.JournalPath)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := j.Append(ctx, journal.Entry{TaskID: task.NewID(), Op: journal.OpDelete, Path: "tasks/active/x.md"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	r := checkJournal(ctx, cfg)
	if r.Status != StatusWarn {
		t.Fatalf("status = %s, want WARN (%+v)", r.Status, r)
	}
	if r.Message != "1 unflushed entries" {
		t.Fatalf("message = %q", r.Message)
	}
}

func TestCheckJournal_Corrupt(t *testing.T) {
	cfg := testConfig(t, true)
	if err := os.WriteFile(cfg.JournalPath, []byte("this is not a database file at all, not even close"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := checkJournal(context.Background(), cfg)
	if r.Status != StatusFail {
		t.Fatalf("status = %s, want FAIL", r.Status)
	}
}

func TestCheckPermissions_UnwritableRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	cfg := testConfig(t, true)
	if err := os.Chmod(cfg.Root, 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(cfg.Root, 0o755) })

	r := checkPermissions(context.Background(), cfg)
	if r.Status != StatusFail {
		t.Fatalf("status = %s, want FAIL", r.Status)
	}
}
