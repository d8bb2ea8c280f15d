package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/plaintask/internal/audit"
	"github.com/basket/plaintask/internal/doctor"
)

func run(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--home", home}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, home string, args ...string) string {
	t.Helper()
	out, err := run(t, home, args...)
	if err != nil {
		t.Fatalf("plaintask %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestCLI_InitAddListDone(t *testing.T) {
	home := t.TempDir()

	out := mustRun(t, home, "init")
	if !strings.Contains(out, "config.yaml") || !strings.Contains(out, "ready") {
		t.Fatalf("init output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(home, ".plaintask.yaml")); err != nil {
		t.Fatalf("marker not created: %v", err)
	}

	id := strings.TrimSpace(mustRun(t, home, "add", "Buy", "milk", "--project", "errands", "--due", "2025-06-01"))
	if id == "" {
		t.Fatal("add printed no id")
	}
	mustRun(t, home, "add", "Fix bike")

	out = mustRun(t, home, "list", "--project", "errands")
	if !strings.Contains(out, "Buy milk") || strings.Contains(out, "Fix bike") {
		t.Fatalf("filtered list = %q", out)
	}
	if !strings.Contains(out, "2025-06-01") {
		t.Fatalf("list missing due date: %q", out)
	}

	out = mustRun(t, home, "done", id[:13])
	if !strings.Contains(out, "completed "+id) {
		t.Fatalf("done output = %q", out)
	}

	out = mustRun(t, home, "list")
	if strings.Contains(out, "Buy milk") {
		t.Fatalf("completed task listed by default: %q", out)
	}
	out = mustRun(t, home, "list", "--status", "completed", "--json")
	var recs []map[string]any
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("list --json: %v\n%s", err, out)
	}
	if len(recs) != 1 || recs[0]["ID"] != id {
		t.Fatalf("completed tasks = %v", recs)
	}
}

func TestCLI_RmUnknownID(t *testing.T) {
	home := t.TempDir()
	mustRun(t, home, "init")
	if _, err := run(t, home, "rm", "does-not-exist"); err == nil {
		t.Fatal("expected error removing an unknown task")
	}
}

func TestCLI_CommandsNeedInit(t *testing.T) {
	home := t.TempDir()
	if _, err := run(t, home, "list"); err == nil {
		t.Fatal("expected list to fail before init")
	}
}

func TestCLI_DoctorJSON(t *testing.T) {
	home := t.TempDir()
	mustRun(t, home, "init")
	out := mustRun(t, home, "doctor", "--json")
	var d doctor.Diagnosis
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("doctor --json: %v\n%s", err, out)
	}
	if len(d.Results) == 0 || !d.Healthy() {
		t.Fatalf("diagnosis = %+v", d)
	}
}

func TestCLI_ConflictsReadsAuditLog(t *testing.T) {
	home := t.TempDir()
	mustRun(t, home, "init")

	out := mustRun(t, home, "conflicts")
	if !strings.Contains(out, "no conflicts") {
		t.Fatalf("conflicts on empty log = %q", out)
	}

	l, err := audit.Open(home)
	if err != nil {
		t.Fatal(err)
	}
	l.Record(audit.Entry{Kind: audit.KindConflict, TaskID: "0190aaaa-bbbb", Path: "tasks/active/a.md", Decision: "kept-local", Discarded: "# Old title\n"})
	l.Record(audit.Entry{Kind: audit.KindQuarantine, Path: "tasks/active/b.md", Decision: "missing title"})
	l.Close()

	out = mustRun(t, home, "conflicts")
	if !strings.Contains(out, "kept-local") || !strings.Contains(out, "| # Old title") {
		t.Fatalf("conflicts output = %q", out)
	}
	if strings.Contains(out, "b.md") {
		t.Fatalf("quarantine entry shown as conflict: %q", out)
	}
}

func TestCLI_Version(t *testing.T) {
	out := mustRun(t, t.TempDir(), "version")
	if !strings.HasPrefix(out, "plaintask ") {
		t.Fatalf("version output = %q", out)
	}
}
