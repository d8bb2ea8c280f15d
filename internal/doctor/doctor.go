package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/plaintask/internal/codec"
	"github.com/basket/plaintask/internal/config"
	"github.com/basket/plaintask/internal/filestore"
	"github.com/basket/plaintask/internal/journal"
	"github.com/basket/plaintask/internal/task"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

// lowSpaceBytes is the free-space level below which the disk check warns.
const lowSpaceBytes = 64 << 20

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Healthy reports whether no check failed.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return false
		}
	}
	return true
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks. It never modifies the task directory
// or the journal.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkMarker,
		checkJournal,
		checkPermissions,
		checkFreeSpace,
		checkTaskFiles,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing (run plaintask init)"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkMarker(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Task Directory", Status: StatusSkip, Message: "Config missing"}
	}
	m, err := filestore.ReadMarker(cfg.Root)
	if err != nil {
		if errors.Is(err, filestore.ErrNoMarker) {
			return CheckResult{Name: "Task Directory", Status: StatusFail, Message: fmt.Sprintf("%s is not initialized", cfg.Root), Detail: "Run plaintask init"}
		}
		return CheckResult{Name: "Task Directory", Status: StatusFail, Message: err.Error()}
	}
	if m.FormatVersion > filestore.FormatVersion {
		return CheckResult{
			Name:    "Task Directory",
			Status:  StatusFail,
			Message: fmt.Sprintf("Format version %d is newer than supported (%d)", m.FormatVersion, filestore.FormatVersion),
		}
	}
	return CheckResult{Name: "Task Directory", Status: StatusPass, Message: fmt.Sprintf("%s (format %d)", cfg.Root, m.FormatVersion)}
}

func checkJournal(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Journal", Status: StatusSkip, Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.JournalPath); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Journal", Status: StatusPass, Message: "No journal yet"}
	}
	j, err := journal.Open(ctx, cfg.JournalPath)
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer j.Close()

	if err := j.Check(ctx); err != nil {
		detail := ""
		if errors.Is(err, journal.ErrCorrupt) {
			detail = "Move the journal aside to start fresh; unflushed edits in it will be lost"
		}
		return CheckResult{Name: "Journal", Status: StatusFail, Message: err.Error(), Detail: detail}
	}
	n, err := j.Len(ctx)
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if n > 0 {
		return CheckResult{Name: "Journal", Status: StatusWarn, Message: fmt.Sprintf("%d unflushed entries", n), Detail: "They are replayed on the next start"}
	}
	return CheckResult{Name: "Journal", Status: StatusPass, Message: "Integrity ok, nothing pending"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	var failed []string
	for _, dir := range uniqueDirs(cfg.HomeDir, cfg.Root, filepath.Dir(cfg.JournalPath)) {
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", dir, err))
			continue
		}
		os.Remove(testFile)
	}
	if len(failed) > 0 {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: "Directory unwritable", Detail: strings.Join(failed, "; ")}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home, task and journal directories writable"}
}

func uniqueDirs(dirs ...string) []string {
	seen := make(map[string]bool, len(dirs))
	var out []string
	for _, d := range dirs {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func checkFreeSpace(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Disk Space", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := filestore.Open(cfg.Root, filestore.Options{})
	if err != nil {
		return CheckResult{Name: "Disk Space", Status: StatusSkip, Message: "Task directory unavailable"}
	}
	free, err := store.FreeSpace()
	if err != nil {
		return CheckResult{Name: "Disk Space", Status: StatusWarn, Message: fmt.Sprintf("Unknown: %v", err)}
	}
	if free < lowSpaceBytes {
		return CheckResult{Name: "Disk Space", Status: StatusWarn, Message: fmt.Sprintf("%d MiB free", free>>20), Detail: "Writes fail once a file no longer fits twice"}
	}
	return CheckResult{Name: "Disk Space", Status: StatusPass, Message: fmt.Sprintf("%d MiB free", free>>20)}
}

// checkTaskFiles decodes every task file and reports the ones that would be
// quarantined on load, plus staging files an interrupted write left behind.
func checkTaskFiles(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Task Files", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := filestore.Open(cfg.Root, filestore.Options{})
	if err != nil {
		return CheckResult{Name: "Task Files", Status: StatusSkip, Message: "Task directory unavailable"}
	}

	var (
		total int
		bad   []string
		seen  = make(map[string]string)
	)
	for path, err := range store.List() {
		if ctx.Err() != nil {
			return CheckResult{Name: "Task Files", Status: StatusSkip, Message: "Cancelled"}
		}
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", store.Rel(path), err))
			continue
		}
		total++
		data, err := store.Read(path)
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", store.Rel(path), err))
			continue
		}
		rec, err := codec.Unmarshal(data)
		if err == nil {
			err = task.Validate(rec)
		}
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", store.Rel(path), err))
			continue
		}
		if prev, dup := seen[rec.ID]; dup {
			bad = append(bad, fmt.Sprintf("%s: duplicate of %s", store.Rel(path), prev))
			continue
		}
		seen[rec.ID] = store.Rel(path)
	}

	temps := countTempFiles(filestore.TasksDir(store.Root()))

	switch {
	case len(bad) > 0:
		return CheckResult{
			Name:    "Task Files",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d files would be quarantined", len(bad), total),
			Detail:  strings.Join(bad, "; "),
		}
	case temps > 0:
		return CheckResult{
			Name:    "Task Files",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d task files ok, %d leftover temp files", total, temps),
			Detail:  "They are removed on the next start",
		}
	}
	return CheckResult{Name: "Task Files", Status: StatusPass, Message: fmt.Sprintf("%d task files ok", total)}
}

func countTempFiles(dir string) int {
	n := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && filestore.IsTempFile(path) {
			n++
		}
		return nil
	})
	return n
}
