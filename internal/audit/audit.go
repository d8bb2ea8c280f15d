// Package audit keeps an append-only record of decisions the engine made on
// the user's behalf: conflicts it settled and files it quarantined. Each
// entry carries enough of the losing side to recover it by hand.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/plaintask/internal/codec"
	"github.com/basket/plaintask/internal/reconcile"
)

const (
	KindConflict   = "conflict"
	KindQuarantine = "quarantine"
)

type Entry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	TaskID    string `json:"task_id,omitempty"`
	Path      string `json:"path"`
	// Decision is the conflict state reached, or the quarantine reason.
	Decision string `json:"decision"`
	// Discarded is the document that lost. Empty when the disk side was a
	// deletion.
	Discarded string `json:"discarded,omitempty"`
}

// Path returns the audit log location under homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

type Log struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(Path(homeDir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, now: time.Now}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record appends e, stamping it if Timestamp is empty.
func (l *Log) Record(e Entry) error {
	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	_, err = l.file.Write(append(b, '\n'))
	return err
}

// Handler wraps next so every conflict and its resolution is recorded.
func (l *Log) Handler(next reconcile.Handler) reconcile.Handler {
	return func(ctx context.Context, c reconcile.Conflict) reconcile.Resolution {
		res := next(ctx, c)
		e := Entry{
			Kind:     KindConflict,
			TaskID:   c.ID,
			Path:     c.Path,
			Decision: string(res.State()),
		}
		loser := c.Disk
		if res.Choice == reconcile.KeepDisk {
			loser = c.Local
		}
		if loser != nil {
			if doc, err := codec.Marshal(*loser); err == nil {
				e.Discarded = string(doc)
			}
		}
		_ = l.Record(e)
		return res
	}
}

// Read returns every entry in the log under homeDir, oldest first. A
// missing log is empty. Lines that do not parse are skipped.
func Read(homeDir string) ([]Entry, error) {
	f, err := os.Open(Path(homeDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}
