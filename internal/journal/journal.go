// Package journal is the write-ahead log for accepted mutations that have
// not reached their task file yet. An entry is durable when Append returns;
// it is acknowledged once the file write that supersedes it succeeds.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "pt-v1-pending-entries"

	busyRetries = 5
)

var ErrCorrupt = errors.New("journal corrupt")

type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Entry is one pending mutation. Document is the encoded task for OpPut and
// empty for OpDelete. PrevPath is set when the mutation moved the file.
type Entry struct {
	Seq       int64
	TaskID    string
	Op        Op
	Path      string
	PrevPath  string
	Document  []byte
	CreatedAt time.Time
}

type Journal struct {
	db   *sql.DB
	path string
}

// Open opens or creates the journal database at path. A file that SQLite
// cannot read as a database, or that fails its integrity check, is
// ErrCorrupt; the caller decides how to recover.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, path: path}
	if err := j.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, classify(err)
	}
	if err := j.Check(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, classify(err)
	}
	return j, nil
}

func (j *Journal) Path() string { return j.path }

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	switch {
	case maxVersion > schemaVersion:
		return fmt.Errorf("journal schema version %d is newer than supported %d", maxVersion, schemaVersion)
	case maxVersion == schemaVersion:
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if checksum != schemaChecksum {
			return fmt.Errorf("%w: schema checksum mismatch for version %d: got %q want %q", ErrCorrupt, schemaVersion, checksum, schemaChecksum)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pending (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			op TEXT NOT NULL CHECK(op IN ('put', 'delete')),
			path TEXT NOT NULL,
			prev_path TEXT NOT NULL DEFAULT '',
			document BLOB,
			created_at DATETIME NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create pending: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_pending_task ON pending(task_id, seq);`); err != nil {
		return fmt.Errorf("create pending index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// Append records e and returns its sequence number. With synchronous=FULL
// the entry is on stable storage when Append returns.
func (j *Journal) Append(ctx context.Context, e Entry) (int64, error) {
	seqs, err := j.AppendBatch(ctx, []Entry{e})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch records entries in one transaction: either all of them are
// durable or none is.
func (j *Journal) AppendBatch(ctx context.Context, entries []Entry) ([]int64, error) {
	for _, e := range entries {
		if e.Op != OpPut && e.Op != OpDelete {
			return nil, fmt.Errorf("journal: unknown op %q", e.Op)
		}
	}
	var seqs []int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		seqs = seqs[:0]
		tx, err := j.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		for _, e := range entries {
			created := e.CreatedAt
			if created.IsZero() {
				created = time.Now()
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO pending (task_id, op, path, prev_path, document, created_at)
				VALUES (?, ?, ?, ?, ?, ?);
			`, e.TaskID, string(e.Op), e.Path, e.PrevPath, e.Document, created.UTC())
			if err != nil {
				return err
			}
			seq, err := res.LastInsertId()
			if err != nil {
				return err
			}
			seqs = append(seqs, seq)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("journal append: %w", classify(err))
	}
	return seqs, nil
}

// Pending returns every unacknowledged entry in sequence order.
func (j *Journal) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, task_id, op, path, prev_path, document, created_at
		FROM pending ORDER BY seq ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("journal pending: %w", classify(err))
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			op string
		)
		if err := rows.Scan(&e.Seq, &e.TaskID, &op, &e.Path, &e.PrevPath, &e.Document, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", ErrCorrupt, err)
		}
		e.Op = Op(op)
		if e.Op != OpPut && e.Op != OpDelete {
			return nil, fmt.Errorf("%w: entry %d has unknown op %q", ErrCorrupt, e.Seq, op)
		}
		if e.TaskID == "" || e.Path == "" {
			return nil, fmt.Errorf("%w: entry %d is incomplete", ErrCorrupt, e.Seq)
		}
		if e.Op == OpPut && len(e.Document) == 0 {
			return nil, fmt.Errorf("%w: put entry %d has no document", ErrCorrupt, e.Seq)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal pending: %w", classify(err))
	}
	return out, nil
}

// Ack drops entries for taskID up to and including seq. Later entries for
// the same task stay pending.
func (j *Journal) Ack(ctx context.Context, taskID string, seq int64) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := j.db.ExecContext(ctx, `DELETE FROM pending WHERE task_id = ? AND seq <= ?;`, taskID, seq)
		return err
	})
	if err != nil {
		return fmt.Errorf("journal ack %s: %w", taskID, classify(err))
	}
	return nil
}

// Len is the number of pending entries.
func (j *Journal) Len(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal len: %w", classify(err))
	}
	return n, nil
}

// Checkpoint folds the SQLite WAL back into the main database file.
func (j *Journal) Checkpoint(ctx context.Context) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := j.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`)
		return err
	})
	if err != nil {
		return fmt.Errorf("journal checkpoint: %w", classify(err))
	}
	return nil
}

// Check runs SQLite's integrity check. Any finding is ErrCorrupt.
func (j *Journal) Check(ctx context.Context) error {
	rows, err := j.db.QueryContext(ctx, `PRAGMA integrity_check;`)
	if err != nil {
		return fmt.Errorf("journal integrity check: %w", classify(err))
	}
	defer rows.Close()
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("%w: integrity check: %v", ErrCorrupt, err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("journal integrity check: %w", classify(err))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrCorrupt, strings.Join(problems, "; "))
	}
	return nil
}

// classify maps SQLite's corruption codes onto ErrCorrupt.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrCorrupt) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB) {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return err
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
