// Package filestore is the only code that touches task files. Every write
// goes through a temp file and an atomic rename so a crash leaves either the
// old or the new document, never a torn one.
package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/basket/plaintask/internal/task"
)

// WriteObserver is told about every write and delete so the change watcher
// can ignore the notifications they cause.
type WriteObserver interface {
	BeginWrite(path string)
	EndWrite(path string)
}

type Options struct {
	// FreeSpace reports available bytes on the volume holding dir.
	// Defaults to a statfs lookup.
	FreeSpace func(dir string) (uint64, error)
	Observer  WriteObserver
	Logger    *slog.Logger
}

type Store struct {
	root      string
	freeSpace func(string) (uint64, error)
	observer  WriteObserver
	logger    *slog.Logger

	mu          sync.Mutex
	markerSize  int64
	markerMtime time.Time

	// commitHook runs between the synced temp file and the rename.
	commitHook func(tmp, dst string) error
}

// Open validates the marker under root and returns a Store confined to it.
func Open(root string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("filestore: resolve root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, ioErr("open", abs, err)
	}
	s := &Store{
		root:      resolved,
		freeSpace: opts.FreeSpace,
		observer:  opts.Observer,
		logger:    opts.Logger,
	}
	if s.freeSpace == nil {
		s.freeSpace = freeSpace
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if err := s.checkMarker(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root is the symlink-resolved task directory.
func (s *Store) Root() string { return s.root }

// PathFor returns the absolute path where r is stored.
func (s *Store) PathFor(r task.Record) string {
	return filepath.Join(s.root, RelPathFor(r))
}

// Rel returns path relative to the root, for logs and diagnostics.
func (s *Store) Rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return rel
}

// checkMarker re-reads the marker when it changed since the last check, so
// a directory swapped underneath a running process is noticed.
func (s *Store) checkMarker() error {
	info, err := os.Stat(markerPath(s.root))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &IOError{Op: "check marker", Path: markerPath(s.root), Err: ErrNoMarker}
		}
		return ioErr("check marker", markerPath(s.root), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if info.Size() == s.markerSize && info.ModTime().Equal(s.markerMtime) {
		return nil
	}
	m, err := ReadMarker(s.root)
	if err != nil {
		return err
	}
	if err := checkMarker(m); err != nil {
		return &IOError{Op: "check marker", Path: markerPath(s.root), Err: err}
	}
	s.markerSize = info.Size()
	s.markerMtime = info.ModTime()
	return nil
}

// resolve validates that path stays inside the root, following symlinks on
// the deepest existing ancestor.
func (s *Store) resolve(path string) (string, error) {
	if path == "" {
		return "", &IOError{Op: "resolve", Path: path, Err: ErrOutsideRoot}
	}
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(s.root, cleaned)
	}
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		resolved, err = evalSymlinksPartial(cleaned)
		if err != nil {
			return "", ioErr("resolve", path, err)
		}
	}
	if resolved == s.root || !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return "", &IOError{Op: "resolve", Path: path, Err: ErrOutsideRoot}
	}
	return resolved, nil
}

func evalSymlinksPartial(abs string) (string, error) {
	current := abs
	var trailing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(trailing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, trailing[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s: %w", abs, fs.ErrNotExist)
		}
		trailing = append(trailing, filepath.Base(current))
		current = parent
	}
}

func (s *Store) Read(path string) ([]byte, error) {
	p, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, ioErr("read", path, err)
	}
	return data, nil
}

// WriteAtomic replaces path with data. Readers observe either the previous
// content or data in full. On any failure the previous file is untouched and
// no temp file remains.
func (s *Store) WriteAtomic(path string, data []byte) error {
	if err := s.checkMarker(); err != nil {
		return err
	}
	p, err := s.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioErr("write", path, err)
	}

	need := 2 * uint64(len(data))
	if free, err := s.freeSpace(dir); err != nil {
		s.logger.Warn("free space check failed", "dir", dir, "error", err)
	} else if free < need {
		return &IOError{Op: "write", Path: path, Err: fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, need, free)}
	}

	if s.observer != nil {
		s.observer.BeginWrite(p)
		defer s.observer.EndWrite(p)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+tempInfix+"*")
	if err != nil {
		return ioErr("create temp", path, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return ioErr("write temp", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return ioErr("sync temp", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return ioErr("close temp", tmpName, err)
	}
	if s.commitHook != nil {
		if err := s.commitHook(tmpName, p); err != nil {
			return &IOError{Op: "commit", Path: path, Err: err}
		}
	}
	if err := atomic.ReplaceFile(tmpName, p); err != nil {
		return ioErr("rename", path, err)
	}
	committed = true
	syncDir(dir)
	return nil
}

// Exists reports whether path names an existing file inside the root.
func (s *Store) Exists(path string) bool {
	p, err := s.resolve(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// Delete removes path. A file that is already gone is not an error.
func (s *Store) Delete(path string) error {
	if err := s.checkMarker(); err != nil {
		return err
	}
	p, err := s.resolve(path)
	if err != nil {
		return err
	}
	if s.observer != nil {
		s.observer.BeginWrite(p)
		defer s.observer.EndWrite(p)
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return ioErr("delete", path, err)
	}
	syncDir(filepath.Dir(p))
	return nil
}

// List yields every task file under the root. Each range over the returned
// sequence walks the tree again.
func (s *Store) List() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := s.checkMarker(); err != nil {
			yield("", err)
			return
		}
		stopped := false
		err := filepath.WalkDir(tasksDir(s.root), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == tasksDir(s.root) {
					return filepath.SkipAll
				}
				if !yield(path, ioErr("list", path, err)) {
					stopped = true
					return filepath.SkipAll
				}
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !IsTaskFile(path) {
				return nil
			}
			if !yield(path, nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && !stopped {
			yield("", ioErr("list", tasksDir(s.root), err))
		}
	}
}

// SweepTemp removes staging files left behind by an interrupted write and
// returns how many it removed.
func (s *Store) SweepTemp() (int, error) {
	removed := 0
	err := filepath.WalkDir(tasksDir(s.root), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !IsTempFile(path) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		s.logger.Info("removed stale temp file", "path", s.Rel(path))
		removed++
		return nil
	})
	if err != nil {
		return removed, ioErr("sweep", tasksDir(s.root), err)
	}
	return removed, nil
}

// FreeSpace reports the bytes available to the task directory.
func (s *Store) FreeSpace() (uint64, error) {
	return s.freeSpace(s.root)
}

func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = f.Sync()
	_ = f.Close()
}
