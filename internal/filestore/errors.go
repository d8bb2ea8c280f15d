package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

var (
	ErrInsufficientSpace   = errors.New("insufficient free space")
	ErrPermission          = errors.New("permission denied")
	ErrNotFound            = errors.New("path not found")
	ErrOutsideRoot         = errors.New("path outside task directory")
	ErrNoMarker            = errors.New("task directory marker missing")
	ErrIncompatibleVersion = errors.New("task directory format is newer than supported")
)

// IOError is returned by every Store operation that touches the filesystem.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ioErr classifies err so callers can match on the package sentinels while
// the original cause stays reachable.
func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var kind error
	switch {
	case errors.Is(err, fs.ErrPermission):
		kind = ErrPermission
	case errors.Is(err, fs.ErrNotExist):
		kind = ErrNotFound
	case errors.Is(err, syscall.ENOSPC):
		kind = ErrInsufficientSpace
	}
	if kind != nil {
		err = fmt.Errorf("%w: %w", kind, err)
	}
	return &IOError{Op: op, Path: path, Err: err}
}
