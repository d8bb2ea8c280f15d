package filestore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// FormatVersion is the on-disk layout version written by this build.
const FormatVersion = 1

// MarkerName is the hidden file at the root of a task directory.
const MarkerName = ".plaintask.yaml"

// Marker records which layout version created a task directory.
type Marker struct {
	FormatVersion int       `yaml:"format_version"`
	Created       time.Time `yaml:"created"`
}

func markerPath(root string) string {
	return filepath.Join(root, MarkerName)
}

// ReadMarker loads the marker under root. A missing marker is ErrNoMarker.
func ReadMarker(root string) (Marker, error) {
	data, err := os.ReadFile(markerPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, &IOError{Op: "read marker", Path: markerPath(root), Err: ErrNoMarker}
		}
		return Marker{}, ioErr("read marker", markerPath(root), err)
	}
	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Marker{}, &IOError{Op: "parse marker", Path: markerPath(root), Err: err}
	}
	if m.FormatVersion <= 0 {
		return Marker{}, &IOError{Op: "parse marker", Path: markerPath(root), Err: fmt.Errorf("invalid format_version %d", m.FormatVersion)}
	}
	return m, nil
}

func checkMarker(m Marker) error {
	if m.FormatVersion > FormatVersion {
		return fmt.Errorf("%w: directory version %d, supported %d", ErrIncompatibleVersion, m.FormatVersion, FormatVersion)
	}
	return nil
}

// Init prepares root as a task directory: the active and archive trees and
// the marker. An existing compatible marker is left untouched; one that
// cannot be read is reported, not replaced.
func Init(root string, now time.Time) (Marker, error) {
	for _, dir := range []string{activeDir(root), archiveDir(root)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Marker{}, ioErr("init", dir, err)
		}
	}
	m, err := ReadMarker(root)
	switch {
	case err == nil:
		if err := checkMarker(m); err != nil {
			return Marker{}, &IOError{Op: "init", Path: markerPath(root), Err: err}
		}
		return m, nil
	case !errors.Is(err, ErrNoMarker):
		// An unreadable marker may belong to a newer build; leave it alone.
		return Marker{}, err
	}

	m = Marker{FormatVersion: FormatVersion, Created: now.UTC()}
	data, err := yaml.Marshal(m)
	if err != nil {
		return Marker{}, fmt.Errorf("marshal marker: %w", err)
	}
	if err := atomic.WriteFile(markerPath(root), bytes.NewReader(data)); err != nil {
		return Marker{}, ioErr("write marker", markerPath(root), err)
	}
	return m, nil
}
