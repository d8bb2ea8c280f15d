package filestore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/basket/plaintask/internal/task"
)

const (
	tasksDirName   = "tasks"
	activeDirName  = "active"
	archiveDirName = "archive"
	fileExt        = ".md"
	maxSlugLen     = 48
	tempInfix      = ".tmp-"
)

func tasksDir(root string) string   { return filepath.Join(root, tasksDirName) }
func activeDir(root string) string  { return filepath.Join(root, tasksDirName, activeDirName) }
func archiveDir(root string) string { return filepath.Join(root, tasksDirName, archiveDirName) }

// TasksDir is the subtree holding every task file under root.
func TasksDir(root string) string { return tasksDir(root) }

// RelPathFor returns where r lives relative to the task directory root:
// tasks/{active|archive}/<yyyy>/<mm>/<id>-<slug>.md, partitioned by the
// record's creation month so listings stay bounded.
func RelPathFor(r task.Record) string {
	tree := activeDirName
	if r.IsArchived() {
		tree = archiveDirName
	}
	created := r.Created.UTC()
	return filepath.Join(
		tasksDirName,
		tree,
		fmt.Sprintf("%04d", created.Year()),
		fmt.Sprintf("%02d", int(created.Month())),
		r.ID+"-"+Slug(r.Title)+fileExt,
	)
}

// Slug turns a title into a short file-name-safe fragment.
func Slug(title string) string {
	var b strings.Builder
	dash := false
	for _, c := range strings.ToLower(title) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	if s == "" {
		return "task"
	}
	return s
}

// IDFromPath extracts the record identifier from a task file name.
func IDFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, fileExt) || len(base) < 36+len(fileExt) {
		return "", false
	}
	id := base[:36]
	if !task.IsID(id) {
		return "", false
	}
	rest := base[36 : len(base)-len(fileExt)]
	if rest != "" && !strings.HasPrefix(rest, "-") {
		return "", false
	}
	return id, true
}

// IsTaskFile reports whether path names a task document rather than a
// hidden file, temp file or stray file.
func IsTaskFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.Contains(base, tempInfix) {
		return false
	}
	return strings.HasSuffix(base, fileExt)
}

// IsTempFile reports whether path is a staging file left by WriteAtomic.
func IsTempFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && strings.Contains(base, tempInfix)
}
