// Package codec maps task records to and from their on-disk text form: a YAML
// front matter block between "---" fences, a blank line, then the notes body.
//
// Encoding is deterministic so identical records always produce identical
// bytes. Metadata keys the codec does not understand are carried through
// verbatim on every round trip.
package codec

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const fence = "---"

// Document is the stored text form of a record.
type Document struct {
	// Meta is the front matter YAML without fences. Always newline terminated
	// when non-empty.
	Meta []byte
	// Body is everything after the blank line that follows the closing fence.
	Body string
}

// Bytes renders the document.
func (d Document) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(len(d.Meta) + len(d.Body) + 16)
	buf.WriteString(fence + "\n")
	buf.Write(d.Meta)
	if len(d.Meta) > 0 && d.Meta[len(d.Meta)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(fence + "\n")
	buf.WriteByte('\n')
	buf.WriteString(d.Body)
	return buf.Bytes()
}

// Parse splits raw file content into metadata and body. A file without an
// opening fence, or with an unterminated block, is malformed.
func Parse(data []byte) (Document, error) {
	text := string(data)
	first, rest, ok := cutLine(text)
	if !ok && first == "" {
		return Document{}, malformed("", "empty document")
	}
	if strings.TrimRight(first, "\r") != fence {
		return Document{}, malformed("", "missing front matter fence")
	}

	var meta strings.Builder
	for {
		line, next, more := cutLine(rest)
		if strings.TrimRight(line, "\r") == fence {
			rest = next
			break
		}
		if !more {
			return Document{}, malformed("", "unterminated front matter")
		}
		meta.WriteString(strings.TrimRight(line, "\r"))
		meta.WriteByte('\n')
		rest = next
	}

	// Exactly one separating blank line belongs to the format, not the body.
	switch {
	case strings.HasPrefix(rest, "\r\n"):
		rest = rest[2:]
	case strings.HasPrefix(rest, "\n"):
		rest = rest[1:]
	}
	return Document{Meta: []byte(meta.String()), Body: rest}, nil
}

// cutLine returns the first line of s without its newline, the remainder, and
// whether a newline was found.
func cutLine(s string) (line, rest string, found bool) {
	i := strings.IndexByte(s, '\n')
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

// Hash returns the content hash used for change detection.
func Hash(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
