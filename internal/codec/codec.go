package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/plaintask/internal/task"
)

// TimeLayout is the only accepted date format: RFC 3339 with optional
// fractional seconds and a mandatory zone. Dates are written in UTC.
const TimeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// Metadata keys, in emission order.
const (
	keyID        = "id"
	keyTitle     = "title"
	keyStatus    = "status"
	keyPriority  = "priority"
	keyFlagged   = "flagged"
	keyProject   = "project"
	keyContext   = "context"
	keyTags      = "tags"
	keyDue       = "due"
	keyDefer     = "defer"
	keyEffort    = "effort"
	keyParent    = "parent"
	keyChildren  = "children"
	keyCreated   = "created"
	keyModified  = "modified"
	keyCompleted = "completed"
)

var knownKeys = map[string]bool{
	keyID: true, keyTitle: true, keyStatus: true, keyPriority: true, keyFlagged: true,
	keyProject: true, keyContext: true, keyTags: true, keyDue: true, keyDefer: true,
	keyEffort: true, keyParent: true, keyChildren: true, keyCreated: true,
	keyModified: true, keyCompleted: true,
}

// Encode renders r as a document. Equal records always encode to the same
// bytes.
func Encode(r task.Record) (Document, error) {
	m := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key string, val *yaml.Node) {
		m.Content = append(m.Content, strNode(key), val)
	}

	add(keyID, strNode(r.ID))
	add(keyTitle, strNode(r.Title))
	add(keyStatus, strNode(string(r.Status)))
	add(keyPriority, strNode(string(r.Priority)))
	if r.Flagged {
		add(keyFlagged, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: "true"})
	}
	if r.Project != "" {
		add(keyProject, strNode(r.Project))
	}
	if r.Context != "" {
		add(keyContext, strNode(r.Context))
	}
	if len(r.Tags) > 0 {
		add(keyTags, listNode(r.Tags))
	}
	if r.Due != nil {
		add(keyDue, timeNode(*r.Due))
	}
	if r.Defer != nil {
		add(keyDefer, timeNode(*r.Defer))
	}
	if r.Effort != nil {
		add(keyEffort, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(*r.Effort)})
	}
	if r.Parent != "" {
		add(keyParent, strNode(r.Parent))
	}
	if len(r.Children) > 0 {
		add(keyChildren, listNode(r.Children))
	}
	add(keyCreated, timeNode(r.Created))
	add(keyModified, timeNode(r.Modified))
	if r.Completed != nil {
		add(keyCompleted, timeNode(*r.Completed))
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return Document{}, fmt.Errorf("encode metadata for %s: %w", r.ID, err)
	}
	if err := enc.Close(); err != nil {
		return Document{}, fmt.Errorf("encode metadata for %s: %w", r.ID, err)
	}
	for _, extra := range r.Extra {
		buf.WriteString(extra.Raw)
		if !strings.HasSuffix(extra.Raw, "\n") {
			buf.WriteByte('\n')
		}
	}
	return Document{Meta: buf.Bytes(), Body: r.Notes}, nil
}

// Marshal encodes r straight to file bytes.
func Marshal(r task.Record) ([]byte, error) {
	doc, err := Encode(r)
	if err != nil {
		return nil, err
	}
	return doc.Bytes(), nil
}

// ContentHash is the hash of r's encoded form.
func ContentHash(r task.Record) (string, error) {
	data, err := Marshal(r)
	if err != nil {
		return "", err
	}
	return Hash(data), nil
}

// Unmarshal parses and decodes raw file bytes. The returned record's Hash is
// the hash of data exactly as given.
func Unmarshal(data []byte) (task.Record, error) {
	doc, err := Parse(data)
	if err != nil {
		return task.Record{}, err
	}
	r, err := decode(doc)
	if err != nil {
		return task.Record{}, err
	}
	r.Hash = Hash(data)
	return r, nil
}

// Decode turns a document back into a record. Unknown keys are kept in
// Record.Extra with their original text.
func Decode(doc Document) (task.Record, error) {
	r, err := decode(doc)
	if err != nil {
		return task.Record{}, err
	}
	r.Hash = Hash(doc.Bytes())
	return r, nil
}

func decode(doc Document) (task.Record, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc.Meta, &root); err != nil {
		return task.Record{}, malformed("", err.Error())
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return task.Record{}, missing(keyID)
	}
	m := root.Content[0]
	if m.Kind != yaml.MappingNode {
		return task.Record{}, malformed("", "front matter is not a key/value map")
	}

	lines := strings.SplitAfter(string(doc.Meta), "\n")
	flow := m.Style&yaml.FlowStyle != 0
	r := task.Record{Notes: doc.Body, Priority: task.PriorityNone}
	seen := make(map[string]bool, len(m.Content)/2)
	var have struct{ id, title, status, created, modified bool }

	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return task.Record{}, malformed("", fmt.Sprintf("non-scalar key at line %d", k.Line))
		}
		key := k.Value
		if seen[key] {
			return task.Record{}, malformed(key, "duplicate key")
		}
		seen[key] = true

		if !knownKeys[key] {
			if err := checkExtraValue(key, v); err != nil {
				return task.Record{}, err
			}
			// Verbatim lines only exist for block entries that own their
			// lines. Flow mappings are re-encoded one entry at a time.
			if flow || sharesLine(m.Content, i) {
				raw, err := reencode(k, v)
				if err != nil {
					return task.Record{}, malformed(key, err.Error())
				}
				r.Extra = append(r.Extra, task.ExtraField{Key: key, Raw: raw})
				continue
			}
			end := len(lines)
			if i+2 < len(m.Content) {
				end = m.Content[i+2].Line - 1
			}
			r.Extra = append(r.Extra, task.ExtraField{Key: key, Raw: rawEntry(lines, k.Line-1, end)})
			continue
		}

		var err error
		switch key {
		case keyID:
			r.ID, err = stringValue(key, v)
			have.id = r.ID != ""
		case keyTitle:
			r.Title, err = stringValue(key, v)
			have.title = strings.TrimSpace(r.Title) != ""
		case keyStatus:
			var s string
			if s, err = stringValue(key, v); err == nil && s != "" {
				r.Status, err = task.ParseStatus(s)
				err = enumErr(key, err)
				have.status = err == nil
			}
		case keyPriority:
			var s string
			if s, err = stringValue(key, v); err == nil && s != "" {
				r.Priority, err = task.ParsePriority(s)
				err = enumErr(key, err)
			}
		case keyFlagged:
			r.Flagged, err = boolValue(key, v)
		case keyProject:
			r.Project, err = stringValue(key, v)
		case keyContext:
			r.Context, err = stringValue(key, v)
		case keyTags:
			r.Tags, err = listValue(key, v)
		case keyDue:
			r.Due, err = optionalTime(key, v)
		case keyDefer:
			r.Defer, err = optionalTime(key, v)
		case keyEffort:
			r.Effort, err = intValue(key, v)
		case keyParent:
			r.Parent, err = stringValue(key, v)
		case keyChildren:
			r.Children, err = listValue(key, v)
		case keyCreated:
			var t *time.Time
			if t, err = optionalTime(key, v); t != nil {
				r.Created, have.created = *t, true
			}
		case keyModified:
			var t *time.Time
			if t, err = optionalTime(key, v); t != nil {
				r.Modified, have.modified = *t, true
			}
		case keyCompleted:
			r.Completed, err = optionalTime(key, v)
		}
		if err != nil {
			return task.Record{}, err
		}
	}

	switch {
	case !have.id:
		return task.Record{}, missing(keyID)
	case !have.title:
		return task.Record{}, missing(keyTitle)
	case !have.status:
		return task.Record{}, missing(keyStatus)
	case !have.created:
		return task.Record{}, missing(keyCreated)
	case !have.modified:
		return task.Record{}, missing(keyModified)
	}
	return r, nil
}

// sharesLine reports whether the key at content[i] starts on the same line
// as a neighbouring key.
func sharesLine(content []*yaml.Node, i int) bool {
	line := content[i].Line
	return (i >= 2 && content[i-2].Line == line) || (i+2 < len(content) && content[i+2].Line == line)
}

// rawEntry joins lines[from:to] and drops trailing blank lines.
func rawEntry(lines []string, from, to int) string {
	if to > len(lines) {
		to = len(lines)
	}
	for to > from && strings.TrimSpace(lines[to-1]) == "" {
		to--
	}
	return strings.Join(lines[from:to], "")
}

func reencode(k, v *yaml.Node) (string, error) {
	out, err := yaml.Marshal(&yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{k, v}})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func strNode(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func timeNode(t time.Time) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!timestamp", Value: FormatTime(t)}
}

func listNode(items []string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, it := range items {
		n.Content = append(n.Content, strNode(it))
	}
	return n
}

// FormatTime renders t in the fixed layout, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses the fixed layout. Dates without a zone, dates in other
// layouts and years outside 1970..9999 are rejected.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	if !task.InRange(t) {
		return time.Time{}, fmt.Errorf("year %d out of range", t.UTC().Year())
	}
	return t.UTC(), nil
}

func isNull(v *yaml.Node) bool {
	return v.Kind == yaml.ScalarNode && v.Tag == "!!null"
}

func stringValue(key string, v *yaml.Node) (string, error) {
	if isNull(v) {
		return "", nil
	}
	if v.Kind != yaml.ScalarNode {
		return "", malformed(key, "expected a string")
	}
	return v.Value, nil
}

func boolValue(key string, v *yaml.Node) (bool, error) {
	if v.Kind != yaml.ScalarNode || v.Tag != "!!bool" {
		return false, malformed(key, "expected true or false")
	}
	b, err := strconv.ParseBool(strings.ToLower(v.Value))
	if err != nil {
		return false, malformed(key, err.Error())
	}
	return b, nil
}

func intValue(key string, v *yaml.Node) (*int, error) {
	if isNull(v) {
		return nil, nil
	}
	if v.Kind != yaml.ScalarNode || v.Tag != "!!int" {
		return nil, malformed(key, "expected an integer")
	}
	n, err := strconv.Atoi(v.Value)
	if err != nil {
		return nil, malformed(key, err.Error())
	}
	return &n, nil
}

func listValue(key string, v *yaml.Node) ([]string, error) {
	if isNull(v) {
		return nil, nil
	}
	if v.Kind != yaml.SequenceNode {
		return nil, malformed(key, "expected a list")
	}
	if len(v.Content) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(v.Content))
	for _, item := range v.Content {
		if item.Kind != yaml.ScalarNode || isNull(item) {
			return nil, malformed(key, "list items must be strings")
		}
		out = append(out, item.Value)
	}
	return out, nil
}

func optionalTime(key string, v *yaml.Node) (*time.Time, error) {
	if isNull(v) {
		return nil, nil
	}
	if v.Kind != yaml.ScalarNode {
		return nil, &DecodeError{Kind: ErrInvalidTimestamp, Field: key, Detail: "expected a timestamp"}
	}
	t, err := ParseTime(v.Value)
	if err != nil {
		return nil, &DecodeError{Kind: ErrInvalidTimestamp, Field: key, Detail: err.Error()}
	}
	return &t, nil
}

func enumErr(key string, err error) error {
	if err == nil {
		return nil
	}
	return &DecodeError{Kind: ErrInvalidEnumValue, Field: key, Detail: err.Error()}
}

// checkExtraValue keeps unknown entries within the metadata value types:
// scalars and flat lists of scalars.
func checkExtraValue(key string, v *yaml.Node) error {
	switch v.Kind {
	case yaml.ScalarNode:
		return nil
	case yaml.SequenceNode:
		for _, item := range v.Content {
			if item.Kind != yaml.ScalarNode {
				return malformed(key, "nested values are not supported")
			}
		}
		return nil
	default:
		return malformed(key, "nested values are not supported")
	}
}
