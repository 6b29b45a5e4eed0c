package model

import (
	"fmt"
	"strings"
)

// KeyFieldName is the reserved field that addresses a document's own key.
const KeyFieldName = "__name__"

// FieldPath addresses a (possibly nested) field inside a document.
type FieldPath struct {
	segments []string
}

// KeyField is the FieldPath of the document key.
var KeyField = FieldPath{segments: []string{KeyFieldName}}

// NewFieldPath builds a field path from segments.
func NewFieldPath(segments ...string) FieldPath {
	cp := make([]string, len(segments))
	copy(cp, segments)
	return FieldPath{segments: cp}
}

// ParseFieldPath splits a dotted path ("address.city"). Segments may be
// quoted with backticks to contain dots ("`a.b`.c").
func ParseFieldPath(s string) (FieldPath, error) {
	if s == "" {
		return FieldPath{}, fmt.Errorf("invalid field path: empty")
	}
	var (
		segments []string
		cur      strings.Builder
		quoted   bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '`':
			quoted = !quoted
		case c == '\\' && quoted && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == '.' && !quoted:
			if cur.Len() == 0 {
				return FieldPath{}, fmt.Errorf("invalid field path %q: empty segment", s)
			}
			segments = append(segments, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if quoted {
		return FieldPath{}, fmt.Errorf("invalid field path %q: unterminated backtick", s)
	}
	if cur.Len() == 0 {
		return FieldPath{}, fmt.Errorf("invalid field path %q: empty segment", s)
	}
	segments = append(segments, cur.String())
	return FieldPath{segments: segments}, nil
}

// MustFieldPath is ParseFieldPath for literals known to be valid.
func MustFieldPath(s string) FieldPath {
	f, err := ParseFieldPath(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Len returns the number of segments.
func (f FieldPath) Len() int { return len(f.segments) }

// Segment returns the i-th segment.
func (f FieldPath) Segment(i int) string { return f.segments[i] }

// Segments returns a copy of the segments.
func (f FieldPath) Segments() []string {
	cp := make([]string, len(f.segments))
	copy(cp, f.segments)
	return cp
}

// LastSegment returns the final segment.
func (f FieldPath) LastSegment() string {
	if len(f.segments) == 0 {
		return ""
	}
	return f.segments[len(f.segments)-1]
}

// Parent drops the last segment.
func (f FieldPath) Parent() FieldPath {
	if len(f.segments) <= 1 {
		return FieldPath{}
	}
	return FieldPath{segments: f.segments[: len(f.segments)-1 : len(f.segments)-1]}
}

// IsKeyField reports whether f addresses the document key.
func (f FieldPath) IsKeyField() bool {
	return len(f.segments) == 1 && f.segments[0] == KeyFieldName
}

// IsPrefixOf reports whether f is a (non-strict) ancestor of other.
func (f FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(f.segments) > len(other.segments) {
		return false
	}
	for i, s := range f.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}

// Equal reports segment-wise equality.
func (f FieldPath) Equal(other FieldPath) bool {
	if len(f.segments) != len(other.segments) {
		return false
	}
	for i, s := range f.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}

// Compare orders field paths segment-wise by UTF-16 code units.
func (f FieldPath) Compare(other FieldPath) int {
	n := min(len(f.segments), len(other.segments))
	for i := 0; i < n; i++ {
		if c := CompareUTF16(f.segments[i], other.segments[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(f.segments) < len(other.segments):
		return -1
	case len(f.segments) > len(other.segments):
		return 1
	}
	return 0
}

// String returns the canonical dotted form, backtick-quoting segments that
// are not simple identifiers.
func (f FieldPath) String() string {
	parts := make([]string, len(f.segments))
	for i, s := range f.segments {
		if isSimpleIdentifier(s) {
			parts[i] = s
			continue
		}
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, "`", "\\`")
		parts[i] = "`" + s + "`"
	}
	return strings.Join(parts, ".")
}

func isSimpleIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// FieldMask is a set of field paths touched by a mutation. A nil *FieldMask
// means "the whole document".
type FieldMask struct {
	fields []FieldPath
}

// NewFieldMask builds a mask, dropping duplicates.
func NewFieldMask(fields ...FieldPath) *FieldMask {
	m := &FieldMask{}
	for _, f := range fields {
		m.add(f)
	}
	return m
}

// Fields returns the paths in the mask.
func (m *FieldMask) Fields() []FieldPath {
	if m == nil {
		return nil
	}
	out := make([]FieldPath, len(m.fields))
	copy(out, m.fields)
	return out
}

// Len returns the number of paths.
func (m *FieldMask) Len() int {
	if m == nil {
		return 0
	}
	return len(m.fields)
}

// Covers reports whether path or one of its ancestors is in the mask.
func (m *FieldMask) Covers(path FieldPath) bool {
	if m == nil {
		return true
	}
	for _, f := range m.fields {
		if f.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

// Union returns a new mask with the paths of both plus extra.
func (m *FieldMask) Union(other *FieldMask, extra ...FieldPath) *FieldMask {
	out := &FieldMask{}
	for _, f := range m.Fields() {
		out.add(f)
	}
	for _, f := range other.Fields() {
		out.add(f)
	}
	for _, f := range extra {
		out.add(f)
	}
	return out
}

// Equal compares masks as sets; two nil masks are equal.
func (m *FieldMask) Equal(other *FieldMask) bool {
	if m == nil || other == nil {
		return m == nil && other == nil
	}
	if len(m.fields) != len(other.fields) {
		return false
	}
	for _, f := range m.fields {
		if !other.has(f) {
			return false
		}
	}
	return true
}

func (m *FieldMask) has(f FieldPath) bool {
	for _, g := range m.fields {
		if g.Equal(f) {
			return true
		}
	}
	return false
}

func (m *FieldMask) add(f FieldPath) {
	if !m.has(f) {
		m.fields = append(m.fields, f)
	}
}
