package model

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
)

// ResourcePath is an immutable slash-separated path into the collection
// hierarchy ("rooms/eros/messages/1").
//
// Even-length paths name documents, odd-length paths name collections.
type ResourcePath struct {
	segments []string
}

// EmptyPath is the root of the hierarchy.
var EmptyPath = ResourcePath{}

// NewResourcePath builds a path from already-split segments.
func NewResourcePath(segments ...string) ResourcePath {
	if len(segments) == 0 {
		return EmptyPath
	}
	cp := make([]string, len(segments))
	copy(cp, segments)
	return ResourcePath{segments: cp}
}

// ParsePath splits a canonical path string. Leading and trailing slashes are
// ignored; empty segments are rejected.
func ParsePath(s string) (ResourcePath, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return EmptyPath, nil
	}
	parts := strings.Split(s, "/")
	for i, p := range parts {
		if p == "" {
			return EmptyPath, fmt.Errorf("invalid path %q: empty segment at %d", s, i)
		}
	}
	return ResourcePath{segments: parts}, nil
}

// MustParsePath is ParsePath for literals known to be valid.
func MustParsePath(s string) ResourcePath {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of segments.
func (p ResourcePath) Len() int { return len(p.segments) }

// IsEmpty reports whether p is the root path.
func (p ResourcePath) IsEmpty() bool { return len(p.segments) == 0 }

// Segment returns the i-th segment.
func (p ResourcePath) Segment(i int) string { return p.segments[i] }

// Segments returns a copy of the segments.
func (p ResourcePath) Segments() []string {
	cp := make([]string, len(p.segments))
	copy(cp, p.segments)
	return cp
}

// LastSegment returns the final segment or "" for the root.
func (p ResourcePath) LastSegment() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Parent returns p without its last segment.
func (p ResourcePath) Parent() ResourcePath {
	if len(p.segments) <= 1 {
		return EmptyPath
	}
	return ResourcePath{segments: p.segments[: len(p.segments)-1 : len(p.segments)-1]}
}

// Child appends segments, never aliasing p's storage.
func (p ResourcePath) Child(segments ...string) ResourcePath {
	out := make([]string, 0, len(p.segments)+len(segments))
	out = append(out, p.segments...)
	out = append(out, segments...)
	return ResourcePath{segments: out}
}

// IsPrefixOf reports whether every segment of p leads other.
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p.segments) > len(other.segments) {
		return false
	}
	for i, s := range p.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}

// IsImmediateParentOf reports whether other is exactly one segment below p.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p.segments)+1 == len(other.segments) && p.IsPrefixOf(other)
}

// Equal reports segment-wise equality.
func (p ResourcePath) Equal(other ResourcePath) bool {
	return p.Compare(other) == 0
}

// Compare orders paths segment by segment using CompareSegments; a proper
// prefix sorts first.
func (p ResourcePath) Compare(other ResourcePath) int {
	n := min(len(p.segments), len(other.segments))
	for i := 0; i < n; i++ {
		if c := CompareSegments(p.segments[i], other.segments[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p.segments) < len(other.segments):
		return -1
	case len(p.segments) > len(other.segments):
		return 1
	}
	return 0
}

// String returns the canonical slash-joined form.
func (p ResourcePath) String() string {
	return strings.Join(p.segments, "/")
}

// CompareSegments orders two path segments.
//
// Two numeric segments compare as integers, and a numeric segment sorts
// before any non-numeric one. Everything else compares by UTF-16 code units,
// which keeps ordering stable for characters outside the BMP.
func CompareSegments(a, b string) int {
	an, aNum := numericSegment(a)
	bn, bNum := numericSegment(b)
	switch {
	case aNum && bNum:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return CompareUTF16(a, b)
}

func numericSegment(s string) (int64, bool) {
	if s == "" || len(s) > 20 {
		return 0, false
	}
	start := 0
	if s[0] == '-' {
		start = 1
		if len(s) == 1 {
			return 0, false
		}
	}
	for i := start; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// CompareUTF16 compares strings by UTF-16 code units. Go's native string
// comparison is by UTF-8 bytes, which disagrees for supplementary characters.
func CompareUTF16(a, b string) int {
	if isASCII(a) && isASCII(b) {
		return strings.Compare(a, b)
	}
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
