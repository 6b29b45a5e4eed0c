package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	p, err := ParsePath("/rooms/eros/messages/")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, "rooms/eros/messages", p.String())
	assert.Equal(t, "messages", p.LastSegment())

	_, err = ParsePath("rooms//eros")
	assert.Error(t, err)

	root, err := ParsePath("")
	require.NoError(t, err)
	assert.True(t, root.IsEmpty())
}

func TestResourcePath_Prefixes(t *testing.T) {
	rooms := MustParsePath("rooms")
	doc := MustParsePath("rooms/eros")

	assert.True(t, rooms.IsPrefixOf(doc))
	assert.True(t, rooms.IsImmediateParentOf(doc))
	assert.False(t, doc.IsPrefixOf(rooms))
	assert.True(t, EmptyPath.IsPrefixOf(doc))
	assert.False(t, EmptyPath.IsImmediateParentOf(doc))
	assert.True(t, doc.Parent().Equal(rooms))
}

func TestResourcePath_ChildDoesNotAlias(t *testing.T) {
	base := MustParsePath("a/b/c")
	x := base.Parent().Child("x")
	y := base.Parent().Child("y")

	assert.Equal(t, "a/b/x", x.String())
	assert.Equal(t, "a/b/y", y.String())
	assert.Equal(t, "a/b/c", base.String())
}

func TestCompareSegments_Numeric(t *testing.T) {
	// Numeric ids compare as integers and sort ahead of strings.
	assert.Equal(t, -1, CompareSegments("2", "10"))
	assert.Equal(t, 1, CompareSegments("10", "2"))
	assert.Equal(t, -1, CompareSegments("999", "a"))
	assert.Equal(t, 1, CompareSegments("abc", "42"))
	assert.Equal(t, -1, CompareSegments("-5", "3"))
	assert.Equal(t, 0, CompareSegments("7", "7"))
	assert.Equal(t, -1, CompareSegments("a", "b"))
}

func TestResourcePath_Compare(t *testing.T) {
	assert.Equal(t, -1, MustParsePath("a").Compare(MustParsePath("a/b")))
	assert.Equal(t, -1, MustParsePath("c/2").Compare(MustParsePath("c/10")))
	assert.Equal(t, 0, MustParsePath("c/x").Compare(MustParsePath("c/x")))
}

func TestCompareUTF16_SupplementaryCharacters(t *testing.T) {
	// U+FF61 is a single code unit, U+1F600 is a surrogate pair starting
	// with 0xD83D, so in UTF-16 order the emoji sorts first even though its
	// UTF-8 encoding is larger.
	halfwidth := "｡"
	emoji := "\U0001F600"

	assert.Equal(t, 1, CompareUTF16(halfwidth, emoji))
	assert.Equal(t, -1, CompareUTF16(emoji, halfwidth))
	assert.Equal(t, 0, CompareUTF16(emoji, emoji))
}

func TestDocumentKey(t *testing.T) {
	k := MustKey("rooms/eros/messages/1")
	assert.Equal(t, "1", k.ID())
	assert.Equal(t, "messages", k.CollectionGroup())
	assert.Equal(t, "rooms/eros/messages", k.CollectionPath().String())
	assert.True(t, k.HasCollectionID("messages"))

	_, err := ParseKey("rooms")
	assert.Error(t, err, "odd-length paths name collections")
}

func TestDocumentKeySet(t *testing.T) {
	s := NewKeySet(MustKey("c/b"), MustKey("c/a"), MustKey("c/10"), MustKey("c/2"))
	assert.Equal(t, []DocumentKey{MustKey("c/2"), MustKey("c/10"), MustKey("c/a"), MustKey("c/b")}, s.Sorted())

	u := s.Union(NewKeySet(MustKey("d/x")))
	assert.Equal(t, 5, u.Len())
	assert.Equal(t, 4, s.Len())

	var empty DocumentKeySet
	assert.False(t, empty.Has(MustKey("c/a")))
}

func TestDatabaseID_ResourceName(t *testing.T) {
	db := DatabaseID{ProjectID: "p"}
	assert.Equal(t, "projects/p/databases/(default)/documents/coll/doc", db.ResourceName(MustKey("coll/doc")))
}

func TestParseFieldPath(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"a", []string{"a"}},
		{"a.b.c", []string{"a", "b", "c"}},
		{"`a.b`.c", []string{"a.b", "c"}},
		{"`x\\`y`", []string{"x`y"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			f, err := ParseFieldPath(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Segments())
		})
	}

	for _, bad := range []string{"", "a..b", "`open", "a."} {
		_, err := ParseFieldPath(bad)
		assert.Error(t, err, bad)
	}
}

func TestFieldPath_StringRoundTrip(t *testing.T) {
	f := NewFieldPath("a.b", "c", "1x")
	assert.Equal(t, "`a.b`.c.`1x`", f.String())

	back, err := ParseFieldPath(f.String())
	require.NoError(t, err)
	assert.True(t, back.Equal(f))
}

func TestFieldPath_Parent(t *testing.T) {
	f := MustFieldPath("a.b.c")
	parent := f.Parent()

	assert.Equal(t, "a.b", parent.String())
	assert.True(t, parent.IsPrefixOf(f))
	assert.Equal(t, "a.b.c", f.String())
	assert.Zero(t, MustFieldPath("a").Parent().Len())
}

func TestFieldMask(t *testing.T) {
	m := NewFieldMask(MustFieldPath("a"), MustFieldPath("b.c"), MustFieldPath("a"))
	assert.Equal(t, 2, m.Len())
	assert.True(t, m.Covers(MustFieldPath("a.x")))
	assert.True(t, m.Covers(MustFieldPath("b.c")))
	assert.False(t, m.Covers(MustFieldPath("b")))

	var whole *FieldMask
	assert.True(t, whole.Covers(MustFieldPath("anything")))

	u := m.Union(NewFieldMask(MustFieldPath("d")), MustFieldPath("e"))
	assert.Equal(t, 4, u.Len())
	assert.True(t, u.Equal(NewFieldMask(MustFieldPath("e"), MustFieldPath("d"), MustFieldPath("b.c"), MustFieldPath("a"))))
}
