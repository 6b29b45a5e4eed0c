package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
	"github.com/roach88/docsync/internal/testutil"
)

func TestDocumentSet_OrdersByQuery(t *testing.T) {
	q := testutil.Query("rooms").OrderBy(model.MustFieldPath("n"), query.Descending)
	s := NewDocumentSet(q.Comparator())
	s.Add(testutil.Doc("rooms/a", 1, map[string]any{"n": 1}))
	s.Add(testutil.Doc("rooms/b", 1, map[string]any{"n": 3}))
	s.Add(testutil.Doc("rooms/c", 1, map[string]any{"n": 2}))

	assert.Equal(t, []string{"rooms/b", "rooms/c", "rooms/a"}, keyStrings(s.Keys()))
	assert.Equal(t, "rooms/b", s.First().Key().String())
	assert.Equal(t, "rooms/a", s.Last().Key().String())

	s.Add(testutil.Doc("rooms/b", 2, map[string]any{"n": 0}))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"rooms/c", "rooms/a", "rooms/b"}, keyStrings(s.Keys()))

	s.Delete(testutil.Key("rooms/c"))
	s.Delete(testutil.Key("rooms/missing"))
	assert.Equal(t, []string{"rooms/a", "rooms/b"}, keyStrings(s.Keys()))
	assert.False(t, s.Has(testutil.Key("rooms/c")))
}

func TestDocumentSet_CloneIsIndependent(t *testing.T) {
	s := NewDocumentSet(testutil.Query("rooms").Comparator())
	s.Add(testutil.Doc("rooms/a", 1, map[string]any{"n": 1}))

	c := s.Clone()
	c.Add(testutil.Doc("rooms/b", 1, map[string]any{"n": 2}))
	c.Delete(testutil.Key("rooms/a"))

	assert.Equal(t, []string{"rooms/a"}, keyStrings(s.Keys()))
	assert.Equal(t, []string{"rooms/b"}, keyStrings(c.Keys()))
	assert.False(t, s.Equal(c))
	assert.True(t, s.Equal(s.Clone()))
}

func TestDocumentSet_Empty(t *testing.T) {
	s := NewDocumentSet(testutil.Query("rooms").Comparator())
	assert.True(t, s.IsEmpty())
	assert.Nil(t, s.First())
	assert.Nil(t, s.Last())
	assert.Nil(t, s.Get(testutil.Key("rooms/a")))
	assert.Empty(t, s.Documents())
}

func TestDocumentChangeSet_Track(t *testing.T) {
	v1 := testutil.Doc("rooms/a", 1, map[string]any{"n": 1})
	v2 := testutil.Doc("rooms/a", 2, map[string]any{"n": 2})

	tests := []struct {
		name   string
		first  DocumentViewChange
		second DocumentViewChange
		want   *DocumentViewChange
	}{
		{
			name:   "added then modified stays added",
			first:  DocumentViewChange{Type: ChangeAdded, Doc: v1},
			second: DocumentViewChange{Type: ChangeModified, Doc: v2},
			want:   &DocumentViewChange{Type: ChangeAdded, Doc: v2},
		},
		{
			name:   "added then removed cancels",
			first:  DocumentViewChange{Type: ChangeAdded, Doc: v1},
			second: DocumentViewChange{Type: ChangeRemoved, Doc: v1},
		},
		{
			name:   "removed then added is modified",
			first:  DocumentViewChange{Type: ChangeRemoved, Doc: v1},
			second: DocumentViewChange{Type: ChangeAdded, Doc: v2},
			want:   &DocumentViewChange{Type: ChangeModified, Doc: v2},
		},
		{
			name:   "modified then removed keeps old document",
			first:  DocumentViewChange{Type: ChangeModified, Doc: v1},
			second: DocumentViewChange{Type: ChangeRemoved, Doc: v2},
			want:   &DocumentViewChange{Type: ChangeRemoved, Doc: v1},
		},
		{
			name:   "metadata then modified is modified",
			first:  DocumentViewChange{Type: ChangeMetadata, Doc: v1},
			second: DocumentViewChange{Type: ChangeModified, Doc: v2},
			want:   &DocumentViewChange{Type: ChangeModified, Doc: v2},
		},
		{
			name:   "added then metadata stays added",
			first:  DocumentViewChange{Type: ChangeAdded, Doc: v1},
			second: DocumentViewChange{Type: ChangeMetadata, Doc: v2},
			want:   &DocumentViewChange{Type: ChangeAdded, Doc: v2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewDocumentChangeSet()
			s.Track(tt.first)
			s.Track(tt.second)
			changes := s.Changes(testutil.Query("rooms").Comparator())
			if tt.want == nil {
				assert.Empty(t, changes)
				return
			}
			if assert.Len(t, changes, 1) {
				assert.Equal(t, tt.want.Type, changes[0].Type)
				assert.Same(t, tt.want.Doc, changes[0].Doc)
			}
		})
	}
}

func TestDocumentChangeSet_ImpossibleCombinationPanics(t *testing.T) {
	s := NewDocumentChangeSet()
	doc := testutil.Doc("rooms/a", 1, map[string]any{})
	s.Track(DocumentViewChange{Type: ChangeAdded, Doc: doc})
	assert.Panics(t, func() { s.Track(DocumentViewChange{Type: ChangeAdded, Doc: doc}) })
}
