package engine

import (
	"maps"

	"github.com/google/btree"

	"github.com/roach88/docsync/internal/model"
)

// DocumentSet holds the documents of one view in query order. The ordering
// comes from the query comparator, which breaks ties by key, so every
// document has exactly one position.
//
// Clone is cheap: the B-tree is copy-on-write. Snapshots hold clones, so a
// view can keep mutating its own set without touching what listeners see.
type DocumentSet struct {
	cmp    func(a, b *model.MutableDocument) int
	byKey  map[model.DocumentKey]*model.MutableDocument
	sorted *btree.BTreeG[*model.MutableDocument]
}

// NewDocumentSet returns an empty set ordered by cmp.
func NewDocumentSet(cmp func(a, b *model.MutableDocument) int) *DocumentSet {
	return &DocumentSet{
		cmp:   cmp,
		byKey: make(map[model.DocumentKey]*model.MutableDocument),
		sorted: btree.NewG(16, func(a, b *model.MutableDocument) bool {
			return cmp(a, b) < 0
		}),
	}
}

// Clone returns an independent copy.
func (s *DocumentSet) Clone() *DocumentSet {
	return &DocumentSet{cmp: s.cmp, byKey: maps.Clone(s.byKey), sorted: s.sorted.Clone()}
}

// Len returns the number of documents.
func (s *DocumentSet) Len() int { return len(s.byKey) }

// IsEmpty reports whether the set has no documents.
func (s *DocumentSet) IsEmpty() bool { return len(s.byKey) == 0 }

// Has reports whether key is in the set.
func (s *DocumentSet) Has(key model.DocumentKey) bool {
	_, ok := s.byKey[key]
	return ok
}

// Get returns the document for key, or nil.
func (s *DocumentSet) Get(key model.DocumentKey) *model.MutableDocument {
	return s.byKey[key]
}

// First returns the first document in query order, or nil.
func (s *DocumentSet) First() *model.MutableDocument {
	doc, _ := s.sorted.Min()
	return doc
}

// Last returns the last document in query order, or nil.
func (s *DocumentSet) Last() *model.MutableDocument {
	doc, _ := s.sorted.Max()
	return doc
}

// Add inserts doc, replacing any document with the same key.
func (s *DocumentSet) Add(doc *model.MutableDocument) {
	s.Delete(doc.Key())
	s.byKey[doc.Key()] = doc
	s.sorted.ReplaceOrInsert(doc)
}

// Delete removes key if present.
func (s *DocumentSet) Delete(key model.DocumentKey) {
	old, ok := s.byKey[key]
	if !ok {
		return
	}
	delete(s.byKey, key)
	s.sorted.Delete(old)
}

// Documents returns the documents in query order.
func (s *DocumentSet) Documents() []*model.MutableDocument {
	out := make([]*model.MutableDocument, 0, s.sorted.Len())
	s.sorted.Ascend(func(doc *model.MutableDocument) bool {
		out = append(out, doc)
		return true
	})
	return out
}

// Keys returns the keys in query order.
func (s *DocumentSet) Keys() []model.DocumentKey {
	out := make([]model.DocumentKey, 0, s.sorted.Len())
	s.sorted.Ascend(func(doc *model.MutableDocument) bool {
		out = append(out, doc.Key())
		return true
	})
	return out
}

// Equal reports whether both sets hold equal documents in the same order.
func (s *DocumentSet) Equal(other *DocumentSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	a, b := s.Documents(), other.Documents()
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
