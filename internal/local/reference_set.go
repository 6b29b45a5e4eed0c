package local

import (
	"math"

	"github.com/google/btree"

	"github.com/roach88/docsync/internal/model"
)

// docReference pairs a document key with the id holding it, a target id for
// local views or a batch id for limbo bookkeeping.
type docReference struct {
	key model.DocumentKey
	id  int64
}

func byKeyLess(a, b docReference) bool {
	if c := a.key.Compare(b.key); c != 0 {
		return c < 0
	}
	return a.id < b.id
}

func byIDLess(a, b docReference) bool {
	if a.id != b.id {
		return a.id < b.id
	}
	return a.key.Compare(b.key) < 0
}

// ReferenceSet is an in-memory collection of (key, id) references indexed
// both ways. It is not safe for concurrent use; its owner serializes access.
type ReferenceSet struct {
	byKey *btree.BTreeG[docReference]
	byID  *btree.BTreeG[docReference]
}

// NewReferenceSet returns an empty set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		byKey: btree.NewG(16, byKeyLess),
		byID:  btree.NewG(16, byIDLess),
	}
}

// IsEmpty reports whether the set holds no references.
func (r *ReferenceSet) IsEmpty() bool { return r.byKey.Len() == 0 }

// AddReference records that id holds key.
func (r *ReferenceSet) AddReference(key model.DocumentKey, id int64) {
	ref := docReference{key: key, id: id}
	r.byKey.ReplaceOrInsert(ref)
	r.byID.ReplaceOrInsert(ref)
}

// AddReferences records that id holds each of keys.
func (r *ReferenceSet) AddReferences(keys model.DocumentKeySet, id int64) {
	for key := range keys {
		r.AddReference(key, id)
	}
}

// RemoveReference drops one reference.
func (r *ReferenceSet) RemoveReference(key model.DocumentKey, id int64) {
	ref := docReference{key: key, id: id}
	r.byKey.Delete(ref)
	r.byID.Delete(ref)
}

// RemoveReferences drops the references id holds on keys.
func (r *ReferenceSet) RemoveReferences(keys model.DocumentKeySet, id int64) {
	for key := range keys {
		r.RemoveReference(key, id)
	}
}

// RemoveReferencesForID drops everything id holds and returns the keys.
func (r *ReferenceSet) RemoveReferencesForID(id int64) []model.DocumentKey {
	var refs []docReference
	r.byID.AscendGreaterOrEqual(docReference{id: id}, func(ref docReference) bool {
		if ref.id != id {
			return false
		}
		refs = append(refs, ref)
		return true
	})
	keys := make([]model.DocumentKey, 0, len(refs))
	for _, ref := range refs {
		r.byKey.Delete(ref)
		r.byID.Delete(ref)
		keys = append(keys, ref.key)
	}
	return keys
}

// RemoveAll clears the set.
func (r *ReferenceSet) RemoveAll() {
	r.byKey.Clear(false)
	r.byID.Clear(false)
}

// ReferencesForID returns the keys id holds.
func (r *ReferenceSet) ReferencesForID(id int64) model.DocumentKeySet {
	keys := model.NewKeySet()
	r.byID.AscendGreaterOrEqual(docReference{id: id}, func(ref docReference) bool {
		if ref.id != id {
			return false
		}
		keys.Add(ref.key)
		return true
	})
	return keys
}

// ContainsKey reports whether anything holds key.
func (r *ReferenceSet) ContainsKey(key model.DocumentKey) bool {
	found := false
	r.byKey.AscendGreaterOrEqual(docReference{key: key, id: math.MinInt64}, func(ref docReference) bool {
		found = ref.key == key
		return false
	})
	return found
}
