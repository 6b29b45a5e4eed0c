package model

import (
	"fmt"
	"slices"
	"strings"
)

// DocumentKey identifies a document by its even-length path.
//
// The zero value is the empty key. Keys are comparable and safe to use as
// map keys; ordering must go through Compare.
type DocumentKey struct {
	path string
}

// KeyFromPath validates that p names a document.
func KeyFromPath(p ResourcePath) (DocumentKey, error) {
	if p.Len() == 0 || p.Len()%2 != 0 {
		return DocumentKey{}, fmt.Errorf("invalid document key %q: path must have an even number of segments", p.String())
	}
	return DocumentKey{path: p.String()}, nil
}

// ParseKey parses a slash-separated document path.
func ParseKey(s string) (DocumentKey, error) {
	p, err := ParsePath(s)
	if err != nil {
		return DocumentKey{}, err
	}
	return KeyFromPath(p)
}

// MustKey is ParseKey for literals known to be valid.
func MustKey(s string) DocumentKey {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// IsEmpty reports whether k is the zero key.
func (k DocumentKey) IsEmpty() bool { return k.path == "" }

// Path returns the key as a ResourcePath.
func (k DocumentKey) Path() ResourcePath {
	if k.path == "" {
		return EmptyPath
	}
	return ResourcePath{segments: strings.Split(k.path, "/")}
}

// String returns the canonical path.
func (k DocumentKey) String() string { return k.path }

// ID returns the document id (the last segment).
func (k DocumentKey) ID() string {
	i := strings.LastIndexByte(k.path, '/')
	return k.path[i+1:]
}

// CollectionPath returns the path of the collection holding the document.
func (k DocumentKey) CollectionPath() ResourcePath {
	return k.Path().Parent()
}

// CollectionGroup returns the id of the collection holding the document.
func (k DocumentKey) CollectionGroup() string {
	return k.CollectionPath().LastSegment()
}

// HasCollectionID reports whether the document's immediate collection is id.
func (k DocumentKey) HasCollectionID(id string) bool {
	return k.CollectionGroup() == id
}

// Compare orders keys by path.
func (k DocumentKey) Compare(other DocumentKey) int {
	if k.path == other.path {
		return 0
	}
	return k.Path().Compare(other.Path())
}

// DocumentKeySet is an unordered set of keys. Use Sorted for deterministic
// iteration.
type DocumentKeySet map[DocumentKey]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...DocumentKey) DocumentKeySet {
	s := make(DocumentKeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts k. Calling Add on a nil set panics; construct with NewKeySet.
func (s DocumentKeySet) Add(k DocumentKey) { s[k] = struct{}{} }

// Delete removes k.
func (s DocumentKeySet) Delete(k DocumentKey) { delete(s, k) }

// Has reports membership. Safe on nil sets.
func (s DocumentKeySet) Has(k DocumentKey) bool {
	_, ok := s[k]
	return ok
}

// Len returns the set size.
func (s DocumentKeySet) Len() int { return len(s) }

// Clone returns an independent copy.
func (s DocumentKeySet) Clone() DocumentKeySet {
	out := make(DocumentKeySet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Union returns a new set holding the members of both.
func (s DocumentKeySet) Union(other DocumentKeySet) DocumentKeySet {
	out := s.Clone()
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold the same keys.
func (s DocumentKeySet) Equal(other DocumentKeySet) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if !other.Has(k) {
			return false
		}
	}
	return true
}

// Sorted returns the keys in key order.
func (s DocumentKeySet) Sorted() []DocumentKey {
	out := make([]DocumentKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	SortKeys(out)
	return out
}

// SortKeys sorts keys in place by path order.
func SortKeys(keys []DocumentKey) {
	slices.SortFunc(keys, func(a, b DocumentKey) int { return a.Compare(b) })
}

// DatabaseID names the remote database a client is bound to.
type DatabaseID struct {
	ProjectID string `json:"project_id"`
	Database  string `json:"database"`
}

// DefaultDatabase is the database name used when none is configured.
const DefaultDatabase = "(default)"

// DocumentsPrefix returns the fully qualified resource prefix that precedes
// document paths in server-side names.
func (d DatabaseID) DocumentsPrefix() string {
	db := d.Database
	if db == "" {
		db = DefaultDatabase
	}
	return "projects/" + d.ProjectID + "/databases/" + db + "/documents/"
}

// ResourceName returns the fully qualified name of k.
func (d DatabaseID) ResourceName(k DocumentKey) string {
	return d.DocumentsPrefix() + k.path
}

// TargetID identifies a watch target. Targets allocated by the target cache
// are even; limbo resolution targets allocated by the sync engine are odd.
type TargetID int32

// BatchID identifies a mutation batch.
type BatchID int64

// BatchIDUnknown is the sentinel for "no batch".
const BatchIDUnknown BatchID = -1
