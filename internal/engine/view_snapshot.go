package engine

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
)

// ChangeType classifies one document change within a snapshot.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	ChangeModified
	// ChangeMetadata means only the pending-writes state of the document
	// changed.
	ChangeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	case ChangeMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(t))
	}
}

// rank orders change types within a snapshot: removals first, then
// additions, then modifications.
func (t ChangeType) rank() int {
	switch t {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	default:
		return 2
	}
}

// DocumentViewChange is one entry of ViewSnapshot.DocChanges.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *model.MutableDocument
}

// DocumentChangeSet folds the changes one computation produces into at
// most one change per key.
type DocumentChangeSet struct {
	changes map[model.DocumentKey]DocumentViewChange
}

// NewDocumentChangeSet returns an empty change set.
func NewDocumentChangeSet() *DocumentChangeSet {
	return &DocumentChangeSet{changes: make(map[model.DocumentKey]DocumentViewChange)}
}

// Track merges change with any earlier change of the same key.
//
// Combinations that cannot happen for a consistent view, such as adding a
// document twice, panic.
func (s *DocumentChangeSet) Track(change DocumentViewChange) {
	key := change.Doc.Key()
	old, ok := s.changes[key]
	if !ok {
		s.changes[key] = change
		return
	}
	switch {
	case change.Type != ChangeAdded && old.Type == ChangeMetadata:
		s.changes[key] = change
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: old.Type, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeModified:
		s.changes[key] = change
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		s.changes[key] = DocumentViewChange{Type: ChangeAdded, Doc: change.Doc}
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		delete(s.changes, key)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeRemoved, Doc: old.Doc}
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	default:
		panic(fmt.Sprintf("document change set: %s after %s for %s", change.Type, old.Type, key))
	}
}

// Len returns the number of tracked keys.
func (s *DocumentChangeSet) Len() int { return len(s.changes) }

// Changes returns the tracked changes ordered by type and then by docCmp.
func (s *DocumentChangeSet) Changes(docCmp func(a, b *model.MutableDocument) int) []DocumentViewChange {
	out := make([]DocumentViewChange, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b DocumentViewChange) int {
		if c := cmp.Compare(a.Type.rank(), b.Type.rank()); c != 0 {
			return c
		}
		return docCmp(a.Doc, b.Doc)
	})
	return out
}

// ViewSnapshot is what a query listener receives.
type ViewSnapshot struct {
	Query      query.Query
	Docs       *DocumentSet
	OldDocs    *DocumentSet
	DocChanges []DocumentViewChange

	// MutatedKeys are the documents in Docs with pending local writes.
	MutatedKeys model.DocumentKeySet

	// FromCache is true until the backend confirmed the result as current
	// and no document is in limbo.
	FromCache bool

	SyncStateChanged        bool
	ExcludesMetadataChanges bool

	// HasCachedResults is true when the target had a resume token, meaning
	// the cached documents were once in sync with the backend.
	HasCachedResults bool
}

// HasPendingWrites reports whether any document has unacknowledged local
// writes.
func (s *ViewSnapshot) HasPendingWrites() bool { return s.MutatedKeys.Len() > 0 }

// initialSnapshot turns docs into a snapshot in which every document is
// added.
func initialSnapshot(q query.Query, docs *DocumentSet, mutated model.DocumentKeySet, fromCache, hasCachedResults bool) *ViewSnapshot {
	changes := make([]DocumentViewChange, 0, docs.Len())
	for _, doc := range docs.Documents() {
		changes = append(changes, DocumentViewChange{Type: ChangeAdded, Doc: doc})
	}
	return &ViewSnapshot{
		Query:            q,
		Docs:             docs,
		OldDocs:          NewDocumentSet(q.Comparator()),
		DocChanges:       changes,
		MutatedKeys:      mutated,
		FromCache:        fromCache,
		SyncStateChanged: true,
		HasCachedResults: hasCachedResults,
	}
}
