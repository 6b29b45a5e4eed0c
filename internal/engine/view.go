package engine

import (
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
	"github.com/roach88/docsync/internal/remote"
)

// SyncState is how far a view trusts its results.
type SyncState int

const (
	SyncStateNone SyncState = iota
	SyncStateLocal
	SyncStateSynced
)

// LimboChangeType says whether a key entered or left limbo.
type LimboChangeType int

const (
	LimboAdded LimboChangeType = iota
	LimboRemoved
)

// LimboDocumentChange is reported by ApplyChanges when the view's set of
// limbo documents changes.
type LimboDocumentChange struct {
	Type LimboChangeType
	Key  model.DocumentKey
}

// ViewDocumentChanges is the intermediate result of ComputeDocChanges. It
// can be fed back in after a refill and is committed with ApplyChanges.
type ViewDocumentChanges struct {
	Documents   *DocumentSet
	Changes     *DocumentChangeSet
	MutatedKeys model.DocumentKeySet

	// NeedsRefill means a document left a full limit window, so the
	// documents just outside it must be read from the local store and fed
	// through ComputeDocChanges again.
	NeedsRefill bool
}

// ViewChange is the outcome of ApplyChanges. Snapshot is nil when nothing
// a listener could observe changed.
type ViewChange struct {
	Snapshot     *ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// View is the client-side result set of one query. It combines local query
// results with the backend's view of which documents belong to the target
// (the synced documents). A document present locally but not synced and
// without local writes is in limbo once the target is current.
//
// A View is not safe for concurrent use; the sync engine owns it.
type View struct {
	query     query.Query
	docCmp    func(a, b *model.MutableDocument) int
	syncState SyncState
	current   bool

	documents       *DocumentSet
	syncedDocuments model.DocumentKeySet
	limboDocuments  model.DocumentKeySet
	mutatedKeys     model.DocumentKeySet
}

// NewView creates an empty view. syncedDocuments are the keys the local
// store last recorded as belonging to the target.
func NewView(q query.Query, syncedDocuments model.DocumentKeySet) *View {
	cmp := q.Comparator()
	return &View{
		query:           q,
		docCmp:          cmp,
		documents:       NewDocumentSet(cmp),
		syncedDocuments: syncedDocuments.Clone(),
		limboDocuments:  model.NewKeySet(),
		mutatedKeys:     model.NewKeySet(),
	}
}

// Query returns the view's query.
func (v *View) Query() query.Query { return v.query }

// SyncedDocuments returns the keys the backend says belong to the target.
func (v *View) SyncedDocuments() model.DocumentKeySet { return v.syncedDocuments }

// LimboDocuments returns the keys currently in limbo.
func (v *View) LimboDocuments() model.DocumentKeySet { return v.limboDocuments }

// ComputeDocChanges works out how docChanges affect the view without
// modifying it. Pass the previous result as previous when refilling.
func (v *View) ComputeDocChanges(docChanges model.DocumentMap, previous *ViewDocumentChanges) ViewDocumentChanges {
	changes := NewDocumentChangeSet()
	oldDocs := v.documents
	mutated := v.mutatedKeys.Clone()
	if previous != nil {
		changes = previous.Changes
		oldDocs = previous.Documents
		mutated = previous.MutatedKeys.Clone()
	}
	newDocs := oldDocs.Clone()
	needsRefill := false

	var lastInLimit, firstInLimit *model.MutableDocument
	if v.query.HasLimit() && oldDocs.Len() == v.query.Limit {
		if v.query.LimitType == query.LimitToFirst {
			lastInLimit = oldDocs.Last()
		} else {
			firstInLimit = oldDocs.First()
		}
	}

	for _, key := range docChanges.Keys() {
		entry := docChanges[key]
		oldDoc := oldDocs.Get(key)
		var newDoc *model.MutableDocument
		if v.query.Matches(entry) {
			newDoc = entry
		}

		oldHadPending := oldDoc != nil && v.mutatedKeys.Has(key)
		newHasPending := newDoc != nil &&
			(newDoc.HasLocalMutations() || (v.mutatedKeys.Has(key) && newDoc.HasCommittedMutations()))

		applied := false
		switch {
		case oldDoc != nil && newDoc != nil:
			if !oldDoc.Data().Equal(newDoc.Data()) {
				if !shouldWaitForSyncedDocument(oldDoc, newDoc) {
					changes.Track(DocumentViewChange{Type: ChangeModified, Doc: newDoc})
					applied = true
					if (lastInLimit != nil && v.docCmp(newDoc, lastInLimit) > 0) ||
						(firstInLimit != nil && v.docCmp(newDoc, firstInLimit) < 0) {
						// The document moved outside the window; something
						// outside may now belong inside.
						needsRefill = true
					}
				}
			} else if oldHadPending != newHasPending {
				changes.Track(DocumentViewChange{Type: ChangeMetadata, Doc: newDoc})
				applied = true
			}
		case oldDoc == nil && newDoc != nil:
			changes.Track(DocumentViewChange{Type: ChangeAdded, Doc: newDoc})
			applied = true
		case oldDoc != nil && newDoc == nil:
			changes.Track(DocumentViewChange{Type: ChangeRemoved, Doc: oldDoc})
			applied = true
			if lastInLimit != nil || firstInLimit != nil {
				needsRefill = true
			}
		}

		if !applied {
			continue
		}
		if newDoc != nil {
			newDocs.Add(newDoc)
			if newHasPending {
				mutated.Add(key)
			} else {
				mutated.Delete(key)
			}
		} else {
			newDocs.Delete(key)
			mutated.Delete(key)
		}
	}

	if v.query.HasLimit() {
		for newDocs.Len() > v.query.Limit {
			var drop *model.MutableDocument
			if v.query.LimitType == query.LimitToFirst {
				drop = newDocs.Last()
			} else {
				drop = newDocs.First()
			}
			newDocs.Delete(drop.Key())
			mutated.Delete(drop.Key())
			changes.Track(DocumentViewChange{Type: ChangeRemoved, Doc: drop})
		}
	}

	return ViewDocumentChanges{
		Documents:   newDocs,
		Changes:     changes,
		MutatedKeys: mutated,
		NeedsRefill: needsRefill,
	}
}

// shouldWaitForSyncedDocument holds back the acknowledged version of a
// locally modified document until the backend's copy arrives, so the view
// does not flicker between the local and committed data.
func shouldWaitForSyncedDocument(oldDoc, newDoc *model.MutableDocument) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// ApplyChanges commits changes to the view. targetChange, if any, updates
// the synced documents and the current flag. With updateLimbo the limbo
// set is recomputed; it is skipped while the target awaits a reset after
// an existence filter mismatch.
func (v *View) ApplyChanges(changes ViewDocumentChanges, updateLimbo bool, targetChange *remote.TargetChange, pendingReset bool) ViewChange {
	oldDocs := v.documents
	v.documents = changes.Documents
	v.mutatedKeys = changes.MutatedKeys
	docChanges := changes.Changes.Changes(v.docCmp)

	v.applyTargetChange(targetChange)
	var limboChanges []LimboDocumentChange
	if updateLimbo && !pendingReset {
		limboChanges = v.updateLimboDocuments()
	}

	synced := v.limboDocuments.Len() == 0 && v.current && !pendingReset
	newState := SyncStateLocal
	if synced {
		newState = SyncStateSynced
	}
	stateChanged := newState != v.syncState
	v.syncState = newState

	if len(docChanges) == 0 && !stateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}
	return ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             changes.Documents.Clone(),
			OldDocs:          oldDocs,
			DocChanges:       docChanges,
			MutatedKeys:      changes.MutatedKeys.Clone(),
			FromCache:        newState == SyncStateLocal,
			SyncStateChanged: stateChanged,
			HasCachedResults: targetChange != nil && len(targetChange.ResumeToken) > 0,
		},
		LimboChanges: limboChanges,
	}
}

// ApplyOnlineStateChange drops the current flag when the client goes
// offline so the next snapshot reports results from cache.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) ViewChange {
	if v.current && state == remote.Offline {
		v.current = false
		return v.ApplyChanges(ViewDocumentChanges{
			Documents:   v.documents,
			Changes:     NewDocumentChangeSet(),
			MutatedKeys: v.mutatedKeys,
		}, false, nil, false)
	}
	return ViewChange{}
}

func (v *View) applyTargetChange(tc *remote.TargetChange) {
	if tc == nil {
		return
	}
	for key := range tc.Added {
		v.syncedDocuments.Add(key)
	}
	for key := range tc.Removed {
		v.syncedDocuments.Delete(key)
	}
	v.current = tc.Current
}

func (v *View) shouldBeInLimbo(key model.DocumentKey) bool {
	if v.syncedDocuments.Has(key) {
		return false
	}
	doc := v.documents.Get(key)
	if doc == nil {
		return false
	}
	// Documents with local writes are expected to be missing from the
	// backend until the write is acknowledged.
	return !doc.HasLocalMutations()
}

func (v *View) updateLimboDocuments() []LimboDocumentChange {
	if !v.current {
		return nil
	}
	old := v.limboDocuments
	v.limboDocuments = model.NewKeySet()
	for _, key := range v.documents.Keys() {
		if v.shouldBeInLimbo(key) {
			v.limboDocuments.Add(key)
		}
	}

	var out []LimboDocumentChange
	for _, key := range old.Sorted() {
		if !v.limboDocuments.Has(key) {
			out = append(out, LimboDocumentChange{Type: LimboRemoved, Key: key})
		}
	}
	for _, key := range v.limboDocuments.Sorted() {
		if !old.Has(key) {
			out = append(out, LimboDocumentChange{Type: LimboAdded, Key: key})
		}
	}
	return out
}
