package model

import "fmt"

// MutationBatch is an immutable group of mutations written together. Batch
// ids increase monotonically and are never reused.
type MutationBatch struct {
	BatchID        BatchID
	LocalWriteTime Timestamp
	Mutations      []Mutation
}

// Keys returns every key the batch touches.
func (b *MutationBatch) Keys() DocumentKeySet {
	s := make(DocumentKeySet, len(b.Mutations))
	for _, m := range b.Mutations {
		s.Add(m.Key)
	}
	return s
}

// ApplyToLocalView folds every mutation for doc's key into doc and returns
// the accumulated mask.
func (b *MutationBatch) ApplyToLocalView(doc *MutableDocument, mask *FieldMask) *FieldMask {
	for _, m := range b.Mutations {
		if m.Key == doc.Key() {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	return mask
}

// OverlayedDocument is a local view plus the mask of locally mutated fields.
// A nil MutatedFields means the whole document is local.
type OverlayedDocument struct {
	Document      *MutableDocument
	MutatedFields *FieldMask
}

// ApplyToLocalDocumentSet applies the batch to docs in place and returns the
// overlay mutation for each touched key. Keys in withoutRemoteVersion only
// exist locally, so their overlays are full sets or deletes rather than
// patches.
func (b *MutationBatch) ApplyToLocalDocumentSet(docs map[DocumentKey]*OverlayedDocument, withoutRemoteVersion DocumentKeySet) map[DocumentKey]Mutation {
	overlays := make(map[DocumentKey]Mutation)
	seen := NewKeySet()
	for _, m := range b.Mutations {
		od, ok := docs[m.Key]
		if !ok || seen.Has(m.Key) {
			continue
		}
		seen.Add(m.Key)
		mask := b.ApplyToLocalView(od.Document, od.MutatedFields)
		if withoutRemoteVersion.Has(m.Key) {
			mask = nil
		}
		od.MutatedFields = mask
		if overlay := CalculateOverlayMutation(od.Document, mask); overlay != nil {
			overlays[m.Key] = *overlay
		}
		if !od.Document.IsValidDocument() {
			od.Document.ConvertToNoDocument(MinVersion)
		}
	}
	return overlays
}

// ApplyToRemoteDocument applies the acknowledged results for doc's key.
func (b *MutationBatch) ApplyToRemoteDocument(doc *MutableDocument, result MutationBatchResult) {
	for i, m := range b.Mutations {
		if m.Key == doc.Key() {
			m.ApplyToRemoteDocument(doc, result.MutationResults[i])
		}
	}
}

// Equal compares batches.
func (b *MutationBatch) Equal(o *MutationBatch) bool {
	if b == nil || o == nil {
		return b == o
	}
	if b.BatchID != o.BatchID || b.LocalWriteTime != o.LocalWriteTime || len(b.Mutations) != len(o.Mutations) {
		return false
	}
	for i := range b.Mutations {
		if !b.Mutations[i].Equal(o.Mutations[i]) {
			return false
		}
	}
	return true
}

// MutationBatchResult is the write stream's acknowledgement of a batch.
type MutationBatchResult struct {
	Batch           *MutationBatch
	CommitVersion   SnapshotVersion
	MutationResults []MutationResult
	StreamToken     []byte
	DocVersions     map[DocumentKey]SnapshotVersion
}

// NewMutationBatchResult pairs each mutation with its result.
func NewMutationBatchResult(batch *MutationBatch, commitVersion SnapshotVersion, results []MutationResult, streamToken []byte) (MutationBatchResult, error) {
	if len(results) != len(batch.Mutations) {
		return MutationBatchResult{}, fmt.Errorf("batch %d: got %d results for %d mutations", batch.BatchID, len(results), len(batch.Mutations))
	}
	versions := make(map[DocumentKey]SnapshotVersion, len(results))
	for i, m := range batch.Mutations {
		versions[m.Key] = results[i].Version
	}
	return MutationBatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}, nil
}

// KeysWithTransformResults returns the keys whose results carry transform
// values; their overlays must be recomputed against the new base.
func (r MutationBatchResult) KeysWithTransformResults() DocumentKeySet {
	s := NewKeySet()
	for i, res := range r.MutationResults {
		if len(res.TransformResults) > 0 {
			s.Add(r.Batch.Mutations[i].Key)
		}
	}
	return s
}

// Overlay is the condensed effect of all pending batches on one document.
type Overlay struct {
	LargestBatchID BatchID
	Mutation       Mutation
}

// Key returns the overlaid document's key.
func (o Overlay) Key() DocumentKey { return o.Mutation.Key }
