package local

import (
	"slices"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
)

// localDocumentsView reads documents as the user sees them: the remote
// document cache with the user's overlays applied.
type localDocumentsView struct {
	remote    remoteDocumentCache
	mutations *mutationQueue
	overlays  *overlayCache
	indexes   indexManager
	clock     model.Clock
}

// applyOverlay folds o into doc in place.
func (v *localDocumentsView) applyOverlay(doc *model.MutableDocument, o model.Overlay) {
	o.Mutation.ApplyToLocalView(doc, nil, v.clock.Now())
}

// GetDocument returns the local view of key. The result is invalid when
// neither the cache nor a pending write knows the document.
func (v *localDocumentsView) GetDocument(txn persistence.ReadTxn, key model.DocumentKey) (*model.MutableDocument, error) {
	doc, err := v.remote.Get(txn, key)
	if err != nil {
		return nil, err
	}
	o, err := v.overlays.GetOverlay(txn, key)
	if err != nil {
		return nil, err
	}
	if o != nil {
		v.applyOverlay(doc, *o)
	}
	return doc, nil
}

// GetDocuments returns the local view of every key.
func (v *localDocumentsView) GetDocuments(txn persistence.ReadTxn, keys model.DocumentKeySet) (model.DocumentMap, error) {
	docs, err := v.remote.GetAll(txn, keys)
	if err != nil {
		return nil, err
	}
	overlays, err := v.overlays.GetOverlays(txn, keys)
	if err != nil {
		return nil, err
	}
	for key, o := range overlays {
		v.applyOverlay(docs[key], o)
	}
	return docs, nil
}

// GetOverlayedDocuments applies stored overlays to docs and reports the
// locally mutated fields of each.
func (v *localDocumentsView) GetOverlayedDocuments(txn persistence.WriteTxn, docs model.DocumentMap) (map[model.DocumentKey]*model.OverlayedDocument, error) {
	return v.computeViews(txn, docs, model.NewKeySet())
}

// LocalViewOfDocuments applies overlays to docs fresh from the server.
// Documents in existenceChanged appeared or disappeared remotely, so a patch
// overlay on them may no longer apply and their overlays are recalculated
// from the mutation queue.
func (v *localDocumentsView) LocalViewOfDocuments(txn persistence.WriteTxn, docs model.DocumentMap, existenceChanged model.DocumentKeySet) (model.DocumentMap, error) {
	views, err := v.computeViews(txn, docs, existenceChanged)
	if err != nil {
		return nil, err
	}
	out := make(model.DocumentMap, len(views))
	for key, od := range views {
		out[key] = od.Document
	}
	return out, nil
}

func (v *localDocumentsView) computeViews(txn persistence.WriteTxn, docs model.DocumentMap, existenceChanged model.DocumentKeySet) (map[model.DocumentKey]*model.OverlayedDocument, error) {
	overlays, err := v.overlays.GetOverlays(txn, docs.KeySet())
	if err != nil {
		return nil, err
	}
	out := make(map[model.DocumentKey]*model.OverlayedDocument, len(docs))
	recalculate := make(model.DocumentMap)
	for key, doc := range docs {
		o, ok := overlays[key]
		switch {
		case existenceChanged.Has(key) && (!ok || o.Mutation.Kind == model.MutationPatch):
			recalculate[key] = doc
			continue
		case ok:
			v.applyOverlay(doc, o)
			out[key] = &model.OverlayedDocument{Document: doc, MutatedFields: o.Mutation.FieldMaskForOverlay()}
		default:
			out[key] = &model.OverlayedDocument{Document: doc, MutatedFields: model.NewFieldMask()}
		}
	}
	masks, err := v.recalculateAndSaveOverlays(txn, recalculate)
	if err != nil {
		return nil, err
	}
	for key, doc := range recalculate {
		mask, ok := masks[key]
		if !ok {
			mask = model.NewFieldMask()
		}
		out[key] = &model.OverlayedDocument{Document: doc, MutatedFields: mask}
	}
	return out, nil
}

// recalculateAndSaveOverlays replays every pending batch touching docs onto
// them in place and stores one overlay per document, attributed to the last
// batch that touched it. It returns the accumulated mutated-field masks.
func (v *localDocumentsView) recalculateAndSaveOverlays(txn persistence.WriteTxn, docs model.DocumentMap) (map[model.DocumentKey]*model.FieldMask, error) {
	masks := make(map[model.DocumentKey]*model.FieldMask)
	if len(docs) == 0 {
		return masks, nil
	}
	batches, err := v.mutations.AllBatchesAffectingKeys(txn, docs.KeySet())
	if err != nil {
		return nil, err
	}
	byBatch := make(map[model.BatchID][]model.DocumentKey)
	for _, batch := range batches {
		for key := range batch.Keys() {
			doc, ok := docs[key]
			if !ok {
				continue
			}
			mask, seen := masks[key]
			if !seen {
				mask = model.NewFieldMask()
			}
			masks[key] = batch.ApplyToLocalView(doc, mask)
			byBatch[batch.BatchID] = append(byBatch[batch.BatchID], key)
		}
	}

	ids := make([]model.BatchID, 0, len(byBatch))
	for id := range byBatch {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	processed := model.NewKeySet()
	for i := len(ids) - 1; i >= 0; i-- {
		overlays := make(map[model.DocumentKey]model.Mutation)
		for _, key := range byBatch[ids[i]] {
			if processed.Has(key) {
				continue
			}
			processed.Add(key)
			if m := model.CalculateOverlayMutation(docs[key], masks[key]); m != nil {
				overlays[key] = *m
				continue
			}
			if err := v.overlays.RemoveOverlay(txn, key); err != nil {
				return nil, err
			}
		}
		if err := v.overlays.SaveOverlays(txn, ids[i], overlays); err != nil {
			return nil, err
		}
	}
	for key := range docs {
		if processed.Has(key) {
			continue
		}
		if err := v.overlays.RemoveOverlay(txn, key); err != nil {
			return nil, err
		}
	}
	return masks, nil
}

// RecalculateAndSaveOverlaysForKeys recomputes overlays of keys from their
// cached remote documents.
func (v *localDocumentsView) RecalculateAndSaveOverlaysForKeys(txn persistence.WriteTxn, keys model.DocumentKeySet) error {
	docs, err := v.remote.GetAll(txn, keys)
	if err != nil {
		return err
	}
	_, err = v.recalculateAndSaveOverlays(txn, docs)
	return err
}

// GetDocumentsMatchingQuery returns the local view of documents that match
// q and were read after offset, plus every document with a pending write
// that makes it match.
func (v *localDocumentsView) GetDocumentsMatchingQuery(txn persistence.ReadTxn, q query.Query, offset IndexOffset, qc *QueryContext) (model.DocumentMap, error) {
	switch {
	case q.IsDocumentQuery():
		return v.documentQuery(txn, q.Path)
	case q.IsCollectionGroupQuery():
		return v.collectionGroupQuery(txn, q, offset, qc)
	}
	return v.collectionQuery(txn, q, offset, qc)
}

func (v *localDocumentsView) documentQuery(txn persistence.ReadTxn, path model.ResourcePath) (model.DocumentMap, error) {
	key, err := model.KeyFromPath(path)
	if err != nil {
		return nil, err
	}
	doc, err := v.GetDocument(txn, key)
	if err != nil {
		return nil, err
	}
	out := make(model.DocumentMap)
	if doc.IsFoundDocument() {
		out[key] = doc
	}
	return out, nil
}

func (v *localDocumentsView) collectionGroupQuery(txn persistence.ReadTxn, q query.Query, offset IndexOffset, qc *QueryContext) (model.DocumentMap, error) {
	parents, err := v.indexes.CollectionParents(txn, q.CollectionGroup)
	if err != nil {
		return nil, err
	}
	out := make(model.DocumentMap)
	for _, parent := range parents {
		collection := parent.Child(q.CollectionGroup)
		if !q.Path.IsPrefixOf(collection) {
			continue
		}
		docs, err := v.collectionQuery(txn, q.AsCollectionQueryAtPath(collection), offset, qc)
		if err != nil {
			return nil, err
		}
		for key, doc := range docs {
			out[key] = doc
		}
	}
	return out, nil
}

func (v *localDocumentsView) collectionQuery(txn persistence.ReadTxn, q query.Query, offset IndexOffset, qc *QueryContext) (model.DocumentMap, error) {
	overlays, err := v.overlays.GetOverlaysForCollection(txn, q.Path, offset.LargestBatchID)
	if err != nil {
		return nil, err
	}
	mutated := model.NewKeySet()
	for key := range overlays {
		mutated.Add(key)
	}
	docs, err := v.remote.GetDocumentsMatchingQuery(txn, q, offset, mutated, qc)
	if err != nil {
		return nil, err
	}
	for key, o := range overlays {
		if _, ok := docs[key]; !ok {
			doc, err := v.remote.Get(txn, key)
			if err != nil {
				return nil, err
			}
			docs[key] = doc
		}
		v.applyOverlay(docs[key], o)
	}
	for key, doc := range docs {
		if !q.Matches(doc) {
			delete(docs, key)
		}
	}
	return docs, nil
}
