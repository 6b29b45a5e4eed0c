package local

import (
	"fmt"
	"slices"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
)

// BatchIDUnknown is returned when the queue holds no batch.
const BatchIDUnknown = model.BatchIDUnknown

// queueMetadata is the per-user row of storeMutationQueues.
type queueMetadata struct {
	LastAcknowledgedBatchID model.BatchID `json:"last_acknowledged_batch_id"`
	LastStreamToken         []byte        `json:"last_stream_token,omitempty"`
}

// mutationQueue is one user's log of unacknowledged batches. Batch ids are
// allocated from a counter shared by all users, so an id is never reused
// even after its batch is removed, and the remaining batches of a user
// always form an increasing sequence.
type mutationQueue struct {
	user string
}

func newMutationQueue(userKey string) *mutationQueue {
	return &mutationQueue{user: userKey}
}

func (q *mutationQueue) batchKey(id model.BatchID) string {
	return persistence.Key(q.user, persistence.Int(int64(id)))
}

func (q *mutationQueue) metadata(txn persistence.ReadTxn) (queueMetadata, error) {
	md := queueMetadata{LastAcknowledgedBatchID: BatchIDUnknown}
	_, err := getJSON(txn, storeMutationQueues, q.user, &md)
	return md, err
}

// AddBatch appends a batch with the next id.
func (q *mutationQueue) AddBatch(txn persistence.WriteTxn, localWriteTime model.Timestamp, mutations []model.Mutation) (*model.MutationBatch, error) {
	var g mutationGlobals
	if _, err := getJSON(txn, storeGlobals, globalMutations, &g); err != nil {
		return nil, err
	}
	g.HighestBatchID++
	batch := &model.MutationBatch{
		BatchID:        g.HighestBatchID,
		LocalWriteTime: localWriteTime,
		Mutations:      slices.Clone(mutations),
	}
	raw, err := model.MarshalBatch(batch)
	if err != nil {
		return nil, err
	}
	if err := txn.Put(storeMutations, q.batchKey(batch.BatchID), raw); err != nil {
		return nil, err
	}
	for _, m := range mutations {
		ref := persistence.Key(q.user, m.Key.String(), persistence.Int(int64(batch.BatchID)))
		if err := txn.Put(storeDocumentMutations, ref, nil); err != nil {
			return nil, err
		}
	}
	if err := putJSON(txn, storeGlobals, globalMutations, g); err != nil {
		return nil, err
	}
	md, err := q.metadata(txn)
	if err != nil {
		return nil, err
	}
	if err := putJSON(txn, storeMutationQueues, q.user, md); err != nil {
		return nil, err
	}
	return batch, nil
}

// LookupBatch returns nil for an id outside the queue.
func (q *mutationQueue) LookupBatch(txn persistence.ReadTxn, id model.BatchID) (*model.MutationBatch, error) {
	key := q.batchKey(id)
	raw, ok, err := txn.Get(storeMutations, key)
	if err != nil || !ok {
		return nil, err
	}
	batch, err := model.UnmarshalBatch(raw)
	if err != nil {
		return nil, corrupt(storeMutations, key, err)
	}
	return batch, nil
}

// scanBatches decodes the batches stored within r until fn returns false.
func (q *mutationQueue) scanBatches(txn persistence.ReadTxn, r persistence.KeyRange, fn func(*model.MutationBatch) bool) error {
	return txn.Scan(storeMutations, r, func(key string, raw []byte) (bool, error) {
		batch, err := model.UnmarshalBatch(raw)
		if err != nil {
			return false, corrupt(storeMutations, key, err)
		}
		return fn(batch), nil
	})
}

// NextBatchAfter returns the first batch with an id greater than id, or nil.
func (q *mutationQueue) NextBatchAfter(txn persistence.ReadTxn, id model.BatchID) (*model.MutationBatch, error) {
	r := persistence.PrefixRange(persistence.Prefix(q.user))
	if id >= 0 {
		r.Start = q.batchKey(id + 1)
	}
	var next *model.MutationBatch
	err := q.scanBatches(txn, r, func(b *model.MutationBatch) bool {
		next = b
		return false
	})
	return next, err
}

// HighestUnacknowledgedBatchID returns BatchIDUnknown for an empty queue.
func (q *mutationQueue) HighestUnacknowledgedBatchID(txn persistence.ReadTxn) (model.BatchID, error) {
	r := persistence.PrefixRange(persistence.Prefix(q.user))
	r.Reverse = true
	id := BatchIDUnknown
	err := q.scanBatches(txn, r, func(b *model.MutationBatch) bool {
		id = b.BatchID
		return false
	})
	return id, err
}

// AllBatches returns every pending batch in id order.
func (q *mutationQueue) AllBatches(txn persistence.ReadTxn) ([]*model.MutationBatch, error) {
	var out []*model.MutationBatch
	err := q.scanBatches(txn, persistence.PrefixRange(persistence.Prefix(q.user)), func(b *model.MutationBatch) bool {
		out = append(out, b)
		return true
	})
	return out, err
}

// IsEmpty reports whether the user has no pending batches.
func (q *mutationQueue) IsEmpty(txn persistence.ReadTxn) (bool, error) {
	n, err := txn.Count(storeMutations, persistence.PrefixRange(persistence.Prefix(q.user)))
	return n == 0, err
}

func (q *mutationQueue) batchIDsForDocument(txn persistence.ReadTxn, key model.DocumentKey, ids map[model.BatchID]struct{}) error {
	r := persistence.PrefixRange(persistence.Prefix(q.user, key.String()))
	return txn.Scan(storeDocumentMutations, r, func(ref string, _ []byte) (bool, error) {
		parts := persistence.SplitKey(ref)
		n, err := parseInt(parts[len(parts)-1])
		if err != nil {
			return false, corrupt(storeDocumentMutations, ref, err)
		}
		ids[model.BatchID(n)] = struct{}{}
		return true, nil
	})
}

func (q *mutationQueue) lookupBatches(txn persistence.ReadTxn, ids map[model.BatchID]struct{}) ([]*model.MutationBatch, error) {
	sorted := make([]model.BatchID, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	slices.Sort(sorted)
	out := make([]*model.MutationBatch, 0, len(sorted))
	for _, id := range sorted {
		b, err := q.LookupBatch(txn, id)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, corrupt(storeDocumentMutations, q.batchKey(id), fmt.Errorf("dangling reference to batch %d", id))
		}
		out = append(out, b)
	}
	return out, nil
}

// AllBatchesAffectingKeys returns the batches touching any of keys, in id
// order.
func (q *mutationQueue) AllBatchesAffectingKeys(txn persistence.ReadTxn, keys model.DocumentKeySet) ([]*model.MutationBatch, error) {
	ids := make(map[model.BatchID]struct{})
	for key := range keys {
		if err := q.batchIDsForDocument(txn, key, ids); err != nil {
			return nil, err
		}
	}
	return q.lookupBatches(txn, ids)
}

// AllBatchesAffectingQuery returns the batches touching documents directly
// inside the query's collection, found through the document reference
// index. Collection group queries are resolved per parent by the caller.
func (q *mutationQueue) AllBatchesAffectingQuery(txn persistence.ReadTxn, qry query.Query) ([]*model.MutationBatch, error) {
	if qry.IsCollectionGroupQuery() {
		return nil, fmt.Errorf("mutation queue: collection group query %s must be split per collection", qry)
	}
	ids := make(map[model.BatchID]struct{})
	if qry.Path.Len()%2 == 0 && qry.Path.Len() > 0 {
		key, err := model.KeyFromPath(qry.Path)
		if err != nil {
			return nil, err
		}
		if err := q.batchIDsForDocument(txn, key, ids); err != nil {
			return nil, err
		}
		return q.lookupBatches(txn, ids)
	}

	r := persistence.PrefixRange(persistence.Key(q.user, qry.Path.String()+"/"))
	err := txn.Scan(storeDocumentMutations, r, func(ref string, _ []byte) (bool, error) {
		parts := persistence.SplitKey(ref)
		if len(parts) != 3 {
			return false, corrupt(storeDocumentMutations, ref, fmt.Errorf("want 3 key parts, got %d", len(parts)))
		}
		path, err := model.ParsePath(parts[1])
		if err != nil {
			return false, corrupt(storeDocumentMutations, ref, err)
		}
		// Documents in nested subcollections share the prefix.
		if !qry.Path.IsImmediateParentOf(path) {
			return true, nil
		}
		n, err := parseInt(parts[2])
		if err != nil {
			return false, corrupt(storeDocumentMutations, ref, err)
		}
		ids[model.BatchID(n)] = struct{}{}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return q.lookupBatches(txn, ids)
}

// RemoveBatch deletes batch, which must be the oldest pending batch.
func (q *mutationQueue) RemoveBatch(txn persistence.WriteTxn, batch *model.MutationBatch) error {
	head, err := q.NextBatchAfter(txn, BatchIDUnknown)
	if err != nil {
		return err
	}
	if head == nil {
		return fmt.Errorf("%w: %d", ErrBatchNotFound, batch.BatchID)
	}
	if head.BatchID != batch.BatchID {
		return batchNotOldest(batch.BatchID, head.BatchID)
	}
	if err := txn.Delete(storeMutations, q.batchKey(batch.BatchID)); err != nil {
		return err
	}
	for _, m := range batch.Mutations {
		ref := persistence.Key(q.user, m.Key.String(), persistence.Int(int64(batch.BatchID)))
		if err := txn.Delete(storeDocumentMutations, ref); err != nil {
			return err
		}
	}
	md, err := q.metadata(txn)
	if err != nil {
		return err
	}
	md.LastAcknowledgedBatchID = batch.BatchID
	return putJSON(txn, storeMutationQueues, q.user, md)
}

// LastStreamToken returns the write stream token saved for this user.
func (q *mutationQueue) LastStreamToken(txn persistence.ReadTxn) ([]byte, error) {
	md, err := q.metadata(txn)
	return md.LastStreamToken, err
}

// SetLastStreamToken saves the write stream token.
func (q *mutationQueue) SetLastStreamToken(txn persistence.WriteTxn, token []byte) error {
	md, err := q.metadata(txn)
	if err != nil {
		return err
	}
	md.LastStreamToken = slices.Clone(token)
	return putJSON(txn, storeMutationQueues, q.user, md)
}

// anyQueueContainsKey reports whether any user has a pending write for key.
// Such documents are pinned against garbage collection.
func anyQueueContainsKey(txn persistence.ReadTxn, key model.DocumentKey) (bool, error) {
	var users []string
	err := txn.Scan(storeMutationQueues, persistence.All, func(user string, _ []byte) (bool, error) {
		users = append(users, user)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	for _, user := range users {
		n, err := txn.Count(storeDocumentMutations, persistence.PrefixRange(persistence.Prefix(user, key.String())))
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}
