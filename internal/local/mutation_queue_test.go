package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/testutil"
)

func TestMutationQueue_BatchOrdering(t *testing.T) {
	eachBackend(t, func(t *testing.T, b persistence.Backend) {
		q := newMutationQueue("alice")
		writeTime := model.TimestampFromMicros(1)
		var first, second *model.MutationBatch
		update(t, b, func(txn persistence.WriteTxn) error {
			var err error
			first, err = q.AddBatch(txn, writeTime, []model.Mutation{testutil.SetMutation("c/a", map[string]any{"n": 1})})
			require.NoError(t, err)
			second, err = q.AddBatch(txn, writeTime, []model.Mutation{
				testutil.SetMutation("c/b", map[string]any{"n": 2}),
				testutil.SetMutation("c/sub/d/e", map[string]any{"n": 3}),
			})
			return err
		})
		assert.Less(t, first.BatchID, second.BatchID)

		view(t, b, func(txn persistence.ReadTxn) error {
			next, err := q.NextBatchAfter(txn, first.BatchID)
			require.NoError(t, err)
			require.NotNil(t, next)
			assert.Equal(t, second.BatchID, next.BatchID)

			next, err = q.NextBatchAfter(txn, second.BatchID)
			require.NoError(t, err)
			assert.Nil(t, next)

			affecting, err := q.AllBatchesAffectingKeys(txn, testutil.Keys("c/b"))
			require.NoError(t, err)
			require.Len(t, affecting, 1)
			assert.Equal(t, second.BatchID, affecting[0].BatchID)

			byQuery, err := q.AllBatchesAffectingQuery(txn, testutil.Query("c"))
			require.NoError(t, err)
			assert.Len(t, byQuery, 2, "nested subcollection writes do not count")
			return nil
		})

		other := newMutationQueue("bob")
		view(t, b, func(txn persistence.ReadTxn) error {
			batches, err := other.AllBatches(txn)
			require.NoError(t, err)
			assert.Empty(t, batches, "queues are per user")

			pinned, err := anyQueueContainsKey(txn, testutil.Key("c/a"))
			require.NoError(t, err)
			assert.True(t, pinned)
			return nil
		})
	})
}

func TestMutationQueue_RemoveOnlyOldest(t *testing.T) {
	eachBackend(t, func(t *testing.T, b persistence.Backend) {
		q := newMutationQueue("")
		var batches []*model.MutationBatch
		update(t, b, func(txn persistence.WriteTxn) error {
			for _, path := range []string{"c/a", "c/b"} {
				batch, err := q.AddBatch(txn, model.TimestampFromMicros(1), []model.Mutation{testutil.DeleteMutation(path)})
				require.NoError(t, err)
				batches = append(batches, batch)
			}
			return nil
		})

		err := b.Update(t.Context(), "remove", func(txn persistence.WriteTxn) error {
			return q.RemoveBatch(txn, batches[1])
		})
		assert.ErrorIs(t, err, ErrBatchNotOldest)

		update(t, b, func(txn persistence.WriteTxn) error {
			return q.RemoveBatch(txn, batches[0])
		})
		view(t, b, func(txn persistence.ReadTxn) error {
			id, err := q.HighestUnacknowledgedBatchID(txn)
			require.NoError(t, err)
			assert.Equal(t, batches[1].BatchID, id)

			gone, err := q.LookupBatch(txn, batches[0].BatchID)
			require.NoError(t, err)
			assert.Nil(t, gone)

			pinned, err := anyQueueContainsKey(txn, testutil.Key("c/a"))
			require.NoError(t, err)
			assert.False(t, pinned)
			return nil
		})
	})
}

func TestOverlayCache_ReplacesPerKey(t *testing.T) {
	eachBackend(t, func(t *testing.T, b persistence.Backend) {
		c := newOverlayCache("")
		a, bb := testutil.Key("c/a"), testutil.Key("c/b")
		update(t, b, func(txn persistence.WriteTxn) error {
			require.NoError(t, c.SaveOverlays(txn, 1, map[model.DocumentKey]model.Mutation{
				a:  testutil.SetMutation("c/a", map[string]any{"v": 1}),
				bb: testutil.SetMutation("c/b", map[string]any{"v": 1}),
			}))
			return c.SaveOverlays(txn, 2, map[model.DocumentKey]model.Mutation{
				a: testutil.SetMutation("c/a", map[string]any{"v": 2}),
			})
		})
		view(t, b, func(txn persistence.ReadTxn) error {
			o, err := c.GetOverlay(txn, a)
			require.NoError(t, err)
			require.NotNil(t, o)
			assert.Equal(t, model.BatchID(2), o.LargestBatchID)

			since, err := c.GetOverlaysForCollection(txn, model.MustParsePath("c"), 1)
			require.NoError(t, err)
			assert.Len(t, since, 1)
			assert.Contains(t, since, a)
			return nil
		})

		update(t, b, func(txn persistence.WriteTxn) error {
			return c.RemoveOverlaysForBatchID(txn, 1)
		})
		view(t, b, func(txn persistence.ReadTxn) error {
			n, err := c.Count(txn)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "batch 1 no longer owns c/a")
			return nil
		})
	})
}

func TestReferenceSet(t *testing.T) {
	r := NewReferenceSet()
	a, b := testutil.Key("c/a"), testutil.Key("c/b")
	assert.True(t, r.IsEmpty())

	r.AddReferences(model.NewKeySet(a, b), 1)
	r.AddReference(a, 2)
	assert.True(t, r.ContainsKey(a))
	assert.Equal(t, model.NewKeySet(a, b), r.ReferencesForID(1))

	r.RemoveReference(a, 1)
	assert.True(t, r.ContainsKey(a), "still held by 2")

	removed := r.RemoveReferencesForID(2)
	assert.Equal(t, []model.DocumentKey{a}, removed)
	assert.False(t, r.ContainsKey(a))
	assert.True(t, r.ContainsKey(b))

	r.RemoveAll()
	assert.True(t, r.IsEmpty())
	assert.False(t, r.ContainsKey(b))
}
