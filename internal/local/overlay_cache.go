package local

import (
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
)

// overlayCache holds, per user, the condensed effect of all pending batches
// on each document.
type overlayCache struct {
	user string
}

func newOverlayCache(userKey string) *overlayCache {
	return &overlayCache{user: userKey}
}

func (c *overlayCache) overlayKey(key model.DocumentKey) string {
	return persistence.Key(c.user, key.CollectionPath().String(), key.ID())
}

func (c *overlayCache) batchRefKey(id model.BatchID, key model.DocumentKey) string {
	return persistence.Key(c.user, persistence.Int(int64(id)), key.String())
}

func (c *overlayCache) decode(storeKey string, raw []byte) (model.Overlay, error) {
	o, err := model.UnmarshalOverlay(raw)
	if err != nil {
		return model.Overlay{}, corrupt(storeOverlays, storeKey, err)
	}
	return o, nil
}

// GetOverlay returns the overlay for key, or nil.
func (c *overlayCache) GetOverlay(txn persistence.ReadTxn, key model.DocumentKey) (*model.Overlay, error) {
	k := c.overlayKey(key)
	raw, ok, err := txn.Get(storeOverlays, k)
	if err != nil || !ok {
		return nil, err
	}
	o, err := c.decode(k, raw)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOverlays returns the overlays that exist among keys.
func (c *overlayCache) GetOverlays(txn persistence.ReadTxn, keys model.DocumentKeySet) (map[model.DocumentKey]model.Overlay, error) {
	out := make(map[model.DocumentKey]model.Overlay)
	for key := range keys {
		o, err := c.GetOverlay(txn, key)
		if err != nil {
			return nil, err
		}
		if o != nil {
			out[key] = *o
		}
	}
	return out, nil
}

// SaveOverlays stores one overlay per key, all attributed to largestBatchID.
func (c *overlayCache) SaveOverlays(txn persistence.WriteTxn, largestBatchID model.BatchID, overlays map[model.DocumentKey]model.Mutation) error {
	for key, m := range overlays {
		if err := c.RemoveOverlay(txn, key); err != nil {
			return err
		}
		raw, err := model.MarshalOverlay(model.Overlay{LargestBatchID: largestBatchID, Mutation: m})
		if err != nil {
			return err
		}
		if err := txn.Put(storeOverlays, c.overlayKey(key), raw); err != nil {
			return err
		}
		if err := txn.Put(storeOverlaysByBatch, c.batchRefKey(largestBatchID, key), nil); err != nil {
			return err
		}
	}
	return nil
}

// RemoveOverlay deletes the overlay for key if there is one.
func (c *overlayCache) RemoveOverlay(txn persistence.WriteTxn, key model.DocumentKey) error {
	existing, err := c.GetOverlay(txn, key)
	if err != nil || existing == nil {
		return err
	}
	if err := txn.Delete(storeOverlaysByBatch, c.batchRefKey(existing.LargestBatchID, key)); err != nil {
		return err
	}
	return txn.Delete(storeOverlays, c.overlayKey(key))
}

// RemoveOverlaysForBatchID deletes every overlay whose largest batch is id.
// Overlays later batches contributed to stay in place.
func (c *overlayCache) RemoveOverlaysForBatchID(txn persistence.WriteTxn, id model.BatchID) error {
	var keys []model.DocumentKey
	r := persistence.PrefixRange(persistence.Prefix(c.user, persistence.Int(int64(id))))
	err := txn.Scan(storeOverlaysByBatch, r, func(ref string, _ []byte) (bool, error) {
		parts := persistence.SplitKey(ref)
		key, err := model.ParseKey(parts[len(parts)-1])
		if err != nil {
			return false, corrupt(storeOverlaysByBatch, ref, err)
		}
		keys = append(keys, key)
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := txn.Delete(storeOverlays, c.overlayKey(key)); err != nil {
			return err
		}
	}
	return txn.DeleteRange(storeOverlaysByBatch, r)
}

// GetOverlaysForCollection returns the overlays of documents directly inside
// collection whose largest batch id is above sinceBatchID.
func (c *overlayCache) GetOverlaysForCollection(txn persistence.ReadTxn, collection model.ResourcePath, sinceBatchID model.BatchID) (map[model.DocumentKey]model.Overlay, error) {
	out := make(map[model.DocumentKey]model.Overlay)
	r := persistence.PrefixRange(persistence.Prefix(c.user, collection.String()))
	err := txn.Scan(storeOverlays, r, func(k string, raw []byte) (bool, error) {
		o, err := c.decode(k, raw)
		if err != nil {
			return false, err
		}
		if o.LargestBatchID > sinceBatchID {
			out[o.Key()] = o
		}
		return true, nil
	})
	return out, err
}

// Count returns how many overlays the user has.
func (c *overlayCache) Count(txn persistence.ReadTxn) (int, error) {
	return txn.Count(storeOverlays, persistence.PrefixRange(persistence.Prefix(c.user)))
}
