package local

import (
	"fmt"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
)

// targetCache stores target metadata, the document keys each target
// matches, and the target globals.
type targetCache struct{}

func targetKey(id model.TargetID) string {
	return persistence.Int(int64(id))
}

// Globals returns the singleton metadata row.
func (targetCache) Globals(txn persistence.ReadTxn) (targetGlobals, error) {
	var g targetGlobals
	_, err := getJSON(txn, storeGlobals, globalTargets, &g)
	return g, err
}

func (targetCache) saveGlobals(txn persistence.WriteTxn, g targetGlobals) error {
	return putJSON(txn, storeGlobals, globalTargets, g)
}

// SetLastRemoteSnapshotVersion records the newest global snapshot applied.
func (c targetCache) SetLastRemoteSnapshotVersion(txn persistence.WriteTxn, v model.SnapshotVersion) error {
	g, err := c.Globals(txn)
	if err != nil {
		return err
	}
	g.LastRemoteSnapshotVersion = v
	return c.saveGlobals(txn, g)
}

// SetHighestListenSequenceNumber raises the persisted sequence high-water
// mark.
func (c targetCache) SetHighestListenSequenceNumber(txn persistence.WriteTxn, seq query.ListenSequenceNumber) error {
	g, err := c.Globals(txn)
	if err != nil {
		return err
	}
	if int64(seq) <= g.HighestListenSequenceNumber {
		return nil
	}
	g.HighestListenSequenceNumber = int64(seq)
	return c.saveGlobals(txn, g)
}

func (c targetCache) put(txn persistence.WriteTxn, td query.TargetData) error {
	raw, err := encodeTargetData(td)
	if err != nil {
		return err
	}
	if err := txn.Put(storeTargets, targetKey(td.TargetID), raw); err != nil {
		return err
	}
	return txn.Put(storeTargetCanonical, persistence.Key(td.Target.CanonicalID(), targetKey(td.TargetID)), nil)
}

// updateGlobals raises the highest target id and sequence number to cover
// td and adjusts the target count.
func (c targetCache) updateGlobals(txn persistence.WriteTxn, td query.TargetData, countDelta int) error {
	g, err := c.Globals(txn)
	if err != nil {
		return err
	}
	if td.TargetID > g.HighestTargetID {
		g.HighestTargetID = td.TargetID
	}
	if int64(td.SequenceNumber) > g.HighestListenSequenceNumber {
		g.HighestListenSequenceNumber = int64(td.SequenceNumber)
	}
	g.TargetCount += countDelta
	return c.saveGlobals(txn, g)
}

// AddTargetData stores a new target.
func (c targetCache) AddTargetData(txn persistence.WriteTxn, td query.TargetData) error {
	if err := c.put(txn, td); err != nil {
		return err
	}
	return c.updateGlobals(txn, td, 1)
}

// UpdateTargetData replaces an existing target.
func (c targetCache) UpdateTargetData(txn persistence.WriteTxn, td query.TargetData) error {
	if err := c.put(txn, td); err != nil {
		return err
	}
	return c.updateGlobals(txn, td, 0)
}

// RemoveTargetData deletes a target and its document associations.
func (c targetCache) RemoveTargetData(txn persistence.WriteTxn, td query.TargetData) error {
	keys, err := c.MatchingKeys(txn, td.TargetID)
	if err != nil {
		return err
	}
	if err := c.RemoveMatchingKeys(txn, keys, td.TargetID); err != nil {
		return err
	}
	if err := txn.Delete(storeTargets, targetKey(td.TargetID)); err != nil {
		return err
	}
	if err := txn.Delete(storeTargetCanonical, persistence.Key(td.Target.CanonicalID(), targetKey(td.TargetID))); err != nil {
		return err
	}
	return c.updateGlobals(txn, td, -1)
}

func (targetCache) decode(k string, raw []byte) (query.TargetData, error) {
	td, err := decodeTargetData(raw)
	if err != nil {
		return query.TargetData{}, corrupt(storeTargets, k, err)
	}
	return td, nil
}

// GetTargetDataByID returns the target with id, if stored.
func (c targetCache) GetTargetDataByID(txn persistence.ReadTxn, id model.TargetID) (*query.TargetData, error) {
	k := targetKey(id)
	raw, ok, err := txn.Get(storeTargets, k)
	if err != nil || !ok {
		return nil, err
	}
	td, err := c.decode(k, raw)
	if err != nil {
		return nil, err
	}
	return &td, nil
}

// GetTargetData finds the stored target equal to target.
func (c targetCache) GetTargetData(txn persistence.ReadTxn, target query.Target) (*query.TargetData, error) {
	canonical := target.CanonicalID()
	var found *query.TargetData
	err := txn.Scan(storeTargetCanonical, persistence.PrefixRange(persistence.Prefix(canonical)), func(ref string, _ []byte) (bool, error) {
		parts := persistence.SplitKey(ref)
		n, err := parseInt(parts[len(parts)-1])
		if err != nil {
			return false, corrupt(storeTargetCanonical, ref, err)
		}
		td, err := c.GetTargetDataByID(txn, model.TargetID(n))
		if err != nil {
			return false, err
		}
		if td == nil {
			return false, corrupt(storeTargetCanonical, ref, fmt.Errorf("dangling reference to target %d", n))
		}
		// Canonical ids are unique per target, but guard against a
		// different target with the same prefix.
		if td.Target.CanonicalID() == canonical {
			found = td
			return false, nil
		}
		return true, nil
	})
	return found, err
}

// ForEachTarget visits every stored target.
func (c targetCache) ForEachTarget(txn persistence.ReadTxn, fn func(query.TargetData) error) error {
	return txn.Scan(storeTargets, persistence.All, func(k string, raw []byte) (bool, error) {
		td, err := c.decode(k, raw)
		if err != nil {
			return false, err
		}
		return true, fn(td)
	})
}

// AddMatchingKeys associates keys with target id.
func (targetCache) AddMatchingKeys(txn persistence.WriteTxn, keys model.DocumentKeySet, id model.TargetID) error {
	for key := range keys {
		if err := txn.Put(storeTargetDocuments, persistence.Key(targetKey(id), key.String()), nil); err != nil {
			return err
		}
		if err := txn.Put(storeDocumentTargets, persistence.Key(key.String(), targetKey(id)), nil); err != nil {
			return err
		}
	}
	return nil
}

// RemoveMatchingKeys dissociates keys from target id.
func (targetCache) RemoveMatchingKeys(txn persistence.WriteTxn, keys model.DocumentKeySet, id model.TargetID) error {
	for key := range keys {
		if err := txn.Delete(storeTargetDocuments, persistence.Key(targetKey(id), key.String())); err != nil {
			return err
		}
		if err := txn.Delete(storeDocumentTargets, persistence.Key(key.String(), targetKey(id))); err != nil {
			return err
		}
	}
	return nil
}

// MatchingKeys returns the keys associated with target id.
func (targetCache) MatchingKeys(txn persistence.ReadTxn, id model.TargetID) (model.DocumentKeySet, error) {
	keys := model.NewKeySet()
	err := txn.Scan(storeTargetDocuments, persistence.PrefixRange(persistence.Prefix(targetKey(id))), func(ref string, _ []byte) (bool, error) {
		parts := persistence.SplitKey(ref)
		key, err := model.ParseKey(parts[len(parts)-1])
		if err != nil {
			return false, corrupt(storeTargetDocuments, ref, err)
		}
		keys.Add(key)
		return true, nil
	})
	return keys, err
}

// ContainsKey reports whether any target matches key.
func (targetCache) ContainsKey(txn persistence.ReadTxn, key model.DocumentKey) (bool, error) {
	n, err := txn.Count(storeDocumentTargets, persistence.PrefixRange(persistence.Prefix(key.String())))
	return n > 0, err
}
