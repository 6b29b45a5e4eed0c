package local

import (
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
)

// IndexOffset marks how far a scan or an index has progressed through the
// remote document cache. Documents order by read time, then key.
// LargestBatchID covers overlays the same way.
type IndexOffset struct {
	ReadTime       model.SnapshotVersion
	Key            model.DocumentKey
	LargestBatchID model.BatchID
}

// IndexOffsetNone precedes every document and batch.
var IndexOffsetNone = IndexOffset{LargestBatchID: BatchIDUnknown}

// IsNone reports whether o precedes everything.
func (o IndexOffset) IsNone() bool {
	return o.ReadTime.IsMin() && o.Key.IsEmpty() && o.LargestBatchID == BatchIDUnknown
}

// Precedes reports whether a document read at readTime with key sorts after
// the offset.
func (o IndexOffset) Precedes(readTime model.SnapshotVersion, key model.DocumentKey) bool {
	if c := readTime.Compare(o.ReadTime); c != 0 {
		return c > 0
	}
	return o.Key.IsEmpty() || key.Compare(o.Key) > 0
}

// offsetForDocument is the offset a document advances an index to.
func offsetForDocument(doc *model.MutableDocument, largestBatchID model.BatchID) IndexOffset {
	return IndexOffset{ReadTime: doc.ReadTime(), Key: doc.Key(), LargestBatchID: largestBatchID}
}

// QueryContext accumulates statistics of one query execution.
type QueryContext struct {
	DocumentReadCount int
}

// remoteDocumentCache stores the last known server state of documents. It
// keeps the total encoded size for the garbage collector and a read-time
// index for incremental scans.
type remoteDocumentCache struct{}

func (remoteDocumentCache) readKey(key model.DocumentKey, readTime model.SnapshotVersion) string {
	return persistence.Key(key.CollectionPath().String(), versionKey(readTime), key.ID())
}

func (remoteDocumentCache) decode(storeKey string, raw []byte) (*model.MutableDocument, error) {
	doc, err := model.UnmarshalDocument(raw)
	if err != nil {
		return nil, corrupt(storeRemoteDocuments, storeKey, err)
	}
	return doc, nil
}

func (c remoteDocumentCache) adjustSize(txn persistence.WriteTxn, delta int64) error {
	var g remoteDocumentGlobals
	if _, err := getJSON(txn, storeGlobals, globalRemoteDocuments, &g); err != nil {
		return err
	}
	g.Size += delta
	return putJSON(txn, storeGlobals, globalRemoteDocuments, g)
}

// Add stores doc as read at readTime, replacing any previous copy.
func (c remoteDocumentCache) Add(txn persistence.WriteTxn, doc *model.MutableDocument, readTime model.SnapshotVersion) error {
	doc = doc.Clone().SetReadTime(readTime)
	raw, err := model.MarshalDocument(doc)
	if err != nil {
		return err
	}
	freed, err := c.removeEntry(txn, doc.Key())
	if err != nil {
		return err
	}
	if err := txn.Put(storeRemoteDocuments, remoteDocumentKey(doc.Key()), raw); err != nil {
		return err
	}
	if err := txn.Put(storeRemoteDocReads, c.readKey(doc.Key(), readTime), nil); err != nil {
		return err
	}
	return c.adjustSize(txn, int64(len(raw))-freed)
}

// removeEntry deletes key and its read-time entry and returns the encoded
// size that was freed.
func (c remoteDocumentCache) removeEntry(txn persistence.WriteTxn, key model.DocumentKey) (int64, error) {
	k := remoteDocumentKey(key)
	raw, ok, err := txn.Get(storeRemoteDocuments, k)
	if err != nil || !ok {
		return 0, err
	}
	old, err := c.decode(k, raw)
	if err != nil {
		return 0, err
	}
	if err := txn.Delete(storeRemoteDocReads, c.readKey(key, old.ReadTime())); err != nil {
		return 0, err
	}
	return int64(len(raw)), txn.Delete(storeRemoteDocuments, k)
}

// Remove deletes key from the cache.
func (c remoteDocumentCache) Remove(txn persistence.WriteTxn, key model.DocumentKey) error {
	freed, err := c.removeEntry(txn, key)
	if err != nil || freed == 0 {
		return err
	}
	return c.adjustSize(txn, -freed)
}

// Get returns the cached document or an invalid document.
func (c remoteDocumentCache) Get(txn persistence.ReadTxn, key model.DocumentKey) (*model.MutableDocument, error) {
	k := remoteDocumentKey(key)
	raw, ok, err := txn.Get(storeRemoteDocuments, k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return model.NewInvalidDocument(key), nil
	}
	return c.decode(k, raw)
}

// GetAll returns an entry for every key, invalid where nothing is cached.
func (c remoteDocumentCache) GetAll(txn persistence.ReadTxn, keys model.DocumentKeySet) (model.DocumentMap, error) {
	out := make(model.DocumentMap, len(keys))
	for key := range keys {
		doc, err := c.Get(txn, key)
		if err != nil {
			return nil, err
		}
		out[key] = doc
	}
	return out, nil
}

// scanCollection visits documents directly inside collection that sort after
// offset, in read-time order when an offset is given.
func (c remoteDocumentCache) scanCollection(txn persistence.ReadTxn, collection model.ResourcePath, offset IndexOffset, fn func(*model.MutableDocument) (bool, error)) error {
	if offset.ReadTime.IsMin() && offset.Key.IsEmpty() {
		return txn.Scan(storeRemoteDocuments, persistence.PrefixRange(collectionPrefix(collection)), func(k string, raw []byte) (bool, error) {
			doc, err := c.decode(k, raw)
			if err != nil {
				return false, err
			}
			return fn(doc)
		})
	}
	r := persistence.PrefixRange(collectionPrefix(collection))
	r.Start = persistence.Key(collection.String(), versionKey(offset.ReadTime))
	return txn.Scan(storeRemoteDocReads, r, func(ref string, _ []byte) (bool, error) {
		parts := persistence.SplitKey(ref)
		key, err := model.KeyFromPath(collection.Child(parts[len(parts)-1]))
		if err != nil {
			return false, corrupt(storeRemoteDocReads, ref, err)
		}
		doc, err := c.Get(txn, key)
		if err != nil {
			return false, err
		}
		if !doc.IsValidDocument() || !offset.Precedes(doc.ReadTime(), key) {
			return true, nil
		}
		return fn(doc)
	})
}

// GetDocumentsMatchingQuery returns cached documents in the query's
// collection that changed after offset and either match the query or have
// pending writes in mutatedKeys. Collection group queries must be split per
// collection by the caller.
func (c remoteDocumentCache) GetDocumentsMatchingQuery(txn persistence.ReadTxn, q query.Query, offset IndexOffset, mutatedKeys model.DocumentKeySet, qc *QueryContext) (model.DocumentMap, error) {
	out := make(model.DocumentMap)
	err := c.scanCollection(txn, q.Path, offset, func(doc *model.MutableDocument) (bool, error) {
		if qc != nil {
			qc.DocumentReadCount++
		}
		if !doc.IsFoundDocument() && !mutatedKeys.Has(doc.Key()) {
			return true, nil
		}
		if q.Matches(doc) || mutatedKeys.Has(doc.Key()) {
			out[doc.Key()] = doc
		}
		return true, nil
	})
	return out, err
}

// GetNextDocuments returns up to limit documents of collection that sort
// after offset, in read-time order.
func (c remoteDocumentCache) GetNextDocuments(txn persistence.ReadTxn, collection model.ResourcePath, offset IndexOffset, limit int) ([]*model.MutableDocument, error) {
	var out []*model.MutableDocument
	r := persistence.PrefixRange(collectionPrefix(collection))
	r.Start = persistence.Key(collection.String(), versionKey(offset.ReadTime))
	err := txn.Scan(storeRemoteDocReads, r, func(ref string, _ []byte) (bool, error) {
		parts := persistence.SplitKey(ref)
		key, err := model.KeyFromPath(collection.Child(parts[len(parts)-1]))
		if err != nil {
			return false, corrupt(storeRemoteDocReads, ref, err)
		}
		doc, err := c.Get(txn, key)
		if err != nil {
			return false, err
		}
		if !doc.IsValidDocument() || !offset.Precedes(doc.ReadTime(), key) {
			return true, nil
		}
		out = append(out, doc)
		return len(out) < limit, nil
	})
	return out, err
}

// Size returns the total encoded size of cached documents.
func (remoteDocumentCache) Size(txn persistence.ReadTxn) (int64, error) {
	var g remoteDocumentGlobals
	_, err := getJSON(txn, storeGlobals, globalRemoteDocuments, &g)
	return g.Size, err
}

// Count returns the number of cached documents.
func (remoteDocumentCache) Count(txn persistence.ReadTxn) (int, error) {
	return txn.Count(storeRemoteDocuments, persistence.All)
}
