package local

import (
	"log/slog"
	"slices"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
)

// CacheSizeUnlimited disables garbage collection.
const CacheSizeUnlimited int64 = -1

// LRUParams tunes a collection pass.
type LRUParams struct {
	// CacheSizeCollectionThreshold is the remote document cache size in
	// bytes below which a pass does nothing.
	CacheSizeCollectionThreshold int64

	// PercentileToCollect of the sequence numbers in use are collected per
	// pass.
	PercentileToCollect int

	// MaximumSequenceNumbersToCollect caps a single pass.
	MaximumSequenceNumbersToCollect int
}

// DefaultLRUParams collects 10% of sequence numbers, at most 1000, once the
// cache holds 40MB.
func DefaultLRUParams() LRUParams {
	return LRUParams{
		CacheSizeCollectionThreshold:    40 * 1024 * 1024,
		PercentileToCollect:             10,
		MaximumSequenceNumbersToCollect: 1000,
	}
}

// LRUResults reports one collection pass.
type LRUResults struct {
	DidRun                   bool
	SequenceNumbersCollected int
	TargetsRemoved           int
	DocumentsRemoved         int
}

// pinChecker reports whether something held only in memory references a
// document.
type pinChecker func(model.DocumentKey) bool

// lruGarbageCollector evicts targets and documents by the listen sequence
// number at which they were last used.
//
// Every cached document carries a sentinel row in storeDocumentSequence
// holding the sequence number of its last use. Targets carry theirs in the
// target data.
type lruGarbageCollector struct {
	params  LRUParams
	targets targetCache
	remote  remoteDocumentCache
	indexes indexManager
	logger  *slog.Logger
}

// touchDocument records that key was used at seq.
func (lruGarbageCollector) touchDocument(txn persistence.WriteTxn, key model.DocumentKey, seq query.ListenSequenceNumber) error {
	return txn.Put(storeDocumentSequence, key.String(), []byte(persistence.Int(int64(seq))))
}

func (lruGarbageCollector) forgetDocument(txn persistence.WriteTxn, key model.DocumentKey) error {
	return txn.Delete(storeDocumentSequence, key.String())
}

// sequenceNumbers returns every sequence number in use: one per target and
// one per document sentinel.
func (c lruGarbageCollector) sequenceNumbers(txn persistence.ReadTxn) ([]query.ListenSequenceNumber, error) {
	var out []query.ListenSequenceNumber
	err := c.targets.ForEachTarget(txn, func(td query.TargetData) error {
		out = append(out, td.SequenceNumber)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = txn.Scan(storeDocumentSequence, persistence.All, func(k string, raw []byte) (bool, error) {
		n, err := parseInt(string(raw))
		if err != nil {
			return false, corrupt(storeDocumentSequence, k, err)
		}
		out = append(out, query.ListenSequenceNumber(n))
		return true, nil
	})
	return out, err
}

// nthSequenceNumber returns the n-th smallest sequence number in use, or
// InvalidSequenceNumber when n is zero.
func (c lruGarbageCollector) nthSequenceNumber(txn persistence.ReadTxn, n int) (query.ListenSequenceNumber, error) {
	if n == 0 {
		return query.InvalidSequenceNumber, nil
	}
	seqs, err := c.sequenceNumbers(txn)
	if err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return query.InvalidSequenceNumber, nil
	}
	slices.Sort(seqs)
	return seqs[min(n, len(seqs))-1], nil
}

// removeTargets deletes inactive targets used at or before upTo.
func (c lruGarbageCollector) removeTargets(txn persistence.WriteTxn, upTo query.ListenSequenceNumber, active map[model.TargetID]bool) (int, error) {
	var doomed []query.TargetData
	err := c.targets.ForEachTarget(txn, func(td query.TargetData) error {
		if td.SequenceNumber <= upTo && !active[td.TargetID] {
			doomed = append(doomed, td)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, td := range doomed {
		keys, err := c.targets.MatchingKeys(txn, td.TargetID)
		if err != nil {
			return 0, err
		}
		if err := c.targets.RemoveTargetData(txn, td); err != nil {
			return 0, err
		}
		// Documents released here stay eligible at the target's age.
		for key := range keys {
			if err := c.touchDocument(txn, key, td.SequenceNumber); err != nil {
				return 0, err
			}
		}
	}
	return len(doomed), nil
}

func (c lruGarbageCollector) isPinned(txn persistence.ReadTxn, key model.DocumentKey, pinned pinChecker) (bool, error) {
	if pinned != nil && pinned(key) {
		return true, nil
	}
	if ok, err := c.targets.ContainsKey(txn, key); err != nil || ok {
		return ok, err
	}
	return anyQueueContainsKey(txn, key)
}

// removeOrphanedDocuments deletes documents used at or before upTo that no
// target, pending mutation or local view references.
func (c lruGarbageCollector) removeOrphanedDocuments(txn persistence.WriteTxn, upTo query.ListenSequenceNumber, pinned pinChecker) (int, error) {
	var candidates []model.DocumentKey
	err := txn.Scan(storeDocumentSequence, persistence.All, func(k string, raw []byte) (bool, error) {
		n, err := parseInt(string(raw))
		if err != nil {
			return false, corrupt(storeDocumentSequence, k, err)
		}
		if query.ListenSequenceNumber(n) > upTo {
			return true, nil
		}
		key, err := model.ParseKey(k)
		if err != nil {
			return false, corrupt(storeDocumentSequence, k, err)
		}
		candidates = append(candidates, key)
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	indexes, err := c.indexes.FieldIndexes(txn, "")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range candidates {
		ok, err := c.isPinned(txn, key, pinned)
		if err != nil {
			return 0, err
		}
		if ok {
			continue
		}
		if err := c.indexes.UpdateIndexEntries(txn, indexes, model.NewInvalidDocument(key)); err != nil {
			return 0, err
		}
		if err := c.remote.Remove(txn, key); err != nil {
			return 0, err
		}
		if err := c.forgetDocument(txn, key); err != nil {
			return 0, err
		}
		removed++
	}
	return removed, nil
}

// Collect runs one pass. active holds the targets currently listened to.
func (c lruGarbageCollector) Collect(txn persistence.WriteTxn, active map[model.TargetID]bool, pinned pinChecker) (LRUResults, error) {
	if c.params.CacheSizeCollectionThreshold == CacheSizeUnlimited {
		c.logger.Debug("garbage collection skipped", "reason", "disabled")
		return LRUResults{}, nil
	}
	size, err := c.remote.Size(txn)
	if err != nil {
		return LRUResults{}, err
	}
	if size < c.params.CacheSizeCollectionThreshold {
		c.logger.Debug("garbage collection skipped",
			"cache_size", size,
			"threshold", c.params.CacheSizeCollectionThreshold)
		return LRUResults{}, nil
	}

	seqs, err := c.sequenceNumbers(txn)
	if err != nil {
		return LRUResults{}, err
	}
	n := len(seqs) * c.params.PercentileToCollect / 100
	if n > c.params.MaximumSequenceNumbersToCollect {
		c.logger.Debug("capping sequence numbers to collect",
			"requested", n,
			"max", c.params.MaximumSequenceNumbersToCollect)
		n = c.params.MaximumSequenceNumbersToCollect
	}
	upTo, err := c.nthSequenceNumber(txn, n)
	if err != nil {
		return LRUResults{}, err
	}

	res := LRUResults{DidRun: true, SequenceNumbersCollected: n}
	if upTo == query.InvalidSequenceNumber {
		return res, nil
	}
	if res.TargetsRemoved, err = c.removeTargets(txn, upTo, active); err != nil {
		return LRUResults{}, err
	}
	if res.DocumentsRemoved, err = c.removeOrphanedDocuments(txn, upTo, pinned); err != nil {
		return LRUResults{}, err
	}
	c.logger.Info("garbage collection finished",
		"cache_size", size,
		"upper_bound", int64(upTo),
		"targets_removed", res.TargetsRemoved,
		"documents_removed", res.DocumentsRemoved)
	return res, nil
}
