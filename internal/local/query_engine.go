package local

import (
	"log/slog"
	"slices"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
)

// Auto index creation defaults.
const (
	DefaultIndexAutoCreationMinCollectionSize = 100
	DefaultRelativeIndexReadCostPerDocument   = 2.0
)

// Strategy names which path answered a query.
type Strategy string

const (
	StrategyIndex           Strategy = "index"
	StrategyPreviousResults Strategy = "previous-results"
	StrategyFullScan        Strategy = "full-scan"
)

// queryEngine answers queries from the local cache, preferring client-side
// indexes, then the results of a previous limbo-free snapshot, then a full
// collection scan.
type queryEngine struct {
	view    *localDocumentsView
	indexes indexManager
	logger  *slog.Logger

	autoCreate        bool
	minCollectionSize int
	relativeReadCost  float64
}

// queryOutcome is the result of one execution.
type queryOutcome struct {
	docs         model.DocumentMap
	strategy     Strategy
	indexCreated bool
}

// GetDocumentsMatchingQuery runs q. remoteKeys and lastLimboFree describe the
// previous synced result of the same target, if any.
func (e *queryEngine) GetDocumentsMatchingQuery(txn persistence.WriteTxn, q query.Query, lastLimboFree model.SnapshotVersion, remoteKeys model.DocumentKeySet) (queryOutcome, error) {
	docs, err := e.usingIndex(txn, q)
	if err != nil {
		return queryOutcome{}, err
	}
	if docs != nil {
		return queryOutcome{docs: docs, strategy: StrategyIndex}, nil
	}

	docs, err = e.usingRemoteKeys(txn, q, remoteKeys, lastLimboFree)
	if err != nil {
		return queryOutcome{}, err
	}
	if docs != nil {
		return queryOutcome{docs: docs, strategy: StrategyPreviousResults}, nil
	}

	qc := &QueryContext{}
	docs, err = e.view.GetDocumentsMatchingQuery(txn, q, IndexOffsetNone, qc)
	if err != nil {
		return queryOutcome{}, err
	}
	out := queryOutcome{docs: docs, strategy: StrategyFullScan}
	if e.autoCreate {
		out.indexCreated, err = e.createCacheIndexes(txn, q, qc, len(docs))
		if err != nil {
			return queryOutcome{}, err
		}
	}
	return out, nil
}

func (e *queryEngine) usingIndex(txn persistence.ReadTxn, q query.Query) (model.DocumentMap, error) {
	if q.MatchesAllDocuments() {
		return nil, nil
	}
	target := q.Target()
	typ, err := e.indexes.GetIndexType(txn, target)
	if err != nil || typ == IndexTypeNone {
		return nil, err
	}
	if q.HasLimit() && typ == IndexTypePartial {
		// A partial index cannot tell where the limit cuts off.
		return e.usingIndex(txn, q.WithoutLimit())
	}
	keys, index, err := e.indexes.GetDocumentsMatchingTarget(txn, target)
	if err != nil || index == nil {
		return nil, err
	}
	docs, err := e.view.GetDocuments(txn, keys)
	if err != nil {
		return nil, err
	}
	previous := applyQuery(q, docs)
	// Index entries reflect the remote cache only, so every overlay is
	// reconsidered.
	offset := index.Offset
	offset.LargestBatchID = BatchIDUnknown
	if q.HasLimit() && needsRefill(q, previous, keys, offset.ReadTime) {
		return e.usingIndex(txn, q.WithoutLimit())
	}
	e.logger.Debug("query served by index", "query", q.CanonicalID(), "index", index.String(), "type", typ.String())
	return e.appendRemaining(txn, previous, q, offset)
}

func (e *queryEngine) usingRemoteKeys(txn persistence.ReadTxn, q query.Query, remoteKeys model.DocumentKeySet, lastLimboFree model.SnapshotVersion) (model.DocumentMap, error) {
	if q.MatchesAllDocuments() || lastLimboFree.IsMin() {
		return nil, nil
	}
	docs, err := e.view.GetDocuments(txn, remoteKeys)
	if err != nil {
		return nil, err
	}
	previous := applyQuery(q, docs)
	if q.HasLimit() && needsRefill(q, previous, remoteKeys, lastLimboFree) {
		return nil, nil
	}
	e.logger.Debug("query served from previous results", "query", q.CanonicalID(), "since", lastLimboFree.String())
	return e.appendRemaining(txn, previous, q, IndexOffset{ReadTime: lastLimboFree, LargestBatchID: BatchIDUnknown})
}

// appendRemaining merges the documents changed after offset into previous.
func (e *queryEngine) appendRemaining(txn persistence.ReadTxn, previous []*model.MutableDocument, q query.Query, offset IndexOffset) (model.DocumentMap, error) {
	remaining, err := e.view.GetDocumentsMatchingQuery(txn, q, offset, nil)
	if err != nil {
		return nil, err
	}
	for _, doc := range previous {
		if _, ok := remaining[doc.Key()]; !ok {
			remaining[doc.Key()] = doc
		}
	}
	return remaining, nil
}

// applyQuery keeps the documents matching q, sorted by its comparator.
func applyQuery(q query.Query, docs model.DocumentMap) []*model.MutableDocument {
	out := make([]*model.MutableDocument, 0, len(docs))
	for _, doc := range docs {
		if q.Matches(doc) {
			out = append(out, doc)
		}
	}
	slices.SortFunc(out, q.Comparator())
	return out
}

// needsRefill reports whether a limited result built from previous may be
// missing documents: a previously matching document no longer matches, or
// the document at the limit edge changed after the previous snapshot and may
// have moved out of the window.
func needsRefill(q query.Query, previous []*model.MutableDocument, previousKeys model.DocumentKeySet, since model.SnapshotVersion) bool {
	if !q.HasLimit() {
		return false
	}
	if len(previous) != previousKeys.Len() {
		return true
	}
	if len(previous) == 0 {
		return false
	}
	edge := previous[len(previous)-1]
	if q.LimitType == query.LimitToLast {
		edge = previous[0]
	}
	return edge.HasPendingWrites() || edge.Version().After(since)
}

// createCacheIndexes adds an automatic index when a full scan read many more
// documents than it returned.
func (e *queryEngine) createCacheIndexes(txn persistence.WriteTxn, q query.Query, qc *QueryContext, resultSize int) (bool, error) {
	if qc.DocumentReadCount <= e.minCollectionSize {
		return false, nil
	}
	if float64(qc.DocumentReadCount) <= e.relativeReadCost*float64(resultSize) {
		return false, nil
	}
	if q.IsDocumentQuery() || q.MatchesAllDocuments() {
		return false, nil
	}
	index, created, err := e.indexes.CreateTargetIndex(txn, q.Target())
	if err != nil || !created {
		return false, err
	}
	e.logger.Info("created client-side index",
		"index", index.String(),
		"docs_read", qc.DocumentReadCount,
		"docs_returned", resultSize)
	return true, nil
}
