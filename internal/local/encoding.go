package local

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
)

// Persistence store names.
const (
	storeMutations          = "mutations"
	storeDocumentMutations  = "document_mutations"
	storeMutationQueues     = "mutation_queues"
	storeOverlays           = "overlays"
	storeOverlaysByBatch    = "overlays_by_batch"
	storeRemoteDocuments    = "remote_documents"
	storeRemoteDocReads     = "remote_document_reads"
	storeTargets            = "targets"
	storeTargetCanonical    = "target_canonical"
	storeTargetDocuments    = "target_documents"
	storeDocumentTargets    = "document_targets"
	storeDocumentSequence   = "document_sequence"
	storeCollectionParents  = "collection_parents"
	storeIndexConfiguration = "index_configuration"
	storeIndexEntries       = "index_entries"
	storeIndexDocEntries    = "index_document_entries"
	storeGlobals            = "globals"
)

// Keys in storeGlobals.
const (
	globalTargets         = "targets"
	globalRemoteDocuments = "remote_documents"
	globalMutations       = "mutations"
	globalIndexes         = "indexes"
)

func getJSON(txn persistence.ReadTxn, store, key string, v any) (bool, error) {
	raw, ok, err := txn.Get(store, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, corrupt(store, key, err)
	}
	return true, nil
}

func putJSON(txn persistence.WriteTxn, store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%q: %w", store, key, err)
	}
	return txn.Put(store, key, raw)
}

// remoteDocumentKey places a document under its collection so a prefix scan
// visits exactly one collection.
func remoteDocumentKey(key model.DocumentKey) string {
	return persistence.Key(key.CollectionPath().String(), key.ID())
}

func collectionPrefix(path model.ResourcePath) string {
	return persistence.Prefix(path.String())
}

func versionKey(v model.SnapshotVersion) string {
	return persistence.Int(v.Micros())
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// targetDataJSON is the persisted form of query.TargetData. ExpectedCount
// belongs to a single listen request and is not stored.
type targetDataJSON struct {
	TargetID                     model.TargetID        `json:"target_id"`
	Purpose                      query.TargetPurpose   `json:"purpose"`
	SequenceNumber               int64                 `json:"sequence_number"`
	SnapshotVersion              model.SnapshotVersion `json:"snapshot_version"`
	LastLimboFreeSnapshotVersion model.SnapshotVersion `json:"last_limbo_free_snapshot_version"`
	ResumeToken                  []byte                `json:"resume_token,omitempty"`
	Target                       json.RawMessage       `json:"target"`
}

func encodeTargetData(td query.TargetData) ([]byte, error) {
	target, err := query.MarshalTarget(td.Target)
	if err != nil {
		return nil, fmt.Errorf("encode target %d: %w", td.TargetID, err)
	}
	return json.Marshal(targetDataJSON{
		TargetID:                     td.TargetID,
		Purpose:                      td.Purpose,
		SequenceNumber:               int64(td.SequenceNumber),
		SnapshotVersion:              td.SnapshotVersion,
		LastLimboFreeSnapshotVersion: td.LastLimboFreeSnapshotVersion,
		ResumeToken:                  td.ResumeToken,
		Target:                       target,
	})
}

func decodeTargetData(raw []byte) (query.TargetData, error) {
	var tj targetDataJSON
	if err := json.Unmarshal(raw, &tj); err != nil {
		return query.TargetData{}, err
	}
	target, err := query.UnmarshalTarget(tj.Target)
	if err != nil {
		return query.TargetData{}, err
	}
	td := query.NewTargetData(target, tj.TargetID, tj.Purpose, query.ListenSequenceNumber(tj.SequenceNumber))
	td = td.WithResumeToken(tj.ResumeToken, tj.SnapshotVersion)
	return td.WithLastLimboFreeSnapshotVersion(tj.LastLimboFreeSnapshotVersion), nil
}

// targetGlobals is the singleton metadata row of the target cache.
type targetGlobals struct {
	HighestTargetID             model.TargetID        `json:"highest_target_id"`
	HighestListenSequenceNumber int64                 `json:"highest_listen_sequence_number"`
	LastRemoteSnapshotVersion   model.SnapshotVersion `json:"last_remote_snapshot_version"`
	TargetCount                 int                   `json:"target_count"`
}

type remoteDocumentGlobals struct {
	Size int64 `json:"size"`
}

type mutationGlobals struct {
	HighestBatchID model.BatchID `json:"highest_batch_id"`
}

type indexGlobals struct {
	HighestIndexID int32 `json:"highest_index_id"`
}
