// Package local is the client's durable state: pending writes, the server
// document cache, target metadata and indexes, composed into one
// transactional Store.
//
// ARCHITECTURE:
//
// Store is the only writer of persisted state. Every exported Store method
// runs on the store's asyncq.Queue, and every queue operation runs inside one
// persistence transaction, so callers on other queues (the sync engine, the
// remote store) only ever exchange messages with it.
//
// A Store composes:
//
//   - mutationQueue: the per-user log of unacknowledged batches, keyed by
//     batch id, plus a (document, batch) reference index.
//   - overlayCache: the condensed effect of pending batches on each
//     document, so reads never replay the whole queue.
//   - remoteDocumentCache: the last server state of each document with its
//     read time, plus a read-time index used by incremental scans.
//   - targetCache: target metadata by id and canonical id, the documents
//     each target matches and the target globals (highest target id,
//     highest listen sequence number, last remote snapshot version).
//   - indexManager: the collection-parent index and client-side field
//     indexes with order-preserving entry encoding.
//
// localDocumentsView merges remote documents with overlays. queryEngine picks
// index-backed, previous-results or full-scan execution. lruGarbageCollector
// evicts targets and orphaned documents by listen sequence number.
//
// PERSISTED LAYOUT:
//
// Every sub-store lives in a named persistence store. Composite keys use
// persistence.Key, numbers use persistence.Int so lexical order is numeric
// order:
//
//	mutations            (user, batch id)               -> batch JSON
//	document_mutations   (user, document path, batch id) -> ""
//	mutation_queues      (user)                          -> queue metadata
//	overlays             (user, collection, document id) -> overlay JSON
//	overlays_by_batch    (user, batch id, document path) -> ""
//	remote_documents     (collection, document id)      -> document JSON
//	remote_document_reads (collection, read time, id)   -> ""
//	targets              (target id)                     -> target data JSON
//	target_canonical     (canonical id, target id)       -> ""
//	target_documents     (target id, document path)      -> ""
//	document_targets     (document path, target id)      -> ""
//	document_sequence    (document path)                 -> sequence number
//	collection_parents   (collection id, parent path)   -> ""
//	index_configuration  (index id)                      -> field index JSON
//	index_entries        (index id, encoded values, document path) -> ""
//	index_document_entries (index id, document path)    -> entry keys JSON
//	globals              (name)                          -> JSON
//
// ERRORS:
//
// ErrPrimaryLeaseLost means another client took over the storage; callers may
// treat it as recoverable. Every other persistence failure aborts the
// enclosing transaction and is returned unchanged.
package local
