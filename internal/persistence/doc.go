// Package persistence provides the transactional key-value layer beneath the
// local store.
//
// ARCHITECTURE:
//
// A Backend holds any number of named stores (mutations, overlays,
// remote documents, targets, index entries). Each store is an ordered map
// from string keys to byte values. All access happens inside a callback
// passed to View or Update; Update is atomic and rolls back on error.
//
// Two implementations:
//
//   - Memory: copy-on-write B-trees (github.com/google/btree). Used by tests
//     and by clients that opt out of durable storage.
//   - SQLite: a single entries table keyed by (store, key), opened with
//     either the cgo driver (mattn/go-sqlite3) or the pure Go driver
//     (modernc.org/sqlite).
//
// KEYS:
//
// Composite keys are built with Key and Prefix. Components are joined by
// Separator, which sorts below printable characters, so scanning
// PrefixRange(Prefix(parts...)) visits exactly the children of parts. Int
// pads numbers so lexical order equals numeric order.
//
// OWNERSHIP:
//
// The SQLite backend records a single owner. The most recent opener claims
// it, and an older handle receives ErrPrimaryLeaseLost from its next Update.
// Lock contention surfaces as ErrBusy; IsRetryable reports it.
//
// TRACING:
//
// Every SQLite transaction runs inside an OpenTelemetry span named
// "persistence.<txn name>".
package persistence
