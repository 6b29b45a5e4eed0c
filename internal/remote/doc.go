// Package remote connects the client to the backend.
//
// ARCHITECTURE:
//
// RemoteStore owns two persistent streams:
//
//   - WatchStream (listen): adds and removes targets and receives
//     document, target and existence-filter changes.
//   - WriteStream: performs a handshake on every connection, then sends
//     mutation batches in order and receives their results.
//
// Both embed persistentStream, which runs the lifecycle
//
//	Initial -> Auth (fetch tokens, open transport) -> Open
//	Open -> Error -> Backoff -> Auth ...
//
// with exponential backoff, an idle timer and credential invalidation on
// UNAUTHENTICATED. Every method runs on the sync queue. Token fetches,
// transport opens and reads happen on goroutines that report back by
// enqueuing; a generation counter discards reports from a connection that
// has since been closed.
//
// WATCH RECONCILIATION:
//
// WatchChangeAggregator accumulates watch changes per target and turns them
// into a RemoteEvent only when the server sends a global snapshot (a
// no-change target change with an empty target list and a read time).
// Existence filters whose count disagrees with the local view are first
// reconciled with the attached bloom filter; if that fails the target is
// reset and re-listened with a mismatch purpose.
//
// TRANSPORT:
//
// Connection is the boundary to the network. WebSocketConnection speaks
// JSON envelopes (EncodeMessage/DecodeMessage) over gorilla/websocket, one
// socket per stream.
//
// ERRORS:
//
// Failures carry a gRPC-style Code in a StatusError. IsPermanentError and
// IsPermanentWriteError decide whether a rejected target or write is given
// up on or retried.
package remote
