// Package engine coordinates query listeners, local writes and the remote
// streams of a docsync client.
//
// The Client is the entry point. It owns one asyncq.Queue; every state
// change (listen, unlisten, write, remote event, credential change,
// network toggle) runs on that queue, so the sync engine, the views and
// the limbo tracker need no locks of their own.
//
// ARCHITECTURE:
//
// Listeners and views:
// Each distinct query gets one target in the local store and one View.
// Any number of QueryListeners share the view; the EventManager fans
// ViewSnapshots out to them, applying per-listener options (metadata
// changes, waiting for a server snapshot when online). Observers run on
// their own goroutines in delivery order, never on the queue.
//
// Writes:
// A write is applied to the local store first and raised to listeners
// as a latency-compensated snapshot with pending writes. The remote store
// streams the batch; the acknowledgement or rejection completes the
// PendingWrite and recomputes the affected views.
//
// Limbo resolution:
// A document a view holds locally that the backend no longer reports for
// a current target is in limbo. The engine listens to it through a
// single-document target (odd target ids from TargetIDGenerator), at most
// a configured number at once, and queues the rest in FIFO order.
//
// Background work:
// LRU garbage collection and index backfill run as delayed operations on
// the client queue and reschedule themselves. A zero interval disables
// them.
package engine
