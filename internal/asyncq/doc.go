// Package asyncq provides the serialized work queues the sync engine runs on.
//
// A Queue executes operations one at a time in enqueue order on its own
// goroutine. Everything a component owns (the local store's persisted
// state, the sync engine's views) is touched only from operations on that
// component's queue, so no finer-grained locking is needed.
//
// Cross-queue requests use Call, which enqueues the function on the target
// queue and blocks the caller until it completes. Blocking network work
// runs off-queue and reports back by enqueuing a follow-up operation.
//
// DELAYED OPERATIONS:
//
// EnqueueAfterDelay returns a cancellable handle tagged with a TimerID.
// Pending handles live in a set; Cancel removes them. Tests use
// RunDelayedOperationsEarly to fire timers without waiting.
//
// RETRIES:
//
// EnqueueRetryable feeds a separate retry queue whose failures back off with
// their own ExponentialBackoff, independent of the streams' backoff.
package asyncq
