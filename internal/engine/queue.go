package engine

import (
	"sync"
	"sync/atomic"
)

// listenerEvent is one delivery to an Observer: a snapshot or an error.
type listenerEvent struct {
	snapshot *ViewSnapshot
	err      error
}

// eventQueue is a thread-safe FIFO between the sync queue, which produces
// snapshots, and the goroutine that runs one observer.
//
// The queue is unbounded so a slow observer never blocks the sync queue.
// The signal channel lets the consumer wait without polling.
type eventQueue struct {
	mu     sync.Mutex
	events []listenerEvent
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]listenerEvent, 0, 8),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds e to the back of the queue. Returns false once closed.
func (q *eventQueue) Enqueue(e listenerEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, e)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (listenerEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return listenerEvent{}, false
	}
	e := q.events[0]
	// Release the snapshot for GC.
	q.events[0] = listenerEvent{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events and wakes the consumer.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Observer receives query snapshots. Exactly one of snap and err is set.
// After an error the listener is gone and no further calls follow.
type Observer func(snap *ViewSnapshot, err error)

// asyncObserver runs an Observer on its own goroutine, in delivery order.
// Once muted, queued events are dropped.
type asyncObserver struct {
	fn     Observer
	events *eventQueue
	muted  atomic.Bool
	done   chan struct{}
}

func newAsyncObserver(fn Observer) *asyncObserver {
	o := &asyncObserver{fn: fn, events: newEventQueue(), done: make(chan struct{})}
	go o.run()
	return o
}

func (o *asyncObserver) next(snap *ViewSnapshot) {
	o.events.Enqueue(listenerEvent{snapshot: snap})
}

func (o *asyncObserver) error(err error) {
	o.events.Enqueue(listenerEvent{err: err})
	o.events.Close()
}

// mute stops delivery. Events already handed to fn are unaffected.
func (o *asyncObserver) mute() {
	o.muted.Store(true)
	o.events.Close()
}

func (o *asyncObserver) run() {
	defer close(o.done)
	for {
		if e, ok := o.events.TryDequeue(); ok {
			if !o.muted.Load() {
				o.fn(e.snapshot, e.err)
			}
			continue
		}
		if _, open := <-o.events.Wait(); !open && o.events.Len() == 0 {
			return
		}
	}
}
