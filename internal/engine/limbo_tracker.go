package engine

import (
	"slices"

	"github.com/roach88/docsync/internal/model"
)

// DefaultMaxConcurrentLimboResolutions bounds how many limbo documents are
// resolved at once. Each resolution is a separate backend target.
const DefaultMaxConcurrentLimboResolutions = 100

// limboResolution is one active resolution. receivedDocument records
// whether the backend has sent the document on the resolution's target.
type limboResolution struct {
	key              model.DocumentKey
	receivedDocument bool
}

// limboTracker schedules limbo resolutions. Keys wait in FIFO order until
// fewer than max resolutions are active.
//
// It is not safe for concurrent use; the sync engine owns it.
type limboTracker struct {
	max            int
	enqueued       []model.DocumentKey
	enqueuedSet    model.DocumentKeySet
	activeByKey    map[model.DocumentKey]model.TargetID
	activeByTarget map[model.TargetID]*limboResolution
}

func newLimboTracker(max int) *limboTracker {
	if max <= 0 {
		max = DefaultMaxConcurrentLimboResolutions
	}
	return &limboTracker{
		max:            max,
		enqueuedSet:    model.NewKeySet(),
		activeByKey:    make(map[model.DocumentKey]model.TargetID),
		activeByTarget: make(map[model.TargetID]*limboResolution),
	}
}

// Enqueue queues key unless it is already queued or active. Returns
// whether it was queued.
func (l *limboTracker) Enqueue(key model.DocumentKey) bool {
	if _, active := l.activeByKey[key]; active || l.enqueuedSet.Has(key) {
		return false
	}
	l.enqueued = append(l.enqueued, key)
	l.enqueuedSet.Add(key)
	return true
}

// Pump activates queued keys while there is room, taking target ids from
// nextID. It returns the activated resolutions by target id, in
// activation order.
func (l *limboTracker) Pump(nextID func() model.TargetID) []model.TargetID {
	var started []model.TargetID
	for len(l.enqueued) > 0 && len(l.activeByKey) < l.max {
		key := l.enqueued[0]
		l.enqueued = l.enqueued[1:]
		l.enqueuedSet.Delete(key)

		id := nextID()
		l.activeByKey[key] = id
		l.activeByTarget[id] = &limboResolution{key: key}
		started = append(started, id)
	}
	return started
}

// Remove forgets key. If it was active, the target id of its resolution
// is returned so the caller can stop listening.
func (l *limboTracker) Remove(key model.DocumentKey) (model.TargetID, bool) {
	if l.enqueuedSet.Has(key) {
		l.enqueuedSet.Delete(key)
		l.enqueued = slices.DeleteFunc(l.enqueued, func(k model.DocumentKey) bool { return k == key })
	}
	id, ok := l.activeByKey[key]
	if !ok {
		return 0, false
	}
	delete(l.activeByKey, key)
	delete(l.activeByTarget, id)
	return id, true
}

// Resolution returns the active resolution for a target id, or nil.
func (l *limboTracker) Resolution(id model.TargetID) *limboResolution {
	return l.activeByTarget[id]
}

// ActiveTargets returns a copy of the active resolutions by key.
func (l *limboTracker) ActiveTargets() map[model.DocumentKey]model.TargetID {
	out := make(map[model.DocumentKey]model.TargetID, len(l.activeByKey))
	for k, id := range l.activeByKey {
		out[k] = id
	}
	return out
}

// Enqueued returns the waiting keys in FIFO order.
func (l *limboTracker) Enqueued() []model.DocumentKey {
	return slices.Clone(l.enqueued)
}
