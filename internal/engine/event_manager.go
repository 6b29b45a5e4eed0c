package engine

import (
	"context"
	"slices"

	"github.com/roach88/docsync/internal/query"
	"github.com/roach88/docsync/internal/remote"
)

// ListenOptions controls which snapshots a listener receives.
type ListenOptions struct {
	// IncludeMetadataChanges raises snapshots in which only FromCache or
	// HasPendingWrites changed.
	IncludeMetadataChanges bool

	// WaitForSyncWhenOnline holds back the first snapshot until the
	// backend confirms the result, unless the client is offline.
	WaitForSyncWhenOnline bool
}

// QueryListener filters view snapshots for one observer. It decides when
// the first snapshot may be raised and which later ones are worth raising.
type QueryListener struct {
	query    query.Query
	options  ListenOptions
	observer *asyncObserver

	raisedInitialEvent bool
	snap               *ViewSnapshot
	onlineState        remote.OnlineState
}

// NewQueryListener wraps observer. Delivery happens on a separate
// goroutine.
func NewQueryListener(q query.Query, opts ListenOptions, observer Observer) *QueryListener {
	return &QueryListener{query: q, options: opts, observer: newAsyncObserver(observer)}
}

// Query returns the listened query.
func (l *QueryListener) Query() query.Query { return l.query }

// OnViewSnapshot reports whether an event was raised.
func (l *QueryListener) OnViewSnapshot(snap *ViewSnapshot) bool {
	if !l.options.IncludeMetadataChanges {
		var changes []DocumentViewChange
		for _, c := range snap.DocChanges {
			if c.Type != ChangeMetadata {
				changes = append(changes, c)
			}
		}
		filtered := *snap
		filtered.DocChanges = changes
		filtered.ExcludesMetadataChanges = true
		snap = &filtered
	}

	raised := false
	if !l.raisedInitialEvent {
		if l.shouldRaiseInitialEvent(snap, l.onlineState) {
			l.raiseInitialEvent(snap)
			raised = true
		}
	} else if l.shouldRaiseEvent(snap) {
		l.observer.next(snap)
		raised = true
	}
	l.snap = snap
	return raised
}

// OnError ends the listener with err.
func (l *QueryListener) OnError(err error) {
	l.observer.error(err)
}

// ApplyOnlineStateChange may release a held-back first snapshot when the
// client goes offline.
func (l *QueryListener) ApplyOnlineStateChange(state remote.OnlineState) bool {
	l.onlineState = state
	if l.snap != nil && !l.raisedInitialEvent && l.shouldRaiseInitialEvent(l.snap, state) {
		l.raiseInitialEvent(l.snap)
		return true
	}
	return false
}

func (l *QueryListener) shouldRaiseInitialEvent(snap *ViewSnapshot, state remote.OnlineState) bool {
	if !snap.FromCache {
		return true
	}
	maybeOnline := state != remote.Offline
	if l.options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	// An empty cached result is only worth raising if it is known to have
	// been in sync once, or the backend cannot be asked.
	return !snap.Docs.IsEmpty() || snap.HasCachedResults || state == remote.Offline
}

func (l *QueryListener) shouldRaiseEvent(snap *ViewSnapshot) bool {
	if len(snap.DocChanges) > 0 {
		return true
	}
	pendingChanged := l.snap != nil && l.snap.HasPendingWrites() != snap.HasPendingWrites()
	if snap.SyncStateChanged || pendingChanged {
		return l.options.IncludeMetadataChanges
	}
	return false
}

func (l *QueryListener) raiseInitialEvent(snap *ViewSnapshot) {
	l.raisedInitialEvent = true
	l.observer.next(initialSnapshot(snap.Query, snap.Docs, snap.MutatedKeys, snap.FromCache, snap.HasCachedResults))
}

// queryListenSource starts and stops backend listens for the event
// manager. The sync engine implements it.
type queryListenSource interface {
	Listen(ctx context.Context, q query.Query) (*ViewSnapshot, error)
	Unlisten(ctx context.Context, q query.Query) error
}

type queryListeners struct {
	viewSnap  *ViewSnapshot
	listeners []*QueryListener
}

// EventManager fans snapshots out to every listener of a query and makes
// sure the sync engine listens to each distinct query once. It runs on the
// sync queue.
type EventManager struct {
	source      queryListenSource
	queries     map[string]*queryListeners
	onlineState remote.OnlineState
}

// NewEventManager creates an event manager over source.
func NewEventManager(source queryListenSource) *EventManager {
	return &EventManager{source: source, queries: make(map[string]*queryListeners)}
}

// Listen adds l. The first listener of a query starts the backend listen;
// later ones get the last snapshot right away.
func (m *EventManager) Listen(ctx context.Context, l *QueryListener) error {
	id := l.query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		snap, err := m.source.Listen(ctx, l.query)
		if err != nil {
			l.OnError(err)
			return err
		}
		info = &queryListeners{viewSnap: snap}
		m.queries[id] = info
	}
	info.listeners = append(info.listeners, l)
	l.ApplyOnlineStateChange(m.onlineState)
	if info.viewSnap != nil {
		l.OnViewSnapshot(info.viewSnap)
	}
	return nil
}

// Unlisten removes l and mutes its observer. The last listener of a query
// stops the backend listen.
func (m *EventManager) Unlisten(ctx context.Context, l *QueryListener) error {
	l.observer.mute()
	id := l.query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return nil
	}
	i := slices.Index(info.listeners, l)
	if i < 0 {
		return nil
	}
	info.listeners = slices.Delete(info.listeners, i, i+1)
	if len(info.listeners) > 0 {
		return nil
	}
	delete(m.queries, id)
	return m.source.Unlisten(ctx, l.query)
}

// OnWatchChange delivers new snapshots.
func (m *EventManager) OnWatchChange(snaps []*ViewSnapshot) {
	for _, snap := range snaps {
		info, ok := m.queries[snap.Query.CanonicalID()]
		if !ok {
			continue
		}
		for _, l := range info.listeners {
			l.OnViewSnapshot(snap)
		}
		info.viewSnap = snap
	}
}

// OnWatchError fails every listener of q. The query is gone afterwards.
func (m *EventManager) OnWatchError(q query.Query, err error) {
	id := q.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return
	}
	for _, l := range info.listeners {
		l.OnError(err)
	}
	delete(m.queries, id)
}

// OnOnlineStateChange forwards the new state to every listener.
func (m *EventManager) OnOnlineStateChange(state remote.OnlineState) {
	m.onlineState = state
	for _, info := range m.queries {
		for _, l := range info.listeners {
			l.ApplyOnlineStateChange(state)
		}
	}
}

// ListenerCount returns how many listeners q has.
func (m *EventManager) ListenerCount(q query.Query) int {
	if info, ok := m.queries[q.CanonicalID()]; ok {
		return len(info.listeners)
	}
	return 0
}
