package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/docsync/internal/local"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
	"github.com/roach88/docsync/internal/remote"
)

// syncEngineListener receives what the sync engine produces. The event
// manager implements it.
type syncEngineListener interface {
	OnWatchChange(snaps []*ViewSnapshot)
	OnWatchError(q query.Query, err error)
	OnOnlineStateChange(state remote.OnlineState)
}

// queryView binds a listened query to its target and view.
type queryView struct {
	query    query.Query
	targetID model.TargetID
	view     *View
}

// SyncEngine joins the local store, the remote store and the views. It
// applies local writes, remote events and write acknowledgements to the
// local store, recomputes the affected views, and tracks limbo documents.
//
// All methods run on the sync queue, which it shares with the remote
// store. Calls into the local store hop to the local store's own queue.
type SyncEngine struct {
	local    *local.Store
	remote   *remote.RemoteStore
	listener syncEngineListener
	logger   *slog.Logger

	currentUser remote.User

	queryViews      map[string]*queryView
	queriesByTarget map[model.TargetID][]query.Query

	limbo     *limboTracker
	limboRefs *local.ReferenceSet
	limboIDs  *TargetIDGenerator

	// userCallbacks holds the completion callback of every write by user
	// key and batch id.
	userCallbacks map[string]map[model.BatchID]func(error)

	// pendingWritesCallbacks fire once the keyed batch and everything
	// before it is acknowledged or rejected.
	pendingWritesCallbacks map[model.BatchID][]func(error)
}

// NewSyncEngine creates a sync engine and registers it as rs's syncer.
func NewSyncEngine(ls *local.Store, rs *remote.RemoteStore, user remote.User, maxLimbo int, logger *slog.Logger) *SyncEngine {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SyncEngine{
		local:                  ls,
		remote:                 rs,
		logger:                 logger.With("component", "sync_engine"),
		currentUser:            user,
		queryViews:             make(map[string]*queryView),
		queriesByTarget:        make(map[model.TargetID][]query.Query),
		limbo:                  newLimboTracker(maxLimbo),
		limboRefs:              local.NewReferenceSet(),
		limboIDs:               NewTargetIDGenerator(),
		userCallbacks:          make(map[string]map[model.BatchID]func(error)),
		pendingWritesCallbacks: make(map[model.BatchID][]func(error)),
	}
	rs.SetSyncer(s)
	return s
}

// SetListener connects the consumer of snapshots.
func (s *SyncEngine) SetListener(l syncEngineListener) { s.listener = l }

// Listen starts listening to q and returns its first snapshot, computed
// from the local cache. A second query with the same target shares it.
func (s *SyncEngine) Listen(ctx context.Context, q query.Query) (*ViewSnapshot, error) {
	if qv, ok := s.queryViews[q.CanonicalID()]; ok {
		// Same canonical query through a different path: reuse the view.
		docs := qv.view.documents
		return initialSnapshot(q, docs, qv.view.mutatedKeys.Clone(), qv.view.syncState != SyncStateSynced, false), nil
	}

	td, err := s.local.AllocateTarget(ctx, q.Target())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", q.CanonicalID(), err)
	}
	snap, err := s.initializeView(ctx, q, td.TargetID, td.ResumeToken)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", q.CanonicalID(), err)
	}
	s.remote.Listen(ctx, &td)
	s.logger.Debug("listening", "query", q.CanonicalID(), "target_id", td.TargetID)
	return snap, nil
}

func (s *SyncEngine) initializeView(ctx context.Context, q query.Query, id model.TargetID, resumeToken []byte) (*ViewSnapshot, error) {
	res, err := s.local.ExecuteQuery(ctx, q, true)
	if err != nil {
		return nil, err
	}
	view := NewView(q, res.RemoteKeys)
	changes := view.ComputeDocChanges(res.Documents, nil)
	// A fresh target is never current.
	synthesized := remote.NewTargetChange(resumeToken, false)
	vc := view.ApplyChanges(changes, true, synthesized, false)
	s.updateTrackedLimbos(ctx, id, vc.LimboChanges)

	s.queryViews[q.CanonicalID()] = &queryView{query: q, targetID: id, view: view}
	s.queriesByTarget[id] = append(s.queriesByTarget[id], q)
	return vc.Snapshot, nil
}

// Unlisten stops listening to q. The target is released once no query
// maps to it.
func (s *SyncEngine) Unlisten(ctx context.Context, q query.Query) error {
	qv, ok := s.queryViews[q.CanonicalID()]
	if !ok {
		return &InvariantError{Code: ErrCodeUnknownQuery, Message: "unlisten of a query that is not listened to"}
	}
	queries := s.queriesByTarget[qv.targetID]
	if len(queries) > 1 {
		s.queriesByTarget[qv.targetID] = slices.DeleteFunc(slices.Clone(queries), func(other query.Query) bool {
			return other.CanonicalID() == q.CanonicalID()
		})
		delete(s.queryViews, q.CanonicalID())
		return nil
	}

	if err := s.local.ReleaseTarget(ctx, qv.targetID); err != nil {
		return fmt.Errorf("unlisten %s: %w", q.CanonicalID(), err)
	}
	s.remote.Unlisten(ctx, qv.targetID)
	s.removeAndCleanupTarget(ctx, qv.targetID, nil)
	return nil
}

// Write applies mutations locally, raises the resulting snapshots and
// hands the batch to the write pipeline. callback runs once the backend
// accepts or rejects the batch.
func (s *SyncEngine) Write(ctx context.Context, mutations []model.Mutation, callback func(error)) (model.BatchID, error) {
	res, err := s.local.LocalWrite(ctx, mutations)
	if err != nil {
		return model.BatchIDUnknown, fmt.Errorf("failed to persist write: %w", err)
	}
	s.addUserCallback(res.BatchID, callback)
	if err := s.emitNewSnapsAndNotifyLocalStore(ctx, res.Changes, nil); err != nil {
		return res.BatchID, err
	}
	if err := s.remote.FillWritePipeline(ctx); err != nil {
		return res.BatchID, err
	}
	return res.BatchID, nil
}

func (s *SyncEngine) addUserCallback(id model.BatchID, cb func(error)) {
	if cb == nil {
		return
	}
	key := s.currentUser.Key()
	if s.userCallbacks[key] == nil {
		s.userCallbacks[key] = make(map[model.BatchID]func(error))
	}
	s.userCallbacks[key][id] = cb
}

func (s *SyncEngine) processUserCallback(id model.BatchID, err error) {
	callbacks := s.userCallbacks[s.currentUser.Key()]
	if cb, ok := callbacks[id]; ok {
		cb(err)
		delete(callbacks, id)
	}
}

// ApplyRemoteEvent implements remote.RemoteSyncer.
func (s *SyncEngine) ApplyRemoteEvent(ctx context.Context, event remote.RemoteEvent) error {
	changes, err := s.local.ApplyRemoteEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("apply remote event: %w", err)
	}
	for id, tc := range event.TargetChanges {
		res := s.limbo.Resolution(id)
		if res == nil {
			continue
		}
		if tc.Added.Len()+tc.Modified.Len()+tc.Removed.Len() > 1 {
			return newLimboError(ErrCodeLimboMultipleChanges, id, res.key, "limbo resolution for a single document contains multiple changes")
		}
		switch {
		case tc.Added.Len() > 0:
			res.receivedDocument = true
		case tc.Modified.Len() > 0:
			if !res.receivedDocument {
				return newLimboError(ErrCodeLimboUnexpectedChange, id, res.key, "modified a document the limbo target never added")
			}
		case tc.Removed.Len() > 0:
			if !res.receivedDocument {
				return newLimboError(ErrCodeLimboUnexpectedChange, id, res.key, "removed a document the limbo target never added")
			}
			res.receivedDocument = false
		}
	}
	return s.emitNewSnapsAndNotifyLocalStore(ctx, changes, &event)
}

// RejectListen implements remote.RemoteSyncer. A rejected limbo
// resolution means the document is gone from the user's point of view; a
// rejected query fails its listeners.
func (s *SyncEngine) RejectListen(ctx context.Context, id model.TargetID, cause error) error {
	if res := s.limbo.Resolution(id); res != nil {
		key := res.key
		if err := s.ApplyRemoteEvent(ctx, remote.SynthesizedLimboRejection(key)); err != nil {
			return err
		}
		// The target is already gone on the backend; no unlisten.
		s.limbo.Remove(key)
		s.pumpLimboResolutions(ctx)
		return nil
	}
	if err := s.local.ReleaseTarget(ctx, id); err != nil {
		return fmt.Errorf("reject listen %d: %w", id, err)
	}
	s.removeAndCleanupTarget(ctx, id, cause)
	return nil
}

// ApplySuccessfulWrite implements remote.RemoteSyncer.
func (s *SyncEngine) ApplySuccessfulWrite(ctx context.Context, result model.MutationBatchResult) error {
	id := result.Batch.BatchID
	changes, err := s.local.AcknowledgeBatch(ctx, result)
	if err != nil {
		return fmt.Errorf("acknowledge batch %d: %w", id, err)
	}
	s.processUserCallback(id, nil)
	s.triggerPendingWritesCallbacks(id)
	return s.emitNewSnapsAndNotifyLocalStore(ctx, changes, nil)
}

// RejectFailedWrite implements remote.RemoteSyncer.
func (s *SyncEngine) RejectFailedWrite(ctx context.Context, batchID model.BatchID, cause error) error {
	changes, err := s.local.RejectBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("reject batch %d: %w", batchID, err)
	}
	s.processUserCallback(batchID, cause)
	s.triggerPendingWritesCallbacks(batchID)
	return s.emitNewSnapsAndNotifyLocalStore(ctx, changes, nil)
}

// RemoteKeysForTarget implements remote.RemoteSyncer. A limbo target holds
// its one document once the backend sent it.
func (s *SyncEngine) RemoteKeysForTarget(id model.TargetID) model.DocumentKeySet {
	if res := s.limbo.Resolution(id); res != nil {
		if res.receivedDocument {
			return model.NewKeySet(res.key)
		}
		return model.NewKeySet()
	}
	keys := model.NewKeySet()
	for _, q := range s.queriesByTarget[id] {
		if qv, ok := s.queryViews[q.CanonicalID()]; ok {
			keys = keys.Union(qv.view.SyncedDocuments())
		}
	}
	return keys
}

// HandleCredentialChange implements remote.RemoteSyncer. Outstanding
// WaitForPendingWrites callbacks fail because they waited on the old
// user's queue.
func (s *SyncEngine) HandleCredentialChange(ctx context.Context, user remote.User) error {
	if user == s.currentUser {
		return nil
	}
	s.logger.Debug("user changed", "user", user.Key())
	changes, err := s.local.HandleUserChange(ctx, user)
	if err != nil {
		return fmt.Errorf("handle user change: %w", err)
	}
	s.currentUser = user
	s.rejectOutstandingPendingWritesCallbacks(errUserChanged)
	return s.emitNewSnapsAndNotifyLocalStore(ctx, changes, nil)
}

// ApplyOnlineStateChange updates every view and tells the listener.
func (s *SyncEngine) ApplyOnlineStateChange(state remote.OnlineState) {
	var snaps []*ViewSnapshot
	for _, qv := range s.sortedQueryViews() {
		if vc := qv.view.ApplyOnlineStateChange(state); vc.Snapshot != nil {
			snaps = append(snaps, vc.Snapshot)
		}
	}
	if s.listener != nil {
		s.listener.OnOnlineStateChange(state)
		s.listener.OnWatchChange(snaps)
	}
}

// RegisterPendingWritesCallback calls cb once every write pending now has
// been acknowledged or rejected. With no pending writes it calls cb right
// away.
func (s *SyncEngine) RegisterPendingWritesCallback(ctx context.Context, cb func(error)) error {
	if !s.remote.NetworkEnabled() {
		s.logger.Debug("network is disabled; pending writes wait until it is enabled")
	}
	highest, err := s.local.HighestUnacknowledgedBatchID(ctx)
	if err != nil {
		return err
	}
	if highest == model.BatchIDUnknown {
		cb(nil)
		return nil
	}
	s.pendingWritesCallbacks[highest] = append(s.pendingWritesCallbacks[highest], cb)
	return nil
}

func (s *SyncEngine) triggerPendingWritesCallbacks(id model.BatchID) {
	for _, cb := range s.pendingWritesCallbacks[id] {
		cb(nil)
	}
	delete(s.pendingWritesCallbacks, id)
}

func (s *SyncEngine) rejectOutstandingPendingWritesCallbacks(err error) {
	for id, callbacks := range s.pendingWritesCallbacks {
		for _, cb := range callbacks {
			cb(err)
		}
		delete(s.pendingWritesCallbacks, id)
	}
}

// ActiveLimboDocumentResolutions returns the limbo documents being
// resolved, by target id.
func (s *SyncEngine) ActiveLimboDocumentResolutions() map[model.DocumentKey]model.TargetID {
	return s.limbo.ActiveTargets()
}

// EnqueuedLimboDocumentResolutions returns the limbo documents waiting for
// a free resolution slot.
func (s *SyncEngine) EnqueuedLimboDocumentResolutions() []model.DocumentKey {
	return s.limbo.Enqueued()
}

func (s *SyncEngine) sortedQueryViews() []*queryView {
	out := make([]*queryView, 0, len(s.queryViews))
	for _, qv := range s.queryViews {
		out = append(out, qv)
	}
	slices.SortFunc(out, func(a, b *queryView) int {
		if c := cmp.Compare(a.targetID, b.targetID); c != 0 {
			return c
		}
		return cmp.Compare(a.query.CanonicalID(), b.query.CanonicalID())
	})
	return out
}

// emitNewSnapsAndNotifyLocalStore runs changes through every view, raises
// the snapshots and records which documents the views now show.
func (s *SyncEngine) emitNewSnapsAndNotifyLocalStore(ctx context.Context, changes model.DocumentMap, event *remote.RemoteEvent) error {
	if len(s.queryViews) == 0 {
		return nil
	}
	var snaps []*ViewSnapshot
	var viewChanges []local.LocalViewChanges
	for _, qv := range s.sortedQueryViews() {
		snap, err := s.applyDocChanges(ctx, qv, changes, event)
		if err != nil {
			return err
		}
		if snap == nil {
			continue
		}
		snaps = append(snaps, snap)
		viewChanges = append(viewChanges, localViewChangesFrom(qv.targetID, snap))
	}
	if s.listener != nil {
		s.listener.OnWatchChange(snaps)
	}
	if err := s.local.NotifyLocalViewChanges(ctx, viewChanges); err != nil {
		return fmt.Errorf("notify local view changes: %w", err)
	}
	return nil
}

func (s *SyncEngine) applyDocChanges(ctx context.Context, qv *queryView, changes model.DocumentMap, event *remote.RemoteEvent) (*ViewSnapshot, error) {
	vdc := qv.view.ComputeDocChanges(changes, nil)
	if vdc.NeedsRefill {
		// Re-run without previous results; the limit window moved.
		res, err := s.local.ExecuteQuery(ctx, qv.query, false)
		if err != nil {
			return nil, fmt.Errorf("refill %s: %w", qv.query.CanonicalID(), err)
		}
		vdc = qv.view.ComputeDocChanges(res.Documents, &vdc)
	}
	var tc *remote.TargetChange
	pendingReset := false
	if event != nil {
		tc = event.TargetChanges[qv.targetID]
		_, pendingReset = event.TargetMismatches[qv.targetID]
	}
	vc := qv.view.ApplyChanges(vdc, true, tc, pendingReset)
	s.updateTrackedLimbos(ctx, qv.targetID, vc.LimboChanges)
	return vc.Snapshot, nil
}

func localViewChangesFrom(id model.TargetID, snap *ViewSnapshot) local.LocalViewChanges {
	lvc := local.LocalViewChanges{
		TargetID:  id,
		FromCache: snap.FromCache,
		Added:     model.NewKeySet(),
		Removed:   model.NewKeySet(),
	}
	for _, c := range snap.DocChanges {
		switch c.Type {
		case ChangeAdded:
			lvc.Added.Add(c.Doc.Key())
		case ChangeRemoved:
			lvc.Removed.Add(c.Doc.Key())
		}
	}
	return lvc
}

// removeAndCleanupTarget forgets every query of a target. With err set,
// their listeners fail.
func (s *SyncEngine) removeAndCleanupTarget(ctx context.Context, id model.TargetID, err error) {
	for _, q := range s.queriesByTarget[id] {
		delete(s.queryViews, q.CanonicalID())
		if err != nil && s.listener != nil {
			s.listener.OnWatchError(q, err)
		}
	}
	delete(s.queriesByTarget, id)

	for _, key := range s.limboRefs.RemoveReferencesForID(int64(id)) {
		if !s.limboRefs.ContainsKey(key) {
			s.removeLimboTarget(ctx, key)
		}
	}
}

func (s *SyncEngine) updateTrackedLimbos(ctx context.Context, id model.TargetID, changes []LimboDocumentChange) {
	for _, c := range changes {
		switch c.Type {
		case LimboAdded:
			s.limboRefs.AddReference(c.Key, int64(id))
			if s.limbo.Enqueue(c.Key) {
				s.logger.Debug("new document in limbo", "key", c.Key.String())
				s.pumpLimboResolutions(ctx)
			}
		case LimboRemoved:
			s.logger.Debug("document no longer in limbo", "key", c.Key.String())
			s.limboRefs.RemoveReference(c.Key, int64(id))
			if !s.limboRefs.ContainsKey(c.Key) {
				s.removeLimboTarget(ctx, c.Key)
			}
		}
	}
}

func (s *SyncEngine) pumpLimboResolutions(ctx context.Context) {
	for _, id := range s.limbo.Pump(s.limboIDs.Next) {
		res := s.limbo.Resolution(id)
		td := query.NewTargetData(query.DocumentQuery(res.key).Target(), id, query.PurposeLimboResolution, query.InvalidSequenceNumber)
		s.remote.Listen(ctx, &td)
	}
}

func (s *SyncEngine) removeLimboTarget(ctx context.Context, key model.DocumentKey) {
	id, active := s.limbo.Remove(key)
	if !active {
		return
	}
	s.remote.Unlisten(ctx, id)
	s.pumpLimboResolutions(ctx)
}
