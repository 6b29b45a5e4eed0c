package local

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/docsync/internal/asyncq"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
	"github.com/roach88/docsync/internal/remote"
)

// DefaultResumeTokenMaxAge is how stale a persisted resume token may grow
// before a remote event without changes persists the new one anyway.
const DefaultResumeTokenMaxAge = 5 * time.Minute

// maxTransactionAttempts bounds retries of a transaction failing with a
// transient storage error.
const maxTransactionAttempts = 3

// LocalWriteResult is the outcome of LocalWrite.
type LocalWriteResult struct {
	BatchID model.BatchID
	Changes model.DocumentMap
}

// QueryResult is the outcome of ExecuteQuery.
type QueryResult struct {
	Documents  model.DocumentMap
	RemoteKeys model.DocumentKeySet
	Strategy   Strategy
}

// LocalViewChanges is what a view reports after applying a snapshot: the
// documents it started and stopped showing.
type LocalViewChanges struct {
	TargetID  model.TargetID
	FromCache bool
	Added     model.DocumentKeySet
	Removed   model.DocumentKeySet
}

// Stats summarizes the persisted state.
type Stats struct {
	User                        string
	Targets                     int
	RemoteDocuments             int
	CacheSizeBytes              int64
	PendingBatches              int
	Overlays                    int
	FieldIndexes                int
	HighestTargetID             model.TargetID
	HighestListenSequenceNumber query.ListenSequenceNumber
	LastRemoteSnapshotVersion   model.SnapshotVersion
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the clock stamping local writes.
func WithClock(c model.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithUser selects whose mutation queue is active at start.
func WithUser(u remote.User) Option {
	return func(s *Store) { s.user = u }
}

// WithLRUParams tunes garbage collection.
func WithLRUParams(p LRUParams) Option {
	return func(s *Store) { s.gc.params = p }
}

// WithIndexAutoCreation enables or disables automatic client-side indexes
// and sets the heuristics deciding when a full scan creates one.
func WithIndexAutoCreation(enabled bool, minCollectionSize int, relativeReadCost float64) Option {
	return func(s *Store) {
		s.autoIndex = enabled
		s.minCollectionSize = minCollectionSize
		s.relativeReadCost = relativeReadCost
	}
}

// WithResumeTokenMaxAge sets how old a persisted resume token may grow.
func WithResumeTokenMaxAge(d time.Duration) Option {
	return func(s *Store) { s.resumeTokenMaxAge = d }
}

// Store is the single owner of persisted client state. Every exported method
// runs as one operation on the store's queue and, where it touches storage,
// in one persistence transaction.
type Store struct {
	backend persistence.Backend
	queue   *asyncq.Queue
	logger  *slog.Logger
	clock   model.Clock
	user    remote.User

	remote     remoteDocumentCache
	targets    targetCache
	indexes    indexManager
	gc         lruGarbageCollector
	backfiller indexBackfiller

	mutations *mutationQueue
	overlays  *overlayCache
	view      *localDocumentsView
	engine    *queryEngine

	autoIndex         bool
	minCollectionSize int
	relativeReadCost  float64
	resumeTokenMaxAge time.Duration

	// Owned by the queue.
	activeTargets  map[model.TargetID]query.TargetData
	targetsByQuery map[string]model.TargetID
	localViewRefs  *ReferenceSet
	highestSeq     query.ListenSequenceNumber
}

// New creates a store over backend. Call Start before use and Shutdown when
// done; Shutdown does not close the backend.
func New(backend persistence.Backend, opts ...Option) *Store {
	s := &Store{
		backend:           backend,
		logger:            slog.Default(),
		clock:             model.SystemClock{},
		gc:                lruGarbageCollector{params: DefaultLRUParams()},
		autoIndex:         true,
		minCollectionSize: DefaultIndexAutoCreationMinCollectionSize,
		relativeReadCost:  DefaultRelativeIndexReadCostPerDocument,
		resumeTokenMaxAge: DefaultResumeTokenMaxAge,
		activeTargets:     make(map[model.TargetID]query.TargetData),
		targetsByQuery:    make(map[string]model.TargetID),
		localViewRefs:     NewReferenceSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "local_store")
	s.queue = asyncq.New("local",
		asyncq.WithLogger(s.logger),
		asyncq.WithRetryPredicate(persistence.IsRetryable))
	s.gc.logger = s.logger
	s.backfiller = indexBackfiller{indexes: s.indexes, remote: s.remote, logger: s.logger}
	s.switchUser(s.user)
	return s
}

// switchUser points the per-user sub-stores at u.
func (s *Store) switchUser(u remote.User) {
	s.user = u
	s.mutations = newMutationQueue(u.Key())
	s.overlays = newOverlayCache(u.Key())
	s.view = &localDocumentsView{
		remote:    s.remote,
		mutations: s.mutations,
		overlays:  s.overlays,
		indexes:   s.indexes,
		clock:     s.clock,
	}
	s.engine = &queryEngine{
		view:              s.view,
		indexes:           s.indexes,
		logger:            s.logger,
		autoCreate:        s.autoIndex,
		minCollectionSize: s.minCollectionSize,
		relativeReadCost:  s.relativeReadCost,
	}
}

// Queue returns the queue every store operation runs on. Schedulers use it
// for delayed work.
func (s *Store) Queue() *asyncq.Queue { return s.queue }

// Shutdown stops the store's queue.
func (s *Store) Shutdown(ctx context.Context) error {
	return s.queue.Shutdown(ctx)
}

// update runs fn in a read-write transaction, retrying transient failures.
func (s *Store) update(ctx context.Context, name string, fn func(persistence.WriteTxn) error) error {
	var err error
	for attempt := 1; attempt <= maxTransactionAttempts; attempt++ {
		err = s.backend.Update(ctx, name, fn)
		if err == nil || !persistence.IsRetryable(err) {
			break
		}
		s.logger.Debug("transaction failed, retrying", "txn", name, "attempt", attempt, "error", err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, name string, fn func(persistence.ReadTxn) error) error {
	if err := s.backend.View(ctx, name, fn); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// nextSequence allocates the listen sequence number of the running
// transaction.
func (s *Store) nextSequence(txn persistence.WriteTxn) (query.ListenSequenceNumber, error) {
	s.highestSeq++
	return s.highestSeq, s.targets.SetHighestListenSequenceNumber(txn, s.highestSeq)
}

// Start loads the persisted counters.
func (s *Store) Start(ctx context.Context) error {
	return asyncq.Do(ctx, s.queue, func(ctx context.Context) error {
		return s.read(ctx, "start", func(txn persistence.ReadTxn) error {
			g, err := s.targets.Globals(txn)
			if err != nil {
				return err
			}
			s.highestSeq = query.ListenSequenceNumber(g.HighestListenSequenceNumber)
			s.logger.Info("local store started",
				"user", s.user.Key(),
				"targets", g.TargetCount,
				"highest_target_id", int64(g.HighestTargetID),
				"last_remote_snapshot", g.LastRemoteSnapshotVersion.String())
			return nil
		})
	})
}

// LocalWrite adds mutations as a new batch and returns the local view of
// every document they touch.
func (s *Store) LocalWrite(ctx context.Context, mutations []model.Mutation) (LocalWriteResult, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (LocalWriteResult, error) {
		var res LocalWriteResult
		err := s.update(ctx, "local_write", func(txn persistence.WriteTxn) error {
			keys := model.NewKeySet()
			for _, m := range mutations {
				keys.Add(m.Key)
			}
			remoteDocs, err := s.remote.GetAll(txn, keys)
			if err != nil {
				return err
			}
			withoutRemoteVersion := model.NewKeySet()
			for key, doc := range remoteDocs {
				if !doc.IsValidDocument() {
					withoutRemoteVersion.Add(key)
				}
			}
			views, err := s.view.GetOverlayedDocuments(txn, remoteDocs)
			if err != nil {
				return err
			}
			batch, err := s.mutations.AddBatch(txn, s.clock.Now(), mutations)
			if err != nil {
				return err
			}
			for key := range keys {
				if err := s.indexes.AddToCollectionParentIndex(txn, key.CollectionPath()); err != nil {
					return err
				}
			}
			overlays := batch.ApplyToLocalDocumentSet(views, withoutRemoteVersion)
			if err := s.overlays.SaveOverlays(txn, batch.BatchID, overlays); err != nil {
				return err
			}
			res = LocalWriteResult{BatchID: batch.BatchID, Changes: make(model.DocumentMap, len(views))}
			for key, od := range views {
				res.Changes[key] = od.Document
			}
			return nil
		})
		return res, err
	})
}

// touchDocuments records keys as used by the running transaction.
func (s *Store) touchDocuments(txn persistence.WriteTxn, keys model.DocumentKeySet, seq query.ListenSequenceNumber) error {
	for key := range keys {
		if err := s.gc.touchDocument(txn, key, seq); err != nil {
			return err
		}
	}
	return nil
}

// AcknowledgeBatch applies the server's result for the oldest pending batch
// to the remote document cache, removes the batch and returns the local view
// of the affected documents.
func (s *Store) AcknowledgeBatch(ctx context.Context, result model.MutationBatchResult) (model.DocumentMap, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (model.DocumentMap, error) {
		var docs model.DocumentMap
		err := s.update(ctx, "acknowledge_batch", func(txn persistence.WriteTxn) error {
			batch := result.Batch
			seq, err := s.nextSequence(txn)
			if err != nil {
				return err
			}
			keys := batch.Keys()
			for key := range keys {
				doc, err := s.remote.Get(txn, key)
				if err != nil {
					return err
				}
				ackVersion, ok := result.DocVersions[key]
				if !ok {
					return fmt.Errorf("batch %d: no version for %s", batch.BatchID, key)
				}
				if doc.Version().Compare(ackVersion) < 0 {
					batch.ApplyToRemoteDocument(doc, result)
					if doc.IsValidDocument() {
						if err := s.addRemoteDocument(txn, doc, result.CommitVersion); err != nil {
							return err
						}
					}
				}
			}
			if err := s.mutations.RemoveBatch(txn, batch); err != nil {
				return err
			}
			if err := s.mutations.SetLastStreamToken(txn, result.StreamToken); err != nil {
				return err
			}
			if err := s.overlays.RemoveOverlaysForBatchID(txn, batch.BatchID); err != nil {
				return err
			}
			if err := s.view.RecalculateAndSaveOverlaysForKeys(txn, result.KeysWithTransformResults()); err != nil {
				return err
			}
			if err := s.touchDocuments(txn, keys, seq); err != nil {
				return err
			}
			docs, err = s.view.GetDocuments(txn, keys)
			return err
		})
		return docs, err
	})
}

// RejectBatch removes a batch the server refused and returns the local view
// of its documents without it.
func (s *Store) RejectBatch(ctx context.Context, batchID model.BatchID) (model.DocumentMap, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (model.DocumentMap, error) {
		var docs model.DocumentMap
		err := s.update(ctx, "reject_batch", func(txn persistence.WriteTxn) error {
			batch, err := s.mutations.LookupBatch(txn, batchID)
			if err != nil {
				return err
			}
			if batch == nil {
				return fmt.Errorf("%w: %d", ErrBatchNotFound, batchID)
			}
			seq, err := s.nextSequence(txn)
			if err != nil {
				return err
			}
			keys := batch.Keys()
			if err := s.mutations.RemoveBatch(txn, batch); err != nil {
				return err
			}
			if err := s.overlays.RemoveOverlaysForBatchID(txn, batchID); err != nil {
				return err
			}
			if err := s.view.RecalculateAndSaveOverlaysForKeys(txn, keys); err != nil {
				return err
			}
			if err := s.touchDocuments(txn, keys, seq); err != nil {
				return err
			}
			docs, err = s.view.GetDocuments(txn, keys)
			return err
		})
		return docs, err
	})
}

// addRemoteDocument caches doc and registers its collection.
func (s *Store) addRemoteDocument(txn persistence.WriteTxn, doc *model.MutableDocument, readTime model.SnapshotVersion) error {
	if err := s.indexes.AddToCollectionParentIndex(txn, doc.Key().CollectionPath()); err != nil {
		return err
	}
	return s.remote.Add(txn, doc, readTime)
}

// shouldPersistTargetData reports whether an updated target is worth
// writing: it gains its first resume token, its token aged past the maximum,
// or its membership changed. A target without a token has nothing to resume
// from and is never rewritten.
func (s *Store) shouldPersistTargetData(old, updated query.TargetData, change *remote.TargetChange) bool {
	if len(updated.ResumeToken) == 0 {
		return false
	}
	if len(old.ResumeToken) == 0 {
		return true
	}
	age := time.Duration(updated.SnapshotVersion.Micros()-old.SnapshotVersion.Micros()) * time.Microsecond
	if age >= s.resumeTokenMaxAge {
		return true
	}
	return change.Added.Len()+change.Modified.Len()+change.Removed.Len() > 0
}

// ApplyRemoteEvent merges what the watch stream reported into the caches
// and returns the local view of every document that changed.
func (s *Store) ApplyRemoteEvent(ctx context.Context, event remote.RemoteEvent) (model.DocumentMap, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (model.DocumentMap, error) {
		var docs model.DocumentMap
		updatedTargets := make(map[model.TargetID]query.TargetData)
		err := s.update(ctx, "apply_remote_event", func(txn persistence.WriteTxn) error {
			seq, err := s.nextSequence(txn)
			if err != nil {
				return err
			}
			for id, change := range event.TargetChanges {
				old, ok := s.activeTargets[id]
				if !ok {
					// Limbo targets and targets released meanwhile.
					continue
				}
				if err := s.targets.RemoveMatchingKeys(txn, change.Removed, id); err != nil {
					return err
				}
				if err := s.touchDocuments(txn, change.Removed, seq); err != nil {
					return err
				}
				if err := s.targets.AddMatchingKeys(txn, change.Added, id); err != nil {
					return err
				}
				updated := old.WithSequenceNumber(seq)
				_, mismatch := event.TargetMismatches[id]
				if mismatch {
					// Resuming from the old token would replay the mismatch.
					updated = updated.WithResumeToken(nil, model.MinVersion).WithLastLimboFreeSnapshotVersion(model.MinVersion)
				} else if len(change.ResumeToken) > 0 {
					updated = updated.WithResumeToken(change.ResumeToken, event.SnapshotVersion)
				}
				updatedTargets[id] = updated
				if mismatch || s.shouldPersistTargetData(old, updated, change) {
					if err := s.targets.UpdateTargetData(txn, updated); err != nil {
						return err
					}
				}
			}

			changed, existenceChanged, err := s.populateDocumentChanges(txn, event.DocumentUpdates, seq)
			if err != nil {
				return err
			}
			if err := s.touchDocuments(txn, event.ResolvedLimboDocuments, seq); err != nil {
				return err
			}

			if !event.SnapshotVersion.IsMin() {
				g, err := s.targets.Globals(txn)
				if err != nil {
					return err
				}
				if event.SnapshotVersion.Before(g.LastRemoteSnapshotVersion) {
					return fmt.Errorf("watch stream reverted snapshot version from %s to %s",
						g.LastRemoteSnapshotVersion, event.SnapshotVersion)
				}
				if err := s.targets.SetLastRemoteSnapshotVersion(txn, event.SnapshotVersion); err != nil {
					return err
				}
			}
			docs, err = s.view.LocalViewOfDocuments(txn, changed, existenceChanged)
			return err
		})
		if err != nil {
			return nil, err
		}
		for id, td := range updatedTargets {
			s.activeTargets[id] = td
		}
		return docs, nil
	})
}

// populateDocumentChanges writes the accepted updates to the remote document
// cache. An update is accepted when nothing is cached, it is newer than the
// cached copy, or it confirms a cached copy with committed but unconfirmed
// writes at the same version. It returns the accepted documents and the keys
// whose existence flipped.
func (s *Store) populateDocumentChanges(txn persistence.WriteTxn, updates model.DocumentMap, seq query.ListenSequenceNumber) (model.DocumentMap, model.DocumentKeySet, error) {
	changed := make(model.DocumentMap)
	existenceChanged := model.NewKeySet()
	existing, err := s.remote.GetAll(txn, updates.KeySet())
	if err != nil {
		return nil, nil, err
	}
	for key, doc := range updates {
		cached := existing[key]
		if doc.IsFoundDocument() != cached.IsFoundDocument() {
			existenceChanged.Add(key)
		}
		switch {
		case doc.IsNoDocument() && doc.Version().IsMin():
			// A synthesized deletion carries no version; drop the cached copy
			// so it cannot shadow a later real version.
			if err := s.remote.Remove(txn, key); err != nil {
				return nil, nil, err
			}
			if err := s.gc.forgetDocument(txn, key); err != nil {
				return nil, nil, err
			}
			changed[key] = doc
		case !cached.IsValidDocument(),
			doc.Version().After(cached.Version()),
			doc.Version().Compare(cached.Version()) == 0 && cached.HasPendingWrites():
			readTime := doc.ReadTime()
			if readTime.IsMin() {
				readTime = doc.Version()
			}
			if err := s.addRemoteDocument(txn, doc, readTime); err != nil {
				return nil, nil, err
			}
			if err := s.gc.touchDocument(txn, key, seq); err != nil {
				return nil, nil, err
			}
			changed[key] = doc
		default:
			s.logger.Debug("ignoring outdated watch update",
				"key", key.String(),
				"cached_version", cached.Version().String(),
				"update_version", doc.Version().String())
		}
	}
	return changed, existenceChanged, nil
}

// ExecuteQuery runs q against the local cache. With usePreviousResults the
// results of the last limbo-free snapshot of the same target seed the
// execution.
func (s *Store) ExecuteQuery(ctx context.Context, q query.Query, usePreviousResults bool) (QueryResult, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (QueryResult, error) {
		var res QueryResult
		err := s.update(ctx, "execute_query", func(txn persistence.WriteTxn) error {
			td, err := s.targetDataFor(txn, q.Target())
			if err != nil {
				return err
			}
			lastLimboFree := model.MinVersion
			remoteKeys := model.NewKeySet()
			if td != nil {
				lastLimboFree = td.LastLimboFreeSnapshotVersion
				if remoteKeys, err = s.targets.MatchingKeys(txn, td.TargetID); err != nil {
					return err
				}
			}
			since, previous := model.MinVersion, model.NewKeySet()
			if usePreviousResults {
				since, previous = lastLimboFree, remoteKeys
			}
			outcome, err := s.engine.GetDocumentsMatchingQuery(txn, q, since, previous)
			if err != nil {
				return err
			}
			res = QueryResult{Documents: outcome.docs, RemoteKeys: remoteKeys, Strategy: outcome.strategy}
			return nil
		})
		return res, err
	})
}

// targetDataFor prefers the in-memory copy of an active target, which may
// carry a newer limbo-free version than storage.
func (s *Store) targetDataFor(txn persistence.ReadTxn, target query.Target) (*query.TargetData, error) {
	if id, ok := s.targetsByQuery[target.CanonicalID()]; ok {
		td := s.activeTargets[id]
		return &td, nil
	}
	return s.targets.GetTargetData(txn, target)
}

// nextTargetID returns the next even target id above every id handed out.
// Odd ids are left to limbo resolution targets.
func nextTargetID(highest model.TargetID) model.TargetID {
	if highest < 2 {
		return 2
	}
	return highest + 2 - highest%2
}

// AllocateTarget returns the stored target data for target, creating it
// with a fresh id when the target is new, and marks it active.
func (s *Store) AllocateTarget(ctx context.Context, target query.Target) (query.TargetData, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (query.TargetData, error) {
		var td query.TargetData
		err := s.update(ctx, "allocate_target", func(txn persistence.WriteTxn) error {
			cached, err := s.targetDataFor(txn, target)
			if err != nil {
				return err
			}
			if cached != nil {
				td = *cached
				return nil
			}
			g, err := s.targets.Globals(txn)
			if err != nil {
				return err
			}
			seq, err := s.nextSequence(txn)
			if err != nil {
				return err
			}
			td = query.NewTargetData(target, nextTargetID(g.HighestTargetID), query.PurposeListen, seq)
			return s.targets.AddTargetData(txn, td)
		})
		if err != nil {
			return query.TargetData{}, err
		}
		if _, ok := s.activeTargets[td.TargetID]; !ok {
			s.activeTargets[td.TargetID] = td
			s.targetsByQuery[target.CanonicalID()] = td.TargetID
		}
		return td, nil
	})
}

// ReleaseTarget marks a target inactive. Its data stays persisted, stamped
// with the current sequence number, until garbage collection removes it.
func (s *Store) ReleaseTarget(ctx context.Context, id model.TargetID) error {
	return asyncq.Do(ctx, s.queue, func(ctx context.Context) error {
		td, ok := s.activeTargets[id]
		if !ok {
			return fmt.Errorf("release target %d: target is not active", id)
		}
		released := s.localViewRefs.RemoveReferencesForID(int64(id))
		err := s.update(ctx, "release_target", func(txn persistence.WriteTxn) error {
			seq, err := s.nextSequence(txn)
			if err != nil {
				return err
			}
			if err := s.touchDocuments(txn, model.NewKeySet(released...), seq); err != nil {
				return err
			}
			return s.targets.UpdateTargetData(txn, td.WithSequenceNumber(seq))
		})
		if err != nil {
			return err
		}
		delete(s.activeTargets, id)
		delete(s.targetsByQuery, td.Target.CanonicalID())
		return nil
	})
}

// ReadDocument returns the local view of key.
func (s *Store) ReadDocument(ctx context.Context, key model.DocumentKey) (*model.MutableDocument, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (*model.MutableDocument, error) {
		var doc *model.MutableDocument
		err := s.read(ctx, "read_document", func(txn persistence.ReadTxn) error {
			var err error
			doc, err = s.view.GetDocument(txn, key)
			return err
		})
		return doc, err
	})
}

// ReadDocuments returns the local view of keys.
func (s *Store) ReadDocuments(ctx context.Context, keys model.DocumentKeySet) (model.DocumentMap, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (model.DocumentMap, error) {
		var docs model.DocumentMap
		err := s.read(ctx, "read_documents", func(txn persistence.ReadTxn) error {
			var err error
			docs, err = s.view.GetDocuments(txn, keys)
			return err
		})
		return docs, err
	})
}

// NextMutationBatch returns the first pending batch after afterBatchID, or
// nil.
func (s *Store) NextMutationBatch(ctx context.Context, afterBatchID model.BatchID) (*model.MutationBatch, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (*model.MutationBatch, error) {
		var batch *model.MutationBatch
		err := s.read(ctx, "next_mutation_batch", func(txn persistence.ReadTxn) error {
			var err error
			batch, err = s.mutations.NextBatchAfter(txn, afterBatchID)
			return err
		})
		return batch, err
	})
}

// HighestUnacknowledgedBatchID returns the newest pending batch id, or
// BatchIDUnknown.
func (s *Store) HighestUnacknowledgedBatchID(ctx context.Context) (model.BatchID, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (model.BatchID, error) {
		id := BatchIDUnknown
		err := s.read(ctx, "highest_unacknowledged_batch_id", func(txn persistence.ReadTxn) error {
			var err error
			id, err = s.mutations.HighestUnacknowledgedBatchID(txn)
			return err
		})
		return id, err
	})
}

// PendingBatches returns every pending batch of the current user.
func (s *Store) PendingBatches(ctx context.Context) ([]*model.MutationBatch, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) ([]*model.MutationBatch, error) {
		var batches []*model.MutationBatch
		err := s.read(ctx, "pending_batches", func(txn persistence.ReadTxn) error {
			var err error
			batches, err = s.mutations.AllBatches(txn)
			return err
		})
		return batches, err
	})
}

// LastRemoteSnapshotVersion returns the newest global snapshot applied.
func (s *Store) LastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (model.SnapshotVersion, error) {
		var v model.SnapshotVersion
		err := s.read(ctx, "last_remote_snapshot_version", func(txn persistence.ReadTxn) error {
			g, err := s.targets.Globals(txn)
			v = g.LastRemoteSnapshotVersion
			return err
		})
		return v, err
	})
}

// LastStreamToken returns the persisted write stream token.
func (s *Store) LastStreamToken(ctx context.Context) ([]byte, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) ([]byte, error) {
		var token []byte
		err := s.read(ctx, "last_stream_token", func(txn persistence.ReadTxn) error {
			var err error
			token, err = s.mutations.LastStreamToken(txn)
			return err
		})
		return token, err
	})
}

// SetLastStreamToken persists the write stream token.
func (s *Store) SetLastStreamToken(ctx context.Context, token []byte) error {
	return asyncq.Do(ctx, s.queue, func(ctx context.Context) error {
		return s.update(ctx, "set_last_stream_token", func(txn persistence.WriteTxn) error {
			return s.mutations.SetLastStreamToken(txn, token)
		})
	})
}

// RemoteDocumentKeys returns the keys the server last reported for a target.
func (s *Store) RemoteDocumentKeys(ctx context.Context, id model.TargetID) (model.DocumentKeySet, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (model.DocumentKeySet, error) {
		var keys model.DocumentKeySet
		err := s.read(ctx, "remote_document_keys", func(txn persistence.ReadTxn) error {
			var err error
			keys, err = s.targets.MatchingKeys(txn, id)
			return err
		})
		return keys, err
	})
}

// NotifyLocalViewChanges pins documents shown by views against garbage
// collection and advances the limbo-free version of targets whose views are
// in sync with the server.
func (s *Store) NotifyLocalViewChanges(ctx context.Context, changes []LocalViewChanges) error {
	return asyncq.Do(ctx, s.queue, func(ctx context.Context) error {
		err := s.update(ctx, "notify_local_view_changes", func(txn persistence.WriteTxn) error {
			seq, err := s.nextSequence(txn)
			if err != nil {
				return err
			}
			for _, c := range changes {
				if err := s.touchDocuments(txn, c.Added, seq); err != nil {
					return err
				}
				if err := s.touchDocuments(txn, c.Removed, seq); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, c := range changes {
			s.localViewRefs.AddReferences(c.Added, int64(c.TargetID))
			s.localViewRefs.RemoveReferences(c.Removed, int64(c.TargetID))
			if c.FromCache {
				continue
			}
			if td, ok := s.activeTargets[c.TargetID]; ok {
				s.activeTargets[c.TargetID] = td.WithLastLimboFreeSnapshotVersion(td.SnapshotVersion)
			}
		}
		return nil
	})
}

// CollectGarbage runs one LRU pass.
func (s *Store) CollectGarbage(ctx context.Context) (LRUResults, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (LRUResults, error) {
		var res LRUResults
		active := make(map[model.TargetID]bool, len(s.activeTargets))
		for id := range s.activeTargets {
			active[id] = true
		}
		err := s.update(ctx, "collect_garbage", func(txn persistence.WriteTxn) error {
			var err error
			res, err = s.gc.Collect(txn, active, s.localViewRefs.ContainsKey)
			return err
		})
		return res, err
	})
}

// BackfillIndexes indexes up to maxDocuments cached documents.
func (s *Store) BackfillIndexes(ctx context.Context, maxDocuments int) (int, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (int, error) {
		var n int
		err := s.update(ctx, "backfill_indexes", func(txn persistence.WriteTxn) error {
			var err error
			n, err = s.backfiller.Backfill(txn, maxDocuments)
			return err
		})
		return n, err
	})
}

// ConfigureFieldIndexes replaces the configured indexes with indexes.
// Automatically created indexes are kept unless indexes replaces them.
func (s *Store) ConfigureFieldIndexes(ctx context.Context, indexes []FieldIndex) error {
	return asyncq.Do(ctx, s.queue, func(ctx context.Context) error {
		return s.update(ctx, "configure_field_indexes", func(txn persistence.WriteTxn) error {
			existing, err := s.indexes.FieldIndexes(txn, "")
			if err != nil {
				return err
			}
			for _, e := range existing {
				wanted := slices.ContainsFunc(indexes, e.sameSegments)
				if wanted || e.Auto {
					continue
				}
				if err := s.indexes.DeleteFieldIndex(txn, e.ID); err != nil {
					return err
				}
			}
			for _, index := range indexes {
				index.Auto = false
				if _, err := s.indexes.AddFieldIndex(txn, index); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// FieldIndexes returns every stored index.
func (s *Store) FieldIndexes(ctx context.Context) ([]FieldIndex, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) ([]FieldIndex, error) {
		var out []FieldIndex
		err := s.read(ctx, "field_indexes", func(txn persistence.ReadTxn) error {
			var err error
			out, err = s.indexes.FieldIndexes(txn, "")
			return err
		})
		return out, err
	})
}

// HandleUserChange switches to u's mutation queue and returns the local view
// of every document either user had pending writes on.
func (s *Store) HandleUserChange(ctx context.Context, u remote.User) (model.DocumentMap, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (model.DocumentMap, error) {
		if u == s.user {
			return model.DocumentMap{}, nil
		}
		previous := s.user
		var docs model.DocumentMap
		err := s.read(ctx, "handle_user_change", func(txn persistence.ReadTxn) error {
			oldBatches, err := s.mutations.AllBatches(txn)
			if err != nil {
				return err
			}
			s.switchUser(u)
			newBatches, err := s.mutations.AllBatches(txn)
			if err != nil {
				return err
			}
			keys := model.NewKeySet()
			for _, b := range slices.Concat(oldBatches, newBatches) {
				keys = keys.Union(b.Keys())
			}
			docs, err = s.view.GetDocuments(txn, keys)
			return err
		})
		if err != nil {
			s.switchUser(previous)
			return nil, err
		}
		s.logger.Info("switched user", "from", previous.Key(), "to", u.Key())
		return docs, nil
	})
}

// Stats summarizes the persisted state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	return asyncq.Call(ctx, s.queue, func(ctx context.Context) (Stats, error) {
		st := Stats{User: s.user.Key()}
		err := s.read(ctx, "stats", func(txn persistence.ReadTxn) error {
			g, err := s.targets.Globals(txn)
			if err != nil {
				return err
			}
			st.Targets = g.TargetCount
			st.HighestTargetID = g.HighestTargetID
			st.HighestListenSequenceNumber = query.ListenSequenceNumber(g.HighestListenSequenceNumber)
			st.LastRemoteSnapshotVersion = g.LastRemoteSnapshotVersion
			if st.RemoteDocuments, err = s.remote.Count(txn); err != nil {
				return err
			}
			if st.CacheSizeBytes, err = s.remote.Size(txn); err != nil {
				return err
			}
			batches, err := s.mutations.AllBatches(txn)
			if err != nil {
				return err
			}
			st.PendingBatches = len(batches)
			if st.Overlays, err = s.overlays.Count(txn); err != nil {
				return err
			}
			indexes, err := s.indexes.FieldIndexes(txn, "")
			st.FieldIndexes = len(indexes)
			return err
		})
		return st, err
	})
}
