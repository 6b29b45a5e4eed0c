package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/docsync/internal/asyncq"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
)

// DefaultMaxPendingWrites bounds the write pipeline.
const DefaultMaxPendingWrites = 10

// LocalStore is the subset of the local store the remote store needs.
// Implementations may block; they are called from the remote store's queue.
type LocalStore interface {
	NextMutationBatch(ctx context.Context, afterBatchID model.BatchID) (*model.MutationBatch, error)
	LastStreamToken(ctx context.Context) ([]byte, error)
	SetLastStreamToken(ctx context.Context, token []byte) error
	LastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error)
}

// RemoteSyncer consumes what the remote store learns from the backend.
// It runs on the remote store's queue.
type RemoteSyncer interface {
	ApplyRemoteEvent(ctx context.Context, event RemoteEvent) error
	RejectListen(ctx context.Context, id model.TargetID, err error) error
	ApplySuccessfulWrite(ctx context.Context, result model.MutationBatchResult) error
	RejectFailedWrite(ctx context.Context, batchID model.BatchID, err error) error
	RemoteKeysForTarget(id model.TargetID) model.DocumentKeySet
	HandleCredentialChange(ctx context.Context, user User) error
}

// Options configures a RemoteStore.
type Options struct {
	Database           model.DatabaseID
	Auth               CredentialsProvider
	AppCheck           CredentialsProvider
	Stream             StreamOptions
	MaxPendingWrites   int
	OnlineStateTimeout time.Duration
	Logger             *slog.Logger

	// MaxWatchStreamFailures is how many consecutive watch stream failures
	// report Offline before OnlineStateTimeout elapses.
	MaxWatchStreamFailures int

	// MaxBloomFilterBits rejects larger existence filter bitmaps, which
	// then fall back to a target reset. Zero means no limit.
	MaxBloomFilterBits int

	// OnOnlineStateChange observes every online state transition.
	OnOnlineStateChange func(ctx context.Context, state OnlineState)

	// OnExistenceFilterMismatch observes bloom filter reconciliation.
	OnExistenceFilterMismatch func(ExistenceFilterMismatch)
}

// RemoteStore keeps the listen and write streams running while there is
// work for them, tracks listened targets and the write pipeline, and feeds
// the results to the RemoteSyncer. All methods run on its queue.
type RemoteStore struct {
	queue  *asyncq.Queue
	local  LocalStore
	syncer RemoteSyncer
	opts   Options
	logger *slog.Logger

	watchStream *WatchStream
	writeStream *WriteStream
	aggregator  *WatchChangeAggregator
	online      *OnlineStateTracker

	listenTargets  map[model.TargetID]*query.TargetData
	writePipeline  []*model.MutationBatch
	networkEnabled bool
	offlineReasons map[string]struct{}
}

// NewRemoteStore creates a remote store with the network disabled. Call
// SetSyncer and then EnableNetwork.
func NewRemoteStore(q *asyncq.Queue, conn Connection, local LocalStore, opts Options) *RemoteStore {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxPendingWrites <= 0 {
		opts.MaxPendingWrites = DefaultMaxPendingWrites
	}
	r := &RemoteStore{
		queue:          q,
		local:          local,
		opts:           opts,
		logger:         opts.Logger.With("component", "remote_store"),
		listenTargets:  make(map[model.TargetID]*query.TargetData),
		offlineReasons: make(map[string]struct{}),
	}
	r.online = NewOnlineStateTracker(q, opts.OnlineStateTimeout, opts.MaxWatchStreamFailures, r.logger, func(ctx context.Context, s OnlineState) {
		if opts.OnOnlineStateChange != nil {
			opts.OnOnlineStateChange(ctx, s)
		}
	})
	r.watchStream = NewWatchStream(q, conn, opts.Auth, opts.AppCheck, opts.Stream, opts.Logger, watchHandler{r})
	r.writeStream = NewWriteStream(q, conn, opts.Database.DocumentsPrefix(), opts.Auth, opts.AppCheck, opts.Stream, opts.Logger, writeHandler{r})
	return r
}

// SetSyncer connects the consumer of remote events.
func (r *RemoteStore) SetSyncer(s RemoteSyncer) { r.syncer = s }

// OnlineState returns the current online state.
func (r *RemoteStore) OnlineState() OnlineState { return r.online.State() }

// WatchStream exposes the listen stream, mainly for tests.
func (r *RemoteStore) WatchStream() *WatchStream { return r.watchStream }

// WriteStream exposes the write stream, mainly for tests.
func (r *RemoteStore) WriteStream() *WriteStream { return r.writeStream }

// PendingWrites returns the number of batches in the write pipeline.
func (r *RemoteStore) PendingWrites() int { return len(r.writePipeline) }

// Start enables the network for the first time.
func (r *RemoteStore) Start(ctx context.Context) error {
	return r.EnableNetwork(ctx)
}

// EnableNetwork re-enables the network after DisableNetwork.
func (r *RemoteStore) EnableNetwork(ctx context.Context) error {
	delete(r.offlineReasons, "user")
	return r.enableNetworkInternal(ctx)
}

func (r *RemoteStore) enableNetworkInternal(ctx context.Context) error {
	r.networkEnabled = len(r.offlineReasons) == 0
	if !r.canUseNetwork() {
		return nil
	}
	token, err := r.local.LastStreamToken(ctx)
	if err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	r.writeStream.LastStreamToken = token

	if r.shouldStartWatchStream() {
		r.startWatchStream(ctx)
	} else {
		r.online.Set(ctx, OnlineUnknown)
	}
	return r.FillWritePipeline(ctx)
}

// DisableNetwork stops both streams and reports Offline until
// EnableNetwork is called.
func (r *RemoteStore) DisableNetwork(ctx context.Context) {
	r.offlineReasons["user"] = struct{}{}
	r.disableNetworkInternal(ctx)
	r.online.Set(ctx, Offline)
}

func (r *RemoteStore) disableNetworkInternal(ctx context.Context) {
	r.networkEnabled = false
	r.writeStream.Stop(ctx)
	r.watchStream.Stop(ctx)
	if len(r.writePipeline) > 0 {
		r.logger.Debug("dropping write pipeline", "batches", len(r.writePipeline))
		r.writePipeline = nil
	}
	r.cleanUpWatchStreamState()
}

// Shutdown stops both streams for good.
func (r *RemoteStore) Shutdown(ctx context.Context) {
	r.logger.Debug("shutting down")
	r.offlineReasons["shutdown"] = struct{}{}
	r.disableNetworkInternal(ctx)
	r.watchStream.Shutdown(ctx)
	r.writeStream.Shutdown(ctx)
	r.online.Set(ctx, OnlineUnknown)
}

// HandleCredentialChange restarts the streams with the new user's
// credentials and lets the syncer switch mutation queues in between.
func (r *RemoteStore) HandleCredentialChange(ctx context.Context, user User) error {
	r.logger.Debug("credential changed, restarting streams", "user", user.Key())
	if r.canUseNetwork() {
		r.offlineReasons["credential_change"] = struct{}{}
		r.disableNetworkInternal(ctx)
		r.online.Set(ctx, OnlineUnknown)
		if err := r.syncer.HandleCredentialChange(ctx, user); err != nil {
			return err
		}
		delete(r.offlineReasons, "credential_change")
		return r.enableNetworkInternal(ctx)
	}
	return r.syncer.HandleCredentialChange(ctx, user)
}

// Listen starts watching td's target, opening the watch stream if needed.
func (r *RemoteStore) Listen(ctx context.Context, td *query.TargetData) {
	if _, ok := r.listenTargets[td.TargetID]; ok {
		return
	}
	r.listenTargets[td.TargetID] = td
	if r.shouldStartWatchStream() {
		r.startWatchStream(ctx)
	} else if r.watchStream.IsOpen() {
		r.sendWatchRequest(td)
	}
}

// Unlisten stops watching a target.
func (r *RemoteStore) Unlisten(ctx context.Context, id model.TargetID) {
	if _, ok := r.listenTargets[id]; !ok {
		return
	}
	delete(r.listenTargets, id)
	if r.watchStream.IsOpen() {
		r.sendUnwatchRequest(id)
	}
	if len(r.listenTargets) == 0 {
		if r.watchStream.IsOpen() {
			r.watchStream.MarkIdle()
		} else if r.canUseNetwork() {
			// No targets left; the remote state no longer matters.
			r.online.Set(ctx, OnlineUnknown)
		}
	}
}

// RemoteKeysForTarget implements TargetMetadataProvider.
func (r *RemoteStore) RemoteKeysForTarget(id model.TargetID) model.DocumentKeySet {
	return r.syncer.RemoteKeysForTarget(id)
}

// TargetDataForTarget implements TargetMetadataProvider.
func (r *RemoteStore) TargetDataForTarget(id model.TargetID) *query.TargetData {
	return r.listenTargets[id]
}

// NetworkEnabled reports whether the streams may run.
func (r *RemoteStore) NetworkEnabled() bool { return r.canUseNetwork() }

func (r *RemoteStore) canUseNetwork() bool {
	return r.networkEnabled && len(r.offlineReasons) == 0
}

func (r *RemoteStore) shouldStartWatchStream() bool {
	return r.canUseNetwork() && !r.watchStream.IsStarted() && len(r.listenTargets) > 0
}

func (r *RemoteStore) startWatchStream(ctx context.Context) {
	r.aggregator = NewWatchChangeAggregator(r, r.opts.Database, r.logger)
	r.aggregator.OnMismatch = r.opts.OnExistenceFilterMismatch
	r.aggregator.MaxBloomBits = r.opts.MaxBloomFilterBits
	r.watchStream.Start(ctx)
	r.online.HandleWatchStreamStart(ctx)
}

func (r *RemoteStore) cleanUpWatchStreamState() {
	r.aggregator = nil
}

func (r *RemoteStore) sendWatchRequest(td *query.TargetData) {
	r.aggregator.RecordPendingTargetRequest(td.TargetID)
	if len(td.ResumeToken) > 0 || td.SnapshotVersion.After(model.MinVersion) {
		withCount := td.WithExpectedCount(int32(r.RemoteKeysForTarget(td.TargetID).Len()))
		td = &withCount
	}
	if err := r.watchStream.Watch(td); err != nil {
		r.logger.Warn("watch request failed", "error", err)
	}
}

func (r *RemoteStore) sendUnwatchRequest(id model.TargetID) {
	r.aggregator.RecordPendingTargetRequest(id)
	if err := r.watchStream.Unwatch(id); err != nil {
		r.logger.Warn("unwatch request failed", "error", err)
	}
}

type watchHandler struct{ r *RemoteStore }

func (h watchHandler) OnWatchStreamOpen(ctx context.Context) {
	r := h.r
	r.online.Set(ctx, Online)
	for _, td := range r.listenTargets {
		r.sendWatchRequest(td)
	}
}

func (h watchHandler) OnWatchStreamClose(ctx context.Context, err error) {
	r := h.r
	r.cleanUpWatchStreamState()
	if err == nil {
		// Deliberate close: idle, network disabled, or shutdown.
		if r.shouldStartWatchStream() {
			r.startWatchStream(ctx)
		}
		return
	}
	if r.shouldStartWatchStream() {
		r.online.HandleWatchStreamFailure(ctx, err)
		r.startWatchStream(ctx)
	} else {
		r.online.Set(ctx, OnlineUnknown)
	}
}

func (h watchHandler) OnWatchStreamChange(ctx context.Context, change WatchChange, snapshotVersion model.SnapshotVersion) error {
	r := h.r
	r.online.Set(ctx, Online)

	if tc, ok := change.(WatchTargetChange); ok && tc.State == TargetRemoved && tc.Cause != nil {
		return r.handleTargetError(ctx, tc)
	}

	switch c := change.(type) {
	case DocumentWatchChange:
		r.aggregator.HandleDocumentChange(c)
	case ExistenceFilterChange:
		r.aggregator.HandleExistenceFilter(c)
	case WatchTargetChange:
		r.aggregator.HandleTargetChange(c)
	}

	if snapshotVersion.IsMin() {
		return nil
	}
	last, err := r.local.LastRemoteSnapshotVersion(ctx)
	if err != nil {
		return fmt.Errorf("read last remote snapshot version: %w", err)
	}
	if snapshotVersion.Compare(last) >= 0 {
		// Only raise snapshots at or after the persisted one; after a
		// reconnect the server may replay older global snapshots.
		return r.raiseWatchSnapshot(ctx, snapshotVersion)
	}
	return nil
}

// raiseWatchSnapshot turns the aggregated changes into a RemoteEvent,
// updates resume tokens and re-listens mismatched targets.
func (r *RemoteStore) raiseWatchSnapshot(ctx context.Context, version model.SnapshotVersion) error {
	event := r.aggregator.CreateRemoteEvent(version)

	for id, change := range event.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}
		if td, ok := r.listenTargets[id]; ok {
			updated := td.WithResumeToken(change.ResumeToken, version)
			r.listenTargets[id] = &updated
		}
	}

	for id, purpose := range event.TargetMismatches {
		td, ok := r.listenTargets[id]
		if !ok {
			continue
		}
		// Drop the resume token so the server re-sends everything, and keep
		// the old snapshot version for the expected count.
		reset := td.WithResumeToken(nil, td.SnapshotVersion)
		r.listenTargets[id] = &reset
		r.sendUnwatchRequest(id)
		fresh := query.NewTargetData(td.Target, id, purpose, td.SequenceNumber)
		r.sendWatchRequest(&fresh)
	}

	return r.syncer.ApplyRemoteEvent(ctx, event)
}

func (r *RemoteStore) handleTargetError(ctx context.Context, tc WatchTargetChange) error {
	for _, id := range tc.TargetIDs {
		if _, ok := r.listenTargets[id]; !ok {
			continue
		}
		delete(r.listenTargets, id)
		r.aggregator.RemoveTarget(id)
		if err := r.syncer.RejectListen(ctx, id, tc.Cause); err != nil {
			return err
		}
	}
	return nil
}

// FillWritePipeline moves pending batches from the local store into the
// write pipeline until it is full, starting the write stream if needed.
func (r *RemoteStore) FillWritePipeline(ctx context.Context) error {
	last := model.BatchIDUnknown
	if n := len(r.writePipeline); n > 0 {
		last = r.writePipeline[n-1].BatchID
	}
	for r.canAddToWritePipeline() {
		batch, err := r.local.NextMutationBatch(ctx, last)
		if err != nil {
			return fmt.Errorf("fill write pipeline: %w", err)
		}
		if batch == nil {
			if len(r.writePipeline) == 0 {
				r.writeStream.MarkIdle()
			}
			break
		}
		r.addToWritePipeline(batch)
		last = batch.BatchID
	}
	if r.shouldStartWriteStream() {
		r.writeStream.Start(ctx)
	}
	return nil
}

func (r *RemoteStore) canAddToWritePipeline() bool {
	return r.canUseNetwork() && len(r.writePipeline) < r.opts.MaxPendingWrites
}

func (r *RemoteStore) addToWritePipeline(batch *model.MutationBatch) {
	r.writePipeline = append(r.writePipeline, batch)
	if r.writeStream.IsOpen() && r.writeStream.HandshakeComplete() {
		if err := r.writeStream.WriteMutations(batch.Mutations); err != nil {
			r.logger.Warn("write failed", "batch_id", batch.BatchID, "error", err)
		}
	}
}

func (r *RemoteStore) shouldStartWriteStream() bool {
	return r.canUseNetwork() && !r.writeStream.IsStarted() && len(r.writePipeline) > 0
}

type writeHandler struct{ r *RemoteStore }

func (h writeHandler) OnWriteStreamOpen(ctx context.Context) {
	if err := h.r.writeStream.WriteHandshake(); err != nil {
		h.r.logger.Warn("handshake failed", "error", err)
	}
}

func (h writeHandler) OnWriteHandshakeComplete(ctx context.Context) {
	r := h.r
	if err := r.local.SetLastStreamToken(ctx, r.writeStream.LastStreamToken); err != nil {
		r.logger.Warn("persisting stream token failed", "error", err)
	}
	for _, batch := range r.writePipeline {
		if err := r.writeStream.WriteMutations(batch.Mutations); err != nil {
			r.logger.Warn("write failed", "batch_id", batch.BatchID, "error", err)
		}
	}
}

func (h writeHandler) OnMutationResult(ctx context.Context, commitVersion model.SnapshotVersion, results []model.MutationResult) error {
	r := h.r
	if len(r.writePipeline) == 0 {
		return Errorf(CodeInternal, "write response with empty pipeline")
	}
	batch := r.writePipeline[0]
	r.writePipeline = r.writePipeline[1:]

	result, err := model.NewMutationBatchResult(batch, commitVersion, results, r.writeStream.LastStreamToken)
	if err != nil {
		return Errorf(CodeInternal, "%v", err)
	}
	if err := r.syncer.ApplySuccessfulWrite(ctx, result); err != nil {
		return err
	}
	return r.FillWritePipeline(ctx)
}

func (h writeHandler) OnWriteStreamClose(ctx context.Context, err error) {
	r := h.r
	if err != nil && len(r.writePipeline) > 0 {
		if r.writeStream.HandshakeComplete() {
			r.handleWriteError(ctx, err)
		} else {
			r.handleHandshakeError(ctx, err)
		}
	}
	if r.shouldStartWriteStream() {
		r.writeStream.Start(ctx)
	}
}

func (r *RemoteStore) handleHandshakeError(ctx context.Context, err error) {
	// A permanent handshake failure means the stream token is unusable;
	// start the next stream without one.
	if IsPermanentError(StatusCode(err)) {
		r.logger.Debug("resetting stream token after handshake error", "error", err)
		r.writeStream.LastStreamToken = nil
		if perr := r.local.SetLastStreamToken(ctx, nil); perr != nil {
			r.logger.Warn("clearing stream token failed", "error", perr)
		}
	}
}

func (r *RemoteStore) handleWriteError(ctx context.Context, err error) {
	if !IsPermanentWriteError(StatusCode(err)) {
		return
	}
	// The first batch in the pipeline caused the error; reject it and
	// carry on with the rest.
	batch := r.writePipeline[0]
	r.writePipeline = r.writePipeline[1:]
	r.writeStream.InhibitBackoff()
	if rerr := r.syncer.RejectFailedWrite(ctx, batch.BatchID, err); rerr != nil {
		r.logger.Error("rejecting failed write", "batch_id", batch.BatchID, "error", rerr)
	}
	if ferr := r.FillWritePipeline(ctx); ferr != nil {
		r.logger.Error("refilling write pipeline", "error", ferr)
	}
}
