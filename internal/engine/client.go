package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/docsync/internal/asyncq"
	"github.com/roach88/docsync/internal/local"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
	"github.com/roach88/docsync/internal/remote"
)

// Scheduler defaults.
const (
	DefaultGCInitialDelay       = time.Minute
	DefaultGCInterval           = 5 * time.Minute
	DefaultBackfillInitialDelay = 15 * time.Second
	DefaultBackfillInterval     = time.Minute
	DefaultBackfillMaxDocuments = 50
)

type clientOptions struct {
	logger     *slog.Logger
	clock      model.Clock
	ids        ClientIDGenerator
	database   model.DatabaseID
	auth       remote.CredentialsProvider
	appCheck   remote.CredentialsProvider
	stream     remote.StreamOptions
	onMismatch func(remote.ExistenceFilterMismatch)

	maxPendingWrites   int
	onlineStateTimeout time.Duration
	maxWatchFailures   int
	maxBloomBits       int
	maxLimbo           int
	resumeTokenMaxAge  time.Duration

	lru            local.LRUParams
	gcInitialDelay time.Duration
	gcInterval     time.Duration

	backfillInitialDelay time.Duration
	backfillInterval     time.Duration
	backfillMaxDocuments int

	autoIndex         bool
	minCollectionSize int
	relativeReadCost  float64
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// WithClock sets the clock stamping local writes.
func WithClock(c model.Clock) ClientOption {
	return func(o *clientOptions) { o.clock = c }
}

// WithClientIDGenerator sets how the client names itself.
func WithClientIDGenerator(g ClientIDGenerator) ClientOption {
	return func(o *clientOptions) { o.ids = g }
}

// WithDatabase sets the database the client talks to.
func WithDatabase(db model.DatabaseID) ClientOption {
	return func(o *clientOptions) { o.database = db }
}

// WithCredentials sets the auth and app check providers. Nil means
// unauthenticated.
func WithCredentials(auth, appCheck remote.CredentialsProvider) ClientOption {
	return func(o *clientOptions) { o.auth, o.appCheck = auth, appCheck }
}

// WithStreamOptions tunes idle timeouts and reconnect backoff.
func WithStreamOptions(s remote.StreamOptions) ClientOption {
	return func(o *clientOptions) { o.stream = s }
}

// WithMaxPendingWrites bounds the write pipeline.
func WithMaxPendingWrites(n int) ClientOption {
	return func(o *clientOptions) { o.maxPendingWrites = n }
}

// WithOnlineStateTimeout sets how long the client waits for the watch
// stream before it reports Offline.
func WithOnlineStateTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.onlineStateTimeout = d }
}

// WithMaxWatchStreamFailures sets how many consecutive watch stream
// failures report Offline before the online state timeout fires.
func WithMaxWatchStreamFailures(n int) ClientOption {
	return func(o *clientOptions) { o.maxWatchFailures = n }
}

// WithMaxBloomFilterBits bounds the existence filter bitmaps the client
// probes. Larger filters reset the target instead. Zero disables the check.
func WithMaxBloomFilterBits(n int) ClientOption {
	return func(o *clientOptions) { o.maxBloomBits = n }
}

// WithMaxConcurrentLimboResolutions bounds the limbo targets listened to
// at once.
func WithMaxConcurrentLimboResolutions(n int) ClientOption {
	return func(o *clientOptions) { o.maxLimbo = n }
}

// WithResumeTokenMaxAge sets how stale a resume token may get before the
// target is persisted again.
func WithResumeTokenMaxAge(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.resumeTokenMaxAge = d }
}

// WithGarbageCollection sets the LRU parameters and schedule. A zero
// interval disables the scheduler; CollectGarbage still works.
func WithGarbageCollection(p local.LRUParams, initialDelay, interval time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.lru, o.gcInitialDelay, o.gcInterval = p, initialDelay, interval
	}
}

// WithIndexBackfill sets the backfill schedule. A zero interval disables
// the scheduler.
func WithIndexBackfill(initialDelay, interval time.Duration, maxDocuments int) ClientOption {
	return func(o *clientOptions) {
		o.backfillInitialDelay, o.backfillInterval, o.backfillMaxDocuments = initialDelay, interval, maxDocuments
	}
}

// WithIndexAutoCreation lets the query engine create indexes for queries
// that scanned more than minCollectionSize documents.
func WithIndexAutoCreation(enabled bool, minCollectionSize int, relativeReadCost float64) ClientOption {
	return func(o *clientOptions) {
		o.autoIndex, o.minCollectionSize, o.relativeReadCost = enabled, minCollectionSize, relativeReadCost
	}
}

// WithExistenceFilterMismatchObserver observes bloom filter reconciliation.
func WithExistenceFilterMismatchObserver(fn func(remote.ExistenceFilterMismatch)) ClientOption {
	return func(o *clientOptions) { o.onMismatch = fn }
}

// Client is one instance of the sync engine: a local store, a remote
// store, the sync engine and the event manager wired together. It is built
// once by NewClient and lives until Shutdown.
//
// Every method is safe for concurrent use. Reads and writes go through the
// local cache and never fail because the network is down;
// GetDocumentFromServer is the one call that surfaces network errors.
type Client struct {
	id      string
	opts    clientOptions
	logger  *slog.Logger
	backend persistence.Backend
	conn    remote.Connection

	// queue runs the sync engine, the event manager and the remote store.
	queue *asyncq.Queue

	local     *local.Store
	remote    *remote.RemoteStore
	sync      *SyncEngine
	events    *EventManager
	datastore *remote.Datastore

	// Owned by queue.
	initialized  bool
	gcTask       *asyncq.DelayedOperation
	backfillTask *asyncq.DelayedOperation

	terminated atomic.Bool
}

// NewClient builds a client over backend and conn and waits until the
// first user is known and the local store is loaded.
func NewClient(ctx context.Context, backend persistence.Backend, conn remote.Connection, opts ...ClientOption) (*Client, error) {
	o := clientOptions{
		logger:               slog.Default(),
		clock:                model.SystemClock{},
		ids:                  UUIDv7Generator{},
		auth:                 remote.EmptyCredentials{},
		appCheck:             remote.EmptyCredentials{},
		maxBloomBits:         remote.DefaultMaxBloomFilterBits,
		maxLimbo:             DefaultMaxConcurrentLimboResolutions,
		resumeTokenMaxAge:    local.DefaultResumeTokenMaxAge,
		lru:                  local.DefaultLRUParams(),
		gcInitialDelay:       DefaultGCInitialDelay,
		gcInterval:           DefaultGCInterval,
		backfillInitialDelay: DefaultBackfillInitialDelay,
		backfillInterval:     DefaultBackfillInterval,
		backfillMaxDocuments: DefaultBackfillMaxDocuments,
		autoIndex:            true,
		minCollectionSize:    local.DefaultIndexAutoCreationMinCollectionSize,
		relativeReadCost:     local.DefaultRelativeIndexReadCostPerDocument,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.auth == nil {
		o.auth = remote.EmptyCredentials{}
	}
	if o.appCheck == nil {
		o.appCheck = remote.EmptyCredentials{}
	}

	id := o.ids.Generate()
	logger := o.logger.With("client_id", id)
	c := &Client{
		id:      id,
		opts:    o,
		logger:  logger,
		backend: backend,
		conn:    conn,
		queue: asyncq.New("sync",
			asyncq.WithLogger(logger),
			asyncq.WithRetryPredicate(persistence.IsRetryable),
		),
	}

	ready := make(chan error, 1)
	o.auth.Start(c.queue, func(ctx context.Context, user remote.User) {
		if !c.initialized {
			c.initialized = true
			ready <- c.initialize(ctx, user)
			return
		}
		if c.remote == nil {
			return
		}
		if err := c.remote.HandleCredentialChange(ctx, user); err != nil {
			c.logger.Error("credential change failed", "user", user.Key(), "error", err)
		}
	})

	select {
	case err := <-ready:
		if err != nil {
			_ = c.queue.Shutdown(context.Background())
			return nil, err
		}
	case <-ctx.Done():
		_ = c.queue.Shutdown(context.Background())
		return nil, ctx.Err()
	}
	c.logger.Info("client started")
	return c, nil
}

// initialize builds the components for the first user. It runs on queue.
func (c *Client) initialize(ctx context.Context, user remote.User) error {
	o := c.opts
	c.local = local.New(c.backend,
		local.WithLogger(c.logger),
		local.WithClock(o.clock),
		local.WithUser(user),
		local.WithLRUParams(o.lru),
		local.WithIndexAutoCreation(o.autoIndex, o.minCollectionSize, o.relativeReadCost),
		local.WithResumeTokenMaxAge(o.resumeTokenMaxAge),
	)
	if err := c.local.Start(ctx); err != nil {
		return fmt.Errorf("start local store: %w", err)
	}

	c.remote = remote.NewRemoteStore(c.queue, c.conn, c.local, remote.Options{
		Database:           o.database,
		Auth:               o.auth,
		AppCheck:           o.appCheck,
		Stream:             o.stream,
		MaxPendingWrites:   o.maxPendingWrites,
		OnlineStateTimeout: o.onlineStateTimeout,
		Logger:             c.logger,
		OnOnlineStateChange: func(_ context.Context, state remote.OnlineState) {
			c.sync.ApplyOnlineStateChange(state)
		},
		OnExistenceFilterMismatch: o.onMismatch,
		MaxWatchStreamFailures:    o.maxWatchFailures,
		MaxBloomFilterBits:        o.maxBloomBits,
	})
	c.sync = NewSyncEngine(c.local, c.remote, user, o.maxLimbo, c.logger)
	c.events = NewEventManager(c.sync)
	c.sync.SetListener(c.events)
	c.datastore = remote.NewDatastore(c.conn, o.auth, o.appCheck)

	if err := c.remote.Start(ctx); err != nil {
		return fmt.Errorf("start remote store: %w", err)
	}
	c.scheduleGarbageCollection(o.gcInitialDelay)
	c.scheduleIndexBackfill(o.backfillInitialDelay)
	return nil
}

// ID returns the client's instance id.
func (c *Client) ID() string { return c.id }

// Queue returns the sync queue, mainly so tests can run delayed operations
// early.
func (c *Client) Queue() *asyncq.Queue { return c.queue }

func (c *Client) verifyNotTerminated() error {
	if c.terminated.Load() {
		return ErrClientTerminated
	}
	return nil
}

// ListenerRegistration stops a listener started with Client.Listen.
type ListenerRegistration struct {
	client   *Client
	listener *QueryListener
	once     sync.Once
	err      error
}

// Remove stops the listener. No events are delivered after Remove
// returns, apart from one already being delivered. Calling it again is a
// no-op.
func (r *ListenerRegistration) Remove(ctx context.Context) error {
	r.once.Do(func() {
		r.listener.observer.mute()
		if r.client.terminated.Load() {
			return
		}
		r.err = asyncq.Do(ctx, r.client.queue, func(ctx context.Context) error {
			return r.client.events.Unlisten(ctx, r.listener)
		})
	})
	return r.err
}

// Listen registers observer for snapshots of q. The first snapshot comes
// from the local cache, subject to opts.
func (c *Client) Listen(ctx context.Context, q query.Query, opts ListenOptions, observer Observer) (*ListenerRegistration, error) {
	if err := c.verifyNotTerminated(); err != nil {
		return nil, err
	}
	l := NewQueryListener(q, opts, observer)
	if err := asyncq.Do(ctx, c.queue, func(ctx context.Context) error {
		return c.events.Listen(ctx, l)
	}); err != nil {
		l.observer.mute()
		return nil, err
	}
	return &ListenerRegistration{client: c, listener: l}, nil
}

// PendingWrite is a write applied locally and queued for the backend.
type PendingWrite struct {
	BatchID model.BatchID
	done    chan struct{}
	err     error
}

// Wait blocks until the backend accepted or rejected the write. Offline,
// that may take arbitrarily long.
func (w *PendingWrite) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write applies mutations atomically. Listeners see the result before
// Write returns; the returned PendingWrite completes when the backend
// acknowledges it.
func (c *Client) Write(ctx context.Context, mutations ...model.Mutation) (*PendingWrite, error) {
	if err := c.verifyNotTerminated(); err != nil {
		return nil, err
	}
	w := &PendingWrite{done: make(chan struct{})}
	callback := func(err error) {
		w.err = err
		close(w.done)
	}
	id, err := asyncq.Call(ctx, c.queue, func(ctx context.Context) (model.BatchID, error) {
		return c.sync.Write(ctx, mutations, callback)
	})
	if err != nil {
		return nil, err
	}
	w.BatchID = id
	return w, nil
}

// WaitForPendingWrites blocks until every write issued so far has been
// acknowledged or rejected. It fails if the user changes meanwhile.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	if err := c.verifyNotTerminated(); err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := asyncq.Do(ctx, c.queue, func(ctx context.Context) error {
		return c.sync.RegisterPendingWritesCallback(ctx, func(err error) { done <- err })
	}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetDocumentFromCache returns the cached document with local writes
// applied, or nil if the cache knows it does not exist. It fails with
// Unavailable if the cache knows nothing about key.
func (c *Client) GetDocumentFromCache(ctx context.Context, key model.DocumentKey) (*model.MutableDocument, error) {
	if err := c.verifyNotTerminated(); err != nil {
		return nil, err
	}
	doc, err := c.local.ReadDocument(ctx, key)
	if err != nil {
		return nil, err
	}
	switch {
	case doc.IsFoundDocument():
		return doc, nil
	case doc.IsNoDocument():
		return nil, nil
	default:
		return nil, remote.Errorf(remote.CodeUnavailable,
			"failed to get document %s from cache; it may exist on the server", key)
	}
}

// GetDocumentsFromCache runs q against the local cache only.
func (c *Client) GetDocumentsFromCache(ctx context.Context, q query.Query) (*ViewSnapshot, error) {
	if err := c.verifyNotTerminated(); err != nil {
		return nil, err
	}
	res, err := c.local.ExecuteQuery(ctx, q, true)
	if err != nil {
		return nil, err
	}
	view := NewView(q, res.RemoteKeys)
	vc := view.ApplyChanges(view.ComputeDocChanges(res.Documents, nil), false, nil, false)
	return vc.Snapshot, nil
}

// GetDocumentFromServer fetches key from the backend, bypassing the cache.
// It returns nil if the document does not exist and fails with
// Unavailable while the client is offline.
func (c *Client) GetDocumentFromServer(ctx context.Context, key model.DocumentKey) (*model.MutableDocument, error) {
	if err := c.verifyNotTerminated(); err != nil {
		return nil, err
	}
	online, err := asyncq.Call(ctx, c.queue, func(context.Context) (bool, error) {
		return c.remote.NetworkEnabled() && c.remote.OnlineState() != remote.Offline, nil
	})
	if err != nil {
		return nil, err
	}
	if !online {
		return nil, remote.Errorf(remote.CodeUnavailable, "failed to get document %s because the client is offline", key)
	}
	docs, err := c.datastore.Lookup(ctx, []model.DocumentKey{key})
	if err != nil {
		return nil, err
	}
	if !docs[0].IsFoundDocument() {
		return nil, nil
	}
	return docs[0], nil
}

// EnableNetwork resumes the streams after DisableNetwork.
func (c *Client) EnableNetwork(ctx context.Context) error {
	if err := c.verifyNotTerminated(); err != nil {
		return err
	}
	return asyncq.Do(ctx, c.queue, c.remote.EnableNetwork)
}

// DisableNetwork stops the streams. Listeners get snapshots from cache and
// writes queue up locally.
func (c *Client) DisableNetwork(ctx context.Context) error {
	if err := c.verifyNotTerminated(); err != nil {
		return err
	}
	return asyncq.Do(ctx, c.queue, func(ctx context.Context) error {
		c.remote.DisableNetwork(ctx)
		return nil
	})
}

// OnlineState returns the current online state.
func (c *Client) OnlineState(ctx context.Context) (remote.OnlineState, error) {
	return asyncq.Call(ctx, c.queue, func(context.Context) (remote.OnlineState, error) {
		return c.remote.OnlineState(), nil
	})
}

// LimboDocuments returns the documents being resolved and the ones waiting
// for a free resolution slot.
func (c *Client) LimboDocuments(ctx context.Context) (map[model.DocumentKey]model.TargetID, []model.DocumentKey, error) {
	type limbo struct {
		active   map[model.DocumentKey]model.TargetID
		enqueued []model.DocumentKey
	}
	l, err := asyncq.Call(ctx, c.queue, func(context.Context) (limbo, error) {
		return limbo{c.sync.ActiveLimboDocumentResolutions(), c.sync.EnqueuedLimboDocumentResolutions()}, nil
	})
	return l.active, l.enqueued, err
}

// CollectGarbage runs one LRU pass now.
func (c *Client) CollectGarbage(ctx context.Context) (local.LRUResults, error) {
	if err := c.verifyNotTerminated(); err != nil {
		return local.LRUResults{}, err
	}
	return c.local.CollectGarbage(ctx)
}

// ConfigureFieldIndexes replaces the user-configured field indexes.
func (c *Client) ConfigureFieldIndexes(ctx context.Context, indexes []local.FieldIndex) error {
	if err := c.verifyNotTerminated(); err != nil {
		return err
	}
	return c.local.ConfigureFieldIndexes(ctx, indexes)
}

// Stats summarizes the persisted state.
func (c *Client) Stats(ctx context.Context) (local.Stats, error) {
	if err := c.verifyNotTerminated(); err != nil {
		return local.Stats{}, err
	}
	return c.local.Stats(ctx)
}

// scheduleGarbageCollection arms the next GC pass. The pass itself runs
// through the retry queue so a busy database delays it instead of
// dropping it.
func (c *Client) scheduleGarbageCollection(delay time.Duration) {
	if c.opts.gcInterval <= 0 {
		return
	}
	c.gcTask = c.queue.EnqueueAfterDelay(asyncq.TimerGarbageCollection, delay, func(context.Context) {
		c.gcTask = nil
		c.queue.EnqueueRetryable(func(ctx context.Context) error {
			res, err := c.local.CollectGarbage(ctx)
			if err != nil {
				return fmt.Errorf("garbage collection: %w", err)
			}
			if res.DidRun {
				c.logger.Debug("garbage collection",
					"sequence_numbers", res.SequenceNumbersCollected,
					"targets_removed", res.TargetsRemoved,
					"documents_removed", res.DocumentsRemoved,
				)
			}
			return nil
		})
		c.scheduleGarbageCollection(c.opts.gcInterval)
	})
}

func (c *Client) scheduleIndexBackfill(delay time.Duration) {
	if c.opts.backfillInterval <= 0 {
		return
	}
	c.backfillTask = c.queue.EnqueueAfterDelay(asyncq.TimerIndexBackfill, delay, func(context.Context) {
		c.backfillTask = nil
		c.queue.EnqueueRetryable(func(ctx context.Context) error {
			n, err := c.local.BackfillIndexes(ctx, c.opts.backfillMaxDocuments)
			if err != nil {
				return fmt.Errorf("index backfill: %w", err)
			}
			if n > 0 {
				c.logger.Debug("index backfill", "documents", n)
			}
			return nil
		})
		c.scheduleIndexBackfill(c.opts.backfillInterval)
	})
}

// Shutdown stops the client. Pending writes stay in the local store and
// are sent by the next client. The backend is left open.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.terminated.CompareAndSwap(false, true) {
		return nil
	}
	err := asyncq.Do(ctx, c.queue, func(ctx context.Context) error {
		if c.gcTask != nil {
			c.gcTask.Cancel()
		}
		if c.backfillTask != nil {
			c.backfillTask.Cancel()
		}
		c.remote.Shutdown(ctx)
		c.opts.auth.Shutdown()
		c.opts.appCheck.Shutdown()
		return nil
	})
	if qerr := c.queue.Shutdown(ctx); qerr != nil {
		err = errors.Join(err, qerr)
	}
	if lerr := c.local.Shutdown(ctx); lerr != nil {
		err = errors.Join(err, lerr)
	}
	c.logger.Info("client shut down")
	return err
}
