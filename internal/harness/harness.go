package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/docsync/internal/engine"
	"github.com/roach88/docsync/internal/local"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/testutil"
)

// ScenarioDatabase is the database every scenario client talks to. Bloom
// filters in watch steps are built over resource names in it.
var ScenarioDatabase = model.DatabaseID{ProjectID: "scenario", Database: model.DefaultDatabase}

const (
	// DefaultTimeout bounds every wait for the client.
	DefaultTimeout = 2 * time.Second

	// DefaultQuietPeriod is how long the harness listens for stray
	// snapshots after the last step.
	DefaultQuietPeriod = 50 * time.Millisecond

	bloomBits   = 1024
	bloomHashes = 7
)

// Harness runs one scenario against a real client. The client talks to a
// testutil.MockConnection; the harness answers for the backend.
type Harness struct {
	logger  *slog.Logger
	timeout time.Duration
	quiet   time.Duration

	client *engine.Client
	conn   *testutil.MockConnection
	creds  *testutil.FakeCredentials

	listeners  map[string]*listener
	order      []string
	mismatches chan remote.ExistenceFilterMismatch

	watch streamCursor
	write streamCursor
	// handshaken is whether write.stream completed its handshake.
	handshaken  bool
	writeTokens int

	result *Result
}

type listener struct {
	id     string
	reg    *engine.ListenerRegistration
	events chan observedEvent
}

type observedEvent struct {
	snap *engine.ViewSnapshot
	err  error
}

// streamCursor remembers how many client messages on stream were already
// consumed by expect steps.
type streamCursor struct {
	stream   *testutil.MockStream
	consumed int
}

func (c *streamCursor) follow(s *testutil.MockStream) bool {
	if c.stream == s {
		return false
	}
	c.stream, c.consumed = s, 0
	return true
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the client's logger. Defaults to discarding.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithTimeout bounds every wait for the client.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) { h.timeout = d }
}

// WithQuietPeriod sets how long the harness waits for unexpected
// snapshots after the last step.
func WithQuietPeriod(d time.Duration) Option {
	return func(h *Harness) { h.quiet = d }
}

// Run executes a scenario and returns the result.
//
// Each scenario gets a fresh client over in-memory persistence, a manual
// clock and a fixed client id, so the trace only depends on the scenario.
// A step that fails stops the run; assertions are evaluated either way.
// The returned error is reserved for failures to set up the client.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout:    DefaultTimeout,
		quiet:      DefaultQuietPeriod,
		conn:       testutil.NewMockConnection(),
		creds:      testutil.NewFakeCredentials(remote.User{UID: scenario.Client.User}),
		listeners:  make(map[string]*listener),
		mismatches: make(chan remote.ExistenceFilterMismatch, 64),
		result:     NewResult(),
	}
	for _, opt := range opts {
		opt(h)
	}

	backend := persistence.NewMemory()
	defer backend.Close()

	clientOpts := []engine.ClientOption{
		engine.WithLogger(h.logger),
		engine.WithClock(testutil.NewManualClock(1_000_000)),
		engine.WithClientIDGenerator(testutil.NewFixedClientID("scenario-client")),
		engine.WithDatabase(ScenarioDatabase),
		engine.WithCredentials(h.creds, nil),
		engine.WithGarbageCollection(local.DefaultLRUParams(), 0, 0),
		engine.WithIndexBackfill(0, 0, 0),
		engine.WithExistenceFilterMismatchObserver(func(m remote.ExistenceFilterMismatch) {
			select {
			case h.mismatches <- m:
			default:
			}
		}),
	}
	if n := scenario.Client.MaxConcurrentLimboResolutions; n > 0 {
		clientOpts = append(clientOpts, engine.WithMaxConcurrentLimboResolutions(n))
	}
	if n := scenario.Client.MaxPendingWrites; n > 0 {
		clientOpts = append(clientOpts, engine.WithMaxPendingWrites(n))
	}

	startCtx, cancel := context.WithTimeout(ctx, h.timeout)
	client, err := engine.NewClient(startCtx, backend, h.conn, clientOpts...)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	h.client = client
	defer func() {
		_ = client.Shutdown(context.Background())
	}()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			h.result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, step.Kind(), err))
			break
		}
	}
	if h.result.Pass {
		h.checkQuiet()
	}

	actx := &AssertionContext{Ctx: ctx, Client: client}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	kind := step.Kind()
	switch {
	case step.Listen != nil:
		h.result.addTrace(EventStep, kind, toArgs(step.Listen))
		return h.listen(ctx, step.Listen)

	case step.Unlisten != "":
		h.result.addTrace(EventStep, kind, map[string]any{"id": step.Unlisten})
		l, ok := h.listeners[step.Unlisten]
		if !ok {
			return fmt.Errorf("unknown listener %q", step.Unlisten)
		}
		return l.reg.Remove(ctx)

	case step.Write != nil:
		h.result.addTrace(EventStep, kind, toArgs(step.Write))
		m, err := buildMutation(step.Write)
		if err != nil {
			return err
		}
		_, err = h.client.Write(ctx, m)
		return err

	case step.Watch != nil:
		h.result.addTrace(EventStep, kind, toArgs(step.Watch))
		return h.deliverWatch(ctx, step.Watch)

	case step.WriteAck != nil:
		h.result.addTrace(EventStep, kind, toArgs(step.WriteAck))
		return h.ackWrite(ctx, step.WriteAck)

	case step.WriteReject != nil:
		h.result.addTrace(EventStep, kind, toArgs(step.WriteReject))
		return h.rejectWrite(ctx, step.WriteReject)

	case step.Network != "":
		h.result.addTrace(EventStep, kind, map[string]any{"state": step.Network})
		if step.Network == "disable" {
			return h.client.DisableNetwork(ctx)
		}
		return h.client.EnableNetwork(ctx)

	case step.ChangeUser != nil:
		h.result.addTrace(EventStep, kind, map[string]any{"uid": *step.ChangeUser})
		h.creds.ChangeUser(remote.User{UID: *step.ChangeUser})
		return nil

	case step.Expect != nil:
		h.result.addTrace(EventStep, kind, nil)
		for _, e := range step.Expect {
			if err := h.expectSnapshot(ctx, e); err != nil {
				return err
			}
		}
		return nil

	case step.ExpectWatch != nil:
		h.result.addTrace(EventStep, kind, nil)
		return h.expectWatch(ctx, step.ExpectWatch)

	case step.ExpectLimbo != nil:
		h.result.addTrace(EventStep, kind, nil)
		return h.expectLimbo(ctx, step.ExpectLimbo)

	case step.ExpectMismatch != nil:
		h.result.addTrace(EventStep, kind, nil)
		return h.expectMismatch(ctx, step.ExpectMismatch)
	}
	return fmt.Errorf("step sets no action")
}

func (h *Harness) listen(ctx context.Context, step *ListenStep) error {
	q, err := buildQuery(step)
	if err != nil {
		return err
	}
	l := &listener{id: step.ID, events: make(chan observedEvent, 256)}
	opts := engine.ListenOptions{
		IncludeMetadataChanges: step.IncludeMetadataChanges,
		WaitForSyncWhenOnline:  step.WaitForSync,
	}
	reg, err := h.client.Listen(ctx, q, opts, func(snap *engine.ViewSnapshot, err error) {
		l.events <- observedEvent{snap: snap, err: err}
	})
	if err != nil {
		return err
	}
	l.reg = reg
	h.listeners[step.ID] = l
	h.order = append(h.order, step.ID)
	return nil
}

func (h *Harness) deliverWatch(ctx context.Context, w *WatchStep) error {
	s, err := h.awaitStream(ctx, remote.KindListen)
	if err != nil {
		return err
	}

	if len(w.Ack) > 0 {
		s.DeliverChange(remote.WatchTargetChange{State: remote.TargetAdded, TargetIDs: targetIDs(w.Ack)})
	}
	for _, d := range w.Docs {
		key, err := model.ParseKey(d.Key)
		if err != nil {
			return err
		}
		data, err := model.ObjectFromGo(d.Data)
		if err != nil {
			return fmt.Errorf("%s: %w", d.Key, err)
		}
		doc := model.NewFoundDocument(key, model.VersionFromMicros(d.Version), data)
		s.DeliverChange(remote.DocumentWatchChange{UpdatedTargetIDs: targetIDs(d.Targets), Key: key, NewDoc: doc})
	}
	for _, d := range w.Deleted {
		key, err := model.ParseKey(d.Key)
		if err != nil {
			return err
		}
		doc := model.NewNoDocument(key, model.VersionFromMicros(d.Version))
		s.DeliverChange(remote.DocumentWatchChange{UpdatedTargetIDs: targetIDs(d.Targets), Key: key, NewDoc: doc})
	}
	for _, d := range w.Removed {
		key, err := model.ParseKey(d.Key)
		if err != nil {
			return err
		}
		s.DeliverChange(remote.DocumentWatchChange{RemovedTargetIDs: targetIDs(d.Targets), Key: key})
	}
	if f := w.Filter; f != nil {
		filter := remote.ExistenceFilter{Count: f.Count}
		if f.Bloom != nil {
			names := make([]string, 0, len(f.Bloom))
			for _, k := range f.Bloom {
				key, err := model.ParseKey(k)
				if err != nil {
					return err
				}
				names = append(names, ScenarioDatabase.ResourceName(key))
			}
			filter.UnchangedNames = remote.BuildBloomFilter(names, bloomBits, bloomHashes).Payload()
		}
		s.DeliverChange(remote.ExistenceFilterChange{TargetID: model.TargetID(f.Target), Filter: filter})
	}
	if len(w.Reset) > 0 {
		s.DeliverChange(remote.WatchTargetChange{State: remote.TargetReset, TargetIDs: targetIDs(w.Reset)})
	}
	if c := w.Current; c != nil {
		s.DeliverChange(remote.WatchTargetChange{
			State:       remote.TargetCurrent,
			TargetIDs:   targetIDs(c.Targets),
			ResumeToken: []byte(c.Token),
		})
	}
	if r := w.Reject; r != nil {
		code, _ := remote.ParseCode(r.Code)
		s.DeliverChange(remote.WatchTargetChange{
			State:     remote.TargetRemoved,
			TargetIDs: targetIDs(r.Targets),
			Cause:     remote.Errorf(code, "rejected by scenario"),
		})
	}
	if w.Snapshot > 0 {
		s.DeliverSnapshot(model.VersionFromMicros(w.Snapshot))
	}
	return nil
}

// nextWrite returns the oldest batch the client sent and the harness has
// not answered yet, completing the handshake of a new stream first.
func (h *Harness) nextWrite(ctx context.Context) (*testutil.MockStream, *remote.WriteRequest, error) {
	s, err := h.awaitStream(ctx, remote.KindWrite)
	if err != nil {
		return nil, nil, err
	}
	if h.write.follow(s) {
		h.handshaken = false
	}
	if !h.handshaken {
		msgs, err := h.awaitSent(ctx, s, h.write.consumed+1)
		if err != nil {
			return nil, nil, err
		}
		hs, ok := msgs[h.write.consumed].(*remote.WriteRequest)
		if !ok || len(hs.Writes) > 0 {
			return nil, nil, fmt.Errorf("expected a write stream handshake, got %T", msgs[h.write.consumed])
		}
		h.write.consumed++
		h.handshaken = true
		h.writeTokens++
		s.Deliver(&remote.WriteResponse{StreamToken: []byte(fmt.Sprintf("w%d", h.writeTokens))})
	}

	msgs, err := h.awaitSent(ctx, s, h.write.consumed+1)
	if err != nil {
		return nil, nil, err
	}
	req, ok := msgs[h.write.consumed].(*remote.WriteRequest)
	if !ok {
		return nil, nil, fmt.Errorf("expected a write request, got %T", msgs[h.write.consumed])
	}
	h.write.consumed++

	keys := make([]any, 0, len(req.Writes))
	for _, m := range req.Writes {
		keys = append(keys, m.Kind.String()+" "+m.Key.String())
	}
	h.result.addTrace(EventObserved, ActionWriteRequest, map[string]any{"writes": keys})
	return s, req, nil
}

func (h *Harness) ackWrite(ctx context.Context, step *WriteAckStep) error {
	s, req, err := h.nextWrite(ctx)
	if err != nil {
		return err
	}
	version := model.VersionFromMicros(step.Version)
	results := make([]model.MutationResult, len(req.Writes))
	for i := range results {
		results[i] = model.MutationResult{Version: version}
	}
	h.writeTokens++
	s.Deliver(&remote.WriteResponse{
		StreamToken: []byte(fmt.Sprintf("w%d", h.writeTokens)),
		CommitTime:  version,
		Results:     results,
	})
	return nil
}

func (h *Harness) rejectWrite(ctx context.Context, step *WriteRejectStep) error {
	s, _, err := h.nextWrite(ctx)
	if err != nil {
		return err
	}
	code, _ := remote.ParseCode(step.Code)
	s.Fail(remote.Errorf(code, "rejected by scenario"))
	return nil
}

func (h *Harness) expectSnapshot(ctx context.Context, e ExpectSnapshot) error {
	l, ok := h.listeners[e.Listener]
	if !ok {
		return fmt.Errorf("unknown listener %q", e.Listener)
	}
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	var got observedEvent
	select {
	case got = <-l.events:
	case <-timer.C:
		return fmt.Errorf("listener %s: no snapshot raised", e.Listener)
	case <-ctx.Done():
		return ctx.Err()
	}

	args := summarize(got)
	args["listener"] = e.Listener
	h.result.addTrace(EventObserved, ActionSnapshot, args)
	if err := e.check(got); err != nil {
		return fmt.Errorf("listener %s: %w", e.Listener, err)
	}
	return nil
}

func (h *Harness) expectWatch(ctx context.Context, want []ExpectRequest) error {
	s, err := h.awaitStream(ctx, remote.KindListen)
	if err != nil {
		return err
	}
	h.watch.follow(s)

	if len(want) == 0 {
		if sent := s.Sent(); len(sent) > h.watch.consumed {
			return fmt.Errorf("unexpected listen requests: %d", len(sent)-h.watch.consumed)
		}
		return nil
	}
	msgs, err := h.awaitSent(ctx, s, h.watch.consumed+len(want))
	if err != nil {
		return err
	}
	for i, e := range want {
		req, ok := msgs[h.watch.consumed].(*remote.ListenRequest)
		if !ok {
			return fmt.Errorf("expected a listen request, got %T", msgs[h.watch.consumed])
		}
		h.watch.consumed++
		h.result.addTrace(EventObserved, ActionListenRequest, requestArgs(req))
		if err := e.check(req); err != nil {
			return fmt.Errorf("request %d: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) expectLimbo(ctx context.Context, want *ExpectLimbo) error {
	wantActive := map[string]int32{}
	for k, id := range want.Active {
		wantActive[k] = id
	}
	wantEnqueued := append([]string{}, want.Enqueued...)

	var (
		gotActive   map[string]int32
		gotEnqueued []string
		lastErr     error
	)
	matched := func() bool {
		active, enqueued, err := h.client.LimboDocuments(ctx)
		if err != nil {
			lastErr = err
			return false
		}
		gotActive = make(map[string]int32, len(active))
		for k, id := range active {
			gotActive[k.String()] = int32(id)
		}
		gotEnqueued = make([]string, 0, len(enqueued))
		for _, k := range enqueued {
			gotEnqueued = append(gotEnqueued, k.String())
		}
		return mapsEqual(gotActive, wantActive) && slices.Equal(gotEnqueued, wantEnqueued)
	}
	err := h.await(ctx, "limbo state", matched)

	active := make(map[string]any, len(gotActive))
	for k, id := range gotActive {
		active[k] = int64(id)
	}
	enqueued := make([]any, 0, len(gotEnqueued))
	for _, k := range gotEnqueued {
		enqueued = append(enqueued, k)
	}
	h.result.addTrace(EventObserved, ActionLimbo, map[string]any{"active": active, "enqueued": enqueued})

	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return fmt.Errorf("limbo: expected active %v enqueued %v, got active %v enqueued %v",
			wantActive, wantEnqueued, gotActive, gotEnqueued)
	}
	return nil
}

func (h *Harness) expectMismatch(ctx context.Context, want *ExpectMismatch) error {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	var got remote.ExistenceFilterMismatch
	select {
	case got = <-h.mismatches:
	case <-timer.C:
		return fmt.Errorf("no existence filter mismatch reported")
	case <-ctx.Done():
		return ctx.Err()
	}
	h.result.addTrace(EventObserved, ActionMismatch, map[string]any{
		"target":   int64(got.TargetID),
		"local":    int64(got.LocalCount),
		"expected": int64(got.ExpectedCount),
		"outcome":  got.Outcome.String(),
	})
	if int32(got.TargetID) != want.Target || got.LocalCount != want.Local ||
		got.ExpectedCount != want.Expected || got.Outcome.String() != want.Outcome {
		return fmt.Errorf("mismatch: expected %+v, got target %d local %d expected %d outcome %s",
			*want, got.TargetID, got.LocalCount, got.ExpectedCount, got.Outcome)
	}
	return nil
}

// checkQuiet fails the run if any listener raised a snapshot no expect
// step consumed.
func (h *Harness) checkQuiet() {
	time.Sleep(h.quiet)
	for _, id := range h.order {
		l := h.listeners[id]
		for {
			select {
			case ev := <-l.events:
				h.result.AddError(fmt.Sprintf("listener %s: unexpected event %v", id, summarize(ev)))
				continue
			default:
			}
			break
		}
	}
}

func (h *Harness) awaitStream(ctx context.Context, kind remote.StreamKind) (*testutil.MockStream, error) {
	var s *testutil.MockStream
	err := h.await(ctx, kind.String()+" stream", func() bool {
		s = h.conn.Stream(kind)
		return s != nil && !s.IsClosed()
	})
	return s, err
}

func (h *Harness) awaitSent(ctx context.Context, s *testutil.MockStream, n int) ([]any, error) {
	var sent []any
	err := h.await(ctx, fmt.Sprintf("%d %s messages", n, s.Kind), func() bool {
		sent = s.Sent()
		return len(sent) >= n
	})
	return sent, err
}

// await polls cond until it holds or the harness timeout passes.
func (h *Harness) await(ctx context.Context, what string, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s", what)
		case <-ticker.C:
		}
	}
	return nil
}

func buildQuery(step *ListenStep) (query.Query, error) {
	var q query.Query
	if step.CollectionGroup != "" {
		q = query.CollectionGroupQuery(step.CollectionGroup)
	} else {
		path, err := model.ParsePath(step.Path)
		if err != nil {
			return query.Query{}, err
		}
		q = query.AtPath(path)
	}
	for _, w := range step.Where {
		field, err := model.ParseFieldPath(w.Field)
		if err != nil {
			return query.Query{}, err
		}
		op, err := query.ParseOperator(w.Op)
		if err != nil {
			return query.Query{}, err
		}
		value, err := model.FromGo(w.Value)
		if err != nil {
			return query.Query{}, fmt.Errorf("where %s: %w", w.Field, err)
		}
		q = q.Where(query.Where(field, op, value))
	}
	for _, o := range step.OrderBy {
		field, err := model.ParseFieldPath(o.Field)
		if err != nil {
			return query.Query{}, err
		}
		dir := query.Ascending
		if o.Descending {
			dir = query.Descending
		}
		q = q.OrderBy(field, dir)
	}
	if step.Limit > 0 {
		if step.LimitToLast {
			q = q.WithLimitToLast(step.Limit)
		} else {
			q = q.WithLimitToFirst(step.Limit)
		}
	}
	if err := query.Validate(q); err != nil {
		return query.Query{}, err
	}
	return q, nil
}

func buildMutation(w *WriteStep) (model.Mutation, error) {
	path := w.Set + w.Patch + w.Delete
	key, err := model.ParseKey(path)
	if err != nil {
		return model.Mutation{}, err
	}
	if w.Delete != "" {
		return model.NewDeleteMutation(key, model.NoPrecondition), nil
	}
	data, err := model.ObjectFromGo(w.Data)
	if err != nil {
		return model.Mutation{}, fmt.Errorf("%s: %w", path, err)
	}
	if w.Patch != "" {
		return model.NewPatchMutation(key, data, data.FieldMask(), model.MustExist(true)), nil
	}
	return model.NewSetMutation(key, data), nil
}

func targetIDs(ids []int32) []model.TargetID {
	out := make([]model.TargetID, len(ids))
	for i, id := range ids {
		out[i] = model.TargetID(id)
	}
	return out
}

func mapsEqual(a, b map[string]int32) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
