package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docsync/internal/asyncq"
)

var tracer = otel.Tracer("github.com/roach88/docsync/internal/remote")

// StreamState is the lifecycle state of a persistent stream.
//
//	Initial --Start--> Auth --open--> Open
//	   ^                |              |
//	   |                +----error-----+--> Error --Start--> Backoff --timer--> Auth
//	   +-----Stop / idle timeout-------+
//
// Auth covers fetching the credentials and opening the transport. Closed is
// terminal and only reached through Shutdown.
type StreamState int

const (
	StreamInitial StreamState = iota
	StreamAuth
	StreamOpen
	StreamError
	StreamBackoff
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamInitial:
		return "initial"
	case StreamAuth:
		return "auth"
	case StreamOpen:
		return "open"
	case StreamError:
		return "error"
	case StreamBackoff:
		return "backoff"
	case StreamClosed:
		return "closed"
	}
	return "invalid"
}

// DefaultIdleTimeout is how long an idle stream stays open.
const DefaultIdleTimeout = 60 * time.Second

// StreamOptions tunes a persistent stream.
type StreamOptions struct {
	IdleTimeout         time.Duration
	BackoffInitialDelay time.Duration
	BackoffMaxDelay     time.Duration
	BackoffFactor       float64
}

type streamCallbacks struct {
	onOpen    func(ctx context.Context)
	onClose   func(ctx context.Context, err error)
	onMessage func(ctx context.Context, msg any) error
}

// persistentStream owns one logical stream across reconnects: credential
// fetch, transport open, idle shutdown and backoff. All methods run on the
// owning queue; network work happens on helper goroutines that report back
// by enqueuing.
//
// Every close bumps generation. Work started under an older generation
// (token fetches, opens, reads) is discarded when it reports back.
type persistentStream struct {
	kind     StreamKind
	queue    *asyncq.Queue
	conn     Connection
	auth     CredentialsProvider
	appCheck CredentialsProvider
	logger   *slog.Logger
	cb       streamCallbacks

	backoff     *asyncq.ExponentialBackoff
	idleTimerID asyncq.TimerID
	idleTimeout time.Duration

	state      StreamState
	generation int
	stream     Stream
	out        *mailbox
	cancelOpen context.CancelFunc
	idleTimer  *asyncq.DelayedOperation
	span       trace.Span
}

func newPersistentStream(kind StreamKind, q *asyncq.Queue, conn Connection, auth, appCheck CredentialsProvider, opts StreamOptions, logger *slog.Logger, cb streamCallbacks) *persistentStream {
	idleID, backoffID := asyncq.TimerListenStreamIdle, asyncq.TimerListenStreamConnectionBackoff
	if kind == KindWrite {
		idleID, backoffID = asyncq.TimerWriteStreamIdle, asyncq.TimerWriteStreamConnectionBackoff
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	var bopts []asyncq.BackoffOption
	if opts.BackoffInitialDelay > 0 && opts.BackoffMaxDelay > 0 {
		bopts = append(bopts, asyncq.WithDelays(opts.BackoffInitialDelay, opts.BackoffMaxDelay))
	}
	if opts.BackoffFactor > 0 {
		bopts = append(bopts, asyncq.WithFactor(opts.BackoffFactor))
	}
	if logger == nil {
		logger = slog.Default()
	}
	if auth == nil {
		auth = EmptyCredentials{}
	}
	if appCheck == nil {
		appCheck = EmptyCredentials{}
	}
	return &persistentStream{
		kind:        kind,
		queue:       q,
		conn:        conn,
		auth:        auth,
		appCheck:    appCheck,
		logger:      logger.With("stream", kind.String()),
		cb:          cb,
		backoff:     asyncq.NewExponentialBackoff(q, backoffID, bopts...),
		idleTimerID: idleID,
		idleTimeout: opts.IdleTimeout,
	}
}

// State returns the current state.
func (s *persistentStream) State() StreamState { return s.state }

// IsStarted reports whether Start was called and the stream has not
// closed since. A backing-off stream counts as started.
func (s *persistentStream) IsStarted() bool {
	return s.state == StreamAuth || s.state == StreamOpen || s.state == StreamBackoff
}

// IsOpen reports whether messages can be sent.
func (s *persistentStream) IsOpen() bool { return s.state == StreamOpen }

// BackoffDelay returns the base delay the next reconnect will wait.
func (s *persistentStream) BackoffDelay() time.Duration { return s.backoff.CurrentDelay() }

// Start begins connecting. After an error it first waits out the backoff.
func (s *persistentStream) Start(ctx context.Context) {
	switch s.state {
	case StreamError:
		s.performBackoff()
		return
	case StreamInitial:
	default:
		return
	}

	s.state = StreamAuth
	gen := s.generation
	_, s.span = tracer.Start(context.Background(), "remote."+s.kind.String()+"_stream",
		trace.WithAttributes(attribute.String("stream.kind", s.kind.String())))

	openCtx, cancel := context.WithCancel(context.Background())
	s.cancelOpen = cancel
	go func() {
		stream, err := s.open(openCtx)
		s.queue.Enqueue(func(ctx context.Context) {
			if gen != s.generation {
				if stream != nil {
					_ = stream.Close()
				}
				return
			}
			if err != nil {
				s.close(ctx, StreamError, err)
				return
			}
			s.opened(ctx, stream)
		})
	}()
}

// open fetches both tokens concurrently, then opens the transport.
func (s *persistentStream) open(ctx context.Context) (Stream, error) {
	var authToken, appCheckToken *Token
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		authToken, err = s.auth.GetToken(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		appCheckToken, err = s.appCheck.GetToken(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch credentials: %w", err)
	}
	return s.conn.OpenStream(ctx, s.kind, authToken, appCheckToken)
}

func (s *persistentStream) opened(ctx context.Context, stream Stream) {
	s.stream = stream
	s.state = StreamOpen
	s.cancelOpen = nil
	s.backoff.Reset()
	s.out = newMailbox()
	if s.span != nil {
		s.span.AddEvent("open")
	}
	s.logger.Debug("stream opened")

	gen := s.generation
	go s.writeLoop(stream, s.out)
	go s.readLoop(gen, stream)
	s.cb.onOpen(ctx)
}

func (s *persistentStream) writeLoop(stream Stream, out *mailbox) {
	for {
		msg, ok := out.next()
		if !ok {
			return
		}
		if err := stream.Send(msg); err != nil {
			// Closing unblocks Recv, which reports the failure.
			s.logger.Debug("send failed", "error", err)
			_ = stream.Close()
			return
		}
	}
}

func (s *persistentStream) readLoop(gen int, stream Stream) {
	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = Errorf(CodeUnavailable, "stream closed by server")
			}
			s.queue.Enqueue(func(ctx context.Context) {
				if gen == s.generation {
					s.close(ctx, StreamError, err)
				}
			})
			return
		}
		ok := s.queue.Enqueue(func(ctx context.Context) {
			if gen != s.generation {
				return
			}
			if err := s.cb.onMessage(ctx, msg); err != nil {
				s.logger.Warn("closing stream after bad message", "error", err)
				s.close(ctx, StreamError, err)
			}
		})
		if !ok {
			return
		}
	}
}

// send queues msg for the writer. Sending counts as activity.
func (s *persistentStream) send(msg any) error {
	if !s.IsOpen() {
		return fmt.Errorf("%s stream: send while %s", s.kind, s.state)
	}
	s.cancelIdleCheck()
	s.out.push(msg)
	return nil
}

// MarkIdle arms the idle timer: if nothing is sent before it fires, the
// stream closes to Initial.
func (s *persistentStream) MarkIdle() {
	if s.IsOpen() && s.idleTimer == nil {
		s.idleTimer = s.queue.EnqueueAfterDelay(s.idleTimerID, s.idleTimeout, func(ctx context.Context) {
			s.idleTimer = nil
			if s.IsOpen() {
				s.logger.Debug("closing idle stream")
				s.close(ctx, StreamInitial, nil)
			}
		})
	}
}

func (s *persistentStream) cancelIdleCheck() {
	if s.idleTimer != nil {
		s.idleTimer.Cancel()
		s.idleTimer = nil
	}
}

// Stop closes the stream without error; Start may be called again.
func (s *persistentStream) Stop(ctx context.Context) {
	if s.IsStarted() {
		s.close(ctx, StreamInitial, nil)
	}
}

// Shutdown closes the stream for good.
func (s *persistentStream) Shutdown(ctx context.Context) {
	if s.IsStarted() {
		s.close(ctx, StreamClosed, nil)
		return
	}
	s.backoff.Cancel()
	s.state = StreamClosed
}

// InhibitBackoff makes the next Start connect immediately. Only valid
// while not started.
func (s *persistentStream) InhibitBackoff() {
	if s.IsStarted() {
		return
	}
	s.state = StreamInitial
	s.backoff.Reset()
}

func (s *persistentStream) performBackoff() {
	s.state = StreamBackoff
	s.backoff.BackoffAndRun(func(ctx context.Context) {
		s.state = StreamInitial
		s.Start(ctx)
	})
}

// close tears down the current connection, moves to finalState and
// notifies the owner. err is nil for deliberate closes.
func (s *persistentStream) close(ctx context.Context, finalState StreamState, err error) {
	s.cancelIdleCheck()
	s.backoff.Cancel()
	s.generation++

	switch {
	case finalState != StreamError:
		s.backoff.Reset()
	case StatusCode(err) == CodeResourceExhausted:
		s.logger.Warn("backend reported resource exhaustion, using maximum backoff", "error", err)
		s.backoff.ResetToMax()
	case StatusCode(err) == CodeUnauthenticated:
		s.logger.Debug("invalidating credentials after unauthenticated error")
		s.auth.InvalidateToken()
		s.appCheck.InvalidateToken()
	}

	if s.cancelOpen != nil {
		s.cancelOpen()
		s.cancelOpen = nil
	}
	if s.stream != nil {
		s.out.close()
		_ = s.stream.Close()
		s.stream = nil
	}
	if s.span != nil {
		if err != nil {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
		}
		s.span.End()
		s.span = nil
	}
	if err != nil {
		s.logger.Debug("stream closed", "state", finalState.String(), "error", err)
	}

	s.state = finalState
	s.cb.onClose(ctx, err)
}
