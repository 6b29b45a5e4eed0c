package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/docsync/internal/asyncq"
)

// OnlineState is the client's belief about backend connectivity.
type OnlineState int

const (
	// OnlineUnknown: a connection attempt is in progress or the state is
	// undetermined. Listeners still wait for the server.
	OnlineUnknown OnlineState = iota
	// Online: the watch stream is connected.
	Online
	// Offline: connecting failed repeatedly or the network was disabled.
	// Listeners raise cached results.
	Offline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineUnknown:
		return "unknown"
	case Online:
		return "online"
	case Offline:
		return "offline"
	}
	return "invalid"
}

const (
	// DefaultOnlineStateTimeout is how long a connection attempt may stay
	// Unknown before the client reports Offline.
	DefaultOnlineStateTimeout = 10 * time.Second

	// DefaultMaxWatchStreamFailures is how many consecutive watch stream
	// failures flip Unknown to Offline before the timeout.
	DefaultMaxWatchStreamFailures = 1

	// DefaultMaxBloomFilterBits bounds the existence filter bitmaps the
	// client probes (2 MiB).
	DefaultMaxBloomFilterBits = 1 << 24
)

// OnlineStateTracker debounces watch stream health into an OnlineState.
// All methods must run on the tracker's queue.
type OnlineStateTracker struct {
	queue       *asyncq.Queue
	logger      *slog.Logger
	onChange    func(ctx context.Context, state OnlineState)
	timeout     time.Duration
	maxFailures int

	state             OnlineState
	watchFailures     int
	timer             *asyncq.DelayedOperation
	shouldWarnOffline bool
}

// NewOnlineStateTracker creates a tracker reporting transitions to onChange.
// Non-positive timeout and maxFailures select the defaults.
func NewOnlineStateTracker(q *asyncq.Queue, timeout time.Duration, maxFailures int, logger *slog.Logger, onChange func(ctx context.Context, state OnlineState)) *OnlineStateTracker {
	if timeout <= 0 {
		timeout = DefaultOnlineStateTimeout
	}
	if maxFailures <= 0 {
		maxFailures = DefaultMaxWatchStreamFailures
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OnlineStateTracker{
		queue:             q,
		logger:            logger,
		onChange:          onChange,
		timeout:           timeout,
		maxFailures:       maxFailures,
		shouldWarnOffline: true,
	}
}

// State returns the current state.
func (t *OnlineStateTracker) State() OnlineState { return t.state }

// HandleWatchStreamStart is called whenever the watch stream starts a
// connection attempt. The first attempt from Unknown arms the timeout.
func (t *OnlineStateTracker) HandleWatchStreamStart(ctx context.Context) {
	if t.watchFailures != 0 || t.state != OnlineUnknown || t.timer != nil {
		return
	}
	t.setAndBroadcast(ctx, OnlineUnknown)
	t.timer = t.queue.EnqueueAfterDelay(asyncq.TimerOnlineStateTimeout, t.timeout, func(ctx context.Context) {
		t.timer = nil
		if t.state == OnlineUnknown {
			t.logOffline("backend didn't respond within " + t.timeout.String())
			t.setAndBroadcast(ctx, Offline)
		}
	})
}

// HandleWatchStreamFailure records a failed attempt. From Online it drops
// back to Unknown; otherwise enough consecutive failures mean Offline.
func (t *OnlineStateTracker) HandleWatchStreamFailure(ctx context.Context, err error) {
	if t.state == Online {
		t.setAndBroadcast(ctx, OnlineUnknown)
		return
	}
	t.watchFailures++
	if t.watchFailures >= t.maxFailures {
		t.clearTimer()
		t.logOffline(fmt.Sprintf("connection failed %d times: %v", t.maxFailures, err))
		t.setAndBroadcast(ctx, Offline)
	}
}

// Set forces state, clearing failure counters and the timeout.
func (t *OnlineStateTracker) Set(ctx context.Context, state OnlineState) {
	t.clearTimer()
	t.watchFailures = 0
	if state == Online {
		t.shouldWarnOffline = false
	}
	t.setAndBroadcast(ctx, state)
}

func (t *OnlineStateTracker) setAndBroadcast(ctx context.Context, state OnlineState) {
	if state == t.state {
		return
	}
	t.logger.Debug("online state changed", "from", t.state.String(), "to", state.String())
	t.state = state
	if t.onChange != nil {
		t.onChange(ctx, state)
	}
}

func (t *OnlineStateTracker) logOffline(details string) {
	msg := "could not reach backend, operating in offline mode"
	if t.shouldWarnOffline {
		t.logger.Warn(msg, "details", details)
		t.shouldWarnOffline = false
	} else {
		t.logger.Debug(msg, "details", details)
	}
}

func (t *OnlineStateTracker) clearTimer() {
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
}
