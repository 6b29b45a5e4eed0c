package remote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/docsync/internal/asyncq"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
)

// WatchStreamHandler receives listen stream events on the stream's queue.
type WatchStreamHandler interface {
	OnWatchStreamOpen(ctx context.Context)
	OnWatchStreamClose(ctx context.Context, err error)
	OnWatchStreamChange(ctx context.Context, change WatchChange, snapshotVersion model.SnapshotVersion) error
}

// WatchStream is the listen stream: it adds and removes targets and
// delivers watch changes.
type WatchStream struct {
	*persistentStream
}

// NewWatchStream creates a stopped listen stream.
func NewWatchStream(q *asyncq.Queue, conn Connection, auth, appCheck CredentialsProvider, opts StreamOptions, logger *slog.Logger, h WatchStreamHandler) *WatchStream {
	w := &WatchStream{}
	w.persistentStream = newPersistentStream(KindListen, q, conn, auth, appCheck, opts, logger, streamCallbacks{
		onOpen:  h.OnWatchStreamOpen,
		onClose: h.OnWatchStreamClose,
		onMessage: func(ctx context.Context, msg any) error {
			resp, ok := msg.(*ListenResponse)
			if !ok || resp.Change == nil {
				return Errorf(CodeInternal, "unexpected listen message %T", msg)
			}
			// Any message proves the connection is alive.
			w.backoff.Reset()
			return h.OnWatchStreamChange(ctx, resp.Change, snapshotVersionOf(resp.Change))
		},
	})
	return w
}

// Watch registers td with the server. The request resumes from the
// target's resume token, or else its snapshot version, and carries the
// expected count when td has one.
func (w *WatchStream) Watch(td *query.TargetData) error {
	req := &TargetRequest{
		TargetID:      td.TargetID,
		Target:        td.Target,
		ExpectedCount: td.ExpectedCount,
	}
	if len(td.ResumeToken) > 0 {
		req.ResumeToken = td.ResumeToken
	} else if !td.SnapshotVersion.IsMin() {
		req.ReadTime = td.SnapshotVersion
	}
	var labels map[string]string
	if td.Purpose != query.PurposeListen {
		labels = map[string]string{"goog-listen-tags": td.Purpose.String()}
	}
	if err := w.send(&ListenRequest{AddTarget: req, Labels: labels}); err != nil {
		return fmt.Errorf("watch target %d: %w", td.TargetID, err)
	}
	return nil
}

// Unwatch removes a target.
func (w *WatchStream) Unwatch(id model.TargetID) error {
	if err := w.send(&ListenRequest{RemoveTarget: id}); err != nil {
		return fmt.Errorf("unwatch target %d: %w", id, err)
	}
	return nil
}
