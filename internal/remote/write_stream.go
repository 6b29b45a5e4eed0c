package remote

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/roach88/docsync/internal/asyncq"
	"github.com/roach88/docsync/internal/model"
)

// ErrHandshakeIncomplete is returned when mutations are written before the
// server acknowledged the handshake.
var ErrHandshakeIncomplete = errors.New("write stream: handshake not complete")

// WriteStreamHandler receives write stream events on the stream's queue.
type WriteStreamHandler interface {
	OnWriteStreamOpen(ctx context.Context)
	OnWriteStreamClose(ctx context.Context, err error)
	OnWriteHandshakeComplete(ctx context.Context)
	OnMutationResult(ctx context.Context, commitVersion model.SnapshotVersion, results []model.MutationResult) error
}

// WriteStream is the write stream. Each connection starts with a handshake
// that must be answered before any mutations are sent.
type WriteStream struct {
	*persistentStream
	database string

	handshakeComplete bool

	// LastStreamToken is the token from the latest response, sent back
	// with each write so the server can detect gaps.
	LastStreamToken []byte
}

// NewWriteStream creates a stopped write stream for database.
func NewWriteStream(q *asyncq.Queue, conn Connection, database string, auth, appCheck CredentialsProvider, opts StreamOptions, logger *slog.Logger, h WriteStreamHandler) *WriteStream {
	w := &WriteStream{database: database}
	w.persistentStream = newPersistentStream(KindWrite, q, conn, auth, appCheck, opts, logger, streamCallbacks{
		onOpen: func(ctx context.Context) {
			w.handshakeComplete = false
			h.OnWriteStreamOpen(ctx)
		},
		onClose: h.OnWriteStreamClose,
		onMessage: func(ctx context.Context, msg any) error {
			resp, ok := msg.(*WriteResponse)
			if !ok {
				return Errorf(CodeInternal, "unexpected write message %T", msg)
			}
			w.LastStreamToken = slices.Clone(resp.StreamToken)
			if !w.handshakeComplete {
				w.handshakeComplete = true
				h.OnWriteHandshakeComplete(ctx)
				return nil
			}
			// A write response proves the connection works.
			w.backoff.Reset()
			return h.OnMutationResult(ctx, resp.CommitTime, resp.Results)
		},
	})
	return w
}

// HandshakeComplete reports whether mutations may be written.
func (w *WriteStream) HandshakeComplete() bool { return w.handshakeComplete }

// WriteHandshake sends the first request of a connection.
func (w *WriteStream) WriteHandshake() error {
	if w.handshakeComplete {
		return errors.New("write stream: handshake already complete")
	}
	return w.send(&WriteRequest{Database: w.database})
}

// WriteMutations sends one batch's mutations.
func (w *WriteStream) WriteMutations(mutations []model.Mutation) error {
	if !w.handshakeComplete {
		return ErrHandshakeIncomplete
	}
	return w.send(&WriteRequest{StreamToken: w.LastStreamToken, Writes: mutations})
}
