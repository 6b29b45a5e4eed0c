package remote

import (
	"context"

	"github.com/roach88/docsync/internal/model"
)

// StreamKind selects one of the two long-lived streams.
type StreamKind int

const (
	KindListen StreamKind = iota
	KindWrite
)

func (k StreamKind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "listen"
}

// Stream is an open bidirectional stream. Messages are already decoded:
// the listen stream sends *ListenRequest and receives *ListenResponse; the
// write stream sends *WriteRequest and receives *WriteResponse.
//
// Recv blocks until a message arrives or the stream ends. Send and Recv may
// be called concurrently with each other, but neither concurrently with
// itself. Close ends the stream and unblocks Recv.
type Stream interface {
	Send(msg any) error
	Recv() (any, error)
	Close() error
}

// Connection is the transport to the backend.
type Connection interface {
	// OpenStream opens a stream. A nil token is sent as no credential.
	OpenStream(ctx context.Context, kind StreamKind, auth, appCheck *Token) (Stream, error)

	// Lookup fetches documents directly from the server. Missing documents
	// come back as no-documents.
	Lookup(ctx context.Context, auth, appCheck *Token, keys []model.DocumentKey) ([]*model.MutableDocument, error)
}
