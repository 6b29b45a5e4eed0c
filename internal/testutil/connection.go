package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/remote"
)

// ErrStreamClosed is returned by Send on a closed MockStream.
var ErrStreamClosed = errors.New("mock stream closed")

// MockConnection is an in-memory remote.Connection. Tests play the server:
// they inspect what the client sent and deliver responses on the most
// recently opened stream of each kind.
type MockConnection struct {
	mu        sync.Mutex
	streams   map[remote.StreamKind]*MockStream
	opens     map[remote.StreamKind]int
	openErrs  map[remote.StreamKind][]error
	tokens    []*remote.Token
	documents map[model.DocumentKey]*model.MutableDocument
	lookupErr error
}

// NewMockConnection creates a connection with no documents.
func NewMockConnection() *MockConnection {
	return &MockConnection{
		streams:   make(map[remote.StreamKind]*MockStream),
		opens:     make(map[remote.StreamKind]int),
		openErrs:  make(map[remote.StreamKind][]error),
		documents: make(map[model.DocumentKey]*model.MutableDocument),
	}
}

// FailNextOpen makes the next OpenStream of kind fail with err. Calls
// queue up.
func (c *MockConnection) FailNextOpen(kind remote.StreamKind, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErrs[kind] = append(c.openErrs[kind], err)
}

// OpenStream implements remote.Connection.
func (c *MockConnection) OpenStream(ctx context.Context, kind remote.StreamKind, auth, appCheck *remote.Token) (remote.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens[kind]++
	c.tokens = append(c.tokens, auth)
	if errs := c.openErrs[kind]; len(errs) > 0 {
		c.openErrs[kind] = errs[1:]
		return nil, errs[0]
	}
	s := newMockStream(kind)
	c.streams[kind] = s
	return s, nil
}

// SetDocument makes doc visible to Lookup.
func (c *MockConnection) SetDocument(doc *model.MutableDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.documents[doc.Key()] = doc
}

// FailLookup makes Lookup fail with err until cleared with nil.
func (c *MockConnection) FailLookup(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookupErr = err
}

// Lookup implements remote.Connection. Unknown keys come back as
// no-documents at version 1.
func (c *MockConnection) Lookup(ctx context.Context, auth, appCheck *remote.Token, keys []model.DocumentKey) ([]*model.MutableDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, auth)
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	out := make([]*model.MutableDocument, 0, len(keys))
	for _, k := range keys {
		if doc, ok := c.documents[k]; ok {
			out = append(out, doc.Clone())
		} else {
			out = append(out, model.NewNoDocument(k, model.VersionFromMicros(1)))
		}
	}
	return out, nil
}

// OpenCount returns how many times a stream of kind was opened,
// including failed attempts.
func (c *MockConnection) OpenCount(kind remote.StreamKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[kind]
}

// Tokens returns the auth tokens presented so far, in order.
func (c *MockConnection) Tokens() []*remote.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*remote.Token(nil), c.tokens...)
}

// Stream returns the latest stream of kind, or nil.
func (c *MockConnection) Stream(kind remote.StreamKind) *MockStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[kind]
}

// AwaitStream waits until a stream of kind is open and returns it. With
// after set it waits for a stream other than after.
func (c *MockConnection) AwaitStream(t testing.TB, kind remote.StreamKind, after *MockStream) *MockStream {
	t.Helper()
	var s *MockStream
	require.Eventually(t, func() bool {
		s = c.Stream(kind)
		return s != nil && s != after && !s.IsClosed()
	}, 2*time.Second, time.Millisecond, "%s stream never opened", kind)
	return s
}

type recvItem struct {
	msg any
	err error
}

// MockStream is one side of a mock connection.
type MockStream struct {
	Kind remote.StreamKind

	mu     sync.Mutex
	sent   []any
	recv   chan recvItem
	closed chan struct{}
	once   sync.Once
}

func newMockStream(kind remote.StreamKind) *MockStream {
	return &MockStream{
		Kind:   kind,
		recv:   make(chan recvItem, 1024),
		closed: make(chan struct{}),
	}
}

// Send implements remote.Stream.
func (s *MockStream) Send(msg any) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

// Recv implements remote.Stream. A closed stream reports io.EOF.
func (s *MockStream) Recv() (any, error) {
	select {
	case it := <-s.recv:
		return it.msg, it.err
	case <-s.closed:
		return nil, io.EOF
	}
}

// Close implements remote.Stream.
func (s *MockStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// IsClosed reports whether the client closed the stream.
func (s *MockStream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Deliver sends msg from the server to the client.
func (s *MockStream) Deliver(msg any) {
	s.recv <- recvItem{msg: msg}
}

// DeliverChange wraps change in a ListenResponse and delivers it.
func (s *MockStream) DeliverChange(change remote.WatchChange) {
	s.Deliver(&remote.ListenResponse{Change: change})
}

// DeliverSnapshot delivers a global snapshot at version.
func (s *MockStream) DeliverSnapshot(version model.SnapshotVersion) {
	s.DeliverChange(remote.WatchTargetChange{State: remote.TargetNoChange, ReadTime: version})
}

// Fail ends the stream from the server side with err.
func (s *MockStream) Fail(err error) {
	s.recv <- recvItem{err: err}
}

// Sent returns everything the client sent so far.
func (s *MockStream) Sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.sent...)
}

// AwaitSent waits until the client sent at least n messages and returns
// all of them.
func (s *MockStream) AwaitSent(t testing.TB, n int) []any {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Sent()) >= n
	}, 2*time.Second, time.Millisecond, "expected %d sent messages", n)
	return s.Sent()
}
