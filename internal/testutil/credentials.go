package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/docsync/internal/asyncq"
	"github.com/roach88/docsync/internal/remote"
)

// FakeCredentials is a remote.CredentialsProvider that hands out numbered
// tokens. Invalidating bumps the number so tests can observe the refresh.
type FakeCredentials struct {
	mu          sync.Mutex
	user        remote.User
	version     int
	invalidated int
	fetched     int
	err         error
	queue       *asyncq.Queue
	onChange    func(ctx context.Context, user remote.User)
}

// NewFakeCredentials creates a provider for user.
func NewFakeCredentials(user remote.User) *FakeCredentials {
	return &FakeCredentials{user: user}
}

// Start implements remote.CredentialsProvider.
func (f *FakeCredentials) Start(q *asyncq.Queue, onChange func(ctx context.Context, user remote.User)) {
	f.mu.Lock()
	f.queue, f.onChange = q, onChange
	user := f.user
	f.mu.Unlock()
	q.Enqueue(func(ctx context.Context) { onChange(ctx, user) })
}

// GetToken implements remote.CredentialsProvider.
func (f *FakeCredentials) GetToken(context.Context) (*remote.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched++
	if f.err != nil {
		return nil, f.err
	}
	return &remote.Token{Value: fmt.Sprintf("%s-token-%d", f.user.Key(), f.version), User: f.user}, nil
}

// InvalidateToken implements remote.CredentialsProvider.
func (f *FakeCredentials) InvalidateToken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	f.version++
}

// Shutdown implements remote.CredentialsProvider.
func (f *FakeCredentials) Shutdown() {}

// FailTokens makes GetToken fail with err until cleared with nil.
func (f *FakeCredentials) FailTokens(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// ChangeUser switches the signed-in user and notifies the listener on its
// queue.
func (f *FakeCredentials) ChangeUser(user remote.User) {
	f.mu.Lock()
	f.user = user
	f.version = 0
	q, onChange := f.queue, f.onChange
	f.mu.Unlock()
	if q != nil {
		q.Enqueue(func(ctx context.Context) { onChange(ctx, user) })
	}
}

// Invalidations returns how often InvalidateToken was called.
func (f *FakeCredentials) Invalidations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidated
}

// Fetches returns how often GetToken was called.
func (f *FakeCredentials) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched
}
