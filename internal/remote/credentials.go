package remote

import (
	"context"

	"github.com/roach88/docsync/internal/asyncq"
)

// User identifies whose pending writes a mutation queue holds. The zero
// value is the unauthenticated user.
type User struct {
	UID string
}

// Unauthenticated is the user before sign-in.
var Unauthenticated = User{}

// IsAuthenticated reports whether u has a uid.
func (u User) IsAuthenticated() bool { return u.UID != "" }

// Key returns a stable storage key for u.
func (u User) Key() string {
	if u.UID == "" {
		return "anonymous"
	}
	return u.UID
}

// Token is an opaque credential forwarded with each stream or RPC.
type Token struct {
	Value string
	User  User
}

// CredentialsProvider supplies auth or app-check tokens.
//
// Start registers onChange, which the provider runs on q whenever the
// credential changes (including once with the initial user). GetToken may
// block on the network and is never called on a queue. A nil token with a
// nil error means the request goes out without credentials.
type CredentialsProvider interface {
	Start(q *asyncq.Queue, onChange func(ctx context.Context, user User))
	GetToken(ctx context.Context) (*Token, error)
	InvalidateToken()
	Shutdown()
}

// EmptyCredentials never returns a token and always reports the
// unauthenticated user.
type EmptyCredentials struct{}

func (EmptyCredentials) Start(q *asyncq.Queue, onChange func(ctx context.Context, user User)) {
	q.Enqueue(func(ctx context.Context) { onChange(ctx, Unauthenticated) })
}

func (EmptyCredentials) GetToken(context.Context) (*Token, error) { return nil, nil }

func (EmptyCredentials) InvalidateToken() {}

func (EmptyCredentials) Shutdown() {}

// StaticCredentials always returns the same bearer token for one user.
type StaticCredentials struct {
	Token string
	User  User
}

func (c StaticCredentials) Start(q *asyncq.Queue, onChange func(ctx context.Context, user User)) {
	q.Enqueue(func(ctx context.Context) { onChange(ctx, c.User) })
}

func (c StaticCredentials) GetToken(context.Context) (*Token, error) {
	if c.Token == "" {
		return nil, nil
	}
	return &Token{Value: c.Token, User: c.User}, nil
}

func (StaticCredentials) InvalidateToken() {}

func (StaticCredentials) Shutdown() {}
