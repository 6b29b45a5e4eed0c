package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend is a transactional, ordered key-value store partitioned into named
// stores. Transactions are scoped to the callback: the transaction handle
// must not be retained after fn returns.
type Backend interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, name string, fn func(ReadTxn) error) error

	// Update runs fn in a read-write transaction. If fn returns an error,
	// nothing it wrote is visible afterwards.
	Update(ctx context.Context, name string, fn func(WriteTxn) error) error

	// Close releases the backend.
	Close() error
}

// ReadTxn exposes the operations valid in a read-only transaction.
type ReadTxn interface {
	Get(store, key string) ([]byte, bool, error)

	// Scan visits entries of store within r in key order. fn returns false
	// to stop early.
	Scan(store string, r KeyRange, fn func(key string, value []byte) (bool, error)) error

	Count(store string, r KeyRange) (int, error)
}

// WriteTxn adds mutations to ReadTxn.
type WriteTxn interface {
	ReadTxn
	Put(store, key string, value []byte) error
	Delete(store, key string) error
	DeleteRange(store string, r KeyRange) error
}

// KeyRange is the half-open interval [Start, End). An empty End is
// unbounded. Reverse scans from the end.
type KeyRange struct {
	Start   string
	End     string
	Reverse bool
}

// All covers every key of a store.
var All = KeyRange{}

// PrefixRange covers every key starting with prefix.
func PrefixRange(prefix string) KeyRange {
	if prefix == "" {
		return All
	}
	return KeyRange{Start: prefix, End: prefix + "\xff"}
}

// Contains reports whether key lies inside r.
func (r KeyRange) Contains(key string) bool {
	return key >= r.Start && (r.End == "" || key < r.End)
}

// Separator joins key components. It sorts below every printable character,
// so "a"+sep+"z" orders before "ab".
const Separator = "\x01"

// Key joins components into a composite key.
func Key(parts ...string) string {
	return strings.Join(parts, Separator)
}

// SplitKey reverses Key.
func SplitKey(key string) []string {
	return strings.Split(key, Separator)
}

// Prefix returns the key prefix matching every key that starts with parts.
func Prefix(parts ...string) string {
	return Key(parts...) + Separator
}

// Int encodes n so that lexical order matches numeric order for n >= 0.
func Int(n int64) string {
	return fmt.Sprintf("%020d", n)
}

var (
	// ErrPrimaryLeaseLost means another client took ownership of the
	// storage. The caller may reset and retry as a secondary.
	ErrPrimaryLeaseLost = errors.New("persistence: primary lease lost")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("persistence: backend closed")

	// ErrBusy wraps transient lock contention in the storage engine.
	ErrBusy = errors.New("persistence: storage busy")
)

// IsRetryable reports whether the failure is transient and the operation
// may be resubmitted.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}
