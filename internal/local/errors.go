package local

import (
	"errors"
	"fmt"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
)

var (
	// ErrPrimaryLeaseLost means another client owns the persistence layer.
	ErrPrimaryLeaseLost = persistence.ErrPrimaryLeaseLost

	// ErrBatchNotOldest is returned when removing a batch that is not at the
	// head of the mutation queue.
	ErrBatchNotOldest = errors.New("local: batch is not the oldest in the queue")

	// ErrBatchNotFound is returned when acknowledging or rejecting an
	// unknown batch.
	ErrBatchNotFound = errors.New("local: batch not found")
)

// IsPrimaryLeaseLost reports whether err is the recoverable lease-loss
// signal.
func IsPrimaryLeaseLost(err error) bool {
	return errors.Is(err, ErrPrimaryLeaseLost)
}

// CorruptionError reports persisted data that failed to decode.
type CorruptionError struct {
	Store string
	Key   string
	Err   error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("local: corrupt entry %s/%q: %v", e.Store, e.Key, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func corrupt(store, key string, err error) error {
	return &CorruptionError{Store: store, Key: key, Err: err}
}

func batchNotOldest(id, head model.BatchID) error {
	return fmt.Errorf("%w: removing batch %d, head is %d", ErrBatchNotOldest, id, head)
}
