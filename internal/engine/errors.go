package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/remote"
)

// InvariantError reports state the backend or the local store should
// never produce. The operation that detected it is abandoned.
type InvariantError struct {
	// Code identifies the violated invariant.
	Code InvariantCode

	// Message is a human-readable description.
	Message string

	// TargetID is the affected target, if any.
	TargetID model.TargetID

	// Key is the affected document, if any.
	Key string
}

// InvariantCode categorizes invariant violations.
type InvariantCode string

const (
	// ErrCodeLimboMultipleChanges means a limbo target reported more than
	// one document change in a single event.
	ErrCodeLimboMultipleChanges InvariantCode = "LIMBO_MULTIPLE_CHANGES"

	// ErrCodeLimboUnexpectedChange means a limbo target modified or
	// removed a document it never sent.
	ErrCodeLimboUnexpectedChange InvariantCode = "LIMBO_UNEXPECTED_CHANGE"

	// ErrCodeUnknownQuery means an operation referenced a query that is not
	// being listened to.
	ErrCodeUnknownQuery InvariantCode = "UNKNOWN_QUERY"
)

// Error implements the error interface.
func (e *InvariantError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (target=%d, key=%s)", e.Code, e.Message, e.TargetID, e.Key)
	}
	if e.TargetID != 0 {
		return fmt.Sprintf("%s: %s (target=%d)", e.Code, e.Message, e.TargetID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsInvariantError reports whether err wraps an InvariantError.
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

func newLimboError(code InvariantCode, id model.TargetID, key model.DocumentKey, msg string) *InvariantError {
	return &InvariantError{Code: code, Message: msg, TargetID: id, Key: key.String()}
}

// ErrClientTerminated is returned by every Client operation after
// Shutdown.
var ErrClientTerminated = remote.Errorf(remote.CodeFailedPrecondition, "the client has already been terminated")

// errUserChanged fails waitForPendingWrites callbacks when the user
// changes.
var errUserChanged = remote.Errorf(remote.CodeCanceled, "waiting for pending writes was cancelled by a user change")
