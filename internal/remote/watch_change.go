package remote

import (
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
)

// WatchChange is one decoded message from the listen stream.
//
// This is a sealed interface: only DocumentWatchChange, WatchTargetChange
// and ExistenceFilterChange implement it.
type WatchChange interface {
	watchChange()
}

// DocumentWatchChange reports a document entering, changing in or leaving
// targets. NewDoc is a found document, a no-document for deletes, or nil
// when the document merely left the removed targets.
type DocumentWatchChange struct {
	UpdatedTargetIDs []model.TargetID
	RemovedTargetIDs []model.TargetID
	Key              model.DocumentKey
	NewDoc           *model.MutableDocument
}

// WatchTargetChangeState is the kind of a WatchTargetChange.
type WatchTargetChangeState int

const (
	TargetNoChange WatchTargetChangeState = iota
	TargetAdded
	TargetRemoved
	TargetCurrent
	TargetReset
)

func (s WatchTargetChangeState) String() string {
	switch s {
	case TargetNoChange:
		return "no_change"
	case TargetAdded:
		return "add"
	case TargetRemoved:
		return "remove"
	case TargetCurrent:
		return "current"
	case TargetReset:
		return "reset"
	}
	return "unknown"
}

// WatchTargetChange reports a state transition for targets. An empty
// TargetIDs applies to every active target. A NoChange with no targets and
// a ReadTime is a global snapshot: everything before it is consistent.
type WatchTargetChange struct {
	State       WatchTargetChangeState
	TargetIDs   []model.TargetID
	ResumeToken []byte
	ReadTime    model.SnapshotVersion
	Cause       error
}

// ExistenceFilterChange tells the client how many documents the server
// holds for a target, optionally with a bloom filter of their names.
type ExistenceFilterChange struct {
	TargetID model.TargetID
	Filter   ExistenceFilter
}

// ExistenceFilter is the payload of an ExistenceFilterChange.
type ExistenceFilter struct {
	Count          int32
	UnchangedNames *BloomFilterPayload
}

// BloomFilterPayload is an encoded bloom filter as sent by the server.
type BloomFilterPayload struct {
	Bitmap    []byte
	Padding   int32
	HashCount int32
}

func (DocumentWatchChange) watchChange()   {}
func (WatchTargetChange) watchChange()     {}
func (ExistenceFilterChange) watchChange() {}

// snapshotVersionOf returns the global snapshot version a change carries,
// or MinVersion if it is not a global snapshot.
func snapshotVersionOf(c WatchChange) model.SnapshotVersion {
	tc, ok := c.(WatchTargetChange)
	if !ok || tc.State != TargetNoChange || len(tc.TargetIDs) > 0 {
		return model.MinVersion
	}
	return tc.ReadTime
}

// ListenRequest is sent on the listen stream. Exactly one of AddTarget or
// RemoveTarget is set.
type ListenRequest struct {
	AddTarget    *TargetRequest
	RemoveTarget model.TargetID
	Labels       map[string]string
}

// TargetRequest asks the server to start watching a target. A non-empty
// ResumeToken (or else a non-min ReadTime) resumes from a previous session.
type TargetRequest struct {
	TargetID      model.TargetID
	Target        query.Target
	ResumeToken   []byte
	ReadTime      model.SnapshotVersion
	ExpectedCount *int32
}

// ListenResponse wraps a WatchChange received on the listen stream.
type ListenResponse struct {
	Change WatchChange
}

// WriteRequest is sent on the write stream. The first request of a stream
// is the handshake and carries only Database.
type WriteRequest struct {
	Database    string
	StreamToken []byte
	Writes      []model.Mutation
}

// WriteResponse answers a WriteRequest. The handshake response has no
// results.
type WriteResponse struct {
	StreamToken []byte
	CommitTime  model.SnapshotVersion
	Results     []model.MutationResult
}
