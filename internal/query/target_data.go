package query

import (
	"fmt"
	"slices"

	"github.com/roach88/docsync/internal/model"
)

// TargetPurpose records why a target is being listened to.
type TargetPurpose int

const (
	// PurposeListen is a regular user listen.
	PurposeListen TargetPurpose = iota
	// PurposeExistenceFilterMismatch re-listens after an existence filter
	// disagreed with the local count and no bloom filter could resolve it.
	PurposeExistenceFilterMismatch
	// PurposeExistenceFilterMismatchBloom re-listens after the bloom filter
	// was applied but the counts still disagreed.
	PurposeExistenceFilterMismatchBloom
	// PurposeLimboResolution resolves one limbo document.
	PurposeLimboResolution
)

func (p TargetPurpose) String() string {
	switch p {
	case PurposeListen:
		return "listen"
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeExistenceFilterMismatchBloom:
		return "existence-filter-mismatch-bloom"
	case PurposeLimboResolution:
		return "limbo-resolution"
	}
	return fmt.Sprintf("TargetPurpose(%d)", int(p))
}

// ListenSequenceNumber orders target and document usage for LRU garbage
// collection.
type ListenSequenceNumber int64

// InvalidSequenceNumber marks "no sequence number".
const InvalidSequenceNumber ListenSequenceNumber = -1

// TargetData is the immutable record the target cache keeps for a target.
// The With* methods return modified copies.
type TargetData struct {
	Target         Target
	TargetID       model.TargetID
	Purpose        TargetPurpose
	SequenceNumber ListenSequenceNumber

	// SnapshotVersion is the version the resume token corresponds to.
	SnapshotVersion model.SnapshotVersion

	// LastLimboFreeSnapshotVersion is the last snapshot at which the view
	// had no limbo documents; the query engine may reuse results from it.
	LastLimboFreeSnapshotVersion model.SnapshotVersion

	ResumeToken []byte

	// ExpectedCount is sent with a resumed listen so the backend can answer
	// with an existence filter. Nil means unknown.
	ExpectedCount *int32
}

// NewTargetData creates target data with no resume state.
func NewTargetData(target Target, id model.TargetID, purpose TargetPurpose, seq ListenSequenceNumber) TargetData {
	return TargetData{
		Target:         target,
		TargetID:       id,
		Purpose:        purpose,
		SequenceNumber: seq,
	}
}

// WithSequenceNumber returns a copy with a new sequence number.
func (t TargetData) WithSequenceNumber(seq ListenSequenceNumber) TargetData {
	t.SequenceNumber = seq
	return t
}

// WithResumeToken returns a copy with a new resume token and snapshot
// version. The expected count is cleared because it described the old token.
func (t TargetData) WithResumeToken(token []byte, version model.SnapshotVersion) TargetData {
	t.ResumeToken = slices.Clone(token)
	t.SnapshotVersion = version
	t.ExpectedCount = nil
	return t
}

// WithExpectedCount returns a copy carrying count.
func (t TargetData) WithExpectedCount(count int32) TargetData {
	t.ExpectedCount = &count
	return t
}

// WithLastLimboFreeSnapshotVersion returns a copy with a new limbo-free
// version.
func (t TargetData) WithLastLimboFreeSnapshotVersion(v model.SnapshotVersion) TargetData {
	t.LastLimboFreeSnapshotVersion = v
	return t
}

// WithPurpose returns a copy with a new purpose.
func (t TargetData) WithPurpose(p TargetPurpose) TargetData {
	t.Purpose = p
	return t
}
