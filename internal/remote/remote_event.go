package remote

import (
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
)

// RemoteEvent is everything the watch stream reported up to one global
// snapshot.
type RemoteEvent struct {
	SnapshotVersion model.SnapshotVersion

	// TargetChanges holds per-target membership changes.
	TargetChanges map[model.TargetID]*TargetChange

	// TargetMismatches lists targets whose existence filter disagreed with
	// the local state; they must be re-listened with the given purpose.
	TargetMismatches map[model.TargetID]query.TargetPurpose

	// DocumentUpdates holds the latest copy of every changed document.
	DocumentUpdates model.DocumentMap

	// ResolvedLimboDocuments are keys only limbo targets reported on.
	ResolvedLimboDocuments model.DocumentKeySet
}

// TargetChange is the membership delta of one target within a RemoteEvent.
type TargetChange struct {
	ResumeToken []byte
	Current     bool
	Added       model.DocumentKeySet
	Modified    model.DocumentKeySet
	Removed     model.DocumentKeySet
}

// NewTargetChange returns an empty change.
func NewTargetChange(resumeToken []byte, current bool) *TargetChange {
	return &TargetChange{
		ResumeToken: resumeToken,
		Current:     current,
		Added:       model.NewKeySet(),
		Modified:    model.NewKeySet(),
		Removed:     model.NewKeySet(),
	}
}

// SynthesizedLimboRejection builds the event that marks key deleted after
// its limbo target was rejected.
func SynthesizedLimboRejection(key model.DocumentKey) RemoteEvent {
	return RemoteEvent{
		SnapshotVersion:        model.MinVersion,
		TargetChanges:          map[model.TargetID]*TargetChange{},
		TargetMismatches:       map[model.TargetID]query.TargetPurpose{},
		DocumentUpdates:        model.DocumentMap{key: model.NewNoDocument(key, model.MinVersion)},
		ResolvedLimboDocuments: model.NewKeySet(key),
	}
}
