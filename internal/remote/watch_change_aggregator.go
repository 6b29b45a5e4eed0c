package remote

import (
	"log/slog"
	"maps"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
)

// TargetMetadataProvider gives the aggregator access to the sync engine's
// view of each target.
type TargetMetadataProvider interface {
	// RemoteKeysForTarget returns the keys the server last confirmed for id.
	RemoteKeysForTarget(id model.TargetID) model.DocumentKeySet

	// TargetDataForTarget returns the data of a listened target, or nil.
	TargetDataForTarget(id model.TargetID) *query.TargetData
}

type changeType int

const (
	changeAdded changeType = iota
	changeRemoved
	changeModified
)

// targetState tracks one target between global snapshots.
type targetState struct {
	// Outstanding add/remove requests; changes are ignored while pending.
	pendingResponses int
	changes          map[model.DocumentKey]changeType
	resumeToken      []byte
	current          bool
	// Whether anything should go into the next TargetChange. Starts true
	// so a freshly added target emits a change.
	hasPendingChanges bool
}

func newTargetState() *targetState {
	return &targetState{changes: make(map[model.DocumentKey]changeType), hasPendingChanges: true}
}

func (s *targetState) isPending() bool { return s.pendingResponses != 0 }

func (s *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		s.hasPendingChanges = true
		s.resumeToken = token
	}
}

func (s *targetState) toTargetChange() *TargetChange {
	tc := NewTargetChange(s.resumeToken, s.current)
	for key, ct := range s.changes {
		switch ct {
		case changeAdded:
			tc.Added.Add(key)
		case changeModified:
			tc.Modified.Add(key)
		case changeRemoved:
			tc.Removed.Add(key)
		}
	}
	return tc
}

func (s *targetState) clearPendingChanges() {
	s.hasPendingChanges = false
	s.changes = make(map[model.DocumentKey]changeType)
}

func (s *targetState) addDocumentChange(key model.DocumentKey, ct changeType) {
	s.hasPendingChanges = true
	s.changes[key] = ct
}

func (s *targetState) removeDocumentChange(key model.DocumentKey) {
	s.hasPendingChanges = true
	delete(s.changes, key)
}

func (s *targetState) markCurrent() {
	s.hasPendingChanges = true
	s.current = true
}

// BloomFilterOutcome reports what applying an existence filter's bloom
// filter achieved.
type BloomFilterOutcome int

const (
	BloomFilterSuccess BloomFilterOutcome = iota
	BloomFilterSkipped
	BloomFilterFalsePositive
)

func (o BloomFilterOutcome) String() string {
	switch o {
	case BloomFilterSuccess:
		return "success"
	case BloomFilterSkipped:
		return "skipped"
	case BloomFilterFalsePositive:
		return "false_positive"
	}
	return "unknown"
}

// ExistenceFilterMismatch describes a count mismatch, for observers.
type ExistenceFilterMismatch struct {
	TargetID      model.TargetID
	LocalCount    int
	ExpectedCount int32
	Outcome       BloomFilterOutcome
}

// WatchChangeAggregator accumulates watch changes between global snapshots
// and turns them into a RemoteEvent.
//
// It is not safe for concurrent use; the remote store drives it from its
// queue.
type WatchChangeAggregator struct {
	provider TargetMetadataProvider
	database model.DatabaseID
	logger   *slog.Logger

	targetStates map[model.TargetID]*targetState

	pendingDocumentUpdates       model.DocumentMap
	pendingDocumentTargetMapping map[model.DocumentKey]map[model.TargetID]struct{}
	pendingTargetResets          map[model.TargetID]query.TargetPurpose

	// OnMismatch, if set, observes every existence filter mismatch.
	OnMismatch func(ExistenceFilterMismatch)

	// MaxBloomBits, if positive, bounds the bloom filters that are applied.
	MaxBloomBits int
}

// NewWatchChangeAggregator creates an aggregator. database qualifies
// document names probed against bloom filters.
func NewWatchChangeAggregator(provider TargetMetadataProvider, database model.DatabaseID, logger *slog.Logger) *WatchChangeAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatchChangeAggregator{
		provider:                     provider,
		database:                     database,
		logger:                       logger,
		targetStates:                 make(map[model.TargetID]*targetState),
		pendingDocumentUpdates:       make(model.DocumentMap),
		pendingDocumentTargetMapping: make(map[model.DocumentKey]map[model.TargetID]struct{}),
		pendingTargetResets:          make(map[model.TargetID]query.TargetPurpose),
	}
}

// HandleDocumentChange processes a DocumentWatchChange.
func (a *WatchChangeAggregator) HandleDocumentChange(c DocumentWatchChange) {
	for _, id := range c.UpdatedTargetIDs {
		if c.NewDoc != nil && c.NewDoc.IsFoundDocument() {
			a.addDocumentToTarget(id, c.NewDoc)
		} else {
			a.removeDocumentFromTarget(id, c.Key, c.NewDoc)
		}
	}
	for _, id := range c.RemovedTargetIDs {
		a.removeDocumentFromTarget(id, c.Key, c.NewDoc)
	}
}

// HandleTargetChange processes a WatchTargetChange.
func (a *WatchChangeAggregator) HandleTargetChange(c WatchTargetChange) {
	for _, id := range a.targetsFor(c) {
		state := a.ensureTargetState(id)
		switch c.State {
		case TargetNoChange:
			if a.isActiveTarget(id) {
				state.updateResumeToken(c.ResumeToken)
			}
		case TargetAdded:
			// The server acknowledged a request; changes are valid again
			// once every outstanding request has been answered.
			state.pendingResponses--
			if !state.isPending() {
				state.clearPendingChanges()
			}
			state.updateResumeToken(c.ResumeToken)
		case TargetRemoved:
			state.pendingResponses--
			if !state.isPending() {
				a.RemoveTarget(id)
			}
		case TargetCurrent:
			if a.isActiveTarget(id) {
				state.markCurrent()
				state.updateResumeToken(c.ResumeToken)
			}
		case TargetReset:
			if a.isActiveTarget(id) {
				a.resetTarget(id)
				state = a.ensureTargetState(id)
				state.updateResumeToken(c.ResumeToken)
			}
		default:
			a.logger.Warn("unknown target change state", "state", int(c.State))
		}
	}
}

func (a *WatchChangeAggregator) targetsFor(c WatchTargetChange) []model.TargetID {
	if len(c.TargetIDs) > 0 {
		return c.TargetIDs
	}
	var ids []model.TargetID
	for id := range a.targetStates {
		if a.isActiveTarget(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// HandleExistenceFilter compares the server's document count for a target
// with the local one. On a mismatch it tries to identify the removed
// documents with the bloom filter, and resets the target if that fails.
func (a *WatchChangeAggregator) HandleExistenceFilter(c ExistenceFilterChange) {
	id := c.TargetID
	expected := c.Filter.Count
	td := a.targetDataForActiveTarget(id)
	if td == nil {
		return
	}

	if td.Target.IsDocumentTarget() {
		if expected == 0 {
			// The document was deleted since the target was added.
			key, err := model.KeyFromPath(td.Target.Path)
			if err == nil {
				a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, model.MinVersion))
			}
		} else if expected != 1 {
			a.logger.Warn("single document existence filter with unexpected count", "target_id", id, "count", expected)
		}
		return
	}

	current := a.currentDocumentCount(id)
	if current == int(expected) {
		return
	}
	outcome := a.applyBloomFilter(c, current)
	if outcome != BloomFilterSuccess {
		a.resetTarget(id)
		purpose := query.PurposeExistenceFilterMismatch
		if outcome == BloomFilterFalsePositive {
			purpose = query.PurposeExistenceFilterMismatchBloom
		}
		a.pendingTargetResets[id] = purpose
	}
	a.logger.Debug("existence filter mismatch",
		"target_id", id,
		"local", current,
		"expected", expected,
		"bloom", outcome.String(),
	)
	if a.OnMismatch != nil {
		a.OnMismatch(ExistenceFilterMismatch{TargetID: id, LocalCount: current, ExpectedCount: expected, Outcome: outcome})
	}
}

func (a *WatchChangeAggregator) applyBloomFilter(c ExistenceFilterChange, current int) BloomFilterOutcome {
	payload := c.Filter.UnchangedNames
	if payload == nil {
		return BloomFilterSkipped
	}
	bloom, err := NewBloomFilter(payload.Bitmap, payload.Padding, payload.HashCount)
	if err != nil {
		a.logger.Warn("applying bloom filter failed, resetting target", "target_id", c.TargetID, "error", err)
		return BloomFilterSkipped
	}
	if bloom.BitCount() == 0 {
		return BloomFilterSkipped
	}
	if a.MaxBloomBits > 0 && bloom.BitCount() > a.MaxBloomBits {
		a.logger.Warn("bloom filter exceeds the size limit, resetting target",
			"target_id", c.TargetID, "bits", bloom.BitCount(), "max_bits", a.MaxBloomBits)
		return BloomFilterSkipped
	}
	removed := a.filterRemovedDocuments(bloom, c.TargetID)
	if int(c.Filter.Count) != current-removed {
		return BloomFilterFalsePositive
	}
	return BloomFilterSuccess
}

// filterRemovedDocuments removes every confirmed document of id the bloom
// filter does not contain and returns how many were removed.
func (a *WatchChangeAggregator) filterRemovedDocuments(bloom *BloomFilter, id model.TargetID) int {
	removed := 0
	for _, key := range a.provider.RemoteKeysForTarget(id).Sorted() {
		if !bloom.MightContain(a.database.ResourceName(key)) {
			a.removeDocumentFromTarget(id, key, nil)
			removed++
		}
	}
	return removed
}

// CreateRemoteEvent drains the accumulated changes into an event at
// snapshotVersion.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion model.SnapshotVersion) RemoteEvent {
	targetChanges := make(map[model.TargetID]*TargetChange)

	for id, state := range a.targetStates {
		td := a.targetDataForActiveTarget(id)
		if td == nil {
			continue
		}
		if state.current && td.Target.IsDocumentTarget() {
			// A current document target without the document means the
			// document does not exist. Synthesize the delete so limbo
			// resolution completes.
			key, err := model.KeyFromPath(td.Target.Path)
			if err == nil {
				if _, pending := a.pendingDocumentUpdates[key]; !pending && !a.targetContainsDocument(id, key) {
					a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, snapshotVersion))
				}
			}
		}
		if state.hasPendingChanges {
			targetChanges[id] = state.toTargetChange()
			state.clearPendingChanges()
		}
	}

	resolvedLimbo := model.NewKeySet()
	for key, targets := range a.pendingDocumentTargetMapping {
		onlyLimbo := true
		for id := range targets {
			td := a.targetDataForActiveTarget(id)
			if td != nil && td.Purpose != query.PurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			resolvedLimbo.Add(key)
		}
	}

	for _, doc := range a.pendingDocumentUpdates {
		doc.SetReadTime(snapshotVersion)
	}

	event := RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          targetChanges,
		TargetMismatches:       a.pendingTargetResets,
		DocumentUpdates:        a.pendingDocumentUpdates,
		ResolvedLimboDocuments: resolvedLimbo,
	}

	a.pendingDocumentUpdates = make(model.DocumentMap)
	a.pendingDocumentTargetMapping = make(map[model.DocumentKey]map[model.TargetID]struct{})
	a.pendingTargetResets = make(map[model.TargetID]query.TargetPurpose)
	return event
}

// RecordPendingTargetRequest notes an outstanding add or remove request
// for id. Changes for id are ignored until the server answers it.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(id model.TargetID) {
	a.ensureTargetState(id).pendingResponses++
}

// RemoveTarget forgets all state for id.
func (a *WatchChangeAggregator) RemoveTarget(id model.TargetID) {
	delete(a.targetStates, id)
}

// PendingTargetResets returns a copy of the targets scheduled for reset.
func (a *WatchChangeAggregator) PendingTargetResets() map[model.TargetID]query.TargetPurpose {
	return maps.Clone(a.pendingTargetResets)
}

func (a *WatchChangeAggregator) addDocumentToTarget(id model.TargetID, doc *model.MutableDocument) {
	if !a.isActiveTarget(id) {
		return
	}
	ct := changeAdded
	if a.targetContainsDocument(id, doc.Key()) {
		ct = changeModified
	}
	a.ensureTargetState(id).addDocumentChange(doc.Key(), ct)
	a.pendingDocumentUpdates[doc.Key()] = doc
	a.ensureDocumentTargetMapping(doc.Key())[id] = struct{}{}
}

// removeDocumentFromTarget records that key left id. updated, if non-nil,
// becomes the document's pending update.
func (a *WatchChangeAggregator) removeDocumentFromTarget(id model.TargetID, key model.DocumentKey, updated *model.MutableDocument) {
	if !a.isActiveTarget(id) {
		return
	}
	state := a.ensureTargetState(id)
	if a.targetContainsDocument(id, key) {
		state.addDocumentChange(key, changeRemoved)
	} else {
		// The document was added and removed before the snapshot.
		state.removeDocumentChange(key)
	}
	delete(a.ensureDocumentTargetMapping(key), id)
	if updated != nil {
		a.pendingDocumentUpdates[key] = updated
	}
}

// resetTarget drops every pending change of id and removes all documents
// the server had confirmed for it.
func (a *WatchChangeAggregator) resetTarget(id model.TargetID) {
	a.targetStates[id] = newTargetState()
	for _, key := range a.provider.RemoteKeysForTarget(id).Sorted() {
		a.removeDocumentFromTarget(id, key, nil)
	}
}

func (a *WatchChangeAggregator) currentDocumentCount(id model.TargetID) int {
	tc := a.ensureTargetState(id).toTargetChange()
	return a.provider.RemoteKeysForTarget(id).Len() + tc.Added.Len() - tc.Removed.Len()
}

// targetContainsDocument reports whether the server had confirmed key for
// id as of the last raised snapshot. Pending changes do not count.
func (a *WatchChangeAggregator) targetContainsDocument(id model.TargetID, key model.DocumentKey) bool {
	return a.provider.RemoteKeysForTarget(id).Has(key)
}

func (a *WatchChangeAggregator) ensureTargetState(id model.TargetID) *targetState {
	s, ok := a.targetStates[id]
	if !ok {
		s = newTargetState()
		a.targetStates[id] = s
	}
	return s
}

func (a *WatchChangeAggregator) ensureDocumentTargetMapping(key model.DocumentKey) map[model.TargetID]struct{} {
	m, ok := a.pendingDocumentTargetMapping[key]
	if !ok {
		m = make(map[model.TargetID]struct{})
		a.pendingDocumentTargetMapping[key] = m
	}
	return m
}

func (a *WatchChangeAggregator) isActiveTarget(id model.TargetID) bool {
	return a.targetDataForActiveTarget(id) != nil
}

// targetDataForActiveTarget returns nil for unknown targets and for
// targets with outstanding requests.
func (a *WatchChangeAggregator) targetDataForActiveTarget(id model.TargetID) *query.TargetData {
	if s, ok := a.targetStates[id]; ok && s.isPending() {
		return nil
	}
	return a.provider.TargetDataForTarget(id)
}
