package model

import "fmt"

// MutationKind tags a Mutation.
type MutationKind int

const (
	// MutationSet replaces the whole document.
	MutationSet MutationKind = iota + 1
	// MutationPatch updates the fields in Mask.
	MutationPatch
	// MutationDelete removes the document.
	MutationDelete
	// MutationVerify only checks the precondition.
	MutationVerify
)

func (k MutationKind) String() string {
	switch k {
	case MutationSet:
		return "set"
	case MutationPatch:
		return "patch"
	case MutationDelete:
		return "delete"
	case MutationVerify:
		return "verify"
	}
	return fmt.Sprintf("MutationKind(%d)", int(k))
}

// PreconditionKind tags a Precondition.
type PreconditionKind int

const (
	// PreconditionNone always holds.
	PreconditionNone PreconditionKind = iota
	// PreconditionExists requires the document to exist (or not).
	PreconditionExists
	// PreconditionUpdateTime requires an exact document version.
	PreconditionUpdateTime
)

// Precondition guards a mutation.
type Precondition struct {
	Kind       PreconditionKind
	Exists     bool
	UpdateTime SnapshotVersion
}

// NoPrecondition is the zero precondition.
var NoPrecondition = Precondition{}

// MustExist returns an exists(exists) precondition.
func MustExist(exists bool) Precondition {
	return Precondition{Kind: PreconditionExists, Exists: exists}
}

// MustMatchUpdateTime returns an update-time precondition.
func MustMatchUpdateTime(v SnapshotVersion) Precondition {
	return Precondition{Kind: PreconditionUpdateTime, UpdateTime: v}
}

// IsValidFor reports whether the precondition holds against doc.
func (p Precondition) IsValidFor(doc *MutableDocument) bool {
	switch p.Kind {
	case PreconditionUpdateTime:
		return doc.IsFoundDocument() && doc.Version() == p.UpdateTime
	case PreconditionExists:
		return p.Exists == doc.IsFoundDocument()
	}
	return true
}

// Mutation is a tagged variant over set/patch/delete/verify.
//
// Value holds the full document for a set and the new field values for a
// patch. Mask lists the fields a patch touches; fields in Mask but absent
// from Value are deleted.
type Mutation struct {
	Kind         MutationKind
	Key          DocumentKey
	Value        ObjectValue
	Mask         *FieldMask
	Precondition Precondition
	Transforms   []FieldTransform
}

// NewSetMutation replaces key's contents with value.
func NewSetMutation(key DocumentKey, value ObjectValue, transforms ...FieldTransform) Mutation {
	return Mutation{Kind: MutationSet, Key: key, Value: value, Transforms: transforms}
}

// NewPatchMutation updates the masked fields. The default precondition for a
// user patch is MustExist(true).
func NewPatchMutation(key DocumentKey, value ObjectValue, mask *FieldMask, precondition Precondition, transforms ...FieldTransform) Mutation {
	if mask == nil {
		mask = NewFieldMask()
	}
	return Mutation{Kind: MutationPatch, Key: key, Value: value, Mask: mask, Precondition: precondition, Transforms: transforms}
}

// NewDeleteMutation removes key.
func NewDeleteMutation(key DocumentKey, precondition Precondition) Mutation {
	return Mutation{Kind: MutationDelete, Key: key, Value: NewObjectValue(nil), Precondition: precondition}
}

// NewVerifyMutation checks precondition without writing.
func NewVerifyMutation(key DocumentKey, precondition Precondition) Mutation {
	return Mutation{Kind: MutationVerify, Key: key, Value: NewObjectValue(nil), Precondition: precondition}
}

// FieldMaskForOverlay is the mask recorded for this mutation when it is the
// overlay of a document: the patch mask, or nil (whole document) otherwise.
func (m Mutation) FieldMaskForOverlay() *FieldMask {
	if m.Kind == MutationPatch {
		return m.Mask
	}
	return nil
}

// MutationResult is the server's acknowledgement of one mutation.
type MutationResult struct {
	Version          SnapshotVersion
	TransformResults []Value
}

// ApplyToLocalView applies m to doc as a pending write and returns the
// updated mask of locally mutated fields (nil means the whole document).
// previousMask is the mask accumulated by earlier mutations.
func (m Mutation) ApplyToLocalView(doc *MutableDocument, previousMask *FieldMask, localWriteTime Timestamp) *FieldMask {
	m.verifyKey(doc)
	switch m.Kind {
	case MutationSet:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}
		updates := m.localTransformResults(doc, localWriteTime)
		data := m.Value.Clone()
		data.SetAll(updates)
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
		return nil

	case MutationPatch:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}
		updates := m.localTransformResults(doc, localWriteTime)
		data := doc.Data().Clone()
		data.SetAll(m.patchUpdates())
		data.SetAll(updates)
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
		if previousMask == nil {
			return nil
		}
		return previousMask.Union(m.Mask, m.transformFields()...)

	case MutationDelete:
		if m.Precondition.IsValidFor(doc) {
			doc.ConvertToNoDocument(doc.Version()).SetHasLocalMutations()
			return nil
		}
		return previousMask
	}
	return previousMask
}

// ApplyToRemoteDocument applies m with the server's result. The document is
// marked as having committed mutations until the watch stream confirms it.
func (m Mutation) ApplyToRemoteDocument(doc *MutableDocument, result MutationResult) {
	m.verifyKey(doc)
	switch m.Kind {
	case MutationSet:
		data := m.Value.Clone()
		data.SetAll(m.serverTransformResults(doc, result.TransformResults))
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()

	case MutationPatch:
		if !m.Precondition.IsValidFor(doc) {
			// The server accepted a patch we cannot reproduce locally, so the
			// contents are unknown until watch sends them.
			doc.ConvertToUnknownDocument(result.Version)
			return
		}
		updates := m.serverTransformResults(doc, result.TransformResults)
		data := doc.Data().Clone()
		data.SetAll(m.patchUpdates())
		data.SetAll(updates)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()

	case MutationDelete:
		doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
	}
}

// CalculateOverlayMutation condenses the local state of doc into a single
// mutation. mask nil means the whole document changed; an empty mask means
// nothing did.
func CalculateOverlayMutation(doc *MutableDocument, mask *FieldMask) *Mutation {
	if !doc.HasLocalMutations() {
		return nil
	}
	if mask != nil && mask.Len() == 0 {
		return nil
	}
	if mask == nil {
		if doc.IsNoDocument() {
			m := NewDeleteMutation(doc.Key(), NoPrecondition)
			return &m
		}
		m := NewSetMutation(doc.Key(), doc.Data().Clone())
		return &m
	}

	data := doc.Data()
	patch := NewObjectValue(nil)
	seen := NewFieldMask()
	for _, path := range mask.Fields() {
		if seen.has(path) {
			continue
		}
		v := data.Field(path)
		// A transform on a nested field of a missing parent leaves the
		// parent absent; overlay the parent instead.
		if v == nil && path.Len() > 1 {
			path = path.Parent()
			v = data.Field(path)
		}
		if v == nil {
			patch.Delete(path)
		} else {
			patch.Set(path, CloneValue(v))
		}
		seen.add(path)
	}
	m := NewPatchMutation(doc.Key(), patch, seen, MustExist(true))
	return &m
}

// Equal compares mutations field by field.
func (m Mutation) Equal(o Mutation) bool {
	if m.Kind != o.Kind || m.Key != o.Key || m.Precondition != o.Precondition {
		return false
	}
	if !m.Value.Equal(o.Value) {
		return false
	}
	if m.Kind == MutationPatch && !m.Mask.Equal(o.Mask) {
		return false
	}
	if len(m.Transforms) != len(o.Transforms) {
		return false
	}
	for i := range m.Transforms {
		if !m.Transforms[i].Equal(o.Transforms[i]) {
			return false
		}
	}
	return true
}

func (m Mutation) String() string {
	return fmt.Sprintf("%s(%s)", m.Kind, m.Key)
}

func (m Mutation) verifyKey(doc *MutableDocument) {
	if doc.Key() != m.Key {
		panic(fmt.Sprintf("mutation for %s applied to %s", m.Key, doc.Key()))
	}
}

func (m Mutation) patchUpdates() []FieldUpdate {
	var out []FieldUpdate
	for _, path := range m.Mask.Fields() {
		if m.isTransformField(path) {
			continue
		}
		v := m.Value.Field(path)
		if v != nil {
			v = CloneValue(v)
		}
		out = append(out, FieldUpdate{Path: path, Value: v})
	}
	return out
}

func (m Mutation) isTransformField(path FieldPath) bool {
	for _, t := range m.Transforms {
		if t.Field.Equal(path) {
			return true
		}
	}
	return false
}

func (m Mutation) transformFields() []FieldPath {
	out := make([]FieldPath, len(m.Transforms))
	for i, t := range m.Transforms {
		out[i] = t.Field
	}
	return out
}

func (m Mutation) localTransformResults(doc *MutableDocument, localWriteTime Timestamp) []FieldUpdate {
	out := make([]FieldUpdate, len(m.Transforms))
	for i, t := range m.Transforms {
		out[i] = FieldUpdate{Path: t.Field, Value: t.ApplyToLocalView(doc.Field(t.Field), localWriteTime)}
	}
	return out
}

func (m Mutation) serverTransformResults(doc *MutableDocument, results []Value) []FieldUpdate {
	out := make([]FieldUpdate, len(m.Transforms))
	for i, t := range m.Transforms {
		var serverResult Value = NullValue{}
		if i < len(results) && results[i] != nil {
			serverResult = results[i]
		}
		out[i] = FieldUpdate{Path: t.Field, Value: t.ApplyToRemoteDocument(doc.Field(t.Field), serverResult)}
	}
	return out
}
