package model

import "fmt"

// DocumentType tags which variant a MutableDocument currently holds.
type DocumentType int

const (
	// DocumentInvalid is a placeholder for a key we know nothing about.
	DocumentInvalid DocumentType = iota
	// DocumentFound holds data.
	DocumentFound
	// DocumentNoDocument records that the document is known not to exist.
	DocumentNoDocument
	// DocumentUnknown exists at some version but its contents are not
	// known locally (e.g. a patch was acknowledged without a base document).
	DocumentUnknown
)

func (t DocumentType) String() string {
	switch t {
	case DocumentInvalid:
		return "invalid"
	case DocumentFound:
		return "found"
	case DocumentNoDocument:
		return "no-document"
	case DocumentUnknown:
		return "unknown"
	}
	return fmt.Sprintf("DocumentType(%d)", int(t))
}

// DocumentState tracks whether local writes are folded into the document.
type DocumentState int

const (
	// StateSynced means the document matches server state.
	StateSynced DocumentState = iota
	// StateHasLocalMutations means unacknowledged writes are applied.
	StateHasLocalMutations
	// StateHasCommittedMutations means an acknowledged write is applied but
	// the corresponding watch update has not arrived yet.
	StateHasCommittedMutations
)

// MutableDocument is a tagged variant over the document kinds.
//
// Invariant: a document with local mutations always has Version() == MinVersion.
type MutableDocument struct {
	key        DocumentKey
	docType    DocumentType
	version    SnapshotVersion
	readTime   SnapshotVersion
	createTime SnapshotVersion
	data       ObjectValue
	state      DocumentState
}

// NewInvalidDocument creates a placeholder for key.
func NewInvalidDocument(key DocumentKey) *MutableDocument {
	return &MutableDocument{key: key, data: NewObjectValue(nil)}
}

// NewFoundDocument creates a document with data at version.
func NewFoundDocument(key DocumentKey, version SnapshotVersion, data ObjectValue) *MutableDocument {
	return NewInvalidDocument(key).ConvertToFoundDocument(version, data)
}

// NewNoDocument creates a tombstone at version.
func NewNoDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return NewInvalidDocument(key).ConvertToNoDocument(version)
}

// NewUnknownDocument creates an unknown document at version.
func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return NewInvalidDocument(key).ConvertToUnknownDocument(version)
}

// ConvertToFoundDocument switches the variant to found. The state resets to
// synced; callers re-mark local or committed mutations afterwards.
func (d *MutableDocument) ConvertToFoundDocument(version SnapshotVersion, data ObjectValue) *MutableDocument {
	if d.createTime.IsMin() && (d.docType == DocumentNoDocument || d.docType == DocumentInvalid) {
		d.createTime = version
	}
	d.version = version
	d.docType = DocumentFound
	d.data = data
	d.state = StateSynced
	return d
}

// ConvertToNoDocument switches the variant to a tombstone.
func (d *MutableDocument) ConvertToNoDocument(version SnapshotVersion) *MutableDocument {
	d.version = version
	d.docType = DocumentNoDocument
	d.data = NewObjectValue(nil)
	d.state = StateSynced
	return d
}

// ConvertToUnknownDocument switches the variant to unknown.
func (d *MutableDocument) ConvertToUnknownDocument(version SnapshotVersion) *MutableDocument {
	d.version = version
	d.docType = DocumentUnknown
	d.data = NewObjectValue(nil)
	d.state = StateHasCommittedMutations
	return d
}

// SetHasCommittedMutations marks an acknowledged-but-unconfirmed write.
func (d *MutableDocument) SetHasCommittedMutations() *MutableDocument {
	d.state = StateHasCommittedMutations
	return d
}

// SetHasLocalMutations marks pending writes and resets the version.
func (d *MutableDocument) SetHasLocalMutations() *MutableDocument {
	d.state = StateHasLocalMutations
	d.version = MinVersion
	return d
}

// SetReadTime records when the document was read from the backend.
func (d *MutableDocument) SetReadTime(v SnapshotVersion) *MutableDocument {
	d.readTime = v
	return d
}

// SetCreateTime overrides the creation time.
func (d *MutableDocument) SetCreateTime(v SnapshotVersion) *MutableDocument {
	d.createTime = v
	return d
}

// Key returns the document key.
func (d *MutableDocument) Key() DocumentKey { return d.key }

// Type returns the current variant.
func (d *MutableDocument) Type() DocumentType { return d.docType }

// Version is the server version (MinVersion while locally modified).
func (d *MutableDocument) Version() SnapshotVersion { return d.version }

// ReadTime is the snapshot at which the document was read.
func (d *MutableDocument) ReadTime() SnapshotVersion { return d.readTime }

// CreateTime is the first version at which the document existed.
func (d *MutableDocument) CreateTime() SnapshotVersion { return d.createTime }

// Data returns the field tree.
func (d *MutableDocument) Data() ObjectValue { return d.data }

// State returns the mutation state.
func (d *MutableDocument) State() DocumentState { return d.state }

// Field returns the value at path, or nil.
func (d *MutableDocument) Field(path FieldPath) Value { return d.data.Field(path) }

// IsValidDocument reports whether the variant is anything but invalid.
func (d *MutableDocument) IsValidDocument() bool { return d.docType != DocumentInvalid }

// IsFoundDocument reports whether the document holds data.
func (d *MutableDocument) IsFoundDocument() bool { return d.docType == DocumentFound }

// IsNoDocument reports whether the document is a tombstone.
func (d *MutableDocument) IsNoDocument() bool { return d.docType == DocumentNoDocument }

// IsUnknownDocument reports whether the contents are unknown.
func (d *MutableDocument) IsUnknownDocument() bool { return d.docType == DocumentUnknown }

// HasLocalMutations reports pending local writes.
func (d *MutableDocument) HasLocalMutations() bool { return d.state == StateHasLocalMutations }

// HasCommittedMutations reports acknowledged-but-unconfirmed writes.
func (d *MutableDocument) HasCommittedMutations() bool {
	return d.state == StateHasCommittedMutations
}

// HasPendingWrites reports either kind of unconfirmed write.
func (d *MutableDocument) HasPendingWrites() bool {
	return d.HasLocalMutations() || d.HasCommittedMutations()
}

// Clone returns an independent copy.
func (d *MutableDocument) Clone() *MutableDocument {
	cp := *d
	cp.data = d.data.Clone()
	return &cp
}

// Equal compares every field of both documents.
func (d *MutableDocument) Equal(o *MutableDocument) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.key == o.key &&
		d.docType == o.docType &&
		d.version == o.version &&
		d.readTime == o.readTime &&
		d.state == o.state &&
		d.data.Equal(o.data)
}

func (d *MutableDocument) String() string {
	return fmt.Sprintf("Document(%s, %s, %s, state=%d)", d.key, d.docType, d.version, d.state)
}

// DocumentMap maps keys to documents.
type DocumentMap map[DocumentKey]*MutableDocument

// Keys returns the keys in key order.
func (m DocumentMap) Keys() []DocumentKey {
	keys := make([]DocumentKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// KeySet returns the keys as a set.
func (m DocumentMap) KeySet() DocumentKeySet {
	s := make(DocumentKeySet, len(m))
	for k := range m {
		s[k] = struct{}{}
	}
	return s
}
