package local

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
)

// SegmentKind is how a field participates in an index.
type SegmentKind int

const (
	SegmentAscending SegmentKind = iota
	SegmentDescending
	// SegmentContains indexes each element of an array field.
	SegmentContains
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentAscending:
		return "asc"
	case SegmentDescending:
		return "desc"
	case SegmentContains:
		return "contains"
	}
	return fmt.Sprintf("SegmentKind(%d)", int(k))
}

// ParseSegmentKind parses the String form.
func ParseSegmentKind(s string) (SegmentKind, error) {
	switch strings.ToLower(s) {
	case "asc", "ascending":
		return SegmentAscending, nil
	case "desc", "descending":
		return SegmentDescending, nil
	case "contains", "array-contains":
		return SegmentContains, nil
	}
	return 0, fmt.Errorf("unknown index segment kind %q", s)
}

// IndexSegment is one indexed field.
type IndexSegment struct {
	Field model.FieldPath
	Kind  SegmentKind
}

// FieldIndex is a client-side index over one collection group.
type FieldIndex struct {
	ID              int32
	CollectionGroup string
	Segments        []IndexSegment

	// Offset is how far the backfiller has indexed the remote document
	// cache.
	Offset IndexOffset

	// Auto marks indexes the query engine created on its own.
	Auto bool
}

func (f FieldIndex) sameSegments(o FieldIndex) bool {
	return f.CollectionGroup == o.CollectionGroup && slices.EqualFunc(f.Segments, o.Segments, func(a, b IndexSegment) bool {
		return a.Kind == b.Kind && a.Field.Equal(b.Field)
	})
}

func (f FieldIndex) String() string {
	parts := make([]string, len(f.Segments))
	for i, s := range f.Segments {
		parts[i] = s.Field.String() + " " + s.Kind.String()
	}
	return f.CollectionGroup + "(" + strings.Join(parts, ", ") + ")"
}

// IndexType says how well an index serves a target.
type IndexType int

const (
	// IndexTypeNone means no index applies.
	IndexTypeNone IndexType = iota
	// IndexTypePartial means an index narrows the candidates but results
	// still need filtering.
	IndexTypePartial
	// IndexTypeFull means an index covers every filter and ordering.
	IndexTypeFull
)

func (t IndexType) String() string {
	switch t {
	case IndexTypePartial:
		return "partial"
	case IndexTypeFull:
		return "full"
	}
	return "none"
}

type segmentJSON struct {
	Field []string    `json:"field"`
	Kind  SegmentKind `json:"kind"`
}

type fieldIndexJSON struct {
	ID              int32                 `json:"id"`
	CollectionGroup string                `json:"collection_group"`
	Segments        []segmentJSON         `json:"segments"`
	ReadTime        model.SnapshotVersion `json:"read_time"`
	Key             string                `json:"key,omitempty"`
	LargestBatchID  model.BatchID         `json:"largest_batch_id"`
	Auto            bool                  `json:"auto,omitempty"`
}

func encodeFieldIndex(f FieldIndex) fieldIndexJSON {
	fj := fieldIndexJSON{
		ID:              f.ID,
		CollectionGroup: f.CollectionGroup,
		ReadTime:        f.Offset.ReadTime,
		LargestBatchID:  f.Offset.LargestBatchID,
		Auto:            f.Auto,
	}
	if !f.Offset.Key.IsEmpty() {
		fj.Key = f.Offset.Key.String()
	}
	for _, s := range f.Segments {
		fj.Segments = append(fj.Segments, segmentJSON{Field: s.Field.Segments(), Kind: s.Kind})
	}
	return fj
}

func decodeFieldIndex(fj fieldIndexJSON) (FieldIndex, error) {
	f := FieldIndex{
		ID:              fj.ID,
		CollectionGroup: fj.CollectionGroup,
		Offset:          IndexOffset{ReadTime: fj.ReadTime, LargestBatchID: fj.LargestBatchID},
		Auto:            fj.Auto,
	}
	if fj.Key != "" {
		key, err := model.ParseKey(fj.Key)
		if err != nil {
			return FieldIndex{}, err
		}
		f.Offset.Key = key
	}
	for _, s := range fj.Segments {
		f.Segments = append(f.Segments, IndexSegment{Field: model.NewFieldPath(s.Field...), Kind: s.Kind})
	}
	return f, nil
}

// indexManager maintains the collection-parent index and the field indexes.
type indexManager struct{}

func indexIDKey(id int32) string {
	return persistence.Int(int64(id))
}

// AddToCollectionParentIndex records that collection exists, so collection
// group queries can find it.
func (indexManager) AddToCollectionParentIndex(txn persistence.WriteTxn, collection model.ResourcePath) error {
	if collection.Len()%2 != 1 {
		return fmt.Errorf("index manager: %s is not a collection path", collection)
	}
	return txn.Put(storeCollectionParents, persistence.Key(collection.LastSegment(), collection.Parent().String()), nil)
}

// CollectionParents returns every parent path holding a collection named id.
func (indexManager) CollectionParents(txn persistence.ReadTxn, collectionID string) ([]model.ResourcePath, error) {
	var out []model.ResourcePath
	err := txn.Scan(storeCollectionParents, persistence.PrefixRange(persistence.Prefix(collectionID)), func(ref string, _ []byte) (bool, error) {
		parts := persistence.SplitKey(ref)
		p, err := model.ParsePath(parts[len(parts)-1])
		if err != nil {
			return false, corrupt(storeCollectionParents, ref, err)
		}
		out = append(out, p)
		return true, nil
	})
	return out, err
}

// FieldIndexes returns the indexes for collectionGroup, or every index when
// collectionGroup is empty.
func (indexManager) FieldIndexes(txn persistence.ReadTxn, collectionGroup string) ([]FieldIndex, error) {
	var out []FieldIndex
	err := txn.Scan(storeIndexConfiguration, persistence.All, func(k string, raw []byte) (bool, error) {
		var fj fieldIndexJSON
		if err := json.Unmarshal(raw, &fj); err != nil {
			return false, corrupt(storeIndexConfiguration, k, err)
		}
		if collectionGroup != "" && fj.CollectionGroup != collectionGroup {
			return true, nil
		}
		f, err := decodeFieldIndex(fj)
		if err != nil {
			return false, corrupt(storeIndexConfiguration, k, err)
		}
		out = append(out, f)
		return true, nil
	})
	return out, err
}

// AddFieldIndex stores index with a fresh id. An index with the same
// segments is returned instead of adding a duplicate.
func (m indexManager) AddFieldIndex(txn persistence.WriteTxn, index FieldIndex) (FieldIndex, error) {
	existing, err := m.FieldIndexes(txn, index.CollectionGroup)
	if err != nil {
		return FieldIndex{}, err
	}
	for _, e := range existing {
		if e.sameSegments(index) {
			return e, nil
		}
	}
	var g indexGlobals
	if _, err := getJSON(txn, storeGlobals, globalIndexes, &g); err != nil {
		return FieldIndex{}, err
	}
	g.HighestIndexID++
	index.ID = g.HighestIndexID
	index.Offset = IndexOffsetNone
	if err := putJSON(txn, storeGlobals, globalIndexes, g); err != nil {
		return FieldIndex{}, err
	}
	return index, putJSON(txn, storeIndexConfiguration, indexIDKey(index.ID), encodeFieldIndex(index))
}

// DeleteFieldIndex removes an index and its entries.
func (indexManager) DeleteFieldIndex(txn persistence.WriteTxn, id int32) error {
	r := persistence.PrefixRange(persistence.Prefix(indexIDKey(id)))
	if err := txn.DeleteRange(storeIndexEntries, r); err != nil {
		return err
	}
	if err := txn.DeleteRange(storeIndexDocEntries, r); err != nil {
		return err
	}
	return txn.Delete(storeIndexConfiguration, indexIDKey(id))
}

// UpdateIndexOffset records backfill progress.
func (indexManager) UpdateIndexOffset(txn persistence.WriteTxn, index FieldIndex, offset IndexOffset) error {
	index.Offset = offset
	return putJSON(txn, storeIndexConfiguration, indexIDKey(index.ID), encodeFieldIndex(index))
}

// entryValues computes the encoded value tuples doc contributes to index.
// A document missing an indexed field contributes nothing. A contains
// segment fans out to one tuple per array element.
func entryValues(index FieldIndex, doc *model.MutableDocument) [][]string {
	if !doc.IsFoundDocument() {
		return nil
	}
	tuples := [][]string{{}}
	for _, seg := range index.Segments {
		v := doc.Field(seg.Field)
		if seg.Field.IsKeyField() {
			v = model.ReferenceValue(doc.Key())
		}
		if v == nil {
			return nil
		}
		var encoded []string
		if seg.Kind == SegmentContains {
			arr, ok := v.(model.ArrayValue)
			if !ok || len(arr) == 0 {
				return nil
			}
			seen := map[string]bool{}
			for _, el := range arr {
				enc := encodeIndexValue(el, false)
				if !seen[enc] {
					seen[enc] = true
					encoded = append(encoded, enc)
				}
			}
		} else {
			encoded = []string{encodeIndexValue(v, seg.Kind == SegmentDescending)}
		}
		next := make([][]string, 0, len(tuples)*len(encoded))
		for _, t := range tuples {
			for _, enc := range encoded {
				next = append(next, append(slices.Clone(t), enc))
			}
		}
		tuples = next
	}
	return tuples
}

// UpdateIndexEntries rewrites the entries of doc in every index of its
// collection group.
func (m indexManager) UpdateIndexEntries(txn persistence.WriteTxn, indexes []FieldIndex, doc *model.MutableDocument) error {
	group := doc.Key().CollectionGroup()
	for _, index := range indexes {
		if index.CollectionGroup != group {
			continue
		}
		docRef := persistence.Key(indexIDKey(index.ID), doc.Key().String())
		var old []string
		if _, err := getJSON(txn, storeIndexDocEntries, docRef, &old); err != nil {
			return err
		}
		for _, k := range old {
			if err := txn.Delete(storeIndexEntries, k); err != nil {
				return err
			}
		}
		var written []string
		for _, tuple := range entryValues(index, doc) {
			parts := append([]string{indexIDKey(index.ID)}, tuple...)
			k := persistence.Key(append(parts, doc.Key().String())...)
			if err := txn.Put(storeIndexEntries, k, nil); err != nil {
				return err
			}
			written = append(written, k)
		}
		if len(written) == 0 {
			if err := txn.Delete(storeIndexDocEntries, docRef); err != nil {
				return err
			}
			continue
		}
		if err := putJSON(txn, storeIndexDocEntries, docRef, written); err != nil {
			return err
		}
	}
	return nil
}

// indexPlan is how one index serves one target.
type indexPlan struct {
	index FieldIndex
	typ   IndexType
	// prefix holds the encoded equality values of the leading segments.
	prefix []string
}

// planIndex matches index against target. Leading segments must be served
// by equality or array-contains filters, the remaining segments by the
// target's orderings in order.
func planIndex(index FieldIndex, target query.Target) (indexPlan, bool) {
	if index.CollectionGroup != targetCollectionGroup(target) || len(index.Segments) == 0 || !conjunctive(target.Filters) {
		return indexPlan{}, false
	}
	filters := target.FieldFilters()
	var orderBy []query.OrderBy
	for _, ob := range target.OrderBy {
		if !ob.Field.IsKeyField() {
			orderBy = append(orderBy, ob)
		}
	}

	plan := indexPlan{index: index}
	used := make([]bool, len(filters))
	i := 0
	for ; i < len(index.Segments); i++ {
		seg := index.Segments[i]
		j := slices.IndexFunc(filters, func(f query.FieldFilter) bool {
			if !f.Field.Equal(seg.Field) {
				return false
			}
			if seg.Kind == SegmentContains {
				return f.Op == query.ArrayContains
			}
			return f.Op == query.Equal
		})
		if j < 0 {
			break
		}
		used[j] = true
		plan.prefix = append(plan.prefix, encodeIndexValue(filters[j].Value, seg.Kind == SegmentDescending))
	}
	ordered := 0
	for ; i < len(index.Segments); i++ {
		seg := index.Segments[i]
		if seg.Kind == SegmentContains || ordered >= len(orderBy) {
			return indexPlan{}, false
		}
		ob := orderBy[ordered]
		wantKind := SegmentAscending
		if ob.Dir == query.Descending {
			wantKind = SegmentDescending
		}
		if !ob.Field.Equal(seg.Field) || seg.Kind != wantKind {
			return indexPlan{}, false
		}
		ordered++
	}

	plan.typ = IndexTypeFull
	for j, f := range filters {
		if used[j] {
			continue
		}
		covered := f.Op.IsInequality() && ordered > 0 && orderBy[0].Field.Equal(f.Field)
		if !covered {
			plan.typ = IndexTypePartial
		}
	}
	for _, ob := range orderBy[ordered:] {
		if !slices.ContainsFunc(filters, func(f query.FieldFilter) bool { return f.Op == query.Equal && f.Field.Equal(ob.Field) }) {
			plan.typ = IndexTypePartial
		}
	}
	return plan, true
}

// conjunctive reports whether filters only combine with AND. An equality
// prefix taken from one branch of an OR would drop matches.
func conjunctive(filters []query.Filter) bool {
	for _, f := range filters {
		c, ok := f.(query.CompositeFilter)
		if !ok {
			continue
		}
		if !c.IsConjunction() || !conjunctive(c.Filters) {
			return false
		}
	}
	return true
}

func targetCollectionGroup(target query.Target) string {
	if target.CollectionGroup != "" {
		return target.CollectionGroup
	}
	return target.Path.LastSegment()
}

// bestPlan picks the plan with the most equality segments, preferring full
// plans.
func (m indexManager) bestPlan(txn persistence.ReadTxn, target query.Target) (*indexPlan, error) {
	if target.IsDocumentTarget() {
		return nil, nil
	}
	indexes, err := m.FieldIndexes(txn, targetCollectionGroup(target))
	if err != nil {
		return nil, err
	}
	var best *indexPlan
	for _, index := range indexes {
		plan, ok := planIndex(index, target)
		if !ok {
			continue
		}
		if best == nil || plan.typ > best.typ || (plan.typ == best.typ && len(plan.prefix) > len(best.prefix)) {
			p := plan
			best = &p
		}
	}
	return best, nil
}

// GetIndexType reports how well the stored indexes serve target.
func (m indexManager) GetIndexType(txn persistence.ReadTxn, target query.Target) (IndexType, error) {
	plan, err := m.bestPlan(txn, target)
	if err != nil || plan == nil {
		return IndexTypeNone, err
	}
	return plan.typ, nil
}

// GetDocumentsMatchingTarget returns the keys the best index yields for
// target and the index used. The keys are a superset of the matches among
// documents indexed up to the index offset.
func (m indexManager) GetDocumentsMatchingTarget(txn persistence.ReadTxn, target query.Target) (model.DocumentKeySet, *FieldIndex, error) {
	plan, err := m.bestPlan(txn, target)
	if err != nil || plan == nil {
		return nil, nil, err
	}
	keys := model.NewKeySet()
	prefix := persistence.Prefix(append([]string{indexIDKey(plan.index.ID)}, plan.prefix...)...)
	err = txn.Scan(storeIndexEntries, persistence.PrefixRange(prefix), func(ref string, _ []byte) (bool, error) {
		parts := persistence.SplitKey(ref)
		key, err := model.ParseKey(parts[len(parts)-1])
		if err != nil {
			return false, corrupt(storeIndexEntries, ref, err)
		}
		if target.CollectionGroup == "" && !target.Path.IsImmediateParentOf(key.Path()) {
			return true, nil
		}
		if target.CollectionGroup != "" && !target.Path.IsPrefixOf(key.Path()) {
			return true, nil
		}
		keys.Add(key)
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	index := plan.index
	return keys, &index, nil
}

// CreateTargetIndex adds an automatic index serving target: equality and
// array-contains fields first, then the orderings.
func (m indexManager) CreateTargetIndex(txn persistence.WriteTxn, target query.Target) (FieldIndex, bool, error) {
	index := FieldIndex{CollectionGroup: targetCollectionGroup(target), Auto: true}
	has := func(f model.FieldPath) bool {
		return slices.ContainsFunc(index.Segments, func(s IndexSegment) bool { return s.Field.Equal(f) })
	}
	for _, f := range target.FieldFilters() {
		switch f.Op {
		case query.Equal:
			if !has(f.Field) {
				index.Segments = append(index.Segments, IndexSegment{Field: f.Field, Kind: SegmentAscending})
			}
		case query.ArrayContains:
			if !has(f.Field) {
				index.Segments = append(index.Segments, IndexSegment{Field: f.Field, Kind: SegmentContains})
			}
		}
	}
	for _, ob := range target.OrderBy {
		if ob.Field.IsKeyField() || has(ob.Field) {
			continue
		}
		kind := SegmentAscending
		if ob.Dir == query.Descending {
			kind = SegmentDescending
		}
		index.Segments = append(index.Segments, IndexSegment{Field: ob.Field, Kind: kind})
	}
	if len(index.Segments) == 0 {
		return FieldIndex{}, false, nil
	}
	created, err := m.AddFieldIndex(txn, index)
	return created, err == nil, err
}
