package query

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/docsync/internal/model"
)

// Direction is a sort direction.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// OrderBy sorts results by one field.
type OrderBy struct {
	Field model.FieldPath
	Dir   Direction
}

func (o OrderBy) canonicalID() string { return o.Field.String() + o.Dir.String() }

// Bound is a cursor position: one value per order-by clause, compared
// position-wise. Inclusive means startAt / endAt; exclusive means
// startAfter / endBefore.
type Bound struct {
	Position  []model.Value
	Inclusive bool
}

func (b *Bound) canonicalID(lower bool) string {
	var sb strings.Builder
	if b.Inclusive == lower {
		sb.WriteString("b:")
	} else {
		sb.WriteString("a:")
	}
	for i, v := range b.Position {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(model.CanonicalString(v))
	}
	return sb.String()
}

// compareToDocument compares the cursor with doc's position under orderBy.
// Negative means the bound sorts before the document.
func (b *Bound) compareToDocument(orderBy []OrderBy, doc *model.MutableDocument) int {
	c := 0
	for i, component := range b.Position {
		if i >= len(orderBy) {
			break
		}
		ob := orderBy[i]
		if ob.Field.IsKeyField() {
			ref, ok := component.(model.ReferenceValue)
			if !ok {
				return 0
			}
			c = model.DocumentKey(ref).Compare(doc.Key())
		} else {
			v := doc.Field(ob.Field)
			if v == nil {
				return 0
			}
			c = model.CompareValues(component, v)
		}
		if ob.Dir == Descending {
			c = -c
		}
		if c != 0 {
			break
		}
	}
	return c
}

func (b *Bound) sortsBeforeDocument(orderBy []OrderBy, doc *model.MutableDocument) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c <= 0
	}
	return c < 0
}

func (b *Bound) sortsAfterDocument(orderBy []OrderBy, doc *model.MutableDocument) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c >= 0
	}
	return c > 0
}

// LimitType distinguishes limit from limitToLast.
type LimitType int

const (
	LimitToFirst LimitType = iota
	LimitToLast
)

// Query is the immutable descriptor the engine listens to. Builder methods
// return modified copies.
//
// A Query with CollectionGroup set matches documents in every collection with
// that id below Path. Limit zero means unlimited.
type Query struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	ExplicitOrderBy []OrderBy
	Limit           int
	LimitType       LimitType
	StartAt         *Bound
	EndAt           *Bound
}

// AtPath returns a query over the collection (odd length) or the single
// document (even length) at path.
func AtPath(path model.ResourcePath) Query {
	return Query{Path: path}
}

// CollectionGroupQuery matches every collection named id.
func CollectionGroupQuery(id string) Query {
	return Query{Path: model.EmptyPath, CollectionGroup: id}
}

// DocumentQuery matches exactly key.
func DocumentQuery(key model.DocumentKey) Query {
	return Query{Path: key.Path()}
}

func (q Query) clone() Query {
	q.Filters = slices.Clone(q.Filters)
	q.ExplicitOrderBy = slices.Clone(q.ExplicitOrderBy)
	return q
}

// Where adds a filter. Top-level filters are implicitly ANDed.
func (q Query) Where(f Filter) Query {
	out := q.clone()
	out.Filters = append(out.Filters, f)
	return out
}

// OrderBy appends an explicit ordering.
func (q Query) OrderBy(field model.FieldPath, dir Direction) Query {
	out := q.clone()
	out.ExplicitOrderBy = append(out.ExplicitOrderBy, OrderBy{Field: field, Dir: dir})
	return out
}

// WithLimitToFirst keeps the first n results.
func (q Query) WithLimitToFirst(n int) Query {
	out := q.clone()
	out.Limit, out.LimitType = n, LimitToFirst
	return out
}

// WithLimitToLast keeps the last n results.
func (q Query) WithLimitToLast(n int) Query {
	out := q.clone()
	out.Limit, out.LimitType = n, LimitToLast
	return out
}

// WithStartAt sets the lower cursor.
func (q Query) WithStartAt(b Bound) Query {
	out := q.clone()
	out.StartAt = &b
	return out
}

// WithEndAt sets the upper cursor.
func (q Query) WithEndAt(b Bound) Query {
	out := q.clone()
	out.EndAt = &b
	return out
}

// WithoutLimit drops the limit.
func (q Query) WithoutLimit() Query {
	out := q.clone()
	out.Limit = 0
	return out
}

// AsCollectionQueryAtPath rewrites a collection group query as a plain
// collection query rooted at path.
func (q Query) AsCollectionQueryAtPath(path model.ResourcePath) Query {
	out := q.clone()
	out.Path = path
	out.CollectionGroup = ""
	return out
}

// HasLimit reports whether a limit applies.
func (q Query) HasLimit() bool { return q.Limit > 0 }

// IsDocumentQuery reports whether q addresses a single document.
func (q Query) IsDocumentQuery() bool {
	return q.Path.Len() > 0 && q.Path.Len()%2 == 0 && q.CollectionGroup == "" && len(q.Filters) == 0
}

// IsCollectionGroupQuery reports whether q spans collections.
func (q Query) IsCollectionGroupQuery() bool { return q.CollectionGroup != "" }

// MatchesAllDocuments reports whether every document under the path is a
// result, which lets the query engine skip filtering.
func (q Query) MatchesAllDocuments() bool {
	return len(q.Filters) == 0 &&
		!q.HasLimit() &&
		q.StartAt == nil &&
		q.EndAt == nil &&
		(len(q.ExplicitOrderBy) == 0 ||
			(len(q.ExplicitOrderBy) == 1 && q.ExplicitOrderBy[0].Field.IsKeyField()))
}

// FieldFilters flattens every filter.
func (q Query) FieldFilters() []FieldFilter {
	var out []FieldFilter
	for _, f := range q.Filters {
		out = append(out, f.FieldFilters()...)
	}
	return out
}

// InequalityFields returns the fields constrained by inequality filters,
// sorted by field path.
func (q Query) InequalityFields() []model.FieldPath {
	var out []model.FieldPath
	for _, f := range q.FieldFilters() {
		if !f.Op.IsInequality() {
			continue
		}
		if !slices.ContainsFunc(out, f.Field.Equal) {
			out = append(out, f.Field)
		}
	}
	slices.SortFunc(out, func(a, b model.FieldPath) int { return a.Compare(b) })
	return out
}

// NormalizedOrderBy returns the explicit orderings followed by implicit
// orderings on inequality fields and finally the document key. Implicit
// clauses use the direction of the last explicit one.
func (q Query) NormalizedOrderBy() []OrderBy {
	out := slices.Clone(q.ExplicitOrderBy)
	lastDir := Ascending
	if len(out) > 0 {
		lastDir = out[len(out)-1].Dir
	}
	has := func(f model.FieldPath) bool {
		return slices.ContainsFunc(out, func(o OrderBy) bool { return o.Field.Equal(f) })
	}
	for _, f := range q.InequalityFields() {
		if !has(f) && !f.IsKeyField() {
			out = append(out, OrderBy{Field: f, Dir: lastDir})
		}
	}
	if !has(model.KeyField) {
		out = append(out, OrderBy{Field: model.KeyField, Dir: lastDir})
	}
	return out
}

// Matches reports whether doc is in q's result set, ignoring the limit.
func (q Query) Matches(doc *model.MutableDocument) bool {
	if !doc.IsFoundDocument() {
		return false
	}
	return q.matchesPath(doc) && q.matchesOrderBy(doc) && q.matchesFilters(doc) && q.matchesBounds(doc)
}

func (q Query) matchesPath(doc *model.MutableDocument) bool {
	docPath := doc.Key().Path()
	switch {
	case q.CollectionGroup != "":
		return doc.Key().HasCollectionID(q.CollectionGroup) && q.Path.IsPrefixOf(docPath)
	case q.Path.Len()%2 == 0 && q.Path.Len() > 0:
		return q.Path.Equal(docPath)
	}
	return q.Path.IsImmediateParentOf(docPath)
}

// matchesOrderBy excludes documents lacking an ordered field.
func (q Query) matchesOrderBy(doc *model.MutableDocument) bool {
	for _, ob := range q.NormalizedOrderBy() {
		if !ob.Field.IsKeyField() && doc.Field(ob.Field) == nil {
			return false
		}
	}
	return true
}

func (q Query) matchesFilters(doc *model.MutableDocument) bool {
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

func (q Query) matchesBounds(doc *model.MutableDocument) bool {
	orderBy := q.NormalizedOrderBy()
	if q.StartAt != nil && !q.StartAt.sortsBeforeDocument(orderBy, doc) {
		return false
	}
	if q.EndAt != nil && !q.EndAt.sortsAfterDocument(orderBy, doc) {
		return false
	}
	return true
}

// Comparator orders documents by the normalized ordering.
func (q Query) Comparator() func(a, b *model.MutableDocument) int {
	orderBy := q.NormalizedOrderBy()
	return func(a, b *model.MutableDocument) int {
		for _, ob := range orderBy {
			var c int
			if ob.Field.IsKeyField() {
				c = a.Key().Compare(b.Key())
			} else {
				av, bv := a.Field(ob.Field), b.Field(ob.Field)
				if av == nil || bv == nil {
					panic(fmt.Sprintf("comparator: %s missing on %s or %s", ob.Field, a.Key(), b.Key()))
				}
				c = model.CompareValues(av, bv)
			}
			if ob.Dir == Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

// Target converts q to the form sent to the backend. Limit-to-last queries
// flip every ordering and swap the cursors; the view restores the order.
func (q Query) Target() Target {
	t := Target{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		Filters:         slices.Clone(q.Filters),
		OrderBy:         q.NormalizedOrderBy(),
		Limit:           q.Limit,
		StartAt:         q.StartAt,
		EndAt:           q.EndAt,
	}
	if q.LimitType == LimitToLast {
		for i := range t.OrderBy {
			if t.OrderBy[i].Dir == Ascending {
				t.OrderBy[i].Dir = Descending
			} else {
				t.OrderBy[i].Dir = Ascending
			}
		}
		t.StartAt, t.EndAt = nil, nil
		if q.EndAt != nil {
			t.StartAt = &Bound{Position: q.EndAt.Position, Inclusive: q.EndAt.Inclusive}
		}
		if q.StartAt != nil {
			t.EndAt = &Bound{Position: q.StartAt.Position, Inclusive: q.StartAt.Inclusive}
		}
	}
	return t
}

// CanonicalID identifies equivalent queries. Two queries with the same
// canonical id share one target and one view.
func (q Query) CanonicalID() string {
	id := q.Target().CanonicalID()
	if q.LimitType == LimitToLast {
		id += "|lt:l"
	} else {
		id += "|lt:f"
	}
	return id
}

func (q Query) String() string {
	return "Query(" + q.CanonicalID() + ")"
}

// Target is what the backend watches. Distinct queries (limit vs
// limit-to-last) can map to the same Target.
type Target struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	OrderBy         []OrderBy
	Limit           int
	StartAt         *Bound
	EndAt           *Bound
}

// IsDocumentTarget reports whether t watches a single document.
func (t Target) IsDocumentTarget() bool {
	return t.Path.Len() > 0 && t.Path.Len()%2 == 0 && t.CollectionGroup == "" && len(t.Filters) == 0
}

// CanonicalID is a stable string form of t used as the target cache's
// secondary key.
func (t Target) CanonicalID() string {
	var sb strings.Builder
	sb.WriteString(t.Path.String())
	if t.CollectionGroup != "" {
		sb.WriteString("|cg:")
		sb.WriteString(t.CollectionGroup)
	}
	sb.WriteString("|f:")
	for _, f := range t.Filters {
		sb.WriteString(f.canonicalID())
	}
	sb.WriteString("|ob:")
	for _, o := range t.OrderBy {
		sb.WriteString(o.canonicalID())
	}
	if t.Limit > 0 {
		sb.WriteString("|l:")
		sb.WriteString(strconv.Itoa(t.Limit))
	}
	if t.StartAt != nil {
		sb.WriteString("|lb:")
		sb.WriteString(t.StartAt.canonicalID(true))
	}
	if t.EndAt != nil {
		sb.WriteString("|ub:")
		sb.WriteString(t.EndAt.canonicalID(false))
	}
	return sb.String()
}

// Query rebuilds a limit-to-first query equivalent to t.
func (t Target) Query() Query {
	return Query{
		Path:            t.Path,
		CollectionGroup: t.CollectionGroup,
		Filters:         slices.Clone(t.Filters),
		ExplicitOrderBy: slices.Clone(t.OrderBy),
		Limit:           t.Limit,
		StartAt:         t.StartAt,
		EndAt:           t.EndAt,
	}
}

// FieldFilters flattens every filter.
func (t Target) FieldFilters() []FieldFilter {
	return t.Query().FieldFilters()
}
