package query

import (
	"fmt"
	"strings"

	"github.com/roach88/docsync/internal/model"
)

// Operator is a field filter comparison.
type Operator int

const (
	LessThan Operator = iota + 1
	LessThanOrEqual
	Equal
	NotEqual
	GreaterThan
	GreaterThanOrEqual
	ArrayContains
	In
	NotIn
	ArrayContainsAny
)

var operatorNames = map[Operator]string{
	LessThan:           "<",
	LessThanOrEqual:    "<=",
	Equal:              "==",
	NotEqual:           "!=",
	GreaterThan:        ">",
	GreaterThanOrEqual: ">=",
	ArrayContains:      "array-contains",
	In:                 "in",
	NotIn:              "not-in",
	ArrayContainsAny:   "array-contains-any",
}

func (o Operator) String() string {
	if s, ok := operatorNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// ParseOperator maps the textual operator back to its constant.
func ParseOperator(s string) (Operator, error) {
	for op, name := range operatorNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operator %q", s)
}

// IsInequality reports whether o constrains a range rather than a point.
// Inequality fields contribute implicit order-by clauses.
func (o Operator) IsInequality() bool {
	switch o {
	case LessThan, LessThanOrEqual, GreaterThan, GreaterThanOrEqual, NotEqual, NotIn:
		return true
	}
	return false
}

// Filter is a sealed interface over field and composite filters.
//
// Filter types:
//   - FieldFilter: field <op> value
//   - CompositeFilter: AND / OR over nested filters
type Filter interface {
	filterNode()

	// Matches evaluates the filter against a found document.
	Matches(doc *model.MutableDocument) bool

	// FieldFilters returns every FieldFilter nested in the filter.
	FieldFilters() []FieldFilter

	canonicalID() string
}

// FieldFilter compares one field with a constant.
//
// Filters on model.KeyField compare the document key; their values are
// model.ReferenceValue (or arrays of them for in / not-in).
type FieldFilter struct {
	Field model.FieldPath
	Op    Operator
	Value model.Value
}

func (FieldFilter) filterNode() {}

// Where builds a FieldFilter.
func Where(field model.FieldPath, op Operator, value model.Value) FieldFilter {
	return FieldFilter{Field: field, Op: op, Value: value}
}

// FieldFilters returns f itself.
func (f FieldFilter) FieldFilters() []FieldFilter { return []FieldFilter{f} }

// Matches implements Filter.
func (f FieldFilter) Matches(doc *model.MutableDocument) bool {
	if f.Field.IsKeyField() {
		return f.matchesKey(doc.Key())
	}
	other := doc.Field(f.Field)
	switch f.Op {
	case ArrayContains:
		arr, ok := other.(model.ArrayValue)
		return ok && model.ArrayContains(arr, f.Value)
	case ArrayContainsAny:
		arr, ok := other.(model.ArrayValue)
		if !ok {
			return false
		}
		values, _ := f.Value.(model.ArrayValue)
		for _, e := range arr {
			if model.ArrayContains(values, e) {
				return true
			}
		}
		return false
	case In:
		values, _ := f.Value.(model.ArrayValue)
		return other != nil && model.ArrayContains(values, other)
	case NotIn:
		values, _ := f.Value.(model.ArrayValue)
		if model.ArrayContains(values, model.NullValue{}) {
			return false
		}
		return other != nil && !model.IsNull(other) && !model.ArrayContains(values, other)
	case NotEqual:
		// Types do not have to match, but missing and null fields never
		// satisfy !=.
		return other != nil && !model.IsNull(other) && f.matchesComparison(model.CompareValues(other, f.Value))
	}
	return other != nil &&
		model.TypeOrder(other) == model.TypeOrder(f.Value) &&
		f.matchesComparison(model.CompareValues(other, f.Value))
}

func (f FieldFilter) matchesKey(key model.DocumentKey) bool {
	switch f.Op {
	case In, NotIn:
		values, _ := f.Value.(model.ArrayValue)
		found := false
		for _, v := range values {
			if ref, ok := v.(model.ReferenceValue); ok && model.DocumentKey(ref) == key {
				found = true
				break
			}
		}
		return found == (f.Op == In)
	}
	ref, ok := f.Value.(model.ReferenceValue)
	if !ok {
		return false
	}
	return f.matchesComparison(key.Compare(model.DocumentKey(ref)))
}

func (f FieldFilter) matchesComparison(c int) bool {
	switch f.Op {
	case LessThan:
		return c < 0
	case LessThanOrEqual:
		return c <= 0
	case Equal:
		return c == 0
	case NotEqual:
		return c != 0
	case GreaterThan:
		return c > 0
	case GreaterThanOrEqual:
		return c >= 0
	}
	return false
}

func (f FieldFilter) canonicalID() string {
	return f.Field.String() + f.Op.String() + model.CanonicalString(f.Value)
}

func (f FieldFilter) String() string {
	return fmt.Sprintf("%s %s %s", f.Field, f.Op, model.CanonicalString(f.Value))
}

// CompositeOp joins the children of a CompositeFilter.
type CompositeOp int

const (
	OpAnd CompositeOp = iota + 1
	OpOr
)

func (o CompositeOp) String() string {
	if o == OpOr {
		return "or"
	}
	return "and"
}

// CompositeFilter combines filters with AND or OR.
type CompositeFilter struct {
	Op      CompositeOp
	Filters []Filter
}

func (CompositeFilter) filterNode() {}

// And builds a conjunction.
func And(filters ...Filter) CompositeFilter {
	return CompositeFilter{Op: OpAnd, Filters: filters}
}

// Or builds a disjunction.
func Or(filters ...Filter) CompositeFilter {
	return CompositeFilter{Op: OpOr, Filters: filters}
}

// Matches implements Filter. An empty conjunction matches everything and an
// empty disjunction matches nothing.
func (c CompositeFilter) Matches(doc *model.MutableDocument) bool {
	if c.Op == OpOr {
		for _, f := range c.Filters {
			if f.Matches(doc) {
				return true
			}
		}
		return false
	}
	for _, f := range c.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

// FieldFilters implements Filter.
func (c CompositeFilter) FieldFilters() []FieldFilter {
	var out []FieldFilter
	for _, f := range c.Filters {
		out = append(out, f.FieldFilters()...)
	}
	return out
}

// IsConjunction reports whether c is an AND.
func (c CompositeFilter) IsConjunction() bool { return c.Op == OpAnd }

// IsFlat reports whether every child is a FieldFilter.
func (c CompositeFilter) IsFlat() bool {
	for _, f := range c.Filters {
		if _, ok := f.(CompositeFilter); ok {
			return false
		}
	}
	return true
}

func (c CompositeFilter) canonicalID() string {
	parts := make([]string, len(c.Filters))
	for i, f := range c.Filters {
		parts[i] = f.canonicalID()
	}
	if c.IsConjunction() && c.IsFlat() {
		return strings.Join(parts, "")
	}
	return c.Op.String() + "(" + strings.Join(parts, ",") + ")"
}

// Flatten merges nested composites that use the same operator as their
// parent, so AND(a, AND(b, c)) becomes AND(a, b, c). Single-child composites
// collapse to the child.
func Flatten(f Filter) Filter {
	c, ok := f.(CompositeFilter)
	if !ok {
		return f
	}
	var out []Filter
	for _, child := range c.Filters {
		child = Flatten(child)
		if nested, ok := child.(CompositeFilter); ok && nested.Op == c.Op {
			out = append(out, nested.Filters...)
			continue
		}
		out = append(out, child)
	}
	if len(out) == 1 {
		return out[0]
	}
	return CompositeFilter{Op: c.Op, Filters: out}
}
