package query

import (
	"fmt"
	"strings"

	"github.com/roach88/docsync/internal/model"
)

// ValidationError lists every problem found in a query.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid query: " + strings.Join(e.Problems, "; ")
}

// MaxDisjunctiveValues bounds in / not-in / array-contains-any values and
// the number of disjunctions an OR filter may expand to.
const MaxDisjunctiveValues = 30

// Validate checks the structural rules the backend enforces, so a listen
// never fails server-side for a reason that could have been caught locally:
//
//  1. in, not-in and array-contains-any take a non-empty array of at most
//     MaxDisjunctiveValues values
//  2. at most one array-contains / array-contains-any, and at most one
//     not-in, which cannot be combined with != or with or-filters
//  3. key field filters compare against document references
//  4. composite filters are non-empty, and a nested composite uses a
//     different operator than its parent (AND inside AND must be flattened)
//  5. limit-to-last requires an explicit ordering
//  6. cursors do not have more positions than the normalized ordering
//
// Validate is a pure function with no side effects.
func Validate(q Query) error {
	v := &validator{}
	v.validateQuery(q)
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string

	arrayOps  int
	notIn     int
	notEqual  int
	hasOr     bool
	disjuncts int
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	if q.Limit < 0 {
		v.addProblem("limit %d must not be negative", q.Limit)
	}
	if q.LimitType == LimitToLast && q.HasLimit() && len(q.ExplicitOrderBy) == 0 {
		v.addProblem("limit-to-last requires at least one order-by clause")
	}

	for _, f := range q.Filters {
		v.validateFilter(f, 0)
	}
	if v.arrayOps > 1 {
		v.addProblem("at most one array-contains or array-contains-any filter is allowed")
	}
	if v.notIn > 1 {
		v.addProblem("at most one not-in filter is allowed")
	}
	if v.notIn > 0 && v.notEqual > 0 {
		v.addProblem("not-in cannot be combined with !=")
	}
	if v.notIn > 0 && v.hasOr {
		v.addProblem("not-in cannot be combined with or-filters")
	}
	if v.disjuncts > MaxDisjunctiveValues {
		v.addProblem("query expands to %d disjunctions, more than %d", v.disjuncts, MaxDisjunctiveValues)
	}

	orderBy := q.NormalizedOrderBy()
	if b := q.StartAt; b != nil && len(b.Position) > len(orderBy) {
		v.addProblem("start cursor has %d values but the query orders by %d fields", len(b.Position), len(orderBy))
	}
	if b := q.EndAt; b != nil && len(b.Position) > len(orderBy) {
		v.addProblem("end cursor has %d values but the query orders by %d fields", len(b.Position), len(orderBy))
	}
}

func (v *validator) validateFilter(f Filter, parent CompositeOp) {
	switch filter := f.(type) {
	case FieldFilter:
		v.validateFieldFilter(filter)
	case CompositeFilter:
		v.validateComposite(filter, parent)
	default:
		v.addProblem("unknown filter type %T", f)
	}
}

func (v *validator) validateComposite(c CompositeFilter, parent CompositeOp) {
	if len(c.Filters) == 0 {
		v.addProblem("%s filter has no children", c.Op)
		return
	}
	if c.Op == parent {
		v.addProblem("nested %s filter must be flattened into its parent", c.Op)
	}
	if c.Op == OpOr {
		v.hasOr = true
		v.disjuncts += len(c.Filters)
	}
	for _, child := range c.Filters {
		v.validateFilter(child, c.Op)
	}
}

func (v *validator) validateFieldFilter(f FieldFilter) {
	switch f.Op {
	case In, NotIn, ArrayContainsAny:
		arr, ok := f.Value.(model.ArrayValue)
		switch {
		case !ok:
			v.addProblem("%s on %s requires an array value", f.Op, f.Field)
		case len(arr) == 0:
			v.addProblem("%s on %s requires a non-empty array", f.Op, f.Field)
		case len(arr) > MaxDisjunctiveValues:
			v.addProblem("%s on %s allows at most %d values", f.Op, f.Field, MaxDisjunctiveValues)
		}
		if f.Op != NotIn {
			v.disjuncts += len(arr)
		}
	}

	switch f.Op {
	case ArrayContains, ArrayContainsAny:
		v.arrayOps++
	case NotIn:
		v.notIn++
	case NotEqual:
		v.notEqual++
	}

	if f.Field.IsKeyField() {
		switch f.Op {
		case ArrayContains, ArrayContainsAny:
			v.addProblem("%s is not supported on the document key", f.Op)
		case In, NotIn:
			arr, _ := f.Value.(model.ArrayValue)
			for _, e := range arr {
				if _, ok := e.(model.ReferenceValue); !ok {
					v.addProblem("%s on the document key requires document references", f.Op)
					break
				}
			}
		default:
			if _, ok := f.Value.(model.ReferenceValue); !ok {
				v.addProblem("filter on the document key requires a document reference, got %T", f.Value)
			}
		}
	}
}
