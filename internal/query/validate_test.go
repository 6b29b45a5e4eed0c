package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/model"
)

func problems(t *testing.T, err error) []string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	return verr.Problems
}

func TestValidate_ValidQuery(t *testing.T) {
	q := AtPath(model.MustParsePath("c")).
		Where(Where(field("a"), Equal, model.IntegerValue(1))).
		Where(Or(Where(field("b"), Equal, model.IntegerValue(1)), Where(field("c"), In, model.ArrayValue{model.IntegerValue(2)}))).
		OrderBy(field("a"), Ascending).
		WithLimitToLast(5)

	assert.NoError(t, Validate(q))
}

func TestValidate_InRequiresNonEmptyArray(t *testing.T) {
	q := AtPath(model.MustParsePath("c")).Where(Where(field("a"), In, model.ArrayValue{}))
	got := problems(t, Validate(q))
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "non-empty array")

	q = AtPath(model.MustParsePath("c")).Where(Where(field("a"), NotIn, model.IntegerValue(1)))
	assert.Contains(t, problems(t, Validate(q))[0], "requires an array value")
}

func TestValidate_ArrayOperatorLimits(t *testing.T) {
	q := AtPath(model.MustParsePath("c")).
		Where(Where(field("a"), ArrayContains, model.IntegerValue(1))).
		Where(Where(field("b"), ArrayContainsAny, model.ArrayValue{model.IntegerValue(1)}))

	assert.Contains(t, problems(t, Validate(q)), "at most one array-contains or array-contains-any filter is allowed")
}

func TestValidate_NotInConflicts(t *testing.T) {
	notIn := Where(field("a"), NotIn, model.ArrayValue{model.IntegerValue(1)})

	q := AtPath(model.MustParsePath("c")).Where(notIn).Where(Where(field("b"), NotEqual, model.IntegerValue(1)))
	assert.Contains(t, problems(t, Validate(q)), "not-in cannot be combined with !=")

	q = AtPath(model.MustParsePath("c")).Where(notIn).Where(notIn)
	assert.Contains(t, problems(t, Validate(q)), "at most one not-in filter is allowed")

	q = AtPath(model.MustParsePath("c")).Where(notIn).
		Where(Or(Where(field("b"), Equal, model.IntegerValue(1)), Where(field("c"), Equal, model.IntegerValue(1))))
	assert.Contains(t, problems(t, Validate(q)), "not-in cannot be combined with or-filters")
}

func TestValidate_CompositeRules(t *testing.T) {
	a := Where(field("a"), Equal, model.IntegerValue(1))

	q := AtPath(model.MustParsePath("c")).Where(Or())
	assert.Contains(t, problems(t, Validate(q))[0], "has no children")

	q = AtPath(model.MustParsePath("c")).Where(Or(a, Or(a, a)))
	assert.Contains(t, problems(t, Validate(q)), "nested or filter must be flattened into its parent")

	assert.NoError(t, Validate(AtPath(model.MustParsePath("c")).Where(Flatten(Or(a, Or(a, a))))))
}

func TestValidate_KeyFilters(t *testing.T) {
	q := AtPath(model.MustParsePath("c")).Where(Where(model.KeyField, Equal, model.StringValue("c/a")))
	assert.Len(t, problems(t, Validate(q)), 1)

	q = AtPath(model.MustParsePath("c")).Where(Where(model.KeyField, Equal, model.ReferenceValue(model.MustKey("c/a"))))
	assert.NoError(t, Validate(q))
}

func TestValidate_LimitToLastNeedsOrderBy(t *testing.T) {
	q := AtPath(model.MustParsePath("c")).WithLimitToLast(2)
	assert.Contains(t, problems(t, Validate(q)), "limit-to-last requires at least one order-by clause")
}

func TestValidate_CursorTooLong(t *testing.T) {
	q := AtPath(model.MustParsePath("c")).
		WithStartAt(Bound{Position: []model.Value{model.IntegerValue(1), model.IntegerValue(2)}})
	assert.Contains(t, problems(t, Validate(q))[0], "start cursor has 2 values")
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Problems: []string{"a", "b"}}
	assert.Equal(t, "invalid query: a; b", err.Error())
}
