package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/docsync/internal/engine"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/remote"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %v\n", event.Seq, event.Type, event.Action, event.Args)
		}
	}
	return buf.String()
}

// assertTraceContains checks if the trace contains an event with the
// specified action whose args include the expected args.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Action == assertion.Action && matchArgs(event.Args, assertion.Args) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions first appear in the specified order.
// Actions don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if positions[event.Action] == 0 {
			positions[event.Action] = i + 1 // 1-indexed for readability
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the action appears exactly the specified
// number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Action == assertion.Action {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertCacheDocument reads a document from the client's cache after the
// run and checks its fields (subset semantics), its absence, or whether it
// still has unacknowledged local writes.
func assertCacheDocument(ctx context.Context, client *engine.Client, assertion Assertion) error {
	key, err := model.ParseKey(assertion.Key)
	if err != nil {
		return fmt.Errorf("cache_document: %w", err)
	}

	doc, err := client.GetDocumentFromCache(ctx, key)
	if err != nil && remote.StatusCode(err) != remote.CodeUnavailable {
		return fmt.Errorf("cache_document %s: %w", key, err)
	}

	if assertion.Missing {
		if doc != nil {
			return &AssertionError{
				Type:     AssertCacheDocument,
				Expected: fmt.Sprintf("%s missing from cache", key),
				Actual:   fmt.Sprintf("found at version %d", doc.Version().Micros()),
			}
		}
		return nil
	}
	if doc == nil {
		return &AssertionError{
			Type:     AssertCacheDocument,
			Expected: fmt.Sprintf("%s in cache", key),
			Actual:   "document not found",
		}
	}

	if assertion.Pending != nil && doc.HasLocalMutations() != *assertion.Pending {
		return &AssertionError{
			Type:     AssertCacheDocument,
			Expected: fmt.Sprintf("%s pending writes = %t", key, *assertion.Pending),
			Actual:   fmt.Sprintf("pending writes = %t", doc.HasLocalMutations()),
		}
	}

	fields := make([]string, 0, len(assertion.Expect))
	for field := range assertion.Expect {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		path, err := model.ParseFieldPath(field)
		if err != nil {
			return fmt.Errorf("cache_document %s: %w", key, err)
		}
		want, err := model.FromGo(assertion.Expect[field])
		if err != nil {
			return fmt.Errorf("cache_document %s.%s: %w", key, field, err)
		}
		got := doc.Field(path)
		if got == nil || !model.ValuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertCacheDocument,
				Expected: fmt.Sprintf("%s.%s = %v", key, field, assertion.Expect[field]),
				Actual:   fmt.Sprintf("%s.%s = %v", key, field, model.ToGo(got)),
			}
		}
	}
	return nil
}

// matchArgs checks if actual args contain all expected args (subset match).
// Both sides are normalized through JSON so a YAML int matches the
// json.Number a trace records.
func matchArgs(actual, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists {
			return false
		}
		if !reflect.DeepEqual(normalize(actualVal), normalize(expectedVal)) {
			return false
		}
	}
	return true
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx    context.Context
	Client *engine.Client
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides the client for cache_document assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertCacheDocument:
			if actx == nil || actx.Client == nil {
				err = fmt.Errorf("assertion[%d]: cache_document requires a client", i)
			} else {
				err = assertCacheDocument(actx.Ctx, actx.Client, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
