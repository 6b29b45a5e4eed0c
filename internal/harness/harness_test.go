package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, yaml string) *Scenario {
	t.Helper()
	scenario, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	return scenario
}

func run(t *testing.T, scenario *Scenario, opts ...Option) *Result {
	t.Helper()
	result, err := Run(context.Background(), scenario, opts...)
	require.NoError(t, err)
	return result
}

func TestRun_Fixtures(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result := run(t, scenario)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_StepsAndObservationsInterleave(t *testing.T) {
	result := run(t, parse(t, `
name: interleave
description: d
steps:
  - listen: {id: rooms, path: rooms}
  - expect_watch:
      - {add: 2, path: rooms}
`))
	require.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 3)

	assert.Equal(t, TraceEvent{Seq: 1, Type: EventStep, Action: StepListen, Args: map[string]any{"id": "rooms", "path": "rooms"}}, result.Trace[0])
	assert.Equal(t, TraceEvent{Seq: 2, Type: EventStep, Action: StepExpectWatch}, result.Trace[1])
	assert.Equal(t, EventObserved, result.Trace[2].Type)
	assert.Equal(t, ActionListenRequest, result.Trace[2].Action)
	assert.Equal(t, int64(2), result.Trace[2].Args["add"])
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/existence_filter_limbo.yaml")
	require.NoError(t, err)

	first, err := MarshalTrace(scenario.Name, run(t, scenario).Trace)
	require.NoError(t, err)
	second, err := MarshalTrace(scenario.Name, run(t, scenario).Trace)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestRun_SnapshotMismatchFails(t *testing.T) {
	result := run(t, parse(t, `
name: wrong_docs
description: d
steps:
  - listen: {id: rooms, path: rooms}
  - write: {set: rooms/a, data: {n: 1}}
  - expect:
      - {listener: rooms, docs: [rooms/b]}
  - network: disable
`))
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[2] expect")
	assert.Contains(t, result.Errors[0], "docs: expected [rooms/b], got [rooms/a]")

	// The run stops at the failing step.
	assert.Equal(t, ActionSnapshot, result.Trace[len(result.Trace)-1].Action)
}

func TestRun_MissingSnapshotTimesOut(t *testing.T) {
	// An empty cache raises nothing until the backend marks the target current.
	result := run(t, parse(t, `
name: silent
description: d
steps:
  - listen: {id: rooms, path: rooms}
  - expect:
      - {listener: rooms}
`), WithTimeout(50*time.Millisecond))
	assert.False(t, result.Pass)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "no snapshot raised")
}

func TestRun_UnexpectedSnapshotFails(t *testing.T) {
	result := run(t, parse(t, `
name: unconsumed
description: d
steps:
  - listen: {id: rooms, path: rooms}
  - write: {set: rooms/a, data: {n: 1}}
`), WithQuietPeriod(200*time.Millisecond))
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "listener rooms: unexpected event")
}

func TestRun_WriteRejectedWithPermissionDenied(t *testing.T) {
	result := run(t, parse(t, `
name: patch_missing
description: d
steps:
  - write: {patch: rooms/a, data: {n: 1}}
  - write_reject: {code: PERMISSION_DENIED}
assertions:
  - {type: cache_document, key: rooms/a, missing: true}
  - {type: trace_contains, action: write_request, args: {writes: [patch rooms/a]}}
`))
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_CollectionGroupAndFilters(t *testing.T) {
	result := run(t, parse(t, `
name: group_query
description: d
steps:
  - listen:
      id: open
      collection_group: rooms
      where:
        - {field: open, op: "==", value: true}
      order_by:
        - {field: n}
  - write: {set: a/x/rooms/1, data: {open: true, n: 2}}
  - expect:
      - {listener: open, has_pending_writes: true, docs: [a/x/rooms/1], added: [a/x/rooms/1]}
  - write: {set: b/y/rooms/2, data: {open: false, n: 1}}
  - write: {set: b/y/rooms/3, data: {open: true, n: 1}}
  - expect:
      - {listener: open, docs: [b/y/rooms/3, a/x/rooms/1], added: [b/y/rooms/3]}
`))
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_FailingAssertionReported(t *testing.T) {
	result := run(t, parse(t, `
name: assertion_fails
description: d
steps:
  - network: disable
assertions:
  - {type: trace_count, action: network, count: 2}
`))
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "2 occurrences of network")
}

func TestResult_AddError(t *testing.T) {
	result := NewResult()
	assert.True(t, result.Pass)
	assert.Empty(t, result.Errors)

	result.AddError("first error")
	assert.False(t, result.Pass)
	assert.Equal(t, []string{"first error"}, result.Errors)
}

func TestResult_AddTrace(t *testing.T) {
	result := NewResult()
	result.addTrace(EventStep, StepNetwork, map[string]any{"state": "disable"})
	result.addTrace(EventObserved, ActionSnapshot, nil)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, int64(1), result.Trace[0].Seq)
	assert.Equal(t, int64(2), result.Trace[1].Seq)
	assert.Equal(t, EventObserved, result.Trace[1].Type)
}
