package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Regenerate with:
//
//	go test ./internal/harness -run TestRunWithGolden -update
func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{"listen_remote_documents", "write_rejected", "query_rejected"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario("testdata/scenarios/" + name + ".yaml")
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestMarshalTrace(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Type: EventStep, Action: StepNetwork, Args: map[string]any{"state": "disable"}},
		{Seq: 2, Type: EventObserved, Action: ActionSnapshot, Args: map[string]any{
			"listener":   "rooms",
			"from_cache": true,
			"docs":       []any{"rooms/a"},
			"n":          json.Number("10"),
		}},
		{Seq: 3, Type: EventStep, Action: StepExpect},
	}

	data, err := MarshalTrace("demo", trace)
	require.NoError(t, err)
	assert.Equal(t, `{"scenario":"demo"}
{"action":"network","args":{"state":"disable"},"seq":1,"type":"step"}
{"action":"snapshot","args":{"docs":["rooms/a"],"from_cache":true,"listener":"rooms","n":10},"seq":2,"type":"observed"}
{"action":"expect","seq":3,"type":"step"}
`, string(data))
}

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "no html escaping", in: "<a & b>", want: `"<a & b>"`},
		{name: "nfc", in: "cafe\u0301", want: "\"caf\u00e9\""},
		{name: "line separator stays literal", in: "a\u2028b", want: "\"a\u2028b\""},
		{name: "escaped backslash before u2028 text", in: `a\u2028`, want: `"a\\u2028"`},
		{name: "control characters escaped", in: "a\nb", want: `"a\nb"`},
		{name: "null", in: nil, want: "null"},
		{name: "float", in: 1.5, want: "1.5"},
		{name: "nested", in: map[string]any{"b": []any{int64(1), true}, "a": map[string]any{}}, want: `{"a":{},"b":[1,true]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := marshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	_, err := marshalCanonical(struct{}{})
	assert.Error(t, err)
}

func TestSortedKeys_UTF16Order(t *testing.T) {
	// U+FF61 sorts before U+1F600 by code point but after it in UTF-16,
	// where the emoji is a surrogate pair starting at 0xD83D.
	keys := sortedKeys(map[string]any{"\U0001F600": 1, "\uff61": 2, "a": 3})
	assert.Equal(t, []string{"a", "\U0001F600", "\uff61"}, keys)
}
