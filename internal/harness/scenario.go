package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/docsync/internal/remote"
)

// Scenario is a scripted conversation between one client and a fake
// backend. The harness plays the backend: steps either drive the client
// API or deliver server messages, and expect steps check what the client
// raised or sent in response.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Client tunes the client under test.
	Client ClientConfig `yaml:"client,omitempty"`

	// Steps run in order. Each step sets exactly one field.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and the final cache.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// ClientConfig overrides client settings for one scenario.
type ClientConfig struct {
	MaxConcurrentLimboResolutions int `yaml:"max_concurrent_limbo_resolutions,omitempty"`
	MaxPendingWrites              int `yaml:"max_pending_writes,omitempty"`

	// User is the uid the client starts with. Empty is unauthenticated.
	User string `yaml:"user,omitempty"`
}

// Step is one scenario action.
type Step struct {
	Listen      *ListenStep      `yaml:"listen,omitempty"`
	Unlisten    string           `yaml:"unlisten,omitempty"`
	Write       *WriteStep       `yaml:"write,omitempty"`
	Watch       *WatchStep       `yaml:"watch,omitempty"`
	WriteAck    *WriteAckStep    `yaml:"write_ack,omitempty"`
	WriteReject *WriteRejectStep `yaml:"write_reject,omitempty"`
	Network     string           `yaml:"network,omitempty"`
	ChangeUser  *string          `yaml:"change_user,omitempty"`

	Expect         []ExpectSnapshot `yaml:"expect,omitempty"`
	ExpectWatch    []ExpectRequest  `yaml:"expect_watch,omitempty"`
	ExpectLimbo    *ExpectLimbo     `yaml:"expect_limbo,omitempty"`
	ExpectMismatch *ExpectMismatch  `yaml:"expect_mismatch,omitempty"`
}

// Step kinds, as they appear in the trace.
const (
	StepListen         = "listen"
	StepUnlisten       = "unlisten"
	StepWrite          = "write"
	StepWatch          = "watch"
	StepWriteAck       = "write_ack"
	StepWriteReject    = "write_reject"
	StepNetwork        = "network"
	StepChangeUser     = "change_user"
	StepExpect         = "expect"
	StepExpectWatch    = "expect_watch"
	StepExpectLimbo    = "expect_limbo"
	StepExpectMismatch = "expect_mismatch"
)

// Kind returns the step kind, or "" when the step sets no field.
func (s Step) Kind() string {
	kinds := s.kinds()
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

func (s Step) kinds() []string {
	var kinds []string
	add := func(set bool, kind string) {
		if set {
			kinds = append(kinds, kind)
		}
	}
	add(s.Listen != nil, StepListen)
	add(s.Unlisten != "", StepUnlisten)
	add(s.Write != nil, StepWrite)
	add(s.Watch != nil, StepWatch)
	add(s.WriteAck != nil, StepWriteAck)
	add(s.WriteReject != nil, StepWriteReject)
	add(s.Network != "", StepNetwork)
	add(s.ChangeUser != nil, StepChangeUser)
	add(s.Expect != nil, StepExpect)
	add(s.ExpectWatch != nil, StepExpectWatch)
	add(s.ExpectLimbo != nil, StepExpectLimbo)
	add(s.ExpectMismatch != nil, StepExpectMismatch)
	return kinds
}

// ListenStep starts a listener named ID.
type ListenStep struct {
	ID   string `yaml:"id" json:"id"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// CollectionGroup queries every collection with this id instead of
	// Path.
	CollectionGroup string `yaml:"collection_group,omitempty" json:"collection_group,omitempty"`

	Where       []WhereClause `yaml:"where,omitempty" json:"where,omitempty"`
	OrderBy     []OrderClause `yaml:"order_by,omitempty" json:"order_by,omitempty"`
	Limit       int           `yaml:"limit,omitempty" json:"limit,omitempty"`
	LimitToLast bool          `yaml:"limit_to_last,omitempty" json:"limit_to_last,omitempty"`

	IncludeMetadataChanges bool `yaml:"include_metadata_changes,omitempty" json:"include_metadata_changes,omitempty"`
	WaitForSync            bool `yaml:"wait_for_sync,omitempty" json:"wait_for_sync,omitempty"`
}

type WhereClause struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op" json:"op"`
	Value any    `yaml:"value" json:"value"`
}

type OrderClause struct {
	Field      string `yaml:"field" json:"field"`
	Descending bool   `yaml:"desc,omitempty" json:"desc,omitempty"`
}

// WriteStep performs one local write. Exactly one of Set, Patch or
// Delete names the document.
type WriteStep struct {
	Set    string         `yaml:"set,omitempty" json:"set,omitempty"`
	Patch  string         `yaml:"patch,omitempty" json:"patch,omitempty"`
	Delete string         `yaml:"delete,omitempty" json:"delete,omitempty"`
	Data   map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
}

// WatchStep delivers listen stream messages. The parts are delivered in
// field order, so a single step can add a target, fill it, mark it
// current and raise a snapshot.
type WatchStep struct {
	Ack      []int32       `yaml:"ack,omitempty" json:"ack,omitempty"`
	Docs     []WatchDoc    `yaml:"docs,omitempty" json:"docs,omitempty"`
	Deleted  []WatchDoc    `yaml:"deleted,omitempty" json:"deleted,omitempty"`
	Removed  []WatchDoc    `yaml:"removed,omitempty" json:"removed,omitempty"`
	Filter   *WatchFilter  `yaml:"filter,omitempty" json:"filter,omitempty"`
	Reset    []int32       `yaml:"reset,omitempty" json:"reset,omitempty"`
	Current  *WatchCurrent `yaml:"current,omitempty" json:"current,omitempty"`
	Reject   *WatchReject  `yaml:"reject,omitempty" json:"reject,omitempty"`
	Snapshot int64         `yaml:"snapshot,omitempty" json:"snapshot,omitempty"`
}

// WatchDoc is a document entering (Docs), deleted in (Deleted) or leaving
// (Removed) targets. Removed ignores Version and Data.
type WatchDoc struct {
	Key     string         `yaml:"key" json:"key"`
	Version int64          `yaml:"version,omitempty" json:"version,omitempty"`
	Data    map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
	Targets []int32        `yaml:"targets" json:"targets"`
}

// WatchFilter is an existence filter. Bloom names the documents the
// backend still holds; without it the filter carries only the count.
type WatchFilter struct {
	Target int32    `yaml:"target" json:"target"`
	Count  int32    `yaml:"count" json:"count"`
	Bloom  []string `yaml:"bloom,omitempty" json:"bloom,omitempty"`
}

type WatchCurrent struct {
	Targets []int32 `yaml:"targets" json:"targets"`
	Token   string  `yaml:"token,omitempty" json:"token,omitempty"`
}

type WatchReject struct {
	Targets []int32 `yaml:"targets" json:"targets"`
	Code    string  `yaml:"code" json:"code"`
}

// WriteAckStep acknowledges the oldest unacknowledged batch, handshaking
// the write stream first when needed.
type WriteAckStep struct {
	Version int64 `yaml:"version" json:"version"`
}

// WriteRejectStep fails the write stream while the oldest batch is in
// flight.
type WriteRejectStep struct {
	Code string `yaml:"code" json:"code"`
}

// ExpectSnapshot is the next event raised to a listener. Nil fields are
// not checked; an empty list must match an empty list.
type ExpectSnapshot struct {
	Listener         string   `yaml:"listener"`
	FromCache        *bool    `yaml:"from_cache,omitempty"`
	HasPendingWrites *bool    `yaml:"has_pending_writes,omitempty"`
	Docs             []string `yaml:"docs,omitempty"`
	Added            []string `yaml:"added,omitempty"`
	Modified         []string `yaml:"modified,omitempty"`
	Removed          []string `yaml:"removed,omitempty"`
	Metadata         []string `yaml:"metadata,omitempty"`
	Error            string   `yaml:"error,omitempty"`
}

// ExpectRequest is the next listen request. Exactly one of Add or Remove
// is set; the other fields only apply to Add.
type ExpectRequest struct {
	Add           *int32  `yaml:"add,omitempty"`
	Remove        *int32  `yaml:"remove,omitempty"`
	Path          string  `yaml:"path,omitempty"`
	ResumeToken   *string `yaml:"resume_token,omitempty"`
	ExpectedCount *int32  `yaml:"expected_count,omitempty"`
}

// ExpectLimbo is the complete limbo state.
type ExpectLimbo struct {
	Active   map[string]int32 `yaml:"active"`
	Enqueued []string         `yaml:"enqueued,omitempty"`
}

// ExpectMismatch is the next existence filter mismatch the client
// reported.
type ExpectMismatch struct {
	Target   int32  `yaml:"target"`
	Local    int    `yaml:"local"`
	Expected int32  `yaml:"expected"`
	Outcome  string `yaml:"outcome"`
}

// Assertion validates the trace or the final cache.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Action is the trace event action (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are matched as a subset of the event args (trace_contains).
	Args map[string]any `yaml:"args,omitempty"`

	// Count is the exact number of matching events (trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions must appear in this order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Key names the cached document (cache_document).
	Key string `yaml:"key,omitempty"`

	// Expect is a subset of the cached document's fields (cache_document).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Missing asserts the cache holds no document at Key (cache_document).
	Missing bool `yaml:"missing,omitempty"`

	// Pending, when set, is the document's pending-writes flag
	// (cache_document).
	Pending *bool `yaml:"pending,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertCacheDocument = "cache_document"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict fields catch typos like "expect_limbos:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	listeners := map[string]bool{}
	for i, step := range s.Steps {
		if err := validateStep(step, listeners); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step, listeners map[string]bool) error {
	kinds := step.kinds()
	switch len(kinds) {
	case 0:
		return fmt.Errorf("step sets no action")
	case 1:
	default:
		return fmt.Errorf("step sets more than one action: %v", kinds)
	}

	switch {
	case step.Listen != nil:
		l := step.Listen
		if l.ID == "" {
			return fmt.Errorf("listen: id is required")
		}
		if listeners[l.ID] {
			return fmt.Errorf("listen: listener %q is already active", l.ID)
		}
		if (l.Path == "") == (l.CollectionGroup == "") {
			return fmt.Errorf("listen: exactly one of path or collection_group is required")
		}
		if l.LimitToLast && l.Limit == 0 {
			return fmt.Errorf("listen: limit_to_last needs a limit")
		}
		listeners[l.ID] = true

	case step.Unlisten != "":
		if !listeners[step.Unlisten] {
			return fmt.Errorf("unlisten: unknown listener %q", step.Unlisten)
		}
		delete(listeners, step.Unlisten)

	case step.Write != nil:
		w := step.Write
		named := 0
		for _, k := range []string{w.Set, w.Patch, w.Delete} {
			if k != "" {
				named++
			}
		}
		if named != 1 {
			return fmt.Errorf("write: exactly one of set, patch or delete is required")
		}
		if w.Delete != "" && w.Data != nil {
			return fmt.Errorf("write: delete takes no data")
		}

	case step.WriteReject != nil:
		if _, ok := remote.ParseCode(step.WriteReject.Code); !ok {
			return fmt.Errorf("write_reject: unknown code %q", step.WriteReject.Code)
		}

	case step.Watch != nil:
		if r := step.Watch.Reject; r != nil {
			if _, ok := remote.ParseCode(r.Code); !ok {
				return fmt.Errorf("watch.reject: unknown code %q", r.Code)
			}
		}

	case step.Network != "":
		if step.Network != "enable" && step.Network != "disable" {
			return fmt.Errorf("network: must be enable or disable, got %q", step.Network)
		}

	case step.Expect != nil:
		if len(step.Expect) == 0 {
			return fmt.Errorf("expect: at least one snapshot is required")
		}
		for j, e := range step.Expect {
			if !listeners[e.Listener] {
				return fmt.Errorf("expect[%d]: unknown listener %q", j, e.Listener)
			}
		}

	case step.ExpectWatch != nil:
		for j, r := range step.ExpectWatch {
			if (r.Add == nil) == (r.Remove == nil) {
				return fmt.Errorf("expect_watch[%d]: exactly one of add or remove is required", j)
			}
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertCacheDocument:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for cache_document", index)
		}
		if a.Missing && len(a.Expect) > 0 {
			return fmt.Errorf("assertions[%d]: missing and expect are exclusive for cache_document", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
