package harness

// Trace event types.
const (
	// EventStep records a scenario step as it was executed.
	EventStep = "step"

	// EventObserved records something the client did, such as a snapshot
	// it raised or a request it sent.
	EventObserved = "observed"
)

// Actions of observed events.
const (
	ActionSnapshot      = "snapshot"
	ActionListenRequest = "listen_request"
	ActionWriteRequest  = "write_request"
	ActionLimbo         = "limbo"
	ActionMismatch      = "mismatch"
)

// TraceEvent is one entry of a scenario trace. Step events carry the step
// kind as Action and the step as written; observed events carry what the
// client actually did, which is what expect steps compared against.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Type   string         `json:"type"`
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace contains every step and observed client event in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addTrace appends an event with the next sequence number.
func (r *Result) addTrace(typ, action string, args map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    int64(len(r.Trace) + 1),
		Type:   typ,
		Action: action,
		Args:   args,
	})
}
