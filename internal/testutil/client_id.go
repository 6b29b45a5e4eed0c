package testutil

// FixedClientID generates the same client id every time, so scenario runs
// produce identical traces.
//
// Thread-safety: stateless and safe for concurrent use.
type FixedClientID struct {
	id string
}

// NewFixedClientID returns a generator for id. An empty id becomes
// "test-client".
func NewFixedClientID(id string) FixedClientID {
	if id == "" {
		id = "test-client"
	}
	return FixedClientID{id: id}
}

// Generate implements engine.ClientIDGenerator.
func (g FixedClientID) Generate() string { return g.id }
