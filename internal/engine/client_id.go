package engine

import "github.com/google/uuid"

// ClientIDGenerator names a client instance. The id shows up in logs and
// in Client.ID; it only needs to be unique among concurrently running
// clients.
type ClientIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 client ids, so ids in a
// log sort by creation time.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
