package model

import (
	"fmt"
	"time"
)

// Timestamp is a point in time with nanosecond precision.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// TimestampFromTime converts a time.Time.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// TimestampFromMicros converts microseconds since the epoch.
func TimestampFromMicros(us int64) Timestamp {
	sec := us / 1_000_000
	rem := us % 1_000_000
	if rem < 0 {
		sec--
		rem += 1_000_000
	}
	return Timestamp{Seconds: sec, Nanos: int32(rem * 1000)}
}

// Time converts to time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

// Micros returns microseconds since the epoch.
func (t Timestamp) Micros() int64 {
	return t.Seconds*1_000_000 + int64(t.Nanos)/1000
}

// Compare orders timestamps chronologically.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Seconds < o.Seconds:
		return -1
	case t.Seconds > o.Seconds:
		return 1
	case t.Nanos < o.Nanos:
		return -1
	case t.Nanos > o.Nanos:
		return 1
	}
	return 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(%d.%09d)", t.Seconds, t.Nanos)
}

// Clock supplies local write times. Production uses SystemClock; tests use a
// manual clock so mutation batches are reproducible.
type Clock interface {
	Now() Timestamp
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() Timestamp { return TimestampFromTime(time.Now()) }

// SnapshotVersion is a server commit time. The zero value is MinVersion,
// which sorts before every real version.
type SnapshotVersion struct {
	ts Timestamp
}

// MinVersion is the sentinel "no version" value.
var MinVersion = SnapshotVersion{}

// NewVersion wraps a server timestamp.
func NewVersion(ts Timestamp) SnapshotVersion { return SnapshotVersion{ts: ts} }

// VersionFromMicros is a convenience for tests and scenario files.
func VersionFromMicros(us int64) SnapshotVersion {
	return SnapshotVersion{ts: TimestampFromMicros(us)}
}

// Timestamp returns the underlying time.
func (v SnapshotVersion) Timestamp() Timestamp { return v.ts }

// Micros returns the version in microseconds.
func (v SnapshotVersion) Micros() int64 { return v.ts.Micros() }

// IsMin reports whether v is MinVersion.
func (v SnapshotVersion) IsMin() bool { return v == MinVersion }

// Compare orders versions.
func (v SnapshotVersion) Compare(o SnapshotVersion) int { return v.ts.Compare(o.ts) }

// Before reports v < o.
func (v SnapshotVersion) Before(o SnapshotVersion) bool { return v.Compare(o) < 0 }

// After reports v > o.
func (v SnapshotVersion) After(o SnapshotVersion) bool { return v.Compare(o) > 0 }

func (v SnapshotVersion) String() string {
	return fmt.Sprintf("SnapshotVersion(%d)", v.Micros())
}
