// Package harness runs scripted sync scenarios against a real client.
//
// A scenario drives one engine.Client over in-memory persistence and a mock
// connection. The harness plays the backend: it acknowledges targets,
// delivers documents and existence filters on the listen stream, and
// acknowledges or rejects batches on the write stream. Expect steps check
// what the client did in response.
//
// # Scenario Format
//
//	name: listen_then_ack
//	description: "A remote document reaches a listener"
//	steps:
//	  - listen: {id: rooms, path: rooms}
//	  - expect:
//	      - {listener: rooms, from_cache: true, docs: []}
//	  - expect_watch:
//	      - {add: 2, path: rooms}
//	  - watch:
//	      ack: [2]
//	      docs:
//	        - {key: rooms/a, version: 1000, data: {n: 1}, targets: [2]}
//	      current: {targets: [2], token: t1}
//	      snapshot: 1000
//	  - expect:
//	      - {listener: rooms, from_cache: false, docs: [rooms/a], added: [rooms/a]}
//	assertions:
//	  - type: cache_document
//	    key: rooms/a
//	    expect: {n: 1}
//
// # Assertion Types
//
//   - trace_contains: an event with the action and a superset of the args
//   - trace_order: actions first appear in the given order
//   - trace_count: an action appears exactly N times
//   - cache_document: the client's cache holds (or lacks) a document
//
// # Determinism
//
// Every run uses a manual clock, a fixed client id and fresh in-memory
// persistence, and background garbage collection and index backfill are
// off. The trace is therefore a function of the scenario, which is what
// makes golden files under testdata/golden stable.
package harness
