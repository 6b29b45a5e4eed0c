// Package query defines the query descriptor the sync engine listens to and
// the backend target it is translated into.
//
// ARCHITECTURE:
//
// A Query is built by the application and never mutated. The engine derives
// everything else from it:
//
//	[Query] → NormalizedOrderBy → Comparator   (view ordering)
//	        → Matches                          (local evaluation)
//	        → Target → CanonicalID             (target cache key)
//
// Two queries with equal canonical ids share a target and a view.
//
// MATCHING:
//
// A document matches when it is a found document, its key lies under the
// query path (or in any collection with the collection group id), every
// ordered field is present, every filter holds and it sorts inside the
// optional cursors.
//
// SEALED INTERFACES:
//
// Filter is sealed with a marker method. FieldFilter and CompositeFilter are
// its only implementations, which keeps type switches in the index manager
// and the serializer exhaustive.
//
// TARGET DATA:
//
// TargetData is the per-target record persisted by the local store: id,
// purpose, listen sequence number, resume token, snapshot versions and the
// expected document count used for existence filter reconciliation.
package query
