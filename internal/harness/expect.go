package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/docsync/internal/engine"
	"github.com/roach88/docsync/internal/remote"
)

// check compares a raised event with the expectation. Unset fields are not
// checked. Listing any change kind checks all of them, so an omitted kind
// means none of that kind.
func (e ExpectSnapshot) check(got observedEvent) error {
	if e.Error != "" {
		if got.err == nil {
			return fmt.Errorf("expected error %s, got a snapshot", e.Error)
		}
		if code := remote.StatusCode(got.err).String(); code != e.Error {
			return fmt.Errorf("expected error %s, got %s", e.Error, code)
		}
		return nil
	}
	if got.err != nil {
		return fmt.Errorf("unexpected error: %v", got.err)
	}
	snap := got.snap

	if e.FromCache != nil && *e.FromCache != snap.FromCache {
		return fmt.Errorf("from_cache: expected %t, got %t", *e.FromCache, snap.FromCache)
	}
	if e.HasPendingWrites != nil && *e.HasPendingWrites != snap.HasPendingWrites() {
		return fmt.Errorf("has_pending_writes: expected %t, got %t", *e.HasPendingWrites, snap.HasPendingWrites())
	}
	if e.Docs != nil {
		docs := docKeys(snap)
		if !slices.Equal(docs, e.Docs) {
			return fmt.Errorf("docs: expected %v, got %v", e.Docs, docs)
		}
	}
	if e.Added != nil || e.Modified != nil || e.Removed != nil || e.Metadata != nil {
		byType := changesByType(snap)
		want := map[engine.ChangeType][]string{
			engine.ChangeAdded:    e.Added,
			engine.ChangeModified: e.Modified,
			engine.ChangeRemoved:  e.Removed,
			engine.ChangeMetadata: e.Metadata,
		}
		for _, typ := range []engine.ChangeType{engine.ChangeAdded, engine.ChangeModified, engine.ChangeRemoved, engine.ChangeMetadata} {
			have := byType[typ]
			if len(have) != len(want[typ]) || (len(have) > 0 && !slices.Equal(have, want[typ])) {
				return fmt.Errorf("%s: expected %v, got %v", typ, want[typ], have)
			}
		}
	}
	return nil
}

// check compares a listen request with the expectation.
func (e ExpectRequest) check(req *remote.ListenRequest) error {
	if e.Remove != nil {
		if req.AddTarget != nil || int32(req.RemoveTarget) != *e.Remove {
			return fmt.Errorf("expected remove of target %d, got %v", *e.Remove, requestArgs(req))
		}
		return nil
	}
	add := req.AddTarget
	if add == nil || int32(add.TargetID) != *e.Add {
		return fmt.Errorf("expected add of target %d, got %v", *e.Add, requestArgs(req))
	}
	if e.Path != "" && targetPath(add) != e.Path {
		return fmt.Errorf("target %d: expected path %q, got %q", *e.Add, e.Path, targetPath(add))
	}
	if e.ResumeToken != nil && string(add.ResumeToken) != *e.ResumeToken {
		return fmt.Errorf("target %d: expected resume token %q, got %q", *e.Add, *e.ResumeToken, add.ResumeToken)
	}
	if e.ExpectedCount != nil {
		if add.ExpectedCount == nil || *add.ExpectedCount != *e.ExpectedCount {
			return fmt.Errorf("target %d: expected count %d, got %v", *e.Add, *e.ExpectedCount, countArg(add.ExpectedCount))
		}
	}
	return nil
}

func targetPath(add *remote.TargetRequest) string {
	path := add.Target.Path.String()
	if group := add.Target.CollectionGroup; group != "" {
		if path != "" {
			path += "/"
		}
		return path + "**/" + group
	}
	return path
}

func countArg(count *int32) any {
	if count == nil {
		return nil
	}
	return *count
}

func requestArgs(req *remote.ListenRequest) map[string]any {
	add := req.AddTarget
	if add == nil {
		return map[string]any{"remove": int64(req.RemoveTarget)}
	}
	out := map[string]any{
		"add":  int64(add.TargetID),
		"path": targetPath(add),
	}
	if len(add.ResumeToken) > 0 {
		out["resume_token"] = string(add.ResumeToken)
	}
	if add.ExpectedCount != nil {
		out["expected_count"] = int64(*add.ExpectedCount)
	}
	return out
}

// summarize renders a raised event the way traces record it.
func summarize(ev observedEvent) map[string]any {
	if ev.err != nil {
		return map[string]any{"error": remote.StatusCode(ev.err).String()}
	}
	snap := ev.snap
	docs := make([]any, 0, snap.Docs.Len())
	for _, k := range docKeys(snap) {
		docs = append(docs, k)
	}
	changes := make([]any, 0, len(snap.DocChanges))
	for _, c := range snap.DocChanges {
		changes = append(changes, c.Type.String()+" "+c.Doc.Key().String())
	}
	return map[string]any{
		"from_cache":         snap.FromCache,
		"has_pending_writes": snap.HasPendingWrites(),
		"docs":               docs,
		"changes":            changes,
	}
}

func docKeys(snap *engine.ViewSnapshot) []string {
	keys := snap.Docs.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

func changesByType(snap *engine.ViewSnapshot) map[engine.ChangeType][]string {
	out := make(map[engine.ChangeType][]string)
	for _, c := range snap.DocChanges {
		out[c.Type] = append(out[c.Type], c.Doc.Key().String())
	}
	return out
}

// toArgs flattens a step payload into trace args through its JSON form.
// Numbers stay json.Number so the canonical encoding keeps them exact.
func toArgs(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return out
}
