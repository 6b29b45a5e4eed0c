package testutil

import (
	"fmt"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
)

// Key parses a document key and panics on malformed input.
func Key(path string) model.DocumentKey { return model.MustKey(path) }

// Version returns a snapshot version at micros.
func Version(micros int64) model.SnapshotVersion { return model.VersionFromMicros(micros) }

// Object converts a Go map into an ObjectValue and panics on unsupported
// values.
func Object(data map[string]any) model.ObjectValue {
	obj, err := model.ObjectFromGo(data)
	if err != nil {
		panic(fmt.Sprintf("testutil.Object: %v", err))
	}
	return obj
}

// Value converts a Go value and panics on unsupported values.
func Value(x any) model.Value {
	v, err := model.FromGo(x)
	if err != nil {
		panic(fmt.Sprintf("testutil.Value: %v", err))
	}
	return v
}

// Doc builds a found document.
func Doc(path string, version int64, data map[string]any) *model.MutableDocument {
	return model.NewFoundDocument(Key(path), Version(version), Object(data))
}

// DeletedDoc builds a no-document.
func DeletedDoc(path string, version int64) *model.MutableDocument {
	return model.NewNoDocument(Key(path), Version(version))
}

// SetMutation builds a set of data at path.
func SetMutation(path string, data map[string]any) model.Mutation {
	return model.NewSetMutation(Key(path), Object(data))
}

// PatchMutation builds a patch of data at path that requires the document
// to exist. The mask is every leaf of data.
func PatchMutation(path string, data map[string]any) model.Mutation {
	obj := Object(data)
	return model.NewPatchMutation(Key(path), obj, obj.FieldMask(), model.MustExist(true))
}

// DeleteMutation builds a delete of path.
func DeleteMutation(path string) model.Mutation {
	return model.NewDeleteMutation(Key(path), model.NoPrecondition)
}

// Query builds a collection query at path.
func Query(path string) query.Query {
	return query.AtPath(model.MustParsePath(path))
}

// Filter builds a field filter, e.g. Filter("n", ">=", 3).
func Filter(field, op string, value any) query.FieldFilter {
	o, err := query.ParseOperator(op)
	if err != nil {
		panic(fmt.Sprintf("testutil.Filter: %v", err))
	}
	return query.Where(model.MustFieldPath(field), o, Value(value))
}

// Keys builds a key set.
func Keys(paths ...string) model.DocumentKeySet {
	s := model.NewKeySet()
	for _, p := range paths {
		s.Add(Key(p))
	}
	return s
}
