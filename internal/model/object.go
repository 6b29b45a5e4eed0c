package model

// ObjectValue is the mutable field tree of a document.
//
// The zero value is an empty object. Methods with pointer receivers mutate in
// place; use Clone before handing an ObjectValue to another owner.
type ObjectValue struct {
	fields MapValue
}

// NewObjectValue wraps m without copying.
func NewObjectValue(m MapValue) ObjectValue {
	if m == nil {
		m = MapValue{}
	}
	return ObjectValue{fields: m}
}

// ObjectFromGo converts a plain Go map.
func ObjectFromGo(m map[string]any) (ObjectValue, error) {
	v, err := FromGo(m)
	if err != nil {
		return ObjectValue{}, err
	}
	return NewObjectValue(v.(MapValue)), nil
}

// Map returns the underlying map. Callers must not mutate it.
func (o ObjectValue) Map() MapValue {
	if o.fields == nil {
		return MapValue{}
	}
	return o.fields
}

// IsEmpty reports whether the object has no fields.
func (o ObjectValue) IsEmpty() bool { return len(o.fields) == 0 }

// Field returns the value at path, or nil if absent.
func (o ObjectValue) Field(path FieldPath) Value {
	if path.Len() == 0 {
		return o.Map()
	}
	var cur Value = o.fields
	for _, seg := range path.segments {
		m, ok := cur.(MapValue)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// Set writes v at path, creating intermediate maps and replacing
// non-map intermediates.
func (o *ObjectValue) Set(path FieldPath, v Value) {
	if o.fields == nil {
		o.fields = MapValue{}
	}
	if path.Len() == 0 {
		if m, ok := v.(MapValue); ok {
			o.fields = m
		}
		return
	}
	m := o.fields
	for _, seg := range path.segments[:path.Len()-1] {
		next, ok := m[seg].(MapValue)
		if !ok {
			next = MapValue{}
			m[seg] = next
		}
		m = next
	}
	m[path.LastSegment()] = v
}

// Delete removes the value at path. Missing paths are a no-op.
func (o *ObjectValue) Delete(path FieldPath) {
	if o.fields == nil || path.Len() == 0 {
		return
	}
	m := o.fields
	for _, seg := range path.segments[:path.Len()-1] {
		next, ok := m[seg].(MapValue)
		if !ok {
			return
		}
		m = next
	}
	delete(m, path.LastSegment())
}

// FieldUpdate is one entry for SetAll. A nil Value deletes the field.
type FieldUpdate struct {
	Path  FieldPath
	Value Value
}

// SetAll applies updates in order.
func (o *ObjectValue) SetAll(updates []FieldUpdate) {
	for _, u := range updates {
		if u.Value == nil {
			o.Delete(u.Path)
		} else {
			o.Set(u.Path, u.Value)
		}
	}
}

// Clone deep-copies the tree.
func (o ObjectValue) Clone() ObjectValue {
	if o.fields == nil {
		return ObjectValue{fields: MapValue{}}
	}
	return ObjectValue{fields: CloneValue(o.fields).(MapValue)}
}

// Equal compares field trees.
func (o ObjectValue) Equal(other ObjectValue) bool {
	return ValuesEqual(o.Map(), other.Map())
}

// FieldMask returns the leaf paths of the object. Empty nested maps count as
// leaves so they survive a patch.
func (o ObjectValue) FieldMask() *FieldMask {
	m := &FieldMask{}
	collectLeaves(o.Map(), nil, m)
	return m
}

func collectLeaves(v MapValue, prefix []string, m *FieldMask) {
	for k, e := range v {
		p := append(append([]string(nil), prefix...), k)
		if nested, ok := e.(MapValue); ok && len(nested) > 0 {
			collectLeaves(nested, p, m)
			continue
		}
		m.add(FieldPath{segments: p})
	}
}
