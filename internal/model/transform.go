package model

import (
	"fmt"
	"math"
)

// TransformKind tags a FieldTransform.
type TransformKind int

const (
	// TransformServerTimestamp sets the field to the server's commit time.
	TransformServerTimestamp TransformKind = iota + 1
	// TransformArrayUnion appends elements not already present.
	TransformArrayUnion
	// TransformArrayRemove removes every occurrence of the elements.
	TransformArrayRemove
	// TransformIncrement adds Operand to a numeric field.
	TransformIncrement
)

func (k TransformKind) String() string {
	switch k {
	case TransformServerTimestamp:
		return "server-timestamp"
	case TransformArrayUnion:
		return "array-union"
	case TransformArrayRemove:
		return "array-remove"
	case TransformIncrement:
		return "increment"
	}
	return fmt.Sprintf("TransformKind(%d)", int(k))
}

// FieldTransform is a transform whose result depends on the field's previous
// value.
type FieldTransform struct {
	Field    FieldPath
	Kind     TransformKind
	Elements []Value // array-union / array-remove
	Operand  Value   // increment
}

// ServerTimestamp returns a server-timestamp transform for field.
func ServerTimestamp(field FieldPath) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformServerTimestamp}
}

// ArrayUnion returns an array-union transform.
func ArrayUnion(field FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformArrayUnion, Elements: elements}
}

// ArrayRemove returns an array-remove transform.
func ArrayRemove(field FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformArrayRemove, Elements: elements}
}

// Increment returns a numeric-increment transform. operand must be an
// IntegerValue or DoubleValue.
func Increment(field FieldPath, operand Value) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformIncrement, Operand: operand}
}

// ApplyToLocalView estimates the transform result from the previous value.
func (t FieldTransform) ApplyToLocalView(previous Value, localWriteTime Timestamp) Value {
	switch t.Kind {
	case TransformServerTimestamp:
		if st, ok := previous.(ServerTimestampValue); ok {
			previous = st.Previous
		}
		return ServerTimestampValue{Local: localWriteTime, Previous: previous}
	case TransformArrayUnion:
		return arrayUnion(previous, t.Elements)
	case TransformArrayRemove:
		return arrayRemove(previous, t.Elements)
	case TransformIncrement:
		return increment(previous, t.Operand)
	}
	panic(fmt.Sprintf("unknown transform kind %d", t.Kind))
}

// ApplyToRemoteDocument computes the authoritative result. Array transforms
// are deterministic and recomputed from previous; the others take the
// server-provided result.
func (t FieldTransform) ApplyToRemoteDocument(previous Value, serverResult Value) Value {
	switch t.Kind {
	case TransformArrayUnion:
		return arrayUnion(previous, t.Elements)
	case TransformArrayRemove:
		return arrayRemove(previous, t.Elements)
	}
	return serverResult
}

// Equal compares transforms.
func (t FieldTransform) Equal(o FieldTransform) bool {
	if t.Kind != o.Kind || !t.Field.Equal(o.Field) || len(t.Elements) != len(o.Elements) {
		return false
	}
	for i := range t.Elements {
		if !ValuesEqual(t.Elements[i], o.Elements[i]) {
			return false
		}
	}
	if t.Operand == nil || o.Operand == nil {
		return t.Operand == nil && o.Operand == nil
	}
	return ValuesEqual(t.Operand, o.Operand)
}

func arrayUnion(previous Value, elements []Value) Value {
	prev, _ := previous.(ArrayValue)
	out := make(ArrayValue, 0, len(prev)+len(elements))
	out = append(out, prev...)
	for _, e := range elements {
		if !ArrayContains(out, e) {
			out = append(out, e)
		}
	}
	return out
}

func arrayRemove(previous Value, elements []Value) Value {
	prev, _ := previous.(ArrayValue)
	out := make(ArrayValue, 0, len(prev))
	for _, e := range prev {
		if !ArrayContains(elements, e) {
			out = append(out, e)
		}
	}
	return out
}

// increment adds operand to a numeric previous value. A non-numeric
// previous value is treated as absent and the result is the operand.
// Integer overflow saturates.
func increment(previous, operand Value) Value {
	if !IsNumber(previous) {
		return operand
	}
	pi, pInt := previous.(IntegerValue)
	oi, oInt := operand.(IntegerValue)
	if pInt && oInt {
		return IntegerValue(saturatingAdd(int64(pi), int64(oi)))
	}
	return DoubleValue(asFloat(previous) + asFloat(operand))
}

func asFloat(v Value) float64 {
	switch tv := v.(type) {
	case IntegerValue:
		return float64(tv)
	case DoubleValue:
		return float64(tv)
	}
	return 0
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	if a > 0 && b > 0 && sum < 0 {
		return math.MaxInt64
	}
	if a < 0 && b < 0 && sum >= 0 {
		return math.MinInt64
	}
	return sum
}
