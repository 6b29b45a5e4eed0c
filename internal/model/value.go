package model

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Value is a sealed interface over document field values.
// Only the types in this file implement it.
type Value interface {
	fieldValue()
}

// NullValue is the explicit null.
type NullValue struct{}

// BooleanValue is a boolean field.
type BooleanValue bool

// IntegerValue is a 64-bit integer field.
type IntegerValue int64

// DoubleValue is a 64-bit float field.
type DoubleValue float64

// TimestampValue is a timestamp field.
type TimestampValue Timestamp

// ServerTimestampValue is the local placeholder for a pending server
// timestamp transform. Previous holds the value the field had before the
// transform was applied, if any.
type ServerTimestampValue struct {
	Local    Timestamp
	Previous Value
}

// StringValue is a string field.
type StringValue string

// BytesValue is a blob field.
type BytesValue []byte

// ReferenceValue points at another document.
type ReferenceValue DocumentKey

// GeoPointValue is a latitude/longitude pair.
type GeoPointValue struct {
	Latitude  float64
	Longitude float64
}

// ArrayValue is an ordered list of values.
type ArrayValue []Value

// MapValue is a nested object.
type MapValue map[string]Value

func (NullValue) fieldValue()            {}
func (BooleanValue) fieldValue()         {}
func (IntegerValue) fieldValue()         {}
func (DoubleValue) fieldValue()          {}
func (TimestampValue) fieldValue()       {}
func (ServerTimestampValue) fieldValue() {}
func (StringValue) fieldValue()          {}
func (BytesValue) fieldValue()           {}
func (ReferenceValue) fieldValue()       {}
func (GeoPointValue) fieldValue()        {}
func (ArrayValue) fieldValue()           {}
func (MapValue) fieldValue()             {}

// Type order ranks values of different kinds. Integers and doubles share the
// number rank and compare numerically with each other.
const (
	TypeOrderNull = iota
	TypeOrderBoolean
	TypeOrderNumber
	TypeOrderTimestamp
	TypeOrderServerTimestamp
	TypeOrderString
	TypeOrderBytes
	TypeOrderReference
	TypeOrderGeoPoint
	TypeOrderArray
	TypeOrderMap
)

// TypeOrder returns the rank of v's kind. A nil Value ranks as null.
func TypeOrder(v Value) int {
	switch v.(type) {
	case nil, NullValue:
		return TypeOrderNull
	case BooleanValue:
		return TypeOrderBoolean
	case IntegerValue, DoubleValue:
		return TypeOrderNumber
	case TimestampValue:
		return TypeOrderTimestamp
	case ServerTimestampValue:
		return TypeOrderServerTimestamp
	case StringValue:
		return TypeOrderString
	case BytesValue:
		return TypeOrderBytes
	case ReferenceValue:
		return TypeOrderReference
	case GeoPointValue:
		return TypeOrderGeoPoint
	case ArrayValue:
		return TypeOrderArray
	case MapValue:
		return TypeOrderMap
	}
	panic(fmt.Sprintf("unknown value type %T", v))
}

// CompareValues is the total order over field values: first by type order,
// then within the type.
func CompareValues(a, b Value) int {
	ta, tb := TypeOrder(a), TypeOrder(b)
	if ta != tb {
		return cmpInt(ta, tb)
	}
	switch av := a.(type) {
	case nil, NullValue:
		return 0
	case BooleanValue:
		bv := b.(BooleanValue)
		switch {
		case av == bv:
			return 0
		case !bool(av):
			return -1
		}
		return 1
	case IntegerValue, DoubleValue:
		return compareNumbers(a, b)
	case TimestampValue:
		return Timestamp(av).Compare(Timestamp(b.(TimestampValue)))
	case ServerTimestampValue:
		return av.Local.Compare(b.(ServerTimestampValue).Local)
	case StringValue:
		return CompareUTF16(string(av), string(b.(StringValue)))
	case BytesValue:
		return bytes.Compare(av, b.(BytesValue))
	case ReferenceValue:
		return DocumentKey(av).Compare(DocumentKey(b.(ReferenceValue)))
	case GeoPointValue:
		bv := b.(GeoPointValue)
		if c := compareFloats(av.Latitude, bv.Latitude); c != 0 {
			return c
		}
		return compareFloats(av.Longitude, bv.Longitude)
	case ArrayValue:
		bv := b.(ArrayValue)
		n := min(len(av), len(bv))
		for i := 0; i < n; i++ {
			if c := CompareValues(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(av), len(bv))
	case MapValue:
		return compareMaps(av, b.(MapValue))
	}
	panic(fmt.Sprintf("unknown value type %T", a))
}

// ValuesEqual reports semantic equality. Integers and doubles are equal when
// numerically equal; NaN equals NaN.
func ValuesEqual(a, b Value) bool {
	if TypeOrder(a) != TypeOrder(b) {
		return false
	}
	switch av := a.(type) {
	case DoubleValue:
		if bv, ok := b.(DoubleValue); ok && math.IsNaN(float64(av)) && math.IsNaN(float64(bv)) {
			return true
		}
	case ArrayValue:
		bv := b.(ArrayValue)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case MapValue:
		bv := b.(MapValue)
		if len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !ValuesEqual(v, w) {
				return false
			}
		}
		return true
	case ServerTimestampValue:
		bv := b.(ServerTimestampValue)
		if av.Local != bv.Local {
			return false
		}
		if av.Previous == nil || bv.Previous == nil {
			return av.Previous == nil && bv.Previous == nil
		}
		return ValuesEqual(av.Previous, bv.Previous)
	}
	return CompareValues(a, b) == 0
}

// ArrayContains reports whether arr holds a value equal to v.
func ArrayContains(arr ArrayValue, v Value) bool {
	for _, e := range arr {
		if ValuesEqual(e, v) {
			return true
		}
	}
	return false
}

// IsNumber reports whether v is an integer or a double.
func IsNumber(v Value) bool {
	switch v.(type) {
	case IntegerValue, DoubleValue:
		return true
	}
	return false
}

// IsNaN reports whether v is a NaN double.
func IsNaN(v Value) bool {
	d, ok := v.(DoubleValue)
	return ok && math.IsNaN(float64(d))
}

// IsNull reports whether v is null (or absent).
func IsNull(v Value) bool {
	switch v.(type) {
	case nil, NullValue:
		return true
	}
	return false
}

func compareNumbers(a, b Value) int {
	ai, aInt := a.(IntegerValue)
	bi, bInt := b.(IntegerValue)
	if aInt && bInt {
		return cmpInt64(int64(ai), int64(bi))
	}
	if aInt {
		return compareIntDouble(int64(ai), float64(b.(DoubleValue)))
	}
	if bInt {
		return -compareIntDouble(int64(bi), float64(a.(DoubleValue)))
	}
	return compareFloats(float64(a.(DoubleValue)), float64(b.(DoubleValue)))
}

// compareIntDouble compares without losing precision for integers beyond
// 2^53.
func compareIntDouble(i int64, d float64) int {
	if math.IsNaN(d) {
		return 1
	}
	if d < -9.223372036854775808e18 {
		return 1
	}
	if d >= 9.223372036854775808e18 {
		return -1
	}
	t := math.Trunc(d)
	if c := cmpInt64(i, int64(t)); c != 0 {
		return c
	}
	return compareFloats(0, d-t)
}

// compareFloats orders NaN before every other number.
func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	case math.IsNaN(a):
		if math.IsNaN(b) {
			return 0
		}
		return -1
	}
	return 1
}

func compareMaps(a, b MapValue) int {
	ak := sortedMapKeys(a)
	bk := sortedMapKeys(b)
	n := min(len(ak), len(bk))
	for i := 0; i < n; i++ {
		if c := CompareUTF16(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := CompareValues(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return cmpInt(len(ak), len(bk))
}

func sortedMapKeys(m MapValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return CompareUTF16(keys[i], keys[j]) < 0 })
	return keys
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// CanonicalString renders a value deterministically. Used to build canonical
// query ids, so two equal values always render identically.
func CanonicalString(v Value) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v Value) {
	switch tv := v.(type) {
	case nil, NullValue:
		b.WriteString("null")
	case BooleanValue:
		b.WriteString(strconv.FormatBool(bool(tv)))
	case IntegerValue:
		b.WriteString(strconv.FormatInt(int64(tv), 10))
	case DoubleValue:
		b.WriteString(strconv.FormatFloat(float64(tv), 'g', -1, 64))
	case TimestampValue:
		fmt.Fprintf(b, "time(%d,%d)", tv.Seconds, tv.Nanos)
	case ServerTimestampValue:
		fmt.Fprintf(b, "serverTime(%d,%d)", tv.Local.Seconds, tv.Local.Nanos)
	case StringValue:
		b.WriteString(strconv.Quote(string(tv)))
	case BytesValue:
		fmt.Fprintf(b, "bytes(%x)", []byte(tv))
	case ReferenceValue:
		b.WriteString(DocumentKey(tv).String())
	case GeoPointValue:
		fmt.Fprintf(b, "geo(%s,%s)",
			strconv.FormatFloat(tv.Latitude, 'g', -1, 64),
			strconv.FormatFloat(tv.Longitude, 'g', -1, 64))
	case ArrayValue:
		b.WriteByte('[')
		for i, e := range tv {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	case MapValue:
		b.WriteByte('{')
		for i, k := range sortedMapKeys(tv) {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			writeCanonical(b, tv[k])
		}
		b.WriteByte('}')
	}
}

// CloneValue deep-copies containers. Scalars are returned as-is.
func CloneValue(v Value) Value {
	switch tv := v.(type) {
	case ArrayValue:
		out := make(ArrayValue, len(tv))
		for i, e := range tv {
			out[i] = CloneValue(e)
		}
		return out
	case MapValue:
		out := make(MapValue, len(tv))
		for k, e := range tv {
			out[k] = CloneValue(e)
		}
		return out
	case BytesValue:
		return BytesValue(slices.Clone([]byte(tv)))
	}
	return v
}

// FromGo converts plain Go data (as produced by YAML or JSON decoders) into a
// Value. time.Time becomes a timestamp; nested slices and maps recurse.
func FromGo(x any) (Value, error) {
	switch tx := x.(type) {
	case nil:
		return NullValue{}, nil
	case Value:
		return tx, nil
	case bool:
		return BooleanValue(tx), nil
	case int:
		return IntegerValue(tx), nil
	case int32:
		return IntegerValue(tx), nil
	case int64:
		return IntegerValue(tx), nil
	case uint64:
		if tx > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", tx)
		}
		return IntegerValue(int64(tx)), nil
	case float32:
		return DoubleValue(tx), nil
	case float64:
		return DoubleValue(tx), nil
	case string:
		return StringValue(tx), nil
	case []byte:
		return BytesValue(slices.Clone(tx)), nil
	case time.Time:
		return TimestampValue(TimestampFromTime(tx)), nil
	case []any:
		arr := make(ArrayValue, len(tx))
		for i, e := range tx {
			v, err := FromGo(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = v
		}
		return arr, nil
	case map[string]any:
		m := make(MapValue, len(tx))
		for k, e := range tx {
			v, err := FromGo(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = v
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", x)
}

// ToGo converts a Value back into plain Go data. Server timestamp
// placeholders resolve to their previous value, mirroring how a reader that
// does not estimate pending timestamps would see them.
func ToGo(v Value) any {
	switch tv := v.(type) {
	case nil, NullValue:
		return nil
	case BooleanValue:
		return bool(tv)
	case IntegerValue:
		return int64(tv)
	case DoubleValue:
		return float64(tv)
	case TimestampValue:
		return Timestamp(tv).Time()
	case ServerTimestampValue:
		if tv.Previous == nil {
			return nil
		}
		return ToGo(tv.Previous)
	case StringValue:
		return string(tv)
	case BytesValue:
		return []byte(tv)
	case ReferenceValue:
		return DocumentKey(tv).String()
	case GeoPointValue:
		return map[string]any{"latitude": tv.Latitude, "longitude": tv.Longitude}
	case ArrayValue:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = ToGo(e)
		}
		return out
	case MapValue:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = ToGo(e)
		}
		return out
	}
	return nil
}
