package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// The codec below is the local persistence format. Every value is a
// single-key object naming its type, so decoding never has to guess between
// integers and doubles. encoding/json sorts map keys, which keeps the
// encoding byte-stable for equal inputs.

type timestampJSON struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// MarshalValue encodes v.
func MarshalValue(v Value) ([]byte, error) {
	enc, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}

// UnmarshalValue decodes a value produced by MarshalValue.
func UnmarshalValue(data []byte) (Value, error) {
	return decodeValue(data)
}

func encodeValue(v Value) (map[string]any, error) {
	switch tv := v.(type) {
	case nil, NullValue:
		return map[string]any{"null": nil}, nil
	case BooleanValue:
		return map[string]any{"boolean": bool(tv)}, nil
	case IntegerValue:
		return map[string]any{"integer": strconv.FormatInt(int64(tv), 10)}, nil
	case DoubleValue:
		return map[string]any{"double": encodeFloat(float64(tv))}, nil
	case TimestampValue:
		return map[string]any{"timestamp": timestampJSON(tv)}, nil
	case ServerTimestampValue:
		st := map[string]any{"local": timestampJSON(tv.Local)}
		if tv.Previous != nil {
			prev, err := encodeValue(tv.Previous)
			if err != nil {
				return nil, err
			}
			st["previous"] = prev
		}
		return map[string]any{"server_timestamp": st}, nil
	case StringValue:
		return map[string]any{"string": string(tv)}, nil
	case BytesValue:
		return map[string]any{"bytes": base64.StdEncoding.EncodeToString(tv)}, nil
	case ReferenceValue:
		return map[string]any{"reference": DocumentKey(tv).String()}, nil
	case GeoPointValue:
		return map[string]any{"geo_point": []any{encodeFloat(tv.Latitude), encodeFloat(tv.Longitude)}}, nil
	case ArrayValue:
		arr := make([]any, len(tv))
		for i, e := range tv {
			enc, err := encodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = enc
		}
		return map[string]any{"array": arr}, nil
	case MapValue:
		m, err := encodeMap(tv)
		if err != nil {
			return nil, err
		}
		return map[string]any{"map": m}, nil
	}
	return nil, fmt.Errorf("cannot encode value of type %T", v)
}

func encodeMap(m MapValue) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, e := range m {
		enc, err := encodeValue(e)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// encodeFloat keeps non-finite doubles representable in JSON.
func encodeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

func decodeFloat(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return 0, fmt.Errorf("invalid double %q", s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}

func decodeValue(data []byte) (Value, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	if len(tagged) != 1 {
		return nil, fmt.Errorf("decode value: expected exactly one type tag, got %d", len(tagged))
	}
	for tag, raw := range tagged {
		switch tag {
		case "null":
			return NullValue{}, nil
		case "boolean":
			var b bool
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
			return BooleanValue(b), nil
		case "integer":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, err
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode integer: %w", err)
			}
			return IntegerValue(n), nil
		case "double":
			f, err := decodeFloat(raw)
			if err != nil {
				return nil, err
			}
			return DoubleValue(f), nil
		case "timestamp":
			var ts timestampJSON
			if err := json.Unmarshal(raw, &ts); err != nil {
				return nil, err
			}
			return TimestampValue(ts), nil
		case "server_timestamp":
			var st struct {
				Local    timestampJSON   `json:"local"`
				Previous json.RawMessage `json:"previous"`
			}
			if err := json.Unmarshal(raw, &st); err != nil {
				return nil, err
			}
			out := ServerTimestampValue{Local: Timestamp(st.Local)}
			if len(st.Previous) > 0 {
				prev, err := decodeValue(st.Previous)
				if err != nil {
					return nil, err
				}
				out.Previous = prev
			}
			return out, nil
		case "string":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, err
			}
			return StringValue(s), nil
		case "bytes":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, err
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("decode bytes: %w", err)
			}
			return BytesValue(b), nil
		case "reference":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, err
			}
			k, err := ParseKey(s)
			if err != nil {
				return nil, err
			}
			return ReferenceValue(k), nil
		case "geo_point":
			var pair []json.RawMessage
			if err := json.Unmarshal(raw, &pair); err != nil {
				return nil, err
			}
			if len(pair) != 2 {
				return nil, fmt.Errorf("decode geo_point: expected 2 elements, got %d", len(pair))
			}
			lat, err := decodeFloat(pair[0])
			if err != nil {
				return nil, err
			}
			lng, err := decodeFloat(pair[1])
			if err != nil {
				return nil, err
			}
			return GeoPointValue{Latitude: lat, Longitude: lng}, nil
		case "array":
			var elems []json.RawMessage
			if err := json.Unmarshal(raw, &elems); err != nil {
				return nil, err
			}
			arr := make(ArrayValue, len(elems))
			for i, e := range elems {
				v, err := decodeValue(e)
				if err != nil {
					return nil, fmt.Errorf("[%d]: %w", i, err)
				}
				arr[i] = v
			}
			return arr, nil
		case "map":
			return decodeMap(raw)
		default:
			return nil, fmt.Errorf("decode value: unknown type tag %q", tag)
		}
	}
	panic("unreachable")
}

func decodeMap(raw json.RawMessage) (MapValue, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	m := make(MapValue, len(fields))
	for k, e := range fields {
		v, err := decodeValue(e)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		m[k] = v
	}
	return m, nil
}

func versionJSON(v SnapshotVersion) timestampJSON { return timestampJSON(v.ts) }

func versionFromJSON(t timestampJSON) SnapshotVersion { return NewVersion(Timestamp(t)) }

type documentJSON struct {
	Key        string          `json:"key"`
	Type       int             `json:"type"`
	Version    timestampJSON   `json:"version"`
	ReadTime   timestampJSON   `json:"read_time"`
	CreateTime timestampJSON   `json:"create_time"`
	State      int             `json:"state"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// MarshalDocument encodes a document for the remote document cache.
func MarshalDocument(d *MutableDocument) ([]byte, error) {
	data, err := encodeMap(d.data.Map())
	if err != nil {
		return nil, fmt.Errorf("encode document %s: %w", d.key, err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(documentJSON{
		Key:        d.key.String(),
		Type:       int(d.docType),
		Version:    versionJSON(d.version),
		ReadTime:   versionJSON(d.readTime),
		CreateTime: versionJSON(d.createTime),
		State:      int(d.state),
		Data:       raw,
	})
}

// UnmarshalDocument decodes a document produced by MarshalDocument.
func UnmarshalDocument(data []byte) (*MutableDocument, error) {
	var dj documentJSON
	if err := json.Unmarshal(data, &dj); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	key, err := ParseKey(dj.Key)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	fields := MapValue{}
	if len(dj.Data) > 0 {
		fields, err = decodeMap(dj.Data)
		if err != nil {
			return nil, fmt.Errorf("decode document %s: %w", key, err)
		}
	}
	return &MutableDocument{
		key:        key,
		docType:    DocumentType(dj.Type),
		version:    versionFromJSON(dj.Version),
		readTime:   versionFromJSON(dj.ReadTime),
		createTime: versionFromJSON(dj.CreateTime),
		state:      DocumentState(dj.State),
		data:       NewObjectValue(fields),
	}, nil
}

type preconditionJSON struct {
	Exists     *bool          `json:"exists,omitempty"`
	UpdateTime *timestampJSON `json:"update_time,omitempty"`
}

type transformJSON struct {
	Field    []string          `json:"field"`
	Kind     string            `json:"kind"`
	Elements []json.RawMessage `json:"elements,omitempty"`
	Operand  json.RawMessage   `json:"operand,omitempty"`
}

type mutationJSON struct {
	Kind         string            `json:"kind"`
	Key          string            `json:"key"`
	Value        json.RawMessage   `json:"value,omitempty"`
	Mask         [][]string        `json:"mask,omitempty"`
	Precondition *preconditionJSON `json:"precondition,omitempty"`
	Transforms   []transformJSON   `json:"transforms,omitempty"`
}

var mutationKinds = map[string]MutationKind{
	"set":    MutationSet,
	"patch":  MutationPatch,
	"delete": MutationDelete,
	"verify": MutationVerify,
}

var transformKinds = map[string]TransformKind{
	"server-timestamp": TransformServerTimestamp,
	"array-union":      TransformArrayUnion,
	"array-remove":     TransformArrayRemove,
	"increment":        TransformIncrement,
}

func encodeMutation(m Mutation) (mutationJSON, error) {
	mj := mutationJSON{Kind: m.Kind.String(), Key: m.Key.String()}
	if m.Kind == MutationSet || m.Kind == MutationPatch {
		fields, err := encodeMap(m.Value.Map())
		if err != nil {
			return mj, fmt.Errorf("encode %s: %w", m, err)
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return mj, err
		}
		mj.Value = raw
	}
	if m.Kind == MutationPatch {
		mj.Mask = [][]string{}
		for _, f := range m.Mask.Fields() {
			mj.Mask = append(mj.Mask, f.Segments())
		}
	}
	switch m.Precondition.Kind {
	case PreconditionExists:
		exists := m.Precondition.Exists
		mj.Precondition = &preconditionJSON{Exists: &exists}
	case PreconditionUpdateTime:
		ts := versionJSON(m.Precondition.UpdateTime)
		mj.Precondition = &preconditionJSON{UpdateTime: &ts}
	}
	for _, t := range m.Transforms {
		tj := transformJSON{Field: t.Field.Segments(), Kind: t.Kind.String()}
		for _, e := range t.Elements {
			raw, err := MarshalValue(e)
			if err != nil {
				return mj, err
			}
			tj.Elements = append(tj.Elements, raw)
		}
		if t.Operand != nil {
			raw, err := MarshalValue(t.Operand)
			if err != nil {
				return mj, err
			}
			tj.Operand = raw
		}
		mj.Transforms = append(mj.Transforms, tj)
	}
	return mj, nil
}

func decodeMutation(mj mutationJSON) (Mutation, error) {
	kind, ok := mutationKinds[mj.Kind]
	if !ok {
		return Mutation{}, fmt.Errorf("decode mutation: unknown kind %q", mj.Kind)
	}
	key, err := ParseKey(mj.Key)
	if err != nil {
		return Mutation{}, fmt.Errorf("decode mutation: %w", err)
	}
	m := Mutation{Kind: kind, Key: key, Value: NewObjectValue(nil)}
	if len(mj.Value) > 0 {
		fields, err := decodeMap(mj.Value)
		if err != nil {
			return Mutation{}, fmt.Errorf("decode mutation %s: %w", key, err)
		}
		m.Value = NewObjectValue(fields)
	}
	if kind == MutationPatch {
		paths := make([]FieldPath, len(mj.Mask))
		for i, segs := range mj.Mask {
			paths[i] = NewFieldPath(segs...)
		}
		m.Mask = NewFieldMask(paths...)
	}
	if p := mj.Precondition; p != nil {
		switch {
		case p.Exists != nil:
			m.Precondition = MustExist(*p.Exists)
		case p.UpdateTime != nil:
			m.Precondition = MustMatchUpdateTime(versionFromJSON(*p.UpdateTime))
		}
	}
	for _, tj := range mj.Transforms {
		tk, ok := transformKinds[tj.Kind]
		if !ok {
			return Mutation{}, fmt.Errorf("decode mutation %s: unknown transform %q", key, tj.Kind)
		}
		t := FieldTransform{Field: NewFieldPath(tj.Field...), Kind: tk}
		for _, raw := range tj.Elements {
			v, err := decodeValue(raw)
			if err != nil {
				return Mutation{}, err
			}
			t.Elements = append(t.Elements, v)
		}
		if len(tj.Operand) > 0 {
			if t.Operand, err = decodeValue(tj.Operand); err != nil {
				return Mutation{}, err
			}
		}
		m.Transforms = append(m.Transforms, t)
	}
	return m, nil
}

// MarshalMutation encodes a single mutation.
func MarshalMutation(m Mutation) ([]byte, error) {
	mj, err := encodeMutation(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(mj)
}

// UnmarshalMutation decodes a mutation produced by MarshalMutation.
func UnmarshalMutation(data []byte) (Mutation, error) {
	var mj mutationJSON
	if err := json.Unmarshal(data, &mj); err != nil {
		return Mutation{}, fmt.Errorf("decode mutation: %w", err)
	}
	return decodeMutation(mj)
}

type batchJSON struct {
	BatchID        int64          `json:"batch_id"`
	LocalWriteTime timestampJSON  `json:"local_write_time"`
	Mutations      []mutationJSON `json:"mutations"`
}

// MarshalBatch encodes a mutation batch for the mutation queue.
func MarshalBatch(b *MutationBatch) ([]byte, error) {
	bj := batchJSON{
		BatchID:        int64(b.BatchID),
		LocalWriteTime: timestampJSON(b.LocalWriteTime),
		Mutations:      make([]mutationJSON, len(b.Mutations)),
	}
	for i, m := range b.Mutations {
		mj, err := encodeMutation(m)
		if err != nil {
			return nil, fmt.Errorf("encode batch %d: %w", b.BatchID, err)
		}
		bj.Mutations[i] = mj
	}
	return json.Marshal(bj)
}

// UnmarshalBatch decodes a batch produced by MarshalBatch.
func UnmarshalBatch(data []byte) (*MutationBatch, error) {
	var bj batchJSON
	if err := json.Unmarshal(data, &bj); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	b := &MutationBatch{
		BatchID:        BatchID(bj.BatchID),
		LocalWriteTime: Timestamp(bj.LocalWriteTime),
		Mutations:      make([]Mutation, len(bj.Mutations)),
	}
	for i, mj := range bj.Mutations {
		m, err := decodeMutation(mj)
		if err != nil {
			return nil, fmt.Errorf("decode batch %d: %w", bj.BatchID, err)
		}
		b.Mutations[i] = m
	}
	return b, nil
}

type overlayJSON struct {
	LargestBatchID int64        `json:"largest_batch_id"`
	Mutation       mutationJSON `json:"mutation"`
}

// MarshalOverlay encodes an overlay.
func MarshalOverlay(o Overlay) ([]byte, error) {
	mj, err := encodeMutation(o.Mutation)
	if err != nil {
		return nil, err
	}
	return json.Marshal(overlayJSON{LargestBatchID: int64(o.LargestBatchID), Mutation: mj})
}

// UnmarshalOverlay decodes an overlay.
func UnmarshalOverlay(data []byte) (Overlay, error) {
	var oj overlayJSON
	if err := json.Unmarshal(data, &oj); err != nil {
		return Overlay{}, fmt.Errorf("decode overlay: %w", err)
	}
	m, err := decodeMutation(oj.Mutation)
	if err != nil {
		return Overlay{}, err
	}
	return Overlay{LargestBatchID: BatchID(oj.LargestBatchID), Mutation: m}, nil
}

// MarshalJSON encodes the version as {seconds, nanos}.
func (v SnapshotVersion) MarshalJSON() ([]byte, error) {
	return json.Marshal(versionJSON(v))
}

// UnmarshalJSON decodes {seconds, nanos}.
func (v *SnapshotVersion) UnmarshalJSON(data []byte) error {
	var t timestampJSON
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	*v = versionFromJSON(t)
	return nil
}
