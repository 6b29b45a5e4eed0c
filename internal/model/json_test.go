package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueJSON_RoundTrip(t *testing.T) {
	values := []Value{
		NullValue{},
		BooleanValue(true),
		IntegerValue(math.MaxInt64),
		DoubleValue(math.Inf(-1)),
		DoubleValue(math.NaN()),
		DoubleValue(2.5),
		TimestampValue{Seconds: 12, Nanos: 34},
		ServerTimestampValue{Local: Timestamp{Seconds: 1}, Previous: StringValue("p")},
		StringValue("héllo"),
		BytesValue{0xde, 0xad},
		ReferenceValue(MustKey("rooms/eros")),
		GeoPointValue{Latitude: -12.5, Longitude: 40},
		ArrayValue{IntegerValue(1), DoubleValue(1)},
		MapValue{"nested": MapValue{"k": BooleanValue(false)}},
	}
	for _, v := range values {
		data, err := MarshalValue(v)
		require.NoError(t, err)

		back, err := UnmarshalValue(data)
		require.NoError(t, err, string(data))
		assert.True(t, ValuesEqual(v, back), "round trip of %s", data)
		assert.Equal(t, TypeOrder(v), TypeOrder(back))
	}
}

func TestValueJSON_IntegersStayIntegers(t *testing.T) {
	data, err := MarshalValue(IntegerValue(1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"integer":"1"}`, string(data))

	back, err := UnmarshalValue(data)
	require.NoError(t, err)
	assert.IsType(t, IntegerValue(0), back)
}

func TestValueJSON_Rejects(t *testing.T) {
	for _, bad := range []string{
		`{}`,
		`{"integer":"1","string":"x"}`,
		`{"mystery":1}`,
		`{"double":"sometimes"}`,
		`{"geo_point":[1]}`,
	} {
		_, err := UnmarshalValue([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestDocumentJSON_RoundTrip(t *testing.T) {
	doc := NewFoundDocument(MustKey("c/d"), VersionFromMicros(42), NewObjectValue(MapValue{"a": IntegerValue(1)})).
		SetReadTime(VersionFromMicros(50))

	data, err := MarshalDocument(doc)
	require.NoError(t, err)
	back, err := UnmarshalDocument(data)
	require.NoError(t, err)

	assert.True(t, doc.Equal(back))
	assert.Equal(t, doc.CreateTime(), back.CreateTime())

	tomb := NewNoDocument(MustKey("c/e"), VersionFromMicros(7))
	data, err = MarshalDocument(tomb)
	require.NoError(t, err)
	back, err = UnmarshalDocument(data)
	require.NoError(t, err)
	assert.True(t, back.IsNoDocument())
	assert.True(t, tomb.Equal(back))
}

func TestBatchJSON_RoundTrip(t *testing.T) {
	batch := &MutationBatch{
		BatchID:        9,
		LocalWriteTime: Timestamp{Seconds: 3, Nanos: 4},
		Mutations: []Mutation{
			NewSetMutation(MustKey("c/a"), NewObjectValue(MapValue{"x": IntegerValue(1)}), ServerTimestamp(NewFieldPath("t"))),
			NewPatchMutation(MustKey("c/b"), NewObjectValue(MapValue{"y": StringValue("z")}),
				NewFieldMask(NewFieldPath("y"), NewFieldPath("gone")), MustExist(true),
				Increment(NewFieldPath("n"), IntegerValue(2)), ArrayUnion(NewFieldPath("arr"), StringValue("q"))),
			NewDeleteMutation(MustKey("c/c"), MustMatchUpdateTime(VersionFromMicros(77))),
			NewVerifyMutation(MustKey("c/d"), MustExist(false)),
		},
	}

	data, err := MarshalBatch(batch)
	require.NoError(t, err)
	back, err := UnmarshalBatch(data)
	require.NoError(t, err)

	assert.True(t, batch.Equal(back))
}

func TestOverlayJSON_RoundTrip(t *testing.T) {
	o := Overlay{
		LargestBatchID: 5,
		Mutation:       NewPatchMutation(MustKey("c/a"), NewObjectValue(MapValue{"a": IntegerValue(1)}), NewFieldMask(NewFieldPath("a")), MustExist(true)),
	}
	data, err := MarshalOverlay(o)
	require.NoError(t, err)
	back, err := UnmarshalOverlay(data)
	require.NoError(t, err)

	assert.Equal(t, o.LargestBatchID, back.LargestBatchID)
	assert.True(t, o.Mutation.Equal(back.Mutation))
	assert.Equal(t, MustKey("c/a"), back.Key())
}

func TestSnapshotVersionJSON(t *testing.T) {
	v := VersionFromMicros(1_500_000)
	data, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"seconds":1,"nanos":500000000}`, string(data))

	var back SnapshotVersion
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, v, back)
}
