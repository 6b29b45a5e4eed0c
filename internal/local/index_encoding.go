package local

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"slices"
	"unicode/utf16"

	"github.com/roach88/docsync/internal/model"
)

// Index entries are stored as persistence keys, so each field value is
// encoded into bytes whose lexical order matches model.CompareValues, then
// hex encoded so the key separator can never appear inside a value.
//
// Every encoding is prefix-free: variable-length values end in a terminator
// and containers end in an end marker. That makes inverting the bytes an
// exact reversal of order, which is how descending segments are stored.

// Type tags leave 0x00 free for end markers, escapes and terminators.
const (
	tagNull      byte = 0x10
	tagBoolean   byte = 0x20
	tagNaN       byte = 0x30
	tagNumber    byte = 0x31
	tagTimestamp byte = 0x40
	tagServerTS  byte = 0x48
	tagString    byte = 0x50
	tagBytes     byte = 0x60
	tagReference byte = 0x70
	tagGeoPoint  byte = 0x80
	tagArray     byte = 0x90
	tagMap       byte = 0xa0
)

type indexEncoder struct {
	buf []byte
}

// encodeIndexValue returns the order-preserving encoding of v. Integers and
// doubles share one numeric encoding, so 1 and 1.0 encode identically.
func encodeIndexValue(v model.Value, descending bool) string {
	e := &indexEncoder{}
	e.value(v)
	if descending {
		for i := range e.buf {
			e.buf[i] = ^e.buf[i]
		}
	}
	return hex.EncodeToString(e.buf)
}

func (e *indexEncoder) value(v model.Value) {
	switch tv := v.(type) {
	case nil, model.NullValue:
		e.buf = append(e.buf, tagNull)
	case model.BooleanValue:
		b := byte(0)
		if tv {
			b = 1
		}
		e.buf = append(e.buf, tagBoolean, b)
	case model.IntegerValue:
		e.number(float64(tv))
	case model.DoubleValue:
		e.number(float64(tv))
	case model.TimestampValue:
		e.buf = append(e.buf, tagTimestamp)
		e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(tv.Seconds)^(1<<63))
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(tv.Nanos))
	case model.ServerTimestampValue:
		e.buf = append(e.buf, tagServerTS)
	case model.StringValue:
		e.buf = append(e.buf, tagString)
		e.text(string(tv))
	case model.BytesValue:
		e.buf = append(e.buf, tagBytes)
		e.escaped(tv)
	case model.ReferenceValue:
		e.buf = append(e.buf, tagReference)
		path := model.DocumentKey(tv).Path()
		for i := 0; i < path.Len(); i++ {
			e.text(path.Segment(i))
		}
		e.end()
	case model.GeoPointValue:
		e.buf = append(e.buf, tagGeoPoint)
		e.float(tv.Latitude)
		e.float(tv.Longitude)
	case model.ArrayValue:
		e.buf = append(e.buf, tagArray)
		for _, el := range tv {
			e.value(el)
		}
		e.end()
	case model.MapValue:
		e.buf = append(e.buf, tagMap)
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, model.CompareUTF16)
		for _, k := range keys {
			e.text(k)
			e.value(tv[k])
		}
		e.end()
	}
}

// end closes a container. 0x00 0x00 sorts below every escaped byte and
// every terminator.
func (e *indexEncoder) end() {
	e.buf = append(e.buf, 0x00, 0x00)
}

func (e *indexEncoder) number(f float64) {
	if math.IsNaN(f) {
		e.buf = append(e.buf, tagNaN)
		return
	}
	e.buf = append(e.buf, tagNumber)
	e.float(f)
}

// float maps IEEE 754 bits onto an unsigned order.
func (e *indexEncoder) float(f float64) {
	if f == 0 {
		f = 0 // folds -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits ^= 1 << 63
	}
	e.buf = binary.BigEndian.AppendUint64(e.buf, bits)
}

// text encodes s as UTF-16 code units, matching the string order of
// model.CompareUTF16.
func (e *indexEncoder) text(s string) {
	units := utf16.Encode([]rune(s))
	raw := make([]byte, 0, 2*len(units))
	for _, u := range units {
		raw = binary.BigEndian.AppendUint16(raw, u)
	}
	e.escaped(raw)
}

// escaped writes raw with 0x00 escaped as 0x00 0xff and a 0x00 0x01
// terminator, so shorter strings sort first.
func (e *indexEncoder) escaped(raw []byte) {
	for _, b := range raw {
		if b == 0x00 {
			e.buf = append(e.buf, 0x00, 0xff)
			continue
		}
		e.buf = append(e.buf, b)
	}
	e.buf = append(e.buf, 0x00, 0x01)
}
