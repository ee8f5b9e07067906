package document

import (
	"encoding/binary"
	"math"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	keyEnd    = 0x00
	keyEscape = 0xFF
)

// EncodeKey writes an order-preserving encoding of v: for any values a and b,
// bytes.Compare(EncodeKey(a), EncodeKey(b)) has the sign of Compare(a, b).
// Clustered collections use it to derive RecordIds from the cluster key.
func EncodeKey(v bson.RawValue, collator *Collator) []byte {
	return appendKey(nil, v, collator)
}

func appendKey(buf []byte, v bson.RawValue, collator *Collator) []byte {
	buf = append(buf, byte(canonicalRank(v.Type)+2))
	switch v.Type {
	case bson.TypeMinKey, bson.TypeMaxKey, bson.TypeNull, bson.TypeUndefined:
		return buf
	case bson.TypeDouble, bson.TypeInt32, bson.TypeInt64, bson.TypeDecimal128:
		f, i, isInt := numberParts(v)
		buf = appendOrderedFloat(buf, f)
		// Integers that do not fit a double exactly keep their remainder so
		// neighbouring values stay distinct.
		var rem int64
		if isInt && !math.IsNaN(f) && f < math.MaxInt64 && f > math.MinInt64 {
			rem = i - int64(f)
		}
		return appendOrderedInt(buf, rem)
	case bson.TypeString, bson.TypeSymbol:
		return appendEscaped(buf, collator.Key(stringOf(v)))
	case bson.TypeEmbeddedDocument:
		return appendDocKey(buf, v.Document(), collator)
	case bson.TypeArray:
		return appendDocKey(buf, bson.Raw(v.Array()), collator)
	case bson.TypeBinary:
		subtype, data := v.Binary()
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
		buf = append(buf, subtype)
		return append(buf, data...)
	case bson.TypeObjectID:
		oid := v.ObjectID()
		return append(buf, oid[:]...)
	case bson.TypeBoolean:
		if v.Boolean() {
			return append(buf, 1)
		}
		return append(buf, 0)
	case bson.TypeDateTime:
		return appendOrderedInt(buf, v.DateTime())
	case bson.TypeTimestamp:
		t, i := v.Timestamp()
		buf = binary.BigEndian.AppendUint32(buf, t)
		return binary.BigEndian.AppendUint32(buf, i)
	}
	return appendEscaped(buf, v.Value)
}

func appendDocKey(buf []byte, doc bson.Raw, collator *Collator) []byte {
	elems, _ := doc.Elements()
	for _, e := range elems {
		buf = append(buf, byte(canonicalRank(e.Value().Type)+2))
		buf = appendEscaped(buf, []byte(e.Key()))
		buf = appendKey(buf, e.Value(), collator)
	}
	return append(buf, keyEnd)
}

// appendEscaped writes b with 0x00 escaped as 0x00 0xFF, then a 0x00 0x00
// terminator, so a prefix sorts before any extension of it.
func appendEscaped(buf, b []byte) []byte {
	for _, c := range b {
		buf = append(buf, c)
		if c == keyEnd {
			buf = append(buf, keyEscape)
		}
	}
	return append(buf, keyEnd, keyEnd)
}

func appendOrderedInt(buf []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(v)^(1<<63))
}

func appendOrderedFloat(buf []byte, f float64) []byte {
	if math.IsNaN(f) {
		return binary.BigEndian.AppendUint64(buf, 0)
	}
	if f == 0 {
		f = 0 // fold -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(buf, bits)
}
