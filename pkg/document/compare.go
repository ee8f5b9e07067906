package document

import (
	"bytes"
	"math"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// canonicalRank orders BSON types the way the server does when comparing
// values of different types. Numbers share a rank, as do strings and symbols.
func canonicalRank(t bsontype.Type) int {
	switch t {
	case bson.TypeMinKey:
		return -1
	case bson.TypeUndefined:
		return 0
	case bson.TypeNull:
		return 5
	case bson.TypeDouble, bson.TypeInt32, bson.TypeInt64, bson.TypeDecimal128:
		return 10
	case bson.TypeString, bson.TypeSymbol:
		return 15
	case bson.TypeEmbeddedDocument:
		return 20
	case bson.TypeArray:
		return 25
	case bson.TypeBinary:
		return 30
	case bson.TypeObjectID:
		return 35
	case bson.TypeBoolean:
		return 40
	case bson.TypeDateTime:
		return 45
	case bson.TypeTimestamp:
		return 47
	case bson.TypeRegex:
		return 50
	case bson.TypeDBPointer:
		return 55
	case bson.TypeJavaScript:
		return 60
	case bson.TypeCodeWithScope:
		return 65
	case bson.TypeMaxKey:
		return 127
	}
	return 100
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	// NaN sorts before every other number.
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// numberParts splits a numeric value into a float approximation and, for
// integers, the exact value.
func numberParts(v bson.RawValue) (f float64, i int64, isInt bool) {
	switch v.Type {
	case bson.TypeInt32:
		n := int64(v.Int32())
		return float64(n), n, true
	case bson.TypeInt64:
		n := v.Int64()
		return float64(n), n, true
	case bson.TypeDouble:
		return v.Double(), 0, false
	case bson.TypeDecimal128:
		d := v.Decimal128()
		f, err := strconv.ParseFloat(d.String(), 64)
		if err != nil {
			return math.NaN(), 0, false
		}
		return f, 0, false
	}
	return math.NaN(), 0, false
}

func compareNumbers(a, b bson.RawValue) int {
	af, ai, aInt := numberParts(a)
	bf, bi, bInt := numberParts(b)
	if aInt && bInt {
		return cmpInt(ai, bi)
	}
	return cmpFloat(af, bf)
}

func stringOf(v bson.RawValue) string {
	if v.Type == bson.TypeSymbol {
		return v.Symbol()
	}
	return v.StringValue()
}

// Compare orders two BSON values. Strings are compared with collator, which
// may be nil for binary comparison.
func Compare(a, b bson.RawValue, collator *Collator) int {
	ra, rb := canonicalRank(a.Type), canonicalRank(b.Type)
	if ra != rb {
		return cmpInt(int64(ra), int64(rb))
	}

	switch a.Type {
	case bson.TypeMinKey, bson.TypeMaxKey, bson.TypeNull, bson.TypeUndefined:
		return 0
	case bson.TypeDouble, bson.TypeInt32, bson.TypeInt64, bson.TypeDecimal128:
		return compareNumbers(a, b)
	case bson.TypeString, bson.TypeSymbol:
		return collator.CompareString(stringOf(a), stringOf(b))
	case bson.TypeEmbeddedDocument:
		return CompareDocuments(a.Document(), b.Document(), collator)
	case bson.TypeArray:
		return CompareDocuments(bson.Raw(a.Array()), bson.Raw(b.Array()), collator)
	case bson.TypeBinary:
		as, ab := a.Binary()
		bs, bb := b.Binary()
		if c := cmpInt(int64(len(ab)), int64(len(bb))); c != 0 {
			return c
		}
		if c := cmpInt(int64(as), int64(bs)); c != 0 {
			return c
		}
		return bytes.Compare(ab, bb)
	case bson.TypeObjectID:
		ao, bo := a.ObjectID(), b.ObjectID()
		return bytes.Compare(ao[:], bo[:])
	case bson.TypeBoolean:
		ab, bb := a.Boolean(), b.Boolean()
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		}
		return 1
	case bson.TypeDateTime:
		return cmpInt(a.DateTime(), b.DateTime())
	case bson.TypeTimestamp:
		at, ai := a.Timestamp()
		bt, bi := b.Timestamp()
		if c := cmpInt(int64(at), int64(bt)); c != 0 {
			return c
		}
		return cmpInt(int64(ai), int64(bi))
	}
	return bytes.Compare(a.Value, b.Value)
}

// CompareDocuments compares documents element by element: field name first,
// then value. A shorter prefix sorts first.
func CompareDocuments(a, b bson.Raw, collator *Collator) int {
	ae, _ := a.Elements()
	be, _ := b.Elements()
	for i := 0; i < len(ae) && i < len(be); i++ {
		if c := canonicalRankCmp(ae[i].Value(), be[i].Value()); c != 0 {
			return c
		}
		if c := bytes.Compare([]byte(ae[i].Key()), []byte(be[i].Key())); c != 0 {
			return c
		}
		if c := Compare(ae[i].Value(), be[i].Value(), collator); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(ae)), int64(len(be)))
}

func canonicalRankCmp(a, b bson.RawValue) int {
	return cmpInt(int64(canonicalRank(a.Type)), int64(canonicalRank(b.Type)))
}

// Equal reports whether two values compare equal under collator.
func Equal(a, b bson.RawValue, collator *Collator) bool {
	return Compare(a, b, collator) == 0
}
