package indexing

import (
	"strings"

	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/status"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	nullValue      = bson.RawValue{Type: bson.TypeNull}
	undefinedValue = bson.RawValue{Type: bson.TypeUndefined}
)

// Key is the tuple of values an index stores for one document.
type Key []bson.RawValue

// keysFor extracts the index keys for doc. A top-level array in one key
// field makes the index multikey and yields one key per distinct element.
// Missing fields index as null unless the index is sparse and every field is
// missing.
func keysFor(spec IndexSpec, collator *document.Collator, doc domain.Document) ([]Key, bool, error) {
	values := make([]bson.RawValue, len(spec.Key))
	arrayField := -1
	present := 0
	for i, k := range spec.Key {
		v, ok := doc.Lookup(strings.Split(k.Field, ".")...)
		if !ok {
			values[i] = nullValue
			continue
		}
		present++
		values[i] = v
		if v.Type == bson.TypeArray {
			if arrayField >= 0 {
				return nil, false, status.New(status.BadValue,
					"cannot index parallel arrays [%s] [%s]", spec.Key[arrayField].Field, k.Field)
			}
			arrayField = i
		}
	}
	if spec.Sparse && present == 0 {
		return nil, false, nil
	}
	if arrayField < 0 {
		return []Key{Key(values)}, false, nil
	}

	elems, err := bson.Raw(values[arrayField].Array()).Values()
	if err != nil {
		return nil, false, status.Wrap(status.BadValue, err, "malformed array in %s", spec.Key[arrayField].Field)
	}
	if len(elems) == 0 {
		elems = []bson.RawValue{undefinedValue}
	}
	keys := make([]Key, 0, len(elems))
	for _, e := range elems {
		k := make(Key, len(values))
		copy(k, values)
		k[arrayField] = e
		if !containsKey(keys, k, spec, collator) {
			keys = append(keys, k)
		}
	}
	return keys, true, nil
}

func containsKey(keys []Key, k Key, spec IndexSpec, collator *document.Collator) bool {
	for _, other := range keys {
		if compareKeys(spec, collator, other, k) == 0 {
			return true
		}
	}
	return false
}

// compareKeys orders keys field by field, honouring each field's direction.
func compareKeys(spec IndexSpec, collator *document.Collator, a, b Key) int {
	for i := range a {
		c := document.Compare(a[i], b[i], collator)
		if c != 0 {
			return c * spec.Key[i].Direction
		}
	}
	return 0
}

// keyDocument renders a key as {field: value, ...} for error messages.
func keyDocument(spec IndexSpec, k Key) bson.Raw {
	d := make(bson.D, len(k))
	for i, v := range k {
		d[i] = bson.E{Key: spec.Key[i].Field, Value: v}
	}
	raw, _ := bson.Marshal(d)
	return raw
}
