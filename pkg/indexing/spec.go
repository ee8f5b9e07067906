package indexing

import (
	"fmt"
	"strings"

	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/status"
	"go.mongodb.org/mongo-driver/bson"
)

// IdIndexName is the name of the index every non-clustered collection has
// on _id.
const IdIndexName = "_id_"

// KeyField is one component of an index key pattern.
type KeyField struct {
	Field     string `json:"field" bson:"field" msgpack:"f"`
	Direction int    `json:"direction" bson:"direction" msgpack:"d"`
}

// IndexSpec describes an index.
type IndexSpec struct {
	Name      string                  `json:"name" bson:"name" msgpack:"name"`
	Key       []KeyField              `json:"key" bson:"key" msgpack:"key"`
	Unique    bool                    `json:"unique,omitempty" bson:"unique,omitempty" msgpack:"unique,omitempty"`
	Sparse    bool                    `json:"sparse,omitempty" bson:"sparse,omitempty" msgpack:"sparse,omitempty"`
	Collation *document.CollationSpec `json:"collation,omitempty" bson:"collation,omitempty" msgpack:"collation,omitempty"`
}

// IdIndexSpec is the spec of the _id index.
func IdIndexSpec() IndexSpec {
	return IndexSpec{Name: IdIndexName, Key: []KeyField{{Field: "_id", Direction: 1}}, Unique: true}
}

// Validate checks the spec and fills in a default name.
func (s *IndexSpec) Validate() error {
	if len(s.Key) == 0 {
		return status.New(status.BadValue, "index key pattern cannot be empty")
	}
	for i, k := range s.Key {
		if k.Field == "" {
			return status.New(status.BadValue, "index key field %d is empty", i)
		}
		if k.Direction == 0 {
			s.Key[i].Direction = 1
		} else if k.Direction != 1 && k.Direction != -1 {
			return status.New(status.BadValue, "index direction for %s must be 1 or -1", k.Field)
		}
	}
	if s.Name == "" {
		s.Name = DefaultName(s.Key)
	}
	return nil
}

// IsIdIndex reports whether the spec is the _id index.
func (s IndexSpec) IsIdIndex() bool {
	return len(s.Key) == 1 && s.Key[0].Field == "_id"
}

// KeyPattern renders the key as a document, e.g. {a: 1, b: -1}.
func (s IndexSpec) KeyPattern() bson.Raw {
	d := make(bson.D, 0, len(s.Key))
	for _, k := range s.Key {
		d = append(d, bson.E{Key: k.Field, Value: int32(k.Direction)})
	}
	raw, _ := bson.Marshal(d)
	return raw
}

// DefaultName builds "a_1_b_-1" style names.
func DefaultName(key []KeyField) string {
	parts := make([]string, 0, 2*len(key))
	for _, k := range key {
		parts = append(parts, k.Field, fmt.Sprint(k.Direction))
	}
	return strings.Join(parts, "_")
}
