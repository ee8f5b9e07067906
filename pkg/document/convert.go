package document

import (
	"github.com/go-json-experiment/json"
	"go.mongodb.org/mongo-driver/bson"
)

// ToMap renders doc as relaxed Extended JSON and decodes it into plain Go
// values. Numbers become float64, ObjectIds become {"$oid": ...} maps.
func ToMap(doc bson.Raw) (map[string]interface{}, error) {
	ext, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(ext, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromExtJSON parses relaxed or canonical Extended JSON into a document.
func FromExtJSON(data []byte) (bson.Raw, error) {
	var d bson.D
	if err := bson.UnmarshalExtJSON(data, false, &d); err != nil {
		return nil, err
	}
	return bson.Marshal(d)
}

// IdDocument returns {_id: id}.
func IdDocument(id bson.RawValue) (bson.Raw, error) {
	return bson.Marshal(bson.D{{Key: "_id", Value: id}})
}
