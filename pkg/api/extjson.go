package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/status"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// maxBodyBytes caps request bodies; a batch of 1000 documents fits.
const maxBodyBytes = 48 << 20

// decodeDocument parses one Extended JSON object, canonical or relaxed. A
// missing _id is generated and placed first.
func decodeDocument(data []byte, defaultId *bson.RawValue) (domain.Document, error) {
	var d bson.D
	if err := bson.UnmarshalExtJSON(data, false, &d); err != nil {
		return domain.Document{}, status.Wrap(status.BadValue, err, "invalid extended JSON document")
	}
	hasId := false
	for _, e := range d {
		if e.Key == domain.IdField {
			hasId = true
			break
		}
	}
	if !hasId {
		var id interface{} = primitive.NewObjectID()
		if defaultId != nil {
			id = *defaultId
		}
		d = append(bson.D{{Key: domain.IdField, Value: id}}, d...)
	}
	raw, err := bson.Marshal(d)
	if err != nil {
		return domain.Document{}, status.Wrap(status.BadValue, err, "document cannot be encoded as BSON")
	}
	return domain.NewOwnedDocument(raw), nil
}

// encodeDocument renders doc as relaxed Extended JSON.
func encodeDocument(doc domain.Document) (json.RawMessage, error) {
	return bson.MarshalExtJSON(doc.Raw(), false, false)
}

// encodeValue renders a single value, such as an _id, as relaxed Extended
// JSON.
func encodeValue(v bson.RawValue) (json.RawMessage, error) {
	doc, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	if err != nil {
		return nil, err
	}
	out, err := bson.MarshalExtJSON(bson.Raw(doc), false, false)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(out, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.V, nil
}

// parseValueParam reads a value, such as an _id, from a URL segment or
// query parameter. Anything that parses as an Extended JSON value is taken
// as that value ("5", "{"$oid":...}"); everything else is a string.
func parseValueParam(s string) bson.RawValue {
	var d bson.D
	if err := bson.UnmarshalExtJSON([]byte(`{"_id":`+s+`}`), false, &d); err == nil && len(d) == 1 {
		if raw, err := bson.Marshal(d); err == nil {
			if id, ok := domain.NewDocument(raw).Id(); ok {
				return id
			}
		}
	}
	raw, _ := bson.Marshal(bson.D{{Key: domain.IdField, Value: s}})
	id, _ := domain.NewDocument(raw).Id()
	return id
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, status.New(status.BadValue, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
