package domain

import (
	"go.mongodb.org/mongo-driver/bson"
)

// IdField is the name of the primary key field every collection document may carry.
const IdField = "_id"

// SafeContentField is the reserved array queryable encryption keeps its tags in.
const SafeContentField = "__safeContent__"

// Document is a BSON document. Views handed out by a RecordStore point into
// storage-owned memory and are not owned; Owned returns a self-contained copy.
type Document struct {
	raw   bson.Raw
	owned bool
}

// NewDocument wraps raw without copying it.
func NewDocument(raw bson.Raw) Document {
	return Document{raw: raw}
}

// NewOwnedDocument wraps raw and takes ownership of it. The caller must not
// mutate raw afterwards.
func NewOwnedDocument(raw bson.Raw) Document {
	return Document{raw: raw, owned: true}
}

// MustMarshal builds a document from any value the bson package can marshal.
// It panics on failure and is meant for tests and fixed literals.
func MustMarshal(v interface{}) Document {
	b, err := bson.Marshal(v)
	if err != nil {
		panic(err)
	}
	return NewOwnedDocument(b)
}

func (d Document) Raw() bson.Raw { return d.raw }

func (d Document) IsEmpty() bool { return len(d.raw) == 0 }

func (d Document) IsOwned() bool { return d.owned }

// Owned returns d if it already owns its bytes, or an owned copy otherwise.
func (d Document) Owned() Document {
	if d.owned {
		return d
	}
	cp := make([]byte, len(d.raw))
	copy(cp, d.raw)
	return Document{raw: cp, owned: true}
}

// Size is the length of the encoded document in bytes.
func (d Document) Size() int { return len(d.raw) }

// Lookup returns the value of a top-level or dotted field and whether it exists.
func (d Document) Lookup(path ...string) (bson.RawValue, bool) {
	if len(d.raw) == 0 {
		return bson.RawValue{}, false
	}
	v, err := d.raw.LookupErr(path...)
	if err != nil {
		return bson.RawValue{}, false
	}
	return v, true
}

// Id returns the _id element value.
func (d Document) Id() (bson.RawValue, bool) {
	return d.Lookup(IdField)
}

// HasField reports whether the top-level field exists.
func (d Document) HasField(name string) bool {
	_, ok := d.Lookup(name)
	return ok
}

func (d Document) String() string {
	if len(d.raw) == 0 {
		return "{}"
	}
	return d.raw.String()
}

// Snapshotted pairs a value with the snapshot it was read from.
type Snapshotted[T any] struct {
	SnapshotId SnapshotId
	Value      T
}

// NewSnapshotted builds a Snapshotted value.
func NewSnapshotted[T any](id SnapshotId, v T) Snapshotted[T] {
	return Snapshotted[T]{SnapshotId: id, Value: v}
}

// Record is a RecordId with the stored bytes.
type Record struct {
	Id   RecordId
	Data []byte
}

// Document returns an unowned view over the record bytes.
func (r Record) Document() Document {
	return NewDocument(r.Data)
}

// BsonRecord is what the index catalog consumes: the id and the parsed document.
type BsonRecord struct {
	Id  RecordId
	Ts  Timestamp
	Doc Document
}
