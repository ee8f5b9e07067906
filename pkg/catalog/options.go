package catalog

import (
	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// ClusteredIndexSpec makes the collection store records keyed by the cluster
// key instead of an auto-assigned id. Only _id is supported as the key.
type ClusteredIndexSpec struct {
	Name   string `json:"name,omitempty" bson:"name,omitempty" msgpack:"name,omitempty"`
	Key    string `json:"key" bson:"key" msgpack:"key"`
	Unique bool   `json:"unique" bson:"unique" msgpack:"unique"`
}

// CollectionOptions are fixed at creation.
type CollectionOptions struct {
	UUID uuid.UUID `json:"uuid,omitempty" bson:"-" msgpack:"uuid"`

	Capped        bool  `json:"capped,omitempty" bson:"capped,omitempty" msgpack:"capped,omitempty"`
	CappedSize    int64 `json:"size,omitempty" bson:"size,omitempty" msgpack:"size,omitempty"`
	CappedMaxDocs int64 `json:"max,omitempty" bson:"max,omitempty" msgpack:"max,omitempty"`

	Clustered *ClusteredIndexSpec     `json:"clusteredIndex,omitempty" bson:"clusteredIndex,omitempty" msgpack:"clusteredIndex,omitempty"`
	Collation *document.CollationSpec `json:"collation,omitempty" bson:"collation,omitempty" msgpack:"collation,omitempty"`

	Validator        bson.Raw `json:"-" bson:"validator,omitempty" msgpack:"validator,omitempty"`
	ValidationLevel  string   `json:"validationLevel,omitempty" bson:"validationLevel,omitempty" msgpack:"validationLevel,omitempty"`
	ValidationAction string   `json:"validationAction,omitempty" bson:"validationAction,omitempty" msgpack:"validationAction,omitempty"`

	// EncryptedFieldConfig is set on queryable encryption collections.
	EncryptedFieldConfig bson.Raw `json:"-" bson:"encryptedFields,omitempty" msgpack:"encryptedFields,omitempty"`

	// RecordIdsReplicated makes the oplog carry RecordIds so secondaries
	// reuse them.
	RecordIdsReplicated bool `json:"recordIdsReplicated,omitempty" bson:"recordIdsReplicated,omitempty" msgpack:"recordIdsReplicated,omitempty"`
}

// Validate checks option combinations.
func (o *CollectionOptions) Validate() error {
	if o.Capped {
		if o.CappedSize <= 0 {
			return status.New(status.BadValue, "capped collections need a positive size")
		}
		if o.CappedMaxDocs < 0 {
			return status.New(status.BadValue, "max must not be negative")
		}
	} else if o.CappedSize != 0 || o.CappedMaxDocs != 0 {
		return status.New(status.BadValue, "size and max are only valid for capped collections")
	}
	if o.Clustered != nil {
		if o.Clustered.Key == "" {
			o.Clustered.Key = "_id"
		}
		if o.Clustered.Key != "_id" {
			return status.New(status.BadValue, "only _id is supported as the cluster key")
		}
		if o.Clustered.Name == "" {
			o.Clustered.Name = "_id_"
		}
		o.Clustered.Unique = true
		if o.RecordIdsReplicated {
			return status.New(status.BadValue, "clustered collections cannot replicate record ids")
		}
	}
	return nil
}
