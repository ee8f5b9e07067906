package status

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"go.mongodb.org/mongo-driver/bson"
)

// DuplicateKeyInfo describes the index a duplicate was found in.
type DuplicateKeyInfo struct {
	IndexName  string
	KeyPattern bson.Raw
	KeyValue   bson.Raw
}

// DuplicateKeyError builds the error reported when a unique index or a
// clustered key rejects a write.
func DuplicateKeyError(ns, indexName string, keyPattern, keyValue bson.Raw) error {
	info := &DuplicateKeyInfo{IndexName: indexName, KeyPattern: keyPattern, KeyValue: keyValue}
	return &Error{
		code: DuplicateKey,
		cause: errors.NewWithDepthf(1, "E11000 duplicate key error collection: %s index: %s dup key: %s",
			redact.Safe(ns), redact.Safe(indexName), keyValue.String()),
		extra: info,
	}
}

// DuplicateKeyInfoOf returns the duplicate key detail of err, if any.
func DuplicateKeyInfoOf(err error) (*DuplicateKeyInfo, bool) {
	var se *Error
	if !errors.As(err, &se) {
		return nil, false
	}
	info, ok := se.extra.(*DuplicateKeyInfo)
	return info, ok
}
