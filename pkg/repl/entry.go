package repl

import (
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// OpType is the kind of an oplog entry.
type OpType string

const (
	OpInsert  OpType = "i"
	OpUpdate  OpType = "u"
	OpDelete  OpType = "d"
	OpCommand OpType = "c"
	OpNoop    OpType = "n"
)

// Entry is one oplog entry. O and O2 hold BSON.
type Entry struct {
	Ts        domain.Timestamp `msgpack:"ts"`
	Term      int64            `msgpack:"t"`
	Op        OpType           `msgpack:"op"`
	NS        string           `msgpack:"ns"`
	UUID      string           `msgpack:"ui,omitempty"`
	O         []byte           `msgpack:"o,omitempty"`
	O2        []byte           `msgpack:"o2,omitempty"`
	WallClock int64            `msgpack:"wall"`

	RecordId    *domain.RecordIdRepr `msgpack:"rid,omitempty"`
	FromMigrate bool                 `msgpack:"fromMigrate,omitempty"`
	StmtIds     []domain.StmtId      `msgpack:"stmtId,omitempty"`

	LSID      string `msgpack:"lsid,omitempty"`
	TxnNumber int64  `msgpack:"txnNumber,omitempty"`
	// NeedsRetryImage names the image stored in the image collection for
	// this entry, "preImage" or "postImage".
	NeedsRetryImage string `msgpack:"needsRetryImage,omitempty"`

	Checksum uint64 `msgpack:"h"`
}

// Slot is the position of the entry.
func (e *Entry) Slot() domain.OplogSlot {
	return domain.OplogSlot{Timestamp: e.Ts, Term: e.Term}
}

// ImageEntry is a retryable findAndModify image kept in the image
// collection, one per session.
type ImageEntry struct {
	LSID      string           `msgpack:"_id"`
	TxnNumber int64            `msgpack:"txnNum"`
	Ts        domain.Timestamp `msgpack:"ts"`
	// EntryTs is the timestamp of the oplog entry that needs the image.
	EntryTs   domain.Timestamp `msgpack:"entryTs"`
	ImageKind string           `msgpack:"imageKind"`
	Image     []byte           `msgpack:"image"`
}

func entryChecksum(e *Entry) (uint64, error) {
	cp := *e
	cp.Checksum = 0
	data, err := msgpack.Marshal(&cp)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}

func encodeEntry(e *Entry) ([]byte, error) {
	sum, err := entryChecksum(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to checksum oplog entry")
	}
	e.Checksum = sum
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal oplog entry")
	}
	return data, nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal oplog entry")
	}
	sum, err := entryChecksum(&e)
	if err != nil {
		return nil, err
	}
	if sum != e.Checksum {
		return nil, errors.Newf("checksum verification failed for oplog entry %s", e.Ts)
	}
	return &e, nil
}
