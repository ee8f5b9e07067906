package domain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
)

// KeyFormat is the physical key type of a RecordStore.
type KeyFormat int

const (
	KeyFormatLong KeyFormat = iota
	KeyFormatString
)

func (f KeyFormat) String() string {
	switch f {
	case KeyFormatLong:
		return "long"
	case KeyFormatString:
		return "string"
	default:
		return "unknown"
	}
}

// Long RecordIds must fall strictly between these sentinels.
const (
	MinReservedLong int64 = 0
	MaxReservedLong int64 = math.MaxInt64 - (1 << 20)
)

// MaxStringRecordIdSize bounds clustered keys.
const MaxStringRecordIdSize = 8 * 1024 * 1024

// RecordId identifies a record within a RecordStore. The zero value is the
// null id. RecordIds are comparable and can be used as map keys.
type RecordId struct {
	format KeyFormat
	long   int64
	str    string
	set    bool
}

// RecordIdFromLong builds a Long RecordId.
func RecordIdFromLong(v int64) RecordId {
	return RecordId{format: KeyFormatLong, long: v, set: true}
}

// RecordIdFromBytes builds a String RecordId from a key produced by a clustered
// key encoder.
func RecordIdFromBytes(b []byte) RecordId {
	return RecordId{format: KeyFormatString, str: string(b), set: true}
}

func (id RecordId) IsNull() bool { return !id.set }

func (id RecordId) Format() KeyFormat { return id.format }

// Long returns the integer value. Only meaningful for Long ids.
func (id RecordId) Long() int64 { return id.long }

// Bytes returns the key bytes. Only meaningful for String ids.
func (id RecordId) Bytes() []byte { return []byte(id.str) }

// IsValid reports whether the id may address a user record.
func (id RecordId) IsValid() bool {
	if !id.set {
		return false
	}
	if id.format == KeyFormatLong {
		return id.long > MinReservedLong && id.long < MaxReservedLong
	}
	return len(id.str) > 0 && len(id.str) <= MaxStringRecordIdSize
}

// Compare orders null ids first, then Long ids numerically, then String ids
// bytewise.
func (id RecordId) Compare(other RecordId) int {
	if !id.set || !other.set {
		switch {
		case id.set == other.set:
			return 0
		case !id.set:
			return -1
		default:
			return 1
		}
	}
	if id.format != other.format {
		if id.format < other.format {
			return -1
		}
		return 1
	}
	if id.format == KeyFormatLong {
		switch {
		case id.long < other.long:
			return -1
		case id.long > other.long:
			return 1
		}
		return 0
	}
	return bytes.Compare([]byte(id.str), []byte(other.str))
}

func (id RecordId) Less(other RecordId) bool { return id.Compare(other) < 0 }

func (id RecordId) String() string {
	if !id.set {
		return "RecordId(null)"
	}
	if id.format == KeyFormatLong {
		return strconv.FormatInt(id.long, 10)
	}
	return hex.EncodeToString([]byte(id.str))
}

// RecordIdRepr is the serialisable form used by the oplog and checkpoints.
type RecordIdRepr struct {
	Format KeyFormat `msgpack:"f"`
	Long   int64     `msgpack:"l,omitempty"`
	Str    []byte    `msgpack:"s,omitempty"`
}

func (id RecordId) Repr() *RecordIdRepr {
	if !id.set {
		return nil
	}
	return &RecordIdRepr{Format: id.format, Long: id.long, Str: id.Bytes()}
}

// RecordId converts the repr back. A nil repr is the null id.
func (r *RecordIdRepr) RecordId() (RecordId, error) {
	if r == nil {
		return RecordId{}, nil
	}
	switch r.Format {
	case KeyFormatLong:
		return RecordIdFromLong(r.Long), nil
	case KeyFormatString:
		return RecordIdFromBytes(r.Str), nil
	}
	return RecordId{}, fmt.Errorf("unknown record id format %d", r.Format)
}
