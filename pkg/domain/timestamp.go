package domain

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Timestamp is a logical cluster time: seconds in the high 32 bits and an
// increment in the low 32 bits.
type Timestamp uint64

// NewTimestamp builds a Timestamp from its parts.
func NewTimestamp(secs, inc uint32) Timestamp {
	return Timestamp(uint64(secs)<<32 | uint64(inc))
}

func (t Timestamp) Secs() uint32 { return uint32(t >> 32) }

func (t Timestamp) Inc() uint32 { return uint32(t) }

func (t Timestamp) IsNull() bool { return t == 0 }

func (t Timestamp) BSON() primitive.Timestamp {
	return primitive.Timestamp{T: t.Secs(), I: t.Inc()}
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(%d, %d)", t.Secs(), t.Inc())
}

// ParseTimestamp accepts "secs.inc" or plain "secs".
func ParseTimestamp(s string) (Timestamp, error) {
	secsPart, incPart, hasInc := strings.Cut(strings.TrimSpace(s), ".")
	secs, err := strconv.ParseUint(secsPart, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	var inc uint64
	if hasInc {
		if inc, err = strconv.ParseUint(incPart, 10, 32); err != nil {
			return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	return NewTimestamp(uint32(secs), uint32(inc)), nil
}

// OplogSlot is a reserved position in the oplog.
type OplogSlot struct {
	Timestamp Timestamp `msgpack:"ts"`
	Term      int64     `msgpack:"t"`
}

func (s OplogSlot) IsNull() bool { return s.Timestamp.IsNull() }

func (s OplogSlot) Less(other OplogSlot) bool {
	if s.Timestamp != other.Timestamp {
		return s.Timestamp < other.Timestamp
	}
	return s.Term < other.Term
}

func (s OplogSlot) String() string {
	return fmt.Sprintf("{ts: %s, t: %d}", s.Timestamp, s.Term)
}

// SnapshotId identifies a storage snapshot. Two reads that observe the same
// id observed the same catalog and storage state.
type SnapshotId uint64
