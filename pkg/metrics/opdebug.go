package metrics

// OpDebug accumulates counters for a single operation. It belongs to the
// operation's goroutine and is not safe for concurrent use.
type OpDebug struct {
	KeysInserted int64
	KeysDeleted  int64

	NInserted int64
	NModified int64
	NDeleted  int64

	// CappedDeletes counts documents trimmed from capped collections on
	// behalf of this operation.
	CappedDeletes int64
	// WriteConflicts counts retries caused by write conflicts.
	WriteConflicts int64
}

// Reset zeroes all counters.
func (d *OpDebug) Reset() {
	*d = OpDebug{}
}
