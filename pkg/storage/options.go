package storage

import "github.com/adfharrison1/collwrite/pkg/domain"

// Option configures a RecordStore.
type Option func(*RecordStore)

// WithKeyFormat sets the RecordId format. Clustered collections use
// KeyFormatString.
func WithKeyFormat(f domain.KeyFormat) Option {
	return func(rs *RecordStore) {
		rs.keyFormat = f
	}
}

// WithCapped makes the store capped with the given bounds. maxDocs of zero
// means unbounded by count.
func WithCapped(maxSize, maxDocs int64) Option {
	return func(rs *RecordStore) {
		rs.capped = true
		rs.maxSize = maxSize
		rs.maxDocs = maxDocs
	}
}
