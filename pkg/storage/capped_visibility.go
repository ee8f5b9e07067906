package storage

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/txn"
)

// CappedVisibility tracks RecordIds reserved by writers that have not yet
// committed or rolled back. Readers of a capped collection must not observe
// any record at or after the lowest such id, otherwise a later commit could
// fill a gap behind them and break insertion order.
type CappedVisibility struct {
	mu          sync.Mutex
	uncommitted *roaring64.Bitmap
}

func NewCappedVisibility() *CappedVisibility {
	return &CappedVisibility{uncommitted: roaring64.New()}
}

// RegisterWriter marks ids as in flight until op's unit of work ends.
func (v *CappedVisibility) RegisterWriter(op *txn.Operation, ids []domain.RecordId) {
	v.mu.Lock()
	for _, id := range ids {
		v.uncommitted.Add(uint64(id.Long()))
	}
	v.mu.Unlock()

	done := func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		for _, id := range ids {
			v.uncommitted.Remove(uint64(id.Long()))
		}
	}
	op.RecoveryUnit.RegisterChange(func(domain.Timestamp) { done() }, done)
}

// LowestHidden returns the lowest uncommitted id, or the null id if none.
func (v *CappedVisibility) LowestHidden() domain.RecordId {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.uncommitted.IsEmpty() {
		return domain.RecordId{}
	}
	return domain.RecordIdFromLong(int64(v.uncommitted.Minimum()))
}

// IsVisible reports whether a committed record at id may be returned to
// readers.
func (v *CappedVisibility) IsVisible(id domain.RecordId) bool {
	lowest := v.LowestHidden()
	return lowest.IsNull() || id.Less(lowest)
}

// InFlight returns the number of uncommitted reserved ids.
func (v *CappedVisibility) InFlight() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.uncommitted.GetCardinality()
}
