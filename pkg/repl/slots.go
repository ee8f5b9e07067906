package repl

import (
	"sync"
	"time"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

// SlotOption configures a SlotReserver.
type SlotOption func(*SlotReserver)

// WithClock sets the wall clock the seconds part of timestamps comes from.
func WithClock(now func() time.Time) SlotOption {
	return func(s *SlotReserver) {
		s.now = now
	}
}

// WithTerm sets the term stamped on reserved slots.
func WithTerm(term int64) SlotOption {
	return func(s *SlotReserver) {
		s.term = term
	}
}

// SlotReserver hands out oplog slots. A reserved slot is a hole in the oplog
// until the unit of work that reserved it commits or rolls back.
type SlotReserver struct {
	mu    sync.Mutex
	now   func() time.Time
	term  int64
	last  domain.Timestamp
	holes *btree.BTreeG[domain.Timestamp]
}

func NewSlotReserver(opts ...SlotOption) *SlotReserver {
	s := &SlotReserver{
		now:   time.Now,
		term:  1,
		holes: btree.NewG[domain.Timestamp](8, func(a, b domain.Timestamp) bool { return a < b }),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetNextOpTimes reserves n strictly increasing slots for op. op must be in
// a unit of work.
func (s *SlotReserver) GetNextOpTimes(op *txn.Operation, n int) ([]domain.OplogSlot, error) {
	if n <= 0 {
		return nil, nil
	}
	if !op.RecoveryUnit.InUnitOfWork() {
		return nil, errors.AssertionFailedf("oplog slots reserved outside a unit of work")
	}

	s.mu.Lock()
	secs := uint32(s.now().Unix())
	slots := make([]domain.OplogSlot, n)
	for i := range slots {
		next := s.last + 1
		if s.last.Secs() < secs {
			next = domain.NewTimestamp(secs, 1)
		}
		s.last = next
		s.holes.ReplaceOrInsert(next)
		slots[i] = domain.OplogSlot{Timestamp: next, Term: s.term}
	}
	s.mu.Unlock()

	release := func() { s.release(slots) }
	op.RecoveryUnit.RegisterChange(func(domain.Timestamp) { release() }, release)
	return slots, nil
}

func (s *SlotReserver) release(slots []domain.OplogSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range slots {
		s.holes.Delete(slot.Timestamp)
	}
}

// AllDurable is the newest timestamp with no open hole at or before it.
func (s *SlotReserver) AllDurable() domain.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if oldest, ok := s.holes.Min(); ok {
		return oldest - 1
	}
	return s.last
}

// LastReserved is the newest timestamp handed out.
func (s *SlotReserver) LastReserved() domain.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// AdvanceTo makes later reservations newer than ts. Recovery calls it with
// the last replayed entry.
func (s *SlotReserver) AdvanceTo(ts domain.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.last {
		s.last = ts
	}
}

// Holes is the number of reserved slots whose unit of work is still open.
func (s *SlotReserver) Holes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holes.Len()
}

func (s *SlotReserver) Term() int64 { return s.term }
