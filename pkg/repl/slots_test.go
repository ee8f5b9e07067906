package repl

import (
	"testing"
	"time"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(secs int64) func() time.Time {
	return func() time.Time { return time.Unix(secs, 0) }
}

func TestGetNextOpTimes_Monotonic(t *testing.T) {
	s := NewSlotReserver(WithClock(fixedClock(100)), WithTerm(3))

	op := txn.NewOperation(nil)
	wuow := txn.NewWriteUnitOfWork(op)
	defer wuow.Close()

	first, err := s.GetNextOpTimes(op, 3)
	require.NoError(t, err)
	second, err := s.GetNextOpTimes(op, 2)
	require.NoError(t, err)

	all := append(first, second...)
	require.Len(t, all, 5)
	assert.Equal(t, domain.NewTimestamp(100, 1), all[0].Timestamp)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Less(all[i]), "slot %d", i)
		assert.Equal(t, int64(3), all[i].Term)
	}
	assert.Equal(t, domain.NewTimestamp(100, 5), s.LastReserved())
}

func TestGetNextOpTimes_RequiresUnitOfWork(t *testing.T) {
	s := NewSlotReserver()
	_, err := s.GetNextOpTimes(txn.NewOperation(nil), 1)
	assert.Error(t, err)

	slots, err := s.GetNextOpTimes(txn.NewOperation(nil), 0)
	assert.NoError(t, err)
	assert.Empty(t, slots)
}

func TestAllDurable_TracksHoles(t *testing.T) {
	s := NewSlotReserver(WithClock(fixedClock(50)))

	early := txn.NewOperation(nil)
	earlyWuow := txn.NewWriteUnitOfWork(early)
	earlySlots, err := s.GetNextOpTimes(early, 1)
	require.NoError(t, err)

	late := txn.NewOperation(nil)
	lateWuow := txn.NewWriteUnitOfWork(late)
	lateSlots, err := s.GetNextOpTimes(late, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Holes())

	require.NoError(t, lateWuow.Commit())
	lateWuow.Close()
	assert.Equal(t, earlySlots[0].Timestamp-1, s.AllDurable(), "the earlier hole holds back all-durable")

	earlyWuow.Close()
	assert.Equal(t, 0, s.Holes())
	assert.Equal(t, lateSlots[0].Timestamp, s.AllDurable())
}

func TestAdvanceTo(t *testing.T) {
	s := NewSlotReserver(WithClock(fixedClock(10)))
	s.AdvanceTo(domain.NewTimestamp(20, 4))

	op := txn.NewOperation(nil)
	wuow := txn.NewWriteUnitOfWork(op)
	defer wuow.Close()
	slots, err := s.GetNextOpTimes(op, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.NewTimestamp(20, 5), slots[0].Timestamp)
}
