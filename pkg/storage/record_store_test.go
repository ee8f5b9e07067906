package storage

import (
	"context"
	"testing"
	"time"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func doc(t *testing.T, d bson.D) []byte {
	t.Helper()
	b, err := bson.Marshal(d)
	require.NoError(t, err)
	return b
}

func newOp() *txn.Operation {
	return txn.NewOperation(nil)
}

func insertCommitted(t *testing.T, rs *RecordStore, docs ...[]byte) []domain.RecordId {
	t.Helper()
	op := newOp()
	wuow := txn.NewWriteUnitOfWork(op)
	defer wuow.Close()

	records := make([]domain.Record, len(docs))
	for i, d := range docs {
		records[i] = domain.Record{Data: d}
	}
	require.NoError(t, rs.InsertRecords(op, records, nil))
	require.NoError(t, wuow.Commit())

	ids := make([]domain.RecordId, len(records))
	for i, r := range records {
		ids[i] = r.Id
	}
	return ids
}

func TestRecordStore_InsertAssignsIncreasingIds(t *testing.T) {
	rs := NewRecordStore("test.c")
	ids := insertCommitted(t, rs,
		doc(t, bson.D{{Key: "_id", Value: 1}}),
		doc(t, bson.D{{Key: "_id", Value: 2}}),
		doc(t, bson.D{{Key: "_id", Value: 3}}),
	)

	require.Len(t, ids, 3)
	assert.True(t, ids[0].Less(ids[1]))
	assert.True(t, ids[1].Less(ids[2]))
	assert.Equal(t, int64(3), rs.NumRecords())

	op := newOp()
	rec, ok := rs.FindRecord(op, ids[1])
	require.True(t, ok)
	assert.Equal(t, int32(2), rec.Document().Raw().Lookup("_id").Int32())
}

func TestRecordStore_RollbackDiscardsInsert(t *testing.T) {
	rs := NewRecordStore("test.c")
	op := newOp()

	wuow := txn.NewWriteUnitOfWork(op)
	records := []domain.Record{{Data: doc(t, bson.D{{Key: "_id", Value: 1}})}}
	require.NoError(t, rs.InsertRecords(op, records, nil))
	assert.Equal(t, int64(1), rs.NumRecords())

	_, ok := rs.FindRecord(op, records[0].Id)
	assert.True(t, ok, "own write is visible before commit")
	_, ok = rs.FindRecord(newOp(), records[0].Id)
	assert.False(t, ok, "uncommitted write is hidden from others")

	wuow.Close()
	assert.Equal(t, int64(0), rs.NumRecords())
	assert.Equal(t, int64(0), rs.DataSize())
	_, ok = rs.FindRecord(op, records[0].Id)
	assert.False(t, ok)
}

func TestRecordStore_InsertIsAllOrNothing(t *testing.T) {
	rs := NewRecordStore("test.c", WithKeyFormat(domain.KeyFormatString))
	existing := domain.RecordIdFromBytes([]byte("b"))

	op := newOp()
	wuow := txn.NewWriteUnitOfWork(op)
	_, err := rs.InsertRecord(op, existing, doc(t, bson.D{{Key: "_id", Value: "b"}}), 0)
	require.NoError(t, err)
	require.NoError(t, wuow.Commit())

	op = newOp()
	wuow = txn.NewWriteUnitOfWork(op)
	defer wuow.Close()
	err = rs.InsertRecords(op, []domain.Record{
		{Id: domain.RecordIdFromBytes([]byte("a")), Data: doc(t, bson.D{{Key: "_id", Value: "a"}})},
		{Id: existing, Data: doc(t, bson.D{{Key: "_id", Value: "b"}})},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, status.DuplicateKey, status.CodeOf(err))

	_, ok := rs.FindRecord(op, domain.RecordIdFromBytes([]byte("a")))
	assert.False(t, ok)
	assert.Equal(t, int64(1), rs.NumRecords())
}

func TestRecordStore_WriteConflict(t *testing.T) {
	rs := NewRecordStore("test.c")
	ids := insertCommitted(t, rs, doc(t, bson.D{{Key: "_id", Value: 1}, {Key: "a", Value: 1}}))

	first := newOp()
	firstWuow := txn.NewWriteUnitOfWork(first)
	require.NoError(t, rs.UpdateRecord(first, ids[0], doc(t, bson.D{{Key: "_id", Value: 1}, {Key: "a", Value: 2}})))

	second := newOp()
	secondWuow := txn.NewWriteUnitOfWork(second)
	err := rs.DeleteRecord(second, ids[0])
	require.Error(t, err)
	assert.True(t, status.IsWriteConflict(err))
	secondWuow.Close()

	require.NoError(t, firstWuow.Commit())

	rec, ok := rs.FindRecord(newOp(), ids[0])
	require.True(t, ok)
	assert.Equal(t, int32(2), rec.Document().Raw().Lookup("a").Int32())
}

func TestRecordStore_UpdateWithDamagesAndDelete(t *testing.T) {
	rs := NewRecordStore("test.c")
	original := doc(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "a", Value: int32(1)}})
	ids := insertCommitted(t, rs, original)

	op := newOp()
	wuow := txn.NewWriteUnitOfWork(op)
	// Byte 16 is the first byte of the int32 value of "a".
	patched, err := rs.UpdateWithDamages(op, ids[0], []byte{9}, []domain.Damage{{SourceOffset: 0, SourceSize: 1, TargetOffset: 16, TargetSize: 1}})
	require.NoError(t, err)
	assert.Equal(t, int32(9), bson.Raw(patched).Lookup("a").Int32())
	require.NoError(t, wuow.Commit())

	op = newOp()
	wuow = txn.NewWriteUnitOfWork(op)
	require.NoError(t, rs.DeleteRecord(op, ids[0]))
	assert.Equal(t, int64(0), rs.NumRecords())
	require.NoError(t, wuow.Commit())

	_, ok := rs.FindRecord(newOp(), ids[0])
	assert.False(t, ok)
	assert.Equal(t, int64(0), rs.DataSize())

	op = newOp()
	wuow = txn.NewWriteUnitOfWork(op)
	defer wuow.Close()
	err = rs.DeleteRecord(op, ids[0])
	assert.Equal(t, status.NoSuchKey, status.CodeOf(err))
}

func TestRecordStore_TimestampsStampUnitOfWork(t *testing.T) {
	rs := NewRecordStore("test.c")
	op := newOp()
	wuow := txn.NewWriteUnitOfWork(op)
	defer wuow.Close()

	ts := domain.NewTimestamp(100, 2)
	_, err := rs.InsertRecord(op, domain.RecordId{}, doc(t, bson.D{{Key: "_id", Value: 1}}), ts)
	require.NoError(t, err)
	assert.Equal(t, ts, op.RecoveryUnit.Timestamp())
}

func TestRecordStore_ExplicitIdsAdvanceAllocator(t *testing.T) {
	rs := NewRecordStore("test.c")
	op := newOp()
	wuow := txn.NewWriteUnitOfWork(op)
	_, err := rs.InsertRecord(op, domain.RecordIdFromLong(50), doc(t, bson.D{{Key: "_id", Value: 1}}), 0)
	require.NoError(t, err)
	require.NoError(t, wuow.Commit())

	ids, err := rs.ReserveRecordIds(2)
	require.NoError(t, err)
	assert.Equal(t, int64(51), ids[0].Long())
	assert.Equal(t, int64(52), ids[1].Long())
}

func TestCappedVisibility_HidesUncommittedFrontier(t *testing.T) {
	rs := NewRecordStore("test.capped", WithCapped(4096, 0))
	require.NotNil(t, rs.CappedVisibility())
	insertCommitted(t, rs, doc(t, bson.D{{Key: "_id", Value: 1}}))

	// Writer A reserves id 2, writer B reserves id 3 and commits first.
	a := newOp()
	aWuow := txn.NewWriteUnitOfWork(a)
	aIds, err := rs.ReserveRecordIds(1)
	require.NoError(t, err)
	rs.CappedVisibility().RegisterWriter(a, aIds)

	b := newOp()
	bWuow := txn.NewWriteUnitOfWork(b)
	bIds, err := rs.ReserveRecordIds(1)
	require.NoError(t, err)
	rs.CappedVisibility().RegisterWriter(b, bIds)
	_, err = rs.InsertRecord(b, bIds[0], doc(t, bson.D{{Key: "_id", Value: 3}}), 0)
	require.NoError(t, err)
	require.NoError(t, bWuow.Commit())

	var seen []int64
	rs.ScanVisible(func(r domain.Record) bool {
		seen = append(seen, r.Id.Long())
		return true
	})
	assert.Equal(t, []int64{1}, seen, "record 3 stays hidden behind uncommitted record 2")
	assert.Equal(t, aIds[0], rs.CappedVisibility().LowestHidden())

	_, err = rs.InsertRecord(a, aIds[0], doc(t, bson.D{{Key: "_id", Value: 2}}), 0)
	require.NoError(t, err)
	require.NoError(t, aWuow.Commit())

	seen = nil
	rs.ScanVisible(func(r domain.Record) bool {
		seen = append(seen, r.Id.Long())
		return true
	})
	assert.Equal(t, []int64{1, 2, 3}, seen)
	assert.Equal(t, uint64(0), rs.CappedVisibility().InFlight())
}

func TestCappedVisibility_UncommittedInsertIsABarrier(t *testing.T) {
	rs := NewRecordStore("test.capped", WithCapped(4096, 0))
	insertCommitted(t, rs, doc(t, bson.D{{Key: "_id", Value: 1}}))

	a := newOp()
	aWuow := txn.NewWriteUnitOfWork(a)
	aIds, err := rs.ReserveRecordIds(1)
	require.NoError(t, err)
	rs.CappedVisibility().RegisterWriter(a, aIds)

	b := newOp()
	bWuow := txn.NewWriteUnitOfWork(b)
	bIds, err := rs.ReserveRecordIds(1)
	require.NoError(t, err)
	rs.CappedVisibility().RegisterWriter(b, bIds)
	_, err = rs.InsertRecord(b, bIds[0], doc(t, bson.D{{Key: "_id", Value: 3}}), 0)
	require.NoError(t, err)
	require.NoError(t, bWuow.Commit())

	// Runs after A's ids leave the visibility set and before A's record is
	// published.
	var midCommit []int64
	a.RecoveryUnit.RegisterChange(func(domain.Timestamp) {
		rs.ScanVisible(func(r domain.Record) bool {
			midCommit = append(midCommit, r.Id.Long())
			return true
		})
	}, nil)
	_, err = rs.InsertRecord(a, aIds[0], doc(t, bson.D{{Key: "_id", Value: 2}}), 0)
	require.NoError(t, err)
	require.NoError(t, aWuow.Commit())

	assert.Equal(t, []int64{1}, midCommit)
	var seen []int64
	rs.ScanVisible(func(r domain.Record) bool {
		seen = append(seen, r.Id.Long())
		return true
	})
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestScan_StopsEarlyAcrossBatches(t *testing.T) {
	rs := NewRecordStore("test.c")
	docs := make([][]byte, 3*scanBatchSize)
	for i := range docs {
		docs[i] = doc(t, bson.D{{Key: "_id", Value: i}})
	}
	ids := insertCommitted(t, rs, docs...)

	var all []domain.RecordId
	rs.Scan(newOp(), func(r domain.Record) bool {
		all = append(all, r.Id)
		return true
	})
	assert.Equal(t, ids, all)

	n := 0
	rs.ScanCommitted(func(domain.Record) bool {
		n++
		return n < scanBatchSize+1
	})
	assert.Equal(t, scanBatchSize+1, n)
}

func TestNextRecord(t *testing.T) {
	rs := NewRecordStore("test.c")
	ids := insertCommitted(t, rs,
		doc(t, bson.D{{Key: "_id", Value: 1}}),
		doc(t, bson.D{{Key: "_id", Value: 2}}),
		doc(t, bson.D{{Key: "_id", Value: 3}}))

	op := newOp()
	wuow := txn.NewWriteUnitOfWork(op)
	defer wuow.Close()
	require.NoError(t, rs.DeleteRecord(op, ids[1]))

	r, ok := rs.NextRecord(op, domain.RecordId{})
	require.True(t, ok)
	assert.Equal(t, ids[0], r.Id)

	r, ok = rs.NextRecord(op, ids[0])
	require.True(t, ok)
	assert.Equal(t, ids[2], r.Id, "own delete is skipped")

	_, ok = rs.NextRecord(op, ids[2])
	assert.False(t, ok)

	r, ok = rs.NextRecord(newOp(), ids[0])
	require.True(t, ok)
	assert.Equal(t, ids[1], r.Id, "other readers still see the committed record")
}

func TestCappedInsertNotifier(t *testing.T) {
	rs := NewRecordStore("test.capped", WithCapped(4096, 10))
	notifier := rs.CappedInsertNotifier()
	require.NotNil(t, notifier)

	start := notifier.Version()
	woke := make(chan uint64, 1)
	go func() {
		v, err := notifier.Wait(context.Background(), start)
		if err == nil {
			woke <- v
		}
	}()

	rs.NotifyCappedWaitersIfNeeded()
	select {
	case v := <-woke:
		assert.Equal(t, start+1, v)
	case <-time.After(time.Second):
		t.Fatal("waiter not notified")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := notifier.Wait(ctx, notifier.Version())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	notifier.Kill()
	_, err = notifier.Wait(context.Background(), notifier.Version())
	assert.NoError(t, err)
	assert.True(t, notifier.IsDead())
	rs.NotifyCappedWaitersIfNeeded()
}
