package storage

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/google/btree"
)

// pendingWrite is an uncommitted change to a record owned by one recovery unit.
type pendingWrite struct {
	owner   uint64
	data    []byte
	deleted bool
}

type recordEntry struct {
	id        domain.RecordId
	committed []byte // nil until the insert commits
	pending   *pendingWrite
}

func entryLess(a, b *recordEntry) bool { return a.id.Less(b.id) }

// RecordStore is an in-memory multi-version record store. Every write made in
// a unit of work is kept as a pending version owned by that unit's recovery
// unit; a second unit of work touching the same record gets a WriteConflict.
// Commit publishes pending versions, rollback drops them.
//
// Record counts and data size include uncommitted writes and are corrected on
// rollback.
type RecordStore struct {
	ns        string
	keyFormat domain.KeyFormat

	mu      sync.RWMutex
	records *btree.BTreeG[*recordEntry]

	nextId     atomic.Int64
	numRecords atomic.Int64
	dataSize   atomic.Int64

	capped     bool
	maxSize    int64
	maxDocs    int64
	visibility *CappedVisibility
	notifier   *CappedInsertNotifier
}

// NewRecordStore builds an empty store for ns.
func NewRecordStore(ns string, opts ...Option) *RecordStore {
	rs := &RecordStore{
		ns:      ns,
		records: btree.NewG[*recordEntry](32, entryLess),
	}
	for _, opt := range opts {
		opt(rs)
	}
	if rs.capped {
		rs.notifier = NewCappedInsertNotifier()
		if rs.keyFormat == domain.KeyFormatLong {
			rs.visibility = NewCappedVisibility()
		}
	}
	return rs
}

func (rs *RecordStore) Namespace() string { return rs.ns }

func (rs *RecordStore) KeyFormat() domain.KeyFormat { return rs.keyFormat }

func (rs *RecordStore) IsCapped() bool { return rs.capped }

func (rs *RecordStore) CappedMaxSize() int64 { return rs.maxSize }

func (rs *RecordStore) CappedMaxDocs() int64 { return rs.maxDocs }

// CappedVisibility is non-nil for capped stores with Long keys.
func (rs *RecordStore) CappedVisibility() *CappedVisibility { return rs.visibility }

// CappedInsertNotifier is non-nil for capped stores.
func (rs *RecordStore) CappedInsertNotifier() *CappedInsertNotifier { return rs.notifier }

func (rs *RecordStore) NumRecords() int64 { return rs.numRecords.Load() }

func (rs *RecordStore) DataSize() int64 { return rs.dataSize.Load() }

// ReserveRecordIds hands out n increasing Long RecordIds.
func (rs *RecordStore) ReserveRecordIds(n int) ([]domain.RecordId, error) {
	if rs.keyFormat != domain.KeyFormatLong {
		return nil, errors.AssertionFailedf("cannot reserve record ids on a %s keyed store", rs.keyFormat)
	}
	last := rs.nextId.Add(int64(n))
	ids := make([]domain.RecordId, n)
	for i := range ids {
		ids[i] = domain.RecordIdFromLong(last - int64(n) + int64(i) + 1)
	}
	return ids, nil
}

// visible returns the data op can see for e, or nil.
func visible(e *recordEntry, owner uint64) []byte {
	if e.pending != nil && e.pending.owner == owner {
		if e.pending.deleted {
			return nil
		}
		return e.pending.data
	}
	return e.committed
}

func (rs *RecordStore) checkConflict(e *recordEntry, owner uint64) error {
	if e.pending != nil && e.pending.owner != owner {
		return status.WriteConflictError(fmt.Sprintf("record %s in %s has an uncommitted write", e.id, rs.ns))
	}
	return nil
}

// track registers the commit and rollback actions for e the first time op
// writes it.
func (rs *RecordStore) track(op *txn.Operation, e *recordEntry) {
	ru := op.RecoveryUnit
	ru.RegisterChange(func(domain.Timestamp) {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		p := e.pending
		if p == nil {
			return
		}
		e.pending = nil
		if p.deleted {
			rs.records.Delete(e)
			return
		}
		e.committed = p.data
	}, func() {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		e.pending = nil
		if e.committed == nil {
			rs.records.Delete(e)
		}
	})
}

func (rs *RecordStore) adjustCounts(op *txn.Operation, records, size int64) {
	rs.numRecords.Add(records)
	rs.dataSize.Add(size)
	op.RecoveryUnit.OnRollback(func() {
		rs.numRecords.Add(-records)
		rs.dataSize.Add(-size)
	})
}

// InsertRecords inserts all records or none. Records with a null id get a
// fresh Long id, written back into the slice. Non-null timestamps become the
// commit timestamp of the unit of work.
func (rs *RecordStore) InsertRecords(op *txn.Operation, records []domain.Record, timestamps []domain.Timestamp) error {
	if !op.RecoveryUnit.InUnitOfWork() {
		return errors.AssertionFailedf("insert into %s outside a unit of work", redact.Safe(rs.ns))
	}
	owner := op.RecoveryUnit.Id()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	seen := make(map[domain.RecordId]struct{}, len(records))
	for i := range records {
		if records[i].Id.IsNull() {
			if rs.keyFormat != domain.KeyFormatLong {
				return errors.AssertionFailedf("string keyed store %s needs explicit record ids", redact.Safe(rs.ns))
			}
			records[i].Id = domain.RecordIdFromLong(rs.nextId.Add(1))
		} else if rs.keyFormat == domain.KeyFormatLong {
			rs.bumpNextId(records[i].Id.Long())
		}
		id := records[i].Id
		if !id.IsValid() {
			return status.New(status.BadValue, "invalid record id %s", id)
		}
		if _, dup := seen[id]; dup {
			return rs.duplicateRecordId(id)
		}
		seen[id] = struct{}{}
		if e, ok := rs.records.Get(&recordEntry{id: id}); ok {
			if err := rs.checkConflict(e, owner); err != nil {
				return err
			}
			if visible(e, owner) != nil {
				return rs.duplicateRecordId(id)
			}
		}
	}

	var size int64
	for _, r := range records {
		data := append([]byte(nil), r.Data...)
		p := &pendingWrite{owner: owner, data: data}
		if e, ok := rs.records.Get(&recordEntry{id: r.Id}); ok {
			// Re-insert of a record this unit of work deleted.
			rs.stage(op, e, p)
		} else {
			e = &recordEntry{id: r.Id, pending: p}
			rs.records.ReplaceOrInsert(e)
			rs.track(op, e)
		}
		size += int64(len(data))
	}
	rs.adjustCounts(op, int64(len(records)), size)

	for _, ts := range timestamps {
		if ts.IsNull() || ts < op.RecoveryUnit.Timestamp() {
			continue
		}
		if err := op.RecoveryUnit.SetTimestamp(ts); err != nil {
			return err
		}
	}
	return nil
}

// InsertRecord inserts a single record and returns its id.
func (rs *RecordStore) InsertRecord(op *txn.Operation, id domain.RecordId, data []byte, ts domain.Timestamp) (domain.RecordId, error) {
	records := []domain.Record{{Id: id, Data: data}}
	if err := rs.InsertRecords(op, records, []domain.Timestamp{ts}); err != nil {
		return domain.RecordId{}, err
	}
	return records[0].Id, nil
}

func (rs *RecordStore) bumpNextId(v int64) {
	for {
		cur := rs.nextId.Load()
		if v <= cur || rs.nextId.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (rs *RecordStore) duplicateRecordId(id domain.RecordId) error {
	return status.New(status.DuplicateKey, "duplicate record id %s in %s", id, redact.Safe(rs.ns))
}

// FindRecord returns the version of id visible to op.
func (rs *RecordStore) FindRecord(op *txn.Operation, id domain.RecordId) (domain.Record, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	e, ok := rs.records.Get(&recordEntry{id: id})
	if !ok {
		return domain.Record{}, false
	}
	data := visible(e, op.RecoveryUnit.Id())
	if data == nil {
		return domain.Record{}, false
	}
	return domain.Record{Id: id, Data: data}, true
}

// writable returns the entry for id after checking op can write it.
func (rs *RecordStore) writable(op *txn.Operation, id domain.RecordId) (*recordEntry, []byte, error) {
	if !op.RecoveryUnit.InUnitOfWork() {
		return nil, nil, errors.AssertionFailedf("write to %s outside a unit of work", redact.Safe(rs.ns))
	}
	e, ok := rs.records.Get(&recordEntry{id: id})
	if !ok {
		return nil, nil, status.New(status.NoSuchKey, "record %s not found in %s", id, redact.Safe(rs.ns))
	}
	owner := op.RecoveryUnit.Id()
	if err := rs.checkConflict(e, owner); err != nil {
		return nil, nil, err
	}
	cur := visible(e, owner)
	if cur == nil {
		return nil, nil, status.New(status.NoSuchKey, "record %s not found in %s", id, redact.Safe(rs.ns))
	}
	return e, cur, nil
}

func (rs *RecordStore) stage(op *txn.Operation, e *recordEntry, p *pendingWrite) {
	if e.pending == nil {
		rs.track(op, e)
	}
	e.pending = p
}

// UpdateRecord replaces the data of id.
func (rs *RecordStore) UpdateRecord(op *txn.Operation, id domain.RecordId, data []byte) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	e, cur, err := rs.writable(op, id)
	if err != nil {
		return err
	}
	data = append([]byte(nil), data...)
	rs.stage(op, e, &pendingWrite{owner: op.RecoveryUnit.Id(), data: data})
	rs.adjustCounts(op, 0, int64(len(data)-len(cur)))
	return nil
}

// UpdateWithDamages patches the data of id and returns the new bytes.
func (rs *RecordStore) UpdateWithDamages(op *txn.Operation, id domain.RecordId, source []byte, damages []domain.Damage) ([]byte, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	e, cur, err := rs.writable(op, id)
	if err != nil {
		return nil, err
	}
	data, err := document.ApplyDamages(cur, source, damages)
	if err != nil {
		return nil, err
	}
	rs.stage(op, e, &pendingWrite{owner: op.RecoveryUnit.Id(), data: data})
	rs.adjustCounts(op, 0, int64(len(data)-len(cur)))
	return data, nil
}

// DeleteRecord removes id.
func (rs *RecordStore) DeleteRecord(op *txn.Operation, id domain.RecordId) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	e, cur, err := rs.writable(op, id)
	if err != nil {
		return err
	}
	rs.stage(op, e, &pendingWrite{owner: op.RecoveryUnit.Id(), deleted: true})
	rs.adjustCounts(op, -1, -int64(len(cur)))
	return nil
}

// Scan calls fn for each record visible to op in RecordId order until fn
// returns false. fn must not write to the store.
func (rs *RecordStore) Scan(op *txn.Operation, fn func(domain.Record) bool) {
	owner := op.RecoveryUnit.Id()
	rs.scan(func(e *recordEntry) ([]byte, bool) { return visible(e, owner), false }, fn)
}

// NextRecord returns the first record visible to op with an id after the
// given one. A null id starts from the beginning.
func (rs *RecordStore) NextRecord(op *txn.Operation, after domain.RecordId) (domain.Record, bool) {
	owner := op.RecoveryUnit.Id()
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	var rec domain.Record
	rs.records.AscendGreaterOrEqual(&recordEntry{id: after}, func(e *recordEntry) bool {
		if !after.IsNull() && !after.Less(e.id) {
			return true
		}
		if data := visible(e, owner); data != nil {
			rec = domain.Record{Id: e.id, Data: data}
			return false
		}
		return true
	})
	return rec, !rec.Id.IsNull()
}

// ScanCommitted iterates committed records only.
func (rs *RecordStore) ScanCommitted(fn func(domain.Record) bool) {
	rs.scan(func(e *recordEntry) ([]byte, bool) { return e.committed, false }, fn)
}

// ScanVisible iterates committed records that are before the capped
// visibility frontier, which is what a tailing reader may observe. An insert
// that has not committed yet ends the scan even once its id has left the
// visibility set, so a reader never gets ahead of it.
func (rs *RecordStore) ScanVisible(fn func(domain.Record) bool) {
	if rs.visibility == nil {
		rs.ScanCommitted(fn)
		return
	}
	rs.scan(func(e *recordEntry) ([]byte, bool) {
		if e.committed == nil || !rs.visibility.IsVisible(e.id) {
			return nil, true
		}
		return e.committed, false
	}, fn)
}

// scanBatchSize bounds how many records a scan copies per pass over the tree.
const scanBatchSize = 64

// picker returns the data to report for e, or nil to skip it. stop ends the
// scan before e.
type picker func(e *recordEntry) (data []byte, stop bool)

// scan copies records out in batches so that fn runs without the store lock
// and an early stop does not pay for the rest of the store.
func (rs *RecordStore) scan(pick picker, fn func(domain.Record) bool) {
	var after domain.RecordId
	for {
		batch, more := rs.scanBatch(pick, after)
		for _, r := range batch {
			if !fn(r) {
				return
			}
		}
		if !more {
			return
		}
		after = batch[len(batch)-1].Id
	}
}

func (rs *RecordStore) scanBatch(pick picker, after domain.RecordId) ([]domain.Record, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]domain.Record, 0, scanBatchSize)
	more := false
	rs.records.AscendGreaterOrEqual(&recordEntry{id: after}, func(e *recordEntry) bool {
		if !after.IsNull() && !after.Less(e.id) {
			return true
		}
		data, stop := pick(e)
		if stop {
			return false
		}
		if data == nil {
			return true
		}
		if len(out) == scanBatchSize {
			more = true
			return false
		}
		out = append(out, domain.Record{Id: e.id, Data: data})
		return true
	})
	return out, more
}

// Restore loads committed records directly, bypassing units of work. It is
// used by startup recovery before the store is shared.
func (rs *RecordStore) Restore(records []domain.Record) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range records {
		rs.records.ReplaceOrInsert(&recordEntry{id: r.Id, committed: r.Data})
		rs.numRecords.Add(1)
		rs.dataSize.Add(int64(len(r.Data)))
		if rs.keyFormat == domain.KeyFormatLong {
			rs.bumpNextId(r.Id.Long())
		}
	}
}

// NotifyCappedWaitersIfNeeded wakes readers blocked on new capped inserts.
func (rs *RecordStore) NotifyCappedWaitersIfNeeded() {
	if rs.notifier != nil {
		rs.notifier.NotifyAll()
	}
}
