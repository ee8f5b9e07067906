package writepath

import (
	"context"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/txn"
)

// cappedOverLimit reports whether coll exceeds its size or document bound.
func cappedOverLimit(coll *catalog.Collection) bool {
	rs := coll.RecordStore()
	store := coll.Store()
	if rs.DataSize() > store.CappedMaxSize() {
		return true
	}
	return store.CappedMaxDocs() != 0 && rs.NumRecords() > store.CappedMaxDocs()
}

// cappedDeleteUntilBelowConfiguredMaximum deletes the oldest records of a
// capped collection until it is back within bounds. It never deletes
// firstInsertedId or anything newer. Oplog application does not trim; the
// primary's deletes arrive as their own entries.
func (e *Engine) cappedDeleteUntilBelowConfiguredMaximum(ctx context.Context, op *txn.Operation,
	coll *catalog.Collection, firstInsertedId domain.RecordId, opDebug *metrics.OpDebug) error {
	if !coll.IsCapped() || !op.EnforceConstraints {
		return nil
	}

	// Each pass resumes after the previous victim, so a record that stays
	// in place (skipDeletingRecord) is never picked twice.
	deleted := 0
	var cursor domain.RecordId
	for cappedOverLimit(coll) {
		oldest, ok := coll.RecordStore().NextRecord(op, cursor)
		if !ok || oldest.Id.Compare(firstInsertedId) >= 0 {
			break
		}
		cursor = oldest.Id
		doc := domain.NewSnapshotted(op.RecoveryUnit.SnapshotId(), oldest.Document())
		err := e.DeleteDocumentSnapshot(ctx, op, coll, domain.UninitializedStmtId, doc, oldest.Id, nil,
			false, false, domain.StoreDeletedDocOff, domain.CheckRecordIdOff, domain.RetryableWriteNo)
		if err != nil {
			return err
		}
		deleted++
	}

	if deleted > 0 {
		e.logger.Debug("trimmed capped collection", "ns", coll.NS().String(), "deleted", deleted,
			logging.RecordId(firstInsertedId))
		if opDebug != nil {
			opDebug.CappedDeletes += int64(deleted)
			if !op.InMultiDocumentTransaction {
				op.RecoveryUnit.OnRollback(func() { opDebug.CappedDeletes -= int64(deleted) })
			}
		}
		m := e.metrics
		op.RecoveryUnit.OnCommit(func(domain.Timestamp) { m.RecordCappedDeletes(deleted) })
	}
	return nil
}
