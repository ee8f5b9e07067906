package writepath

import (
	"context"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
)

// DeleteDocument removes the record at loc, reading the pre-image in op's
// snapshot.
func (e *Engine) DeleteDocument(ctx context.Context, op *txn.Operation, coll *catalog.Collection,
	stmtId domain.StmtId, loc domain.RecordId, opDebug *metrics.OpDebug, fromMigrate, noWarn bool,
	storeDeletedDoc domain.StoreDeletedDoc, checkRecordId domain.CheckRecordId, retryable domain.RetryableWrite) error {
	if err := checkWritable(op, coll); err != nil {
		return err
	}
	rec, ok := coll.RecordStore().FindRecord(op, loc)
	if !ok {
		return status.New(status.NoSuchKey, "record %s not found in %s", loc, coll.NS())
	}
	doc := domain.NewSnapshotted(op.RecoveryUnit.SnapshotId(), rec.Document())
	return e.DeleteDocumentSnapshot(ctx, op, coll, stmtId, doc, loc, opDebug, fromMigrate, noWarn,
		storeDeletedDoc, checkRecordId, retryable)
}

// DeleteDocumentSnapshot removes the record at loc given its already read
// pre-image.
func (e *Engine) DeleteDocumentSnapshot(ctx context.Context, op *txn.Operation, coll *catalog.Collection,
	stmtId domain.StmtId, doc domain.Snapshotted[domain.Document], loc domain.RecordId, opDebug *metrics.OpDebug,
	fromMigrate, noWarn bool, storeDeletedDoc domain.StoreDeletedDoc, checkRecordId domain.CheckRecordId,
	retryable domain.RetryableWrite) error {
	if err := checkWritable(op, coll); err != nil {
		return err
	}
	if coll.IsCapped() && op.InMultiDocumentTransaction {
		return status.New(status.IllegalOperation,
			"Cannot remove from a capped collection in a multi-document transaction: %s", coll.NS())
	}
	if err := lockCappedMetadata(ctx, op, coll); err != nil {
		return err
	}
	snapshot := op.RecoveryUnit.SnapshotId()

	preImage := doc.Value.Owned()
	args := domain.OplogDeleteEntryArgs{FromMigrate: fromMigrate}
	e.observer.AboutToDelete(op, coll, preImage, &args)

	if storeDeletedDoc == domain.StoreDeletedDocOn && retryable == domain.RetryableWriteYes {
		args.DeletedDoc = preImage
		args.RetryableFindAndModifyLocation = domain.RetryableImageSideCollection
		slots, err := e.reserveImageSlots(op, coll, nil)
		if err != nil {
			return err
		}
		args.OplogSlots = slots
	}

	keysDeleted, err := coll.IndexCatalog().UnindexRecord(op, preImage, loc, noWarn, checkRecordId)
	if err != nil {
		return err
	}

	if e.failPoints.skipDelete() {
		e.logger.Info("skipping record delete for fail point", "ns", coll.NS().String(), logging.RecordId(loc))
	} else if err := coll.RecordStore().DeleteRecord(op, loc); err != nil {
		return err
	}

	if err := e.observer.OnDelete(op, coll, stmtId, preImage, &args); err != nil {
		return err
	}
	e.trackKeys(op, opDebug, 0, keysDeleted)
	assertSameSnapshot(op, coll, snapshot)
	e.recordWrite(op, metrics.OpDelete, 1)
	return nil
}
