package writepath

import (
	"context"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/cockroachdb/errors"
)

// assertCurrentSnapshot panics when oldDoc was read from an older snapshot
// than the one op is writing in.
func assertCurrentSnapshot(op *txn.Operation, coll *catalog.Collection, oldDoc domain.Snapshotted[domain.Document]) {
	if cur := op.RecoveryUnit.SnapshotId(); oldDoc.SnapshotId != cur {
		panic(errors.AssertionFailedf("update of %s uses a document from snapshot %d, current snapshot is %d",
			coll.NS(), oldDoc.SnapshotId, cur))
	}
}

// checkUpdate runs the checks that must pass before anything is written.
func (e *Engine) checkUpdate(op *txn.Operation, coll *catalog.Collection, oldDoc, newDoc domain.Document) error {
	if err := e.checkUpdateValidation(op, coll, oldDoc, newDoc); err != nil {
		return err
	}
	if err := checkSafeContentOnUpdate(op, coll, oldDoc, newDoc); err != nil {
		return err
	}
	return checkIdUnchanged(coll, oldDoc, newDoc)
}

// prepareUpdate takes the capped lock and reserves image slots. It runs
// after the checks and before the record store is touched.
func (e *Engine) prepareUpdate(ctx context.Context, op *txn.Operation, coll *catalog.Collection, args *domain.CollectionUpdateArgs) error {
	if err := lockCappedMetadata(ctx, op, coll); err != nil {
		return err
	}
	if args.IsRetryableImageWrite() {
		slots, err := e.reserveImageSlots(op, coll, args.OplogSlots)
		if err != nil {
			return err
		}
		args.OplogSlots = slots
	}
	return nil
}

// finishUpdate maintains indexes and notifies the observer once the record
// holds newDoc.
func (e *Engine) finishUpdate(op *txn.Operation, coll *catalog.Collection, loc domain.RecordId,
	oldDoc, newDoc domain.Document, indexesAffected bool, opDebug *metrics.OpDebug,
	args *domain.CollectionUpdateArgs, snapshot domain.SnapshotId) error {
	if indexesAffected {
		inserted, deleted, err := coll.IndexCatalog().UpdateRecord(op, oldDoc, newDoc, args.Update, loc)
		if err != nil {
			return err
		}
		e.trackKeys(op, opDebug, inserted, deleted)
	}
	assertSameSnapshot(op, coll, snapshot)

	args.UpdatedDoc = newDoc
	entryArgs := &domain.OplogUpdateEntryArgs{
		Namespace:   coll.NS(),
		UUID:        coll.UUID().String(),
		UpdateArgs:  args,
		FromMigrate: args.Source == domain.SourceFromMigrate,
	}
	if coll.RecordIdsReplicated() {
		entryArgs.RecordId = loc
	}
	if args.IsRetryableImageWrite() {
		entryArgs.RetryImage = domain.RetryableImageSideCollection
	}
	if err := e.observer.OnUpdate(op, entryArgs); err != nil {
		return err
	}
	e.recordWrite(op, metrics.OpUpdate, 1)
	return nil
}

// UpdateDocument replaces the record at oldLoc with newDoc and returns its
// location. oldDoc must have been read in op's current snapshot.
func (e *Engine) UpdateDocument(ctx context.Context, op *txn.Operation, coll *catalog.Collection,
	oldLoc domain.RecordId, oldDoc domain.Snapshotted[domain.Document], newDoc domain.Document,
	indexesAffected bool, opDebug *metrics.OpDebug, args *domain.CollectionUpdateArgs) (domain.RecordId, error) {
	if err := checkWritable(op, coll); err != nil {
		return domain.RecordId{}, err
	}
	assertCurrentSnapshot(op, coll, oldDoc)
	snapshot := oldDoc.SnapshotId
	newDoc = newDoc.Owned()

	if err := e.checkUpdate(op, coll, oldDoc.Value, newDoc); err != nil {
		return domain.RecordId{}, err
	}
	if err := e.prepareUpdate(ctx, op, coll, args); err != nil {
		return domain.RecordId{}, err
	}
	if err := coll.RecordStore().UpdateRecord(op, oldLoc, newDoc.Raw()); err != nil {
		return domain.RecordId{}, err
	}
	if err := e.finishUpdate(op, coll, oldLoc, oldDoc.Value, newDoc, indexesAffected, opDebug, args, snapshot); err != nil {
		return domain.RecordId{}, err
	}
	return oldLoc, nil
}

// UpdateDocumentWithDamages patches the record at loc in place and returns
// the resulting owned document.
func (e *Engine) UpdateDocumentWithDamages(ctx context.Context, op *txn.Operation, coll *catalog.Collection,
	loc domain.RecordId, oldDoc domain.Snapshotted[domain.Document], damageSource []byte, damages []domain.Damage,
	indexesAffected bool, opDebug *metrics.OpDebug, args *domain.CollectionUpdateArgs) (domain.Document, error) {
	if err := checkWritable(op, coll); err != nil {
		return domain.Document{}, err
	}
	assertCurrentSnapshot(op, coll, oldDoc)
	snapshot := oldDoc.SnapshotId

	patched, err := document.ApplyDamages(oldDoc.Value.Raw(), damageSource, damages)
	if err != nil {
		return domain.Document{}, err
	}
	if err := e.checkUpdate(op, coll, oldDoc.Value, domain.NewDocument(patched)); err != nil {
		return domain.Document{}, err
	}
	if err := e.prepareUpdate(ctx, op, coll, args); err != nil {
		return domain.Document{}, err
	}
	data, err := coll.RecordStore().UpdateWithDamages(op, loc, damageSource, damages)
	if err != nil {
		return domain.Document{}, err
	}
	newDoc := domain.NewDocument(data).Owned()
	if err := e.finishUpdate(op, coll, loc, oldDoc.Value, newDoc, indexesAffected, opDebug, args, snapshot); err != nil {
		return domain.Document{}, err
	}
	return newDoc, nil
}
