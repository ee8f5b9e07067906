package writepath

import (
	"context"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/indexing"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
)

// InsertDocument inserts a single statement.
func (e *Engine) InsertDocument(ctx context.Context, op *txn.Operation, coll *catalog.Collection,
	stmt domain.InsertStatement, opDebug *metrics.OpDebug, fromMigrate bool) error {
	return e.InsertDocuments(ctx, op, coll, []domain.InsertStatement{stmt}, opDebug, fromMigrate)
}

// InsertDocuments inserts stmts as one all-or-nothing batch: records,
// index keys, oplog entries and capped trimming. Nothing is written when
// any document is rejected.
func (e *Engine) InsertDocuments(ctx context.Context, op *txn.Operation, coll *catalog.Collection,
	stmts []domain.InsertStatement, opDebug *metrics.OpDebug, fromMigrate bool) error {
	if err := checkWritable(op, coll); err != nil {
		return err
	}
	if len(stmts) == 0 {
		return nil
	}
	if coll.IsCapped() && coll.IndexCatalog().HaveAnyIndexes() && len(stmts) > 1 {
		return status.New(status.OperationCannotBeBatched, "Can't batch inserts into indexed capped collections: %s", coll.NS())
	}
	if err := e.failPoints.checkInsert(coll.NS()); err != nil {
		return err
	}

	hasIdIndex := coll.IndexCatalog().FindIdIndex() != nil
	for _, stmt := range stmts {
		if hasIdIndex && !stmt.Doc.HasField(domain.IdField) {
			return status.New(status.InternalError, "Collection::insertDocument got document without _id for ns: %s", coll.NS())
		}
		if err := e.checkInsertValidation(op, coll, stmt.Doc); err != nil {
			return err
		}
		if err := checkSafeContentOnInsert(op, coll, stmt.Doc); err != nil {
			return err
		}
	}

	snapshot := op.RecoveryUnit.SnapshotId()
	if err := e.insertDocumentsImpl(ctx, op, coll, stmts, opDebug, fromMigrate); err != nil {
		return err
	}
	assertSameSnapshot(op, coll, snapshot)

	if coll.IsCapped() {
		rs := coll.RecordStore()
		op.RecoveryUnit.OnCommit(func(domain.Timestamp) { rs.NotifyCappedWaitersIfNeeded() })
	}
	e.recordWrite(op, metrics.OpInsert, len(stmts))
	return nil
}

func (e *Engine) insertDocumentsImpl(ctx context.Context, op *txn.Operation, coll *catalog.Collection,
	stmts []domain.InsertStatement, opDebug *metrics.OpDebug, fromMigrate bool) error {
	if err := lockCappedMetadata(ctx, op, coll); err != nil {
		return err
	}

	ids, err := recordIdStrategyFor(coll, stmts).assign(op, coll, stmts)
	if err != nil {
		return err
	}
	records := make([]domain.Record, len(stmts))
	timestamps := make([]domain.Timestamp, len(stmts))
	for i, stmt := range stmts {
		records[i] = domain.Record{Id: ids[i], Data: stmt.Doc.Raw()}
		timestamps[i] = stmt.OplogSlot.Timestamp
	}
	if err := coll.RecordStore().InsertRecords(op, records, timestamps); err != nil {
		if coll.IsClustered() && status.Is(err, status.DuplicateKey) {
			return clusteredDuplicateKey(op, coll, stmts, records, err)
		}
		return err
	}

	bsonRecords := make([]domain.BsonRecord, len(records))
	for i, r := range records {
		bsonRecords[i] = domain.BsonRecord{Id: r.Id, Ts: timestamps[i], Doc: stmts[i].Doc}
	}
	keysInserted, err := coll.IndexCatalog().IndexRecords(op, bsonRecords)
	if err != nil {
		return err
	}
	e.trackKeys(op, opDebug, keysInserted, 0)

	if !coll.NS().IsImplicitlyReplicated() {
		var recordIds []domain.RecordId
		if coll.RecordIdsReplicated() {
			recordIds = make([]domain.RecordId, len(records))
			for i, r := range records {
				recordIds[i] = r.Id
			}
		}
		flags := e.fromMigrateFlags(op, coll, stmts, fromMigrate)
		if err := e.observer.OnInserts(op, coll, stmts, recordIds, flags, fromMigrate); err != nil {
			return err
		}
	}

	return e.cappedDeleteUntilBelowConfiguredMaximum(ctx, op, coll, records[0].Id, opDebug)
}

// clusteredDuplicateKey reports a clustered key collision the way a unique
// _id index would.
func clusteredDuplicateKey(op *txn.Operation, coll *catalog.Collection, stmts []domain.InsertStatement, records []domain.Record, cause error) error {
	seen := make(map[domain.RecordId]bool, len(records))
	for i, r := range records {
		_, exists := coll.RecordStore().FindRecord(op, r.Id)
		if !exists && !seen[r.Id] {
			seen[r.Id] = true
			continue
		}
		id, _ := stmts[i].Doc.Id()
		keyValue, err := document.IdDocument(id)
		if err != nil {
			return cause
		}
		pattern := indexing.IdIndexSpec().KeyPattern()
		return status.DuplicateKeyError(coll.NS().String(), indexing.IdIndexName, pattern, keyValue)
	}
	return cause
}

// InsertDocumentForBulkLoader inserts one record without touching the
// index catalog. onRecordInserted receives the record so the loader can
// feed its own index builder. replicatedRecordId is used on collections that
// replicate RecordIds; pass the null id otherwise.
func (e *Engine) InsertDocumentForBulkLoader(ctx context.Context, op *txn.Operation, coll *catalog.Collection,
	doc domain.Document, replicatedRecordId domain.RecordId, onRecordInserted func(domain.Record) error) error {
	if err := checkWritable(op, coll); err != nil {
		return err
	}
	if err := e.failPoints.checkInsert(coll.NS()); err != nil {
		return err
	}
	if err := e.checkInsertValidation(op, coll, doc); err != nil {
		return err
	}
	if err := checkSafeContentOnInsert(op, coll, doc); err != nil {
		return err
	}
	if err := lockCappedMetadata(ctx, op, coll); err != nil {
		return err
	}

	stmt := domain.NewInsertStatement(doc)
	stmt.ReplicatedRecordId = replicatedRecordId
	stmts := []domain.InsertStatement{stmt}
	ids, err := recordIdStrategyFor(coll, stmts).assign(op, coll, stmts)
	if err != nil {
		return err
	}
	loc, err := coll.RecordStore().InsertRecord(op, ids[0], doc.Raw(), 0)
	if err != nil {
		return err
	}
	if onRecordInserted != nil {
		if err := onRecordInserted(domain.Record{Id: loc, Data: doc.Raw()}); err != nil {
			return err
		}
	}

	if !coll.NS().IsImplicitlyReplicated() {
		var recordIds []domain.RecordId
		if coll.RecordIdsReplicated() {
			recordIds = []domain.RecordId{loc}
		}
		if err := e.observer.OnInserts(op, coll, stmts, recordIds, []bool{false}, false); err != nil {
			return err
		}
	}
	if err := e.cappedDeleteUntilBelowConfiguredMaximum(ctx, op, coll, loc, nil); err != nil {
		return err
	}
	e.recordWrite(op, metrics.OpInsert, 1)
	return nil
}
