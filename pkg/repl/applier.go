package repl

import (
	"context"
	"strings"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// Writer is the part of the write path the applier replays through.
type Writer interface {
	InsertDocuments(ctx context.Context, op *txn.Operation, coll *catalog.Collection,
		stmts []domain.InsertStatement, opDebug *metrics.OpDebug, fromMigrate bool) error
	UpdateDocument(ctx context.Context, op *txn.Operation, coll *catalog.Collection,
		oldLoc domain.RecordId, oldDoc domain.Snapshotted[domain.Document], newDoc domain.Document,
		indexesAffected bool, opDebug *metrics.OpDebug, args *domain.CollectionUpdateArgs) (domain.RecordId, error)
	DeleteDocument(ctx context.Context, op *txn.Operation, coll *catalog.Collection,
		stmtId domain.StmtId, loc domain.RecordId, opDebug *metrics.OpDebug, fromMigrate, noWarn bool,
		storeDeletedDoc domain.StoreDeletedDoc, checkRecordId domain.CheckRecordId, retryable domain.RetryableWrite) error
}

// Applier replays oplog entries into the catalog. Writes it makes are not
// logged again and do not trim capped collections.
type Applier struct {
	catalog *catalog.Catalog
	writer  Writer
	locks   *lock.Manager
	logger  *logging.Logger
}

func NewApplier(cat *catalog.Catalog, writer Writer, locks *lock.Manager, logger *logging.Logger) *Applier {
	return &Applier{
		catalog: cat,
		writer:  writer,
		locks:   locks,
		logger:  logging.OrNoop(logger).WithComponent("applier"),
	}
}

// Apply replays one entry in its own unit of work.
func (a *Applier) Apply(ctx context.Context, e *Entry) error {
	locker := lock.NewLocker(a.locks)
	defer locker.UnlockAll()
	op := txn.NewOperation(locker, txn.WithoutReplication())

	if err := locker.Lock(ctx, lock.GlobalResource, lock.ModeIX); err != nil {
		return err
	}
	wuow := txn.NewWriteUnitOfWork(op)
	defer wuow.Close()

	if err := a.apply(ctx, op, e); err != nil {
		return errors.Wrapf(err, "failed to apply oplog entry %s (%s on %s)", e.Ts, e.Op, e.NS)
	}
	return wuow.Commit()
}

func (a *Applier) apply(ctx context.Context, op *txn.Operation, e *Entry) error {
	if e.Op == OpNoop {
		return nil
	}
	if e.Op == OpCommand {
		return a.applyCommand(op, e)
	}

	coll, ok := a.catalog.Lookup(domain.ParseNamespace(e.NS))
	if !ok {
		return status.New(status.NamespaceNotFound, "collection %s not found", e.NS)
	}
	if err := op.Locker.Lock(ctx, coll.CollectionResource(), lock.ModeIX); err != nil {
		return err
	}

	switch e.Op {
	case OpInsert:
		stmt := domain.NewInsertStatement(domain.NewOwnedDocument(e.O))
		stmt.StmtIds = e.StmtIds
		stmt.OplogSlot = e.Slot()
		if e.RecordId != nil && coll.RecordIdsReplicated() {
			rid, err := e.RecordId.RecordId()
			if err != nil {
				return err
			}
			stmt.ReplicatedRecordId = rid
		}
		return a.writer.InsertDocuments(ctx, op, coll, []domain.InsertStatement{stmt}, nil, e.FromMigrate)

	case OpUpdate:
		id, err := bson.Raw(e.O2).LookupErr(domain.IdField)
		if err != nil {
			return status.Wrap(status.BadValue, err, "update entry %s has no _id in o2", e.Ts)
		}
		loc, oldDoc, found := coll.FindById(op, id)
		if !found {
			return status.New(status.NoSuchKey, "document %s to update not found in %s", id, e.NS)
		}
		args := &domain.CollectionUpdateArgs{
			Update:   domain.NewOwnedDocument(e.O),
			Criteria: domain.NewOwnedDocument(e.O2),
			StmtIds:  e.StmtIds,
		}
		if e.FromMigrate {
			args.Source = domain.SourceFromMigrate
		}
		_, err = a.writer.UpdateDocument(ctx, op, coll, loc, oldDoc, domain.NewOwnedDocument(e.O), true, nil, args)
		return err

	case OpDelete:
		id, err := bson.Raw(e.O).LookupErr(domain.IdField)
		if err != nil {
			return status.Wrap(status.BadValue, err, "delete entry %s has no _id", e.Ts)
		}
		loc, _, found := coll.FindById(op, id)
		if !found {
			return status.New(status.NoSuchKey, "document %s to delete not found in %s", id, e.NS)
		}
		stmtId := domain.UninitializedStmtId
		if len(e.StmtIds) > 0 {
			stmtId = e.StmtIds[0]
		}
		return a.writer.DeleteDocument(ctx, op, coll, stmtId, loc, nil, e.FromMigrate, false,
			domain.StoreDeletedDocOff, domain.CheckRecordIdOff, domain.RetryableWriteNo)
	}
	return status.New(status.BadValue, "unknown oplog entry type %q", e.Op)
}

func (a *Applier) applyCommand(op *txn.Operation, e *Entry) error {
	db := strings.TrimSuffix(e.NS, ".$cmd")
	body := bson.Raw(e.O)

	if _, err := body.LookupErr("create"); err == nil {
		var cmd createCommand
		if err := bson.Unmarshal(body, &cmd); err != nil {
			return errors.Wrap(err, "failed to decode create command")
		}
		if e.UUID != "" {
			id, err := uuid.Parse(e.UUID)
			if err != nil {
				return status.Wrap(status.BadValue, err, "bad collection uuid %q", e.UUID)
			}
			cmd.Options.UUID = id
		}
		_, err := a.catalog.CreateCollection(op, domain.Namespace{DB: db, Coll: cmd.Create}, cmd.Options)
		return err
	}

	if _, err := body.LookupErr("createIndexes"); err == nil {
		var cmd createIndexesCommand
		if err := bson.Unmarshal(body, &cmd); err != nil {
			return errors.Wrap(err, "failed to decode createIndexes command")
		}
		ns := domain.Namespace{DB: db, Coll: cmd.CreateIndexes}
		coll, ok := a.catalog.Lookup(ns)
		if !ok {
			return status.New(status.NamespaceNotFound, "collection %s not found", ns)
		}
		_, err := a.catalog.CreateIndex(op, coll, cmd.Spec)
		return err
	}
	return status.New(status.BadValue, "unknown command in oplog entry %s", e.Ts)
}

// ApplyAll replays every entry after ts and returns the last applied
// timestamp.
func (a *Applier) ApplyAll(ctx context.Context, store *OplogStore, after domain.Timestamp) (domain.Timestamp, int, error) {
	last := after
	n := 0
	err := store.Entries(after, func(e *Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.Apply(ctx, e); err != nil {
			return err
		}
		last = e.Ts
		n++
		return nil
	})
	if err != nil {
		return last, n, err
	}
	if n > 0 {
		a.logger.Info("replayed oplog", "entries", n, logging.Ts(last))
	}
	return last, n, nil
}
