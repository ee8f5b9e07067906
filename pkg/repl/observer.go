package repl

import (
	"sync/atomic"
	"time"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/indexing"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// ImageCollection is the namespace retryable images are logically kept in.
var ImageCollection = domain.Namespace{DB: "config", Coll: "image_collection"}

// CallCounts reports how often each observer hook ran.
type CallCounts struct {
	OnInserts          int64
	OnUpdate           int64
	AboutToDelete      int64
	OnDelete           int64
	OnCreateCollection int64
	OnCreateIndex      int64
}

// OpObserver turns committed writes into oplog entries.
type OpObserver struct {
	store  *OplogStore
	slots  *SlotReserver
	logger *logging.Logger
	now    func() time.Time

	inserts, updates, aboutToDeletes, deletes, creates, createIndexes atomic.Int64
}

func NewOpObserver(store *OplogStore, slots *SlotReserver, logger *logging.Logger) *OpObserver {
	return &OpObserver{
		store:  store,
		slots:  slots,
		logger: logging.OrNoop(logger).WithComponent("opObserver"),
		now:    time.Now,
	}
}

// Calls returns the hook call counts.
func (o *OpObserver) Calls() CallCounts {
	return CallCounts{
		OnInserts:          o.inserts.Load(),
		OnUpdate:           o.updates.Load(),
		AboutToDelete:      o.aboutToDeletes.Load(),
		OnDelete:           o.deletes.Load(),
		OnCreateCollection: o.creates.Load(),
		OnCreateIndex:      o.createIndexes.Load(),
	}
}

func (o *OpObserver) replicated(op *txn.Operation, ns domain.Namespace) bool {
	return op.ReplicatedWrites && ns.IsReplicated()
}

// newEntry fills the fields shared by every entry of op.
func (o *OpObserver) newEntry(op *txn.Operation, kind OpType, ns string, slot domain.OplogSlot) *Entry {
	e := &Entry{
		Ts:        slot.Timestamp,
		Term:      slot.Term,
		Op:        kind,
		NS:        ns,
		WallClock: o.now().UnixMilli(),
	}
	if op.Session != nil {
		e.LSID = op.Session.LogicalSessionId.String()
		e.TxnNumber = op.Session.TxnNumber
	}
	return e
}

// stamp moves the unit of work's commit timestamp up to ts.
func stamp(op *txn.Operation, ts domain.Timestamp) error {
	ru := op.RecoveryUnit
	if !ru.InUnitOfWork() || ts <= ru.Timestamp() {
		return nil
	}
	return ru.SetTimestamp(ts)
}

func initializedStmtIds(ids []domain.StmtId) []domain.StmtId {
	var out []domain.StmtId
	for _, id := range ids {
		if id != domain.UninitializedStmtId {
			out = append(out, id)
		}
	}
	return out
}

func (o *OpObserver) OnInserts(op *txn.Operation, coll *catalog.Collection, stmts []domain.InsertStatement,
	recordIds []domain.RecordId, fromMigrate []bool, defaultFromMigrate bool) error {
	o.inserts.Add(1)
	if !o.replicated(op, coll.NS()) || len(stmts) == 0 {
		return nil
	}

	missing := 0
	for _, stmt := range stmts {
		if stmt.OplogSlot.IsNull() {
			missing++
		}
	}
	reserved, err := o.slots.GetNextOpTimes(op, missing)
	if err != nil {
		return err
	}

	entries := make([]*Entry, len(stmts))
	for i, stmt := range stmts {
		slot := stmt.OplogSlot
		if slot.IsNull() {
			slot, reserved = reserved[0], reserved[1:]
		}
		e := o.newEntry(op, OpInsert, coll.NS().String(), slot)
		e.UUID = coll.UUID().String()
		e.O = stmt.Doc.Raw()
		e.StmtIds = initializedStmtIds(stmt.StmtIds)
		e.FromMigrate = defaultFromMigrate || (i < len(fromMigrate) && fromMigrate[i])
		if i < len(recordIds) {
			e.RecordId = recordIds[i].Repr()
		}
		entries[i] = e
	}
	if err := stamp(op, entries[0].Ts); err != nil {
		return err
	}
	return o.store.Append(op, entries...)
}

// slotsFor returns the pre-reserved slots or reserves one.
func (o *OpObserver) slotsFor(op *txn.Operation, reserved []domain.OplogSlot) ([]domain.OplogSlot, error) {
	if len(reserved) > 0 {
		return reserved, nil
	}
	return o.slots.GetNextOpTimes(op, 1)
}

// putImage writes a retryable image at the lowest slot and marks e.
func (o *OpObserver) putImage(op *txn.Operation, e *Entry, slots []domain.OplogSlot, kind string, image domain.Document) error {
	if len(slots) < 2 {
		return errors.AssertionFailedf("retryable image for %s needs two oplog slots, have %d", e.NS, len(slots))
	}
	if !slots[0].Less(slots[len(slots)-1]) {
		return errors.AssertionFailedf("image slot %s is not before entry slot %s", slots[0], slots[len(slots)-1])
	}
	e.NeedsRetryImage = kind
	return o.store.PutImage(op, &ImageEntry{
		LSID:      e.LSID,
		TxnNumber: e.TxnNumber,
		Ts:        slots[0].Timestamp,
		EntryTs:   e.Ts,
		ImageKind: kind,
		Image:     image.Raw(),
	})
}

func documentKey(doc domain.Document) (bson.Raw, error) {
	id, ok := doc.Id()
	if !ok {
		return nil, status.New(status.InternalError, "document %s has no _id", doc.String())
	}
	return document.IdDocument(id)
}

func (o *OpObserver) OnUpdate(op *txn.Operation, args *domain.OplogUpdateEntryArgs) error {
	o.updates.Add(1)
	if !o.replicated(op, args.Namespace) {
		return nil
	}
	ua := args.UpdateArgs
	slots, err := o.slotsFor(op, ua.OplogSlots)
	if err != nil {
		return err
	}
	key, err := documentKey(ua.UpdatedDoc)
	if err != nil {
		return err
	}

	e := o.newEntry(op, OpUpdate, args.Namespace.String(), slots[len(slots)-1])
	e.UUID = args.UUID
	e.O = ua.UpdatedDoc.Raw()
	e.O2 = key
	e.StmtIds = initializedStmtIds(ua.StmtIds)
	e.FromMigrate = args.FromMigrate
	if !args.RecordId.IsNull() {
		e.RecordId = args.RecordId.Repr()
	}

	if args.RetryImage == domain.RetryableImageSideCollection && ua.StoreDocOption != domain.StoreDocNone {
		image := ua.UpdatedDoc
		if ua.StoreDocOption == domain.StoreDocPreImage {
			image = ua.PreImageDoc
		}
		if err := o.putImage(op, e, slots, ua.StoreDocOption.String(), image); err != nil {
			return err
		}
	}
	if err := stamp(op, slots[0].Timestamp); err != nil {
		return err
	}
	return o.store.Append(op, e)
}

// AboutToDelete captures the document key while the record still exists.
func (o *OpObserver) AboutToDelete(op *txn.Operation, coll *catalog.Collection, doc domain.Document, args *domain.OplogDeleteEntryArgs) {
	o.aboutToDeletes.Add(1)
	if key, err := documentKey(doc); err == nil {
		args.DocumentKey = domain.NewOwnedDocument(key)
	}
}

func (o *OpObserver) OnDelete(op *txn.Operation, coll *catalog.Collection, stmtId domain.StmtId, doc domain.Document, args *domain.OplogDeleteEntryArgs) error {
	o.deletes.Add(1)
	if !o.replicated(op, coll.NS()) {
		return nil
	}
	if args.DocumentKey.IsEmpty() {
		return errors.AssertionFailedf("delete on %s has no document key", coll.NS())
	}
	slots, err := o.slotsFor(op, args.OplogSlots)
	if err != nil {
		return err
	}

	e := o.newEntry(op, OpDelete, coll.NS().String(), slots[len(slots)-1])
	e.UUID = coll.UUID().String()
	e.O = args.DocumentKey.Raw()
	e.StmtIds = initializedStmtIds([]domain.StmtId{stmtId})
	e.FromMigrate = args.FromMigrate

	if args.RetryableFindAndModifyLocation == domain.RetryableImageSideCollection && !args.DeletedDoc.IsEmpty() {
		if err := o.putImage(op, e, slots, domain.StoreDocPreImage.String(), args.DeletedDoc); err != nil {
			return err
		}
	}
	if err := stamp(op, slots[0].Timestamp); err != nil {
		return err
	}
	return o.store.Append(op, e)
}

type createCommand struct {
	Create  string                    `bson:"create"`
	Options catalog.CollectionOptions `bson:",inline"`
}

type createIndexesCommand struct {
	CreateIndexes string             `bson:"createIndexes"`
	Spec          indexing.IndexSpec `bson:"spec"`
}

func commandNamespace(ns domain.Namespace) string {
	return ns.DB + ".$cmd"
}

func (o *OpObserver) logCommand(op *txn.Operation, coll *catalog.Collection, cmd interface{}) error {
	if !o.replicated(op, coll.NS()) {
		return nil
	}
	body, err := bson.Marshal(cmd)
	if err != nil {
		return errors.Wrapf(err, "failed to encode command for %s", coll.NS())
	}
	slots, err := o.slots.GetNextOpTimes(op, 1)
	if err != nil {
		return err
	}
	e := o.newEntry(op, OpCommand, commandNamespace(coll.NS()), slots[0])
	e.UUID = coll.UUID().String()
	e.O = body
	if err := stamp(op, slots[0].Timestamp); err != nil {
		return err
	}
	return o.store.Append(op, e)
}

func (o *OpObserver) OnCreateCollection(op *txn.Operation, coll *catalog.Collection) error {
	o.creates.Add(1)
	return o.logCommand(op, coll, createCommand{Create: coll.NS().Coll, Options: coll.Options()})
}

func (o *OpObserver) OnCreateIndex(op *txn.Operation, coll *catalog.Collection, spec indexing.IndexSpec) error {
	o.createIndexes.Add(1)
	return o.logCommand(op, coll, createIndexesCommand{CreateIndexes: coll.NS().Coll, Spec: spec})
}

var _ catalog.DDLObserver = (*OpObserver)(nil)
