// Package writepath inserts, updates and deletes documents in a collection,
// keeping the record store, the indexes, the oplog and capped bounds in step
// within the caller's write unit of work.
package writepath

import (
	"context"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/cockroachdb/errors"
)

// OpObserver is notified of every write inside the write's unit of work.
type OpObserver interface {
	OnInserts(op *txn.Operation, coll *catalog.Collection, stmts []domain.InsertStatement,
		recordIds []domain.RecordId, fromMigrate []bool, defaultFromMigrate bool) error
	OnUpdate(op *txn.Operation, args *domain.OplogUpdateEntryArgs) error
	// AboutToDelete runs while the record still exists and fills
	// args.DocumentKey.
	AboutToDelete(op *txn.Operation, coll *catalog.Collection, doc domain.Document, args *domain.OplogDeleteEntryArgs)
	OnDelete(op *txn.Operation, coll *catalog.Collection, stmtId domain.StmtId, doc domain.Document, args *domain.OplogDeleteEntryArgs) error
}

// SlotReserver hands out oplog slots ahead of the writes that use them.
type SlotReserver interface {
	GetNextOpTimes(op *txn.Operation, n int) ([]domain.OplogSlot, error)
}

// OrphanFilter reports documents that belong to another shard. Writes of
// such documents are logged as migrations.
type OrphanFilter interface {
	IsOrphan(coll *catalog.Collection, doc domain.Document) bool
}

type noopObserver struct{}

func (noopObserver) OnInserts(*txn.Operation, *catalog.Collection, []domain.InsertStatement, []domain.RecordId, []bool, bool) error {
	return nil
}
func (noopObserver) OnUpdate(*txn.Operation, *domain.OplogUpdateEntryArgs) error { return nil }
func (noopObserver) AboutToDelete(*txn.Operation, *catalog.Collection, domain.Document, *domain.OplogDeleteEntryArgs) {
}
func (noopObserver) OnDelete(*txn.Operation, *catalog.Collection, domain.StmtId, domain.Document, *domain.OplogDeleteEntryArgs) error {
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

func WithOpObserver(o OpObserver) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

func WithSlotReserver(s SlotReserver) Option {
	return func(e *Engine) {
		e.slots = s
	}
}

func WithOrphanFilter(f OrphanFilter) Option {
	return func(e *Engine) {
		e.orphans = f
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithMetrics(c metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

// Engine is the write path for already resolved and locked collections.
type Engine struct {
	observer   OpObserver
	slots      SlotReserver
	orphans    OrphanFilter
	logger     *logging.Logger
	metrics    metrics.Collector
	failPoints *FailPoints
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		observer:   noopObserver{},
		failPoints: &FailPoints{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNoop(e.logger).WithComponent("writepath")
	e.metrics = metrics.OrNoop(e.metrics)
	return e
}

// FailPoints returns the engine's fault injection switches.
func (e *Engine) FailPoints() *FailPoints { return e.failPoints }

// checkWritable verifies the caller set up the write: an open unit of work
// and, when the operation has a locker, an intent-write collection lock.
func checkWritable(op *txn.Operation, coll *catalog.Collection) error {
	if !op.RecoveryUnit.InUnitOfWork() {
		return errors.AssertionFailedf("write to %s outside a write unit of work", coll.NS())
	}
	if op.Locker != nil && !op.Locker.IsCollectionLockedForMode(coll.NS().String(), lock.ModeIX) {
		return errors.AssertionFailedf("write to %s without an intent-write collection lock", coll.NS())
	}
	return nil
}

// lockCappedMetadata serialises writers of a non-clustered capped
// collection until the unit of work ends.
func lockCappedMetadata(ctx context.Context, op *txn.Operation, coll *catalog.Collection) error {
	if !coll.NeedsCappedLock() || op.Locker == nil {
		return nil
	}
	rid := coll.MetadataResource()
	if err := op.Locker.Lock(ctx, rid, lock.ModeX); err != nil {
		return err
	}
	op.Locker.Unlock(rid)
	return nil
}

// assertSameSnapshot panics when the recovery unit moved to another
// snapshot during a write.
func assertSameSnapshot(op *txn.Operation, coll *catalog.Collection, before domain.SnapshotId) {
	if after := op.RecoveryUnit.SnapshotId(); after != before {
		panic(errors.AssertionFailedf("snapshot of write to %s changed from %d to %d", coll.NS(), before, after))
	}
}

// trackKeys adds index key counts to opDebug and undoes them if the unit of
// work rolls back. Inside a multi-document transaction the transaction
// restores opDebug itself.
func (e *Engine) trackKeys(op *txn.Operation, opDebug *metrics.OpDebug, inserted, deleted int64) {
	if opDebug != nil {
		opDebug.KeysInserted += inserted
		opDebug.KeysDeleted += deleted
		if !op.InMultiDocumentTransaction {
			op.RecoveryUnit.OnRollback(func() {
				opDebug.KeysInserted -= inserted
				opDebug.KeysDeleted -= deleted
			})
		}
	}
	if inserted != 0 || deleted != 0 {
		m := e.metrics
		op.RecoveryUnit.OnCommit(func(domain.Timestamp) { m.RecordKeys(inserted, deleted) })
	}
}

func (e *Engine) recordWrite(op *txn.Operation, kind metrics.Op, n int) {
	m := e.metrics
	op.RecoveryUnit.OnCommit(func(domain.Timestamp) { m.RecordWrite(kind, n) })
}

// reserveImageSlots reserves the two slots a side collection image needs,
// the lower one for the image.
func (e *Engine) reserveImageSlots(op *txn.Operation, coll *catalog.Collection, existing []domain.OplogSlot) ([]domain.OplogSlot, error) {
	if len(existing) > 0 || !op.ReplicatedWrites || !coll.NS().IsReplicated() {
		return existing, nil
	}
	if e.slots == nil {
		return nil, status.New(status.InternalError, "no oplog slot reserver for retryable write on %s", coll.NS())
	}
	return e.slots.GetNextOpTimes(op, 2)
}
