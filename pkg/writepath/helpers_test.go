package writepath

import (
	"context"
	"sync"
	"testing"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

var testNS = domain.Namespace{DB: "test", Coll: "c"}

type insertCall struct {
	stmts              []domain.InsertStatement
	recordIds          []domain.RecordId
	fromMigrate        []bool
	defaultFromMigrate bool
}

type deleteCall struct {
	stmtId domain.StmtId
	doc    domain.Document
	args   domain.OplogDeleteEntryArgs
}

// spyObserver records every hook call. err, when set, is returned from the
// hooks that can fail.
type spyObserver struct {
	mu            sync.Mutex
	inserts       []insertCall
	updates       []domain.OplogUpdateEntryArgs
	aboutToDelete int
	deletes       []deleteCall
	err           error
}

func (s *spyObserver) OnInserts(op *txn.Operation, coll *catalog.Collection, stmts []domain.InsertStatement,
	recordIds []domain.RecordId, fromMigrate []bool, defaultFromMigrate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, insertCall{stmts, recordIds, fromMigrate, defaultFromMigrate})
	return s.err
}

func (s *spyObserver) OnUpdate(op *txn.Operation, args *domain.OplogUpdateEntryArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *args
	ua := *args.UpdateArgs
	cp.UpdateArgs = &ua
	s.updates = append(s.updates, cp)
	return s.err
}

func (s *spyObserver) AboutToDelete(op *txn.Operation, coll *catalog.Collection, doc domain.Document, args *domain.OplogDeleteEntryArgs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aboutToDelete++
	if id, ok := doc.Id(); ok {
		key, _ := document.IdDocument(id)
		args.DocumentKey = domain.NewOwnedDocument(key)
	}
}

func (s *spyObserver) OnDelete(op *txn.Operation, coll *catalog.Collection, stmtId domain.StmtId, doc domain.Document, args *domain.OplogDeleteEntryArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, deleteCall{stmtId, doc, *args})
	return s.err
}

// counterSlots hands out consecutive timestamps in second 1.
type counterSlots struct {
	mu    sync.Mutex
	next  uint32
	calls []int
}

func (c *counterSlots) GetNextOpTimes(op *txn.Operation, n int) ([]domain.OplogSlot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, n)
	out := make([]domain.OplogSlot, n)
	for i := range out {
		c.next++
		out[i] = domain.OplogSlot{Timestamp: domain.NewTimestamp(1, c.next), Term: 1}
	}
	return out, nil
}

type fixture struct {
	observer *spyObserver
	slots    *counterSlots
	engine   *Engine
	catalog  *catalog.Catalog
	locks    *lock.Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	resources := lock.NewResourceCatalog()
	f := &fixture{
		observer: &spyObserver{},
		slots:    &counterSlots{},
		catalog:  catalog.New(resources, nil),
		locks:    lock.NewManager(resources),
	}
	opts = append([]Option{WithOpObserver(f.observer), WithSlotReserver(f.slots)}, opts...)
	f.engine = NewEngine(opts...)
	return f
}

func (f *fixture) create(t *testing.T, name string, opts catalog.CollectionOptions) *catalog.Collection {
	t.Helper()
	coll, err := f.catalog.CreateCollection(nil, domain.Namespace{DB: "test", Coll: name}, opts)
	require.NoError(t, err)
	return coll
}

// write runs fn in a unit of work and commits it when fn returns nil.
func write(t *testing.T, op *txn.Operation, fn func() error) error {
	t.Helper()
	wuow := txn.NewWriteUnitOfWork(op)
	defer wuow.Close()
	if err := fn(); err != nil {
		return err
	}
	return wuow.Commit()
}

func doc(kv ...interface{}) domain.Document {
	d := bson.D{}
	for i := 0; i < len(kv); i += 2 {
		d = append(d, bson.E{Key: kv[i].(string), Value: kv[i+1]})
	}
	return domain.MustMarshal(d)
}

func stmts(docs ...domain.Document) []domain.InsertStatement {
	out := make([]domain.InsertStatement, len(docs))
	for i, d := range docs {
		out[i] = domain.NewInsertStatement(d)
	}
	return out
}

func idOf(v interface{}) bson.RawValue {
	id, _ := doc("_id", v).Id()
	return id
}

// insertCommitted inserts docs one per unit of work.
func (f *fixture) insertCommitted(t *testing.T, coll *catalog.Collection, docs ...domain.Document) {
	t.Helper()
	for _, d := range docs {
		op := txn.NewOperation(nil)
		require.NoError(t, write(t, op, func() error {
			return f.engine.InsertDocument(context.Background(), op, coll, domain.NewInsertStatement(d), nil, false)
		}))
	}
}

func committedIds(coll *catalog.Collection) []int32 {
	var out []int32
	coll.Store().ScanCommitted(func(r domain.Record) bool {
		id, _ := r.Document().Id()
		out = append(out, id.Int32())
		return true
	})
	return out
}

// driftingObserver swaps the operation's recovery unit from inside the
// observer hooks, which moves the snapshot in the middle of a write.
type driftingObserver struct {
	spyObserver
}

func (d *driftingObserver) OnInserts(op *txn.Operation, coll *catalog.Collection, stmts []domain.InsertStatement,
	recordIds []domain.RecordId, fromMigrate []bool, defaultFromMigrate bool) error {
	op.RecoveryUnit = txn.NewRecoveryUnit()
	return d.spyObserver.OnInserts(op, coll, stmts, recordIds, fromMigrate, defaultFromMigrate)
}

func (d *driftingObserver) OnDelete(op *txn.Operation, coll *catalog.Collection, stmtId domain.StmtId, doc domain.Document, args *domain.OplogDeleteEntryArgs) error {
	op.RecoveryUnit = txn.NewRecoveryUnit()
	return d.spyObserver.OnDelete(op, coll, stmtId, doc, args)
}
