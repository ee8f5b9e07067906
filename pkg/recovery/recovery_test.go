package recovery_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/indexing"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/recovery"
	"github.com/adfharrison1/collwrite/pkg/repl"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/adfharrison1/collwrite/pkg/writepath"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	usersNS  = domain.Namespace{DB: "app", Coll: "users"}
	eventsNS = domain.Namespace{DB: "app", Coll: "events"}
)

// node is one process lifetime over a shared oplog filesystem and
// checkpoint directory.
type node struct {
	store       *repl.OplogStore
	slots       *repl.SlotReserver
	catalog     *catalog.Catalog
	engine      *writepath.Engine
	locks       *lock.Manager
	checkpoints *recovery.CheckpointManager
}

func startNode(t *testing.T, fs vfs.FS, dir string, opts ...recovery.Option) *node {
	t.Helper()
	store, err := repl.OpenOplogStore("oplog", repl.WithFS(fs))
	require.NoError(t, err)

	resources := lock.NewResourceCatalog()
	slots := repl.NewSlotReserver(repl.WithClock(func() time.Time { return time.Unix(1000, 0) }))
	observer := repl.NewOpObserver(store, slots, nil)
	cat := catalog.New(resources, nil)
	cat.SetObserver(observer)
	locks := lock.NewManager(resources)

	n := &node{
		store:   store,
		slots:   slots,
		catalog: cat,
		engine:  writepath.NewEngine(writepath.WithOpObserver(observer), writepath.WithSlotReserver(slots)),
		locks:   locks,
	}
	n.checkpoints = recovery.NewCheckpointManager(dir, cat, store, locks, opts...)
	return n
}

func (n *node) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, n.store.Close())
}

func (n *node) recover(t *testing.T, dir string) recovery.Result {
	t.Helper()
	applier := repl.NewApplier(n.catalog, n.engine, n.locks, nil)
	res, err := recovery.NewRecoveryManager(dir, n.catalog, n.store, applier, n.slots, nil).Recover(context.Background())
	require.NoError(t, err)
	return res
}

func (n *node) write(t *testing.T, fn func(op *txn.Operation) error) {
	t.Helper()
	op := txn.NewOperation(nil)
	wuow := txn.NewWriteUnitOfWork(op)
	defer wuow.Close()
	require.NoError(t, fn(op))
	require.NoError(t, wuow.Commit())
}

func (n *node) insert(t *testing.T, coll *catalog.Collection, docs ...domain.Document) {
	t.Helper()
	n.write(t, func(op *txn.Operation) error {
		stmts := make([]domain.InsertStatement, len(docs))
		for i, d := range docs {
			stmts[i] = domain.NewInsertStatement(d)
		}
		return n.engine.InsertDocuments(context.Background(), op, coll, stmts, nil, false)
	})
}

func doc(kv ...interface{}) domain.Document {
	d := bson.D{}
	for i := 0; i < len(kv); i += 2 {
		d = append(d, bson.E{Key: kv[i].(string), Value: kv[i+1]})
	}
	return domain.MustMarshal(d)
}

func idOf(v interface{}) bson.RawValue {
	id, _ := doc("_id", v).Id()
	return id
}

func names(coll *catalog.Collection) map[int32]string {
	out := make(map[int32]string)
	coll.Store().ScanCommitted(func(r domain.Record) bool {
		d := r.Document()
		id, _ := d.Id()
		name, _ := d.Lookup("name")
		out[id.Int32()] = name.StringValue()
		return true
	})
	return out
}

func countEntries(t *testing.T, store *repl.OplogStore) int {
	t.Helper()
	n := 0
	require.NoError(t, store.Entries(0, func(*repl.Entry) error {
		n++
		return nil
	}))
	return n
}

func TestRecover_CheckpointThenOplog(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()
	dir := t.TempDir()

	first := startNode(t, fs, dir)
	var users, events *catalog.Collection
	first.write(t, func(op *txn.Operation) error {
		var err error
		users, err = first.catalog.CreateCollection(op, usersNS, catalog.CollectionOptions{})
		return err
	})
	first.write(t, func(op *txn.Operation) error {
		var err error
		events, err = first.catalog.CreateCollection(op, eventsNS, catalog.CollectionOptions{Clustered: &catalog.ClusteredIndexSpec{}})
		return err
	})
	first.write(t, func(op *txn.Operation) error {
		_, err := first.catalog.CreateIndex(op, users, indexing.IndexSpec{Key: []indexing.KeyField{{Field: "name", Direction: 1}}})
		return err
	})
	first.insert(t, users, doc("_id", 1, "name", "ada"), doc("_id", 2, "name", "grace"))
	first.insert(t, events, doc("_id", 10, "name", "boot"))

	ts, err := first.checkpoints.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.store.LastTimestamp(), ts)
	assert.Zero(t, countEntries(t, first.store), "the checkpoint covers every entry")

	first.insert(t, users, doc("_id", 3, "name", "edsger"))
	first.write(t, func(op *txn.Operation) error {
		loc, old, ok := users.FindById(op, idOf(1))
		require.True(t, ok)
		_, err := first.engine.UpdateDocument(ctx, op, users, loc, old, doc("_id", 1, "name", "lovelace"), true, nil,
			&domain.CollectionUpdateArgs{})
		return err
	})
	lastBeforeCrash := first.store.LastTimestamp()
	first.stop(t)

	second := startNode(t, fs, dir)
	defer second.stop(t)
	res := second.recover(t, dir)

	assert.Equal(t, ts, res.CheckpointTs)
	assert.Equal(t, 2, res.Collections)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, 2, res.Replayed)
	assert.Equal(t, lastBeforeCrash, res.LastApplied)

	restored, ok := second.catalog.Lookup(usersNS)
	require.True(t, ok)
	assert.Equal(t, users.UUID(), restored.UUID())
	assert.Equal(t, map[int32]string{1: "lovelace", 2: "grace", 3: "edsger"}, names(restored))
	require.NotNil(t, restored.Indexes().FindIndexByName("name_1"))
	assert.Equal(t, 3, restored.Indexes().FindIndexByName("name_1").NumEntries())
	assert.Equal(t, 3, restored.Indexes().FindIdIndex().NumEntries())

	restoredEvents, ok := second.catalog.Lookup(eventsNS)
	require.True(t, ok)
	assert.True(t, restoredEvents.IsClustered())
	_, _, found := restoredEvents.FindById(txn.NewOperation(nil), idOf(10))
	assert.True(t, found)

	// Writes after recovery sort after everything recovered.
	second.insert(t, restored, doc("_id", 4, "name", "barbara"))
	assert.Greater(t, second.store.LastTimestamp(), lastBeforeCrash)
}

func TestRecover_NoCheckpoint(t *testing.T) {
	fs := vfs.NewMem()
	dir := t.TempDir()

	first := startNode(t, fs, dir)
	var users *catalog.Collection
	first.write(t, func(op *txn.Operation) error {
		var err error
		users, err = first.catalog.CreateCollection(op, usersNS, catalog.CollectionOptions{})
		return err
	})
	first.insert(t, users, doc("_id", 1, "name", "ada"))
	first.stop(t)

	second := startNode(t, fs, dir)
	defer second.stop(t)
	res := second.recover(t, dir)
	assert.True(t, res.CheckpointTs.IsNull())
	assert.Equal(t, 2, res.Replayed)

	restored, ok := second.catalog.Lookup(usersNS)
	require.True(t, ok)
	assert.Equal(t, map[int32]string{1: "ada"}, names(restored))
}

func TestCheckpoint_SkippedWhenOplogUnchanged(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, vfs.NewMem(), t.TempDir())
	defer n.stop(t)
	n.write(t, func(op *txn.Operation) error {
		_, err := n.catalog.CreateCollection(op, usersNS, catalog.CollectionOptions{})
		return err
	})

	_, err := n.checkpoints.Checkpoint(ctx)
	require.NoError(t, err)
	_, err = n.checkpoints.Checkpoint(ctx)
	require.NoError(t, err)

	count, last := n.checkpoints.Checkpoints()
	assert.Equal(t, 1, count)
	assert.Equal(t, n.store.LastTimestamp(), last)
}

func TestCheckpoint_Retention(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	n := startNode(t, vfs.NewMem(), dir, recovery.WithRetention(1))
	defer n.stop(t)

	var users *catalog.Collection
	n.write(t, func(op *txn.Operation) error {
		var err error
		users, err = n.catalog.CreateCollection(op, usersNS, catalog.CollectionOptions{})
		return err
	})
	for i := 1; i <= 3; i++ {
		n.insert(t, users, doc("_id", i, "name", "x"))
		_, err := n.checkpoints.Checkpoint(ctx)
		require.NoError(t, err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "checkpoint-*"+recovery.FileExtension))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	img, err := recovery.LoadLatest(dir, nil)
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, 3, img.NumRecords())
}

func TestLoadLatest_SkipsCorruptFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	n := startNode(t, vfs.NewMem(), dir)
	defer n.stop(t)

	var users *catalog.Collection
	n.write(t, func(op *txn.Operation) error {
		var err error
		users, err = n.catalog.CreateCollection(op, usersNS, catalog.CollectionOptions{})
		return err
	})
	n.insert(t, users, doc("_id", 1, "name", "ada"))
	older, err := n.checkpoints.Checkpoint(ctx)
	require.NoError(t, err)
	n.insert(t, users, doc("_id", 2, "name", "grace"))
	newer, err := n.checkpoints.Checkpoint(ctx)
	require.NoError(t, err)
	require.Greater(t, newer, older)

	files, err := filepath.Glob(filepath.Join(dir, "checkpoint-*"+recovery.FileExtension))
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.NoError(t, os.WriteFile(files[1], []byte("GODBgarbage"), 0644))

	img, err := recovery.LoadLatest(dir, nil)
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, older, img.Ts)
	assert.Equal(t, 1, img.NumRecords())
}

func TestLoadLatest_EmptyDir(t *testing.T) {
	img, err := recovery.LoadLatest(filepath.Join(t.TempDir(), "missing"), nil)
	require.NoError(t, err)
	assert.Nil(t, img)
}

func TestCheckpointManager_RunTakesFinalCheckpoint(t *testing.T) {
	n := startNode(t, vfs.NewMem(), t.TempDir(), recovery.WithInterval(time.Hour))
	defer n.stop(t)
	n.write(t, func(op *txn.Operation) error {
		_, err := n.catalog.CreateCollection(op, usersNS, catalog.CollectionOptions{})
		return err
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.checkpoints.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	count, _ := n.checkpoints.Checkpoints()
	assert.Equal(t, 1, count)
}
