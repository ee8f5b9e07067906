package repl

import (
	"testing"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func openMemStore(t *testing.T, fs vfs.FS) *OplogStore {
	t.Helper()
	if fs == nil {
		fs = vfs.NewMem()
	}
	s, err := OpenOplogStore("oplog", WithFS(fs))
	require.NoError(t, err)
	return s
}

func collect(t *testing.T, s *OplogStore, after domain.Timestamp) []*Entry {
	t.Helper()
	var out []*Entry
	require.NoError(t, s.Entries(after, func(e *Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestOplogStore_AppendCommitsWithUnitOfWork(t *testing.T) {
	s := openMemStore(t, nil)
	defer s.Close()

	op := txn.NewOperation(nil)
	wuow := txn.NewWriteUnitOfWork(op)
	require.NoError(t, s.Append(op,
		&Entry{Ts: domain.NewTimestamp(10, 1), Op: OpInsert, NS: "test.c", O: []byte{5, 0, 0, 0, 0}},
		&Entry{Ts: domain.NewTimestamp(10, 2), Op: OpInsert, NS: "test.c", O: []byte{5, 0, 0, 0, 0}},
	))
	assert.Empty(t, collect(t, s, 0), "staged entries are not visible before commit")
	require.NoError(t, wuow.Commit())
	wuow.Close()

	entries := collect(t, s, 0)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.NewTimestamp(10, 1), entries[0].Ts)
	assert.Equal(t, domain.NewTimestamp(10, 2), entries[1].Ts)
	assert.Equal(t, domain.NewTimestamp(10, 2), s.LastTimestamp())
	assert.Equal(t, int64(2), s.Stats().EntriesWritten)

	after := collect(t, s, domain.NewTimestamp(10, 1))
	require.Len(t, after, 1)
	assert.Equal(t, domain.NewTimestamp(10, 2), after[0].Ts)

	e, ok, err := s.Get(domain.NewTimestamp(10, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "test.c", e.NS)
}

func TestOplogStore_RollbackDiscardsBatch(t *testing.T) {
	s := openMemStore(t, nil)
	defer s.Close()

	op := txn.NewOperation(nil)
	wuow := txn.NewWriteUnitOfWork(op)
	require.NoError(t, s.Append(op, &Entry{Ts: domain.NewTimestamp(1, 1), Op: OpNoop, NS: "test.c"}))
	wuow.Close()

	assert.Empty(t, collect(t, s, 0))
	assert.True(t, s.LastTimestamp().IsNull())
}

func TestOplogStore_RejectsNullTimestamp(t *testing.T) {
	s := openMemStore(t, nil)
	defer s.Close()
	assert.Error(t, s.Append(txn.NewOperation(nil), &Entry{Op: OpNoop, NS: "test.c"}))
}

func TestOplogStore_ReopenKeepsLastTimestamp(t *testing.T) {
	fs := vfs.NewMem()
	s := openMemStore(t, fs)
	require.NoError(t, s.Append(txn.NewOperation(nil), &Entry{Ts: domain.NewTimestamp(3, 7), Op: OpNoop, NS: "test.c"}))
	require.NoError(t, s.Close())

	s = openMemStore(t, fs)
	defer s.Close()
	assert.Equal(t, domain.NewTimestamp(3, 7), s.LastTimestamp())
	assert.Len(t, collect(t, s, 0), 1)
}

func TestOplogStore_TruncateThrough(t *testing.T) {
	s := openMemStore(t, nil)
	defer s.Close()
	op := txn.NewOperation(nil)
	for i := uint32(1); i <= 4; i++ {
		require.NoError(t, s.Append(op, &Entry{Ts: domain.NewTimestamp(1, i), Op: OpNoop, NS: "test.c"}))
	}
	require.NoError(t, s.TruncateThrough(domain.NewTimestamp(1, 2)))

	entries := collect(t, s, 0)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.NewTimestamp(1, 3), entries[0].Ts)
}

func TestOplogStore_Images(t *testing.T) {
	s := openMemStore(t, nil)
	defer s.Close()

	_, ok, err := s.Image("lsid-1")
	require.NoError(t, err)
	assert.False(t, ok)

	op := txn.NewOperation(nil)
	wuow := txn.NewWriteUnitOfWork(op)
	require.NoError(t, s.PutImage(op, &ImageEntry{LSID: "lsid-1", TxnNumber: 4, Ts: 9, EntryTs: 10, ImageKind: "preImage", Image: []byte{5, 0, 0, 0, 0}}))
	require.NoError(t, wuow.Commit())
	wuow.Close()

	img, ok, err := s.Image("lsid-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), img.TxnNumber)
	assert.Equal(t, domain.Timestamp(10), img.EntryTs)
}

func TestEntryChecksum(t *testing.T) {
	e := &Entry{Ts: 5, Op: OpInsert, NS: "test.c", O: []byte{5, 0, 0, 0, 0}}
	data, err := encodeEntry(e)
	require.NoError(t, err)

	decoded, err := decodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, e.Checksum, decoded.Checksum)

	decoded.NS = "test.other"
	tampered, err := msgpack.Marshal(decoded)
	require.NoError(t, err)
	_, err = decodeEntry(tampered)
	assert.Error(t, err)
}

func TestDurability(t *testing.T) {
	for _, d := range []Durability{DurabilityNone, DurabilityMemory, DurabilityOS, DurabilityFull} {
		parsed, ok := ParseDurability(d.String())
		assert.True(t, ok)
		assert.Equal(t, d, parsed)
	}
	_, ok := ParseDurability("sometimes")
	assert.False(t, ok)
}
