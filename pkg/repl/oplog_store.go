package repl

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	entryPrefix = []byte("o/")
	imagePrefix = []byte("i/")
)

func entryKey(ts domain.Timestamp) []byte {
	k := make([]byte, len(entryPrefix)+8)
	copy(k, entryPrefix)
	binary.BigEndian.PutUint64(k[len(entryPrefix):], uint64(ts))
	return k
}

func imageKey(lsid string) []byte {
	return append(append([]byte(nil), imagePrefix...), lsid...)
}

// prefixEnd returns the first key after every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	end[len(end)-1]++
	return end
}

// StoreOption configures an OplogStore.
type StoreOption func(*storeConfig)

type storeConfig struct {
	durability Durability
	fs         vfs.FS
	logger     *logging.Logger
}

// WithDurability sets the commit guarantee. DurabilityMemory keeps the
// oplog on an in-memory filesystem.
func WithDurability(d Durability) StoreOption {
	return func(c *storeConfig) {
		c.durability = d
	}
}

// WithFS overrides the filesystem pebble uses.
func WithFS(fs vfs.FS) StoreOption {
	return func(c *storeConfig) {
		c.fs = fs
	}
}

// WithLogger sets the logger for the store and pebble.
func WithLogger(l *logging.Logger) StoreOption {
	return func(c *storeConfig) {
		c.logger = l
	}
}

// StoreStats holds write counters for the oplog.
type StoreStats struct {
	EntriesWritten int64
	BytesWritten   int64
	Commits        int64
}

type pendingBatch struct {
	batch *pebble.Batch
	maxTs domain.Timestamp
	n     int64
	ops   int
	bytes int64
}

// OplogStore persists oplog entries and retryable images in pebble. Writes
// made inside a unit of work are staged in one batch per recovery unit and
// committed before the unit's in-memory changes are published.
type OplogStore struct {
	db         *pebble.DB
	durability Durability
	logger     *logging.Logger

	mu      sync.Mutex
	batches map[uint64]*pendingBatch
	last    domain.Timestamp

	entriesWritten atomic.Int64
	bytesWritten   atomic.Int64
	commits        atomic.Int64
}

// OpenOplogStore opens or creates the oplog in dir.
func OpenOplogStore(dir string, opts ...StoreOption) (*OplogStore, error) {
	cfg := storeConfig{durability: DurabilityOS}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = logging.OrNoop(cfg.logger).WithComponent("oplog")
	if cfg.fs == nil && cfg.durability == DurabilityMemory {
		cfg.fs = vfs.NewMem()
	}

	db, err := pebble.Open(dir, &pebble.Options{
		FS:         cfg.fs,
		Logger:     pebbleLogger{cfg.logger},
		DisableWAL: cfg.durability == DurabilityNone,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open oplog in %s", dir)
	}

	s := &OplogStore{
		db:         db,
		durability: cfg.durability,
		logger:     cfg.logger,
		batches:    make(map[uint64]*pendingBatch),
	}
	last, err := s.loadLast()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.last = last
	cfg.logger.Info("opened oplog", "dir", dir, "durability", cfg.durability.String(), logging.Ts(last))
	return s, nil
}

func (s *OplogStore) loadLast() (domain.Timestamp, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: entryPrefix, UpperBound: prefixEnd(entryPrefix)})
	if err != nil {
		return 0, errors.Wrap(err, "failed to open oplog iterator")
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return domain.Timestamp(binary.BigEndian.Uint64(iter.Key()[len(entryPrefix):])), nil
}

// write runs fn against the batch for op. Outside a unit of work the batch is
// committed straight away.
func (s *OplogStore) write(op *txn.Operation, fn func(p *pendingBatch) error) error {
	ru := op.RecoveryUnit
	if !ru.InUnitOfWork() {
		p := &pendingBatch{batch: s.db.NewBatch()}
		defer p.batch.Close()
		if err := fn(p); err != nil {
			return err
		}
		return s.commit(p)
	}

	id := ru.Id()
	s.mu.Lock()
	p, ok := s.batches[id]
	if !ok {
		p = &pendingBatch{batch: s.db.NewBatch()}
		s.batches[id] = p
		ru.OnPreCommit(func() error {
			s.mu.Lock()
			delete(s.batches, id)
			s.mu.Unlock()
			defer p.batch.Close()
			return s.commit(p)
		})
		ru.OnRollback(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.batches[id] == p {
				delete(s.batches, id)
				_ = p.batch.Close()
			}
		})
	}
	s.mu.Unlock()
	return fn(p)
}

func (s *OplogStore) commit(p *pendingBatch) error {
	if p.ops == 0 {
		return nil
	}
	if err := p.batch.Commit(s.durability.writeOptions()); err != nil {
		return errors.Wrap(err, "failed to commit oplog batch")
	}
	s.entriesWritten.Add(p.n)
	s.bytesWritten.Add(p.bytes)
	s.commits.Add(1)
	s.mu.Lock()
	if p.maxTs > s.last {
		s.last = p.maxTs
	}
	s.mu.Unlock()
	return nil
}

// Append stages entries in op's unit of work.
func (s *OplogStore) Append(op *txn.Operation, entries ...*Entry) error {
	return s.write(op, func(p *pendingBatch) error {
		for _, e := range entries {
			if e.Ts.IsNull() {
				return errors.AssertionFailedf("oplog entry for %s has no timestamp", e.NS)
			}
			data, err := encodeEntry(e)
			if err != nil {
				return err
			}
			if err := p.batch.Set(entryKey(e.Ts), data, nil); err != nil {
				return errors.Wrap(err, "failed to stage oplog entry")
			}
			if e.Ts > p.maxTs {
				p.maxTs = e.Ts
			}
			p.n++
			p.ops++
			p.bytes += int64(len(data))
		}
		return nil
	})
}

// PutImage stages a retryable image for its session, replacing any older
// one.
func (s *OplogStore) PutImage(op *txn.Operation, img *ImageEntry) error {
	data, err := msgpack.Marshal(img)
	if err != nil {
		return errors.Wrap(err, "failed to marshal image entry")
	}
	return s.write(op, func(p *pendingBatch) error {
		p.ops++
		p.bytes += int64(len(data))
		return p.batch.Set(imageKey(img.LSID), data, nil)
	})
}

// Image returns the image stored for a session.
func (s *OplogStore) Image(lsid string) (*ImageEntry, bool, error) {
	val, closer, err := s.db.Get(imageKey(lsid))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read image for %s", lsid)
	}
	defer closer.Close()
	var img ImageEntry
	if err := msgpack.Unmarshal(val, &img); err != nil {
		return nil, false, errors.Wrap(err, "failed to unmarshal image entry")
	}
	return &img, true, nil
}

// Get returns the entry at ts.
func (s *OplogStore) Get(ts domain.Timestamp) (*Entry, bool, error) {
	val, closer, err := s.db.Get(entryKey(ts))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read oplog entry %s", ts)
	}
	defer closer.Close()
	e, err := decodeEntry(val)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Entries calls fn for every committed entry after ts, in timestamp order.
func (s *OplogStore) Entries(after domain.Timestamp, fn func(*Entry) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(after + 1),
		UpperBound: prefixEnd(entryPrefix),
	})
	if err != nil {
		return errors.Wrap(err, "failed to open oplog iterator")
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEntry(append([]byte(nil), iter.Value()...))
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

// TruncateThrough removes every entry at or before ts.
func (s *OplogStore) TruncateThrough(ts domain.Timestamp) error {
	if err := s.db.DeleteRange(entryPrefix, entryKey(ts+1), s.durability.writeOptions()); err != nil {
		return errors.Wrapf(err, "failed to truncate oplog through %s", ts)
	}
	s.logger.Debug("truncated oplog", logging.Ts(ts))
	return nil
}

// LastTimestamp is the newest committed entry timestamp.
func (s *OplogStore) LastTimestamp() domain.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *OplogStore) Durability() Durability { return s.durability }

func (s *OplogStore) Stats() StoreStats {
	return StoreStats{
		EntriesWritten: s.entriesWritten.Load(),
		BytesWritten:   s.bytesWritten.Load(),
		Commits:        s.commits.Load(),
	}
}

// Close closes pebble. Staged batches of open units of work are discarded.
func (s *OplogStore) Close() error {
	s.mu.Lock()
	for id, p := range s.batches {
		_ = p.batch.Close()
		delete(s.batches, id)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// pebbleLogger routes pebble's logging through ours.
type pebbleLogger struct {
	l *logging.Logger
}

func (p pebbleLogger) Infof(format string, args ...interface{}) {
	p.l.Debug(fmt.Sprintf(format, args...))
}

func (p pebbleLogger) Errorf(format string, args ...interface{}) {
	p.l.Error(fmt.Sprintf(format, args...))
}

func (p pebbleLogger) Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	p.l.Error(msg)
	panic(errors.Newf("pebble: %s", msg))
}
