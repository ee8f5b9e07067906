package catalog

import (
	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/indexing"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/storage"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/adfharrison1/collwrite/pkg/validation"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// RecordStore is the storage a collection writes records to.
type RecordStore interface {
	KeyFormat() domain.KeyFormat
	InsertRecords(op *txn.Operation, records []domain.Record, timestamps []domain.Timestamp) error
	InsertRecord(op *txn.Operation, id domain.RecordId, data []byte, ts domain.Timestamp) (domain.RecordId, error)
	UpdateRecord(op *txn.Operation, id domain.RecordId, data []byte) error
	UpdateWithDamages(op *txn.Operation, id domain.RecordId, source []byte, damages []domain.Damage) ([]byte, error)
	DeleteRecord(op *txn.Operation, id domain.RecordId) error
	FindRecord(op *txn.Operation, id domain.RecordId) (domain.Record, bool)
	Scan(op *txn.Operation, fn func(domain.Record) bool)
	NextRecord(op *txn.Operation, after domain.RecordId) (domain.Record, bool)
	ReserveRecordIds(n int) ([]domain.RecordId, error)
	NumRecords() int64
	DataSize() int64
	NotifyCappedWaitersIfNeeded()
}

// IndexCatalog maintains the secondary indexes of a collection.
type IndexCatalog interface {
	IndexRecords(op *txn.Operation, records []domain.BsonRecord) (int64, error)
	UpdateRecord(op *txn.Operation, oldDoc, newDoc, diff domain.Document, id domain.RecordId) (int64, int64, error)
	UnindexRecord(op *txn.Operation, doc domain.Document, id domain.RecordId, noWarn bool, checkRecordId domain.CheckRecordId) (int64, error)
	FindIdIndex() *indexing.Index
	NumIndexes() int
	HaveAnyIndexes() bool
}

// Collection is an already-resolved collection handle.
type Collection struct {
	ns      domain.Namespace
	options CollectionOptions

	recordStore  RecordStore
	indexCatalog IndexCatalog
	validator    *validation.Validator
	collator     *document.Collator

	store   *storage.RecordStore
	indexes *indexing.IndexCatalog
}

// NewCollection builds the storage and indexes for a collection. It does not
// register it anywhere.
func NewCollection(ns domain.Namespace, opts CollectionOptions, logger *logging.Logger) (*Collection, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.UUID == uuid.Nil {
		opts.UUID = uuid.New()
	}

	var storeOpts []storage.Option
	if opts.Clustered != nil {
		storeOpts = append(storeOpts, storage.WithKeyFormat(domain.KeyFormatString))
	}
	if opts.Capped {
		storeOpts = append(storeOpts, storage.WithCapped(opts.CappedSize, opts.CappedMaxDocs))
	}
	store := storage.NewRecordStore(ns.String(), storeOpts...)

	var collator *document.Collator
	if opts.Collation != nil {
		collator = document.NewCollator(*opts.Collation)
	}
	indexes := indexing.NewIndexCatalog(ns.String(), collator, logger)
	if opts.Clustered == nil {
		if _, err := indexes.CreateIndex(indexing.IdIndexSpec()); err != nil {
			return nil, err
		}
	}

	level, err := validation.ParseLevel(opts.ValidationLevel)
	if err != nil {
		return nil, err
	}
	action, err := validation.ParseAction(opts.ValidationAction)
	if err != nil {
		return nil, err
	}
	validator, err := validation.New(opts.Validator, level, action)
	if err != nil {
		return nil, err
	}

	return &Collection{
		ns:           ns,
		options:      opts,
		recordStore:  store,
		indexCatalog: indexes,
		validator:    validator,
		collator:     collator,
		store:        store,
		indexes:      indexes,
	}, nil
}

// WithBackends returns a copy of c that writes through rs and ic. Tests use
// it to observe calls into storage and indexes.
func (c *Collection) WithBackends(rs RecordStore, ic IndexCatalog) *Collection {
	cp := *c
	cp.recordStore = rs
	cp.indexCatalog = ic
	return &cp
}

func (c *Collection) NS() domain.Namespace { return c.ns }

func (c *Collection) UUID() uuid.UUID { return c.options.UUID }

func (c *Collection) Options() CollectionOptions { return c.options }

func (c *Collection) RecordStore() RecordStore { return c.recordStore }

func (c *Collection) IndexCatalog() IndexCatalog { return c.indexCatalog }

// Store is the concrete record store, for capped bookkeeping, checkpoints
// and readers.
func (c *Collection) Store() *storage.RecordStore { return c.store }

// Indexes is the concrete index catalog.
func (c *Collection) Indexes() *indexing.IndexCatalog { return c.indexes }

func (c *Collection) Validator() *validation.Validator { return c.validator }

// Collator is the default collation, nil for binary.
func (c *Collection) Collator() *document.Collator { return c.collator }

func (c *Collection) IsCapped() bool { return c.options.Capped }

func (c *Collection) IsClustered() bool { return c.options.Clustered != nil }

func (c *Collection) RecordIdsReplicated() bool { return c.options.RecordIdsReplicated }

func (c *Collection) EncryptedFieldConfig() bson.Raw { return c.options.EncryptedFieldConfig }

// NeedsCappedLock reports whether writers must serialise on the metadata
// resource. Clustered capped collections are ordered by their key instead.
func (c *Collection) NeedsCappedLock() bool {
	return c.options.Capped && c.options.Clustered == nil
}

// UsesCappedSnapshots reports whether inserts reserve ids with the capped
// visibility tracker.
func (c *Collection) UsesCappedSnapshots() bool {
	return c.NeedsCappedLock() && !c.ns.IsOplog()
}

// CollectionResource is the lock resource for the collection.
func (c *Collection) CollectionResource() lock.ResourceId {
	return lock.NewResourceId(lock.ResourceCollection, c.ns.String())
}

// MetadataResource is the resource capped writers serialise on.
func (c *Collection) MetadataResource() lock.ResourceId {
	return lock.NewResourceId(lock.ResourceMetadata, c.ns.String())
}

// ClusteredRecordId derives the RecordId of doc in a clustered collection.
func (c *Collection) ClusteredRecordId(doc domain.Document) (domain.RecordId, error) {
	id, ok := doc.Id()
	if !ok {
		return domain.RecordId{}, status.New(status.BadValue,
			"document %s is missing the cluster key field %s", doc.String(), c.options.Clustered.Key)
	}
	return c.clusteredRecordIdFor(id), nil
}

func (c *Collection) clusteredRecordIdFor(id bson.RawValue) domain.RecordId {
	return domain.RecordIdFromBytes(document.EncodeKey(id, c.collator))
}

// FindById locates the document with the given _id as seen by op.
func (c *Collection) FindById(op *txn.Operation, id bson.RawValue) (domain.RecordId, domain.Snapshotted[domain.Document], bool) {
	var none domain.Snapshotted[domain.Document]
	if c.IsClustered() {
		rid := c.clusteredRecordIdFor(id)
		rec, ok := c.recordStore.FindRecord(op, rid)
		if !ok {
			return domain.RecordId{}, none, false
		}
		return rid, domain.NewSnapshotted(op.RecoveryUnit.SnapshotId(), rec.Document()), true
	}

	if idx := c.indexCatalog.FindIdIndex(); idx != nil {
		for _, rid := range idx.Lookup(op, indexing.Key{id}) {
			if rec, ok := c.recordStore.FindRecord(op, rid); ok {
				return rid, domain.NewSnapshotted(op.RecoveryUnit.SnapshotId(), rec.Document()), true
			}
		}
		return domain.RecordId{}, none, false
	}

	var found domain.Record
	c.recordStore.Scan(op, func(r domain.Record) bool {
		if v, ok := r.Document().Id(); ok && document.Equal(v, id, c.collator) {
			found = r
			return false
		}
		return true
	})
	if found.Id.IsNull() {
		return domain.RecordId{}, none, false
	}
	return found.Id, domain.NewSnapshotted(op.RecoveryUnit.SnapshotId(), found.Document()), true
}

// CreateIndex adds an index and builds it from the committed records. The
// caller must hold the collection exclusively.
func (c *Collection) CreateIndex(spec indexing.IndexSpec) (*indexing.Index, error) {
	idx, err := c.indexes.CreateIndex(spec)
	if err != nil {
		return nil, err
	}
	var buildErr error
	c.store.ScanCommitted(func(r domain.Record) bool {
		buildErr = c.indexes.RestoreRecordInto(idx, domain.BsonRecord{Id: r.Id, Doc: r.Document()})
		return buildErr == nil
	})
	if buildErr == nil && idx.IsUnique() {
		buildErr = checkUniqueBuild(c, idx)
	}
	if buildErr != nil {
		_ = c.indexes.DropIndex(idx.Name())
		return nil, buildErr
	}
	return idx, nil
}

// checkUniqueBuild looks for two records under one key in a freshly built
// unique index.
func checkUniqueBuild(c *Collection, idx *indexing.Index) error {
	op := txn.NewOperation(nil)
	var err error
	c.store.ScanCommitted(func(r domain.Record) bool {
		keys, kerr := idx.GetKeys(r.Document())
		if kerr != nil {
			err = kerr
			return false
		}
		for _, k := range keys {
			if ids := idx.Lookup(op, k); len(ids) > 1 {
				err = status.DuplicateKeyError(c.ns.String(), idx.Name(), idx.Spec().KeyPattern(), idx.KeyDocument(k))
				return false
			}
		}
		return true
	})
	return err
}
