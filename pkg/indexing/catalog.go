package indexing

import (
	"sync"

	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
)

// IndexCatalog holds the indexes of one collection.
type IndexCatalog struct {
	ns       string
	collator *document.Collator
	logger   *logging.Logger

	mu      sync.RWMutex
	indexes []*Index
}

// NewIndexCatalog returns an empty catalog. collator is the collection
// default collation and may be nil.
func NewIndexCatalog(ns string, collator *document.Collator, logger *logging.Logger) *IndexCatalog {
	return &IndexCatalog{
		ns:       ns,
		collator: collator,
		logger:   logging.OrNoop(logger).WithComponent("index").WithNamespace(ns),
	}
}

// CreateIndex adds an empty index. Populating it from existing records is
// up to the caller.
func (c *IndexCatalog) CreateIndex(spec IndexSpec) (*Index, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range c.indexes {
		if idx.spec.Name == spec.Name {
			return nil, status.New(status.BadValue, "index with name %s already exists", spec.Name)
		}
	}
	collator := c.collator
	if spec.Collation != nil {
		collator = document.NewCollator(*spec.Collation)
	}
	idx := newIndex(c.ns, spec, collator)
	if spec.IsIdIndex() {
		c.indexes = append([]*Index{idx}, c.indexes...)
	} else {
		c.indexes = append(c.indexes, idx)
	}
	return idx, nil
}

// DropIndex removes the named index.
func (c *IndexCatalog) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, idx := range c.indexes {
		if idx.spec.Name == name {
			c.indexes = append(c.indexes[:i], c.indexes[i+1:]...)
			return nil
		}
	}
	return status.New(status.NoSuchKey, "index not found with name [%s]", name)
}

// Indexes returns a snapshot of the index list, _id index first.
func (c *IndexCatalog) Indexes() []*Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Index, len(c.indexes))
	copy(out, c.indexes)
	return out
}

func (c *IndexCatalog) NumIndexes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.indexes)
}

func (c *IndexCatalog) HaveAnyIndexes() bool { return c.NumIndexes() > 0 }

// FindIdIndex returns the _id index or nil.
func (c *IndexCatalog) FindIdIndex() *Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, idx := range c.indexes {
		if idx.spec.IsIdIndex() {
			return idx
		}
	}
	return nil
}

// FindIndexByName returns the named index or nil.
func (c *IndexCatalog) FindIndexByName(name string) *Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, idx := range c.indexes {
		if idx.spec.Name == name {
			return idx
		}
	}
	return nil
}

// NumEntries sums the entries of every index.
func (c *IndexCatalog) NumEntries() int {
	n := 0
	for _, idx := range c.Indexes() {
		n += idx.NumEntries()
	}
	return n
}

// IndexRecords adds the keys of every record to every index and returns the
// number of keys inserted. The first failure stops the call; the unit of work
// is expected to roll back.
func (c *IndexCatalog) IndexRecords(op *txn.Operation, records []domain.BsonRecord) (int64, error) {
	var total int64
	for _, idx := range c.Indexes() {
		for _, r := range records {
			keys, multikey, err := keysFor(idx.spec, idx.collator, r.Doc)
			if err != nil {
				return total, err
			}
			n, err := idx.insertKeys(op, r.Id, keys, multikey)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	return total, nil
}

// UpdateRecord moves the index entries of id from the keys of oldDoc to the
// keys of newDoc. When diff is a non-empty update description, indexes whose
// fields it does not touch are skipped.
func (c *IndexCatalog) UpdateRecord(op *txn.Operation, oldDoc, newDoc domain.Document, diff domain.Document, id domain.RecordId) (inserted, deleted int64, err error) {
	touched := touchedFields(diff)
	for _, idx := range c.Indexes() {
		if touched != nil && !indexTouched(idx.spec, touched) {
			continue
		}
		oldKeys, _, err := keysFor(idx.spec, idx.collator, oldDoc)
		if err != nil {
			return inserted, deleted, err
		}
		newKeys, multikey, err := keysFor(idx.spec, idx.collator, newDoc)
		if err != nil {
			return inserted, deleted, err
		}
		removed := subtractKeys(idx, oldKeys, newKeys)
		added := subtractKeys(idx, newKeys, oldKeys)

		n, missing, err := idx.removeKeys(op, id, removed)
		if err != nil {
			return inserted, deleted, err
		}
		for _, k := range missing {
			c.logger.Warn("index entry missing during update",
				logging.Index(idx.spec.Name), logging.RecordId(id), "key", keyDocument(idx.spec, k).String())
		}
		deleted += n

		n, err = idx.insertKeys(op, id, added, multikey)
		if err != nil {
			return inserted, deleted, err
		}
		inserted += n
	}
	return inserted, deleted, nil
}

// UnindexRecord removes the entries doc produced for id. Missing entries are
// logged unless noWarn is set. With CheckRecordIdOn, a unique index entry for
// the key that points at a different record is reported as corruption.
func (c *IndexCatalog) UnindexRecord(op *txn.Operation, doc domain.Document, id domain.RecordId, noWarn bool, checkRecordId domain.CheckRecordId) (int64, error) {
	var total int64
	owner := op.RecoveryUnit.Id()
	for _, idx := range c.Indexes() {
		keys, _, err := keysFor(idx.spec, idx.collator, doc)
		if err != nil {
			return total, err
		}
		if checkRecordId == domain.CheckRecordIdOn && idx.spec.Unique {
			for _, k := range keys {
				for _, other := range idx.recordIdsForKey(owner, k) {
					if other != id {
						return total, status.New(status.InternalError,
							"index %s entry for %s points at record %s, expected %s",
							idx.spec.Name, keyDocument(idx.spec, k).String(), other, id)
					}
				}
			}
		}
		n, missing, err := idx.removeKeys(op, id, keys)
		if err != nil {
			return total, err
		}
		if !noWarn {
			for _, k := range missing {
				c.logger.Warn("couldn't unindex record",
					logging.Index(idx.spec.Name), logging.RecordId(id), "key", keyDocument(idx.spec, k).String())
			}
		}
		total += n
	}
	return total, nil
}

// RestoreRecord indexes a committed record without a unit of work.
func (c *IndexCatalog) RestoreRecord(r domain.BsonRecord) error {
	for _, idx := range c.Indexes() {
		if err := c.RestoreRecordInto(idx, r); err != nil {
			return err
		}
	}
	return nil
}

// RestoreRecordInto indexes a committed record into a single index.
func (c *IndexCatalog) RestoreRecordInto(idx *Index, r domain.BsonRecord) error {
	keys, multikey, err := keysFor(idx.spec, idx.collator, r.Doc)
	if err != nil {
		return err
	}
	idx.restore(r.Id, keys, multikey)
	return nil
}

func subtractKeys(idx *Index, a, b []Key) []Key {
	var out []Key
	for _, k := range a {
		if !containsKey(b, k, idx.spec, idx.collator) {
			out = append(out, k)
		}
	}
	return out
}

// touchedFields collects the top-level fields named by an update
// description: a modifier document ({$set: {...}, $unset: {...}}) or a
// delta ({u: {...}, i: {...}, d: {...}, s<field>: {...}}). nil means
// unknown, so every index is affected.
func touchedFields(diff domain.Document) map[string]bool {
	if diff.IsEmpty() {
		return nil
	}
	elems, err := diff.Raw().Elements()
	if err != nil || len(elems) == 0 {
		return nil
	}
	touched := make(map[string]bool)
	for _, e := range elems {
		key := e.Key()
		switch {
		case key == "u" || key == "i" || key == "d" || (len(key) > 1 && key[0] == '$'):
			sub, ok := e.Value().DocumentOK()
			if !ok {
				return nil
			}
			fields, err := sub.Elements()
			if err != nil {
				return nil
			}
			for _, f := range fields {
				touched[topLevel(f.Key())] = true
			}
		case len(key) > 1 && key[0] == 's':
			touched[key[1:]] = true
		default:
			// Not an update description, e.g. a replacement document.
			return nil
		}
	}
	return touched
}

func indexTouched(spec IndexSpec, touched map[string]bool) bool {
	for _, k := range spec.Key {
		if touched[topLevel(k.Field)] {
			return true
		}
	}
	return false
}

func topLevel(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}
