package indexing

import (
	"fmt"
	"sync"

	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/google/btree"
	"go.mongodb.org/mongo-driver/bson"
)

// entry is one (key, RecordId) pair. insertedBy and deletedBy hold the id of
// the recovery unit with an uncommitted insert or delete of the entry.
type entry struct {
	key        Key
	id         domain.RecordId
	insertedBy uint64
	deletedBy  uint64
}

func (e *entry) visibleTo(owner uint64) bool {
	return (e.insertedBy == 0 || e.insertedBy == owner) && e.deletedBy != owner
}

// Index is a sorted set of entries for one IndexSpec.
type Index struct {
	ns       string
	spec     IndexSpec
	collator *document.Collator

	mu       sync.RWMutex
	entries  *btree.BTreeG[*entry]
	multikey bool
}

func newIndex(ns string, spec IndexSpec, collator *document.Collator) *Index {
	idx := &Index{ns: ns, spec: spec, collator: collator}
	idx.entries = btree.NewG[*entry](32, func(a, b *entry) bool {
		if c := idx.compareKeys(a.key, b.key); c != 0 {
			return c < 0
		}
		return a.id.Less(b.id)
	})
	return idx
}

func (idx *Index) compareKeys(a, b Key) int {
	// A nil key is the lowest possible key and only used as a search bound.
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return compareKeys(idx.spec, idx.collator, a, b)
}

func (idx *Index) Name() string { return idx.spec.Name }

func (idx *Index) Spec() IndexSpec { return idx.spec }

func (idx *Index) IsUnique() bool { return idx.spec.Unique }

// IsMultikey reports whether any document produced more than one key.
func (idx *Index) IsMultikey() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.multikey
}

// NumEntries counts every entry, committed or not.
func (idx *Index) NumEntries() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.entries.Len()
}

// GetKeys returns the keys doc produces in this index.
func (idx *Index) GetKeys(doc domain.Document) ([]Key, error) {
	keys, _, err := keysFor(idx.spec, idx.collator, doc)
	return keys, err
}

// KeyDocument renders k against the key pattern, e.g. {a: 1}.
func (idx *Index) KeyDocument(k Key) bson.Raw { return keyDocument(idx.spec, k) }

// Lookup returns the RecordIds visible to op whose key equals key.
func (idx *Index) Lookup(op *txn.Operation, key Key) []domain.RecordId {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	owner := op.RecoveryUnit.Id()
	var out []domain.RecordId
	idx.ascendKey(key, func(e *entry) bool {
		if e.visibleTo(owner) {
			out = append(out, e.id)
		}
		return true
	})
	return out
}

// ascendKey visits every entry with exactly key. Callers hold idx.mu.
func (idx *Index) ascendKey(key Key, fn func(*entry) bool) {
	idx.entries.AscendGreaterOrEqual(&entry{key: key}, func(e *entry) bool {
		if idx.compareKeys(e.key, key) != 0 {
			return false
		}
		return fn(e)
	})
}

// insertKeys adds (key, id) for every key. It fails without side effects on
// a unique violation.
func (idx *Index) insertKeys(op *txn.Operation, id domain.RecordId, keys []Key, multikey bool) (int64, error) {
	owner := op.RecoveryUnit.Id()
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.spec.Unique {
		for _, k := range keys {
			if err := idx.checkUnique(owner, k, id); err != nil {
				return 0, err
			}
		}
	}

	var inserted int64
	for _, k := range keys {
		probe := &entry{key: k, id: id}
		if e, ok := idx.entries.Get(probe); ok {
			if e.deletedBy == owner {
				e.deletedBy = 0
				op.RecoveryUnit.OnRollback(func() {
					idx.mu.Lock()
					e.deletedBy = owner
					idx.mu.Unlock()
				})
				inserted++
			}
			continue
		}
		e := &entry{key: k, id: id, insertedBy: owner}
		idx.entries.ReplaceOrInsert(e)
		op.RecoveryUnit.RegisterChange(func(domain.Timestamp) {
			idx.mu.Lock()
			e.insertedBy = 0
			idx.mu.Unlock()
		}, func() {
			idx.mu.Lock()
			idx.entries.Delete(e)
			idx.mu.Unlock()
		})
		inserted++
	}
	if multikey && !idx.multikey {
		idx.multikey = true
	}
	return inserted, nil
}

func (idx *Index) checkUnique(owner uint64, k Key, id domain.RecordId) error {
	var err error
	idx.ascendKey(k, func(e *entry) bool {
		if e.id == id || e.deletedBy == owner {
			return true
		}
		if (e.insertedBy != 0 && e.insertedBy != owner) || (e.deletedBy != 0 && e.deletedBy != owner) {
			err = status.WriteConflictError(fmt.Sprintf("uncommitted entry in unique index %s", idx.spec.Name))
			return false
		}
		err = status.DuplicateKeyError(idx.ns, idx.spec.Name, idx.spec.KeyPattern(), keyDocument(idx.spec, k))
		return false
	})
	return err
}

// removeKeys deletes (key, id) for every key and reports how many entries
// were found.
func (idx *Index) removeKeys(op *txn.Operation, id domain.RecordId, keys []Key) (removed int64, missing []Key, err error) {
	owner := op.RecoveryUnit.Id()
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, k := range keys {
		e, ok := idx.entries.Get(&entry{key: k, id: id})
		if !ok || !e.visibleTo(owner) {
			missing = append(missing, k)
			continue
		}
		if e.deletedBy != 0 && e.deletedBy != owner {
			return removed, missing, status.WriteConflictError(fmt.Sprintf("uncommitted delete in index %s", idx.spec.Name))
		}
		if e.insertedBy == owner {
			idx.entries.Delete(e)
			op.RecoveryUnit.OnRollback(func() {
				idx.mu.Lock()
				idx.entries.ReplaceOrInsert(e)
				idx.mu.Unlock()
			})
		} else {
			e.deletedBy = owner
			op.RecoveryUnit.RegisterChange(func(domain.Timestamp) {
				idx.mu.Lock()
				idx.entries.Delete(e)
				idx.mu.Unlock()
			}, func() {
				idx.mu.Lock()
				e.deletedBy = 0
				idx.mu.Unlock()
			})
		}
		removed++
	}
	return removed, missing, nil
}

// recordIdsForKey returns every visible RecordId stored under key.
func (idx *Index) recordIdsForKey(owner uint64, key Key) []domain.RecordId {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var ids []domain.RecordId
	idx.ascendKey(key, func(e *entry) bool {
		if e.visibleTo(owner) {
			ids = append(ids, e.id)
		}
		return true
	})
	return ids
}

// restore adds committed entries without a unit of work. Used when building
// an index during startup recovery.
func (idx *Index) restore(id domain.RecordId, keys []Key, multikey bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, k := range keys {
		idx.entries.ReplaceOrInsert(&entry{key: k, id: id})
	}
	if multikey {
		idx.multikey = true
	}
}
