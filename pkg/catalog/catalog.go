package catalog

import (
	"sort"
	"sync"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/indexing"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/google/uuid"
)

// DDLObserver is told about catalog changes inside the unit of work that
// makes them.
type DDLObserver interface {
	OnCreateCollection(op *txn.Operation, coll *Collection) error
	OnCreateIndex(op *txn.Operation, coll *Collection, spec indexing.IndexSpec) error
}

// Catalog maps namespaces to collections.
type Catalog struct {
	mu          sync.RWMutex
	collections map[string]*Collection
	byUUID      map[uuid.UUID]*Collection

	resources *lock.ResourceCatalog
	observer  DDLObserver
	logger    *logging.Logger
}

// New creates an empty catalog. resources may be nil.
func New(resources *lock.ResourceCatalog, logger *logging.Logger) *Catalog {
	return &Catalog{
		collections: make(map[string]*Collection),
		byUUID:      make(map[uuid.UUID]*Collection),
		resources:   resources,
		logger:      logging.OrNoop(logger).WithComponent("catalog"),
	}
}

// SetObserver installs the observer for collection and index creation.
func (c *Catalog) SetObserver(o DDLObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

func (c *Catalog) ddlObserver() DDLObserver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.observer
}

// CreateCollection registers a new collection. When op is in a write unit of
// work the registration is undone if the unit rolls back.
func (c *Catalog) CreateCollection(op *txn.Operation, ns domain.Namespace, opts CollectionOptions) (*Collection, error) {
	coll, err := NewCollection(ns, opts, c.logger.WithNamespace(ns.String()))
	if err != nil {
		return nil, err
	}
	if err := c.register(coll); err != nil {
		return nil, err
	}
	if op != nil && op.RecoveryUnit.InUnitOfWork() {
		op.RecoveryUnit.OnRollback(func() { c.unregister(coll) })
	}
	if obs := c.ddlObserver(); obs != nil && op != nil {
		if err := obs.OnCreateCollection(op, coll); err != nil {
			return nil, err
		}
	}
	c.logger.Info("created collection", "ns", ns.String(), "uuid", coll.UUID().String(),
		"capped", coll.IsCapped(), "clustered", coll.IsClustered())
	return coll, nil
}

// Register adds an already built collection, used by recovery.
func (c *Catalog) Register(coll *Collection) error {
	return c.register(coll)
}

func (c *Catalog) register(coll *Collection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := coll.NS().String()
	if _, ok := c.collections[key]; ok {
		return status.New(status.NamespaceExists, "collection %s already exists", key)
	}
	c.collections[key] = coll
	c.byUUID[coll.UUID()] = coll
	if c.resources != nil {
		c.resources.Add(coll.CollectionResource(), key)
		c.resources.Add(coll.MetadataResource(), key)
	}
	return nil
}

func (c *Catalog) unregister(coll *Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := coll.NS().String()
	if c.collections[key] != coll {
		return
	}
	delete(c.collections, key)
	delete(c.byUUID, coll.UUID())
	if c.resources != nil {
		c.resources.Remove(coll.CollectionResource(), key)
		c.resources.Remove(coll.MetadataResource(), key)
	}
	if n := coll.Store().CappedInsertNotifier(); n != nil {
		n.Kill()
	}
}

// DropCollection removes a collection and wakes any capped waiters.
func (c *Catalog) DropCollection(ns domain.Namespace) error {
	coll, ok := c.Lookup(ns)
	if !ok {
		return status.New(status.NamespaceNotFound, "collection %s not found", ns)
	}
	c.unregister(coll)
	return nil
}

// Lookup resolves a namespace.
func (c *Catalog) Lookup(ns domain.Namespace) (*Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coll, ok := c.collections[ns.String()]
	return coll, ok
}

// LookupByUUID resolves a collection by its UUID.
func (c *Catalog) LookupByUUID(id uuid.UUID) (*Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coll, ok := c.byUUID[id]
	return coll, ok
}

// List returns every collection ordered by namespace.
func (c *Catalog) List() []*Collection {
	c.mu.RLock()
	out := make([]*Collection, 0, len(c.collections))
	for _, coll := range c.collections {
		out = append(out, coll)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NS().String() < out[j].NS().String() })
	return out
}

// CreateIndex builds an index on coll and reports it to the observer.
func (c *Catalog) CreateIndex(op *txn.Operation, coll *Collection, spec indexing.IndexSpec) (*indexing.Index, error) {
	idx, err := coll.CreateIndex(spec)
	if err != nil {
		return nil, err
	}
	if op != nil && op.RecoveryUnit.InUnitOfWork() {
		name := idx.Name()
		op.RecoveryUnit.OnRollback(func() { _ = coll.Indexes().DropIndex(name) })
	}
	if obs := c.ddlObserver(); obs != nil && op != nil {
		if err := obs.OnCreateIndex(op, coll, idx.Spec()); err != nil {
			return nil, err
		}
	}
	c.logger.Info("created index", "ns", coll.NS().String(), logging.Index(idx.Name()), "entries", idx.NumEntries())
	return idx, nil
}
