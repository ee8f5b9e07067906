package lock

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ResourceType is the kind of thing a ResourceId names.
type ResourceType int

const (
	ResourceGlobal ResourceType = iota
	ResourceDatabase
	ResourceCollection
	ResourceMetadata
	ResourceMutex
)

func (t ResourceType) String() string {
	switch t {
	case ResourceGlobal:
		return "Global"
	case ResourceDatabase:
		return "Database"
	case ResourceCollection:
		return "Collection"
	case ResourceMetadata:
		return "Metadata"
	case ResourceMutex:
		return "Mutex"
	}
	return "Unknown"
}

// ResourceId is a hashed lockable name.
type ResourceId struct {
	Type ResourceType
	Hash uint64
}

// NewResourceId hashes name into a ResourceId of the given type.
func NewResourceId(t ResourceType, name string) ResourceId {
	return ResourceId{Type: t, Hash: xxhash.Sum64String(name)}
}

// GlobalResource is the single instance-wide resource.
var GlobalResource = ResourceId{Type: ResourceGlobal}

func (r ResourceId) String() string {
	return fmt.Sprintf("{%s: %x}", r.Type, r.Hash)
}

// ResourceCatalog maps ResourceIds back to the names they were built from.
// It is only used for diagnostics.
type ResourceCatalog struct {
	mu    sync.Mutex
	names map[ResourceId]map[string]struct{}
}

// NewResourceCatalog returns an empty catalog.
func NewResourceCatalog() *ResourceCatalog {
	return &ResourceCatalog{names: make(map[ResourceId]map[string]struct{})}
}

// Add records name under id.
func (c *ResourceCatalog) Add(id ResourceId, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.names[id]
	if !ok {
		set = make(map[string]struct{})
		c.names[id] = set
	}
	set[name] = struct{}{}
}

// Remove forgets name under id.
func (c *ResourceCatalog) Remove(id ResourceId, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.names[id]
	if !ok {
		return
	}
	delete(set, name)
	if len(set) == 0 {
		delete(c.names, id)
	}
}

// Name returns the name for id. It fails when the id is unknown or when two
// names collide on the same hash.
func (c *ResourceCatalog) Name(id ResourceId) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.names[id]
	if len(set) != 1 {
		return "", false
	}
	for name := range set {
		return name, true
	}
	return "", false
}
