package domain

import "strings"

// Namespace is a "db.collection" name.
type Namespace struct {
	DB   string
	Coll string
}

// ParseNamespace splits on the first dot. A name without a dot lands in the
// "test" database.
func ParseNamespace(ns string) Namespace {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return Namespace{DB: ns[:i], Coll: ns[i+1:]}
	}
	return Namespace{DB: "test", Coll: ns}
}

func (n Namespace) String() string { return n.DB + "." + n.Coll }

func (n Namespace) IsOplog() bool { return n.DB == "local" && strings.HasPrefix(n.Coll, "oplog.") }

func (n Namespace) IsSystem() bool { return strings.HasPrefix(n.Coll, "system.") }

// IsTemporaryReshardingCollection matches the collections resharding clones
// documents into.
func (n Namespace) IsTemporaryReshardingCollection() bool {
	return strings.HasPrefix(n.Coll, "system.resharding.")
}

// IsImplicitlyReplicated reports namespaces whose writes are logged by their
// owner rather than by the generic insert path.
func (n Namespace) IsImplicitlyReplicated() bool {
	if n.DB == "config" && (n.Coll == "system.preimages" || n.Coll == "image_collection") {
		return true
	}
	return n.DB == "config" && strings.HasPrefix(n.Coll, "system.change_collection")
}

// IsReplicated reports whether writes to the namespace go to the oplog.
func (n Namespace) IsReplicated() bool {
	if n.DB == "local" {
		return false
	}
	return !(n.Coll == "system.profile" || strings.HasPrefix(n.Coll, "system.buckets.tmp"))
}
