package repl

import "github.com/cockroachdb/pebble"

// Durability is the guarantee given when a unit of work commits its oplog
// entries.
type Durability int

const (
	DurabilityNone   Durability = iota // No durability guarantees
	DurabilityMemory                   // Oplog kept in memory only
	DurabilityOS                       // Written to the OS page cache (default)
	DurabilityFull                     // fsync on every commit
)

func (d Durability) String() string {
	switch d {
	case DurabilityNone:
		return "none"
	case DurabilityMemory:
		return "memory"
	case DurabilityOS:
		return "os"
	case DurabilityFull:
		return "full"
	}
	return "unknown"
}

// ParseDurability parses the names returned by String.
func ParseDurability(s string) (Durability, bool) {
	for d := DurabilityNone; d <= DurabilityFull; d++ {
		if d.String() == s {
			return d, true
		}
	}
	return DurabilityOS, false
}

func (d Durability) writeOptions() *pebble.WriteOptions {
	if d == DurabilityFull {
		return pebble.Sync
	}
	return pebble.NoSync
}
