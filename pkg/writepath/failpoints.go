package writepath

import (
	"sync"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/status"
)

// FailPoints are fault injection switches used by tests and consistency
// tooling.
type FailPoints struct {
	mu sync.RWMutex

	failInserts   bool
	failInsertsNS string

	skipDeletingRecord bool
}

// EnableFailCollectionInserts makes inserts fail with FailPointEnabled. An
// empty ns applies to every collection.
func (f *FailPoints) EnableFailCollectionInserts(ns string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failInserts = true
	f.failInsertsNS = ns
}

func (f *FailPoints) DisableFailCollectionInserts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failInserts = false
	f.failInsertsNS = ""
}

// SetSkipDeletingRecord leaves records in place on delete while still
// removing their index entries.
func (f *FailPoints) SetSkipDeletingRecord(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipDeletingRecord = on
}

func (f *FailPoints) checkInsert(ns domain.Namespace) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failInserts && (f.failInsertsNS == "" || f.failInsertsNS == ns.String()) {
		return status.New(status.FailPointEnabled, "failCollectionInserts fail point enabled for %s", ns)
	}
	return nil
}

func (f *FailPoints) skipDelete() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.skipDeletingRecord
}
