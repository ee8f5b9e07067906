package lock

import (
	"context"
	"sync"

	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/cockroachdb/redact"
)

// Mode is a lock mode.
type Mode int

const (
	ModeNone Mode = iota
	ModeIS
	ModeIX
	ModeS
	ModeX
)

func (m Mode) String() string {
	switch m {
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeX:
		return "X"
	}
	return "NONE"
}

// compatible[a][b] is true when a can be granted while b is held by another locker.
var compatible = [5][5]bool{
	ModeNone: {true, true, true, true, true},
	ModeIS:   {true, true, true, true, false},
	ModeIX:   {true, true, true, false, false},
	ModeS:    {true, true, false, true, false},
	ModeX:    {true, false, false, false, false},
}

// Covers reports whether holding m satisfies a request for want.
func (m Mode) Covers(want Mode) bool {
	switch m {
	case ModeX:
		return true
	case ModeS:
		return want == ModeS || want == ModeIS || want == ModeNone
	case ModeIX:
		return want == ModeIX || want == ModeIS || want == ModeNone
	case ModeIS:
		return want == ModeIS || want == ModeNone
	}
	return want == ModeNone
}

func strongest(a, b Mode) Mode {
	if a.Covers(b) {
		return a
	}
	if b.Covers(a) {
		return b
	}
	// IX + S
	return ModeX
}

type lockHead struct {
	granted map[uint64]Mode
	changed chan struct{}
}

// Manager grants locks on ResourceIds to Lockers.
type Manager struct {
	mu        sync.Mutex
	heads     map[ResourceId]*lockHead
	resources *ResourceCatalog
}

// NewManager builds a lock manager. resources may be nil.
func NewManager(resources *ResourceCatalog) *Manager {
	if resources == nil {
		resources = NewResourceCatalog()
	}
	return &Manager{heads: make(map[ResourceId]*lockHead), resources: resources}
}

// Resources returns the catalog used to name resources in diagnostics.
func (m *Manager) Resources() *ResourceCatalog { return m.resources }

func (m *Manager) head(rid ResourceId) *lockHead {
	h, ok := m.heads[rid]
	if !ok {
		h = &lockHead{granted: make(map[uint64]Mode), changed: make(chan struct{})}
		m.heads[rid] = h
	}
	return h
}

// acquire grants mode on rid to locker, waiting until it is compatible with
// every other holder or ctx is done. A locker that already holds the
// resource is converted to the strongest of both modes.
func (m *Manager) acquire(ctx context.Context, locker uint64, rid ResourceId, mode Mode) error {
	for {
		m.mu.Lock()
		h := m.head(rid)
		want := strongest(h.granted[locker], mode)
		ok := true
		for other, held := range h.granted {
			if other != locker && !compatible[want][held] {
				ok = false
				break
			}
		}
		if ok {
			h.granted[locker] = want
			m.mu.Unlock()
			return nil
		}
		wait := h.changed
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			name, found := m.resources.Name(rid)
			if !found {
				name = rid.String()
			}
			return status.Wrap(status.LockTimeout, ctx.Err(),
				"unable to acquire %s lock on %s", redact.Safe(mode), redact.Safe(name))
		}
	}
}

// release drops locker's hold on rid entirely.
func (m *Manager) release(locker uint64, rid ResourceId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.heads[rid]
	if !ok {
		return
	}
	delete(h.granted, locker)
	close(h.changed)
	h.changed = make(chan struct{})
	if len(h.granted) == 0 {
		delete(m.heads, rid)
	}
}

// GrantedMode returns the mode locker holds on rid, for diagnostics.
func (m *Manager) GrantedMode(locker uint64, rid ResourceId) Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.heads[rid]; ok {
		return h.granted[locker]
	}
	return ModeNone
}
