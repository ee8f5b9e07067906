package lock

import (
	"context"
	"sync/atomic"
)

var nextLockerId atomic.Uint64

type heldLock struct {
	mode  Mode
	count int
}

// Locker is the per-operation view of the lock manager. It is not safe for
// concurrent use.
//
// Inside a write unit of work, releases of IX and X locks are deferred until
// the outermost unit of work ends, which gives strict two-phase locking for
// everything the unit of work wrote.
type Locker struct {
	id      uint64
	manager *Manager
	held    map[ResourceId]*heldLock

	wuowDepth int
	deferred  []ResourceId
}

// NewLocker creates a Locker bound to manager.
func NewLocker(manager *Manager) *Locker {
	return &Locker{
		id:      nextLockerId.Add(1),
		manager: manager,
		held:    make(map[ResourceId]*heldLock),
	}
}

func (l *Locker) Id() uint64 { return l.id }

// Lock acquires mode on rid, waiting until ctx is done.
func (l *Locker) Lock(ctx context.Context, rid ResourceId, mode Mode) error {
	if h, ok := l.held[rid]; ok && h.mode.Covers(mode) {
		h.count++
		return nil
	}
	if err := l.manager.acquire(ctx, l.id, rid, mode); err != nil {
		return err
	}
	h, ok := l.held[rid]
	if !ok {
		h = &heldLock{}
		l.held[rid] = h
	}
	h.mode = strongest(h.mode, mode)
	h.count++
	return nil
}

// Unlock releases one acquisition of rid. It returns false when the release
// was deferred to the end of the unit of work.
func (l *Locker) Unlock(rid ResourceId) bool {
	h, ok := l.held[rid]
	if !ok {
		return false
	}
	if l.wuowDepth > 0 && (h.mode == ModeX || h.mode == ModeIX) {
		l.deferred = append(l.deferred, rid)
		return false
	}
	l.unlockOne(rid, h)
	return true
}

func (l *Locker) unlockOne(rid ResourceId, h *heldLock) {
	h.count--
	if h.count > 0 {
		return
	}
	delete(l.held, rid)
	l.manager.release(l.id, rid)
}

// BeginWriteUnitOfWork starts deferring IX/X releases.
func (l *Locker) BeginWriteUnitOfWork() {
	l.wuowDepth++
}

// EndWriteUnitOfWork performs the deferred releases once the outermost unit
// of work ends.
func (l *Locker) EndWriteUnitOfWork() {
	if l.wuowDepth == 0 {
		return
	}
	l.wuowDepth--
	if l.wuowDepth > 0 {
		return
	}
	deferred := l.deferred
	l.deferred = nil
	for _, rid := range deferred {
		if h, ok := l.held[rid]; ok {
			l.unlockOne(rid, h)
		}
	}
}

func (l *Locker) InWriteUnitOfWork() bool { return l.wuowDepth > 0 }

// IsLockHeldForMode reports whether the locker holds rid in a mode that
// covers mode.
func (l *Locker) IsLockHeldForMode(rid ResourceId, mode Mode) bool {
	h, ok := l.held[rid]
	return ok && h.mode.Covers(mode)
}

// IsCollectionLockedForMode checks the collection resource for ns.
func (l *Locker) IsCollectionLockedForMode(ns string, mode Mode) bool {
	return l.IsLockHeldForMode(NewResourceId(ResourceCollection, ns), mode)
}

// UnlockAll drops every lock regardless of unit of work state.
func (l *Locker) UnlockAll() {
	for rid := range l.held {
		l.manager.release(l.id, rid)
	}
	l.held = make(map[ResourceId]*heldLock)
	l.deferred = nil
	l.wuowDepth = 0
}
