package storage

import (
	"context"
	"sync"
)

// CappedInsertNotifier wakes tailing readers when new capped records commit.
// Waiters remember the version they last saw and block until it moves.
type CappedInsertNotifier struct {
	mu      sync.Mutex
	version uint64
	changed chan struct{}
	dead    bool
}

func NewCappedInsertNotifier() *CappedInsertNotifier {
	return &CappedInsertNotifier{changed: make(chan struct{})}
}

// Version is the current notification count.
func (n *CappedInsertNotifier) Version() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.version
}

// NotifyAll bumps the version and wakes every waiter.
func (n *CappedInsertNotifier) NotifyAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dead {
		return
	}
	n.version++
	close(n.changed)
	n.changed = make(chan struct{})
}

// Kill wakes all waiters for good; used when the collection is dropped.
func (n *CappedInsertNotifier) Kill() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dead {
		return
	}
	n.dead = true
	close(n.changed)
}

func (n *CappedInsertNotifier) IsDead() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dead
}

// Wait blocks until the version differs from prev, the notifier is killed or
// ctx is done. It returns the version observed.
func (n *CappedInsertNotifier) Wait(ctx context.Context, prev uint64) (uint64, error) {
	for {
		n.mu.Lock()
		if n.version != prev || n.dead {
			v := n.version
			n.mu.Unlock()
			return v, nil
		}
		ch := n.changed
		n.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return prev, ctx.Err()
		}
	}
}
