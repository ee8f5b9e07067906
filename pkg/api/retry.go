package api

import (
	"context"
	"log"
	"time"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
)

const maxBackoff = 100 * time.Millisecond

// writeConflictRetry runs fn until it succeeds, fails with something other
// than a write conflict, or the retry limit is reached. Each attempt must
// open its own unit of work so a conflict rolls everything back.
func (h *Handler) writeConflictRetry(ctx context.Context, opName string, ns domain.Namespace, opDebug *metrics.OpDebug, fn func() error) error {
	backoff := h.backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if !status.IsWriteConflict(err) {
			return err
		}
		h.metrics.RecordWriteConflict()
		if opDebug != nil {
			opDebug.WriteConflicts++
		}
		if attempt >= h.maxRetries {
			log.Printf("ERROR: %s on '%s' gave up after %d write conflicts", opName, ns, attempt+1)
			return err
		}
		log.Printf("WARN: %s on '%s' hit a write conflict, retrying (attempt %d)", opName, ns, attempt+1)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return status.Wrap(status.LockTimeout, ctx.Err(), "%s on %s cancelled while retrying", opName, ns)
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runWrite runs fn in a write unit of work holding intent locks down to the
// collection, which is locked in collMode, and retries on write conflicts.
func (h *Handler) runWrite(ctx context.Context, opName string, ns domain.Namespace, collMode lock.Mode,
	opDebug *metrics.OpDebug, fn func(op *txn.Operation) error) (err error) {
	start := time.Now()
	defer func() { h.metrics.ObserveLatency(metrics.Op(opName), time.Since(start), err) }()

	return h.writeConflictRetry(ctx, opName, ns, opDebug, func() error {
		locker := lock.NewLocker(h.locks)
		defer locker.UnlockAll()
		if err := lockCollection(ctx, locker, ns, lock.ModeIX, collMode); err != nil {
			return err
		}

		op := txn.NewOperation(locker)
		wuow := txn.NewWriteUnitOfWork(op)
		defer wuow.Close()
		if err := fn(op); err != nil {
			return err
		}
		return wuow.Commit()
	})
}

// runRead runs fn with intent-shared locks down to the collection.
func (h *Handler) runRead(ctx context.Context, ns domain.Namespace, fn func(op *txn.Operation) error) error {
	locker := lock.NewLocker(h.locks)
	defer locker.UnlockAll()
	if err := lockCollection(ctx, locker, ns, lock.ModeIS, lock.ModeIS); err != nil {
		return err
	}
	return fn(txn.NewOperation(locker))
}

func lockCollection(ctx context.Context, locker *lock.Locker, ns domain.Namespace, intent, collMode lock.Mode) error {
	if err := locker.Lock(ctx, lock.GlobalResource, intent); err != nil {
		return err
	}
	if err := locker.Lock(ctx, lock.NewResourceId(lock.ResourceDatabase, ns.DB), intent); err != nil {
		return err
	}
	return locker.Lock(ctx, lock.NewResourceId(lock.ResourceCollection, ns.String()), collMode)
}
