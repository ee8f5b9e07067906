package txn

import (
	"sync/atomic"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/cockroachdb/errors"
)

var (
	nextSnapshotId     atomic.Uint64
	nextRecoveryUnitId atomic.Uint64
)

type change struct {
	commit   func(ts domain.Timestamp)
	rollback func()
}

// RecoveryUnit owns the storage snapshot of one operation and the list of
// compensating actions of its current unit of work.
//
// Pre-commit hooks run first and may fail, which aborts the unit of work.
// Commit actions then run in registration order. Rollback actions run in
// reverse registration order.
type RecoveryUnit struct {
	id uint64

	snapshotId   domain.SnapshotId
	snapshotOpen bool

	inUnitOfWork bool
	preCommit    []func() error
	changes      []change
	commitTs     domain.Timestamp
}

// NewRecoveryUnit returns a recovery unit with no open snapshot.
func NewRecoveryUnit() *RecoveryUnit {
	return &RecoveryUnit{id: nextRecoveryUnitId.Add(1)}
}

// Id is unique per recovery unit. Storage uses it to tag uncommitted versions.
func (ru *RecoveryUnit) Id() uint64 { return ru.id }

// SnapshotId returns the id of the current snapshot, opening one if needed.
func (ru *RecoveryUnit) SnapshotId() domain.SnapshotId {
	if !ru.snapshotOpen {
		ru.snapshotId = domain.SnapshotId(nextSnapshotId.Add(1))
		ru.snapshotOpen = true
	}
	return ru.snapshotId
}

// AbandonSnapshot releases the snapshot so the next read sees newer data. It
// is not allowed inside a unit of work.
func (ru *RecoveryUnit) AbandonSnapshot() {
	if ru.inUnitOfWork {
		panic(errors.AssertionFailedf("cannot abandon snapshot inside a unit of work"))
	}
	ru.snapshotOpen = false
}

func (ru *RecoveryUnit) InUnitOfWork() bool { return ru.inUnitOfWork }

// BeginUnitOfWork starts collecting changes.
func (ru *RecoveryUnit) BeginUnitOfWork() {
	if ru.inUnitOfWork {
		panic(errors.AssertionFailedf("recovery unit %d already in a unit of work", ru.id))
	}
	ru.inUnitOfWork = true
	ru.commitTs = 0
	ru.SnapshotId()
}

// RegisterChange attaches a compensating pair to the unit of work. Either
// function may be nil.
func (ru *RecoveryUnit) RegisterChange(commit func(ts domain.Timestamp), rollback func()) {
	if !ru.inUnitOfWork {
		panic(errors.AssertionFailedf("change registered outside of a unit of work"))
	}
	ru.changes = append(ru.changes, change{commit: commit, rollback: rollback})
}

// OnCommit runs fn with the commit timestamp if the unit of work commits.
func (ru *RecoveryUnit) OnCommit(fn func(ts domain.Timestamp)) {
	ru.RegisterChange(fn, nil)
}

// OnRollback runs fn if the unit of work aborts.
func (ru *RecoveryUnit) OnRollback(fn func()) {
	ru.RegisterChange(nil, fn)
}

// OnPreCommit runs fn before commit actions. An error aborts the unit of work.
func (ru *RecoveryUnit) OnPreCommit(fn func() error) {
	if !ru.inUnitOfWork {
		panic(errors.AssertionFailedf("pre-commit hook registered outside of a unit of work"))
	}
	ru.preCommit = append(ru.preCommit, fn)
}

// SetTimestamp sets the commit timestamp. The first non-null timestamp set
// in a unit of work wins; later calls may only move it forward.
func (ru *RecoveryUnit) SetTimestamp(ts domain.Timestamp) error {
	if !ru.inUnitOfWork {
		return errors.AssertionFailedf("cannot set timestamp %s outside a unit of work", ts)
	}
	if ts < ru.commitTs {
		return errors.AssertionFailedf("commit timestamp %s is older than %s", ts, ru.commitTs)
	}
	ru.commitTs = ts
	return nil
}

// Timestamp returns the commit timestamp set so far.
func (ru *RecoveryUnit) Timestamp() domain.Timestamp { return ru.commitTs }

// CommitUnitOfWork runs pre-commit hooks, then commit actions. When a hook
// fails the unit of work is rolled back and the error returned.
func (ru *RecoveryUnit) CommitUnitOfWork() error {
	if !ru.inUnitOfWork {
		return errors.AssertionFailedf("commit outside of a unit of work")
	}
	for _, hook := range ru.preCommit {
		if err := hook(); err != nil {
			ru.AbortUnitOfWork()
			return err
		}
	}
	changes := ru.changes
	ts := ru.commitTs
	ru.reset()
	for _, c := range changes {
		if c.commit != nil {
			c.commit(ts)
		}
	}
	return nil
}

// AbortUnitOfWork runs rollback actions newest first.
func (ru *RecoveryUnit) AbortUnitOfWork() {
	if !ru.inUnitOfWork {
		return
	}
	changes := ru.changes
	ru.reset()
	for i := len(changes) - 1; i >= 0; i-- {
		if changes[i].rollback != nil {
			changes[i].rollback()
		}
	}
}

func (ru *RecoveryUnit) reset() {
	ru.inUnitOfWork = false
	ru.changes = nil
	ru.preCommit = nil
	ru.commitTs = 0
	ru.snapshotOpen = false
}
