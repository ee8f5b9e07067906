package txn

import "github.com/cockroachdb/errors"

// WriteUnitOfWork groups writes so they commit or roll back together. Units
// nest; only the outermost one talks to the recovery unit.
//
//	wuow := txn.NewWriteUnitOfWork(op)
//	defer wuow.Close()
//	... writes ...
//	return wuow.Commit()
type WriteUnitOfWork struct {
	op       *Operation
	toplevel bool
	done     bool
}

// NewWriteUnitOfWork opens a unit of work on op.
func NewWriteUnitOfWork(op *Operation) *WriteUnitOfWork {
	w := &WriteUnitOfWork{op: op, toplevel: op.wuowNesting == 0}
	op.wuowNesting++
	if w.toplevel {
		op.mustAbort = false
		op.RecoveryUnit.BeginUnitOfWork()
	}
	if op.Locker != nil {
		op.Locker.BeginWriteUnitOfWork()
	}
	return w
}

// Commit commits the unit of work. A nested unit only marks itself done.
func (w *WriteUnitOfWork) Commit() error {
	if w.done {
		return errors.AssertionFailedf("write unit of work committed twice")
	}
	w.done = true
	w.op.wuowNesting--
	defer w.endLocks()

	if !w.toplevel {
		return nil
	}
	if w.op.mustAbort {
		w.op.RecoveryUnit.AbortUnitOfWork()
		return errors.AssertionFailedf("nested write unit of work was aborted")
	}
	return w.op.RecoveryUnit.CommitUnitOfWork()
}

// Close aborts the unit of work unless it was committed. Aborting a nested
// unit poisons the outer one.
func (w *WriteUnitOfWork) Close() {
	if w.done {
		return
	}
	w.done = true
	w.op.wuowNesting--
	defer w.endLocks()

	if !w.toplevel {
		w.op.mustAbort = true
		return
	}
	w.op.RecoveryUnit.AbortUnitOfWork()
}

func (w *WriteUnitOfWork) endLocks() {
	if w.op.Locker != nil {
		w.op.Locker.EndWriteUnitOfWork()
	}
}
