package txn

import (
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/google/uuid"
)

// DocumentValidationSettings disables parts of document validation for an
// operation.
type DocumentValidationSettings uint8

const (
	ValidationEnabled DocumentValidationSettings = 0
	// DisableSchemaValidation bypasses the collection validator.
	DisableSchemaValidation DocumentValidationSettings = 1 << 0
	// DisableSafeContentValidation allows writes that touch the
	// queryable encryption safe content field.
	DisableSafeContentValidation DocumentValidationSettings = 1 << 1
)

func (s DocumentValidationSettings) SchemaValidationDisabled() bool {
	return s&DisableSchemaValidation != 0
}

func (s DocumentValidationSettings) SafeContentValidationDisabled() bool {
	return s&DisableSafeContentValidation != 0
}

// Session identifies a retryable write.
type Session struct {
	LogicalSessionId uuid.UUID
	TxnNumber        int64
}

// Operation is the state of one logical operation. It is owned by a single
// goroutine.
type Operation struct {
	RecoveryUnit *RecoveryUnit
	Locker       *lock.Locker

	// InMultiDocumentTransaction is set for operations running inside a
	// multi-statement transaction.
	InMultiDocumentTransaction bool
	// FromRouter is set when the write was routed by a cluster router.
	FromRouter bool
	// ReplicatedWrites is cleared while applying the oplog so nothing is
	// logged twice.
	ReplicatedWrites bool
	// EnforceConstraints is cleared during oplog application. Capped trimming
	// is skipped then because the primary's deletes are replayed instead.
	EnforceConstraints bool

	DocumentValidation DocumentValidationSettings
	Session            *Session

	wuowNesting int
	mustAbort   bool
}

// OperationOption configures an Operation.
type OperationOption func(*Operation)

// WithMultiDocumentTransaction marks the operation as part of a transaction.
func WithMultiDocumentTransaction() OperationOption {
	return func(op *Operation) { op.InMultiDocumentTransaction = true }
}

// WithFromRouter marks the operation as routed.
func WithFromRouter() OperationOption {
	return func(op *Operation) { op.FromRouter = true }
}

// WithoutReplication disables oplog writes and constraint enforcement, as
// oplog application does.
func WithoutReplication() OperationOption {
	return func(op *Operation) {
		op.ReplicatedWrites = false
		op.EnforceConstraints = false
	}
}

// WithDocumentValidation sets validation bypass flags.
func WithDocumentValidation(s DocumentValidationSettings) OperationOption {
	return func(op *Operation) { op.DocumentValidation = s }
}

// WithSession makes the operation a retryable write.
func WithSession(s Session) OperationOption {
	return func(op *Operation) { op.Session = &s }
}

// NewOperation builds an operation with a fresh recovery unit.
func NewOperation(locker *lock.Locker, opts ...OperationOption) *Operation {
	op := &Operation{
		RecoveryUnit:       NewRecoveryUnit(),
		Locker:             locker,
		ReplicatedWrites:   true,
		EnforceConstraints: true,
	}
	for _, opt := range opts {
		opt(op)
	}
	return op
}

// IsRetryableWrite reports whether the operation carries a session and a
// transaction number outside a multi-document transaction.
func (op *Operation) IsRetryableWrite() bool {
	return op.Session != nil && !op.InMultiDocumentTransaction
}

func (op *Operation) InWriteUnitOfWork() bool { return op.wuowNesting > 0 }
