// Package status carries coded errors through the write path. Codes are
// stable so callers can tell "fix your document" from "retry" from "bug".
package status

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Code is a stable numeric error code.
type Code int32

const (
	OK                        Code = 0
	InternalError             Code = 1
	BadValue                  Code = 2
	NoSuchKey                 Code = 4
	TypeMismatch              Code = 14
	IllegalOperation          Code = 20
	LockTimeout               Code = 24
	NamespaceNotFound         Code = 26
	NamespaceExists           Code = 48
	WriteConflict             Code = 112
	DocumentValidationFailure Code = 121
	FailPointEnabled          Code = 8000
	OperationCannotBeBatched  Code = 10101
	DuplicateKey              Code = 11000
	IdMismatch                Code = 13596
)

var codeNames = map[Code]string{
	OK:                        "OK",
	InternalError:             "InternalError",
	BadValue:                  "BadValue",
	NoSuchKey:                 "NoSuchKey",
	TypeMismatch:              "TypeMismatch",
	IllegalOperation:          "IllegalOperation",
	LockTimeout:               "LockTimeout",
	NamespaceNotFound:         "NamespaceNotFound",
	NamespaceExists:           "NamespaceExists",
	WriteConflict:             "WriteConflict",
	DocumentValidationFailure: "DocumentValidationFailure",
	FailPointEnabled:          "FailPointEnabled",
	OperationCannotBeBatched:  "OperationCannotBeBatched",
	DuplicateKey:              "DuplicateKey",
	IdMismatch:                "Location13596",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Location%d", int32(c))
}

// SafeValue lets redact print codes unredacted.
func (c Code) SafeValue() {}

// Error is an error with a code attached. The message and stack live in the
// wrapped cause.
type Error struct {
	code  Code
	cause error
	extra interface{}
}

func (e *Error) Error() string { return e.cause.Error() }

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Code() Code { return e.code }

// Extra returns structured detail attached to the error, such as
// *DuplicateKeyInfo.
func (e *Error) Extra() interface{} { return e.extra }

// New builds a coded error. Arguments are redactable unless wrapped with
// redact.Safe.
func New(code Code, format string, args ...interface{}) error {
	return &Error{code: code, cause: errors.NewWithDepthf(1, format, args...)}
}

// Wrap attaches a code to an existing error.
func Wrap(code Code, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, cause: errors.WrapWithDepthf(1, err, format, args...)}
}

// WithExtra builds a coded error carrying extra detail.
func WithExtra(code Code, extra interface{}, format string, args ...interface{}) error {
	return &Error{code: code, cause: errors.NewWithDepthf(1, format, args...), extra: extra}
}

// CodeOf returns the code of err. Assertion failures without a code report
// InternalError, as does any other uncoded error.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.code
	}
	return InternalError
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsWriteConflict reports whether the unit of work should be retried.
func IsWriteConflict(err error) bool {
	return Is(err, WriteConflict)
}

// WriteConflictError is returned by storage when two units of work touch the
// same record.
func WriteConflictError(reason string) error {
	return &Error{
		code:  WriteConflict,
		cause: errors.NewWithDepthf(1, "WriteConflict error: %s", redact.Safe(reason)),
	}
}
