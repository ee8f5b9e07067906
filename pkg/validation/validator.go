// Package validation checks documents against a collection validator.
package validation

import (
	"strings"

	"github.com/SierraSoftworks/connor"
	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/cockroachdb/redact"
	"go.mongodb.org/mongo-driver/bson"
)

// Level controls which writes are validated.
type Level int

const (
	// LevelStrict validates every insert and update.
	LevelStrict Level = iota
	// LevelModerate lets updates to documents that already fail validation
	// through.
	LevelModerate
	LevelOff
)

func (l Level) String() string {
	switch l {
	case LevelStrict:
		return "strict"
	case LevelModerate:
		return "moderate"
	case LevelOff:
		return "off"
	}
	return "unknown"
}

// ParseLevel parses "strict", "moderate" or "off". Empty means strict.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "", "strict":
		return LevelStrict, nil
	case "moderate":
		return LevelModerate, nil
	case "off":
		return LevelOff, nil
	}
	return LevelStrict, status.New(status.BadValue, "invalid validationLevel %q", s)
}

// Action controls what happens to a document that fails validation.
type Action int

const (
	ActionError Action = iota
	ActionWarn
)

func (a Action) String() string {
	if a == ActionWarn {
		return "warn"
	}
	return "error"
}

// ParseAction parses "error" or "warn". Empty means error.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "", "error":
		return ActionError, nil
	case "warn":
		return ActionWarn, nil
	}
	return ActionError, status.New(status.BadValue, "invalid validationAction %q", s)
}

// Result is the outcome of checking one document.
type Result int

const (
	Pass Result = iota
	Warn
	Fail
)

// Validator matches documents against a filter expression.
type Validator struct {
	raw    bson.Raw
	filter map[string]interface{}
	level  Level
	action Action
}

// New builds a validator. An empty filter never rejects anything.
func New(filter bson.Raw, level Level, action Action) (*Validator, error) {
	v := &Validator{raw: filter, level: level, action: action}
	if len(filter) == 0 {
		return v, nil
	}
	m, err := document.ToMap(filter)
	if err != nil {
		return nil, status.Wrap(status.BadValue, err, "invalid validator")
	}
	if len(m) > 0 {
		v.filter = m
	}
	return v, nil
}

func (v *Validator) Filter() bson.Raw { return v.raw }

func (v *Validator) Level() Level { return v.level }

func (v *Validator) Action() Action { return v.action }

// IsActive reports whether the validator can reject or warn about anything.
func (v *Validator) IsActive() bool {
	return v != nil && v.filter != nil && v.level != LevelOff
}

// Matches reports whether doc satisfies the filter, ignoring the level.
func (v *Validator) Matches(doc domain.Document) (bool, error) {
	if v == nil || v.filter == nil {
		return true, nil
	}
	data, err := document.ToMap(doc.Raw())
	if err != nil {
		return false, status.Wrap(status.BadValue, err, "cannot evaluate validator")
	}
	ok, err := connor.Match(v.filter, data)
	if err != nil {
		return false, status.Wrap(status.BadValue, err, "cannot evaluate validator")
	}
	return ok, nil
}

// Check validates doc. The returned error is a DocumentValidationFailure for
// Fail and Warn results; with ActionWarn callers log it and proceed.
func (v *Validator) Check(doc domain.Document) (Result, error) {
	if !v.IsActive() {
		return Pass, nil
	}
	ok, err := v.Matches(doc)
	if err != nil {
		return Fail, err
	}
	if ok {
		return Pass, nil
	}
	failure := status.New(status.DocumentValidationFailure, "Document failed validation: %s", doc.String())
	if v.action == ActionWarn {
		return Warn, failure
	}
	return Fail, failure
}

// SafeString describes the validator for logs.
func (v *Validator) SafeString() redact.RedactableString {
	return redact.Sprintf("validator{level: %s, action: %s}", redact.Safe(v.level.String()), redact.Safe(v.action.String()))
}
