package writepath

import (
	"bytes"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/adfharrison1/collwrite/pkg/validation"
	"github.com/cockroachdb/errors"
)

// checkInsertValidation rejects an invalid new document unless the
// validator only warns. Insert has no old document, so moderate behaves
// like strict.
func (e *Engine) checkInsertValidation(op *txn.Operation, coll *catalog.Collection, doc domain.Document) error {
	v := coll.Validator()
	if op.DocumentValidation.SchemaValidationDisabled() || !v.IsActive() {
		return nil
	}
	res, err := v.Check(doc)
	return e.validationOutcome(coll, res, err)
}

// checkUpdateValidation is checkInsertValidation, except that under the
// moderate level a document that was already invalid may stay invalid.
func (e *Engine) checkUpdateValidation(op *txn.Operation, coll *catalog.Collection, oldDoc, newDoc domain.Document) error {
	v := coll.Validator()
	if op.DocumentValidation.SchemaValidationDisabled() || !v.IsActive() {
		return nil
	}
	res, err := v.Check(newDoc)
	if res != validation.Pass && v.Level() == validation.LevelModerate {
		if oldValid, merr := v.Matches(oldDoc); merr == nil && !oldValid {
			return nil
		}
	}
	return e.validationOutcome(coll, res, err)
}

func (e *Engine) validationOutcome(coll *catalog.Collection, res validation.Result, err error) error {
	switch res {
	case validation.Pass:
		return nil
	case validation.Warn:
		e.logger.Warn("document would fail validation", "ns", coll.NS().String(), logging.Err(err))
		e.metrics.RecordValidationWarning()
		return nil
	}
	return err
}

func safeContentChecked(op *txn.Operation, coll *catalog.Collection) bool {
	s := op.DocumentValidation
	return coll.EncryptedFieldConfig() != nil && !s.SchemaValidationDisabled() && !s.SafeContentValidationDisabled()
}

func checkSafeContentOnInsert(op *txn.Operation, coll *catalog.Collection, doc domain.Document) error {
	if !safeContentChecked(op, coll) || coll.NS().IsTemporaryReshardingCollection() {
		return nil
	}
	if doc.HasField(domain.SafeContentField) {
		return status.New(status.BadValue, "Cannot insert a document with field name %s", domain.SafeContentField)
	}
	return nil
}

func checkSafeContentOnUpdate(op *txn.Operation, coll *catalog.Collection, oldDoc, newDoc domain.Document) error {
	if !safeContentChecked(op, coll) {
		return nil
	}
	oldV, oldHas := oldDoc.Lookup(domain.SafeContentField)
	newV, newHas := newDoc.Lookup(domain.SafeContentField)
	if oldHas != newHas {
		return status.New(status.BadValue, "New document and old document both need to have %s field.", domain.SafeContentField)
	}
	if oldHas && (oldV.Type != newV.Type || !bytes.Equal(oldV.Value, newV.Value)) {
		return status.New(status.BadValue, "Not allowed to modify %s field.", domain.SafeContentField)
	}
	return nil
}

// checkIdUnchanged compares _id under the collection's collation.
func checkIdUnchanged(coll *catalog.Collection, oldDoc, newDoc domain.Document) error {
	oldId, oldOk := oldDoc.Id()
	newId, newOk := newDoc.Id()
	if oldOk && newOk && document.Equal(oldId, newId, coll.Collator()) {
		return nil
	}
	return errors.WithAssertionFailure(status.New(status.IdMismatch, "in Collection::updateDocument(): _id mismatch"))
}
