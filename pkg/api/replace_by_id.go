package api

import (
	"io"
	"log"
	"net/http"

	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/gorilla/mux"
)

// HandleReplaceById handles PUT requests that replace a document by _id.
// A body without _id keeps the one from the URL; a different _id is
// rejected by the write path.
func (h *Handler) HandleReplaceById(w http.ResponseWriter, r *http.Request) {
	ns := h.namespace(r)
	id := parseValueParam(mux.Vars(r)["id"])

	log.Printf("INFO: handleReplaceById called for collection '%s' with id %s", ns, id)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	newDoc, err := decodeDocument(body, &id)
	if err != nil {
		log.Printf("ERROR: Decoding body failed: %v", err)
		WriteStatusError(w, err)
		return
	}

	criteria, err := document.IdDocument(id)
	if err != nil {
		WriteStatusError(w, status.Wrap(status.BadValue, err, "invalid _id"))
		return
	}

	coll, ok := h.lookup(w, ns)
	if !ok {
		return
	}

	var opDebug metrics.OpDebug
	var loc domain.RecordId
	err = h.runWrite(r.Context(), "update", ns, lock.ModeIX, &opDebug, func(op *txn.Operation) error {
		oldLoc, oldDoc, found := coll.FindById(op, id)
		if !found {
			return status.New(status.NoSuchKey, "document with _id %s not found in %s", id, ns)
		}
		args := &domain.CollectionUpdateArgs{Update: newDoc, Criteria: domain.NewOwnedDocument(criteria)}
		var err error
		loc, err = h.engine.UpdateDocument(r.Context(), op, coll, oldLoc, oldDoc, newDoc, true, &opDebug, args)
		return err
	})
	if err != nil {
		log.Printf("ERROR: Replace failed for collection '%s': %v", ns, err)
		WriteStatusError(w, err)
		return
	}

	log.Printf("INFO: Replaced document %s in collection '%s'", id, ns)
	enc, err := encodeDocument(newDoc)
	if err != nil {
		WriteJSONError(w, http.StatusInternalServerError, "Failed to encode document")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"document":      enc,
		"record_id":     loc.String(),
		"keys_inserted": opDebug.KeysInserted,
		"keys_deleted":  opDebug.KeysDeleted,
	})
}
