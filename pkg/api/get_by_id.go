package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/gorilla/mux"
)

// DocumentResponse wraps one document and where it is stored.
type DocumentResponse struct {
	Document json.RawMessage `json:"document"`
	RecordId string          `json:"record_id"`
}

// HandleGetById handles GET requests to retrieve a document by _id
func (h *Handler) HandleGetById(w http.ResponseWriter, r *http.Request) {
	ns := h.namespace(r)
	id := parseValueParam(mux.Vars(r)["id"])

	log.Printf("INFO: handleGetById called for collection '%s' with id %s", ns, id)

	coll, ok := h.lookup(w, ns)
	if !ok {
		return
	}

	var loc domain.RecordId
	var doc domain.Document
	err := h.runRead(r.Context(), ns, func(op *txn.Operation) error {
		var found bool
		var snap domain.Snapshotted[domain.Document]
		loc, snap, found = coll.FindById(op, id)
		if !found {
			return status.New(status.NoSuchKey, "document with _id %s not found in %s", id, ns)
		}
		doc = snap.Value
		return nil
	})
	if err != nil {
		log.Printf("ERROR: Get by id failed for collection '%s': %v", ns, err)
		WriteStatusError(w, err)
		return
	}

	enc, err := encodeDocument(doc)
	if err != nil {
		WriteJSONError(w, http.StatusInternalServerError, "Failed to encode document")
		return
	}
	writeJSON(w, http.StatusOK, DocumentResponse{Document: enc, RecordId: loc.String()})
}
