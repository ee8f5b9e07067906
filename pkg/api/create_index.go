package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/adfharrison1/collwrite/pkg/indexing"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/txn"
)

// HandleCreateIndex creates an index described by the IndexSpec in the body
func (h *Handler) HandleCreateIndex(w http.ResponseWriter, r *http.Request) {
	ns := h.namespace(r)
	log.Printf("INFO: handleCreateIndex called for collection '%s'", ns)

	var spec indexing.IndexSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		log.Printf("ERROR: Decoding body failed: %v", err)
		WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	coll, ok := h.lookup(w, ns)
	if !ok {
		return
	}

	var idx *indexing.Index
	err := h.runWrite(r.Context(), "createIndexes", ns, lock.ModeX, nil, func(op *txn.Operation) error {
		var err error
		idx, err = h.catalog.CreateIndex(op, coll, spec)
		return err
	})
	if err != nil {
		log.Printf("ERROR: Create index failed for collection '%s': %v", ns, err)
		WriteStatusError(w, err)
		return
	}

	log.Printf("INFO: Created index '%s' on collection '%s'", idx.Name(), ns)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"message":    "Index created successfully",
		"collection": ns.String(),
		"name":       idx.Name(),
	})
}
