package api

import (
	"log"
	"net/http"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/gorilla/mux"
)

// HandleDeleteById handles DELETE requests to remove a document by _id
func (h *Handler) HandleDeleteById(w http.ResponseWriter, r *http.Request) {
	ns := h.namespace(r)
	id := parseValueParam(mux.Vars(r)["id"])

	log.Printf("INFO: handleDeleteById called for collection '%s' with id %s", ns, id)

	coll, ok := h.lookup(w, ns)
	if !ok {
		return
	}

	var opDebug metrics.OpDebug
	err := h.runWrite(r.Context(), "delete", ns, lock.ModeIX, &opDebug, func(op *txn.Operation) error {
		loc, doc, found := coll.FindById(op, id)
		if !found {
			return status.New(status.NoSuchKey, "document with _id %s not found in %s", id, ns)
		}
		return h.engine.DeleteDocumentSnapshot(r.Context(), op, coll, domain.UninitializedStmtId, doc, loc, &opDebug,
			false, false, domain.StoreDeletedDocOff, domain.CheckRecordIdOff, domain.RetryableWriteNo)
	})
	if err != nil {
		log.Printf("ERROR: Delete failed for collection '%s': %v", ns, err)
		WriteStatusError(w, err)
		return
	}

	log.Printf("INFO: Deleted document %s from collection '%s'", id, ns)
	w.WriteHeader(http.StatusNoContent)
}
