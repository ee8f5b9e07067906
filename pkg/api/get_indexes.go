package api

import (
	"log"
	"net/http"

	"github.com/adfharrison1/collwrite/pkg/indexing"
)

// IndexInfo describes one index of a collection.
type IndexInfo struct {
	indexing.IndexSpec
	Entries  int  `json:"entries"`
	Multikey bool `json:"multikey"`
}

// HandleGetIndexes handles GET requests to retrieve all indexes for a collection
func (h *Handler) HandleGetIndexes(w http.ResponseWriter, r *http.Request) {
	ns := h.namespace(r)
	log.Printf("INFO: handleGetIndexes called for collection '%s'", ns)

	coll, ok := h.lookup(w, ns)
	if !ok {
		return
	}

	indexes := []IndexInfo{}
	for _, idx := range coll.Indexes().Indexes() {
		indexes = append(indexes, IndexInfo{IndexSpec: idx.Spec(), Entries: idx.NumEntries(), Multikey: idx.IsMultikey()})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"collection":  ns.String(),
		"clustered":   coll.IsClustered(),
		"indexes":     indexes,
		"index_count": len(indexes),
	})

	log.Printf("INFO: Retrieved %d indexes for collection '%s'", len(indexes), ns)
}
