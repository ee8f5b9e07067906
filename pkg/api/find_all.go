package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/document"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/indexing"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"go.mongodb.org/mongo-driver/bson"
)

const defaultFindLimit = 100

// FindResponse represents one page of documents
type FindResponse struct {
	Documents []json.RawMessage `json:"documents"`
	Count     int               `json:"count"`
	Skip      int               `json:"skip"`
	Limit     int               `json:"limit"`
	HasMore   bool              `json:"has_more"`
	Index     string            `json:"index,omitempty"`
}

type fieldFilter struct {
	path  []string
	field string
	value bson.RawValue
}

// parseFilter turns every query parameter other than limit and skip into
// an equality match on that field.
func parseFilter(r *http.Request) []fieldFilter {
	var filter []fieldFilter
	for key, values := range r.URL.Query() {
		if key == "limit" || key == "skip" || len(values) == 0 {
			continue
		}
		filter = append(filter, fieldFilter{path: strings.Split(key, "."), field: key, value: parseValueParam(values[0])})
	}
	return filter
}

func matches(coll *catalog.Collection, doc domain.Document, filter []fieldFilter) bool {
	for _, f := range filter {
		v, ok := doc.Lookup(f.path...)
		if !ok || !document.Equal(v, f.value, coll.Collator()) {
			return false
		}
	}
	return true
}

// filterIndex picks a single field index that can answer one of the
// equality matches.
func filterIndex(coll *catalog.Collection, filter []fieldFilter) (*indexing.Index, fieldFilter, bool) {
	if coll.IsCapped() {
		return nil, fieldFilter{}, false
	}
	for _, f := range filter {
		for _, idx := range coll.Indexes().Indexes() {
			spec := idx.Spec()
			if len(spec.Key) == 1 && spec.Key[0].Field == f.field && !spec.Sparse && spec.Collation == nil && !idx.IsMultikey() {
				return idx, f, true
			}
		}
	}
	return nil, fieldFilter{}, false
}

// HandleFind handles GET requests that page through a collection in
// RecordId order. Query parameters other than limit and skip are equality
// filters; a matching single field index is used when there is one.
func (h *Handler) HandleFind(w http.ResponseWriter, r *http.Request) {
	ns := h.namespace(r)
	log.Printf("INFO: handleFind called for collection '%s'", ns)

	limit, err := queryInt(r, "limit", defaultFindLimit)
	if err != nil {
		WriteStatusError(w, err)
		return
	}
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		WriteStatusError(w, err)
		return
	}
	filter := parseFilter(r)

	coll, ok := h.lookup(w, ns)
	if !ok {
		return
	}

	resp := FindResponse{Documents: []json.RawMessage{}, Skip: skip, Limit: limit}
	skipped := 0
	visit := func(doc domain.Document) bool {
		if !matches(coll, doc, filter) {
			return true
		}
		if skipped < skip {
			skipped++
			return true
		}
		if len(resp.Documents) == limit {
			resp.HasMore = true
			return false
		}
		enc, err := encodeDocument(doc)
		if err != nil {
			log.Printf("ERROR: Failed to encode document: %v", err)
			return true
		}
		resp.Documents = append(resp.Documents, enc)
		return true
	}

	err = h.runRead(r.Context(), ns, func(op *txn.Operation) error {
		if idx, f, ok := filterIndex(coll, filter); ok {
			resp.Index = idx.Name()
			for _, id := range idx.Lookup(op, indexing.Key{f.value}) {
				rec, found := coll.RecordStore().FindRecord(op, id)
				if found && !visit(rec.Document()) {
					break
				}
			}
			return nil
		}
		scan := func(rec domain.Record) bool { return visit(rec.Document()) }
		if coll.UsesCappedSnapshots() {
			coll.Store().ScanVisible(scan)
		} else {
			coll.Store().Scan(op, scan)
		}
		return nil
	})
	if err != nil {
		WriteStatusError(w, err)
		return
	}

	resp.Count = len(resp.Documents)
	log.Printf("INFO: Found %d documents in collection '%s'", resp.Count, ns)
	writeJSON(w, http.StatusOK, resp)
}
