package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/status"
)

// HandleTail streams a capped collection as newline delimited Extended JSON,
// like a tailable cursor. Existing documents are sent first, then each
// newly visible insert. The stream ends when the client goes away, after
// limit documents, after the wait duration, or when the collection is
// dropped.
func (h *Handler) HandleTail(w http.ResponseWriter, r *http.Request) {
	ns := h.namespace(r)
	log.Printf("INFO: handleTail called for collection '%s'", ns)

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteStatusError(w, err)
		return
	}
	ctx := r.Context()
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			WriteStatusError(w, status.New(status.BadValue, "wait must be a duration"))
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	coll, ok := h.lookup(w, ns)
	if !ok {
		return
	}
	if !coll.IsCapped() {
		WriteStatusError(w, status.New(status.BadValue, "tailable cursor requested on non capped collection %s", ns))
		return
	}
	store := coll.Store()
	notifier := store.CappedInsertNotifier()

	// Set headers for streaming
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	var last domain.RecordId
	docCount := 0
	for {
		version := notifier.Version()

		var writeErr error
		store.ScanVisible(func(rec domain.Record) bool {
			if !last.IsNull() && !last.Less(rec.Id) {
				return true
			}
			last = rec.Id
			docJSON, err := encodeDocument(rec.Document())
			if err != nil {
				log.Printf("ERROR: Failed to marshal document: %v", err)
				return true
			}
			if _, writeErr = w.Write(append(docJSON, '\n')); writeErr != nil {
				return false
			}
			docCount++
			return limit == 0 || docCount < limit
		})
		if writeErr != nil {
			log.Printf("ERROR: Failed to write to response: %v", writeErr)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if limit > 0 && docCount >= limit {
			break
		}
		if notifier.IsDead() {
			log.Printf("INFO: Collection '%s' was dropped while tailing", ns)
			break
		}
		if _, err := notifier.Wait(ctx, version); err != nil {
			break
		}
	}

	log.Printf("INFO: Streamed %d documents from collection '%s'", docCount, ns)
}
