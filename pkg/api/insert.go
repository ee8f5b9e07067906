package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
)

// InsertRequest is the body of POST /collections/{coll}/insert. Documents
// are Extended JSON objects.
type InsertRequest struct {
	Documents []json.RawMessage `json:"documents"`
}

// InsertResponse represents the response for an insert
type InsertResponse struct {
	Success       bool              `json:"success"`
	InsertedCount int               `json:"inserted_count"`
	InsertedIds   []json.RawMessage `json:"inserted_ids"`
	KeysInserted  int64             `json:"keys_inserted"`
	CappedDeletes int64             `json:"capped_deletes,omitempty"`
	Collection    string            `json:"collection"`
}

// HandleInsert handles POST requests to insert a batch of documents. The
// batch is written atomically unless the collection cannot take batched
// inserts, in which case documents are written one at a time in order and
// the first failure stops the insert.
func (h *Handler) HandleInsert(w http.ResponseWriter, r *http.Request) {
	ns := h.namespace(r)
	log.Printf("INFO: handleInsert called for collection '%s'", ns)

	var req InsertRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		log.Printf("ERROR: Decoding body failed: %v", err)
		WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Documents) == 0 {
		WriteJSONError(w, http.StatusBadRequest, "No documents provided")
		return
	}
	if len(req.Documents) > h.maxBatch {
		WriteJSONError(w, http.StatusBadRequest, "Batch size exceeds maximum of 1000 documents")
		return
	}

	docs := make([]domain.Document, len(req.Documents))
	for i, data := range req.Documents {
		doc, err := decodeDocument(data, nil)
		if err != nil {
			log.Printf("ERROR: Document %d is invalid: %v", i, err)
			WriteStatusError(w, err)
			return
		}
		docs[i] = doc
	}

	coll, err := h.collectionForInsert(r.Context(), ns)
	if err != nil {
		log.Printf("ERROR: Insert failed for collection '%s': %v", ns, err)
		WriteStatusError(w, err)
		return
	}

	var opDebug metrics.OpDebug
	inserted, err := h.insertBatch(r.Context(), coll, docs, &opDebug)
	if status.CodeOf(err) == status.OperationCannotBeBatched {
		log.Printf("INFO: Collection '%s' cannot batch inserts, inserting one at a time", ns)
		inserted, err = h.insertEach(r.Context(), coll, docs, &opDebug)
	}
	if err != nil {
		log.Printf("ERROR: Insert failed for collection '%s' after %d documents: %v", ns, inserted, err)
		WriteStatusError(w, err)
		return
	}

	ids := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		id, _ := doc.Id()
		if enc, err := encodeValue(id); err == nil {
			ids = append(ids, enc)
		}
	}

	log.Printf("INFO: Inserted %d documents into collection '%s'", inserted, ns)
	writeJSON(w, http.StatusCreated, InsertResponse{
		Success:       true,
		InsertedCount: inserted,
		InsertedIds:   ids,
		KeysInserted:  opDebug.KeysInserted,
		CappedDeletes: opDebug.CappedDeletes,
		Collection:    ns.String(),
	})
}

// collectionForInsert returns the collection, creating it with default
// options when it does not exist yet.
func (h *Handler) collectionForInsert(ctx context.Context, ns domain.Namespace) (*catalog.Collection, error) {
	if coll, ok := h.catalog.Lookup(ns); ok {
		return coll, nil
	}
	var coll *catalog.Collection
	err := h.runWrite(ctx, "create", ns, lock.ModeX, nil, func(op *txn.Operation) error {
		var err error
		coll, err = h.catalog.CreateCollection(op, ns, catalog.CollectionOptions{})
		return err
	})
	if status.CodeOf(err) == status.NamespaceExists {
		if existing, ok := h.catalog.Lookup(ns); ok {
			return existing, nil
		}
	}
	if err == nil {
		log.Printf("INFO: Implicitly created collection '%s'", ns)
	}
	return coll, err
}

func (h *Handler) insertBatch(ctx context.Context, coll *catalog.Collection, docs []domain.Document, opDebug *metrics.OpDebug) (int, error) {
	stmts := make([]domain.InsertStatement, len(docs))
	for i, doc := range docs {
		stmts[i] = domain.NewInsertStatement(doc)
	}
	err := h.runWrite(ctx, "insert", coll.NS(), lock.ModeIX, opDebug, func(op *txn.Operation) error {
		return h.engine.InsertDocuments(ctx, op, coll, stmts, opDebug, false)
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (h *Handler) insertEach(ctx context.Context, coll *catalog.Collection, docs []domain.Document, opDebug *metrics.OpDebug) (int, error) {
	for i, doc := range docs {
		stmt := domain.NewInsertStatement(doc)
		err := h.runWrite(ctx, "insert", coll.NS(), lock.ModeIX, opDebug, func(op *txn.Operation) error {
			return h.engine.InsertDocument(ctx, op, coll, stmt, opDebug, false)
		})
		if err != nil {
			return i, err
		}
	}
	return len(docs), nil
}
