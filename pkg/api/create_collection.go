package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/adfharrison1/collwrite/pkg/txn"
	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson"
)

// CreateCollectionRequest is the body of POST /collections/{coll}. The
// validator and encryptedFields are Extended JSON.
type CreateCollectionRequest struct {
	catalog.CollectionOptions
	Validator       json.RawMessage `json:"validator,omitempty"`
	EncryptedFields json.RawMessage `json:"encryptedFields,omitempty"`
}

// CreateCollectionResponse represents the response for collection creation
type CreateCollectionResponse struct {
	Success    bool   `json:"success"`
	Collection string `json:"collection"`
	UUID       string `json:"uuid"`
}

func (h *Handler) namespace(r *http.Request) domain.Namespace {
	return domain.Namespace{DB: h.database, Coll: mux.Vars(r)["coll"]}
}

// lookup resolves the collection of the request, writing a 404 when it
// does not exist.
func (h *Handler) lookup(w http.ResponseWriter, ns domain.Namespace) (*catalog.Collection, bool) {
	coll, ok := h.catalog.Lookup(ns)
	if !ok {
		log.Printf("ERROR: Collection '%s' not found", ns)
		WriteStatusError(w, status.New(status.NamespaceNotFound, "collection %s not found", ns))
		return nil, false
	}
	return coll, true
}

func extJSONToRaw(field string, data json.RawMessage) (bson.Raw, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var d bson.D
	if err := bson.UnmarshalExtJSON(data, false, &d); err != nil {
		return nil, status.Wrap(status.BadValue, err, "invalid %s", field)
	}
	raw, err := bson.Marshal(d)
	if err != nil {
		return nil, status.Wrap(status.BadValue, err, "invalid %s", field)
	}
	return raw, nil
}

// HandleCreateCollection handles POST requests that create a collection
func (h *Handler) HandleCreateCollection(w http.ResponseWriter, r *http.Request) {
	ns := h.namespace(r)
	log.Printf("INFO: handleCreateCollection called for collection '%s'", ns)

	var req CreateCollectionRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			log.Printf("ERROR: Decoding body failed: %v", err)
			WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	opts := req.CollectionOptions
	if opts.Validator, err = extJSONToRaw("validator", req.Validator); err != nil {
		WriteStatusError(w, err)
		return
	}
	if opts.EncryptedFieldConfig, err = extJSONToRaw("encryptedFields", req.EncryptedFields); err != nil {
		WriteStatusError(w, err)
		return
	}

	var coll *catalog.Collection
	err = h.runWrite(r.Context(), "create", ns, lock.ModeX, nil, func(op *txn.Operation) error {
		var err error
		coll, err = h.catalog.CreateCollection(op, ns, opts)
		return err
	})
	if err != nil {
		log.Printf("ERROR: Create failed for collection '%s': %v", ns, err)
		WriteStatusError(w, err)
		return
	}

	log.Printf("INFO: Created collection '%s'", ns)
	writeJSON(w, http.StatusCreated, CreateCollectionResponse{
		Success:    true,
		Collection: ns.String(),
		UUID:       coll.UUID().String(),
	})
}
