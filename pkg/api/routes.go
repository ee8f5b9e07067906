package api

import (
	"github.com/gorilla/mux"
)

// RegisterRoutes registers all API routes with the given router
func (h *Handler) RegisterRoutes(router *mux.Router) {
	// Collection operations
	router.HandleFunc("/collections/{coll}", h.HandleCreateCollection).Methods("POST")
	router.HandleFunc("/collections/{coll}/insert", h.HandleInsert).Methods("POST")
	router.HandleFunc("/collections/{coll}/find", h.HandleFind).Methods("GET")
	router.HandleFunc("/collections/{coll}/tail", h.HandleTail).Methods("GET")

	// Document operations (by ID)
	router.HandleFunc("/collections/{coll}/documents/{id}", h.HandleGetById).Methods("GET")
	router.HandleFunc("/collections/{coll}/documents/{id}", h.HandleReplaceById).Methods("PUT")
	router.HandleFunc("/collections/{coll}/documents/{id}", h.HandleDeleteById).Methods("DELETE")

	// Index operations
	router.HandleFunc("/collections/{coll}/indexes", h.HandleCreateIndex).Methods("POST")
	router.HandleFunc("/collections/{coll}/indexes", h.HandleGetIndexes).Methods("GET")

	router.HandleFunc("/oplog", h.HandleOplog).Methods("GET")
	router.HandleFunc("/health", h.HandleHealth).Methods("GET")
}
