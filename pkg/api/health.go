package api

import (
	"net/http"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Collections int    `json:"collections"`
	LastOplogTs string `json:"last_oplog_ts,omitempty"`
}

// HandleHealth handles GET requests to the health check endpoint
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:      "healthy",
		Message:     "collwrite is running",
		Collections: len(h.catalog.List()),
	}
	if h.oplog != nil {
		response.LastOplogTs = h.oplog.LastTimestamp().String()
	}
	writeJSON(w, http.StatusOK, response)
}
