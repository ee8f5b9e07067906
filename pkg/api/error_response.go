package api

import (
	"encoding/json"
	"net/http"

	"github.com/adfharrison1/collwrite/pkg/status"
	"go.mongodb.org/mongo-driver/bson"
)

// ErrorResponse represents a standard JSON error response
type ErrorResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Code     int    `json:"code"`
	CodeName string `json:"codeName,omitempty"`
	// ErrorCode is the write path status code, when there is one.
	ErrorCode int             `json:"errorCode,omitempty"`
	KeyValue  json.RawMessage `json:"keyValue,omitempty"`
	Index     string          `json:"index,omitempty"`
}

// WriteJSONError writes a JSON error response with the given status code and message
func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeErrorResponse(w, statusCode, ErrorResponse{Message: message})
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, response ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response.Error = http.StatusText(statusCode)
	response.Code = statusCode
	json.NewEncoder(w).Encode(response)
}

// httpStatusFor maps a write path status code onto an HTTP status.
func httpStatusFor(code status.Code) int {
	switch code {
	case status.OK:
		return http.StatusOK
	case status.DuplicateKey, status.NamespaceExists, status.WriteConflict:
		return http.StatusConflict
	case status.BadValue, status.TypeMismatch, status.DocumentValidationFailure,
		status.IdMismatch, status.OperationCannotBeBatched, status.IllegalOperation:
		return http.StatusBadRequest
	case status.NamespaceNotFound, status.NoSuchKey:
		return http.StatusNotFound
	case status.LockTimeout:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WriteStatusError writes err with the HTTP status its code maps to.
// Duplicate key errors carry the offending key.
func WriteStatusError(w http.ResponseWriter, err error) {
	code := status.CodeOf(err)
	response := ErrorResponse{Message: err.Error()}
	if code != status.InternalError {
		response.CodeName = code.String()
		response.ErrorCode = int(code)
	}
	if info, ok := status.DuplicateKeyInfoOf(err); ok {
		response.Index = info.IndexName
		if kv, encErr := bson.MarshalExtJSON(info.KeyValue, false, false); encErr == nil {
			response.KeyValue = kv
		}
	}
	writeErrorResponse(w, httpStatusFor(code), response)
}
