package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// requestError carries the status and client-facing message for a rejected
// request body.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func badRequest(message string) *requestError {
	return &requestError{status: http.StatusBadRequest, message: message}
}

func writeRequestError(w http.ResponseWriter, err *requestError) {
	WriteMessage(w, err.status, err.message)
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// WriteMessage writes {"error": message} with the given status.
func WriteMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// decodeObject reads a single JSON object of at most limit bytes. An empty
// body decodes to an empty object; anything after the object is rejected.
func decodeObject(w http.ResponseWriter, r *http.Request, limit int64) (map[string]json.RawMessage, *requestError) {
	fields := map[string]json.RawMessage{}
	if r.Body == nil {
		return fields, nil
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := decoder.Decode(&fields); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return nil, &requestError{status: http.StatusRequestEntityTooLarge, message: "Request body too large"}
		case errors.Is(err, io.EOF):
			return map[string]json.RawMessage{}, nil
		default:
			return nil, badRequest("Request body must be valid JSON")
		}
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &requestError{status: http.StatusRequestEntityTooLarge, message: "Request body too large"}
		}
		return nil, badRequest("Request body must be valid JSON")
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}
