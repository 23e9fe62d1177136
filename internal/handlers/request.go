package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ganamos/backend/internal/services"
)

var errMultipleObjects = errors.New("Request body must only contain a single JSON object")

// decodeBody reads one JSON object into dst and writes the 400 itself on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, errMultipleObjects.Error(), http.StatusBadRequest, nil)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
