package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/seriatim/allocator"
	"github.com/jmcleod/seriatim/ca"
	"github.com/jmcleod/seriatim/directory"
)

// decodeJSON reads a JSON request body. An empty body surfaces as io.EOF so
// handlers with optional bodies can treat it as defaults.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ca.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, allocator.ErrExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, allocator.ErrBackwardRange):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, allocator.ErrNotAvailable):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, allocator.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ca.ErrCertNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ca.ErrAlreadyRevoked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, directory.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, directory.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
