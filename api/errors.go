package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/castore/bundle"
	"github.com/jmcleod/castore/config"
	"github.com/jmcleod/castore/storage"
)

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
	case errors.Is(err, storage.ErrUnknownInstance):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bundle.ErrInvalidInstance), errors.Is(err, config.ErrInvalid):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, storage.ErrCriticalState):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
