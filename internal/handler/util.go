package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/jobboard/internal/repository"
	"github.com/capitalize-ai/jobboard/internal/service"
	"github.com/capitalize-ai/jobboard/pkg/logger"
)

// maxBodyBytes bounds request bodies; a message may be up to
// service.MaxMessageLength bytes plus JSON framing.
const maxBodyBytes = service.MaxMessageLength + 4096

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// writeStoreError maps a session store failure onto an HTTP status.
func writeStoreError(w http.ResponseWriter, log *logger.Logger, err error) {
	switch {
	case service.IsSuperseded(err):
		writeError(w, http.StatusConflict, "superseded by a newer request")
		return
	case errors.Is(err, service.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch service.KindOf(err) {
	case service.KindValidation:
		var se *service.Error
		errors.As(err, &se)
		writeError(w, http.StatusBadRequest, se.Err.Error())
	case service.KindLoad, service.KindCommand:
		log.Warn("backend call failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "backend request failed")
	case service.KindConnection:
		log.Warn("realtime connection unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "realtime connection unavailable")
	default:
		log.Error("unexpected store error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
