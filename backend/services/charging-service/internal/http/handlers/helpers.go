package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/repository"
	"flashcharge/backend/services/charging-service/internal/service"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads an optional JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	if errors.Is(err, service.ErrNoActiveTransaction) {
		writeError(w, http.StatusBadRequest, service.ErrNoActiveTransaction.Error())
		return
	}
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, service.ErrChargerNotFound.Error())
		return
	}

	var status int
	switch service.KindOf(err) {
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindConflict:
		status = http.StatusConflict
	case service.KindUnavailable:
		status = http.StatusServiceUnavailable
	case service.KindUpstream:
		status = http.StatusBadGateway
	case service.KindValidation:
		status = http.StatusBadRequest
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  service.KindOf(err).String(),
	})
}
