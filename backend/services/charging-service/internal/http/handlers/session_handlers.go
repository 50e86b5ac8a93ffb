package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/http/middleware"
	"flashcharge/backend/services/charging-service/internal/service"
)

// SessionControl starts and stops charging.
type SessionControl interface {
	StartCharging(ctx context.Context, in service.StartInput) (*service.StartOutcome, error)
	StopCharging(ctx context.Context, in service.StopInput) (*service.StopOutcome, error)
}

// SessionHandlers serves remote start and stop.
type SessionHandlers struct {
	sessions SessionControl
	logger   *zap.Logger
}

// NewSessionHandlers returns handler.
func NewSessionHandlers(sessions SessionControl, logger *zap.Logger) *SessionHandlers {
	return &SessionHandlers{sessions: sessions, logger: logger}
}

type startRequest struct {
	ConnectorID int    `json:"connectorId"`
	IDTag       string `json:"idTag"`
}

// Start handles POST /api/chargers/{id}/start. The id tag defaults to the caller's user tag.
func (h *SessionHandlers) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	req := startRequest{ConnectorID: 1}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.IDTag) == "" {
		req.IDTag = fmt.Sprintf("USER_%d", userID)
	}

	outcome, err := h.sessions.StartCharging(r.Context(), service.StartInput{
		ChargePointID: chargerID(r),
		ConnectorID:   req.ConnectorID,
		IDTag:         req.IDTag,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type stopRequest struct {
	TransactionID *int64 `json:"transactionId"`
	// Origin is "user" (default) or "target" for stops issued by a target controller.
	Origin string `json:"origin"`
}

// Stop handles POST /api/chargers/{id}/stop.
func (h *SessionHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.UserIDFromContext(r.Context()); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req stopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	origin := service.OriginUser
	switch req.Origin {
	case "", service.OriginUser:
	case service.OriginTarget:
		origin = service.OriginTarget
	default:
		writeError(w, http.StatusBadRequest, "invalid origin")
		return
	}

	outcome, err := h.sessions.StopCharging(r.Context(), service.StopInput{
		ChargePointID: chargerID(r),
		TransactionID: req.TransactionID,
		Origin:        origin,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
