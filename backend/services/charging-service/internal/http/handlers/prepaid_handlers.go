package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/http/middleware"
	"flashcharge/backend/services/charging-service/internal/models"
	"flashcharge/backend/services/charging-service/internal/service"
)

// PrepaidSessions runs prepaid sessions.
type PrepaidSessions interface {
	Create(ctx context.Context, in service.CreatePrepaidInput) (*models.PrepaidSession, error)
	Start(ctx context.Context, in service.StartPrepaidInput) (*service.StartOutcome, error)
	Monitor(ctx context.Context, userID, sessionID int64) (*service.PrepaidStatus, error)
}

// PrepaidHandlers serves /api/prepaid.
type PrepaidHandlers struct {
	prepaid PrepaidSessions
	logger  *zap.Logger
}

// NewPrepaidHandlers returns handler.
func NewPrepaidHandlers(prepaid PrepaidSessions, logger *zap.Logger) *PrepaidHandlers {
	return &PrepaidHandlers{prepaid: prepaid, logger: logger}
}

type createPrepaidRequest struct {
	ChargerID      string  `json:"chargerId"`
	ConnectorID    int     `json:"connectorId"`
	Amount         float64 `json:"amount"`
	MaxEnergyWh    float64 `json:"maxEnergyWh"`
	MaxDurationSec int64   `json:"maxDurationSec"`
}

// Create handles POST /api/prepaid/create.
func (h *PrepaidHandlers) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	req := createPrepaidRequest{ConnectorID: 1}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	session, err := h.prepaid.Create(r.Context(), service.CreatePrepaidInput{
		UserID:         userID,
		ChargePointID:  req.ChargerID,
		ConnectorID:    req.ConnectorID,
		Amount:         req.Amount,
		MaxEnergyWh:    req.MaxEnergyWh,
		MaxDurationSec: req.MaxDurationSec,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

type startPrepaidRequest struct {
	SessionID int64  `json:"sessionId"`
	PaymentID string `json:"paymentId"`
}

// Start handles POST /api/prepaid/start. Payment is mocked: a missing payment id is generated.
func (h *PrepaidHandlers) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req startPrepaidRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionID <= 0 {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if strings.TrimSpace(req.PaymentID) == "" {
		req.PaymentID = "MOCK_" + uuid.NewString()
	}

	outcome, err := h.prepaid.Start(r.Context(), service.StartPrepaidInput{
		UserID:    userID,
		SessionID: req.SessionID,
		PaymentID: req.PaymentID,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":     req.SessionID,
		"paymentId":     req.PaymentID,
		"success":       outcome.Success,
		"transactionId": outcome.TransactionID,
		"status":        outcome.Status,
	})
}

// Monitor handles GET /api/prepaid/monitor/{sessionId}.
func (h *PrepaidHandlers) Monitor(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionId"), 10, 64)
	if err != nil || sessionID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	status, err := h.prepaid.Monitor(r.Context(), userID, sessionID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
