package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/battery"
	"flashcharge/backend/services/charging-service/internal/models"
	"flashcharge/backend/services/charging-service/internal/service"
	"flashcharge/backend/services/charging-service/internal/telemetry"
)

// SnapshotReader resolves SOC snapshots.
type SnapshotReader interface {
	Snapshot(ctx context.Context, chargePointID string) (telemetry.Snapshot, error)
}

// ParamsProvider serves charging parameters and predictions.
type ParamsProvider interface {
	Get(ctx context.Context, chargePointID string) (*service.ChargingParameters, error)
	Predict(ctx context.Context, chargePointID string, unit string, target float64) (*battery.Prediction, error)
}

// ChargerQueries answers liveness and connector queries.
type ChargerQueries interface {
	Health(ctx context.Context, chargePointID string) (*service.ChargerHealth, error)
	Connectors(ctx context.Context, chargePointID string) ([]models.ConnectorState, error)
	Connector(ctx context.Context, chargePointID string, connectorID int) (*models.ConnectorState, error)
	Active(ctx context.Context, chargePointID string) (*service.ActiveTransaction, error)
}

// ChargerHandlers serves the read side of /api/chargers/{id}.
type ChargerHandlers struct {
	snapshots SnapshotReader
	params    ParamsProvider
	chargers  ChargerQueries
	logger    *zap.Logger
}

// NewChargerHandlers returns handler struct.
func NewChargerHandlers(snapshots SnapshotReader, params ParamsProvider, chargers ChargerQueries, logger *zap.Logger) *ChargerHandlers {
	return &ChargerHandlers{snapshots: snapshots, params: params, chargers: chargers, logger: logger}
}

func chargerID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

// SOC handles GET /api/chargers/{id}/soc.
func (h *ChargerHandlers) SOC(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.Snapshot(r.Context(), chargerID(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ChargingParams handles GET /api/chargers/{id}/charging-params.
func (h *ChargerHandlers) ChargingParams(w http.ResponseWriter, r *http.Request) {
	params, err := h.params.Get(r.Context(), chargerID(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

type predictRequest struct {
	Unit  string   `json:"unit"`
	Value *float64 `json:"value"`
}

// Predict handles POST /api/chargers/{id}/predict.
func (h *ChargerHandlers) Predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var target float64
	if req.Value != nil {
		target = *req.Value
	} else if battery.Unit(req.Unit) != battery.UnitFull {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	pred, err := h.params.Predict(r.Context(), chargerID(r), req.Unit, target)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if pred.AlreadyFull {
		writeJSON(w, http.StatusOK, map[string]any{"alreadyFull": true, "unit": pred.Unit})
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

// Health handles GET /api/chargers/{id}/health.
func (h *ChargerHandlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.chargers.Health(r.Context(), chargerID(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// Connectors handles GET /api/chargers/{id}/connectors.
func (h *ChargerHandlers) Connectors(w http.ResponseWriter, r *http.Request) {
	connectors, err := h.chargers.Connectors(r.Context(), chargerID(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chargerId":  chargerID(r),
		"connectors": connectors,
	})
}

// Connector handles GET /api/chargers/{id}/connectors/{connectorId}.
func (h *ChargerHandlers) Connector(w http.ResponseWriter, r *http.Request) {
	connectorID, err := strconv.Atoi(chi.URLParam(r, "connectorId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connector id")
		return
	}
	connector, err := h.chargers.Connector(r.Context(), chargerID(r), connectorID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, connector)
}

// Active handles GET /api/chargers/{id}/active.
func (h *ChargerHandlers) Active(w http.ResponseWriter, r *http.Request) {
	active, err := h.chargers.Active(r.Context(), chargerID(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}
