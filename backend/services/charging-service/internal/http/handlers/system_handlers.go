package handlers

import (
	"net/http"
	"time"

	"flashcharge/backend/services/charging-service/internal/registry"
)

// NewHealthHandler returns GET /health handler.
func NewHealthHandler() http.HandlerFunc {
	started := time.Now().UTC()
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"startedAt": started,
			"uptime":    time.Since(started).Truncate(time.Second).String(),
		})
	}
}

// StatsSource reports push channel statistics.
type StatsSource interface {
	Stats() registry.Stats
}

// NewWSStatsHandler returns GET /api/ws/stats handler.
func NewWSStatsHandler(stats StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, stats.Stats())
	}
}
