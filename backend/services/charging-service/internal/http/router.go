package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"flashcharge/backend/services/charging-service/internal/http/handlers"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	ChargerHandlers *handlers.ChargerHandlers
	SessionHandlers *handlers.SessionHandlers
	PrepaidHandlers *handlers.PrepaidHandlers
	HealthHandler   http.HandlerFunc
	MetricsHandler  http.Handler
	WSStatsHandler  http.HandlerFunc
	WSHandler       http.HandlerFunc
}

// NewRouter wires HTTP routes with middleware.
func NewRouter(deps RouterDeps, authMiddleware func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", deps.HealthHandler)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	if deps.WSHandler != nil {
		r.Get("/ws", deps.WSHandler)
	}

	r.Route("/api", func(r chi.Router) {
		if deps.WSStatsHandler != nil {
			r.Get("/ws/stats", deps.WSStatsHandler)
		}

		r.Route("/chargers/{id}", func(r chi.Router) {
			r.Get("/soc", deps.ChargerHandlers.SOC)
			r.Get("/charging-params", deps.ChargerHandlers.ChargingParams)
			r.Post("/predict", deps.ChargerHandlers.Predict)
			r.Get("/health", deps.ChargerHandlers.Health)
			r.Get("/connectors", deps.ChargerHandlers.Connectors)
			r.Get("/connectors/{connectorId}", deps.ChargerHandlers.Connector)
			r.Get("/active", deps.ChargerHandlers.Active)

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware)
				r.Post("/start", deps.SessionHandlers.Start)
				r.Post("/stop", deps.SessionHandlers.Stop)
			})
		})

		r.Route("/prepaid", func(r chi.Router) {
			r.Use(authMiddleware)
			r.Post("/create", deps.PrepaidHandlers.Create)
			r.Post("/start", deps.PrepaidHandlers.Start)
			r.Get("/monitor/{sessionId}", deps.PrepaidHandlers.Monitor)
		})
	})

	return r
}
