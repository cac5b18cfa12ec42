package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/handlers"
	"webhook-rules/internal/middleware"
	"webhook-rules/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes for the application
func SetupRoutes(router *mux.Router, h *handlers.Handlers, rateLimiter ratelimit.Limiter, logger logging.Logger) {
	router.Use(middleware.RequestID)
	router.Use(middleware.LoggingMiddleware)

	// Health and status (no auth required)
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/status", h.Status).Methods(http.MethodGet)

	// Webhook receivers, authenticated per delivery by signature
	webhooks := router.PathPrefix("/webhooks").Subrouter()
	if rateLimiter != nil {
		webhooks.Use(ratelimit.HTTPMiddleware(rateLimiter, ratelimit.IPKey, logger))
	}
	webhooks.HandleFunc("", h.HandleWebhook).Methods(http.MethodPost)
	webhooks.HandleFunc("/{event}", h.HandleWebhook).Methods(http.MethodPost)

	// Installation lifecycle
	router.HandleFunc("/lifecycle/installed", h.Installed).Methods(http.MethodPost)
	router.HandleFunc("/lifecycle/deleted", h.Deleted).Methods(http.MethodPost)

	// Admin API (protected)
	api := router.PathPrefix("/api").Subrouter()
	api.Use(h.RequireAdmin)

	api.HandleFunc("/events", h.ListEvents).Methods(http.MethodGet)
	api.HandleFunc("/cache/stats", h.CacheStats).Methods(http.MethodGet)

	api.HandleFunc("/rules/{workspaceId}", h.ListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules/{workspaceId}", h.CreateRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{workspaceId}", h.DeleteAllRules).Methods(http.MethodDelete)
	api.HandleFunc("/rules/{workspaceId}/test", h.TestRules).Methods(http.MethodPost)
	api.HandleFunc("/rules/{workspaceId}/{ruleId}", h.GetRule).Methods(http.MethodGet)
	api.HandleFunc("/rules/{workspaceId}/{ruleId}", h.UpdateRule).Methods(http.MethodPut)
	api.HandleFunc("/rules/{workspaceId}/{ruleId}", h.DeleteRule).Methods(http.MethodDelete)

	api.HandleFunc("/workspaces/{workspaceId}/token/rotate", h.RotateToken).Methods(http.MethodPost)
}
