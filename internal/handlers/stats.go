package handlers

import (
	"context"
	"net/http"
	"time"

	"webhook-rules/internal/common/logging"
)

const healthTimeout = 2 * time.Second

// Health reports whether the rule store is reachable
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.store.Health(ctx); err != nil {
		h.logger.WithContext(r.Context()).Warn("Health check failed", logging.Field{Key: "error", Value: err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": "rule store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": h.options.Version,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// Status reports runtime toggles and, with ?workspaceId=, whether that
// workspace holds a usable token
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"applyChanges":      h.options.ApplyChanges,
		"skipSignature":     h.options.SkipSignature,
		"acceptJwt":         h.options.AcceptJWT,
		"events":            len(h.registry.Events()),
		"idempotency":       h.idempotency.Backend(),
		"idempotencyTtlSec": int(h.idempotency.TTL().Seconds()),
	}

	if h.breakers != nil {
		resp["breakers"] = h.breakers.Stats()
	}

	if ws := r.URL.Query().Get("workspaceId"); ws != "" {
		_, present := h.tokens.Get(r.Context(), ws)
		resp["workspaceId"] = ws
		resp["tokenPresent"] = present
		if info, rotating := h.tokens.Rotation(r.Context(), ws); rotating {
			resp["graceEndsAt"] = info.GraceEndsAt
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CacheStats reports rule cache and dedup cache activity
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": h.cache.Stats(),
		"idempotency": map[string]interface{}{
			"backend": h.idempotency.Backend(),
			"ttlSec":  int(h.idempotency.TTL().Seconds()),
		},
	})
}
