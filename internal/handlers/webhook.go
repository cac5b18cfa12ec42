package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/dispatch"
)

// HandleWebhook runs one delivery through the dispatcher. Only registered
// events have a receiver. The default path without an event serves the
// legacy time-entry webhooks, whose payload names the event.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	event, ok := mux.Vars(r)["event"]
	if !ok {
		event = dispatch.LegacyEvents[0]
	}
	if !h.registry.Registered(event) {
		writeError(w, http.StatusNotFound, "unknown_event", "no receiver for event")
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "failed to read request body")
		return
	}

	logger := h.logger.WithContext(r.Context())
	logger.Debug("Webhook received",
		logging.Field{Key: "event", Value: event},
		logging.Field{Key: "headers", Value: FilterSensitiveHeaders(r.Header)},
		logging.Field{Key: "bytes", Value: len(body)},
	)

	out := h.dispatcher.Handle(r.Context(), event, r.Header, body)
	if len(out.ErrorBody) > 0 {
		writeRawJSON(w, out.HTTPStatus, out.ErrorBody)
		return
	}
	writeJSON(w, out.HTTPStatus, out)
}

// ListEvents returns the registered webhook events
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": h.registry.Events()})
}
