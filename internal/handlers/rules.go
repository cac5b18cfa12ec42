package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	apperrors "webhook-rules/internal/common/errors"
	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/rules"
	"webhook-rules/internal/storage"
)

// defaultPreviewEvent is used by rule tests that name no event
const defaultPreviewEvent = "NEW_TIME_ENTRY"

func workspaceFrom(r *http.Request) (string, bool) {
	ws := strings.TrimSpace(mux.Vars(r)["workspaceId"])
	return ws, ws != ""
}

// ListRules returns every rule of a workspace
func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(r)
	if !ok {
		h.writeAppError(w, r, apperrors.ValidationError("workspaceId is required"))
		return
	}

	list, err := h.store.GetAll(r.Context(), ws)
	if err != nil {
		h.writeAppError(w, r, apperrors.UnavailableError("rule store", err))
		return
	}
	if list == nil {
		list = []rules.Rule{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetRule returns one rule
func (h *Handlers) GetRule(w http.ResponseWriter, r *http.Request) {
	ws, _ := workspaceFrom(r)
	rule, err := h.store.Get(r.Context(), ws, mux.Vars(r)["ruleId"])
	if err != nil {
		h.writeAppError(w, r, storeError(err))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and stores a rule, replacing any rule with the same id
func (h *Handlers) CreateRule(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(r)
	if !ok {
		h.writeAppError(w, r, apperrors.ValidationError("workspaceId is required"))
		return
	}

	rule, err := decodeRule(w, r)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	existed := false
	if rule.ID != "" {
		existed, err = h.store.Exists(r.Context(), ws, rule.ID)
		if err != nil {
			h.writeAppError(w, r, apperrors.UnavailableError("rule store", err))
			return
		}
	}

	saved, err := h.saveRule(r, ws, rule)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, saved)
}

// UpdateRule replaces an existing rule
func (h *Handlers) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ws, _ := workspaceFrom(r)
	ruleID := mux.Vars(r)["ruleId"]

	exists, err := h.store.Exists(r.Context(), ws, ruleID)
	if err != nil {
		h.writeAppError(w, r, apperrors.UnavailableError("rule store", err))
		return
	}
	if !exists {
		h.writeAppError(w, r, apperrors.NotFoundError("rule"))
		return
	}

	rule, err := decodeRule(w, r)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	rule.ID = ruleID

	saved, err := h.saveRule(r, ws, rule)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// DeleteRule removes one rule
func (h *Handlers) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ws, _ := workspaceFrom(r)
	ruleID := mux.Vars(r)["ruleId"]

	deleted, err := h.store.Delete(r.Context(), ws, ruleID)
	if err != nil {
		h.writeAppError(w, r, apperrors.UnavailableError("rule store", err))
		return
	}
	if !deleted {
		h.writeAppError(w, r, apperrors.NotFoundError("rule"))
		return
	}
	h.cache.Invalidate(ws)

	h.logger.WithContext(r.Context()).Info("Rule deleted",
		logging.Field{Key: "workspace_id", Value: ws},
		logging.Field{Key: "rule_id", Value: ruleID},
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "ruleId": ruleID})
}

// DeleteAllRules removes every rule of a workspace
func (h *Handlers) DeleteAllRules(w http.ResponseWriter, r *http.Request) {
	ws, _ := workspaceFrom(r)

	count, err := h.store.DeleteAll(r.Context(), ws)
	if err != nil {
		h.writeAppError(w, r, apperrors.UnavailableError("rule store", err))
		return
	}
	h.cache.Invalidate(ws)
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": count})
}

// TestRules evaluates a sample payload against the workspace's enabled
// rules and reports what would run
func (h *Handlers) TestRules(w http.ResponseWriter, r *http.Request) {
	ws, _ := workspaceFrom(r)

	body, err := readBody(w, r)
	if err != nil {
		h.writeAppError(w, r, apperrors.ValidationError("failed to read request body"))
		return
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		h.writeAppError(w, r, apperrors.ValidationError("payload must be a JSON object"))
		return
	}

	event := r.URL.Query().Get("event")
	if override, ok := payload["event"].(string); ok && event == "" {
		event = override
	}
	if strings.TrimSpace(event) == "" {
		event = defaultPreviewEvent
	}
	if _, ok := payload["workspaceId"]; !ok {
		payload["workspaceId"] = ws
	}

	writeJSON(w, http.StatusOK, h.dispatcher.Preview(r.Context(), ws, event, payload))
}

func decodeRule(w http.ResponseWriter, r *http.Request) (rules.Rule, error) {
	body, err := readBody(w, r)
	if err != nil {
		return rules.Rule{}, apperrors.ValidationError("failed to read request body")
	}
	var rule rules.Rule
	if err := json.Unmarshal(body, &rule); err != nil {
		return rules.Rule{}, apperrors.ValidationError("invalid rule JSON")
	}
	return rule, nil
}

// saveRule normalizes, validates and stores rule, then registers its trigger
// and drops the workspace's cached rules
func (h *Handlers) saveRule(r *http.Request, ws string, rule rules.Rule) (rules.Rule, error) {
	rule.Normalize()
	if err := rules.Validate(rule); err != nil {
		return rules.Rule{}, err
	}

	if err := h.store.Save(r.Context(), ws, rule); err != nil {
		return rules.Rule{}, apperrors.UnavailableError("rule store", err)
	}
	if h.registry.RegisterRule(rule) {
		h.logger.WithContext(r.Context()).Info("Webhook receiver added for rule trigger",
			logging.Field{Key: "event", Value: rule.TriggerEvent()},
			logging.Field{Key: "rule_id", Value: rule.ID},
		)
	}
	h.cache.Invalidate(ws)

	h.logger.WithContext(r.Context()).Info("Rule saved",
		logging.Field{Key: "workspace_id", Value: ws},
		logging.Field{Key: "rule_id", Value: rule.ID},
	)
	return rule, nil
}

func storeError(err error) error {
	if errors.Is(err, storage.ErrRuleNotFound) {
		return apperrors.NotFoundError("rule")
	}
	return apperrors.UnavailableError("rule store", err)
}
