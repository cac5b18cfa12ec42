package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	apperrors "webhook-rules/internal/common/errors"
	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/credentials"
)

// LifecycleTokenHeader carries the signed token of a lifecycle call
const LifecycleTokenHeader = "X-Addon-Lifecycle-Token"

type installPayload struct {
	WorkspaceID string `json:"workspaceId"`
	AuthToken   string `json:"authToken"`
	APIURL      string `json:"apiUrl"`
}

// Installed stores the installation token a workspace hands over on install
func (h *Handlers) Installed(w http.ResponseWriter, r *http.Request) {
	payload, raw, err := decodeLifecycle(w, r)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	logger := h.logger.WithContext(r.Context())
	logger.Debug("Lifecycle installed received", logging.Field{Key: "payload", Value: FilterSensitiveFields(raw)})

	if payload.WorkspaceID == "" || strings.TrimSpace(payload.AuthToken) == "" {
		h.writeAppError(w, r, apperrors.ValidationError("workspaceId and authToken are required"))
		return
	}
	if !h.authorizeLifecycle(r, payload.WorkspaceID) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "lifecycle call not authorized")
		return
	}

	apiURL := payload.APIURL
	if strings.TrimSpace(apiURL) == "" {
		apiURL = h.options.APIBaseURL
	}
	if err := h.tokens.Save(r.Context(), payload.WorkspaceID, payload.AuthToken, apiURL); err != nil {
		h.writeAppError(w, r, apperrors.ValidationError(err.Error()))
		return
	}
	h.cache.Invalidate(payload.WorkspaceID)

	logger.Info("Workspace installed", logging.Field{Key: "workspace_id", Value: payload.WorkspaceID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "installed", "workspaceId": payload.WorkspaceID})
}

// Deleted drops everything held for an uninstalled workspace
func (h *Handlers) Deleted(w http.ResponseWriter, r *http.Request) {
	payload, _, err := decodeLifecycle(w, r)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if payload.WorkspaceID == "" {
		h.writeAppError(w, r, apperrors.ValidationError("workspaceId is required"))
		return
	}
	if !h.authorizeLifecycle(r, payload.WorkspaceID) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "lifecycle call not authorized")
		return
	}

	logger := h.logger.WithContext(r.Context()).WithFields(logging.Field{Key: "workspace_id", Value: payload.WorkspaceID})

	h.tokens.Delete(r.Context(), payload.WorkspaceID)
	removed, err := h.store.DeleteAll(r.Context(), payload.WorkspaceID)
	if err != nil {
		logger.Error("Failed to remove rules of uninstalled workspace", err)
	}
	h.cache.Invalidate(payload.WorkspaceID)

	logger.Info("Workspace uninstalled", logging.Field{Key: "rules_removed", Value: removed})
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "uninstalled", "rulesRemoved": removed})
}

// RotateToken replaces the workspace's installation token, keeping the old
// one valid through the grace window
func (h *Handlers) RotateToken(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(r)
	if !ok {
		h.writeAppError(w, r, apperrors.ValidationError("workspaceId is required"))
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		h.writeAppError(w, r, apperrors.ValidationError("failed to read request body"))
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeAppError(w, r, apperrors.ValidationError("invalid JSON body"))
		return
	}

	if err := h.tokens.Rotate(r.Context(), ws, req.Token); err != nil {
		h.writeAppError(w, r, rotationError(err))
		return
	}

	resp := map[string]interface{}{"status": "rotated", "workspaceId": ws}
	if info, ok := h.tokens.Rotation(r.Context(), ws); ok {
		resp["graceEndsAt"] = info.GraceEndsAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// rotationError keeps caller mistakes as validation errors; anything else is
// the credential store failing
func rotationError(err error) error {
	switch {
	case errors.Is(err, credentials.ErrNoCurrentToken),
		errors.Is(err, credentials.ErrWorkspaceRequired),
		errors.Is(err, credentials.ErrTokenRequired):
		return apperrors.ValidationError(err.Error())
	}
	return apperrors.UnavailableError("credential store", err)
}

func decodeLifecycle(w http.ResponseWriter, r *http.Request) (installPayload, map[string]interface{}, error) {
	body, err := readBody(w, r)
	if err != nil {
		return installPayload{}, nil, apperrors.ValidationError("failed to read request body")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return installPayload{}, nil, apperrors.ValidationError("payload must be a JSON object")
	}
	var payload installPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return installPayload{}, nil, apperrors.ValidationError("invalid lifecycle payload")
	}
	payload.WorkspaceID = strings.TrimSpace(payload.WorkspaceID)
	return payload, raw, nil
}

// authorizeLifecycle accepts a signed token whose workspace claim matches
// workspaceID when a token verifier is configured, and the admin bearer token
// otherwise
func (h *Handlers) authorizeLifecycle(r *http.Request, workspaceID string) bool {
	if h.lifecycleTokens == nil {
		return h.options.AdminToken == "" || bearerMatches(r, h.options.AdminToken)
	}

	token := strings.TrimSpace(r.Header.Get(LifecycleTokenHeader))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		return false
	}

	claims, err := h.lifecycleTokens.Verify(token)
	if err != nil {
		h.logger.WithContext(r.Context()).Warn("Lifecycle token rejected",
			logging.Field{Key: "workspace_id", Value: workspaceID},
			logging.Field{Key: "reason", Value: err.Error()},
		)
		return false
	}
	return claims.WorkspaceID == workspaceID
}
