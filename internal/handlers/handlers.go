// Package handlers exposes the rules engine over HTTP: webhook receivers,
// the rule admin API and the installation lifecycle endpoints.
package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"webhook-rules/internal/circuitbreaker"
	apperrors "webhook-rules/internal/common/errors"
	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/credentials"
	"webhook-rules/internal/dispatch"
	"webhook-rules/internal/idempotency"
	"webhook-rules/internal/rulecache"
	"webhook-rules/internal/signature"
	"webhook-rules/internal/storage"
)

// maxBodyBytes bounds every request body the handlers read
const maxBodyBytes = 1 << 20

// Options are the settings handlers report or enforce
type Options struct {
	// AdminToken guards the rule admin API; empty disables the check
	AdminToken    string
	ApplyChanges  bool
	SkipSignature bool
	AcceptJWT     bool
	// APIBaseURL is used for installations that do not name one
	APIBaseURL    string
	Version       string
}

// Deps are the components the handlers drive
type Deps struct {
	Dispatcher  *dispatch.Dispatcher
	Registry    *dispatch.Registry
	Store       storage.RuleStore
	Cache       *rulecache.Cache
	Tokens      *credentials.Store
	Idempotency *idempotency.Cache
	// LifecycleTokens verifies signed lifecycle calls; nil falls back to the admin token
	LifecycleTokens signature.TokenVerifier
	// Breakers is reported on /status when circuit breaking is enabled
	Breakers *circuitbreaker.Manager
	Options  Options
	Logger   logging.Logger
}

type Handlers struct {
	dispatcher      *dispatch.Dispatcher
	registry        *dispatch.Registry
	store           storage.RuleStore
	cache           *rulecache.Cache
	tokens          *credentials.Store
	idempotency     *idempotency.Cache
	lifecycleTokens signature.TokenVerifier
	breakers        *circuitbreaker.Manager
	options         Options
	logger          logging.Logger
	startedAt       time.Time
}

func New(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if deps.Options.Version == "" {
		deps.Options.Version = "1.0.0"
	}
	return &Handlers{
		dispatcher:      deps.Dispatcher,
		registry:        deps.Registry,
		store:           deps.Store,
		cache:           deps.Cache,
		tokens:          deps.Tokens,
		idempotency:     deps.Idempotency,
		lifecycleTokens: deps.LifecycleTokens,
		breakers:        deps.Breakers,
		options:         deps.Options,
		logger:          logger.WithFields(logging.Field{Key: "component", Value: "handlers"}),
		startedAt:       time.Now(),
	}
}

// RequireAdmin rejects requests without the admin bearer token
func (h *Handlers) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.options.AdminToken != "" && !bearerMatches(r, h.options.AdminToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerMatches(r *http.Request, expected string) bool {
	token := bearerToken(r)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"status": code, "error": message})
}

// writeAppError answers with the status and public message of err
func (h *Handlers) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithContext(r.Context()).Error("Request failed", err, logging.Field{Key: "path", Value: r.URL.Path})
	}
	writeError(w, status, string(apperrors.GetType(err)), apperrors.PublicMessage(err))
}
