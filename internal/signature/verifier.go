package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"webhook-rules/internal/common/logging"
)

const hmacPrefix = "sha256="

var (
	hmacShape = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	jwtShape  = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*$`)
)

// SecretSource yields the HMAC keys currently acceptable for a workspace
type SecretSource interface {
	Secrets(ctx context.Context, workspaceID string) []string
}

// Result is the outcome of a verification
type Result struct {
	Valid      bool
	StatusCode int
	ErrorBody  []byte
}

func ok() Result {
	return Result{Valid: true, StatusCode: http.StatusOK}
}

func failed(err VerificationError) Result {
	body, _ := json.Marshal(map[string]string{"error": err.Message})
	return Result{Valid: false, StatusCode: err.Status, ErrorBody: body}
}

// Verifier handles webhook signature verification
type Verifier struct {
	config  *Config
	secrets SecretSource
	tokens  TokenVerifier
	logger  logging.Logger
}

// NewVerifier creates a new signature verifier. tokens may be nil, in which
// case bearer tokens are never accepted.
func NewVerifier(config *Config, secrets SecretSource, tokens TokenVerifier, logger logging.Logger) *Verifier {
	if config == nil {
		config = DefaultConfig()
	}
	config.SetDefaults()
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	return &Verifier{
		config:  config,
		secrets: secrets,
		tokens:  tokens,
		logger:  logger.WithFields(logging.Field{Key: "component", Value: "signature"}),
	}
}

// Verify authenticates a webhook body for workspaceID
func (v *Verifier) Verify(ctx context.Context, headers http.Header, rawBody []byte, workspaceID string) Result {
	logger := v.logger.WithContext(ctx)

	if strings.TrimSpace(workspaceID) == "" {
		logger.Warn("Signature verification failed: workspace id missing")
		return failed(unauthorized("", "workspaceId missing"))
	}

	if v.config.SkipVerification {
		logger.Warn("Signature verification skipped", logging.Field{Key: "workspace_id", Value: workspaceID})
		return ok()
	}

	secrets := v.secrets.Secrets(ctx, workspaceID)
	if len(secrets) == 0 {
		logger.Warn("Signature verification failed: no installation token", logging.Field{Key: "workspace_id", Value: workspaceID})
		return failed(unauthorized("", "installation token not found"))
	}

	header, value := v.resolveHeader(headers)
	if value == "" {
		logger.Warn("Signature verification failed: header missing", logging.Field{Key: "workspace_id", Value: workspaceID})
		return failed(unauthorized("", "signature header missing"))
	}
	if header != CanonicalHeader {
		logger.Warn("Non-canonical signature header used", logging.Field{Key: "header", Value: header})
	}

	if looksLikeHMAC(value) {
		if err := verifyHMAC(header, value, rawBody, secrets); err != nil {
			logger.Warn("HMAC signature mismatch", logging.Field{Key: "workspace_id", Value: workspaceID})
			return failed(*err)
		}
		logger.Debug("Signature verified", logging.Field{Key: "scheme", Value: "hmac"})
		return ok()
	}

	if v.config.AcceptTokens && v.tokens != nil && jwtShape.MatchString(value) {
		if err := v.verifyToken(header, value, workspaceID); err != nil {
			logger.Warn("Bearer token rejected",
				logging.Field{Key: "workspace_id", Value: workspaceID},
				logging.Field{Key: "reason", Value: err.Message},
			)
			return failed(*err)
		}
		logger.Debug("Signature verified", logging.Field{Key: "scheme", Value: "jwt"})
		return ok()
	}

	logger.Warn("Unrecognized signature format", logging.Field{Key: "workspace_id", Value: workspaceID})
	return failed(forbidden(header, "invalid signature"))
}

func (v *Verifier) resolveHeader(headers http.Header) (string, string) {
	for _, name := range v.config.HeaderNames {
		if value := strings.TrimSpace(headers.Get(name)); value != "" {
			return name, value
		}
	}
	return "", ""
}

func (v *Verifier) verifyToken(header, value, workspaceID string) *VerificationError {
	claims, err := v.tokens.Verify(value)
	if err != nil {
		e := unauthorized(header, "invalid token: %v", err)
		return &e
	}
	if claims.WorkspaceID != workspaceID {
		e := unauthorized(header, "token workspace mismatch")
		return &e
	}
	return nil
}

func looksLikeHMAC(value string) bool {
	return hmacShape.MatchString(strings.TrimPrefix(value, hmacPrefix))
}

func verifyHMAC(header, value string, body []byte, secrets []string) *VerificationError {
	provided, err := hex.DecodeString(strings.ToLower(strings.TrimPrefix(value, hmacPrefix)))
	if err != nil {
		e := forbidden(header, "invalid signature")
		return &e
	}
	for _, secret := range secrets {
		if hmac.Equal(provided, computeMAC(secret, body)) {
			return nil
		}
	}
	e := forbidden(header, "invalid signature")
	return &e
}

func computeMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// ComputeSignature returns the header value a sender would attach to body
func ComputeSignature(secret string, body []byte) string {
	return hmacPrefix + hex.EncodeToString(computeMAC(secret, body))
}
