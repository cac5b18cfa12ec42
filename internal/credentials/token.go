package credentials

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// DefaultAPIBaseURL is used when an installation does not supply one
const DefaultAPIBaseURL = "https://api.clockify.me/api/v1"

var (
	// ErrWorkspaceRequired is returned when a workspace id is blank
	ErrWorkspaceRequired = errors.New("workspace id is required")
	// ErrTokenRequired is returned when a token is blank
	ErrTokenRequired = errors.New("token is required")
	// ErrNoCurrentToken is returned by Rotate when there is nothing to rotate from
	ErrNoCurrentToken = errors.New("no current token to rotate")
)

var versionedAPIPath = regexp.MustCompile(`/api/v\d+$`)

// WorkspaceToken is an installation credential for one workspace
type WorkspaceToken struct {
	Token      string    `json:"token"`
	APIBaseURL string    `json:"apiBaseUrl"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	RotatedAt  time.Time `json:"rotatedAt,omitempty"`
}

// Expired reports whether the token is past its expiry at now
func (t WorkspaceToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Record is the persisted state of a workspace: the current token and, during
// a rotation grace window, the token it replaced.
type Record struct {
	Current  *WorkspaceToken `json:"current,omitempty"`
	Previous *WorkspaceToken `json:"previous,omitempty"`
}

// RotationInfo describes an in-progress rotation
type RotationInfo struct {
	RotatedAt   time.Time
	GraceEndsAt time.Time
}

// NormalizeAPIBaseURL turns whatever an installation payload carries into a
// versioned REST base URL.
//
//	""                           -> https://api.clockify.me/api/v1
//	"https://eu.example.com/api" -> https://eu.example.com/api/v1
//	"https://eu.example.com/"    -> https://eu.example.com/api/v1
func NormalizeAPIBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		base = DefaultAPIBaseURL
	}
	base = strings.TrimRight(base, "/")

	if strings.HasSuffix(base, "/api") {
		return base + "/v1"
	}
	if versionedAPIPath.MatchString(base) {
		return base
	}
	return base + "/api/v1"
}
