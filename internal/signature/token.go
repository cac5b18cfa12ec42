package signature

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the bearer token claims the engine relies on
type Claims struct {
	WorkspaceID string `json:"workspaceId"`
	AddonID     string `json:"addonId,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier performs structural verification of a signed bearer token
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// TokenConfig configures JWTVerifier
type TokenConfig struct {
	// Algorithms allowed in the token header. Defaults to RS256 when a public
	// key is set and HS256 when only a shared secret is set.
	Algorithms []string
	PublicKey  *rsa.PublicKey
	HMACSecret []byte
	Issuer     string
	Audience   string
	// Leeway tolerated on exp, nbf and iat
	Leeway time.Duration
	// MaxTTL bounds exp-iat; zero disables the check
	MaxTTL time.Duration
	// Now overrides the clock
	Now func() time.Time
}

var (
	errNoKeyMaterial   = errors.New("a public key or HMAC secret is required")
	errTokenTTLTooLong = errors.New("token lifetime exceeds maximum")
	errMissingIssuedAt = errors.New("token has no iat claim")
)

// JWTVerifier verifies bearer tokens with golang-jwt
type JWTVerifier struct {
	config TokenConfig
	parser *jwt.Parser
}

// NewJWTVerifier builds a verifier from config
func NewJWTVerifier(config TokenConfig) (*JWTVerifier, error) {
	if config.PublicKey == nil && len(config.HMACSecret) == 0 {
		return nil, errNoKeyMaterial
	}
	if len(config.Algorithms) == 0 {
		if config.PublicKey != nil {
			config.Algorithms = append(config.Algorithms, jwt.SigningMethodRS256.Alg())
		}
		if len(config.HMACSecret) > 0 {
			config.Algorithms = append(config.Algorithms, jwt.SigningMethodHS256.Alg())
		}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(config.Algorithms),
		jwt.WithLeeway(config.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(config.Now),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}

	return &JWTVerifier{config: config, parser: jwt.NewParser(opts...)}, nil
}

// ParsePublicKey decodes a PEM encoded RSA public key
func ParsePublicKey(pemData string) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemData))
	if err != nil {
		return nil, fmt.Errorf("invalid RSA public key: %w", err)
	}
	return key, nil
}

// Verify checks the token signature and registered claims
func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.keyFunc); err != nil {
		return nil, err
	}

	if v.config.MaxTTL > 0 {
		if claims.IssuedAt == nil {
			return nil, errMissingIssuedAt
		}
		if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > v.config.MaxTTL {
			return nil, errTokenTTLTooLong
		}
	}
	return claims, nil
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA:
		if v.config.PublicKey == nil {
			return nil, fmt.Errorf("no public key for %s", token.Method.Alg())
		}
		return v.config.PublicKey, nil
	case *jwt.SigningMethodHMAC:
		if len(v.config.HMACSecret) == 0 {
			return nil, fmt.Errorf("no shared secret for %s", token.Method.Alg())
		}
		return v.config.HMACSecret, nil
	default:
		return nil, fmt.Errorf("unsupported signing method %s", token.Method.Alg())
	}
}
