package signature

// CanonicalHeader is the preferred signature header
const CanonicalHeader = "Clockify-Signature"

// Config controls which schemes the Verifier accepts
type Config struct {
	// HeaderNames lists signature headers in lookup order
	HeaderNames []string `json:"header_names"`

	// AcceptTokens enables the signed bearer token scheme. A TokenVerifier
	// must be supplied when set.
	AcceptTokens bool `json:"accept_tokens"`

	// SkipVerification accepts every request that names a workspace. Only the
	// application wiring for development environments should set it.
	SkipVerification bool `json:"skip_verification"`
}

// DefaultConfig returns the HMAC-only configuration
func DefaultConfig() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if len(c.HeaderNames) == 0 {
		c.HeaderNames = []string{
			CanonicalHeader,
			"Clockify-Webhook-Signature",
			"X-Clockify-Signature",
			"X-Clockify-Webhook-Signature",
		}
	}
}
