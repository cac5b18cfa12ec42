// Package signature authenticates inbound webhooks.
//
// Two schemes are accepted on the same header:
//
//   - HMAC-SHA256 over the raw request body keyed by the workspace's
//     installation token, hex encoded with an optional "sha256=" prefix.
//     Both the current token and a token inside its rotation grace window
//     are tried.
//   - A signed bearer token (JWT), only when enabled. Structural checks
//     (algorithm, signature, issuer, audience, expiry, maximum lifetime) are
//     done by a TokenVerifier; the verifier then requires the token's
//     workspaceId claim to match the request.
//
// Failures map to HTTP statuses: a missing workspace, credential or header is
// 401, a rejected bearer token is 401, and an HMAC mismatch or unrecognised
// header shape is 403.
//
// # Header resolution
//
// The canonical header is Clockify-Signature. When it is absent the verifier
// falls back to Clockify-Webhook-Signature, X-Clockify-Signature and
// X-Clockify-Webhook-Signature, logging the non-canonical name.
package signature
