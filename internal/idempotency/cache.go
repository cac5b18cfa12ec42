// Package idempotency suppresses redelivered webhooks. Each delivery is
// reduced to a dedup key; the first sighting of workspace+event+key within
// the TTL is processed and later ones are reported as duplicates.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/common/utils"
)

const (
	DefaultTTL = 10 * time.Minute
	MinTTL     = time.Minute
	MaxTTL     = 24 * time.Hour
)

// preferredFields are tried in order; dotted entries walk nested objects
var preferredFields = []string{
	"payloadId",
	"eventId",
	"id",
	"timeEntryId",
	"timeEntry.id",
	"assignmentId",
	"projectId",
	"clientId",
	"targetId",
	"taskId",
	"userId",
	"webhookId",
	"invoiceId",
}

// Cache decides whether a delivery has been seen before
type Cache struct {
	store  Store
	ttl    atomic.Int64
	logger logging.Logger
}

func NewCache(store Store, ttl time.Duration, logger logging.Logger) *Cache {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	c := &Cache{
		store:  store,
		logger: logger.WithFields(logging.Field{Key: "component", Value: "idempotency"}),
	}
	c.ConfigureTTL(ttl)
	return c
}

// ConfigureTTL sets the dedup window, clamped to [MinTTL, MaxTTL]. A zero
// value restores DefaultTTL.
func (c *Cache) ConfigureTTL(ttl time.Duration) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	clamped := utils.ClampDuration(ttl, MinTTL, MaxTTL)
	if clamped != ttl {
		c.logger.Warn("Dedup TTL out of range, clamping",
			logging.Field{Key: "requested", Value: ttl.String()},
			logging.Field{Key: "ttl", Value: clamped.String()},
		)
	}
	c.ttl.Store(int64(clamped))
}

func (c *Cache) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// Backend names the store in use
func (c *Cache) Backend() string {
	return c.store.Name()
}

// IsDuplicate records the delivery and reports whether it had already been
// recorded within the TTL. Payloads without a usable key are never
// duplicates, and store failures are logged and treated as first sightings.
func (c *Cache) IsDuplicate(ctx context.Context, workspaceID, event string, payload map[string]interface{}) bool {
	dedupKey := DeriveDedupKey(payload)
	if dedupKey == "" {
		return false
	}

	claimed, err := c.store.Claim(ctx, RecordKey(workspaceID, event, dedupKey), c.TTL())
	if err != nil {
		c.logger.WithContext(ctx).Warn("Idempotency store failure",
			logging.Field{Key: "workspace_id", Value: workspaceID},
			logging.Field{Key: "event", Value: event},
			logging.Field{Key: "error", Value: err.Error()},
		)
		return false
	}
	return !claimed
}

// Clear forgets every recorded delivery
func (c *Cache) Clear(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("Failed to clear idempotency store", err)
	}
}

// RecordKey is the store key for one delivery
func RecordKey(workspaceID, event, dedupKey string) string {
	return workspaceID + ":" + event + ":" + dedupKey
}

// DeriveDedupKey returns the first non-blank preferred identifier in payload,
// falling back to the SHA-256 of the compact JSON encoding. A nil payload
// yields "".
func DeriveDedupKey(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	for _, field := range preferredFields {
		if value := scalarAt(payload, field); value != "" {
			return value
		}
	}

	body, err := json.Marshal(payload)
	if err != nil || len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func scalarAt(payload map[string]interface{}, path string) string {
	var current interface{} = payload
	for _, part := range strings.Split(path, ".") {
		object, ok := current.(map[string]interface{})
		if !ok {
			return ""
		}
		current = object[part]
	}

	switch v := current.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}
