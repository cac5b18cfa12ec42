// Package ratelimit throttles inbound requests per client key, either in
// process or shared through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"webhook-rules/internal/common/errors"
	"webhook-rules/internal/common/logging"
)

type Config struct {
	// Limit is the number of requests allowed per Window and key
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
	Enabled   bool          `json:"enabled"`
	KeyPrefix string        `json:"key_prefix"`
}

func DefaultConfig() Config {
	return Config{
		Limit:     100,
		Window:    time.Minute,
		Enabled:   true,
		KeyPrefix: "rate_limit:",
	}
}

func (c Config) Validate() error {
	if c.Limit < 1 {
		return errors.ValidationError("rate limit must be positive")
	}
	if c.Window <= 0 {
		return errors.ValidationError("rate limit window must be positive")
	}
	return nil
}

// Decision is the result of counting one request
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// Limiter decides whether a request identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Name() string
}

// LocalLimiter keeps one token bucket per key in process memory. Buckets
// idle for longer than a window are evicted.
type LocalLimiter struct {
	config  Config
	buckets *gocache.Cache
	now     func() time.Time
}

func NewLocalLimiter(config Config) (*LocalLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	idle := 2 * config.Window
	return &LocalLimiter{
		config:  config,
		buckets: gocache.New(idle, idle),
		now:     time.Now,
	}, nil
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	limiter := l.bucket(key)
	now := l.now()
	allowed := limiter.AllowN(now, 1)

	remaining := int(math.Floor(limiter.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Limit:     l.config.Limit,
		Remaining: remaining,
		ResetTime: now.Add(l.config.Window),
	}, nil
}

func (l *LocalLimiter) Name() string { return "local" }

func (l *LocalLimiter) bucket(key string) *rate.Limiter {
	if existing, ok := l.buckets.Get(key); ok {
		l.buckets.SetDefault(key, existing)
		return existing.(*rate.Limiter)
	}
	perSecond := float64(l.config.Limit) / l.config.Window.Seconds()
	limiter := rate.NewLimiter(rate.Limit(perSecond), l.config.Limit)
	if err := l.buckets.Add(key, limiter, gocache.DefaultExpiration); err != nil {
		if existing, ok := l.buckets.Get(key); ok {
			return existing.(*rate.Limiter)
		}
	}
	return limiter
}

// Counter is the Redis operation the shared limiter needs
type Counter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// RedisLimiter counts requests in fixed windows shared by every instance
type RedisLimiter struct {
	config Config
	redis  Counter
}

func NewRedisLimiter(counter Counter, config Config) (*RedisLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, fmt.Errorf("redis client is required for the shared rate limiter")
	}
	return &RedisLimiter{config: config, redis: counter}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := l.config.KeyPrefix + key
	allowed, current, err := l.redis.CheckRateLimit(ctx, redisKey, l.config.Limit, l.config.Window)
	if err != nil {
		return Decision{}, errors.UnavailableError("rate limit store", err)
	}

	reset := l.config.Window
	if ttl, err := l.redis.TTL(ctx, redisKey); err == nil && ttl > 0 {
		reset = ttl
	}

	remaining := l.config.Limit - current
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Limit:     l.config.Limit,
		Remaining: remaining,
		ResetTime: time.Now().Add(reset),
	}, nil
}

func (l *RedisLimiter) Name() string { return "redis" }

// HTTPMiddleware rejects requests over the limit with 429. Requests without
// a key, and requests whose limiter check fails, are let through.
func HTTPMiddleware(l Limiter, keyFunc func(*http.Request) string, logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithFields(logging.Field{Key: "component", Value: "rate_limit"})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := l.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("Rate limit check failed, allowing request",
					logging.Field{Key: "backend", Value: l.Name()},
					logging.Field{Key: "error", Value: err.Error()},
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetTime.Unix(), 10))

			if !decision.Allowed {
				retryAfter := int(math.Ceil(time.Until(decision.ResetTime).Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				logger.Warn("Rate limit exceeded", logging.Field{Key: "key", Value: key})
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKey keys requests by client address, preferring proxy headers
func IPKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return "ip:" + strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return "ip:" + real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
