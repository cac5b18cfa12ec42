package app

import (
	"time"

	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/config"
	"webhook-rules/internal/ratelimit"
)

// InitializeRateLimiter creates the inbound webhook limiter: shared through
// Redis when connected, per instance otherwise. It returns nil when rate
// limiting is disabled.
func (app *App) InitializeRateLimiter() ratelimit.Limiter {
	if !app.Config.RateLimitEnabled {
		app.Logger.Info("Rate Limiting: Disabled")
		return nil
	}

	limitConfig := ratelimit.DefaultConfig()
	limitConfig.Limit = config.Int(app.Config.RateLimitDefault, limitConfig.Limit)
	if window, err := time.ParseDuration(app.Config.RateLimitWindow); err == nil && window > 0 {
		limitConfig.Window = window
	}
	limitConfig.KeyPrefix = "rate_limit:webhooks:"

	var (
		limiter ratelimit.Limiter
		err     error
	)
	if app.RedisClient != nil {
		limiter, err = ratelimit.NewRedisLimiter(app.RedisClient, limitConfig)
	} else {
		limiter, err = ratelimit.NewLocalLimiter(limitConfig)
	}
	if err != nil {
		app.Logger.Warn("Rate Limiting: invalid configuration, disabled", logging.Field{Key: "error", Value: err.Error()})
		return nil
	}

	app.Logger.Info("Rate Limiting: Enabled",
		logging.Field{Key: "backend", Value: limiter.Name()},
		logging.Field{Key: "limit", Value: limitConfig.Limit},
		logging.Field{Key: "window", Value: limitConfig.Window.String()},
	)
	return limiter
}
