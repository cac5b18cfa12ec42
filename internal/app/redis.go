package app

import (
	"fmt"

	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/config"
	"webhook-rules/internal/redis"
)

// initializeRedis connects when a Redis backend is selected. The connection
// is then also used for shared rate limiting.
func (app *App) initializeRedis() error {
	if !app.Config.UsesRedis() {
		app.Logger.Info("Redis: Not configured (memory backends, per-instance rate limiting)")
		return nil
	}

	redisClient, err := redis.NewClient(&redis.Config{
		Address:  app.Config.RedisAddress,
		Password: app.Config.RedisPassword,
		DB:       config.Int(app.Config.RedisDB, 0),
		PoolSize: config.Int(app.Config.RedisPoolSize, 10),
	})
	if err != nil {
		return fmt.Errorf("redis backend selected but unavailable: %w", err)
	}

	app.RedisClient = redisClient
	app.Logger.Info("Redis: Connected",
		logging.Field{Key: "address", Value: app.Config.RedisAddress},
		logging.Field{Key: "idempotency", Value: app.Config.IdempotencyBackend},
		logging.Field{Key: "token_persistence", Value: app.Config.TokenPersistence},
	)
	return nil
}
