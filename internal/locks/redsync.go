// Package locks provides distributed mutual exclusion across service
// instances sharing one Redis, using the Redlock implementation from
// go-redsync/redsync/v4.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"webhook-rules/internal/common/errors"
	"webhook-rules/internal/redis"
)

const releaseTimeout = 2 * time.Second

// Config tunes lock acquisition
type Config struct {
	// Expiry bounds how long a crashed holder can block others
	Expiry time.Duration
	// Tries and RetryDelay bound how long Lock waits for a busy lock
	Tries      int
	RetryDelay time.Duration
	KeyPrefix  string
}

func DefaultConfig() Config {
	return Config{
		Expiry:     10 * time.Second,
		Tries:      20,
		RetryDelay: 100 * time.Millisecond,
		KeyPrefix:  "lock:",
	}
}

// RedsyncLocker hands out short-lived named locks
type RedsyncLocker struct {
	redsync *redsync.Redsync
	config  Config
}

func NewRedsyncLocker(client *redis.Client, config Config) (*RedsyncLocker, error) {
	if client == nil {
		return nil, errors.ValidationError("redis client is required")
	}
	defaults := DefaultConfig()
	if config.Expiry <= 0 {
		config.Expiry = defaults.Expiry
	}
	if config.Tries <= 0 {
		config.Tries = defaults.Tries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}

	return &RedsyncLocker{
		redsync: redsync.New(goredis.NewPool(client.GetGoRedisClient())),
		config:  config,
	}, nil
}

// Lock blocks until key is held, the tries run out or ctx ends. The returned
// function releases the lock and is safe to call once.
func (l *RedsyncLocker) Lock(ctx context.Context, key string) (func(), error) {
	mutex := l.redsync.NewMutex(l.config.KeyPrefix+key,
		redsync.WithExpiry(l.config.Expiry),
		redsync.WithTries(l.config.Tries),
		redsync.WithRetryDelay(l.config.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, errors.TransientError(fmt.Sprintf("failed to acquire lock %q", key), err)
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_, _ = mutex.UnlockContext(rctx)
	}, nil
}
