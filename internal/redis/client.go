package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-appointment-engine/internal/config"
)

// Connect opens the shared Redis client used for slot locks and the audit sink.
func Connect(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Username:     cfg.RedisUsername,
		Password:     cfg.RedisPassword,
		DB:           0,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}

	return rdb, nil
}

// NewLocker picks the slot locker named by LOCK_DRIVER. rdb may be nil for
// the local driver.
func NewLocker(cfg config.Config, rdb *redis.Client) (Locker, error) {
	switch cfg.LockDriver {
	case config.LockDriverRedis:
		if rdb == nil {
			return nil, fmt.Errorf("lock driver %q needs a redis client", cfg.LockDriver)
		}
		return NewRedisSlotLocker(rdb, cfg.LockTTL, cfg.LockWait), nil
	case config.LockDriverLocal:
		return NewLocalSlotLocker(cfg.LockWait), nil
	default:
		return nil, fmt.Errorf("unknown lock driver %q", cfg.LockDriver)
	}
}
