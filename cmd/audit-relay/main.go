package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-appointment-engine/internal/appointment"
	"github.com/hackgods/clinic-appointment-engine/internal/audit"
	"github.com/hackgods/clinic-appointment-engine/internal/config"
	"github.com/hackgods/clinic-appointment-engine/internal/db"
	"github.com/hackgods/clinic-appointment-engine/internal/logging"
	redisclient "github.com/hackgods/clinic-appointment-engine/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel, "audit-relay")

	if cfg.StoreDriver != config.StoreDriverPostgres {
		logger.Fatal().Str("store", cfg.StoreDriver).Msg("audit relay reads the postgres log table")
	}

	logger.Info().
		Str("sink", cfg.AuditSink).
		Str("channel", cfg.AuditChannel).
		Dur("interval", cfg.RelayInterval).
		Msg("audit-relay starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pool.Close()
	logger.Info().Msg("connected to Postgres")

	// The cursor always lives in Redis, whichever sink carries the events.
	rdb, err := redisclient.Connect(rootCtx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

	pub, err := newPublisher(cfg, rdb)
	if err != nil {
		logger.Fatal().Err(err).Msg("audit sink setup error")
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing publisher")
		}
	}()

	relay := audit.NewRelay(
		appointment.NewPgStore(pool),
		pub,
		audit.NewRedisCursor(rdb, audit.DefaultCursorKey),
		cfg.RelayBatchSize,
		logger,
	)

	relay.Run(rootCtx, cfg.RelayInterval)
	logger.Info().Msg("audit-relay stopped")
}

// newPublisher returns the sink named by AUDIT_SINK.
func newPublisher(cfg config.Config, rdb *redis.Client) (audit.Publisher, error) {
	switch cfg.AuditSink {
	case config.AuditSinkRedis:
		return audit.NewRedisPublisher(rdb, cfg.AuditChannel), nil
	case config.AuditSinkAMQP:
		p, err := audit.NewAMQPPublisher(cfg.AMQPURL, cfg.AuditChannel)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.AuditSink)
	}
}
