package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-appointment-engine/internal/api"
	"github.com/hackgods/clinic-appointment-engine/internal/appointment"
	"github.com/hackgods/clinic-appointment-engine/internal/config"
	"github.com/hackgods/clinic-appointment-engine/internal/db"
	"github.com/hackgods/clinic-appointment-engine/internal/logging"
	redisclient "github.com/hackgods/clinic-appointment-engine/internal/redis"
	"github.com/hackgods/clinic-appointment-engine/internal/seed"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel, "api-server")
	logger.Info().
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreDriver).
		Str("lock", cfg.LockDriver).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, logger, nil); err != nil {
		logger.Fatal().Err(err).Msg("api-server failed")
	}
	logger.Info().Msg("api-server stopped")
}

// run serves until ctx is done, then shuts down within cfg.ShutdownTimeout.
// listening, when set, receives the bound address once the listener is open.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger, listening func(addr string)) error {
	var (
		store  appointment.Store
		checks []api.Check
	)

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		if err == nil {
			err = db.EnsureSchema(pgCtx, pool)
			if err != nil {
				pool.Close()
			}
		}
		cancelPg()
		if err != nil {
			return fmt.Errorf("postgres setup: %w", err)
		}
		defer pool.Close()
		logger.Info().Msg("connected to Postgres")

		store = appointment.NewPgStore(pool)
		checks = append(checks, api.Check{Name: "postgres", Critical: true, Ping: pool.Ping})

	case config.StoreDriverMemory:
		mem := appointment.NewMemoryStore()
		g := seed.NewGenerator(uint64(time.Now().UnixNano()))
		doctors, patients := seed.LoadMemory(mem, g.Doctors(cfg.SeedDoctors), g.Patients(cfg.SeedPatients))
		logger.Info().
			Int("doctors", len(doctors)).
			Int("patients", len(patients)).
			Msg("memory store seeded")
		store = mem

	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	var rdb *redis.Client
	if cfg.LockDriver == config.LockDriverRedis {
		var err error
		rdb, err = redisclient.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

		checks = append(checks, api.Check{
			Name:     "redis",
			Critical: true,
			Ping:     func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	locker, err := redisclient.NewLocker(cfg, rdb)
	if err != nil {
		return fmt.Errorf("slot locker setup: %w", err)
	}

	svc := appointment.NewService(store, locker, cfg, logger)

	srv := &http.Server{
		Handler: api.NewRouter(api.RouterConfig{
			Service:         svc,
			Logger:          logger,
			Checks:          checks,
			RateLimitPerMin: cfg.RateLimitPerMin,
			Env:             cfg.Env,
			Version:         version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", ":"+cfg.HTTPPort)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
	if listening != nil {
		listening(ln.Addr().String())
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
