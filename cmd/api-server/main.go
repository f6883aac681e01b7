package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/lab-clinic-booking/internal/api"
	"github.com/hackgods/lab-clinic-booking/internal/appointment"
	"github.com/hackgods/lab-clinic-booking/internal/auth"
	"github.com/hackgods/lab-clinic-booking/internal/config"
	"github.com/hackgods/lab-clinic-booking/internal/db"
	"github.com/hackgods/lab-clinic-booking/internal/gateway"
	"github.com/hackgods/lab-clinic-booking/internal/handoff"
	"github.com/hackgods/lab-clinic-booking/internal/metrics"
	redisclient "github.com/hackgods/lab-clinic-booking/internal/redis"
	"github.com/hackgods/lab-clinic-booking/pkg/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "prod")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.LogLevel, cfg.Env)
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("version", version).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.DBMaxConns, cfg.DBMinConns)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	// Redis backs the reservation lock and, optionally, the session cache.
	// Without it reservations still rely on the conditional decrement.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.NewRedisClient(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			Name:     "api-server",
		})
		if err != nil {
			if cfg.SessionStore == "redis" {
				logger.Fatal().Err(err).Msg("redis connection error")
			}
			logger.Warn().Err(err).Msg("redis unavailable, continuing without reservation locks")
			rdb = nil
		} else {
			defer func() {
				if err := rdb.Close(); err != nil {
					logger.Error().Err(err).Msg("error closing redis")
				}
			}()
			logger.Info().Msg("connected to Redis")
		}
	}

	reg := prometheus.DefaultRegisterer
	reservationMetrics := metrics.NewReservationMetrics(reg)
	handoffMetrics := metrics.NewHandoffMetrics(reg)
	gatewayMetrics := metrics.NewGatewayMetrics(reg)

	var locker redisclient.Locker
	if rdb != nil {
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
	}

	appointments := appointment.NewService(appointment.NewPgRepository(pgPool), locker, reservationMetrics, logger, appointment.Options{
		Location:        cfg.Location(),
		StrictTimeMatch: cfg.StrictTimeMatch,
	})

	var sessions handoff.SessionCache
	switch cfg.SessionStore {
	case "redis":
		sessions = handoff.NewRedisSessionCache(rdb, cfg.SessionTTL)
	default:
		sessions = handoff.NewMemorySessionCache(cfg.SessionTTL)
	}

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	} else {
		logger.Warn().Msg("JWT_SECRET is empty, operator routes trust the X-Operator-ID header")
	}

	hub := gateway.NewHub(logger)
	conversations := handoff.NewService(handoff.NewPgRepository(pgPool), sessions, hub, handoffMetrics, logger, handoff.Options{})
	ws := gateway.New(hub, conversations, gatewayMetrics, logger, gateway.Options{
		AllowedOrigins: cfg.CORSOrigins,
		Verifier:       verifier,
	})

	router := api.NewRouter(api.RouterConfig{
		Appointments: appointments,
		Handoff:      conversations,
		Gateway:      ws,
		Health:       api.NewHealthHandler(pgPool, api.RedisPinger(rdb), cfg.Env, version),
		Verifier:     verifier,
		CORSOrigins:  cfg.CORSOrigins,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The sweeper shares the hub so idle closures reach connected clients.
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		handoff.NewSweeper(conversations, cfg.WorkerInterval, cfg.IdleTTL, logger).Run(rootCtx)
	}()

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
	<-sweepDone
	logger.Info().Msg("api-server stopped")
}
