package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/legacy-gateway/internal/backend"
	"github.com/ehr/legacy-gateway/internal/bridge"
	"github.com/ehr/legacy-gateway/internal/config"
	"github.com/ehr/legacy-gateway/internal/gateway"
	"github.com/ehr/legacy-gateway/internal/platform/admission"
	"github.com/ehr/legacy-gateway/internal/platform/breaker"
	"github.com/ehr/legacy-gateway/internal/platform/cache"
	"github.com/ehr/legacy-gateway/internal/platform/db"
	"github.com/ehr/legacy-gateway/internal/platform/events"
	"github.com/ehr/legacy-gateway/internal/platform/metrics"
	"github.com/ehr/legacy-gateway/internal/platform/middleware"
)

const serviceName = "LegacyGateway"

func main() {
	rootCmd := &cobra.Command{
		Use:   "gateway-server",
		Short: "Legacy SOAP gateway for the e-prescription platform",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	m := metrics.New()

	// Redis backs both the read cache and the command channel. Without it
	// the gateway runs on in-process equivalents, which only suit a single
	// instance.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			logger.Fatal().Err(perr).Msg("invalid REDIS_URL")
		}
		redisClient = redis.NewClient(redisOpts)
		if perr := redisClient.Ping(ctx).Err(); perr != nil {
			logger.Fatal().Err(perr).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		logger.Info().Msg("connected to redis")
	}

	// Cache. Backend errors degrade to misses rather than failing reads.
	var store cache.Store
	if redisClient != nil {
		store = cache.NewRedis(redisClient)
	} else {
		mem := cache.NewMemory()
		mem.StartCleanup(ctx, time.Minute)
		store = mem
		logger.Warn().Msg("no REDIS_URL set, using in-memory cache")
	}
	cacheStore := cache.NewFailOpen(store, logger)

	// Event channel for the async write path.
	var channel events.Channel
	if redisClient != nil {
		channel = events.NewRedisStream(redisClient, cfg.EventGroup, cfg.EventConsumer, logger)
	} else {
		channel = events.NewMemory()
		logger.Warn().Msg("no REDIS_URL set, using in-memory event channel")
	}

	// Tracking records live in Postgres when available so status survives a
	// restart.
	var statusStore bridge.StatusStore
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var perr error
		pool, perr = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if perr != nil {
			logger.Fatal().Err(perr).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		pg := bridge.NewPostgresStatusStore(pool, cfg.TrackingRetention)
		if perr := pg.EnsureSchema(ctx); perr != nil {
			logger.Fatal().Err(perr).Msg("failed to ensure tracking schema")
		}
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				if rerr := pg.Reap(ctx); rerr != nil {
					logger.Warn().Err(rerr).Msg("failed to reap expired tracking records")
				}
			}
		}()
		statusStore = pg
	} else {
		mem := bridge.NewMemoryStatusStore(cfg.TrackingRetention)
		mem.StartCleanup(ctx, time.Minute)
		statusStore = mem
		logger.Warn().Msg("no DATABASE_URL set, using in-memory status store")
	}

	br := bridge.New(channel, statusStore)

	// Result consumer commits terminal statuses in the background.
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	if cfg.AsyncEnabled {
		consumer := bridge.NewConsumer(channel, statusStore, logger)
		consumer.OnCommit(func(rec bridge.TrackingRecord) {
			m.ResultsConsumed.WithLabelValues(string(rec.Status)).Inc()
		})
		go func() {
			if cerr := consumer.Run(consumerCtx); cerr != nil && consumerCtx.Err() == nil {
				logger.Error().Err(cerr).Msg("result consumer stopped")
			}
		}()
	} else {
		logger.Warn().Msg("async writes disabled, using synchronous backend fallback")
	}

	// Backend clients and their breakers.
	backends := map[string]*backend.Client{
		backend.NamePrescription: backend.NewClient(backend.NamePrescription, cfg.PrescriptionBackendURL, cfg.BackendTimeout),
		backend.NameDispense:     backend.NewClient(backend.NameDispense, cfg.DispenseBackendURL, cfg.BackendTimeout),
		backend.NameMedication:   backend.NewClient(backend.NameMedication, cfg.MedicationBackendURL, cfg.BackendTimeout),
	}

	breakers := breaker.NewRegistry(breaker.Config{
		Timeout:           cfg.BreakerTimeout,
		ResetTimeout:      cfg.BreakerResetTimeout,
		VolumeThreshold:   cfg.BreakerVolumeThreshold,
		ErrorThresholdPct: cfg.BreakerErrorThresholdPct,
	}, func(change breaker.StateChange) {
		m.BreakerTransitions.WithLabelValues(change.Name, change.To.String()).Inc()
		logger.Warn().
			Str("backend", change.Name).
			Str("from", change.From.String()).
			Str("to", change.To.String()).
			Msg("circuit breaker state change")
	})

	controller := admission.New(admission.Config{
		MaxConcurrent:  cfg.AdmissionMaxConcurrent,
		HighWater:      cfg.AdmissionHighWater,
		Reservoir:      cfg.AdmissionReservoir,
		RefillInterval: cfg.AdmissionRefillInterval,
		MinInterval:    cfg.AdmissionMinInterval,
	})

	router := gateway.NewRouter(gateway.Options{
		Admission:    controller,
		Breakers:     breakers,
		Cache:        cacheStore,
		Bridge:       br,
		Backends:     backends,
		Logger:       logger,
		Metrics:      m,
		AsyncEnabled: cfg.AsyncEnabled,
		StatusPath:   "/api/legacy/status/",
	})
	handler := gateway.NewHandler(router, cacheStore, br, serviceName)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("4M"))

	handler.RegisterRoutes(e)
	e.GET("/health", handler.HealthHandler())
	e.GET("/metrics", m.Handler())
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("async", cfg.AsyncEnabled).Msg("starting gateway")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gateway")
	stopConsumer()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("gateway stopped")
	return nil
}
