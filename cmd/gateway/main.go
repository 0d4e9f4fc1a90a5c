package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/propush/internal/api"
	"github.com/lalithlochan/propush/internal/circuitbreaker"
	"github.com/lalithlochan/propush/internal/config"
	"github.com/lalithlochan/propush/internal/db"
	"github.com/lalithlochan/propush/internal/delivery"
	"github.com/lalithlochan/propush/internal/dispatch"
	"github.com/lalithlochan/propush/internal/interaction"
	"github.com/lalithlochan/propush/internal/metrics"
	"github.com/lalithlochan/propush/internal/observ"
	"github.com/lalithlochan/propush/internal/redis"
	"github.com/lalithlochan/propush/internal/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("propush-gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting propush gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Int("bulk_batch_size", cfg.BulkBatchSize),
		zap.Duration("delivery_timeout", cfg.DeliveryTimeout),
		zap.String("quiet_hours_zone", cfg.QuietHoursZone.String()),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs idempotent sends and rate limiting; both are skipped without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
		defer redisClient.Close()
	}

	breakers := circuitbreaker.NewSet(circuitbreaker.DefaultConfig("delivery"), logger)
	senders, err := buildSenders(ctx, cfg, breakers, logger)
	if err != nil {
		return err
	}
	router := delivery.NewRouter(cfg.DeliveryTimeout, logger, senders...)

	logger.Info("delivery providers initialized", zap.Strings("providers", router.Providers()))

	subs := registry.New(repo, logger)
	dispatcher := dispatch.New(repo, subs, router, dispatch.Config{
		BatchSize: cfg.BulkBatchSize,
		Location:  cfg.QuietHoursZone,
	}, logger)

	validator, err := api.NewValidator()
	if err != nil {
		return fmt.Errorf("failed to create validator: %w", err)
	}

	handler := api.NewHandler(logger, validator, api.Services{
		Registry:    subs,
		Dispatcher:  dispatcher,
		Tracker:     interaction.NewTracker(repo, logger),
		Analytics:   interaction.NewAnalytics(repo, cfg.StatsWindow, logger),
		Preferences: repo,
		History:     repo,
	}).
		WithVAPIDPublicKey(cfg.VAPIDPublicKey).
		WithProviders(router.Providers(), breakers)
	if idempotencyService != nil {
		handler.WithIdempotency(idempotencyService)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// No request timeout on /v1: a started dispatch always runs to completion
	// and the response reports its outcome.
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.CallerMiddleware(logger))
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.CallerKeyFunc))
		handler.Routes(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := database.Health(ctx); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})

		r.Handle("/metrics", metrics.Handler())
	})

	poolCtx, stopPool := context.WithCancel(ctx)
	defer stopPool()
	go reportPools(poolCtx, database, redisClient)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: a bulk send of MaxBulkRecipients runs synchronously
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildSenders returns the configured providers in routing order: SNS ARNs,
// FCM endpoints, then everything else through Web Push. Each one is guarded
// by a per-host circuit breaker.
func buildSenders(ctx context.Context, cfg *config.Config, breakers *circuitbreaker.Set, logger *zap.Logger) ([]delivery.Sender, error) {
	var senders []delivery.Sender

	if cfg.SNSEnabled {
		sns, err := delivery.NewSNSSender(ctx, delivery.SNSConfig{
			Region:   cfg.SNSRegion,
			Endpoint: cfg.SNSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("SNS sender unavailable, SNS endpoints will fail", zap.Error(err))
		} else {
			senders = append(senders, delivery.NewProtectedSender(sns, breakers, logger))
		}
	}

	if cfg.FCMServerKey != "" {
		fcm, err := delivery.NewFCMSender(delivery.FCMConfig{
			ServerKey: cfg.FCMServerKey,
			SendURL:   cfg.FCMSendURL,
			TTL:       cfg.PushTTL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM sender: %w", err)
		}
		senders = append(senders, delivery.NewProtectedSender(fcm, breakers, logger))
	} else {
		logger.Info("FCM server key not set, FCM endpoints go through Web Push")
	}

	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		wp, err := delivery.NewWebPushSender(delivery.WebPushConfig{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubject,
			TTL:             cfg.PushTTL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create web push sender: %w", err)
		}
		senders = append(senders, delivery.NewProtectedSender(wp, breakers, logger))
	} else {
		logger.Warn("VAPID keys not set, web push disabled")
	}

	if len(senders) == 0 {
		return nil, fmt.Errorf("no delivery provider configured: set VAPID keys, FCM_SERVER_KEY or SNS_ENABLED")
	}
	return senders, nil
}

// reportPools publishes connection pool gauges until ctx is done.
func reportPools(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))
		if redisClient != nil {
			metrics.SetRedisConnections(redisClient.OpenConns())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
