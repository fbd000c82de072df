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

	"github.com/dstarikov/pushgate/internal/api"
	"github.com/dstarikov/pushgate/internal/chat"
	"github.com/dstarikov/pushgate/internal/circuitbreaker"
	"github.com/dstarikov/pushgate/internal/config"
	"github.com/dstarikov/pushgate/internal/db"
	"github.com/dstarikov/pushgate/internal/metrics"
	"github.com/dstarikov/pushgate/internal/notify"
	"github.com/dstarikov/pushgate/internal/observ"
	"github.com/dstarikov/pushgate/internal/redis"
	"github.com/dstarikov/pushgate/internal/sqs"
	"github.com/dstarikov/pushgate/internal/stream"
	"github.com/dstarikov/pushgate/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pushgate gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repositories
	notifRepo := db.NewNotificationRepository(database, logger)
	chatRepo := db.NewChatRepository(database, logger)
	relationRepo := db.NewRelationRepository(database, logger)
	jobRepo := db.NewJobRepository(database, logger)

	// Initialize Redis for the event bridge, rate limiting and idempotency
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, bridge and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	var bridge *redis.Bridge
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.PostRateLimit,
			Window: 1 * time.Minute,
		})
		bridge = redis.NewBridge(redisClient, logger)
		defer redisClient.Close()
	}

	// Live channel registry and broadcaster
	registry := stream.NewRegistry(logger)
	var publisher stream.Publisher
	if bridge != nil {
		publisher = bridge
	}
	broadcaster := stream.NewBroadcaster(registry, publisher, logger)

	bridgeCtx, bridgeCancel := context.WithCancel(context.Background())
	defer bridgeCancel()
	if bridge != nil {
		go func() {
			if err := bridge.Run(bridgeCtx, broadcaster); err != nil && bridgeCtx.Err() == nil {
				logger.Error("event bridge stopped", zap.Error(err))
			}
		}()
	}

	// Initialize SQS mirror
	var producer *sqs.Producer
	var consumer *sqs.Consumer
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}
		producer, err = sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, job ids will not be mirrored",
				zap.Error(err),
			)
			producer = nil
		}
		consumer, err = sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, workers rely on polling",
				zap.Error(err),
			)
			consumer = nil
		}
	}

	var jobQueue notify.JobQueue = jobRepo
	if producer != nil {
		jobQueue = sqs.NewMirroredQueue(jobRepo, producer, logger)
	}

	// Notification service
	resolver := notify.NewResolver(relationRepo, logger)
	notifySvc := notify.NewService(notifRepo, relationRepo, jobQueue, broadcaster, resolver, notify.Config{
		DefaultDeliveryType: db.DeliveryBoth,
		JobMaxAttempts:      cfg.JobMaxAttempts,
	}, logger)

	// Chat service
	chatSvc := chat.NewService(chatRepo, broadcaster, notifySvc, registry, chat.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		EventBufferSize:   cfg.EventBufferSize,
	}, logger)

	// Relay transports
	var relaySender worker.Sender
	if cfg.RelayDryRun {
		relaySender = worker.NewLogSender(logger)
		logger.Info("relay dry run enabled, deliveries are logged, not sent")
	} else {
		sesSender, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES email sender: %w", err)
		}

		snsSender, err := worker.NewSNSSender(ctx, worker.SNSConfig{
			Region: cfg.SNSRegion,
		}, logger)
		if err != nil {
			logger.Warn("SNS sender unavailable, SMS relay disabled",
				zap.Error(err),
			)
			snsSender = nil
		}

		webhookSender := worker.NewWebhookSender(logger, worker.WebhookConfig{
			DefaultTimeout: time.Duration(cfg.WebhookTimeout) * time.Second,
		})

		if snsSender != nil {
			relaySender = worker.NewMultiSender(logger, sesSender, snsSender, webhookSender)
		} else {
			relaySender = worker.NewMultiSender(logger, sesSender, webhookSender)
		}

		logger.Info("initialized relay transports",
			zap.Bool("email_enabled", true),
			zap.Bool("sms_enabled", snsSender != nil),
			zap.Bool("webhook_enabled", true),
		)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("relay"), logger)
	protectedSender := circuitbreaker.NewProtectedSender(relaySender, breaker, logger)

	// Delivery worker
	w := worker.New(jobRepo, protectedSender, notifRepo, worker.Config{
		PollInterval: cfg.WorkerPollInterval,
		BatchSize:    cfg.WorkerBatchSize,
		Consumers:    cfg.WorkerConsumers,
		BackoffBase:  cfg.JobBackoffBase,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go w.Start(workerCtx)
	if consumer != nil {
		go w.RunSource(workerCtx, consumer)
	}

	logger.Info("delivery worker started")

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Custom logging middleware
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

	handler := api.NewHandler(logger, chatSvc, notifySvc, broadcaster, notifRepo, jobRepo, idempotencyService, producer)
	authMiddleware := api.AuthMiddleware(cfg.JWTSecret, logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware)

		// Bounded request/response endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.With(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc)).
				Post("/rooms/{roomID}/messages", handler.PostMessage)
			r.Get("/notifications", handler.ListNotifications)
			r.Get("/jobs/failed", handler.ListFailedJobs)
			r.Post("/jobs/{id}/retry", handler.RetryJob)
		})

		// SSE streams stay open indefinitely, so no timeout middleware here.
		r.Get("/rooms/{roomID}/events", handler.RoomEvents)
		r.Get("/events", handler.UserEvents)
	})

	// Trusted in-cluster dispatch, not exposed through the public ingress.
	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/push", handler.InternalPush)
		r.Post("/events", handler.InternalEvent)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("DB DOWN"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// WriteTimeout must stay zero: it would sever long-lived SSE responses.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop accepting work, then give outstanding requests 10 seconds.
		workerCancel()
		bridgeCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
