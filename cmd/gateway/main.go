package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/audit"
	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/maintenance"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/stats"
	"github.com/lalithlochan/courier/internal/worker"
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

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("email_provider", cfg.EmailProvider),
	)

	ctx := context.Background()
	checks := make(map[string]api.HealthCheck)

	// Storage
	var (
		store    db.Store
		database *db.DB
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		database, err = db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: cfg.DBMaxConns,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		logger.Info("database connection established",
			zap.String("host", cfg.DBHost),
			zap.Int("port", cfg.DBPort),
			zap.String("database", cfg.DBName),
		)
		store = db.NewRepository(database, logger)
		checks["database"] = database.Health
	default:
		store = seededMemoryStore(cfg)
		logger.Warn("using in-memory store, notifications are lost on restart")
	}

	// Redis is optional. Without it idempotency falls back to the store and
	// every replica sweeps.
	var redisClient *redis.Client
	if cfg.RedisEnabled() {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency cache and sweep lock disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
			redisClient = nil
		} else {
			defer redisClient.Close()
			checks["redis"] = redisClient.Ping
		}
	}

	// Email transport behind a circuit breaker
	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create email transport: %w", err)
	}
	breakerCfg := circuitbreaker.DefaultConfig(transport.Name())
	breakerCfg.MaxFailures = cfg.CircuitMaxFailures
	breakerCfg.RecoveryTimeout = cfg.CircuitRecoveryTimeout
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetCircuitState(name, int(to))
	}
	breaker := circuitbreaker.New(breakerCfg, logger)
	protected := circuitbreaker.NewProtectedTransport(transport, breaker, logger)

	// Audit trail: always the store, optionally mirrored to SNS
	sinks := []audit.Sink{audit.NewStoreSink(store)}
	if cfg.AuditTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.AuditTopicARN, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Warn("sns publisher unavailable, audit entries stay in the store only", zap.Error(err))
		} else {
			sinks = append(sinks, publisher)
		}
	}
	recorder := audit.NewRecorder(audit.Options{BufferSize: cfg.AuditBufferSize}, logger, sinks...)

	// Channel senders
	failures := channel.NewFailureHandler(store, recorder, logger)
	registry := channel.NewRegistry(
		channel.NewEmailSender(store, protected, failures, recorder, channel.EmailConfig{
			DefaultFrom: cfg.FromEmail,
			SendTimeout: cfg.SendTimeout,
		}, logger),
	)

	logger.Info("initialized channel senders",
		zap.Any("channels", registry.Channels()),
		zap.String("transport", transport.Name()),
	)

	pool := worker.NewPool(registry, worker.PoolConfig{
		Workers:   cfg.DispatchWorkers,
		QueueSize: cfg.DispatchQueueSize,
	}, logger)
	pool.Start()

	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()

	// With a queue configured, intake enqueues to SQS and a consumer feeds
	// the pool. Otherwise intake hands straight to the pool.
	var dispatcher dispatch.Dispatcher = pool
	if cfg.SQSEnabled() {
		sqsCfg := sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL}
		client, err := sqs.NewClient(ctx, sqsCfg)
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}
		dispatcher = sqs.NewProducer(client, sqsCfg, logger)

		consumer := worker.NewQueueConsumer(sqs.NewConsumer(client, sqsCfg, logger), store, pool, logger)
		go consumer.Start(loopCtx)

		logger.Info("sqs dispatch enabled", zap.String("queue_url", cfg.SQSQueueURL))
	}

	coord := dispatch.NewCoordinator(store, registry, dispatcher, recorder, dispatch.Config{
		MaxRetries: cfg.MaxRetries,
		TTL:        cfg.NotificationTTL,
	}, logger)

	sweeper := worker.NewSweeper(store, registry, pool, recorder, worker.SweeperConfig{
		Interval:    cfg.SweepInterval,
		BatchSize:   cfg.SweepBatchSize,
		OrphanGrace: cfg.OrphanGrace,
	}, logger)

	if redisClient != nil {
		coord.SetIdempotencyCache(redis.NewIdempotencyCache(redisClient, cfg.NotificationTTL, logger))
		sweeper.SetLocker(redis.NewLock(redisClient))
	}

	go sweeper.Start(loopCtx)

	scheduler, err := maintenance.New(store, maintenance.Config{
		DailyResetSpec:  cfg.DailyResetSpec,
		HealthCheckSpec: cfg.HealthCheckSpec,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create maintenance scheduler: %w", err)
	}
	scheduler.Watch(db.ChannelEmail, breaker)
	scheduler.Start()

	go reportConnections(loopCtx, database, redisClient)

	logger.Info("delivery engine started",
		zap.Int("workers", cfg.DispatchWorkers),
		zap.Duration("sweep_interval", cfg.SweepInterval),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(api.RequestLogger(logger))

	handler := api.NewHandler(logger, coord, stats.NewAggregator(store, logger), store, cfg.DefaultClientID)
	handler.Routes(r)

	// Health check
	r.Get("/health", api.HealthHandler(logger, checks))

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
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

	// Block until we receive a signal or server error
	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			runErr = fmt.Errorf("graceful shutdown failed: %w", err)
		} else {
			logger.Info("server stopped gracefully")
		}
	}

	// Stop intake loops first, then drain in-flight deliveries, then flush audit.
	loopCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()

	if err := pool.Stop(drainCtx); err != nil {
		logger.Warn("dispatch pool did not drain", zap.Error(err))
	}
	if err := scheduler.Stop(drainCtx); err != nil {
		logger.Warn("maintenance scheduler did not stop", zap.Error(err))
	}
	if err := recorder.Close(drainCtx); err != nil {
		logger.Warn("audit recorder did not flush", zap.Error(err))
	}

	return runErr
}

func newTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (channel.Transport, error) {
	switch cfg.EmailProvider {
	case config.ProviderSES:
		return channel.NewSESTransport(ctx, cfg.AWSRegion, logger)
	case config.ProviderPostmark:
		return channel.NewPostmarkTransport(cfg.PostmarkServerToken, cfg.PostmarkAccountToken, cfg.PostmarkTag)
	default:
		return channel.NewLogTransport(logger), nil
	}
}

// seededMemoryStore registers the default client and an enabled EMAIL channel
// so a fresh in-memory gateway accepts requests immediately.
func seededMemoryStore(cfg *config.Config) *db.MemoryStore {
	store := db.NewMemoryStore()
	store.PutClient(db.ApiClient{
		ID:     cfg.DefaultClientID,
		Name:   "default",
		Active: true,
	})
	store.PutChannelConfig(db.ChannelConfig{
		Channel:      db.ChannelEmail,
		ProviderName: cfg.EmailProvider,
		Settings:     map[string]any{"from_email": cfg.FromEmail},
		Enabled:      true,
		HealthStatus: db.HealthUnknown,
	})
	return store
}

func reportConnections(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if database != nil {
				metrics.SetDBConnections(database.AcquiredConns())
			}
			if redisClient != nil {
				metrics.SetRedisConnections(redisClient.ActiveConns())
			}
		}
	}
}
