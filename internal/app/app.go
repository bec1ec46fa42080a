package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/valenisgroo/reviews-service/internal/config"
	"github.com/valenisgroo/reviews-service/internal/event"
	handler "github.com/valenisgroo/reviews-service/internal/handler/http"
	"github.com/valenisgroo/reviews-service/internal/job"
	"github.com/valenisgroo/reviews-service/internal/moderation"
	"github.com/valenisgroo/reviews-service/internal/purchase"
	"github.com/valenisgroo/reviews-service/internal/rating"
	"github.com/valenisgroo/reviews-service/internal/repository"
	"github.com/valenisgroo/reviews-service/internal/repository/postgres"
	redisrepo "github.com/valenisgroo/reviews-service/internal/repository/redis"
	"github.com/valenisgroo/reviews-service/internal/service"
	"github.com/valenisgroo/reviews-service/migrations"
	"github.com/valenisgroo/reviews-service/pkg/database"
	"github.com/valenisgroo/reviews-service/pkg/health"
	"github.com/valenisgroo/reviews-service/pkg/httpclient"
	pkgkafka "github.com/valenisgroo/reviews-service/pkg/kafka"
	pkglogger "github.com/valenisgroo/reviews-service/pkg/logger"
	"github.com/valenisgroo/reviews-service/pkg/tracing"
)

const serviceName = "reviews"

// App wires together all dependencies and runs the reviews service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *goredis.Client
	producer       *pkgkafka.Producer
	httpServer     *http.Server
	orderCreated   *pkgkafka.Consumer
	scheduler      *job.Scheduler
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	rel := &releaser{logger: logger}
	rel.add("tracer", func() error {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutdownCancel()
		return tracerShutdown(shutdownCtx)
	})

	// Initialize PostgreSQL connection pool.
	pgCfg := database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}

	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return rel.fail(fmt.Errorf("connect to postgres: %w", err))
	}
	rel.add("postgres", func() error {
		pool.Close()
		return nil
	})
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, serviceName); err != nil {
		logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
	}

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		return rel.fail(fmt.Errorf("run migrations: %w", err))
	}
	logger.Info("database migrations completed")

	// Configure slow query logging.
	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, logger)
	}

	// Redis backs the rating cache and consumer deduplication. Without it
	// both fall back to process-local behavior.
	var (
		redisClient      *goredis.Client
		ratingCache      repository.RatingCache
		idempotencyStore pkgkafka.IdempotencyStore
	)
	idempotencyTTL := time.Duration(cfg.IdempotencyTTLHours) * time.Hour
	if cfg.RedisEnabled {
		redisClient, err = database.NewRedisClient(ctx, database.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Warn("redis unavailable, continuing without rating cache",
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("connected to Redis", slog.String("host", cfg.RedisHost), slog.Int("port", cfg.RedisPort))
			rel.add("redis", redisClient.Close)
			ratingCache = redisrepo.NewRatingCache(redisClient, time.Duration(cfg.RatingCacheTTLSecs)*time.Second)
			idempotencyStore = pkgkafka.NewRedisIdempotencyStore(redisClient, "reviews:processed:", idempotencyTTL)
		}
	}
	if redisClient == nil {
		ratingCache = redisrepo.NopRatingCache{}
		idempotencyStore = pkgkafka.NewMemoryIdempotencyStore(idempotencyTTL)
	}

	// Initialize Kafka producer with connection validation and retry.
	kafkaCfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
	producer := pkgkafka.NewProducer(kafkaCfg, logger)
	rel.add("kafka producer", producer.Close)
	if err := pingKafkaWithRetry(ctx, producer, logger); err != nil {
		logger.Warn("kafka producer ping failed after retries, continuing in degraded mode",
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}

	// Purchase checks: circuit breaker over a retrying client.
	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = time.Duration(cfg.PurchaseCheckTimeoutMs) * time.Millisecond
	ordersClient := httpclient.NewCircuitBreakerClient(httpclient.New(httpCfg), httpclient.CircuitBreakerConfig{
		Name:         "orders-service",
		MaxRequests:  cfg.CBMaxRequests,
		Interval:     time.Duration(cfg.CBInterval) * time.Second,
		Timeout:      time.Duration(cfg.CBTimeout) * time.Second,
		FailureRatio: cfg.CBFailureRatio,
		MinRequests:  cfg.CBMinRequests,
	}, logger)
	checker := purchase.NewChecker(ordersClient, purchase.Config{
		BaseURL: cfg.OrdersServiceURL,
		Token:   cfg.OrdersServiceToken,
		Timeout: httpCfg.Timeout,
	}, pkglogger.WithComponent(logger, "purchase-checker"))

	// Build the dependency graph.
	reviewRepo := postgres.NewReviewRepository(pool)
	ratingRepo := postgres.NewRatingRepository(pool)
	eventProducer := event.NewProducer(producer, logger)
	aggregator := rating.NewAggregator(reviewRepo, ratingRepo, ratingCache, eventProducer, cfg.Strategy(),
		pkglogger.WithComponent(logger, "rating-aggregator"))
	engine := moderation.NewEngine(moderation.Config{
		ForbiddenWords:    cfg.ModerationForbiddenWords,
		RejectAllLinks:    cfg.ModerationRejectAllLinks,
		AllowedDomains:    cfg.ModerationAllowedDomains,
		SuspiciousDomains: cfg.ModerationSuspiciousDomains,
	})
	reviewService := service.NewReviewService(reviewRepo, engine, aggregator, checker, eventProducer, logger)

	// Scheduled sweeps.
	moderationJob := job.NewModerationJob(reviewService, pkglogger.WithComponent(logger, "moderation-job"),
		job.WithRate(cfg.ModerationSweepRate))
	scheduler := job.NewScheduler(cfg.Location(), pkglogger.WithComponent(logger, "scheduler"))
	if err := scheduler.Register("moderation", cfg.ModerationSchedule, func(ctx context.Context) error {
		_, err := moderationJob.Run(ctx)
		return err
	}); err != nil {
		return rel.fail(err)
	}
	if err := scheduler.Register("rating-reconcile", cfg.RatingReconcileSchedule, func(ctx context.Context) error {
		_, err := reviewService.ReconcileRatings(ctx)
		return err
	}); err != nil {
		return rel.fail(err)
	}

	// Set up the Kafka consumer for order events.
	eventConsumer := event.NewConsumer(reviewService, pkglogger.WithComponent(logger, "order-consumer"))
	orderCreatedConsumer := pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
		Brokers:          cfg.KafkaBrokers,
		GroupID:          cfg.KafkaConsumerGroup,
		Topic:            cfg.KafkaOrderTopic,
		MinBytes:         1,
		MaxBytes:         10e6,
		MaxRetries:       cfg.KafkaMaxRetries,
		ReconnectBackoff: time.Duration(cfg.KafkaReconnectBackoffSec) * time.Second,
		EnableDLQ:        cfg.KafkaEnableDLQ,
	}, pkgkafka.IdempotentHandler(idempotencyStore, eventConsumer.HandleOrderCreated, logger), logger)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})
	if redisClient != nil {
		healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	// HTTP router.
	router := handler.NewRouter(reviewService, moderationJob, healthHandler, logger, handler.RouterConfig{
		PprofCIDRs:       cfg.PprofAllowedCIDRs,
		SubmitRateLimit:  cfg.SubmitRateLimit,
		SubmitRatePeriod: time.Duration(cfg.SubmitRatePeriodSecs) * time.Second,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		redis:          redisClient,
		producer:       producer,
		httpServer:     httpServer,
		orderCreated:   orderCreatedConsumer,
		scheduler:      scheduler,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the HTTP server, the order consumer and the scheduler, then
// blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	// Start HTTP server.
	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Start Kafka consumer.
	go func() {
		if err := a.orderCreated.Start(ctx); err != nil {
			errCh <- fmt.Errorf("order created consumer: %w", err)
		}
	}()

	// Start scheduled sweeps.
	a.scheduler.Start()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("component failed, shutting down", slog.String("error", err.Error()))
		return errors.Join(err, a.Shutdown())
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in order:
// 1. HTTP server (drain in-flight requests)
// 2. Scheduler (let a running sweep finish, then cancel it)
// 3. Tracer (flush pending spans)
// 4. Kafka consumer
// 5. Kafka producer
// 6. Redis client
// 7. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Stop scheduled sweeps (10s budget).
	schedCtx, schedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer schedCancel()
	if err := a.scheduler.Stop(schedCtx); err != nil {
		a.logger.Error("scheduler shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 3. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 4. Close Kafka consumer.
	if err := a.orderCreated.Close(); err != nil {
		a.logger.Error("order created consumer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 5. Close Kafka producer.
	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 6. Close Redis.
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 7. Close PostgreSQL pool.
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// releaser undoes NewApp's acquisitions, newest first, when a later step
// fails.
type releaser struct {
	logger *slog.Logger
	names  []string
	steps  []func() error
}

func (r *releaser) add(name string, release func() error) {
	r.names = append(r.names, name)
	r.steps = append(r.steps, release)
}

// fail releases everything acquired so far and returns err unchanged.
func (r *releaser) fail(err error) (*App, error) {
	for i := len(r.steps) - 1; i >= 0; i-- {
		if relErr := r.steps[i](); relErr != nil {
			r.logger.Error("release after failed startup",
				slog.String("component", r.names[i]),
				slog.String("error", relErr.Error()),
			)
		}
	}
	r.steps, r.names = nil, nil
	return nil, err
}

// pingKafkaWithRetry attempts to ping the Kafka producer with exponential
// backoff (3 attempts, 1s/2s with ±25% jitter).
func pingKafkaWithRetry(ctx context.Context, producer *pkgkafka.Producer, logger *slog.Logger) error {
	const attempts = 3
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := producer.Ping(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}

		base := time.Duration(1<<uint(attempt)) * time.Second
		jitter := time.Duration(float64(base) * 0.25 * (2*rand.Float64() - 1)) // #nosec G404 -- non-cryptographic jitter
		wait := base + jitter
		logger.Warn("kafka producer ping failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", attempts),
			slog.Duration("backoff", wait),
			slog.String("error", lastErr.Error()),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka ping: context canceled during retry: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("kafka producer ping failed after %d attempts: %w", attempts, lastErr)
}
