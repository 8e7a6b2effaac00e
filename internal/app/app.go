package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/utafrali/promotion-engine/internal/config"
	"github.com/utafrali/promotion-engine/internal/event"
	handler "github.com/utafrali/promotion-engine/internal/handler/http"
	"github.com/utafrali/promotion-engine/internal/ledger"
	"github.com/utafrali/promotion-engine/internal/ledger/memory"
	ledgerpg "github.com/utafrali/promotion-engine/internal/ledger/postgres"
	ledgerredis "github.com/utafrali/promotion-engine/internal/ledger/redis"
	"github.com/utafrali/promotion-engine/internal/repository"
	"github.com/utafrali/promotion-engine/internal/repository/breaker"
	"github.com/utafrali/promotion-engine/internal/repository/postgres"
	rediscache "github.com/utafrali/promotion-engine/internal/repository/redis"
	"github.com/utafrali/promotion-engine/internal/service"
	"github.com/utafrali/promotion-engine/migrations"
	"github.com/utafrali/promotion-engine/pkg/database"
	"github.com/utafrali/promotion-engine/pkg/health"
	pkgkafka "github.com/utafrali/promotion-engine/pkg/kafka"
	"github.com/utafrali/promotion-engine/pkg/middleware"
	"github.com/utafrali/promotion-engine/pkg/tracing"
)

// App wires together all dependencies and runs the promotion engine.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *goredis.Client
	producer       *pkgkafka.Producer
	httpServer     *http.Server
	shutdownTracer func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// Tracing.
	a.shutdownTracer, err = tracing.InitTracer(ctx, cfg.Tracing())
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	database.SetSlowQueryLogging(cfg.SlowQueryThreshold(), logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Initialize PostgreSQL connection pool.
	a.pool, err = database.NewPostgresPool(ctx, cfg.Postgres(), logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	if err := database.RunMigrations(ctx, a.pool, migrations.FS, logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := database.RegisterPoolMetrics(reg, a.pool, config.ServiceName); err != nil {
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}

	// Initialize Redis. It is only required by the Redis ledger; otherwise
	// the engine runs without the campaign cache.
	if cfg.RedisEnabled {
		client, rerr := database.NewRedisClient(ctx, cfg.Redis())
		switch {
		case rerr == nil:
			a.redis = client
			logger.Info("connected to Redis", slog.String("addr", cfg.Redis().Addr()))
		case cfg.LedgerBackend == config.LedgerRedis:
			return nil, fmt.Errorf("connect to redis: %w", rerr)
		default:
			logger.Warn("redis unavailable, campaign cache disabled", slog.String("error", rerr.Error()))
		}
	}

	// Build the dependency graph.
	breakerCfg := cfg.Breaker()
	breakerMetrics := breaker.NewMetrics(reg)

	var campaigns repository.CampaignStore = breaker.NewCampaignStore(
		postgres.NewCampaignRepository(a.pool), breakerCfg, breakerMetrics, logger)
	if a.redis != nil && cfg.CampaignCacheTTL > 0 {
		campaigns = rediscache.NewCampaignCache(campaigns, a.redis, cfg.CampaignCacheTTL, logger)
	}
	// Ledgers held outside Postgres seed lost counters from the Postgres
	// columns, which then have to follow every commit.
	var usageOpts []postgres.UsageOption
	if cfg.LedgerBackend != config.LedgerPostgres {
		usageOpts = append(usageOpts, postgres.WithCounterSync())
	}
	stores := service.Stores{
		Campaigns: campaigns,
		Coupons:   breaker.NewCouponStore(postgres.NewCouponRepository(a.pool), breakerCfg, breakerMetrics, logger),
		Usage:     breaker.NewUsageStore(postgres.NewUsageRepository(a.pool, usageOpts...), breakerCfg, breakerMetrics, logger),
	}

	l, err := a.newLedger()
	if err != nil {
		return nil, err
	}
	l = breaker.NewLedger(l, breakerCfg, breakerMetrics, logger)

	// Initialize Kafka producer.
	var events service.EventPublisher
	if cfg.KafkaEnabled {
		kafkaCfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
		a.producer = pkgkafka.NewProducer(kafkaCfg, pkgkafka.NewProducerMetrics(reg), logger)
		events = event.NewProducer(a.producer, logger)
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}

	promotionService := service.NewPromotionService(stores, l, events, service.Config{
		Policy:         cfg.Policy(),
		RequestTimeout: cfg.RequestTimeout,
		ReleaseTimeout: cfg.ReleaseTimeout,
		Location:       cfg.Location(),
	}, service.NewMetrics(reg), logger)

	// Health checks.
	healthHandler := health.NewHandler()
	pool := a.pool
	healthHandler.Register("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	if redisClient := a.redis; redisClient != nil {
		check := healthHandler.RegisterOptional
		if cfg.LedgerBackend == config.LedgerRedis {
			check = healthHandler.Register
		}
		check("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	if a.producer != nil {
		healthHandler.RegisterOptional("kafka", a.producer.Ping)
	}

	// HTTP router.
	router := handler.NewRouter(promotionService, healthHandler, handler.RouterConfig{
		Metrics:  middleware.NewHTTPMetrics(reg, config.ServiceName),
		Gatherer: reg,
		Timeout:  cfg.RequestTimeout + cfg.ReleaseTimeout,

		AuditSecret:    cfg.AuditJWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return a, nil
}

// newLedger builds the configured reservation backend.
func (a *App) newLedger() (ledger.Ledger, error) {
	switch a.cfg.LedgerBackend {
	case config.LedgerPostgres:
		return ledgerpg.New(a.pool), nil
	case config.LedgerRedis:
		if a.redis == nil {
			return nil, errors.New("redis ledger requires a redis connection")
		}
		return ledgerredis.New(a.redis, a.cfg.LedgerKeyPrefix, a.cfg.LedgerKeyTTL), nil
	case config.LedgerMemory:
		a.logger.Warn("using in-memory ledger, limits are not shared across instances")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", a.cfg.LedgerBackend)
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
			slog.String("ledger", a.cfg.LedgerBackend),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.close()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}
	a.close()

	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(shutdownCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
		}
	}

	a.logger.Info("application shutdown complete")
	return nil
}

// close releases the connections opened by NewApp.
func (a *App) close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		}
		a.producer = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
