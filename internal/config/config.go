// Package config holds the promotion engine configuration.
package config

import (
	"fmt"
	"slices"
	"time"
	_ "time/tzdata" // zone database for TIMEZONE on minimal images

	"github.com/utafrali/promotion-engine/internal/engine"
	"github.com/utafrali/promotion-engine/internal/repository/breaker"
	pkgconfig "github.com/utafrali/promotion-engine/pkg/config"
	"github.com/utafrali/promotion-engine/pkg/database"
	"github.com/utafrali/promotion-engine/pkg/tracing"
)

// ServiceName identifies the service in logs, metrics and traces.
const ServiceName = "promotion-engine"

// Ledger backends.
const (
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
	LedgerMemory   = "memory"
)

// Config holds all configuration for the promotion engine.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`

	// HTTP server
	HTTPPort        int           `env:"PROMOTION_HTTP_PORT" envDefault:"8012"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"promotions"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"promotions"`
	PostgresDB   string `env:"PROMOTION_DB_NAME" envDefault:"promotions"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Redis
	RedisEnabled  bool   `env:"REDIS_ENABLED" envDefault:"true"`
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`

	// CampaignCacheTTL is how long an active-campaign snapshot is served
	// from Redis. Zero disables the cache.
	CampaignCacheTTL time.Duration `env:"CAMPAIGN_CACHE_TTL" envDefault:"30s"`

	// Kafka
	KafkaEnabled bool     `env:"KAFKA_ENABLED" envDefault:"true"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Ledger
	// Expired Redis counters are re-seeded from the Postgres counter columns,
	// which commits advance for every ledger other than postgres.
	LedgerBackend   string        `env:"LEDGER_BACKEND" envDefault:"postgres"`
	LedgerKeyPrefix string        `env:"LEDGER_KEY_PREFIX" envDefault:"promotions:ledger"`
	LedgerKeyTTL    time.Duration `env:"LEDGER_KEY_TTL" envDefault:"0s"`

	// Resolver policy
	TieBreak              string `env:"TIE_BREAK" envDefault:"oldest_first"`
	CouponDefaultPriority int    `env:"COUPON_DEFAULT_PRIORITY" envDefault:"1"`
	CouponValidDays       int    `env:"COUPON_VALID_DAYS" envDefault:"30"`

	// Request handling
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"2s"`
	ReleaseTimeout time.Duration `env:"RELEASE_TIMEOUT" envDefault:"5s"`
	Timezone       string        `env:"TIMEZONE" envDefault:"Europe/Istanbul"`

	// AuditJWTSecret signs the bearer tokens accepted by the audit trail
	// endpoint. Empty leaves the endpoint open, which is only allowed in
	// development.
	AuditJWTSecret string `env:"AUDIT_JWT_SECRET"`

	// Per-client rate limit on the promotion endpoints. Zero RPS disables it.
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"200"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"400"`

	// Circuit breaker settings for the stores and the ledger
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"30"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// Slow query logging
	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load promotion config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration invariants. It runs as part of Load.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}
	if !slices.Contains([]string{LedgerPostgres, LedgerRedis, LedgerMemory}, c.LedgerBackend) {
		return fmt.Errorf("LEDGER_BACKEND must be one of postgres, redis, memory, got %q", c.LedgerBackend)
	}
	if c.LedgerBackend == LedgerRedis && !c.RedisEnabled {
		return fmt.Errorf("LEDGER_BACKEND=redis requires REDIS_ENABLED")
	}
	if c.LedgerBackend == LedgerMemory && c.Environment == "production" {
		return fmt.Errorf("LEDGER_BACKEND=memory is not allowed in production")
	}
	if _, err := engine.ParseTieBreak(c.TieBreak); err != nil {
		return fmt.Errorf("TIE_BREAK: %w", err)
	}
	if c.CouponDefaultPriority < 1 || c.CouponDefaultPriority > 1000 {
		return fmt.Errorf("COUPON_DEFAULT_PRIORITY must be between 1 and 1000, got %d", c.CouponDefaultPriority)
	}
	if c.CouponValidDays < 1 {
		return fmt.Errorf("COUPON_VALID_DAYS must be positive, got %d", c.CouponValidDays)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.ReleaseTimeout <= 0 {
		return fmt.Errorf("RELEASE_TIMEOUT must be positive, got %s", c.ReleaseTimeout)
	}
	if c.CampaignCacheTTL < 0 {
		return fmt.Errorf("CAMPAIGN_CACHE_TTL must not be negative, got %s", c.CampaignCacheTTL)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.Environment != "development" && len(c.AuditJWTSecret) < 32 {
		return fmt.Errorf("AUDIT_JWT_SECRET must be at least 32 characters in %q mode", c.Environment)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %f", c.RateLimitRPS)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when RATE_LIMIT_RPS is set, got %d", c.RateLimitBurst)
	}
	if c.CBFailureRatio <= 0 || c.CBFailureRatio > 1.0 {
		return fmt.Errorf("CB_FAILURE_RATIO must be in (0, 1], got %f", c.CBFailureRatio)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	return nil
}

// Policy returns the resolver policy.
func (c *Config) Policy() engine.Policy {
	tieBreak, _ := engine.ParseTieBreak(c.TieBreak)
	return engine.Policy{
		TieBreak:              tieBreak,
		CouponDefaultPriority: c.CouponDefaultPriority,
		CouponValidDays:       c.CouponValidDays,
	}
}

// Location returns the zone time conditions are evaluated in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Postgres returns the connection pool settings.
func (c *Config) Postgres() *database.PostgresConfig {
	return &database.PostgresConfig{
		Host:            c.PostgresHost,
		Port:            c.PostgresPort,
		User:            c.PostgresUser,
		Password:        c.PostgresPass,
		DBName:          c.PostgresDB,
		SSLMode:         c.PostgresSSL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: time.Duration(c.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(c.DBMaxConnIdleTimeMins) * time.Minute,
	}
}

// Redis returns the Redis client settings.
func (c *Config) Redis() database.RedisConfig {
	return database.RedisConfig{
		Host:         c.RedisHost,
		Port:         c.RedisPort,
		Password:     c.RedisPassword,
		DB:           c.RedisDB,
		PoolSize:     c.RedisPoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// Breaker returns the circuit breaker settings.
func (c *Config) Breaker() breaker.Config {
	return breaker.Config{
		MaxRequests:  c.CBMaxRequests,
		Interval:     time.Duration(c.CBInterval) * time.Second,
		Timeout:      time.Duration(c.CBTimeout) * time.Second,
		FailureRatio: c.CBFailureRatio,
		MinRequests:  c.CBMinRequests,
	}
}

// Tracing returns the OpenTelemetry settings.
func (c *Config) Tracing() tracing.Config {
	return tracing.Config{
		ServiceName:    ServiceName,
		ServiceVersion: c.Version,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTELEndpoint,
		SampleRate:     c.OTELSampleRate,
		Enabled:        c.OTELEnabled,
	}
}

// SlowQueryThreshold returns the slow query logging threshold.
func (c *Config) SlowQueryThreshold() time.Duration {
	return time.Duration(c.SlowQueryThresholdMs) * time.Millisecond
}
