package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration for the ledger service.
type Config struct {
	HTTPPort  string
	JWTSecret []byte
	LogLevel  string
	Local     bool

	Database  DatabaseConfig
	Ledger    LedgerConfig
	Cache     CacheConfig
	Redis     RedisConfig
	Dedup     DedupConfig
	Meter     MeterConfig
	Payments  PaymentsConfig
	Kafka     KafkaConfig
	Archive   ArchiveConfig
	Reconcile ReconcileConfig
	RateLimit RateLimitConfig
}

// DatabaseConfig holds database connection settings. An empty URL selects
// the in-memory ledger store.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
	AutoMigrate     bool
}

// LedgerConfig holds settings for the account ledger
type LedgerConfig struct {
	LockTimeout time.Duration // Max wait for the per-account lock
}

// CacheConfig holds in-process cache settings
type CacheConfig struct {
	APIKeyCacheSize int
	APIKeyCacheTTL  time.Duration
}

// RedisConfig holds Redis connection settings. An empty address disables
// every Redis-backed component.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DedupConfig holds duplicate-operation cache settings
type DedupConfig struct {
	Backend        string        // memory, redis or postgres
	ThrottleTTL    time.Duration // Short cooldown namespace
	NoRechargeTTL  time.Duration // Authoritative anti-double-charge namespace
	MemoryCapacity int
	ReapInterval   time.Duration
}

// MeterConfig holds usage meter settings
type MeterConfig struct {
	RejectThrottled bool
	ChargeTimeout   time.Duration // Bound on the non-cancellable charge step
	OperationCost   int64

	// Operation kinds that skip the balance gate
	DeterministicKinds []string

	// Upstream service that runs the operations
	ExecutorURL     string
	ExecutorAPIKey  string
	ExecutorTimeout time.Duration
}

// PaymentsConfig holds payment intake settings
type PaymentsConfig struct {
	WebhookSecret     string
	QueueBackend      string // memory or redis
	QueueBatchSize    int
	QueueBatchTimeout time.Duration
	QueueMaxRetries   int
	StatusCheckerURL  string
}

// KafkaConfig holds Kafka settings. No brokers disables both the event
// publisher and the payment consumer.
type KafkaConfig struct {
	Brokers       []string
	LedgerTopic   string
	PaymentsTopic string
	ConsumerGroup string
}

// ArchiveConfig holds configuration for the S3 transaction archive
type ArchiveConfig struct {
	Enabled       bool          // Whether to export transactions to S3
	BufferSize    int           // In-memory queue size
	FlushSize     int           // Flush to S3 after this many transactions
	FlushInterval time.Duration // Flush to S3 after this duration
	S3Bucket      string        // S3 bucket name
	S3Region      string        // AWS region
	S3Prefix      string        // Prefix for S3 keys (e.g., "transactions/")
	PodName       string        // Pod identifier for multi-pod deployments
}

// ReconcileConfig holds settings for the background consistency check
type ReconcileConfig struct {
	Interval time.Duration // Zero disables the background job
	PageSize int
}

// RateLimitConfig holds per-account request limits
type RateLimitConfig struct {
	RequestsPerMinute int // Zero disables rate limiting
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads configuration from an optional .env file and environment variables.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		HTTPPort:  getEnvString("HTTP_PORT", "8080"),
		JWTSecret: []byte(getEnvString("JWT_SECRET", "")),
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		Local:     getEnvBool("LOCAL", false),
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			QueryTimeout:    getEnvDuration("DB_QUERY_TIMEOUT", 5*time.Second),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Ledger: LedgerConfig{
			LockTimeout: getEnvDuration("LEDGER_LOCK_TIMEOUT", 5*time.Second),
		},
		Cache: CacheConfig{
			APIKeyCacheSize: getEnvInt("CACHE_API_KEY_SIZE", 1000),
			APIKeyCacheTTL:  getEnvDuration("CACHE_API_KEY_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", ""),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Dedup: DedupConfig{
			Backend:        getEnvString("DEDUP_BACKEND", "memory"),
			ThrottleTTL:    getEnvDuration("DEDUP_THROTTLE_TTL", 30*time.Second),
			NoRechargeTTL:  getEnvDuration("DEDUP_NO_RECHARGE_TTL", 14*24*time.Hour),
			MemoryCapacity: getEnvInt("DEDUP_MEMORY_CAPACITY", 100_000),
			ReapInterval:   getEnvDuration("DEDUP_REAP_INTERVAL", 10*time.Minute),
		},
		Meter: MeterConfig{
			RejectThrottled:    getEnvBool("METER_REJECT_THROTTLED", false),
			ChargeTimeout:      getEnvDuration("METER_CHARGE_TIMEOUT", 10*time.Second),
			OperationCost:      getEnvInt64("METER_OPERATION_COST", 1),
			DeterministicKinds: getEnvList("METER_DETERMINISTIC_KINDS"),
			ExecutorURL:        getEnvString("METER_EXECUTOR_URL", ""),
			ExecutorAPIKey:     os.Getenv("METER_EXECUTOR_API_KEY"),
			ExecutorTimeout:    getEnvDuration("METER_EXECUTOR_TIMEOUT", 30*time.Second),
		},
		Payments: PaymentsConfig{
			WebhookSecret:     os.Getenv("PAYMENTS_WEBHOOK_SECRET"),
			QueueBackend:      getEnvString("PAYMENTS_QUEUE_BACKEND", "memory"),
			QueueBatchSize:    getEnvInt("PAYMENTS_QUEUE_BATCH_SIZE", 50),
			QueueBatchTimeout: getEnvDuration("PAYMENTS_QUEUE_BATCH_TIMEOUT", 2*time.Second),
			QueueMaxRetries:   getEnvInt("PAYMENTS_QUEUE_MAX_RETRIES", 5),
			StatusCheckerURL:  getEnvString("PAYMENTS_STATUS_URL", ""),
		},
		Kafka: KafkaConfig{
			Brokers:       getEnvList("KAFKA_BROKERS"),
			LedgerTopic:   getEnvString("KAFKA_LEDGER_TOPIC", "ledger.events"),
			PaymentsTopic: getEnvString("KAFKA_PAYMENTS_TOPIC", "payments.confirmed"),
			ConsumerGroup: getEnvString("KAFKA_CONSUMER_GROUP", "credit-ledger"),
		},
		Archive: ArchiveConfig{
			Enabled:       getEnvBool("ARCHIVE_ENABLED", false),
			BufferSize:    getEnvInt("ARCHIVE_BUFFER_SIZE", 10000),
			FlushSize:     getEnvInt("ARCHIVE_FLUSH_SIZE", 1000),
			FlushInterval: getEnvDuration("ARCHIVE_FLUSH_INTERVAL", 5*time.Minute),
			S3Bucket:      getEnvString("ARCHIVE_S3_BUCKET", ""),
			S3Region:      getEnvString("ARCHIVE_S3_REGION", "us-east-1"),
			S3Prefix:      getEnvString("ARCHIVE_S3_PREFIX", "transactions/"),
			PodName:       getEnvString("POD_NAME", "ledgerd-0"),
		},
		Reconcile: ReconcileConfig{
			Interval: getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute),
			PageSize: getEnvInt("RECONCILE_PAGE_SIZE", 500),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.Dedup.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("DEDUP_BACKEND must be memory, redis or postgres, got %q", c.Dedup.Backend)
	}
	if c.Dedup.Backend == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("DEDUP_BACKEND=redis requires REDIS_ADDRESS")
	}
	if c.Dedup.Backend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DEDUP_BACKEND=postgres requires DATABASE_URL")
	}
	if c.Payments.QueueBackend == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("PAYMENTS_QUEUE_BACKEND=redis requires REDIS_ADDRESS")
	}
	if c.Dedup.NoRechargeTTL <= 0 {
		return fmt.Errorf("DEDUP_NO_RECHARGE_TTL must be positive")
	}
	if c.Ledger.LockTimeout <= 0 {
		return fmt.Errorf("LEDGER_LOCK_TIMEOUT must be positive")
	}
	if c.Meter.OperationCost <= 0 {
		return fmt.Errorf("METER_OPERATION_COST must be positive")
	}
	if c.Archive.Enabled && c.Archive.S3Bucket == "" {
		return fmt.Errorf("ARCHIVE_ENABLED requires ARCHIVE_S3_BUCKET")
	}
	return nil
}
