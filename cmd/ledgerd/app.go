package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"credit_ledger/internal/archive"
	"credit_ledger/internal/auth"
	"credit_ledger/internal/config"
	"credit_ledger/internal/dedup"
	"credit_ledger/internal/events"
	"credit_ledger/internal/httpapi"
	"credit_ledger/internal/ledger"
	"credit_ledger/internal/meter"
	"credit_ledger/internal/payments"
	"credit_ledger/internal/queue"
	"credit_ledger/internal/ratelimit"
	"credit_ledger/internal/storage"
	"credit_ledger/internal/utils"
)

// worker is a background component with the Start/Stop lifecycle
type worker interface {
	Start(ctx context.Context)
	Stop() error
}

// app holds everything ledgerd runs, in start order
type app struct {
	deps    *httpapi.Dependencies
	workers []worker
	closers []func() error
	logger  *utils.Logger
}

func buildApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{logger: utils.NewLogger("ledgerd")}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if cfg.Meter.ExecutorURL == "" {
		return nil, fmt.Errorf("METER_EXECUTOR_URL is required")
	}

	// Durable store, or memory for local runs
	var (
		db    *storage.DB
		store storage.LedgerStore
		keys  interface {
			auth.APIKeyStore
			auth.APIKeyIssuer
		}
	)
	if cfg.Database.URL != "" {
		db, err = storage.NewDB(storage.DBConfig{
			DSN:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
			QueryTimeout:    cfg.Database.QueryTimeout,
			APIKeyCacheSize: cfg.Cache.APIKeyCacheSize,
			APIKeyCacheTTL:  cfg.Cache.APIKeyCacheTTL,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)

		if cfg.Database.AutoMigrate {
			applied, err := db.Migrate(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
			a.logger.Info("Database migrated", "applied", applied)
		}
		store = db.NewLedgerStore(cfg.Ledger.LockTimeout)
		keys = auth.NewDBAPIKeyStore(db.NewAPIKeyRepository())
	} else {
		a.logger.Warn("DATABASE_URL not set, balances are kept in memory only")
		store = storage.NewMemoryLedgerStore(cfg.Ledger.LockTimeout)
		keys = auth.NewInMemoryAPIKeyStore()
	}

	var (
		redisClient *storage.RedisClient
		rdb         *redis.Client
	)
	if cfg.Redis.Address != "" {
		rc := storage.DefaultRedisConfig()
		rc.Address = cfg.Redis.Address
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.PoolSize = cfg.Redis.PoolSize
		rc.MinIdleConns = cfg.Redis.MinIdleConns
		rc.DialTimeout = cfg.Redis.DialTimeout
		rc.ReadTimeout = cfg.Redis.ReadTimeout
		rc.WriteTimeout = cfg.Redis.WriteTimeout
		redisClient, err = storage.NewRedisClient(rc)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, redisClient.Close)
		rdb = redisClient.Client()
	}

	publisher, err := a.buildPublisher(ctx, cfg, rdb)
	if err != nil {
		return nil, err
	}
	l := ledger.NewAccountLedger(store, publisher)

	// Duplicate-operation cache
	throttle, err := dedup.NewBackend(cfg.Dedup.Backend, dedup.NamespaceThrottle, cfg.Dedup.MemoryCapacity, rdb, db)
	if err != nil {
		return nil, err
	}
	noRecharge, err := dedup.NewBackend(cfg.Dedup.Backend, dedup.NamespaceNoRecharge, cfg.Dedup.MemoryCapacity, rdb, db)
	if err != nil {
		return nil, err
	}
	cache := dedup.NewTiered(throttle, noRecharge, cfg.Dedup.ThrottleTTL, cfg.Dedup.NoRechargeTTL)
	a.workers = append(a.workers, dedup.NewReaper(cfg.Dedup.ReapInterval, throttle, noRecharge))

	executor, err := meter.NewHTTPExecutor(cfg.Meter.ExecutorURL, cfg.Meter.ExecutorAPIKey, cfg.Meter.ExecutorTimeout)
	if err != nil {
		return nil, err
	}
	meterCfg := meter.DefaultConfig()
	meterCfg.OperationCost = cfg.Meter.OperationCost
	meterCfg.ChargeTimeout = cfg.Meter.ChargeTimeout
	meterCfg.RejectThrottled = cfg.Meter.RejectThrottled
	meterCfg.DeterministicKinds = cfg.Meter.DeterministicKinds
	usage := meter.NewUsageMeter(l, cache, executor, meterCfg)

	// Payment intake
	applier := payments.NewApplier(l)
	paymentsCfg := queue.DefaultConfig("payments")
	paymentsCfg.BatchSize = cfg.Payments.QueueBatchSize
	paymentsCfg.BatchTimeout = cfg.Payments.QueueBatchTimeout
	paymentsCfg.MaxRetries = cfg.Payments.QueueMaxRetries
	paymentQueue, paymentDLQ, err := a.buildQueue(cfg.Payments.QueueBackend, paymentsCfg, rdb)
	if err != nil {
		return nil, err
	}
	paymentWorker := payments.NewPaymentQueueWorker(paymentQueue, paymentDLQ, applier, paymentsCfg)
	a.workers = append(a.workers, paymentWorker)

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.PaymentsTopic != "" {
		source, err := payments.NewKafkaSource(cfg.Kafka.Brokers, cfg.Kafka.PaymentsTopic, cfg.Kafka.ConsumerGroup, applier, paymentDLQ)
		if err != nil {
			return nil, err
		}
		a.workers = append(a.workers, source)
	}

	var poller *payments.StatusPoller
	if cfg.Payments.StatusCheckerURL != "" {
		poller = payments.NewStatusPoller(applier, payments.NewHTTPStatusChecker(cfg.Payments.StatusCheckerURL, 0))
	}
	if cfg.Payments.WebhookSecret == "" {
		a.logger.Warn("PAYMENTS_WEBHOOK_SECRET not set, every webhook will be rejected")
	}

	reconciler := ledger.NewReconciler(store, publisher, ledger.ReconcilerConfig{
		Interval: cfg.Reconcile.Interval,
		PageSize: cfg.Reconcile.PageSize,
	})
	if cfg.Reconcile.Interval > 0 {
		a.workers = append(a.workers, reconciler)
	}

	var limiter ratelimit.Limiter = ratelimit.NewNoopLimiter()
	if cfg.RateLimit.RequestsPerMinute > 0 {
		if rdb == nil {
			a.logger.Warn("RATE_LIMIT_PER_MINUTE needs REDIS_ADDRESS, rate limiting disabled")
		} else {
			limiter = ratelimit.NewRateLimiter(rdb, cfg.RateLimit.RequestsPerMinute, time.Minute)
		}
	}

	if len(cfg.JWTSecret) == 0 {
		a.logger.Warn("JWT_SECRET not set, admin endpoints will reject every token")
	}

	health := map[string]httpapi.HealthChecker{}
	if redisClient != nil {
		health["redis"] = redisClient
	}

	a.deps = &httpapi.Dependencies{
		Ledger:        l,
		Meter:         usage,
		Applier:       applier,
		Poller:        poller,
		Payments:      paymentWorker,
		Reconciler:    reconciler,
		APIKeys:       keys,
		KeyIssuer:     keys,
		RateLimit:     limiter,
		WebhookSecret: []byte(cfg.Payments.WebhookSecret),
		JWTSecret:     cfg.JWTSecret,
		Health:        health,
	}
	return a, nil
}

// buildPublisher fans ledger events out to Kafka and the S3 archive, when configured
func (a *app) buildPublisher(ctx context.Context, cfg *config.Config, rdb *redis.Client) (events.Publisher, error) {
	var pubs events.MultiPublisher

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.LedgerTopic != "" {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.LedgerTopic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kp.Close)
		pubs = append(pubs, kp)
	}

	if cfg.Archive.Enabled {
		writer, err := archive.NewS3Writer(ctx, cfg.Archive.S3Bucket, cfg.Archive.S3Region, cfg.Archive.S3Prefix, cfg.Archive.PodName)
		if err != nil {
			return nil, err
		}
		archiveCfg := queue.DefaultConfig("archive")
		archiveCfg.BatchSize = cfg.Archive.FlushSize
		archiveCfg.BatchTimeout = cfg.Archive.FlushInterval
		archiveCfg.BufferSize = cfg.Archive.BufferSize

		// The archive queue stays in memory; only its failures go to Redis when available.
		q := queue.NewMemoryQueue(archiveCfg)
		var dlq queue.DeadLetterQueue = queue.NewMemoryDeadLetterQueue()
		if rdb != nil {
			if dlq, err = queue.NewRedisDeadLetterQueue(rdb, archiveCfg); err != nil {
				return nil, err
			}
		}
		a.workers = append(a.workers, archive.NewWorker(q, dlq, writer, archiveCfg))
		pubs = append(pubs, events.NewQueuePublisher(q))
	}

	if len(pubs) == 0 {
		return events.NoopPublisher{}, nil
	}
	return pubs, nil
}

func (a *app) buildQueue(backend string, cfg *queue.Config, rdb *redis.Client) (queue.Queue, queue.DeadLetterQueue, error) {
	if backend != "redis" {
		q := queue.NewMemoryQueue(cfg)
		a.closers = append(a.closers, q.Close)
		return q, queue.NewMemoryDeadLetterQueue(), nil
	}
	q, err := queue.NewRedisQueue(rdb, cfg)
	if err != nil {
		return nil, nil, err
	}
	dlq, err := queue.NewRedisDeadLetterQueue(rdb, cfg)
	if err != nil {
		return nil, nil, err
	}
	return q, dlq, nil
}

func (a *app) start(ctx context.Context) {
	for _, w := range a.workers {
		w.Start(ctx)
	}
}

// shutdown stops workers in reverse start order, then releases connections
func (a *app) shutdown() {
	for i := len(a.workers) - 1; i >= 0; i-- {
		if err := a.workers[i].Stop(); err != nil {
			a.logger.Error("Worker stop failed", "error", err)
		}
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("Close failed", "error", err)
		}
	}
	a.closers = nil
}
