package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pixshift/internal/config"
	"pixshift/internal/lock"
	"pixshift/internal/metrics"
	"pixshift/internal/pgmq"
	"pixshift/internal/pubsub"
	"pixshift/internal/repository"
	"pixshift/internal/service"
	"pixshift/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// QueueDriverPQ opens the pgmq handle with lib/pq. The driver must be registered by the caller.
const QueueDriverPQ = "postgres"

const (
	typeCacheSize = 128
	typeCacheTTL  = time.Minute
)

// Options tune how the process connects to its infrastructure.
type Options struct {
	// QueueDriver selects the database/sql driver behind pgmq. Empty shares the pgx pool.
	QueueDriver string
}

// App holds the wired services of one process.
type App struct {
	Config  *config.Config
	Pool    *pgxpool.Pool
	Queue   *pgmq.Client
	Storage storage.Storage
	Metrics *metrics.Metrics

	Ledger          service.LedgerService
	Usage           service.UsageService
	Billing         service.BillingService
	Transformations service.TransformationService
	Retention       service.RetentionService
	Tokens          service.TokenService
	Uploads         service.UploadService
	Users           service.UserService
	DLQ             service.DLQService

	closers []func() error
}

// New connects to Postgres, storage and the optional Redis and Pub/Sub backends, then builds every
// service on top of them.
func New(ctx context.Context, cfg *config.Config, opts Options, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New()}
	if err := a.build(ctx, opts, logger); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options, logger zerolog.Logger) error {
	cfg := a.Config
	logger.Info().Str("environment", cfg.Environment).Msg("App environment loaded")

	catalog, err := config.LoadPricingCatalog(cfg.PricingCatalogPath)
	if err != nil {
		return err
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	a.Pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	logger.Info().Msg("Database connection successful")

	db, err := openQueueDB(ctx, pool, opts.QueueDriver, cfg.DBConnectionString)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, db.Close)
	a.Queue = pgmq.New(db)

	store, err := storage.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing %s storage: %w", cfg.StorageBackend, err)
	}
	a.Storage = store
	logger.Info().Str("backend", cfg.StorageBackend).Msg("Storage initialized")

	var events pubsub.Publisher = pubsub.NoopPublisher{}
	if cfg.PubSubTopic != "" {
		pub, err := pubsub.NewPublisher(ctx, cfg)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pub.Close)
		events = pub
		logger.Info().Str("topic", cfg.PubSubTopic).Msg("Pub/Sub publisher initialized")
	}

	var locker lock.Locker
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		locker = lock.NewRedisLocker(client, "pixshift:lock:")
		logger.Info().Msg("Redis sweep lock enabled")
	}

	users := repository.NewUserRepo(pool)
	transformations := repository.NewTransformationRepo(pool)
	types := repository.NewCachedTransformationTypeRepo(repository.NewTransformationTypeRepo(pool), typeCacheSize, typeCacheTTL)

	a.Ledger = service.NewLedgerService(repository.NewUsageRepo(pool), cfg.FreeTierLimit, a.Metrics, logger)
	billingRepo := repository.NewBillingRepo(pool)
	a.Billing = service.NewBillingService(
		billingRepo,
		service.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret),
		events, a.Metrics, logger,
	)
	a.Transformations = service.NewTransformationService(service.TransformationDeps{
		Transformations: transformations,
		Types:           types,
		Users:           users,
		Storage:         store,
		Ledger:          a.Ledger,
		Billing:         a.Billing,
		Catalog:         catalog,
		Transformer:     service.NewTransformClient(service.TransformClientConfigFromEnv(cfg), a.Metrics, logger),
		Queue:           service.NewJobQueue(a.Queue, cfg.TransformQueueName),
		Events:          events,
		Metrics:         a.Metrics,
	}, logger)
	a.Tokens = service.NewTokenService(repository.NewVerificationTokenRepo(pool), logger)
	a.Retention = service.NewRetentionService(service.RetentionDeps{
		Transformations: transformations,
		Tokens:          a.Tokens,
		Storage:         store,
		Scheduler:       service.NewPurgeScheduler(a.Queue, cfg.PurgeQueueName),
		Locker:          locker,
		Events:          events,
		Metrics:         a.Metrics,
	}, service.RetentionConfig{
		Window:       cfg.RetentionWindow(),
		BatchSize:    cfg.SweepBatchSize,
		GraceDelay:   cfg.PurgeGraceDelay(),
		SignedURLTTL: cfg.SignedURLTTL(),
		LockTTL:      cfg.SweepLockTTL(),
		PurgeTimeout: cfg.PurgeTimeout(),
	}, logger)
	a.Usage = service.NewUsageService(service.UsageDeps{
		Ledger:          a.Ledger,
		Transformations: transformations,
		Billing:         billingRepo,
		Catalog:         catalog,
	}, logger)
	a.Users = service.NewUserService(users, catalog, logger)
	a.Uploads = service.NewUploadService(users, store, cfg.MaxUploadSize(), logger)
	a.DLQ = service.NewDLQService(repository.NewDLQRepository(pool), a.Queue, logger)
	return nil
}

// EnsureQueues creates the work and dead letter queues. pgmq.create is idempotent.
func (a *App) EnsureQueues(ctx context.Context) error {
	cfg := a.Config
	for _, q := range []string{cfg.TransformQueueName, cfg.TransformDeadLetterName, cfg.PurgeQueueName, cfg.PurgeDeadLetterName} {
		if err := a.Queue.CreateQueue(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DBConnectionString)
	if err != nil {
		return nil, fmt.Errorf("parsing database connection string: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = cfg.DBMaxConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	// Transaction poolers like pgbouncer cannot hold server-side prepared statements.
	if cfg.Environment != "development" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

func openQueueDB(ctx context.Context, pool *pgxpool.Pool, driver, dsn string) (*sql.DB, error) {
	if driver == "" {
		return stdlib.OpenDBFromPool(pool), nil
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s queue connection: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging queue connection: %w", err)
	}
	return db, nil
}
