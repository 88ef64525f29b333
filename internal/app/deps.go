// internal/app/deps.go
package app

import (
	"context"
	"fmt"
	"time"

	"billing-service/internal/config"
	"billing-service/internal/db"
	"billing-service/internal/metrics"
	"billing-service/internal/pkg/cache"
	"billing-service/internal/pkg/lock"
	"billing-service/internal/repository"
	"billing-service/internal/repository/memory"
	"billing-service/internal/repository/postgres"
	"billing-service/internal/service/catalog"
	"billing-service/internal/service/ledger"
	"billing-service/internal/service/notification"
	"billing-service/internal/service/payment"
	quotasvc "billing-service/internal/service/quota"
	subsvc "billing-service/internal/service/subscription"
	"billing-service/internal/worker"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps is the wired billing core shared by the API and worker binaries.
type Deps struct {
	Store         repository.Store
	Metrics       *metrics.Metrics
	Gateway       payment.Gateway
	Catalog       *catalog.Service
	Quotas        *quotasvc.Service
	Subscriptions *subsvc.Service
	Runner        *worker.Runner
	Scheduler     *worker.Scheduler

	// Redis is nil unless REDIS_ADDR is set.
	Redis redis.UniversalClient

	closers []func()
}

// Build connects storage and locks and wires every service.
func Build(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*Deps, error) {
	d := &Deps{Metrics: metrics.New()}

	// ----- Storage -----
	var pool *pgxpool.Pool
	switch cfg.StoreDriver {
	case "postgres":
		p, err := db.ConnectDB(ctx, db.PostgresConfig{URL: cfg.DatabaseURL, MaxConns: int32(cfg.DBMaxConns)})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		pool = p
		d.closers = append(d.closers, pool.Close)
		d.Store = postgres.NewStore(postgres.NewDB(pool))
		logger.Info("connected to postgres", zap.Int("max_conns", cfg.DBMaxConns))
	case "memory":
		d.Store = memory.NewStore()
		logger.Warn("using in-memory store, data is lost on restart")
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	// ----- Redis -----
	if len(cfg.RedisAddrs) > 0 {
		client, err := db.NewRedis(db.RedisConfig{
			ClusterMode: cfg.RedisCluster,
			Addresses:   cfg.RedisAddrs,
			Password:    cfg.RedisPass,
			PoolSize:    10,
		})
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Redis = client
		d.closers = append(d.closers, func() { _ = client.Close() })
		logger.Info("connected to redis", zap.Strings("addrs", cfg.RedisAddrs), zap.Bool("cluster", cfg.RedisCluster))
	}

	// ----- Job locks -----
	locker, err := d.buildLocker(cfg, pool, logger)
	if err != nil {
		d.Close()
		return nil, err
	}

	// ----- Collaborators -----
	switch cfg.PaymentProvider {
	case "stripe":
		if cfg.StripeAPIKey == "" {
			d.Close()
			return nil, fmt.Errorf("STRIPE_API_KEY is required for the stripe provider")
		}
		d.Gateway = payment.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeWebhookSecret, cfg.PaymentReturnURL, logger)
	case "manual":
		d.Gateway = payment.NewManualGateway(cfg.PaymentReturnURL, cfg.ManualWebhookSecret, logger)
		logger.Warn("using manual payment gateway")
	default:
		d.Close()
		return nil, fmt.Errorf("unknown PAYMENT_PROVIDER %q", cfg.PaymentProvider)
	}

	var emailCh notification.EmailChannel
	if sender := notification.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFromName, cfg.SMTPSecure); sender.Enabled() {
		emailCh = sender
	}
	var smsCh notification.SMSChannel
	if sender := notification.NewSMSWebhookSender(cfg.SMSWebhookURL, cfg.SMSWebhookToken, 10*time.Second); sender.Enabled() {
		smsCh = sender
	}
	notifier := notification.NewDispatcher(emailCh, smsCh, d.Store.Users(), logger)

	// ----- Services -----
	d.Catalog = catalog.NewService(d.Store.Plans(), logger)
	d.Quotas = quotasvc.NewService(d.Store,
		cache.NewSummaryCache[*quotasvc.Summary](cfg.Billing.SummaryCacheSize, cfg.Billing.SummaryCacheTTL),
		quotasvc.Config{
			GracePeriodDays: cfg.Billing.GracePeriodDays,
			SoftCapPercent:  cfg.Billing.SoftCapPercent,
		}, logger)
	d.Subscriptions = subsvc.NewService(
		d.Store,
		ledger.NewService(d.Store.Events(), d.Metrics, logger),
		d.Gateway,
		d.Quotas,
		notifier,
		d.Metrics,
		subsvc.Config{
			Currency:         cfg.Billing.Currency,
			RenewalLookahead: cfg.Billing.RenewalLookahead,
			RetryInterval:    cfg.Billing.RenewalRetryInterval,
			MaxAttempts:      cfg.Billing.RenewalMaxAttempts,
		},
		logger,
	)

	// ----- Jobs -----
	d.Runner = worker.NewRunner(d.Store, d.Subscriptions, locker, notifier, d.Metrics,
		worker.Config{BatchSize: cfg.Scheduler.BatchSize}, logger)
	d.Scheduler = worker.NewScheduler(d.Runner, worker.Schedules{
		worker.JobRenewal:   cfg.Scheduler.Renewal,
		worker.JobDowngrade: cfg.Scheduler.Downgrade,
		worker.JobExpiry:    cfg.Scheduler.Expiry,
		worker.JobReminder:  cfg.Scheduler.Reminder,
	}, cfg.Scheduler.JobTimeout, logger)

	return d, nil
}

func (d *Deps) buildLocker(cfg config.AppConfig, pool *pgxpool.Pool, logger *zap.Logger) (lock.Locker, error) {
	switch cfg.LockBackend {
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("LOCK_BACKEND=postgres requires STORE_DRIVER=postgres")
		}
		sqlDB := db.SQLDB(pool)
		d.closers = append(d.closers, func() { _ = sqlDB.Close() })
		return lock.NewPGLocker(sqlDB, logger), nil
	case "redis":
		if d.Redis == nil {
			return nil, fmt.Errorf("LOCK_BACKEND=redis requires REDIS_ADDR")
		}
		return lock.NewRedisLocker(d.Redis, cfg.LockTTL, logger), nil
	case "memory":
		return lock.NewMemoryLocker(), nil
	}
	return nil, fmt.Errorf("unknown LOCK_BACKEND %q", cfg.LockBackend)
}

// Close releases connections in reverse order of acquisition.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
