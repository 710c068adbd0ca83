package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/groupcart/groupcart/internal/blob/s3"
	"github.com/groupcart/groupcart/internal/cache/redis"
	"github.com/groupcart/groupcart/internal/config"
	"github.com/groupcart/groupcart/internal/domain"
	"github.com/groupcart/groupcart/internal/engine"
	"github.com/groupcart/groupcart/internal/notify"
	"github.com/groupcart/groupcart/internal/payment"
	"github.com/groupcart/groupcart/internal/store/memory"
	"github.com/groupcart/groupcart/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	SessionStore     domain.SessionStore
	ParticipantStore domain.ParticipantStore
	OutboxStore      domain.RefundOutboxStore
	AuditStore       domain.AuditStore

	// Caches (nil in demo mode)
	SnapshotCache domain.SnapshotCache
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus

	// Blob storage (nil unless s3 is enabled)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.ArchiveImpl

	// Payment
	Gateway domain.PaymentGateway

	// Notifications. Relay is nil in demo mode, where events go straight
	// to the log.
	Notifier *notify.Notifier
	Relay    *notify.Relay

	// The coordination engine itself.
	Registry *engine.Registry

	// Health probes for the API (nil entries are skipped).
	Postgres *postgres.Client
	Redis    *redis.Client
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources. Demo mode wires
// in-memory stores and no external services.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	demo := strings.ToLower(cfg.Mode) == "demo"

	// --- Stores ---
	if demo {
		deps.SessionStore = memory.NewSessionStore()
		deps.ParticipantStore = memory.NewParticipantStore()
		deps.OutboxStore = memory.NewRefundOutboxStore()
		deps.AuditStore = memory.NewAuditStore()
	} else {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Postgres = pgClient
		deps.SessionStore = postgres.NewSessionStore(pool)
		deps.ParticipantStore = postgres.NewParticipantStore(pool)
		deps.OutboxStore = postgres.NewRefundOutboxStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	if !demo {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		if cfg.Engine.SnapshotCache {
			deps.SnapshotCache = redis.NewSnapshotCache(redisClient)
		}
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled && !demo {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.BlobReader,
			deps.SessionStore,
			deps.ParticipantStore,
			deps.AuditStore,
			nil,
			time.Duration(cfg.Engine.ArchiveRetentionDays)*24*time.Hour,
		)
	}

	// --- Payment gateway ---
	deps.Gateway = payment.NewSimulatedGateway(
		cfg.Payment.SimulatedLatency.Duration,
		cfg.Payment.DeclineRate,
		logger,
	)

	// --- Notifications and event routing ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	var sink domain.EventSink
	if deps.SignalBus != nil {
		deps.Relay = notify.NewRelay(deps.SignalBus, deps.Notifier, logger)
		sink = deps.Relay
	} else {
		// Demo mode has no bus; events go straight to the log.
		sink = domain.EventSinkFunc(func(ctx context.Context, evt domain.Event) {
			logger.InfoContext(ctx, "event",
				slog.String("type", string(evt.Type)),
				slog.String("session_id", evt.SessionID),
			)
		})
	}

	// --- Engine ---
	deps.Registry = engine.New(
		deps.SessionStore,
		deps.ParticipantStore,
		deps.OutboxStore,
		deps.AuditStore,
		deps.Gateway,
		logger,
		engine.Options{
			Sink:          sink,
			SnapshotCache: deps.SnapshotCache,
		},
	)

	return deps, cleanup, nil
}
