package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/murks3r/mexc-sniper-bot-sub011/internal/blob/s3"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/cache/redis"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/config"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/crypto"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/execution"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/notify"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/platform/mexc"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/scheduler"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/server/handler"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/store/postgres"
)

const exchangeProvider = "mexc"

// Dependencies bundles the infrastructure the run modes need. Optional
// backends leave their fields nil.
type Dependencies struct {
	// Stores
	Executions  domain.ExecutionStore
	Targets     domain.TargetStore
	Positions   domain.PositionStore
	Alerts      domain.AlertStore
	Audit       domain.AuditStore
	AuditLog    handler.AuditReader
	Credentials domain.CredentialStore
	Purgers     []scheduler.Purger

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver scheduler.Archiver

	// Exchange
	Exchange domain.TradeExecutor
	Paper    *execution.PaperTrader
	Market   *mexc.Client
	Listing  domain.ListingSource

	Notifier *notify.Notifier
	Probes   map[string]handler.Probe
}

// Wire constructs every enabled backend and returns a cleanup function that
// releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Probes: make(map[string]handler.Probe)}

	creds, err := configCredentials(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w", err)
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
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
		executions := postgres.NewExecutionStore(pool)
		positions := postgres.NewPositionStore(pool)
		audit := postgres.NewAuditStore(pool)
		deps.Executions = executions
		deps.Targets = postgres.NewTargetStore(pool)
		deps.Positions = positions
		deps.Alerts = postgres.NewAlertStore(pool)
		deps.Audit = audit
		deps.AuditLog = audit
		deps.Purgers = []scheduler.Purger{
			scheduler.PurgeFunc{Label: "execution_history", Fn: executions.DeleteBefore},
			scheduler.PurgeFunc{Label: "closed_positions", Fn: positions.DeleteClosedBefore},
		}
		deps.Probes["postgres"] = pgClient.Ping

		store := postgres.NewCredentialStore(pool, cfg.Postgres.CredentialPassphrase)
		if creds != nil && !cfg.Execution.PaperTrading {
			if err := store.Put(ctx, cfg.Execution.UserID, exchangeProvider, *creds); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: seed credentials: %w", err)
			}
		}
		deps.Credentials = store

		// --- S3 archive (needs the history table) ---
		if cfg.S3.Enabled {
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
			writer := s3blob.NewWriter(s3Client, cfg.S3.PartSizeMB<<20)
			deps.Archiver = s3blob.NewArchiver(writer, executions, audit, s3blob.DefaultArchiveBatch, logger)
			deps.Probes["s3"] = s3Client.Health
		}
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
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

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		if cfg.Redis.MirrorLocks {
			deps.LockManager = redis.NewLockManager(redisClient)
		}
		deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, cfg.Redis.StreamMaxLen)
		deps.Probes["redis"] = redisClient.Ping
	}

	// --- Exchange ---
	var auth *crypto.HMACAuth
	if creds != nil {
		auth = &crypto.HMACAuth{Key: creds.APIKey, Secret: creds.SecretKey}
	}
	deps.Market = mexc.NewClient(mexc.ClientConfig{
		BaseURL:    cfg.Exchange.BaseURL,
		Timeout:    cfg.Exchange.RequestTimeout.Duration,
		RecvWindow: cfg.Exchange.RecvWindow.Duration,
		RateLimit:  cfg.Exchange.RateLimit,
		RateWindow: cfg.Exchange.RateWindow.Duration,
	}, auth, deps.RateLimiter, logger)
	deps.Listing = mexc.NewListingClient(cfg.Exchange.WebURL, cfg.Exchange.Quote, cfg.Exchange.RequestTimeout.Duration)
	deps.Probes["exchange"] = deps.Market.Ping

	if cfg.Execution.PaperTrading {
		deps.Paper = execution.NewPaperTrader(nil, cfg.Exchange.Quote, cfg.Execution.PaperBalance, deps.PriceCache, logger)
		deps.Exchange = deps.Paper
		if creds == nil {
			creds = &domain.Credentials{APIKey: "paper", SecretKey: "paper"}
		}
		deps.Credentials = staticCredentials{creds: creds}
	} else {
		deps.Exchange = deps.Market
	}
	if deps.Credentials == nil {
		deps.Credentials = staticCredentials{creds: creds}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPI,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, domain.AlertSeverity(cfg.Notify.MinSeverity), logger)

	return deps, cleanup, nil
}

// configCredentials resolves exchange credentials from the config, reading
// a sealed secret file when no raw secret is set. No api key yields nil.
func configCredentials(cfg *config.Config) (*domain.Credentials, error) {
	if cfg.Exchange.APIKey == "" {
		return nil, nil
	}
	secret, err := crypto.LoadSecret(crypto.SecretSource{
		Raw:           cfg.Exchange.SecretKey,
		EncryptedPath: cfg.Exchange.EncryptedSecretPath,
		Passphrase:    cfg.Exchange.SecretPassphrase,
	})
	if err != nil {
		return nil, fmt.Errorf("exchange secret: %w", err)
	}
	if secret == "" {
		return nil, fmt.Errorf("exchange secret: empty: %w", domain.ErrConfiguration)
	}
	return &domain.Credentials{APIKey: cfg.Exchange.APIKey, SecretKey: secret}, nil
}
