package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	s3blob "github.com/alanyoungcy/marketforge/internal/blob/s3"
	"github.com/alanyoungcy/marketforge/internal/cache/redis"
	"github.com/alanyoungcy/marketforge/internal/config"
	"github.com/alanyoungcy/marketforge/internal/crypto"
	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/notify"
	"github.com/alanyoungcy/marketforge/internal/platform/ledger"
	"github.com/alanyoungcy/marketforge/internal/platform/oracle"
	"github.com/alanyoungcy/marketforge/internal/platform/scraper"
	"github.com/alanyoungcy/marketforge/internal/store/memory"
	"github.com/alanyoungcy/marketforge/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional pieces (caches, bus, archive, deployer) are nil when their
// backend is not configured or the mode does not need them.
type Dependencies struct {
	// Stores
	MarketStore     domain.MarketStore
	ResolutionStore domain.ResolutionStore
	AuditStore      domain.AuditStore

	// Coordination
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Evidence archive. ArchiveReachable is nil when no bucket is configured.
	Archive          domain.EvidenceArchive
	ArchiveReachable func(ctx context.Context) error

	// External systems
	Oracle   *oracle.Client
	Scraper  *scraper.Scraper
	Deployer *ledger.Deployer

	// Notifications
	Notifier *notify.Notifier
}

// needsResolution returns true for modes that run the sweep.
func needsResolution(mode string) bool {
	switch mode {
	case "resolve", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{}

	// --- Storage ---
	switch strings.ToLower(cfg.Storage) {
	case "memory":
		store := memory.NewMarketStore()
		deps.MarketStore = store
		deps.ResolutionStore = store.Resolutions()
		deps.AuditStore = memory.NewAuditStore()
		logger.WarnContext(ctx, "wire: using in-memory storage; markets do not survive restart")
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.ResolutionStore = postgres.NewResolutionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		streamMaxLen := int64(10_000)
		if cfg.Redis.StreamMaxLen > 0 {
			streamMaxLen = int64(cfg.Redis.StreamMaxLen)
		}
		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, streamMaxLen)
	} else {
		logger.WarnContext(ctx, "wire: redis not configured; locks are process-local and events are not published")
	}

	// --- S3 evidence archive (only for modes that resolve) ---
	if needsResolution(mode) && cfg.S3.Bucket != "" {
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archive = s3blob.NewEvidenceArchive(s3blob.NewWriter(s3Client), cfg.S3.Prefix)
		deps.ArchiveReachable = s3Client.Reachable
	}

	// --- Oracle and page scraper ---
	deps.Oracle = oracle.New(oracle.Config{
		BaseURL:     cfg.Oracle.BaseURL,
		APIKey:      cfg.Oracle.APIKey,
		Model:       cfg.Oracle.Model,
		Temperature: cfg.Oracle.Temperature,
		Timeout:     cfg.Oracle.Timeout.Duration,
		MaxRetries:  cfg.Oracle.MaxRetries,
		RateLimit:   cfg.Oracle.RateLimit,
		RateWindow:  cfg.Oracle.RateWindow.Duration,
	}, deps.RateLimiter, logger)
	if cfg.Oracle.APIKey == "" {
		logger.WarnContext(ctx, "wire: oracle api key is empty; validation will fail closed")
	}
	deps.Scraper = scraper.New(scraper.Config{
		Timeout:     cfg.Scraper.Timeout.Duration,
		MaxChars:    cfg.Scraper.MaxChars,
		MaxBytes:    cfg.Scraper.MaxBytes,
		Concurrency: cfg.Scraper.Concurrency,
		UserAgent:   cfg.Scraper.UserAgent,
	}, logger)

	// --- Ledger (only for modes that create) ---
	if cfg.NeedsLedger() {
		signer, err := loadSigner(cfg)
		switch {
		case errors.Is(err, crypto.ErrNoCredential):
			logger.WarnContext(ctx, "wire: no deployer credential; deployments will fail and be compensated")
		case err != nil:
			return fail(fmt.Errorf("wire: deployer key: %w", err))
		}
		deployer, closeLedger, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, ledger.Config{
			ContractAddress: cfg.Ledger.ContractAddress,
			PoolAddress:     cfg.Ledger.PoolAddress,
			ConfirmTimeout:  cfg.Ledger.ConfirmTimeout.Duration,
			PollInterval:    cfg.Ledger.PollInterval.Duration,
			GasLimit:        cfg.Ledger.GasLimit,
		}, signer, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, closeLedger)
		deps.Deployer = deployer
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// loadSigner resolves the deployer key into a transaction signer bound to
// the configured chain.
func loadSigner(cfg *config.Config) (*crypto.TxSigner, error) {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, err
	}
	return crypto.NewTxSigner(key, big.NewInt(cfg.Ledger.ChainID)), nil
}
