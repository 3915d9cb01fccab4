package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETFORGE_* environment variable overrides, and
// returns the final Config. A missing file is tolerated so a deployment can be
// driven entirely by the environment. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETFORGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "MARKETFORGE_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "MARKETFORGE_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "MARKETFORGE_WALLET_KEY_PASSWORD")

	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "MARKETFORGE_LEDGER_RPC_URL")
	setInt64(&cfg.Ledger.ChainID, "MARKETFORGE_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.ContractAddress, "MARKETFORGE_LEDGER_CONTRACT_ADDRESS")
	setStr(&cfg.Ledger.PoolAddress, "MARKETFORGE_LEDGER_POOL_ADDRESS")
	setDuration(&cfg.Ledger.ConfirmTimeout, "MARKETFORGE_LEDGER_CONFIRM_TIMEOUT")

	// ── Oracle ──
	setStr(&cfg.Oracle.BaseURL, "MARKETFORGE_ORACLE_BASE_URL")
	setStr(&cfg.Oracle.APIKey, "MARKETFORGE_ORACLE_API_KEY")
	setStr(&cfg.Oracle.APIKey, "OPENAI_API_KEY") // compatibility alias
	setStr(&cfg.Oracle.Model, "MARKETFORGE_ORACLE_MODEL")
	setFloat64(&cfg.Oracle.Temperature, "MARKETFORGE_ORACLE_TEMPERATURE")
	setDuration(&cfg.Oracle.Timeout, "MARKETFORGE_ORACLE_TIMEOUT")
	setInt(&cfg.Oracle.MaxRetries, "MARKETFORGE_ORACLE_MAX_RETRIES")
	setInt(&cfg.Oracle.RateLimit, "MARKETFORGE_ORACLE_RATE_LIMIT")

	// ── Evidence / scraper ──
	setDuration(&cfg.Evidence.MaxAge, "MARKETFORGE_EVIDENCE_MAX_AGE")
	setFloat64(&cfg.Evidence.MinConfidence, "MARKETFORGE_EVIDENCE_MIN_CONFIDENCE")
	setInt(&cfg.Evidence.ScrapeTopN, "MARKETFORGE_EVIDENCE_SCRAPE_TOP_N")
	setStringSlice(&cfg.Evidence.DefaultSources, "MARKETFORGE_EVIDENCE_DEFAULT_SOURCES")
	setInt(&cfg.Scraper.MaxChars, "MARKETFORGE_SCRAPER_MAX_CHARS")
	setDuration(&cfg.Scraper.Timeout, "MARKETFORGE_SCRAPER_TIMEOUT")

	// ── Saga ──
	setStr(&cfg.Saga.PublicBaseURL, "MARKETFORGE_SAGA_PUBLIC_BASE_URL")
	setDuration(&cfg.Saga.CorrelationTTL, "MARKETFORGE_SAGA_CORRELATION_TTL")
	setInt(&cfg.Saga.CorrelationCapacity, "MARKETFORGE_SAGA_CORRELATION_CAPACITY")
	setBool(&cfg.Saga.RecoverOnStart, "MARKETFORGE_SAGA_RECOVER_ON_START")

	// ── Sweep ──
	setBool(&cfg.Sweep.Enabled, "MARKETFORGE_SWEEP_ENABLED")
	setDuration(&cfg.Sweep.Interval, "MARKETFORGE_SWEEP_INTERVAL")
	setStr(&cfg.Sweep.Cron, "MARKETFORGE_SWEEP_CRON")
	setDuration(&cfg.Sweep.StaleAfter, "MARKETFORGE_SWEEP_STALE_AFTER")
	setInt(&cfg.Sweep.Concurrency, "MARKETFORGE_SWEEP_CONCURRENCY")

	// ── Supabase ──
	setStr(&cfg.Storage, "MARKETFORGE_STORAGE")
	setStr(&cfg.Supabase.DSN, "MARKETFORGE_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "MARKETFORGE_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "MARKETFORGE_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "MARKETFORGE_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "MARKETFORGE_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "MARKETFORGE_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "MARKETFORGE_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "MARKETFORGE_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "MARKETFORGE_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "MARKETFORGE_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MARKETFORGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETFORGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETFORGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETFORGE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "MARKETFORGE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MARKETFORGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETFORGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETFORGE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARKETFORGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETFORGE_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "MARKETFORGE_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MARKETFORGE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MARKETFORGE_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "MARKETFORGE_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETFORGE_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.CreateRateLimit, "MARKETFORGE_SERVER_CREATE_RATE_LIMIT")
	setDuration(&cfg.Server.CreateRateWindow, "MARKETFORGE_SERVER_CREATE_RATE_WINDOW")
	setInt(&cfg.Server.EventReplay, "MARKETFORGE_SERVER_EVENT_REPLAY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARKETFORGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETFORGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETFORGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETFORGE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETFORGE_MODE")
	setStr(&cfg.LogLevel, "MARKETFORGE_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
