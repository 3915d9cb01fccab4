// Package config defines the top-level configuration for marketforge and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETFORGE_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Oracle   OracleConfig   `toml:"oracle"`
	Evidence EvidenceConfig `toml:"evidence"`
	Scraper  ScraperConfig  `toml:"scraper"`
	Saga     SagaConfig     `toml:"saga"`
	Sweep    SweepConfig    `toml:"sweep"`
	Storage  string         `toml:"storage"`
	Supabase SupabaseConfig `toml:"supabase"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// WalletConfig holds the deployer credential. Either a raw hex key or an
// encrypted key file plus password.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// LedgerConfig describes the single chain markets are deployed to.
type LedgerConfig struct {
	RPCURL          string   `toml:"rpc_url"`
	ChainID         int64    `toml:"chain_id"`
	ContractAddress string   `toml:"contract_address"`
	PoolAddress     string   `toml:"pool_address"`
	ConfirmTimeout  duration `toml:"confirm_timeout"`
	PollInterval    duration `toml:"poll_interval"`
	GasLimit        uint64   `toml:"gas_limit"`
}

// OracleConfig holds the language-model oracle endpoint.
type OracleConfig struct {
	BaseURL     string   `toml:"base_url"`
	APIKey      string   `toml:"api_key"`
	Model       string   `toml:"model"`
	Temperature float64  `toml:"temperature"`
	Timeout     duration `toml:"timeout"`
	// MaxRetries bounds the retries of transport errors, 429 and 5xx answers.
	MaxRetries int `toml:"max_retries"`
	// RateLimit caps oracle calls per RateWindow across all replicas. Zero disables.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// EvidenceConfig tunes evidence gathering and outcome classification.
type EvidenceConfig struct {
	MaxAge         duration `toml:"max_age"`
	MinConfidence  float64  `toml:"min_confidence"`
	MaxResults     int      `toml:"max_results"`
	ScrapeTopN     int      `toml:"scrape_top_n"`
	DefaultSources []string `toml:"default_sources"`
}

// ScraperConfig holds page-fetch parameters.
type ScraperConfig struct {
	Timeout     duration `toml:"timeout"`
	MaxChars    int      `toml:"max_chars"`
	MaxBytes    int64    `toml:"max_bytes"`
	Concurrency int      `toml:"concurrency"`
	UserAgent   string   `toml:"user_agent"`
}

// SagaConfig holds creation-saga parameters.
type SagaConfig struct {
	// PublicBaseURL is the externally reachable base used to build the
	// outcome callback URL handed to the ledger contract.
	PublicBaseURL       string   `toml:"public_base_url"`
	CorrelationTTL      duration `toml:"correlation_ttl"`
	CorrelationCapacity int      `toml:"correlation_capacity"`
	CompensateTimeout   duration `toml:"compensate_timeout"`
	CompensateAttempts  int      `toml:"compensate_attempts"`
	RecoverAfter        duration `toml:"recover_after"`
	RecoverOnStart      bool     `toml:"recover_on_start"`
}

// SweepConfig holds resolution-sweep parameters.
type SweepConfig struct {
	Enabled    bool     `toml:"enabled"`
	Interval   duration `toml:"interval"`
	Cron       string   `toml:"cron"`
	StaleAfter duration `toml:"stale_after"`
	LockTTL    duration `toml:"lock_ttl"`
	// Concurrency caps how many markets one sweep settles at once.
	Concurrency int `toml:"concurrency"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables
// Redis; locks fall back to in-process only and events are not published.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int      `toml:"stream_max_len"`
	CacheTTL     duration `toml:"cache_ttl"`
}

// S3Config holds S3-compatible object storage parameters used for the
// evidence archive. An empty Bucket disables archiving.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// CreateRateLimit caps market creation requests per client per
	// CreateRateWindow. Zero disables the limit.
	CreateRateLimit  int      `toml:"create_rate_limit"`
	CreateRateWindow duration `toml:"create_rate_window"`
	// EventReplay is how many recent events a new WebSocket client receives.
	EventReplay int `toml:"event_replay"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			ChainID:        11155111,
			ConfirmTimeout: duration{2 * time.Minute},
			PollInterval:   duration{2 * time.Second},
			GasLimit:       500_000,
		},
		Oracle: OracleConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			Timeout:     duration{60 * time.Second},
			MaxRetries:  2,
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},
		Evidence: EvidenceConfig{
			MaxAge:         duration{30 * 24 * time.Hour},
			MinConfidence:  0.7,
			MaxResults:     10,
			ScrapeTopN:     3,
			DefaultSources: []string{"Reuters", "Bloomberg", "AP"},
		},
		Scraper: ScraperConfig{
			Timeout:     duration{20 * time.Second},
			MaxChars:    20_000,
			MaxBytes:    2 << 20,
			Concurrency: 3,
			UserAgent:   "marketforge/1.0",
		},
		Saga: SagaConfig{
			PublicBaseURL:       "http://localhost:8000",
			CorrelationTTL:      duration{15 * time.Minute},
			CorrelationCapacity: 1024,
			CompensateTimeout:   duration{30 * time.Second},
			CompensateAttempts:  3,
			RecoverAfter:        duration{10 * time.Minute},
			RecoverOnStart:      true,
		},
		Sweep: SweepConfig{
			Enabled:     true,
			Interval:    duration{time.Hour},
			StaleAfter:  duration{7 * 24 * time.Hour},
			LockTTL:     duration{10 * time.Minute},
			Concurrency: 2,
		},
		Storage: "postgres",
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10_000,
			CacheTTL:     duration{5 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketforge-evidence",
			Prefix:         "resolutions",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:          true,
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			CreateRateLimit:  10,
			CreateRateWindow: duration{time.Minute},
			EventReplay:      50,
		},
		Notify: NotifyConfig{
			Events: []string{"market_created", "market_failed", "market_resolved", "market_expired"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"create":  true,
	"resolve": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStorage = map[string]bool{
	"postgres": true,
	"memory":   true,
}

// NeedsLedger reports whether the configured mode deploys markets.
func (c *Config) NeedsLedger() bool {
	m := strings.ToLower(c.Mode)
	return m == "create" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: create, resolve, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validStorage[strings.ToLower(c.Storage)] {
		errs = append(errs, fmt.Sprintf("unknown storage %q (valid: postgres, memory)", c.Storage))
	}

	// Wallet. A missing credential is not fatal: the deployer logs and
	// refuses each deployment instead.
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	if c.NeedsLedger() {
		if c.Ledger.ChainID <= 0 {
			errs = append(errs, "ledger: chain_id must be positive")
		}
		if c.Ledger.ConfirmTimeout.Duration <= 0 {
			errs = append(errs, "ledger: confirm_timeout must be > 0")
		}
		if c.Ledger.PollInterval.Duration <= 0 {
			errs = append(errs, "ledger: poll_interval must be > 0")
		}
		if c.Saga.PublicBaseURL == "" {
			errs = append(errs, "saga: public_base_url must not be empty")
		}
		if c.Saga.CorrelationCapacity < 1 {
			errs = append(errs, "saga: correlation_capacity must be >= 1")
		}
		if c.Saga.CorrelationTTL.Duration <= 0 {
			errs = append(errs, "saga: correlation_ttl must be > 0")
		}
		if c.Saga.CompensateAttempts < 1 {
			errs = append(errs, "saga: compensate_attempts must be >= 1")
		}
	}

	// Oracle
	if c.Oracle.BaseURL == "" {
		errs = append(errs, "oracle: base_url must not be empty")
	}
	if c.Oracle.Model == "" {
		errs = append(errs, "oracle: model must not be empty")
	}
	if c.Oracle.MaxRetries < 0 {
		errs = append(errs, "oracle: max_retries must be >= 0")
	}
	if c.Oracle.Timeout.Duration <= 0 {
		errs = append(errs, "oracle: timeout must be > 0")
	}

	// Evidence
	if c.Evidence.MinConfidence < 0 || c.Evidence.MinConfidence > 1 {
		errs = append(errs, fmt.Sprintf("evidence: min_confidence must be in [0,1], got %g", c.Evidence.MinConfidence))
	}
	if c.Evidence.ScrapeTopN < 0 {
		errs = append(errs, "evidence: scrape_top_n must be >= 0")
	}
	if c.Scraper.MaxChars < 1 {
		errs = append(errs, "scraper: max_chars must be >= 1")
	}

	// Sweep
	if c.Sweep.Enabled && c.Sweep.Cron == "" && c.Sweep.Interval.Duration <= 0 {
		errs = append(errs, "sweep: interval must be > 0 when cron is empty")
	}
	if c.Sweep.StaleAfter.Duration <= 0 {
		errs = append(errs, "sweep: stale_after must be > 0")
	}

	// Supabase
	if strings.ToLower(c.Storage) == "postgres" {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
