// Package config defines the top-level configuration of the sniper engine
// and provides defaults and validation.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SNIPER_* environment variables.
type Config struct {
	Mode       string           `toml:"mode" validate:"oneof=trade monitor"`
	Log        LogConfig        `toml:"log"`
	Exchange   ExchangeConfig   `toml:"exchange"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Scoring    ScoringConfig    `toml:"scoring"`
	Pattern    PatternConfig    `toml:"pattern"`
	Risk       RiskConfig       `toml:"risk"`
	Bridge     BridgeConfig     `toml:"bridge"`
	Execution  ExecutionConfig  `toml:"execution"`
	MarketData MarketDataConfig `toml:"marketdata"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Notify     NotifyConfig     `toml:"notify"`
	Server     ServerConfig     `toml:"server"`
}

// LogConfig selects the slog level.
type LogConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
}

// ExchangeConfig holds MEXC endpoints and credentials. The secret comes from
// secret_key or, when empty, from a file sealed with the passphrase.
type ExchangeConfig struct {
	BaseURL             string   `toml:"base_url" validate:"required,url"`
	WSURL               string   `toml:"ws_url" validate:"required,url"`
	WebURL              string   `toml:"web_url" validate:"omitempty,url"`
	Quote               string   `toml:"quote" validate:"required"`
	APIKey              string   `toml:"api_key"`
	SecretKey           string   `toml:"secret_key"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassphrase    string   `toml:"secret_passphrase"`
	RequestTimeout      duration `toml:"request_timeout"`
	PingTimeout         duration `toml:"ping_timeout"`
	RecvWindow          duration `toml:"recv_window"`
	RateLimit           int      `toml:"rate_limit" validate:"gte=0"`
	RateWindow          duration `toml:"rate_window"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port" validate:"gte=0,lte=65535"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns" validate:"gte=1"`
	PoolMinConns  int    `toml:"pool_min_conns" validate:"gte=0"`
	RunMigrations bool   `toml:"run_migrations"`
	// CredentialPassphrase seals exchange secrets in user_credentials.
	CredentialPassphrase string `toml:"credential_passphrase"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db" validate:"gte=0"`
	PoolSize     int      `toml:"pool_size" validate:"gte=1"`
	MaxRetries   int      `toml:"max_retries" validate:"gte=0"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	PriceTTL     duration `toml:"price_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len" validate:"gte=0"`
	MirrorEvents bool     `toml:"mirror_events"`
	MirrorLocks  bool     `toml:"mirror_locks"`
}

// S3Config holds object storage parameters for the history archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PartSizeMB     int64  `toml:"part_size_mb" validate:"gte=0"`
}

// ScoringConfig tunes the confidence scorer.
type ScoringConfig struct {
	// MarketAdjustment lets emergency mode and extreme volatility lower
	// confidence scores.
	MarketAdjustment bool `toml:"market_adjustment"`
}

// PatternConfig tunes the pattern analyzer.
type PatternConfig struct {
	ConfidenceThreshold float64  `toml:"confidence_threshold" validate:"gte=0,lte=100"`
	MinAdvanceHours     float64  `toml:"min_advance_hours" validate:"gte=0"`
	ScanTimeout         duration `toml:"scan_timeout"`
}

// RiskConfig mirrors the risk engine thresholds.
type RiskConfig struct {
	MaxPortfolioValue           float64  `toml:"max_portfolio_value" validate:"gt=0"`
	MaxSinglePositionSize       float64  `toml:"max_single_position_size" validate:"gt=0"`
	MaxPositionPercent          float64  `toml:"max_position_percent" validate:"gt=0,lte=100"`
	MaxConcentration            float64  `toml:"max_concentration" validate:"gt=0,lte=100"`
	MaxCorrelation              float64  `toml:"max_correlation" validate:"gt=0,lte=1"`
	MaxDrawdown                 float64  `toml:"max_drawdown" validate:"gt=0,lte=100"`
	MaxVaR                      float64  `toml:"max_var" validate:"gt=0,lte=100"`
	CriticalRiskScore           float64  `toml:"critical_risk_score" validate:"gt=0,lte=100"`
	HighRiskScore               float64  `toml:"high_risk_score" validate:"gt=0,lte=100"`
	EmergencyRiskThreshold      float64  `toml:"emergency_risk_threshold" validate:"gt=0,lte=100"`
	ExtremeVolatilityThreshold  float64  `toml:"extreme_volatility_threshold" validate:"gt=0"`
	VolatileSymbolsForEmergency int      `toml:"volatile_symbols_for_emergency" validate:"gte=1"`
	MinLiquidity                float64  `toml:"min_liquidity" validate:"gte=0"`
	StressSurvivalDrawdown      float64  `toml:"stress_survival_drawdown" validate:"gt=0,lte=100"`
	PriceHistory                int      `toml:"price_history" validate:"gte=2"`
	BreakerFailureThreshold     int      `toml:"breaker_failure_threshold" validate:"gte=1"`
	BreakerCooldown             duration `toml:"breaker_cooldown"`
	BreakerHalfOpenMaxCalls     int      `toml:"breaker_half_open_max_calls" validate:"gte=1"`
}

// BridgeConfig holds the auto-snipe eligibility filters.
type BridgeConfig struct {
	MinConfidence         float64  `toml:"min_confidence" validate:"gte=0,lte=100"`
	BreakoutMinConfidence float64  `toml:"breakout_min_confidence" validate:"gte=0,lte=100"`
	MaxConcurrent         int      `toml:"max_concurrent" validate:"gte=1"`
	MinQuoteVolume24h     float64  `toml:"min_quote_volume_24h" validate:"gte=0"`
	ValidityWindow        duration `toml:"validity_window"`
	DedupTTL              duration `toml:"dedup_ttl"`
	QuoteAmount           float64  `toml:"quote_amount" validate:"gt=0"`
	StopLossPct           float64  `toml:"stop_loss_pct" validate:"gt=0,lt=100"`
	TakeProfitPct         float64  `toml:"take_profit_pct" validate:"gt=0"`
	TradeBreakouts        bool     `toml:"trade_breakouts"`
	SubmitTimeout         duration `toml:"submit_timeout"`
}

// ExecutionConfig holds orchestrator tunables.
type ExecutionConfig struct {
	UserID                 string   `toml:"user_id" validate:"required"`
	AutoStart              bool     `toml:"auto_start"`
	PaperTrading           bool     `toml:"paper_trading"`
	PaperBalance           float64  `toml:"paper_balance" validate:"gte=0"`
	LockTimeout            duration `toml:"lock_timeout"`
	LockLease              duration `toml:"lock_lease"`
	RetryAttempts          int      `toml:"retry_attempts" validate:"gte=1,lte=10"`
	RetryBaseDelay         duration `toml:"retry_base_delay"`
	RetryMaxDelay          duration `toml:"retry_max_delay"`
	OrderTimeout           duration `toml:"order_timeout"`
	MaxConcurrentPositions int      `toml:"max_concurrent_positions" validate:"gte=1"`
	DefaultQuoteAmount     float64  `toml:"default_quote_amount" validate:"gt=0"`
	StopLossPct            float64  `toml:"stop_loss_pct" validate:"gt=0,lt=100"`
	TakeProfitPct          float64  `toml:"take_profit_pct" validate:"gt=0"`
	AutoClose              bool     `toml:"auto_close"`
}

// MarketDataConfig tunes the ticker feed.
type MarketDataConfig struct {
	Symbols          []string `toml:"symbols" validate:"dive,required"`
	Alpha            float64  `toml:"alpha" validate:"gt=0,lte=1"`
	BreakoutMargin   float64  `toml:"breakout_margin" validate:"gt=0"`
	ReconnectBase    duration `toml:"reconnect_base"`
	ReconnectMax     duration `toml:"reconnect_max"`
	MaxAttempts      int      `toml:"max_attempts" validate:"gte=1"`
	PingInterval     duration `toml:"ping_interval"`
	PongGrace        duration `toml:"pong_grace"`
	TriggerRetention duration `toml:"trigger_retention"`
}

// SchedulerConfig holds cron specs for background jobs. An empty spec
// disables the job. Specs accept an optional seconds field and
// descriptors such as "@every 30s".
type SchedulerConfig struct {
	JobTimeout    duration `toml:"job_timeout"`
	ExecuteDue    string   `toml:"execute_due"`
	PatternScan   string   `toml:"pattern_scan"`
	Cleanup       string   `toml:"cleanup"`
	HealthCheck   string   `toml:"health_check"`
	AlertArchive  string   `toml:"alert_archive"`
	Retention     string   `toml:"retention"`
	RetentionDays int      `toml:"retention_days" validate:"gte=1"`
	Archive       string   `toml:"archive"`
	ArchiveAfter  duration `toml:"archive_after"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramAPI       string   `toml:"telegram_api" validate:"omitempty,url"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" validate:"omitempty,url"`
	Events            []string `toml:"events" validate:"dive,oneof=execution emergency alert"`
	MinSeverity       string   `toml:"min_severity" validate:"oneof=low medium high critical"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port" validate:"gte=0,lte=65535"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit" validate:"gte=0"`
	RateWindow  duration `toml:"rate_window"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with production defaults.
func Defaults() Config {
	return Config{
		Mode: "trade",
		Log:  LogConfig{Level: "info"},
		Exchange: ExchangeConfig{
			BaseURL:        "https://api.mexc.com",
			WSURL:          "wss://wbs.mexc.com/ws",
			WebURL:         "https://www.mexc.com",
			Quote:          "USDT",
			RequestTimeout: duration{10 * time.Second},
			PingTimeout:    duration{3 * time.Second},
			RecvWindow:     duration{5 * time.Second},
			RateLimit:      20,
			RateWindow:     duration{time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "sniper",
			User:          "sniper",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			PriceTTL:     duration{5 * time.Minute},
			StreamMaxLen: 10000,
			MirrorEvents: true,
			MirrorLocks:  true,
		},
		S3: S3Config{
			Region:     "us-east-1",
			Bucket:     "sniper-archive",
			UseSSL:     true,
			PartSizeMB: 8,
		},
		Scoring: ScoringConfig{MarketAdjustment: true},
		Pattern: PatternConfig{
			ConfidenceThreshold: 70,
			MinAdvanceHours:     3.5,
			ScanTimeout:         duration{20 * time.Second},
		},
		Risk: RiskConfig{
			MaxPortfolioValue:           10_000,
			MaxSinglePositionSize:       1_000,
			MaxPositionPercent:          10,
			MaxConcentration:            25,
			MaxCorrelation:              0.7,
			MaxDrawdown:                 15,
			MaxVaR:                      5,
			CriticalRiskScore:           80,
			HighRiskScore:               60,
			EmergencyRiskThreshold:      85,
			ExtremeVolatilityThreshold:  0.8,
			VolatileSymbolsForEmergency: 3,
			MinLiquidity:                10_000,
			StressSurvivalDrawdown:      30,
			PriceHistory:                120,
			BreakerFailureThreshold:     5,
			BreakerCooldown:             duration{time.Minute},
			BreakerHalfOpenMaxCalls:     1,
		},
		Bridge: BridgeConfig{
			MinConfidence:         70,
			BreakoutMinConfidence: 75,
			MaxConcurrent:         5,
			ValidityWindow:        duration{15 * time.Minute},
			DedupTTL:              duration{10 * time.Minute},
			QuoteAmount:           100,
			StopLossPct:           5,
			TakeProfitPct:         15,
			TradeBreakouts:        true,
			SubmitTimeout:         duration{10 * time.Second},
		},
		Execution: ExecutionConfig{
			UserID:                 "default",
			AutoStart:              true,
			PaperTrading:           true,
			PaperBalance:           10_000,
			LockTimeout:            duration{30 * time.Second},
			LockLease:              duration{2 * time.Minute},
			RetryAttempts:          3,
			RetryBaseDelay:         duration{500 * time.Millisecond},
			RetryMaxDelay:          duration{5 * time.Second},
			OrderTimeout:           duration{5 * time.Second},
			MaxConcurrentPositions: 5,
			DefaultQuoteAmount:     100,
			StopLossPct:            5,
			TakeProfitPct:          15,
			AutoClose:              true,
		},
		MarketData: MarketDataConfig{
			Alpha:            0.1,
			BreakoutMargin:   0.002,
			ReconnectBase:    duration{time.Second},
			ReconnectMax:     duration{30 * time.Second},
			MaxAttempts:      10,
			PingInterval:     duration{20 * time.Second},
			PongGrace:        duration{10 * time.Second},
			TriggerRetention: duration{time.Hour},
		},
		Scheduler: SchedulerConfig{
			JobTimeout:    duration{2 * time.Minute},
			ExecuteDue:    "@every 1s",
			PatternScan:   "@every 30s",
			Cleanup:       "@every 1m",
			HealthCheck:   "@every 30s",
			AlertArchive:  "@every 5m",
			Retention:     "0 30 3 * * *",
			RetentionDays: 90,
			Archive:       "0 0 3 * * *",
			ArchiveAfter:  duration{7 * 24 * time.Hour},
		},
		Notify: NotifyConfig{
			TelegramAPI: "https://api.telegram.org",
			Events:      []string{"execution", "emergency", "alert"},
			MinSeverity: "high",
		},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8080,
			RateLimit:  120,
			RateWindow: duration{time.Minute},
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: validate: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	positive := map[string]duration{
		"exchange.request_timeout":     c.Exchange.RequestTimeout,
		"exchange.ping_timeout":        c.Exchange.PingTimeout,
		"exchange.recv_window":         c.Exchange.RecvWindow,
		"risk.breaker_cooldown":        c.Risk.BreakerCooldown,
		"bridge.validity_window":       c.Bridge.ValidityWindow,
		"bridge.dedup_ttl":             c.Bridge.DedupTTL,
		"bridge.submit_timeout":        c.Bridge.SubmitTimeout,
		"execution.lock_timeout":       c.Execution.LockTimeout,
		"execution.lock_lease":         c.Execution.LockLease,
		"execution.order_timeout":      c.Execution.OrderTimeout,
		"marketdata.reconnect_base":    c.MarketData.ReconnectBase,
		"marketdata.ping_interval":     c.MarketData.PingInterval,
		"marketdata.pong_grace":        c.MarketData.PongGrace,
		"marketdata.trigger_retention": c.MarketData.TriggerRetention,
		"scheduler.job_timeout":        c.Scheduler.JobTimeout,
	}
	for name, d := range positive {
		if d.Duration <= 0 {
			errs = append(errs, name+": must be a positive duration")
		}
	}
	if c.MarketData.ReconnectMax.Duration < c.MarketData.ReconnectBase.Duration {
		errs = append(errs, "marketdata: reconnect_max must not be below reconnect_base")
	}
	if c.Execution.RetryMaxDelay.Duration < c.Execution.RetryBaseDelay.Duration {
		errs = append(errs, "execution: retry_max_delay must not be below retry_base_delay")
	}
	if c.Exchange.RateLimit > 0 && c.Exchange.RateWindow.Duration <= 0 {
		errs = append(errs, "exchange: rate_window must be positive when rate_limit is set")
	}
	if c.Risk.HighRiskScore >= c.Risk.CriticalRiskScore {
		errs = append(errs, "risk: high_risk_score must be below critical_risk_score")
	}

	if c.Mode == "trade" && !c.Execution.PaperTrading {
		if c.Exchange.APIKey == "" && !c.Postgres.Enabled {
			errs = append(errs, "exchange: api_key is required for live trading without postgres credentials")
		}
		if c.Exchange.APIKey != "" && c.Exchange.SecretKey == "" && c.Exchange.EncryptedSecretPath == "" {
			errs = append(errs, "exchange: secret_key or encrypted_secret_path must be set with api_key")
		}
	}
	if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassphrase == "" {
		errs = append(errs, "exchange: secret_passphrase is required when encrypted_secret_path is set")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
		if c.Postgres.CredentialPassphrase == "" {
			errs = append(errs, "postgres: credential_passphrase is required to seal stored credentials")
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: the history archive requires postgres")
		}
	}

	tg := c.Notify.TelegramToken != ""
	if tg != (c.Notify.TelegramChatID != "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if c.Server.Enabled && c.Server.Port == 0 {
		errs = append(errs, "server: port must be 1-65535")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// fieldError renders a validator failure as "section.field: constraint".
func fieldError(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s (got %v)", ns, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s: failed %s (got %v)", ns, fe.Tag(), fe.Value())
}
