package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/config"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStaticSession(t *testing.T) {
	id, err := staticSession("alice").CurrentUserID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, err = staticSession("").CurrentUserID(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestStaticCredentialsReturnsCopy(t *testing.T) {
	src := &domain.Credentials{APIKey: "k", SecretKey: "s"}
	store := staticCredentials{creds: src}

	got, err := store.GetUserCredentials(context.Background(), "u", exchangeProvider)
	require.NoError(t, err)
	require.NotNil(t, got)
	got.SecretKey = "changed"
	assert.Equal(t, "s", src.SecretKey)

	got, err = staticCredentials{}.GetUserCredentials(context.Background(), "u", exchangeProvider)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConfigCredentials(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		secret  string
		want    *domain.Credentials
		wantErr bool
	}{
		{name: "no key", want: nil},
		{name: "raw secret", key: "k", secret: "  s  ", want: &domain.Credentials{APIKey: "k", SecretKey: "s"}},
		{name: "key without secret", key: "k", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Exchange.APIKey = tt.key
			cfg.Exchange.SecretKey = tt.secret

			got, err := configCredentials(&cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWirePaperTradingWithoutBackends(t *testing.T) {
	cfg := config.Defaults()
	cfg.Postgres.Enabled = false
	cfg.Redis.Enabled = false
	cfg.S3.Enabled = false

	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, deps.Paper)
	assert.Equal(t, deps.Paper, deps.Exchange)
	assert.Nil(t, deps.Executions)
	assert.Nil(t, deps.PriceCache)
	assert.Nil(t, deps.Archiver)
	assert.Contains(t, deps.Probes, "exchange")
	assert.NotContains(t, deps.Probes, "postgres")

	creds, err := deps.Credentials.GetUserCredentials(context.Background(), cfg.Execution.UserID, exchangeProvider)
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "paper", creds.APIKey)
}

func TestEngineSchedule(t *testing.T) {
	tests := []struct {
		name    string
		trading bool
		mutate  func(*config.Config)
		want    []string
	}{
		{
			name:    "trade mode",
			trading: true,
			want: []string{
				"alert_archive", "dedup_cleanup", "execute_due_targets", "health_check",
				"lock_expiry", "pattern_scan", "trigger_cleanup",
			},
		},
		{
			name: "monitor mode skips execution",
			want: []string{
				"alert_archive", "dedup_cleanup", "health_check",
				"lock_expiry", "pattern_scan", "trigger_cleanup",
			},
		},
		{
			name:    "empty spec disables job",
			trading: true,
			mutate: func(c *config.Config) {
				c.Scheduler.Cleanup = ""
				c.Scheduler.AlertArchive = ""
			},
			want: []string{"execute_due_targets", "health_check", "pattern_scan"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Postgres.Enabled = false
			cfg.Redis.Enabled = false
			cfg.S3.Enabled = false
			cfg.Server.Enabled = false
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
			require.NoError(t, err)
			defer cleanup()

			e, err := BuildEngine(&cfg, deps, testLogger())
			require.NoError(t, err)
			assert.Nil(t, e.Server)
			assert.Nil(t, e.Mirror)

			require.NoError(t, e.schedule(tt.trading))
			var names []string
			for _, st := range e.Scheduler.Stats() {
				names = append(names, st.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestEngineHandleTickUpdatesPaperPrices(t *testing.T) {
	cfg := config.Defaults()
	cfg.Postgres.Enabled = false
	cfg.Redis.Enabled = false
	cfg.S3.Enabled = false

	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	e, err := BuildEngine(&cfg, deps, testLogger())
	require.NoError(t, err)
	require.NotNil(t, e.Server)

	e.handleTick(context.Background(), domain.Tick{Symbol: "NEWUSDT", Price: 1.25, At: time.Now()})

	tk, err := deps.Paper.GetTicker(context.Background(), "NEWUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 1.25, tk.LastPrice, 1e-9)
}

func TestConfigMappings(t *testing.T) {
	cfg := config.Defaults()

	rc := riskConfig(cfg.Risk)
	assert.Equal(t, cfg.Risk.MaxDrawdown, rc.MaxDrawdown)
	assert.Equal(t, cfg.Risk.BreakerFailureThreshold, rc.Breaker.FailureThreshold)
	assert.Equal(t, cfg.Risk.BreakerCooldown.Duration, rc.Breaker.Cooldown)

	ec := executionConfig(cfg.Execution, cfg.Exchange)
	assert.Equal(t, exchangeProvider, ec.Provider)
	assert.Equal(t, cfg.Exchange.PingTimeout.Duration, ec.PingTimeout)
	assert.Equal(t, cfg.Execution.MaxConcurrentPositions, ec.MaxConcurrentPositions)
	assert.NoError(t, ec.Validate())

	bc := bridgeConfig(cfg.Bridge)
	assert.Equal(t, cfg.Bridge.ValidityWindow.Duration, bc.ValidityWindow)

	mc := marketDataConfig(cfg.MarketData)
	assert.Equal(t, cfg.MarketData.BreakoutMargin, mc.BreakoutMargin)
}
