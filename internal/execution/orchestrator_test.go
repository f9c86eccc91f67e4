package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/risk"
)

var t0 = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

type fakeExchange struct {
	mu        sync.Mutex
	prices    map[string]float64
	pingErr   error
	pingGate  chan struct{}
	pings     atomic.Int32
	placeErrs []error
	orders    []domain.OrderRequest
	gate      chan struct{}
	entered   chan struct{}
	panicOn   string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{prices: map[string]float64{"AAAUSDT": 2, "BBBUSDT": 4}}
}

func (f *fakeExchange) setPrice(symbol string, p float64) {
	f.mu.Lock()
	f.prices[symbol] = p
	f.mu.Unlock()
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	f.mu.Lock()
	f.orders = append(f.orders, req)
	gate, entered := f.gate, f.entered
	var err error
	if len(f.placeErrs) > 0 {
		err, f.placeErrs = f.placeErrs[0], f.placeErrs[1:]
	}
	px := f.prices[req.Symbol]
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.OrderResult{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.OrderResult{}, err
	}
	return domain.OrderResult{
		Success:         true,
		ExchangeOrderID: "ex-" + req.ClientOrderID,
		Status:          domain.OrderStatusFilled,
		FilledQuantity:  req.Quantity,
		AvgPrice:        decimal.NewFromFloat(px),
	}, nil
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) error {
	return nil
}

func (f *fakeExchange) GetTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	if f.panicOn == symbol {
		panic("ticker decoder blew up")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	px, ok := f.prices[symbol]
	if !ok {
		return domain.Ticker{}, domain.ErrNotFound
	}
	return domain.Ticker{Symbol: symbol, LastPrice: px, QuoteVolume: 1_000_000}, nil
}

func (f *fakeExchange) GetAccountBalances(context.Context) ([]domain.Balance, error) {
	return nil, nil
}

func (f *fakeExchange) Ping(ctx context.Context) error {
	f.pings.Add(1)
	if f.pingGate != nil {
		select {
		case <-f.pingGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.pingErr
}

func (f *fakeExchange) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type fakeSession struct {
	user string
	err  error
}

func (s fakeSession) CurrentUserID(context.Context) (string, error) { return s.user, s.err }

type fakeCreds struct {
	creds *domain.Credentials
	err   error
}

func (c fakeCreds) GetUserCredentials(context.Context, string, string) (*domain.Credentials, error) {
	return c.creds, c.err
}

var goodCreds = fakeCreds{creds: &domain.Credentials{APIKey: "k", SecretKey: "s"}}

type fakeAlertStore struct {
	err      error
	archived []domain.RiskAlert
}

func (s *fakeAlertStore) Archive(_ context.Context, alerts []domain.RiskAlert) error {
	if s.err != nil {
		return s.err
	}
	s.archived = append(s.archived, alerts...)
	return nil
}

type fixture struct {
	orch     *Orchestrator
	exchange *fakeExchange
	risk     *risk.Engine
	clock    *atomic.Pointer[time.Time]
}

func newFixture(t *testing.T, cfg Config, mutate func(*Deps)) *fixture {
	t.Helper()
	clock := &atomic.Pointer[time.Time]{}
	start := t0
	clock.Store(&start)
	now := func() time.Time { return *clock.Load() }

	ex := newFakeExchange()
	eng := risk.NewEngine(risk.DefaultConfig(), nil, risk.WithClock(now))
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}
	deps := Deps{
		Exchange:    ex,
		Risk:        eng,
		Credentials: goodCreds,
		Session:     fakeSession{user: "user-1"},
		Now:         now,
	}
	if mutate != nil {
		mutate(&deps)
	}
	o, err := New(cfg, deps)
	require.NoError(t, err)
	return &fixture{orch: o, exchange: ex, risk: eng, clock: clock}
}

func (f *fixture) advance(d time.Duration) {
	next := f.clock.Load().Add(d)
	f.clock.Store(&next)
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	res, err := f.orch.Start(context.Background())
	require.NoError(t, err)
	require.True(t, res.IsActive)
}

func buyTrigger(id, symbol string) domain.ExecutionTrigger {
	return domain.ExecutionTrigger{
		ID:          id,
		Symbol:      symbol,
		Side:        domain.OrderSideBuy,
		QuoteAmount: 100,
		Confidence:  90,
		Source:      domain.SourcePattern,
	}
}

func TestStartRequirements(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Deps)
		emergency   bool
		wantErr     error
		wantState   domain.OrchestratorState
		description string
	}{
		{
			name:        "ready",
			wantState:   domain.StateActive,
			description: "credentials, ping and a calm risk engine start the orchestrator",
		},
		{
			name:        "no session user",
			mutate:      func(d *Deps) { d.Session = fakeSession{} },
			wantErr:     domain.ErrAuthRequired,
			wantState:   domain.StateIdle,
			description: "an anonymous start fails before any state change",
		},
		{
			name:        "missing credentials",
			mutate:      func(d *Deps) { d.Credentials = fakeCreds{} },
			wantErr:     domain.ErrConfiguration,
			wantState:   domain.StateError,
			description: "missing credentials are a configuration fault",
		},
		{
			name:        "empty secret",
			mutate:      func(d *Deps) { d.Credentials = fakeCreds{creds: &domain.Credentials{APIKey: "k"}} },
			wantErr:     domain.ErrConfiguration,
			wantState:   domain.StateError,
			description: "half-configured credentials are rejected",
		},
		{
			name: "exchange unreachable",
			mutate: func(d *Deps) {
				d.Exchange.(*fakeExchange).pingErr = errors.New("connection refused")
			},
			wantErr:     domain.ErrExchange,
			wantState:   domain.StateError,
			description: "a failed connectivity probe leaves the orchestrator in error",
		},
		{
			name:        "emergency mode",
			emergency:   true,
			wantErr:     domain.ErrEmergencyMode,
			wantState:   domain.StateIdle,
			description: "an active emergency blocks start",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, tt.mutate)
			if tt.emergency {
				f.risk.ActivateEmergencyMode(domain.EmergencyExternal, "test")
			}
			res, err := f.orch.Start(context.Background())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr, tt.description)
				assert.False(t, res.IsActive)
			} else {
				require.NoError(t, err, tt.description)
				assert.True(t, res.IsActive)
				assert.True(t, res.IsHealthy)
			}
			assert.Equal(t, tt.wantState, f.orch.State(), tt.description)
		})
	}
}

func TestStartFromErrorRecovers(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.exchange.pingErr = errors.New("down")
	_, err := f.orch.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.StateError, f.orch.State())
	assert.NotEmpty(t, f.orch.GetStatus().LastError)

	f.exchange.pingErr = nil
	f.start(t)
	assert.Empty(t, f.orch.GetStatus().LastError)
}

func TestConcurrentStartSharesInitialization(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.exchange.pingGate = make(chan struct{})

	var wg sync.WaitGroup
	results := make(chan StartResult, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orch.Start(context.Background())
			assert.NoError(t, err)
			results <- res
		}()
	}
	require.Eventually(t, func() bool { return f.exchange.pings.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(f.exchange.pingGate)
	wg.Wait()
	close(results)

	for res := range results {
		assert.True(t, res.IsActive)
	}
	assert.Equal(t, int32(1), f.exchange.pings.Load(), "one probe serves every concurrent start")
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.NoError(t, f.orch.Stop(context.Background(), "never started"))

	f.start(t)
	require.NoError(t, f.orch.Stop(context.Background(), "first"))
	assert.Equal(t, domain.StateIdle, f.orch.State())
	require.NoError(t, f.orch.Stop(context.Background(), "second"))
	assert.Equal(t, domain.StateIdle, f.orch.State())
	assert.False(t, f.orch.GetStatus().IsActive)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	assert.ErrorIs(t, f.orch.Pause(), domain.ErrInvalidTransition, "idle cannot pause")

	f.start(t)
	require.NoError(t, f.orch.Pause())
	err := f.orch.SubmitTrigger(context.Background(), buyTrigger("t1", "AAAUSDT"))
	assert.ErrorIs(t, err, domain.ErrNotRunning, "paused orchestrators refuse triggers")

	require.NoError(t, f.orch.Resume())
	assert.Equal(t, domain.StateActive, f.orch.State())

	require.NoError(t, f.orch.Pause())
	f.risk.ActivateEmergencyMode(domain.EmergencyVolatility, "spike")
	assert.ErrorIs(t, f.orch.Resume(), domain.ErrEmergencyMode)
}

func TestExecuteTradeOpensPosition(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.start(t)

	res := f.orch.ExecuteTrade(context.Background(), buyTrigger("t1", "AAAUSDT"))
	require.True(t, res.Success, res.Reason)
	require.NotNil(t, res.Position)
	require.NotNil(t, res.Order)

	pos := *res.Position
	assert.Equal(t, domain.OrderStatusFilled, res.Order.Status)
	assert.True(t, decimal.NewFromInt(50).Equal(pos.Quantity), "100 USDT at 2 buys 50")
	assert.True(t, decimal.NewFromFloat(1.9).Equal(pos.StopLossPrice), pos.StopLossPrice.String())
	assert.True(t, decimal.NewFromFloat(2.3).Equal(pos.TakeProfitPrice), pos.TakeProfitPrice.String())
	assert.Equal(t, "user-1", pos.UserID)

	profiles := f.risk.Positions()
	require.Len(t, profiles, 1)
	assert.Equal(t, "AAAUSDT", profiles[0].Symbol)
	assert.InDelta(t, 100, profiles[0].Size, 1e-9)
	assert.InDelta(t, 5, profiles[0].StopLossDistance, 1e-9)

	st := f.orch.GetStatus()
	assert.Equal(t, 1, st.ActivePositions)
	assert.Equal(t, int64(1), st.Metrics.Successful)
	assert.False(t, f.orch.Locks().IsLocked(ResourceID("AAAUSDT", domain.OrderSideBuy, "")))

	rep := f.orch.GetExecutionReport(context.Background())
	require.Len(t, rep.RecentExecutions, 1)
	assert.Equal(t, domain.ExecutionSuccess, rep.RecentExecutions[0].Status)
	assert.Equal(t, "open", rep.RecentExecutions[0].Action)
}

func TestExecuteTradeFailures(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*fixture)
		trig        domain.ExecutionTrigger
		wantKind    domain.ErrorKind
		wantOrders  int
		description string
	}{
		{
			name:        "risk emergency",
			setup:       func(f *fixture) { f.risk.ActivateEmergencyMode(domain.EmergencyPortfolioRisk, "drawdown") },
			trig:        buyTrigger("t1", "AAAUSDT"),
			wantKind:    domain.KindRiskRejection,
			description: "emergency mode rejects before any order is placed",
		},
		{
			name:        "oversized",
			trig:        func() domain.ExecutionTrigger { tr := buyTrigger("t1", "AAAUSDT"); tr.QuoteAmount = 5000; return tr }(),
			wantKind:    domain.KindRiskRejection,
			description: "a position above the single-position cap is refused",
		},
		{
			name:        "unknown symbol",
			trig:        buyTrigger("t1", "ZZZUSDT"),
			wantKind:    domain.KindExchangeFault,
			description: "a ticker failure is an exchange fault",
		},
		{
			name:        "invalid trigger",
			trig:        domain.ExecutionTrigger{ID: "t1", Symbol: "AAAUSDT", Side: "hold", Source: domain.SourceManual},
			wantKind:    domain.KindValidation,
			description: "malformed triggers fail before any side effect",
		},
		{
			name: "exchange keeps failing",
			setup: func(f *fixture) {
				e := fmt.Errorf("503: %w", domain.ErrExchange)
				f.exchange.placeErrs = []error{e, e, e}
			},
			trig:        buyTrigger("t1", "AAAUSDT"),
			wantKind:    domain.KindExchangeFault,
			wantOrders:  3,
			description: "transient faults are retried up to the attempt limit",
		},
		{
			name: "validation is not retried",
			setup: func(f *fixture) {
				f.exchange.placeErrs = []error{fmt.Errorf("bad lot size: %w", domain.ErrValidation)}
			},
			trig:        buyTrigger("t1", "AAAUSDT"),
			wantKind:    domain.KindValidation,
			wantOrders:  1,
			description: "exchange validation errors surface immediately",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, nil)
			f.start(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			res := f.orch.ExecuteTrade(context.Background(), tt.trig)
			assert.False(t, res.Success, tt.description)
			assert.Equal(t, tt.wantKind, res.ErrorKind, "%s: %s", tt.description, res.Reason)
			assert.Equal(t, tt.wantOrders, f.exchange.orderCount(), tt.description)
			assert.Empty(t, f.orch.Positions())
			assert.Equal(t, 0, f.orch.Locks().Stats().Held, "no lock survives a failed execution")
		})
	}
}

func TestExchangeRetryRecovers(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.start(t)
	f.exchange.placeErrs = []error{fmt.Errorf("timeout: %w", domain.ErrExchange)}

	res := f.orch.ExecuteTrade(context.Background(), buyTrigger("t1", "AAAUSDT"))
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, 2, f.exchange.orderCount())
	assert.Equal(t, risk.StateClosed, f.orch.GetStatus().Breaker.State)
}

func TestLockReleasedAfterPanic(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.start(t)
	f.exchange.panicOn = "AAAUSDT"

	res := f.orch.ExecuteTrade(context.Background(), buyTrigger("t1", "AAAUSDT"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "panic")
	assert.False(t, f.orch.Locks().IsLocked(ResourceID("AAAUSDT", domain.OrderSideBuy, "")))

	f.exchange.panicOn = ""
	res = f.orch.ExecuteTrade(context.Background(), buyTrigger("t2", "AAAUSDT"))
	assert.True(t, res.Success, res.Reason)
}

func TestSameResourceIsSerialised(t *testing.T) {
	tests := []struct {
		name        string
		lockTimeout time.Duration
		wantBoth    bool
		description string
	}{
		{
			name:        "queued then served",
			lockTimeout: 5 * time.Second,
			wantBoth:    true,
			description: "the second request waits for the first to release",
		},
		{
			name:        "queued then timed out",
			lockTimeout: 40 * time.Millisecond,
			description: "the second request gives up with a busy error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{LockTimeout: tt.lockTimeout}, nil)
			f.start(t)
			gate := make(chan struct{})
			f.exchange.gate = gate
			f.exchange.entered = make(chan struct{}, 4)

			first := make(chan TradeResult, 1)
			go func() { first <- f.orch.ExecuteTrade(context.Background(), buyTrigger("t1", "AAAUSDT")) }()
			<-f.exchange.entered

			second := make(chan TradeResult, 1)
			go func() { second <- f.orch.ExecuteTrade(context.Background(), buyTrigger("t2", "AAAUSDT")) }()
			require.Eventually(t, func() bool { return f.orch.Locks().Stats().Waiting == 1 }, time.Second, time.Millisecond)
			assert.Equal(t, 1, f.exchange.orderCount(), "no double execution while the first holds the lock")

			if tt.wantBoth {
				close(gate)
				r1, r2 := <-first, <-second
				assert.True(t, r1.Success, r1.Reason)
				assert.True(t, r2.Success, r2.Reason)
				assert.Len(t, f.orch.Positions(), 2, tt.description)
				return
			}
			r2 := <-second
			close(gate)
			r1 := <-first
			assert.True(t, r1.Success, r1.Reason)
			assert.False(t, r2.Success, tt.description)
			assert.Equal(t, domain.KindLockContention, r2.ErrorKind)
			assert.ErrorIs(t, r2.Err, domain.ErrLockTimeout)
			assert.Equal(t, int64(1), f.orch.GetStatus().Metrics.LockBusy)
		})
	}
}

func TestClosePositionRealisesProfit(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.start(t)
	res := f.orch.ExecuteTrade(context.Background(), buyTrigger("t1", "AAAUSDT"))
	require.True(t, res.Success, res.Reason)

	f.exchange.setPrice("AAAUSDT", 2.2)
	out := f.orch.ClosePosition(context.Background(), res.Position.ID)
	require.True(t, out.Success, out.Reason)
	assert.Equal(t, domain.PositionStatusClosed, out.Position.Status)
	assert.True(t, decimal.NewFromInt(10).Equal(out.Position.RealizedPnL), out.Position.RealizedPnL.String())
	assert.Equal(t, domain.OrderSideSell, out.Order.Side)

	assert.Empty(t, f.orch.Positions())
	assert.Empty(t, f.risk.Positions(), "closing the last position removes the risk profile")
	rep := f.orch.GetExecutionReport(context.Background())
	assert.True(t, decimal.NewFromInt(10).Equal(rep.TotalProfit))
	assert.Equal(t, "close", rep.RecentExecutions[0].Action, "most recent first")

	again := f.orch.ClosePosition(context.Background(), res.Position.ID)
	assert.False(t, again.Success)
	assert.ErrorIs(t, again.Err, domain.ErrNotFound)
}

func TestSellTriggerClosesPositions(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.start(t)
	require.True(t, f.orch.ExecuteTrade(context.Background(), buyTrigger("t1", "AAAUSDT")).Success)

	sell := buyTrigger("t2", "AAAUSDT")
	sell.Side = domain.OrderSideSell
	res := f.orch.ExecuteTrade(context.Background(), sell)
	require.True(t, res.Success, res.Reason)
	assert.Empty(t, f.orch.Positions())

	res = f.orch.ExecuteTrade(context.Background(), sell)
	assert.False(t, res.Success, "nothing left to sell")
}

func TestEmergencyStop(t *testing.T) {
	archive := &fakeAlertStore{}
	f := newFixture(t, Config{}, func(d *Deps) { d.Alerts = archive })
	f.start(t)
	require.True(t, f.orch.ExecuteTrade(context.Background(), buyTrigger("t1", "AAAUSDT")).Success)
	require.True(t, f.orch.ExecuteTrade(context.Background(), buyTrigger("t2", "BBBUSDT")).Success)
	future := buyTrigger("t3", "NEWUSDT")
	future.ExecuteAt = t0.Add(time.Hour)
	require.NoError(t, f.orch.SubmitTrigger(context.Background(), future))

	res, err := f.orch.EmergencyStop(context.Background(), "operator panic button")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ClosedCount)
	assert.Equal(t, 1, res.FailedTargets)
	assert.Equal(t, string(domain.StateActive), res.PreviousState)

	assert.Equal(t, domain.StateIdle, f.orch.State())
	assert.Empty(t, f.orch.Positions())
	assert.True(t, f.risk.IsEmergencyModeActive())
	assert.Equal(t, 0, f.orch.GetStatus().ActiveTargets)

	_, err = f.orch.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrEmergencyMode, "restart needs the emergency to be reset")

	f.risk.ResetEmergencyMode()
	f.start(t)
}

func TestFutureTriggerBecomesTarget(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.start(t)

	trig := buyTrigger("t1", "AAAUSDT")
	trig.ExecuteAt = t0.Add(time.Hour)
	require.NoError(t, f.orch.SubmitTrigger(context.Background(), trig))
	assert.Equal(t, 1, f.orch.GetStatus().ActiveTargets)
	assert.Equal(t, 0, f.orch.ExecuteDueTargets(context.Background()), "not due yet")

	dup := buyTrigger("t2", "AAAUSDT")
	dup.ExecuteAt = t0.Add(2 * time.Hour)
	assert.ErrorIs(t, f.orch.SubmitTrigger(context.Background(), dup), domain.ErrAlreadyExists)

	f.advance(time.Hour)
	assert.Equal(t, 1, f.orch.ExecuteDueTargets(context.Background()))
	require.Eventually(t, func() bool { return len(f.orch.Positions()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.orch.GetStatus().ActiveTargets == 0 }, time.Second, time.Millisecond)
	assert.NotEmpty(t, f.orch.Positions()[0].TargetID)
}

func TestOverdueTargetFails(t *testing.T) {
	f := newFixture(t, Config{TargetGrace: time.Minute}, nil)
	f.start(t)
	trig := buyTrigger("t1", "AAAUSDT")
	trig.ExecuteAt = t0.Add(time.Hour)
	require.NoError(t, f.orch.SubmitTrigger(context.Background(), trig))

	f.advance(2 * time.Hour)
	assert.Equal(t, 0, f.orch.ExecuteDueTargets(context.Background()))
	assert.Equal(t, 0, f.orch.GetStatus().ActiveTargets)
	assert.Equal(t, 0, f.exchange.orderCount())
}

func TestSubmitTriggerValidation(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	err := f.orch.SubmitTrigger(context.Background(), buyTrigger("t1", "AAAUSDT"))
	assert.ErrorIs(t, err, domain.ErrNotRunning, "idle orchestrators refuse triggers")

	f.start(t)
	expired := buyTrigger("t2", "AAAUSDT")
	expired.ValidUntil = t0.Add(-time.Minute)
	err = f.orch.SubmitTrigger(context.Background(), expired)
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, f.orch.SubmitTrigger(context.Background(), buyTrigger("t3", "AAAUSDT")))
	require.Eventually(t, func() bool { return len(f.orch.Positions()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, f.orch.Stop(context.Background(), "done"))
	assert.Equal(t, int64(0), f.orch.GetStatus().InFlight)
}

func TestStopWaitsForInflight(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.start(t)
	gate := make(chan struct{})
	f.exchange.gate = gate
	f.exchange.entered = make(chan struct{}, 1)

	require.NoError(t, f.orch.SubmitTrigger(context.Background(), buyTrigger("t1", "AAAUSDT")))
	<-f.exchange.entered
	assert.Equal(t, 1, f.orch.ActiveExecutions())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- f.orch.Stop(context.Background(), "shutdown") }()
	require.Eventually(t, func() bool { return f.orch.State() == domain.StateStopping }, time.Second, time.Millisecond)
	assert.Error(t, f.orch.Stop(ctx, "impatient"), "a second stop waits on the same in-flight work")

	close(gate)
	require.NoError(t, <-stopped)
	assert.Equal(t, domain.StateIdle, f.orch.State())
	assert.Len(t, f.orch.Positions(), 1, "the in-flight execution completed")
}

func TestPositionLimitHoldsUnderConcurrentOpens(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrentPositions: 1}, nil)
	f.start(t)
	gate := make(chan struct{})
	f.exchange.gate = gate
	f.exchange.entered = make(chan struct{}, 4)

	first := make(chan TradeResult, 1)
	go func() { first <- f.orch.ExecuteTrade(context.Background(), buyTrigger("t1", "AAAUSDT")) }()
	<-f.exchange.entered

	r2 := f.orch.ExecuteTrade(context.Background(), buyTrigger("t2", "BBBUSDT"))
	assert.False(t, r2.Success, "the in-flight open holds the only slot")
	assert.Equal(t, domain.KindRiskRejection, r2.ErrorKind)
	assert.ErrorIs(t, r2.Err, domain.ErrRiskRejected)

	close(gate)
	r1 := <-first
	require.True(t, r1.Success, r1.Reason)
	assert.Len(t, f.orch.Positions(), 1)
	assert.Equal(t, 1, f.exchange.orderCount())

	r3 := f.orch.ExecuteTrade(context.Background(), buyTrigger("t3", "BBBUSDT"))
	assert.Equal(t, domain.KindRiskRejection, r3.ErrorKind, "the filled position keeps the slot")
}

func TestFailedOpenReleasesSlot(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrentPositions: 1}, nil)
	f.start(t)
	f.exchange.placeErrs = []error{fmt.Errorf("bad lot size: %w", domain.ErrValidation)}

	r1 := f.orch.ExecuteTrade(context.Background(), buyTrigger("t1", "AAAUSDT"))
	require.False(t, r1.Success)

	r2 := f.orch.ExecuteTrade(context.Background(), buyTrigger("t2", "BBBUSDT"))
	assert.True(t, r2.Success, r2.Reason)
	assert.Len(t, f.orch.Positions(), 1)
}

func TestHandleTickMarksRiskProfile(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.start(t)
	require.True(t, f.orch.ExecuteTrade(context.Background(), buyTrigger("t1", "AAAUSDT")).Success)

	f.orch.HandleTick(domain.Tick{Symbol: "BBBUSDT", Price: 9, At: t0})
	profiles := f.risk.Positions()
	require.Len(t, profiles, 1)
	assert.InDelta(t, 100, profiles[0].Size, 1e-9, "ticks in other symbols leave the profile alone")

	f.orch.HandleTick(domain.Tick{Symbol: "AAAUSDT", Price: 1.2, At: t0})
	profiles = f.risk.Positions()
	require.Len(t, profiles, 1)
	assert.Equal(t, "AAAUSDT", profiles[0].Symbol)
	assert.InDelta(t, 60, profiles[0].Size, 1e-9, "50 units at 1.2")
	assert.InDelta(t, -40, profiles[0].UnrealizedPnL, 1e-9)
	assert.InDelta(t, 40, profiles[0].MaxDrawdown, 1e-9)
}

func TestHandleTickProtectiveExit(t *testing.T) {
	tests := []struct {
		name        string
		price       float64
		wantClosed  bool
		description string
	}{
		{name: "inside band", price: 2.1, description: "prices between stop and target only mark to market"},
		{name: "stop loss", price: 1.8, wantClosed: true, description: "a drop through the stop closes the position"},
		{name: "take profit", price: 2.4, wantClosed: true, description: "a rise through the target closes the position"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{AutoClose: true}, nil)
			f.start(t)
			require.True(t, f.orch.ExecuteTrade(context.Background(), buyTrigger("t1", "AAAUSDT")).Success)

			f.exchange.setPrice("AAAUSDT", tt.price)
			f.orch.HandleTick(domain.Tick{Symbol: "AAAUSDT", Price: tt.price, At: t0})
			if tt.wantClosed {
				require.Eventually(t, func() bool { return len(f.orch.Positions()) == 0 }, time.Second, time.Millisecond, tt.description)
				return
			}
			positions := f.orch.Positions()
			require.Len(t, positions, 1, tt.description)
			assert.True(t, decimal.NewFromFloat(tt.price).Equal(positions[0].CurrentPrice))
		})
	}
}

func TestClearAcknowledgedAlerts(t *testing.T) {
	store := &fakeAlertStore{err: errors.New("db down")}
	f := newFixture(t, Config{}, func(d *Deps) { d.Alerts = store })
	f.risk.RaiseAlert(domain.AlertExecution, domain.SeverityMedium, "AAAUSDT", "slow fill")
	alerts := f.orch.GetExecutionReport(context.Background()).ActiveAlerts
	require.Len(t, alerts, 1)
	assert.True(t, f.orch.AcknowledgeAlert(alerts[0].ID))

	n, err := f.orch.ClearAcknowledgedAlerts(context.Background())
	assert.ErrorIs(t, err, store.err)
	assert.Equal(t, 0, n)

	store.err = nil
	n, err = f.orch.ClearAcknowledgedAlerts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "alerts restored after a failed archive are cleared on retry")
	assert.Len(t, store.archived, 1)

	n, err = f.orch.ClearAcknowledgedAlerts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	bad := -1
	_, err := f.orch.UpdateConfig(ConfigPatch{MaxConcurrentPositions: &bad})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 5, f.orch.config().MaxConcurrentPositions, "an invalid patch changes nothing")

	one := 1
	cfg, err := f.orch.UpdateConfig(ConfigPatch{MaxConcurrentPositions: &one})
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxConcurrentPositions)

	f.start(t)
	require.True(t, f.orch.ExecuteTrade(context.Background(), buyTrigger("t1", "AAAUSDT")).Success)
	res := f.orch.ExecuteTrade(context.Background(), buyTrigger("t2", "BBBUSDT"))
	assert.Equal(t, domain.KindRiskRejection, res.ErrorKind, "the new position cap applies immediately")
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.start(t)
	f.exchange.pingErr = errors.New("timeout")
	assert.False(t, f.orch.HealthCheck(context.Background()))
	assert.False(t, f.orch.GetStatus().IsHealthy)

	f.exchange.pingErr = nil
	assert.True(t, f.orch.HealthCheck(context.Background()))
	assert.True(t, f.orch.GetStatus().IsHealthy)
}
