package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

const (
	actionOpen           = "open"
	actionClose          = "close"
	actionEmergencyClose = "emergency_close"
)

// TradeResult is the structured outcome of an execution or close.
type TradeResult struct {
	Success    bool                        `json:"success"`
	Reason     string                      `json:"reason,omitempty"`
	ErrorKind  domain.ErrorKind            `json:"error_kind,omitempty"`
	Order      *domain.Order               `json:"order,omitempty"`
	Position   *domain.ExecutionPosition   `json:"position,omitempty"`
	Assessment *domain.TradeRiskAssessment `json:"assessment,omitempty"`
	LatencyMs  int64                       `json:"latency_ms"`
	Err        error                       `json:"-"`
}

func failure(err error) TradeResult {
	kind, _ := domain.KindOf(err)
	return TradeResult{Reason: err.Error(), ErrorKind: kind, Err: err}
}

// SubmitTrigger accepts a trigger from the decision bridge. Future triggers
// become snipe targets; immediate ones execute in the background.
func (o *Orchestrator) SubmitTrigger(ctx context.Context, trig domain.ExecutionTrigger) error {
	if err := validate.Struct(trig); err != nil {
		return domain.NewKindError(domain.KindValidation, "submit trigger", fmt.Errorf("%v: %w", err, domain.ErrValidation))
	}
	now := o.now()
	if !trig.ValidUntil.IsZero() && now.After(trig.ValidUntil) {
		return domain.NewKindError(domain.KindValidation, "submit trigger",
			fmt.Errorf("trigger %s expired at %s: %w", trig.ID, trig.ValidUntil.Format(time.RFC3339), domain.ErrValidation))
	}

	o.mu.Lock()
	state, userID := o.state, o.userID
	o.mu.Unlock()
	if !state.AcceptsTriggers() {
		return fmt.Errorf("execution: submit trigger %s: state %s: %w", trig.ID, state, domain.ErrNotRunning)
	}
	if trig.UserID == "" {
		trig.UserID = userID
	}
	if trig.QuoteAmount <= 0 {
		trig.QuoteAmount = o.config().DefaultQuoteAmount
	}

	if !trig.Immediate(now) {
		return o.scheduleTarget(ctx, trig)
	}
	if !o.launch(trig) {
		return fmt.Errorf("execution: submit trigger %s: %w", trig.ID, domain.ErrNotRunning)
	}
	return nil
}

// launch runs trig in the background while the orchestrator is active.
func (o *Orchestrator) launch(trig domain.ExecutionTrigger) bool {
	if !o.track(domain.StateActive) {
		return false
	}
	go func() {
		defer o.untrack()
		ctx, cancel := context.WithTimeout(context.Background(), o.tradeTimeout())
		defer cancel()
		res := o.executeTrade(ctx, trig)
		if trig.TargetID != "" {
			o.finishTarget(ctx, trig.TargetID, res)
		}
	}()
	return true
}

func (o *Orchestrator) tradeTimeout() time.Duration {
	cfg := o.config()
	return cfg.LockTimeout + time.Duration(cfg.RetryAttempts)*(cfg.OrderTimeout+cfg.RetryMaxDelay) + cfg.OrderTimeout
}

// ExecuteTrade runs trig synchronously. The orchestrator must be active.
func (o *Orchestrator) ExecuteTrade(ctx context.Context, trig domain.ExecutionTrigger) TradeResult {
	if !o.State().AcceptsTriggers() {
		return failure(fmt.Errorf("execution: execute %s: %w", trig.Symbol, domain.ErrNotRunning))
	}
	o.mu.Lock()
	if trig.UserID == "" {
		trig.UserID = o.userID
	}
	o.mu.Unlock()
	return o.executeTrade(ctx, trig)
}

func (o *Orchestrator) executeTrade(ctx context.Context, trig domain.ExecutionTrigger) TradeResult {
	start := time.Now()
	cfg := o.config()
	if trig.QuoteAmount <= 0 {
		trig.QuoteAmount = cfg.DefaultQuoteAmount
	}
	if err := validate.Struct(trig); err != nil {
		return failure(domain.NewKindError(domain.KindValidation, "execute", fmt.Errorf("%v: %w", err, domain.ErrValidation)))
	}
	if trig.Side == domain.OrderSideSell {
		return o.sellSymbol(ctx, trig)
	}

	o.met.total.Add(1)
	res := o.openPosition(ctx, trig, cfg)
	res.LatencyMs = time.Since(start).Milliseconds()
	o.met.observeLatency(time.Since(start))
	switch {
	case res.Success:
		o.met.successful.Add(1)
	case res.ErrorKind == domain.KindRiskRejection:
		o.met.rejected.Add(1)
	case res.ErrorKind == domain.KindLockContention:
		o.met.busy.Add(1)
	default:
		o.met.failed.Add(1)
		if res.ErrorKind == domain.KindExchangeFault {
			o.risk.RaiseAlert(domain.AlertExecution, domain.SeverityMedium, trig.Symbol, res.Reason,
				"check exchange connectivity")
		}
	}
	if !res.Success {
		o.logger.Warn("execution failed",
			slog.String("trigger_id", trig.ID),
			slog.String("symbol", trig.Symbol),
			slog.String("kind", string(res.ErrorKind)),
			slog.String("reason", res.Reason),
		)
	}
	return res
}

// openPosition holds the resource lock for the whole open sequence. The lock
// is released on every exit path, panics included.
func (o *Orchestrator) openPosition(ctx context.Context, trig domain.ExecutionTrigger, cfg Config) (res TradeResult) {
	if err := o.reserveSlot(cfg.MaxConcurrentPositions); err != nil {
		o.record(ctx, trig, actionOpen, nil, domain.ExecutionRejected, err)
		return failure(err)
	}
	defer o.releaseSlot()

	handle, err := o.locks.Acquire(ctx, LockRequest{
		ResourceID:      ResourceID(trig.Symbol, trig.Side, trig.TargetID),
		OwnerID:         trig.ID,
		OwnerType:       string(trig.Source),
		TransactionType: actionOpen,
		Priority:        domain.PriorityForSide(trig.Side),
		Timeout:         cfg.LockTimeout,
	})
	if err != nil {
		err = domain.NewKindError(domain.KindLockContention, "execute", err)
		o.record(ctx, trig, actionOpen, nil, domain.ExecutionBusy, err)
		return failure(err)
	}
	defer handle.Release()
	defer func() {
		if r := recover(); r != nil {
			err := domain.NewKindError(domain.KindExchangeFault, "execute", fmt.Errorf("panic: %v", r))
			o.logger.Error("execution panicked", slog.String("symbol", trig.Symbol), slog.Any("panic", r))
			o.record(ctx, trig, actionOpen, nil, domain.ExecutionFailed, err)
			res = failure(err)
		}
	}()

	var ticker domain.Ticker
	err = o.callExchange(ctx, cfg, func(ctx context.Context) error {
		var err error
		ticker, err = o.exchange.GetTicker(ctx, trig.Symbol)
		return err
	})
	if err != nil {
		err = domain.NewKindError(domain.KindExchangeFault, "execute", fmt.Errorf("ticker %s: %w", trig.Symbol, err))
		o.record(ctx, trig, actionOpen, nil, domain.ExecutionFailed, err)
		return failure(err)
	}
	price := entryPrice(ticker, trig.Side)
	if price <= 0 {
		err = domain.NewKindError(domain.KindExchangeFault, "execute",
			fmt.Errorf("no price for %s: %w", trig.Symbol, domain.ErrExchange))
		o.record(ctx, trig, actionOpen, nil, domain.ExecutionFailed, err)
		return failure(err)
	}

	qty := decimal.NewFromFloat(trig.QuoteAmount).
		Div(decimal.NewFromFloat(price)).
		RoundDown(cfg.QuantityDecimals)
	if !qty.IsPositive() {
		err = domain.NewKindError(domain.KindValidation, "execute",
			fmt.Errorf("quote amount %.8f buys nothing at %.8f: %w", trig.QuoteAmount, price, domain.ErrValidation))
		o.record(ctx, trig, actionOpen, nil, domain.ExecutionRejected, err)
		return failure(err)
	}

	qtyF, _ := qty.Float64()
	market := marketSnapshot(ticker)
	assessment := o.risk.AssessTradeRisk(ctx, domain.TradeRiskRequest{
		Symbol:   trig.Symbol,
		Side:     trig.Side,
		Quantity: qtyF,
		Price:    price,
		Market:   &market,
	})
	if !assessment.Approved {
		err = domain.NewKindError(domain.KindRiskRejection, "execute",
			fmt.Errorf("%s: %w", strings.Join(assessment.Reasons, "; "), domain.ErrRiskRejected))
		o.record(ctx, trig, actionOpen, nil, domain.ExecutionRejected, err)
		res := failure(err)
		res.Assessment = &assessment
		return res
	}

	now := o.now()
	order := domain.NewOrder(uuid.NewString(), trig.UserID, trig.TargetID, trig.Symbol,
		trig.Side, domain.OrderTypeMarket, qty, decimal.Zero, now)
	order, err = o.submit(ctx, cfg, order, decimal.NewFromFloat(price))
	if err != nil {
		o.record(ctx, trig, actionOpen, &order, domain.ExecutionFailed, err)
		res := failure(err)
		res.Order = &order
		res.Assessment = &assessment
		return res
	}

	pos := o.newPosition(order, trig, cfg, now)
	o.mu.Lock()
	o.positions[pos.ID] = pos
	o.mu.Unlock()
	o.syncRiskProfile(pos.Symbol)
	o.persistPosition(ctx, pos)
	o.record(ctx, trig, actionOpen, &order, domain.ExecutionSuccess, nil)

	o.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("quantity", pos.Quantity.String()),
		slog.String("entry_price", pos.EntryPrice.String()),
		slog.Float64("risk_score", assessment.RiskScore),
	)
	o.notify(ctx, "execution", "Position opened",
		fmt.Sprintf("%s %s @ %s (confidence %.0f)", pos.Symbol, pos.Quantity, pos.EntryPrice, trig.Confidence))

	return TradeResult{Success: true, Order: &order, Position: &pos, Assessment: &assessment}
}

// reserveSlot claims a position slot for an open in flight. Open positions
// and reserved slots together never exceed limit.
func (o *Orchestrator) reserveSlot(limit int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n := len(o.positions) + o.opening; n >= limit {
		return domain.NewKindError(domain.KindRiskRejection, "execute",
			fmt.Errorf("%d open or opening positions reach the limit of %d: %w", n, limit, domain.ErrRiskRejected))
	}
	o.opening++
	return nil
}

func (o *Orchestrator) releaseSlot() {
	o.mu.Lock()
	o.opening--
	o.mu.Unlock()
}

// submit places order and applies the exchange response to it. The
// returned order is final unless err is nil and it is partially filled. An
// accepted order without a fill is cancelled before returning.
func (o *Orchestrator) submit(ctx context.Context, cfg Config, order domain.Order, fallback decimal.Decimal) (domain.Order, error) {
	o.met.activeOrders.Add(1)
	res, err := o.placeWithRetry(ctx, cfg, domain.OrderRequest{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
	})
	o.met.activeOrders.Add(-1)
	at := o.now()
	if err != nil {
		rejected, rerr := order.Reject(err.Error(), at)
		if rerr == nil {
			order = rejected
		}
		return order, err
	}
	if !res.Success || res.Status == domain.OrderStatusRejected {
		msg := res.Message
		if msg == "" {
			msg = "rejected by exchange"
		}
		rejected, rerr := order.Reject(msg, at)
		if rerr == nil {
			order = rejected
		}
		return order, domain.NewKindError(domain.KindExchangeFault, "place order",
			fmt.Errorf("%s: %w", msg, domain.ErrExchange))
	}

	order, err = order.Submit(res.ExchangeOrderID, at)
	if err != nil {
		return order, err
	}
	filled := res.FilledQuantity
	if filled.GreaterThan(order.Quantity) {
		filled = order.Quantity
	}
	if !filled.IsPositive() {
		return o.cancelUnfilled(ctx, cfg, order), domain.NewKindError(domain.KindExchangeFault, "place order",
			fmt.Errorf("order %s accepted without a fill: %w", res.ExchangeOrderID, domain.ErrExchange))
	}
	px := res.AvgPrice
	if !px.IsPositive() {
		px = fallback
	}
	return order.Fill(filled, px, at)
}

// cancelUnfilled withdraws an accepted order that reported no fill so it
// cannot execute later untracked. The order comes back cancelled, or expired
// when the exchange refuses the cancel.
func (o *Orchestrator) cancelUnfilled(ctx context.Context, cfg Config, order domain.Order) domain.Order {
	err := o.callExchange(ctx, cfg, func(ctx context.Context) error {
		return o.exchange.CancelOrder(ctx, order.Symbol, order.ExchangeOrderID)
	})
	at := o.now()
	if err == nil {
		if cancelled, cerr := order.Cancel(at); cerr == nil {
			order = cancelled
		}
		o.logger.Info("unfilled order cancelled",
			slog.String("order_id", order.ID),
			slog.String("exchange_order_id", order.ExchangeOrderID),
			slog.String("symbol", order.Symbol),
		)
		return order
	}

	o.logger.Error("cancel of unfilled order failed",
		slog.String("order_id", order.ID),
		slog.String("exchange_order_id", order.ExchangeOrderID),
		slog.String("symbol", order.Symbol),
		slog.String("error", err.Error()),
	)
	o.risk.RaiseAlert(domain.AlertExecution, domain.SeverityHigh, order.Symbol,
		fmt.Sprintf("order %s was accepted without a fill and could not be cancelled: %v", order.ExchangeOrderID, err),
		"cancel the order on the exchange manually")
	if expired, eerr := order.Expire(at); eerr == nil {
		order = expired
	}
	return order
}

// placeWithRetry places req through the exchange breaker, retrying
// transient faults with exponential backoff.
func (o *Orchestrator) placeWithRetry(ctx context.Context, cfg Config, req domain.OrderRequest) (domain.OrderResult, error) {
	var last error
	for attempt := 0; attempt < cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff(cfg, attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return domain.OrderResult{}, domain.NewKindError(domain.KindExchangeFault, "place order", ctx.Err())
			case <-t.C:
			}
		}
		var res domain.OrderResult
		err := o.callExchange(ctx, cfg, func(ctx context.Context) error {
			var err error
			res, err = o.exchange.PlaceOrder(ctx, req)
			return err
		})
		if err == nil && (res.Success || !res.ShouldRetry) {
			return res, nil
		}
		if err == nil {
			err = fmt.Errorf("%s: %w", res.Message, domain.ErrExchange)
		}
		last = err
		if !retryable(err) {
			break
		}
		o.logger.Warn("order attempt failed",
			slog.String("symbol", req.Symbol),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	kind, ok := domain.KindOf(last)
	if !ok {
		kind = domain.KindExchangeFault
	}
	return domain.OrderResult{}, domain.NewKindError(kind, "place order", last)
}

// callExchange runs fn with the order timeout through the circuit breaker.
func (o *Orchestrator) callExchange(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	return o.breaker.Execute(func() error {
		o.met.requests.Add(1)
		callCtx, cancel := context.WithTimeout(ctx, cfg.OrderTimeout)
		defer cancel()
		if err := fn(callCtx); err != nil {
			o.met.exchangeErrs.Add(1)
			return err
		}
		return nil
	}, countable)
}

// countable reports whether err says something about exchange health.
func countable(err error) bool {
	return !errors.Is(err, domain.ErrValidation) &&
		!errors.Is(err, domain.ErrRateLimited) &&
		!errors.Is(err, context.Canceled)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func entryPrice(t domain.Ticker, side domain.OrderSide) float64 {
	if side == domain.OrderSideBuy && t.AskPrice > 0 {
		return t.AskPrice
	}
	if side == domain.OrderSideSell && t.BidPrice > 0 {
		return t.BidPrice
	}
	return t.LastPrice
}

// marketSnapshot derives risk inputs from a 24h ticker. The daily range
// relative to the last price stands in for volatility.
func marketSnapshot(t domain.Ticker) domain.MarketSnapshot {
	ms := domain.MarketSnapshot{
		Volume24h:      t.QuoteVolume,
		PriceChangePct: t.PriceChangePct,
	}
	if t.BidPrice > 0 && t.AskPrice > 0 {
		mid := (t.BidPrice + t.AskPrice) / 2
		ms.SpreadPct = (t.AskPrice - t.BidPrice) / mid * 100
	}
	if t.HighPrice > 0 && t.LowPrice > 0 && t.LastPrice > 0 {
		ms.Volatility = math.Min(1, (t.HighPrice-t.LowPrice)/t.LastPrice)
	}
	return ms
}

func (o *Orchestrator) newPosition(order domain.Order, trig domain.ExecutionTrigger, cfg Config, now time.Time) domain.ExecutionPosition {
	sl, tp := trig.StopLossPct, trig.TakeProfitPct
	if sl <= 0 {
		sl = cfg.StopLossPct
	}
	if tp <= 0 {
		tp = cfg.TakeProfitPct
	}
	entry := order.AvgFillPrice
	hundred := decimal.NewFromInt(100)
	return domain.ExecutionPosition{
		ID:              uuid.NewString(),
		UserID:          trig.UserID,
		TargetID:        trig.TargetID,
		Symbol:          trig.Symbol,
		Side:            domain.PositionLong,
		EntryOrderID:    order.ID,
		EntryPrice:      entry,
		Quantity:        order.FilledQuantity,
		CurrentPrice:    entry,
		StopLossPrice:   entry.Mul(hundred.Sub(decimal.NewFromFloat(sl))).Div(hundred),
		TakeProfitPrice: entry.Mul(hundred.Add(decimal.NewFromFloat(tp))).Div(hundred),
		Status:          domain.PositionStatusOpen,
		OpenedAt:        now,
	}
}

// sellSymbol handles a sell trigger by closing the open positions held in
// the symbol at sell priority.
func (o *Orchestrator) sellSymbol(ctx context.Context, trig domain.ExecutionTrigger) TradeResult {
	var ids []string
	o.mu.Lock()
	for id, p := range o.positions {
		if p.Symbol == trig.Symbol {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()
	if len(ids) == 0 {
		return failure(domain.NewKindError(domain.KindValidation, "sell",
			fmt.Errorf("no open position in %s: %w", trig.Symbol, domain.ErrNotFound)))
	}
	var last TradeResult
	for _, id := range ids {
		last = o.closePosition(ctx, id, domain.PrioritySell, actionClose)
		if !last.Success {
			return last
		}
	}
	return last
}

// ClosePosition closes one position at close priority.
func (o *Orchestrator) ClosePosition(ctx context.Context, positionID string) TradeResult {
	return o.closePosition(ctx, positionID, domain.PriorityClose, actionClose)
}

// closePosition takes the lock of the resource the position was opened on,
// so a close never races an open for the same target.
func (o *Orchestrator) closePosition(ctx context.Context, id string, prio domain.Priority, action string) (res TradeResult) {
	start := time.Now()
	cfg := o.config()

	o.mu.Lock()
	pos, ok := o.positions[id]
	o.mu.Unlock()
	if !ok {
		return failure(domain.NewKindError(domain.KindValidation, action,
			fmt.Errorf("position %s: %w", id, domain.ErrNotFound)))
	}

	openSide := domain.OrderSideBuy
	if pos.Side == domain.PositionShort {
		openSide = domain.OrderSideSell
	}
	handle, err := o.locks.Acquire(ctx, LockRequest{
		ResourceID:      ResourceID(pos.Symbol, openSide, pos.TargetID),
		OwnerID:         "close-" + id,
		OwnerType:       "orchestrator",
		TransactionType: action,
		Priority:        prio,
		Timeout:         cfg.LockTimeout,
	})
	if err != nil {
		return failure(domain.NewKindError(domain.KindLockContention, action, err))
	}
	defer handle.Release()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("close panicked", slog.String("position_id", id), slog.Any("panic", r))
			res = failure(domain.NewKindError(domain.KindExchangeFault, action, fmt.Errorf("panic: %v", r)))
		}
	}()

	o.mu.Lock()
	pos, ok = o.positions[id]
	o.mu.Unlock()
	if !ok {
		return failure(domain.NewKindError(domain.KindValidation, action,
			fmt.Errorf("position %s closed concurrently: %w", id, domain.ErrNotFound)))
	}

	now := o.now()
	order := domain.NewOrder(uuid.NewString(), pos.UserID, pos.TargetID, pos.Symbol,
		pos.CloseSide(), domain.OrderTypeMarket, pos.Quantity, decimal.Zero, now)
	order, err = o.submit(ctx, cfg, order, pos.CurrentPrice)
	trig := domain.ExecutionTrigger{UserID: pos.UserID, TargetID: pos.TargetID, Symbol: pos.Symbol, Side: pos.CloseSide()}
	if err != nil {
		o.record(ctx, trig, action, &order, domain.ExecutionFailed, err)
		o.logger.Error("close failed", slog.String("position_id", id), slog.String("error", err.Error()))
		o.risk.RaiseAlert(domain.AlertExecution, domain.SeverityHigh, pos.Symbol,
			fmt.Sprintf("close of position %s failed: %v", id, err), "close the position manually")
		res := failure(err)
		res.Order = &order
		return res
	}

	exit := order.AvgFillPrice
	closedAt := o.now()
	var result domain.ExecutionPosition
	if order.FilledQuantity.LessThan(pos.Quantity) {
		part := pos
		part.Quantity = order.FilledQuantity
		closedPart, _ := part.Close(exit, closedAt)
		remaining := pos.WithPrice(exit)
		remaining.Quantity = pos.Quantity.Sub(order.FilledQuantity)
		o.mu.Lock()
		o.positions[id] = remaining
		o.realizedPnL = o.realizedPnL.Add(closedPart.RealizedPnL)
		o.mu.Unlock()
		result = remaining
	} else {
		closed, cerr := pos.Close(exit, closedAt)
		if cerr != nil {
			return failure(cerr)
		}
		o.mu.Lock()
		delete(o.positions, id)
		o.realizedPnL = o.realizedPnL.Add(closed.RealizedPnL)
		o.mu.Unlock()
		result = closed
	}
	o.syncRiskProfile(pos.Symbol)
	o.persistPosition(ctx, result)
	o.record(ctx, trig, action, &order, domain.ExecutionSuccess, nil)

	o.logger.Info("position closed",
		slog.String("position_id", id),
		slog.String("symbol", pos.Symbol),
		slog.String("action", action),
		slog.String("exit_price", exit.String()),
		slog.String("status", string(result.Status)),
	)
	o.notify(ctx, "execution", "Position closed",
		fmt.Sprintf("%s %s @ %s (%s)", pos.Symbol, order.FilledQuantity, exit, action))

	out := TradeResult{Success: true, Order: &order, Position: &result, LatencyMs: time.Since(start).Milliseconds()}
	if result.Status == domain.PositionStatusOpen {
		out.Reason = "partially closed"
	}
	return out
}

// closeAll closes every open position concurrently.
func (o *Orchestrator) closeAll(ctx context.Context, prio domain.Priority, action string) (int, []string) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.positions))
	for id := range o.positions {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var (
		mu     sync.Mutex
		closed int
		failed []string
	)
	var g errgroup.Group
	g.SetLimit(o.config().CloseConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			res := o.closePosition(ctx, id, prio, action)
			mu.Lock()
			defer mu.Unlock()
			if res.Success && (res.Position == nil || res.Position.Status == domain.PositionStatusClosed) {
				closed++
			} else {
				failed = append(failed, id)
			}
			return nil
		})
	}
	_ = g.Wait()
	return closed, failed
}

// syncRiskProfile pushes the aggregate of open positions in symbol to the
// risk engine, or removes the symbol when none remain.
func (o *Orchestrator) syncRiskProfile(symbol string) {
	now := o.now()
	var (
		size, cost, upnl, slDist, tpDist float64
		earliest                         time.Time
		count                            int
	)
	o.mu.Lock()
	for _, p := range o.positions {
		if p.Symbol != symbol {
			continue
		}
		count++
		v, _ := p.Value().Float64()
		c, _ := p.EntryPrice.Mul(p.Quantity).Float64()
		u, _ := p.UnrealizedPnL().Float64()
		size += v
		cost += c
		upnl += u
		if entry, _ := p.EntryPrice.Float64(); entry > 0 {
			sl, _ := p.StopLossPrice.Float64()
			tp, _ := p.TakeProfitPrice.Float64()
			slDist += math.Abs(entry-sl) / entry * 100 * c
			tpDist += math.Abs(tp-entry) / entry * 100 * c
		}
		if earliest.IsZero() || p.OpenedAt.Before(earliest) {
			earliest = p.OpenedAt
		}
	}
	o.mu.Unlock()

	if count == 0 {
		o.risk.RemovePosition(symbol)
		return
	}
	profile := domain.PositionRiskProfile{
		Symbol:        symbol,
		Size:          size,
		UnrealizedPnL: upnl,
		Leverage:      1,
		TimeHeld:      now.Sub(earliest),
	}
	if cost > 0 {
		profile.MaxDrawdown = math.Max(0, -upnl/cost*100)
		profile.StopLossDistance = slDist / cost
		profile.TakeProfitDistance = tpDist / cost
	}
	if err := o.risk.UpdatePosition(profile); err != nil {
		o.logger.Warn("risk profile update failed", slog.String("symbol", symbol), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) persistPosition(ctx context.Context, pos domain.ExecutionPosition) {
	if o.posStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.posStore.Upsert(ctx, pos); err != nil {
		o.logger.Warn("position write failed",
			slog.String("position_id", pos.ID),
			slog.String("error", domain.NewKindError(domain.KindPersistence, "upsert position", err).Error()),
		)
	}
}

// record appends an execution history row. Store failures are logged and
// never affect the trade outcome.
func (o *Orchestrator) record(ctx context.Context, trig domain.ExecutionTrigger, action string, order *domain.Order, status domain.ExecutionStatus, cause error) {
	rec := domain.ExecutionRecord{
		ID:         uuid.NewString(),
		UserID:     trig.UserID,
		TargetID:   trig.TargetID,
		TriggerID:  trig.ID,
		Symbol:     trig.Symbol,
		Side:       trig.Side,
		Action:     action,
		Status:     status,
		Confidence: trig.Confidence,
		ExecutedAt: o.now(),
	}
	if order != nil {
		rec.Quantity = order.FilledQuantity
		rec.Price = order.AvgFillPrice
		rec.Notional = order.Notional()
		rec.ExchangeOrderID = order.ExchangeOrderID
		rec.LatencyMs = rec.ExecutedAt.Sub(order.CreatedAt).Milliseconds()
	}
	if cause != nil {
		rec.Message = cause.Error()
		rec.ErrorKind, _ = domain.KindOf(cause)
	}

	size := o.config().HistorySize
	o.mu.Lock()
	o.history = append(o.history, rec)
	if len(o.history) > size {
		o.history = append([]domain.ExecutionRecord(nil), o.history[len(o.history)-size:]...)
	}
	o.mu.Unlock()

	if o.executions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.executions.Append(ctx, rec); err != nil {
		o.logger.Warn("execution history write failed",
			slog.String("record_id", rec.ID),
			slog.String("error", domain.NewKindError(domain.KindPersistence, "append execution", err).Error()),
		)
	}
}
