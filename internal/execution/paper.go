package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// Simulated fill model: 90% full fill, 5% partial fill of 50-95%, 5% reject.
const (
	paperRejectRate  = 0.05
	paperPartialRate = 0.05
	paperMinPartial  = 0.50
	paperMaxPartial  = 0.95
	paperQtyDecimals = 8
)

// PaperTrader simulates the exchange. It is a drop-in TradeExecutor whose
// fills are drawn from an injectable random source.
type PaperTrader struct {
	quote  string
	cache  domain.PriceCache
	logger *slog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	prices   map[string]float64
	balances map[string]decimal.Decimal
}

// NewPaperTrader creates a simulator holding initialQuote of the quote
// asset. cache may be nil; prices set with SetPrice take precedence.
func NewPaperTrader(src rand.Source, quote string, initialQuote float64, cache domain.PriceCache, logger *slog.Logger) *PaperTrader {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	if quote == "" {
		quote = "USDT"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaperTrader{
		quote:    quote,
		cache:    cache,
		logger:   logger.With(slog.String("component", "paper_trader")),
		rng:      rand.New(src),
		prices:   make(map[string]float64),
		balances: map[string]decimal.Decimal{quote: decimal.NewFromFloat(initialQuote)},
	}
}

// SetPrice sets the simulated market price for symbol.
func (p *PaperTrader) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

func (p *PaperTrader) price(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	px, ok := p.prices[symbol]
	p.mu.Unlock()
	if ok && px > 0 {
		return px, nil
	}
	if p.cache != nil {
		px, _, err := p.cache.GetPrice(ctx, symbol)
		if err == nil && px > 0 {
			return px, nil
		}
	}
	return 0, fmt.Errorf("paper: no price for %s: %w", symbol, domain.ErrNotFound)
}

// PlaceOrder fills req against the simulated price.
func (p *PaperTrader) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if err := validate.Struct(req); err != nil {
		return domain.OrderResult{}, fmt.Errorf("paper: place order: %v: %w", err, domain.ErrValidation)
	}
	px := req.Price
	if px.IsZero() {
		f, err := p.price(ctx, req.Symbol)
		if err != nil {
			return domain.OrderResult{Message: err.Error()}, err
		}
		px = decimal.NewFromFloat(f)
	}
	qty := req.Quantity
	if qty.IsZero() && req.QuoteQuantity.IsPositive() {
		qty = req.QuoteQuantity.Div(px).RoundDown(paperQtyDecimals)
	}
	if !qty.IsPositive() {
		return domain.OrderResult{}, fmt.Errorf("paper: place order: zero quantity: %w", domain.ErrValidation)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	roll := p.rng.Float64()
	exID := "paper-" + uuid.NewString()
	partial := false
	switch {
	case roll < paperRejectRate:
		p.logger.Info("simulated rejection", slog.String("symbol", req.Symbol))
		return domain.OrderResult{
			ExchangeOrderID: exID,
			Status:          domain.OrderStatusRejected,
			Message:         "simulated rejection",
		}, nil
	case roll < paperRejectRate+paperPartialRate:
		frac := paperMinPartial + p.rng.Float64()*(paperMaxPartial-paperMinPartial)
		qty = qty.Mul(decimal.NewFromFloat(frac)).RoundDown(paperQtyDecimals)
		partial = true
	}

	base := baseAsset(req.Symbol, p.quote)
	notional := qty.Mul(px)
	if req.Side == domain.OrderSideBuy {
		if p.balances[p.quote].LessThan(notional) {
			return domain.OrderResult{
				ExchangeOrderID: exID,
				Status:          domain.OrderStatusRejected,
				Message:         "insufficient balance",
			}, nil
		}
		p.balances[p.quote] = p.balances[p.quote].Sub(notional)
		p.balances[base] = p.balances[base].Add(qty)
	} else {
		p.balances[base] = p.balances[base].Sub(qty)
		p.balances[p.quote] = p.balances[p.quote].Add(notional)
	}

	status := domain.OrderStatusFilled
	if partial {
		status = domain.OrderStatusPartiallyFilled
	}
	return domain.OrderResult{
		Success:         true,
		ExchangeOrderID: exID,
		Status:          status,
		FilledQuantity:  qty,
		AvgPrice:        px,
	}, nil
}

// CancelOrder always fails: simulated orders settle when placed, so none
// are left resting.
func (p *PaperTrader) CancelOrder(_ context.Context, symbol, exchangeOrderID string) error {
	return fmt.Errorf("paper: cancel order %s on %s: %w", exchangeOrderID, symbol, domain.ErrNotFound)
}

// GetTicker returns a ticker built from the simulated price.
func (p *PaperTrader) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	px, err := p.price(ctx, symbol)
	if err != nil {
		return domain.Ticker{}, err
	}
	return domain.Ticker{
		Symbol:     symbol,
		LastPrice:  px,
		BidPrice:   px,
		AskPrice:   px,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// GetAccountBalances returns the simulated balances sorted by asset.
func (p *PaperTrader) GetAccountBalances(context.Context) ([]domain.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Balance, 0, len(p.balances))
	for asset, amt := range p.balances {
		f, _ := amt.Float64()
		out = append(out, domain.Balance{Asset: asset, Free: f})
	}
	sortBalances(out)
	return out, nil
}

// Ping always succeeds.
func (p *PaperTrader) Ping(context.Context) error { return nil }

func baseAsset(symbol, quote string) string {
	if b, ok := strings.CutSuffix(symbol, quote); ok && b != "" {
		return b
	}
	return symbol
}

func sortBalances(b []domain.Balance) {
	sort.Slice(b, func(i, j int) bool { return b[i].Asset < b[j].Asset })
}
