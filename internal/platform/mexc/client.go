// Package mexc is the MEXC spot exchange adapter: an HMAC-signed REST client
// implementing the trade execution capability, the listing source used for
// pattern detection and the public websocket deal stream.
package mexc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/crypto"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

const (
	DefaultBaseURL = "https://api.mexc.com"
	rateLimitKey   = "mexc:rest"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RecvWindow time.Duration
	// RateLimit requests per RateWindow; zero disables throttling.
	RateLimit  int
	RateWindow time.Duration
}

// Client is the REST client for the MEXC spot API v3.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	auth       *crypto.HMACAuth
	limiter    domain.RateLimiter
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a REST client. auth may be nil for public endpoints
// only; limiter may be nil.
func NewClient(cfg ClientConfig, auth *crypto.HMACAuth, limiter domain.RateLimiter, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		auth:       auth,
		limiter:    limiter,
		logger:     logger.With(slog.String("component", "mexc_client")),
		now:        time.Now,
	}
}

// HasCredentials reports whether signed endpoints can be called.
func (c *Client) HasCredentials() bool {
	return c.auth != nil && c.auth.Key != "" && c.auth.Secret != ""
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodGet, "/api/v3/ping", nil, false); err != nil {
		return fmt.Errorf("mexc: ping: %w", err)
	}
	return nil
}

// GetTicker returns the 24h ticker of symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v3/ticker/24hr", url.Values{"symbol": {symbol}}, false)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("mexc: get ticker %s: %w", symbol, err)
	}
	var t APITicker
	if err := json.Unmarshal(body, &t); err != nil {
		return domain.Ticker{}, fmt.Errorf("mexc: decode ticker: %w", err)
	}
	if t.Symbol == "" {
		t.Symbol = symbol
	}
	return t.ToDomain(c.now()), nil
}

// GetAccountBalances returns non-zero balances.
func (c *Client) GetAccountBalances(ctx context.Context) ([]domain.Balance, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, fmt.Errorf("mexc: get account: %w", err)
	}
	var acct APIAccount
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("mexc: decode account: %w", err)
	}
	out := make([]domain.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		bal := domain.Balance{Asset: b.Asset, Free: parseFloat(b.Free), Locked: parseFloat(b.Locked)}
		if bal.Free == 0 && bal.Locked == 0 {
			continue
		}
		out = append(out, bal)
	}
	return out, nil
}

// PlaceOrder submits a spot order. Orders acknowledged without a final
// status are queried once so the caller sees the fill.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", string(req.Type))
	params.Set("newClientOrderId", req.ClientOrderID)
	switch {
	case req.Quantity.IsPositive():
		params.Set("quantity", req.Quantity.String())
	case req.QuoteQuantity.IsPositive():
		params.Set("quoteOrderQty", req.QuoteQuantity.String())
	default:
		return domain.OrderResult{}, fmt.Errorf("mexc: place order: no quantity: %w", domain.ErrValidation)
	}
	if req.Type == domain.OrderTypeLimit {
		if !req.Price.IsPositive() {
			return domain.OrderResult{}, fmt.Errorf("mexc: place order: limit order without price: %w", domain.ErrValidation)
		}
		params.Set("price", req.Price.String())
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		var apiErr *ResponseError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
			return domain.OrderResult{
				Status:  domain.OrderStatusRejected,
				Message: apiErr.Msg,
			}, nil
		}
		return domain.OrderResult{ShouldRetry: retryable(err)}, fmt.Errorf("mexc: place order: %w", err)
	}

	var placed APIOrder
	if err := json.Unmarshal(body, &placed); err != nil {
		return domain.OrderResult{}, fmt.Errorf("mexc: decode order: %w", err)
	}
	res := placed.ToDomainOrderResult()
	if res.Status != domain.OrderStatusSubmitted || placed.OrderID == "" {
		return res, nil
	}

	queried, err := c.QueryOrder(ctx, req.Symbol, placed.OrderID)
	if err != nil {
		c.logger.Warn("order status query failed",
			slog.String("symbol", req.Symbol),
			slog.String("order_id", placed.OrderID),
			slog.String("error", err.Error()),
		)
		return res, nil
	}
	return queried, nil
}

// QueryOrder returns the current state of an order.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (domain.OrderResult, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v3/order", url.Values{"symbol": {symbol}, "orderId": {orderID}}, true)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("mexc: query order %s: %w", orderID, err)
	}
	var o APIOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return domain.OrderResult{}, fmt.Errorf("mexc: decode order: %w", err)
	}
	return o.ToDomainOrderResult(), nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/api/v3/order", url.Values{"symbol": {symbol}, "orderId": {orderID}}, true); err != nil {
		return fmt.Errorf("mexc: cancel order %s: %w", orderID, err)
	}
	return nil
}

// ResponseError is a non-2xx reply.
type ResponseError struct {
	Status int
	Code   int
	Msg    string
	base   error
}

func (e *ResponseError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("HTTP %d code %d: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Msg)
}

func (e *ResponseError) Unwrap() error { return e.base }

// do sends a request. Signed requests carry the API key header and an
// HMAC signature over the query string.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	var query string
	if signed {
		if !c.HasCredentials() {
			return nil, fmt.Errorf("signed request without credentials: %w", domain.ErrConfiguration)
		}
		query = c.auth.SignedQuery(params, c.now(), c.cfg.RecvWindow)
	} else if len(params) > 0 {
		query = params.Encode()
	}

	target := c.cfg.BaseURL + path
	if query != "" {
		target += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if signed {
		for k, v := range c.auth.Headers() {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w: %w", domain.ErrExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil || c.cfg.RateLimit <= 0 {
		return nil
	}
	ok, err := c.limiter.Allow(ctx, rateLimitKey, c.cfg.RateLimit, c.cfg.RateWindow)
	if err != nil {
		// Limiter errors fail open.
		c.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return fmt.Errorf("mexc: local request budget exhausted: %w", domain.ErrRateLimited)
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	re := &ResponseError{Status: status, Msg: strings.TrimSpace(string(body))}
	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
		re.Code = apiErr.Code
		re.Msg = apiErr.Msg
	}
	switch {
	case status == http.StatusNotFound:
		re.base = domain.ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		re.base = domain.ErrUnauthorized
	case status == http.StatusTooManyRequests:
		re.base = domain.ErrRateLimited
	case status == http.StatusBadRequest:
		re.base = domain.ErrValidation
	default:
		re.base = domain.ErrExchange
	}
	return re
}

// retryable reports whether an order error may succeed on a second attempt.
func retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrConfiguration), errors.Is(err, context.Canceled):
		return false
	}
	return true
}
