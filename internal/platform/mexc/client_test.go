package mexc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/crypto"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc, auth *crypto.HMACAuth, limiter domain.RateLimiter, limit int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{BaseURL: srv.URL, RateLimit: limit}, auth, limiter, nil)
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c
}

func TestGetTicker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		assert.Equal(t, "AAAUSDT", r.URL.Query().Get("symbol"))
		assert.Empty(t, r.Header.Get(crypto.APIKeyHeader), "public endpoints are unsigned")
		_, _ = w.Write([]byte(`{"symbol":"AAAUSDT","lastPrice":"2.5","priceChangePercent":"0.1","volume":"1000",
			"quoteVolume":"2500","highPrice":"3","lowPrice":"2","bidPrice":"2.49","askPrice":"2.51","closeTime":1700000000000}`))
	}, nil, nil, 0)

	tk, err := c.GetTicker(context.Background(), "AAAUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2.5, tk.LastPrice)
	assert.InDelta(t, 10.0, tk.PriceChangePct, 1e-9, "fraction is converted to percent")
	assert.Equal(t, 2.49, tk.BidPrice)
	assert.Equal(t, 2.51, tk.AskPrice)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), tk.ObservedAt)
}

func TestPlaceOrderSigned(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "key", Secret: "secret"}
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "key", r.Header.Get(crypto.APIKeyHeader))
		raw := r.URL.RawQuery
		sig := r.URL.Query().Get("signature")
		unsigned := raw[:len(raw)-len("&signature=")-len(sig)]
		assert.Equal(t, auth.Sign(unsigned), sig, "signature covers the query as sent")

		switch r.Method {
		case http.MethodPost:
			q := r.URL.Query()
			assert.Equal(t, "BUY", q.Get("side"))
			assert.Equal(t, "MARKET", q.Get("type"))
			assert.Equal(t, "100", q.Get("quoteOrderQty"))
			assert.Equal(t, "1700000000000", q.Get("timestamp"))
			_, _ = w.Write([]byte(`{"symbol":"AAAUSDT","orderId":"42","price":"0","origQty":"","type":"MARKET","side":"BUY"}`))
		case http.MethodGet:
			assert.Equal(t, "42", r.URL.Query().Get("orderId"))
			_, _ = w.Write([]byte(`{"symbol":"AAAUSDT","orderId":"42","status":"FILLED","executedQty":"40","cummulativeQuoteQty":"100"}`))
		}
	}, auth, nil, 0)

	res, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		ClientOrderID: "c1",
		Symbol:        "AAAUSDT",
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeMarket,
		QuoteQuantity: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "an unreported status is queried once")
	assert.True(t, res.Success)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
	assert.True(t, res.FilledQuantity.Equal(decimal.NewFromInt(40)))
	assert.True(t, res.AvgPrice.Equal(decimal.RequireFromString("2.5")))
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantErr     error
		wantResult  domain.OrderStatus
		wantRetry   bool
		description string
	}{
		{
			name:        "bad request is a rejection",
			status:      http.StatusBadRequest,
			body:        `{"code":30004,"msg":"Insufficient position"}`,
			wantResult:  domain.OrderStatusRejected,
			description: "business rejections are results, not errors",
		},
		{
			name:        "unauthorized",
			status:      http.StatusUnauthorized,
			body:        `{"code":700002,"msg":"Signature for this request is not valid."}`,
			wantErr:     domain.ErrUnauthorized,
			description: "auth failures are not retried",
		},
		{
			name:        "rate limited",
			status:      http.StatusTooManyRequests,
			body:        `{"code":429,"msg":"Too many requests"}`,
			wantErr:     domain.ErrRateLimited,
			wantRetry:   true,
			description: "throttling may succeed later",
		},
		{
			name:        "server error",
			status:      http.StatusBadGateway,
			body:        `bad gateway`,
			wantErr:     domain.ErrExchange,
			wantRetry:   true,
			description: "upstream faults are exchange errors",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, &crypto.HMACAuth{Key: "k", Secret: "s"}, nil, 0)

			res, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
				ClientOrderID: "c", Symbol: "AAAUSDT", Side: domain.OrderSideSell,
				Type: domain.OrderTypeMarket, Quantity: decimal.NewFromInt(1),
			})
			if tt.wantErr == nil {
				require.NoError(t, err, tt.description)
				assert.Equal(t, tt.wantResult, res.Status, tt.description)
				assert.False(t, res.Success)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr, tt.description)
			assert.Equal(t, tt.wantRetry, res.ShouldRetry, tt.description)
		})
	}
}

func TestSignedWithoutCredentials(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	}, nil, nil, 0)
	_, err := c.GetAccountBalances(context.Background())
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.False(t, c.HasCredentials())
}

type denyLimiter struct{ calls atomic.Int32 }

func (d *denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	d.calls.Add(1)
	return false, nil
}

func TestRateLimiterDenies(t *testing.T) {
	lim := &denyLimiter{}
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("throttled request reached the server")
	}, nil, lim, 5)
	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, int32(1), lim.calls.Load())
}

func TestAccountBalances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/account", r.URL.Path)
		_, _ = w.Write([]byte(`{"canTrade":true,"balances":[{"asset":"USDT","free":"150.5","locked":"0"},{"asset":"DUST","free":"0","locked":"0"}]}`))
	}, &crypto.HMACAuth{Key: "k", Secret: "s"}, nil, 0)

	bal, err := c.GetAccountBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Balance{{Asset: "USDT", Free: 150.5}}, bal, "empty balances are dropped")
}

func TestListingClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case symbolsPath:
			_, _ = w.Write([]byte(`{"code":0,"data":{"USDT":[
				{"id":"v1","vn":"aaa","sts":2,"st":2,"tt":4,"ps":4,"qs":2,"ot":1700000000000},
				{"id":"v2","vn":"","sts":1,"st":1,"tt":1}]}}`))
		case calendarPath:
			assert.NotEmpty(t, r.URL.Query().Get("timestamp"))
			_, _ = w.Write([]byte(`{"data":{"newCoins":[
				{"vcoinId":"v3","vcoinName":"BBB","projectName":"Bee","firstOpenTime":1700003600000,"zone":"NEW"},
				{"vcoinId":"v4","vcoinName":"CCC","projectName":"Sea","firstOpenTime":0}]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := NewListingClient(srv.URL, "usdt", 0)
	snaps, err := l.SymbolSnapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "AAAUSDT", snaps[0].Symbol)
	assert.True(t, snaps[0].Codes.IsReady())
	require.NotNil(t, snaps[0].PriceScale)
	assert.Equal(t, 4, *snaps[0].PriceScale)

	cal, err := l.Calendar(context.Background())
	require.NoError(t, err)
	require.Len(t, cal, 1, "entries without an open time are skipped")
	assert.Equal(t, "BBBUSDT", cal[0].Symbol)
	assert.Equal(t, []string{"NEW"}, cal[0].Tags)
}

func TestSignedQueryRoundTrip(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "k", Secret: "s"}
	q := auth.SignedQueryAt(url.Values{"symbol": {"AAAUSDT"}}, 1, time.Second)
	parsed, err := url.ParseQuery(q)
	require.NoError(t, err)
	assert.Equal(t, "1000", parsed.Get("recvWindow"))
	assert.Len(t, parsed.Get("signature"), 64)
}
