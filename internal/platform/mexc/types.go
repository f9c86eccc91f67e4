package mexc

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// APIError is the error body returned by the REST API.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// APIOrder is the response of POST /api/v3/order.
type APIOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             string `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	TransactTime        int64  `json:"transactTime"`
}

// ToDomainOrderResult converts the exchange response. A response without a
// status maps to submitted.
func (o *APIOrder) ToDomainOrderResult() domain.OrderResult {
	status := mapOrderStatus(o.Status)
	filled := parseDecimal(o.ExecutedQty)
	avg := decimal.Zero
	if quote := parseDecimal(o.CummulativeQuoteQty); filled.IsPositive() && quote.IsPositive() {
		avg = quote.Div(filled)
	} else if p := parseDecimal(o.Price); p.IsPositive() {
		avg = p
	}
	return domain.OrderResult{
		Success:         o.OrderID != "" && status != domain.OrderStatusRejected,
		ExchangeOrderID: o.OrderID,
		Status:          status,
		FilledQuantity:  filled,
		AvgPrice:        avg,
	}
}

func mapOrderStatus(s string) domain.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return domain.OrderStatusSubmitted
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "PARTIALLY_CANCELED":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	case "EXPIRED":
		return domain.OrderStatusExpired
	}
	return domain.OrderStatusSubmitted
}

// APITicker is one entry of GET /api/v3/ticker/24hr.
type APITicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	CloseTime          int64  `json:"closeTime"`
}

// ToDomain converts the ticker. The exchange reports priceChangePercent as
// a fraction.
func (t *APITicker) ToDomain(now time.Time) domain.Ticker {
	observed := now
	if t.CloseTime > 0 {
		observed = time.UnixMilli(t.CloseTime).UTC()
	}
	return domain.Ticker{
		Symbol:         t.Symbol,
		LastPrice:      parseFloat(t.LastPrice),
		PriceChangePct: parseFloat(t.PriceChangePercent) * 100,
		Volume:         parseFloat(t.Volume),
		QuoteVolume:    parseFloat(t.QuoteVolume),
		HighPrice:      parseFloat(t.HighPrice),
		LowPrice:       parseFloat(t.LowPrice),
		BidPrice:       parseFloat(t.BidPrice),
		AskPrice:       parseFloat(t.AskPrice),
		ObservedAt:     observed,
	}
}

// APIAccount is the response of GET /api/v3/account.
type APIAccount struct {
	CanTrade bool         `json:"canTrade"`
	Balances []APIBalance `json:"balances"`
}

// APIBalance is one asset balance.
type APIBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// APISymbol is one entry of the web symbols listing, which carries the
// listing state codes the public API omits.
type APISymbol struct {
	ID         string `json:"id"`
	VcoinName  string `json:"vn"`
	CurrencyCD string `json:"cd"`
	CA         string `json:"ca"`
	Sts        int    `json:"sts"`
	St         int    `json:"st"`
	Tt         int    `json:"tt"`
	Ps         *int   `json:"ps"`
	Qs         *int   `json:"qs"`
	Ot         int64  `json:"ot"`
}

// ToDomain converts the symbol entry using quote as the quote asset.
func (s *APISymbol) ToDomain(quote string, now time.Time) domain.SymbolSnapshot {
	snap := domain.SymbolSnapshot{
		Symbol:          strings.ToUpper(s.VcoinName) + quote,
		VcoinID:         s.ID,
		Codes:           domain.StatusCodes{StatusStage: s.Sts, State: s.St, TradingType: s.Tt},
		CurrencyCode:    s.CurrencyCD,
		ContractAddress: s.CA,
		PriceScale:      s.Ps,
		QuantityScale:   s.Qs,
		ObservedAt:      now,
	}
	if s.Ot > 0 {
		ot := time.UnixMilli(s.Ot).UTC()
		snap.OpenTime = &ot
	}
	return snap
}

// APICalendarEntry is one entry of the new-coin calendar.
type APICalendarEntry struct {
	VcoinID       string `json:"vcoinId"`
	VcoinName     string `json:"vcoinName"`
	ProjectName   string `json:"projectName"`
	FirstOpenTime int64  `json:"firstOpenTime"`
	Zone          string `json:"zone"`
}

// ToDomain converts the calendar entry.
func (e *APICalendarEntry) ToDomain(quote string) domain.CalendarEntry {
	out := domain.CalendarEntry{
		VcoinID:     e.VcoinID,
		Symbol:      strings.ToUpper(e.VcoinName) + quote,
		ProjectName: e.ProjectName,
		QuoteAsset:  quote,
	}
	if e.FirstOpenTime > 0 {
		out.FirstOpenTime = time.UnixMilli(e.FirstOpenTime).UTC()
	}
	if e.Zone != "" {
		out.Tags = []string{e.Zone}
	}
	return out
}

// wsCommand is a client-to-server websocket message.
type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
}

// wsEnvelope covers both control replies and channel pushes.
type wsEnvelope struct {
	ID   int     `json:"id"`
	Code int     `json:"code"`
	Msg  string  `json:"msg"`
	C    string  `json:"c"`
	S    string  `json:"s"`
	T    int64   `json:"t"`
	D    *wsData `json:"d"`
}

type wsData struct {
	Deals []wsDeal `json:"deals"`
	E     string   `json:"e"`
}

type wsDeal struct {
	S int    `json:"S"`
	P string `json:"p"`
	T int64  `json:"t"`
	V string `json:"v"`
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
