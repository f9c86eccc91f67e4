package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

const (
	DefaultWebURL = "https://www.mexc.com"
	symbolsPath   = "/api/platform/spot/market-v2/web/symbolsV2"
	calendarPath  = "/api/operation/new_coin_calendar"
)

// ListingClient reads the web endpoints that expose listing state codes and
// the new-coin calendar. It implements domain.ListingSource.
type ListingClient struct {
	webURL     string
	quote      string
	httpClient *http.Client
	now        func() time.Time
}

// NewListingClient creates a listing source. quote is appended to coin
// names to form symbols.
func NewListingClient(webURL, quote string, timeout time.Duration) *ListingClient {
	if webURL == "" {
		webURL = DefaultWebURL
	}
	if quote == "" {
		quote = "USDT"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ListingClient{
		webURL:     strings.TrimRight(webURL, "/"),
		quote:      strings.ToUpper(quote),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// SymbolSnapshots returns the current state codes of every quote-market
// symbol.
func (l *ListingClient) SymbolSnapshots(ctx context.Context) ([]domain.SymbolSnapshot, error) {
	var resp struct {
		Code int                    `json:"code"`
		Data map[string][]APISymbol `json:"data"`
	}
	if err := l.get(ctx, symbolsPath, &resp); err != nil {
		return nil, fmt.Errorf("mexc: symbols: %w", err)
	}
	now := l.now().UTC()
	rows := resp.Data[l.quote]
	out := make([]domain.SymbolSnapshot, 0, len(rows))
	for i := range rows {
		if rows[i].VcoinName == "" {
			continue
		}
		out = append(out, rows[i].ToDomain(l.quote, now))
	}
	return out, nil
}

// Calendar returns the announced upcoming listings.
func (l *ListingClient) Calendar(ctx context.Context) ([]domain.CalendarEntry, error) {
	var resp struct {
		Data struct {
			NewCoins []APICalendarEntry `json:"newCoins"`
		} `json:"data"`
	}
	path := fmt.Sprintf("%s?timestamp=%d", calendarPath, l.now().UnixMilli())
	if err := l.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("mexc: calendar: %w", err)
	}
	out := make([]domain.CalendarEntry, 0, len(resp.Data.NewCoins))
	for i := range resp.Data.NewCoins {
		e := resp.Data.NewCoins[i]
		if e.VcoinName == "" || e.FirstOpenTime <= 0 {
			continue
		}
		out = append(out, e.ToDomain(l.quote))
	}
	return out, nil
}

func (l *ListingClient) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.webURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w: %w", domain.ErrExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
