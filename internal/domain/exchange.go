package domain

import "context"

// TradeExecutor is the trade execution capability. Live and paper trading
// are interchangeable implementations.
type TradeExecutor interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetAccountBalances(ctx context.Context) ([]Balance, error)
	Ping(ctx context.Context) error
}

// ListingSource supplies the inputs for pattern detection.
type ListingSource interface {
	SymbolSnapshots(ctx context.Context) ([]SymbolSnapshot, error)
	Calendar(ctx context.Context) ([]CalendarEntry, error)
}

// Credentials are exchange API credentials bound to a user.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// CredentialStore resolves exchange credentials. A nil result with a nil
// error means the user has none configured.
type CredentialStore interface {
	GetUserCredentials(ctx context.Context, userID, provider string) (*Credentials, error)
}

// SessionProvider resolves the acting user for orchestrator operations.
type SessionProvider interface {
	CurrentUserID(ctx context.Context) (string, error)
}
