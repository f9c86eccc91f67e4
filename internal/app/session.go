package app

import (
	"context"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// staticSession acts for the single configured user.
type staticSession string

func (s staticSession) CurrentUserID(context.Context) (string, error) {
	if s == "" {
		return "", domain.ErrAuthRequired
	}
	return string(s), nil
}

// staticCredentials serves credentials resolved from configuration when no
// credential table is available, and for paper trading.
type staticCredentials struct {
	creds *domain.Credentials
}

func (s staticCredentials) GetUserCredentials(context.Context, string, string) (*domain.Credentials, error) {
	if s.creds == nil {
		return nil, nil
	}
	c := *s.creds
	return &c, nil
}
