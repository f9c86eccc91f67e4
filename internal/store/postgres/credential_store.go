package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/crypto"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// CredentialStore implements domain.CredentialStore. Secrets are sealed
// with the master passphrase before they reach the database.
type CredentialStore struct {
	pool       *pgxpool.Pool
	passphrase string
}

// NewCredentialStore creates a CredentialStore that seals secrets with
// passphrase.
func NewCredentialStore(pool *pgxpool.Pool, passphrase string) *CredentialStore {
	return &CredentialStore{pool: pool, passphrase: passphrase}
}

// Put stores or replaces the credentials of a user for provider.
func (s *CredentialStore) Put(ctx context.Context, userID, provider string, creds domain.Credentials) error {
	if creds.APIKey == "" || creds.SecretKey == "" {
		return fmt.Errorf("postgres: put credentials: %w", domain.ErrValidation)
	}
	sealed, err := crypto.EncryptSecret(creds.SecretKey, s.passphrase)
	if err != nil {
		return fmt.Errorf("postgres: seal credentials: %w", err)
	}
	const query = `
		INSERT INTO user_credentials (user_id, provider, api_key, sealed_secret)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			sealed_secret = EXCLUDED.sealed_secret,
			updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, userID, provider, creds.APIKey, sealed); err != nil {
		return fmt.Errorf("postgres: put credentials for %s: %w", userID, err)
	}
	return nil
}

// GetUserCredentials returns nil, nil when the user has none stored.
func (s *CredentialStore) GetUserCredentials(ctx context.Context, userID, provider string) (*domain.Credentials, error) {
	var (
		apiKey string
		sealed []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT api_key, sealed_secret FROM user_credentials WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	).Scan(&apiKey, &sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get credentials for %s: %w", userID, err)
	}
	secret, err := crypto.DecryptSecret(sealed, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("postgres: open credentials for %s: %w", userID, err)
	}
	return &domain.Credentials{APIKey: apiKey, SecretKey: secret}, nil
}
