package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Acquisition methods for a credential.
const (
	AcquiredInteractive = "interactive"
	AcquiredRefresh     = "refresh"
)

// Credential is the single live OAuth credential for one external service.
type Credential struct {
	Service      string    `db:"service"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	TokenType    string    `db:"token_type"`
	ExpiresAt    time.Time `db:"expires_at"`
	AcquiredVia  string    `db:"acquired_via"`
	Scope        string    `db:"scope"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// GetCredential returns the credential for a service, or ErrNotFound.
func (s *Store) GetCredential(ctx context.Context, service string) (*Credential, error) {
	var c Credential
	err := s.db.GetContext(ctx, &c, `
		SELECT service, access_token, refresh_token, token_type, expires_at,
		       acquired_via, scope, created_at, updated_at
		FROM credentials WHERE service = ?
	`, service)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &c, nil
}

// UpsertCredential overwrites the single credential row for a service.
// Every write stamps updated_at.
func (s *Store) UpsertCredential(ctx context.Context, c *Credential) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials
			(service, access_token, refresh_token, token_type, expires_at,
			 acquired_via, scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type    = excluded.token_type,
			expires_at    = excluded.expires_at,
			acquired_via  = excluded.acquired_via,
			scope         = excluded.scope,
			updated_at    = excluded.updated_at
	`, c.Service, c.AccessToken, c.RefreshToken, c.TokenType, c.ExpiresAt.UTC(),
		c.AcquiredVia, c.Scope, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}
