package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/mailflow/internal/store"
)

// CredentialStore is the durable credential layer the refresher runs on.
type CredentialStore interface {
	GetCredential(ctx context.Context, service string) (*store.Credential, error)
	UpsertCredential(ctx context.Context, c *store.Credential) error
}

// Refresher guarantees callers always observe a non-expired credential.
// Refreshes are single-flight per service: concurrent callers for the same
// service share one in-flight exchange, while different services proceed
// independently.
type Refresher struct {
	store     CredentialStore
	exchanger Exchanger

	// Margin is how long before expiry a credential is refreshed.
	Margin time.Duration
	// MaxAttempts bounds retries of transient exchange failures.
	MaxAttempts int
	// Backoff is the initial retry delay, doubled per attempt.
	Backoff time.Duration

	group singleflight.Group
}

// NewRefresher creates a refresher with default margin and retry policy.
func NewRefresher(cs CredentialStore, ex Exchanger) *Refresher {
	return &Refresher{
		store:       cs,
		exchanger:   ex,
		Margin:      2 * time.Minute,
		MaxAttempts: 3,
		Backoff:     time.Second,
	}
}

// EnsureValid returns a currently valid access token for the service,
// refreshing the stored credential first if it is expired or about to
// expire. A rejected refresh grant surfaces as ErrAuthRequired.
func (r *Refresher) EnsureValid(ctx context.Context, service string) (string, error) {
	cred, err := r.store.GetCredential(ctx, service)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("service %s has no credential: %w", service, ErrAuthRequired)
		}
		return "", err
	}

	if time.Now().Add(r.Margin).Before(cred.ExpiresAt) {
		return cred.AccessToken, nil
	}

	// The flight is shared by every waiter, so it must outlive the caller
	// that happened to trigger it: one caller cancelling must not fail the
	// exchange for the rest.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(service, func() (any, error) {
		return r.refresh(flightCtx, service)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh performs the exchange and persists the new credential. It runs at
// most once concurrently per service, shared by all waiting callers.
func (r *Refresher) refresh(ctx context.Context, service string) (string, error) {
	// Re-read inside the flight: a refresh that completed while we waited
	// for the lock already renewed the credential.
	cred, err := r.store.GetCredential(ctx, service)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("service %s has no credential: %w", service, ErrAuthRequired)
		}
		return "", err
	}
	if time.Now().Add(r.Margin).Before(cred.ExpiresAt) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", fmt.Errorf("service %s has no refresh token: %w", service, ErrAuthRequired)
	}

	var resp *TokenResponse
	backoff := r.Backoff
	for attempt := 1; ; attempt++ {
		resp, err = r.exchanger.Refresh(ctx, service, cred.RefreshToken)
		if err == nil {
			break
		}
		if !IsTransient(err) || attempt >= r.MaxAttempts {
			return "", err
		}
		log.Printf("refresh attempt %d for %s failed: %v", attempt, service, err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	// A token that is already expired on arrival is unusable; treat it
	// like a rejected grant rather than persisting it.
	if resp.ExpiresIn <= 0 {
		return "", fmt.Errorf("token endpoint returned non-positive expiry (%d) for %s: %w",
			resp.ExpiresIn, service, ErrAuthRequired)
	}

	updated := &store.Credential{
		Service:      service,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		AcquiredVia:  store.AcquiredRefresh,
		Scope:        resp.Scope,
	}
	// Providers may omit rotated fields; keep the previous values.
	if updated.RefreshToken == "" {
		updated.RefreshToken = cred.RefreshToken
	}
	if updated.TokenType == "" {
		updated.TokenType = cred.TokenType
	}
	if updated.Scope == "" {
		updated.Scope = cred.Scope
	}

	if err := r.store.UpsertCredential(ctx, updated); err != nil {
		return "", fmt.Errorf("persist refreshed credential: %w", err)
	}

	log.Printf("refreshed credential for %s, expires %s", service, updated.ExpiresAt.Format(time.RFC3339))
	return updated.AccessToken, nil
}
