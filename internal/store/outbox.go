package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// execer is the subset of sqlx.Tx / sqlx.DB used by outbox writers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OutboxEvent is a pending event awaiting publication.
type OutboxEvent struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
}

// enqueueOutboxTx inserts one outbox row. msgID is the deduplication key:
// a repeat enqueue with the same msgID is ignored here, and the JetStream
// duplicate window catches redeliveries on the publish side.
func (s *Store) enqueueOutboxTx(ctx context.Context, tx execer, subject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// EnqueueAuthRequired queues the operator-facing alert that a service's
// refresh token was rejected and human re-authorization is needed.
func (s *Store) EnqueueAuthRequired(ctx context.Context, service, detail string) error {
	payload, err := json.Marshal(map[string]any{
		"event_id": uuid.NewString(),
		"ts":       time.Now().Unix(),
		"service":  service,
		"detail":   detail,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	// One alert per service per hour; msg_id dedupe absorbs repeats.
	msgID := fmt.Sprintf("mail.auth_required|%s|%d", service, time.Now().Unix()/3600)
	return s.enqueueOutboxTx(ctx, s.db, "mail.auth_required", "mail.auth_required", payload, msgID)
}

// DequeueOutbox fetches up to limit unpublished events whose next attempt
// is due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	var events []OutboxEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return events, nil
}

// MarkPublished marks an outbox event as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and schedules the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
