package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MessageState is the mutable operational state of one message, created
// lazily on first mutation. Each flag and its timestamp always change
// together: a flag is true exactly when its timestamp is set.
type MessageState struct {
	MessageID        string     `db:"message_id"`
	Pinned           bool       `db:"pinned"`
	PinnedAt         *time.Time `db:"pinned_at"`
	FollowUpSent     bool       `db:"follow_up_sent"`
	FollowUpSentAt   *time.Time `db:"follow_up_sent_at"`
	Validated        bool       `db:"validated"`
	ValidationResult []byte     `db:"validation_result"`
	ValidatedAt      *time.Time `db:"validated_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// GetMessageState returns the state row for a message. A message that was
// never mutated has a zero-value state rather than an error.
func (s *Store) GetMessageState(ctx context.Context, messageID string) (*MessageState, error) {
	var st MessageState
	err := s.db.GetContext(ctx, &st, `
		SELECT * FROM message_states WHERE message_id = ?
	`, messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &MessageState{MessageID: messageID}, nil
		}
		return nil, fmt.Errorf("failed to load message state: %w", err)
	}
	return &st, nil
}

// SetPinned sets or clears the pinned flag. Pinning stamps pinned_at;
// unpinning clears it.
func (s *Store) SetPinned(ctx context.Context, messageID string, pinned bool) error {
	now := time.Now().UTC()
	var pinnedAt *time.Time
	if pinned {
		pinnedAt = &now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_states (message_id, pinned, pinned_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			pinned     = excluded.pinned,
			pinned_at  = excluded.pinned_at,
			updated_at = excluded.updated_at
	`, messageID, pinned, pinnedAt, now)
	if err != nil {
		return fmt.Errorf("failed to set pinned: %w", err)
	}
	return nil
}

// RecordFollowUpSent records that a follow-up was sent for a message at the
// given time.
func (s *Store) RecordFollowUpSent(ctx context.Context, messageID string, when time.Time) error {
	now := time.Now().UTC()
	sentAt := when.UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_states (message_id, follow_up_sent, follow_up_sent_at, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			follow_up_sent    = 1,
			follow_up_sent_at = excluded.follow_up_sent_at,
			updated_at        = excluded.updated_at
	`, messageID, sentAt, now)
	if err != nil {
		return fmt.Errorf("failed to record follow-up: %w", err)
	}
	return nil
}

// RecordValidation stores the downstream validator's outcome for a message.
// The outcome is an opaque structured blob; the store does not interpret it.
func (s *Store) RecordValidation(ctx context.Context, messageID string, outcome []byte) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_states (message_id, validated, validation_result, validated_at, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			validated         = 1,
			validation_result = excluded.validation_result,
			validated_at      = excluded.validated_at,
			updated_at        = excluded.updated_at
	`, messageID, outcome, now, now)
	if err != nil {
		return fmt.Errorf("failed to record validation: %w", err)
	}
	return nil
}
