package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cursor returns the delta cursor for a (mailbox, folder) stream. An empty
// string means no cursor has been recorded yet and the next run must be a
// full resync.
func (s *Store) Cursor(ctx context.Context, mailbox, folder string) (string, error) {
	var cursor string
	err := s.db.GetContext(ctx, &cursor, `
		SELECT cursor FROM sync_cursors WHERE mailbox = ? AND folder = ?
	`, mailbox, folder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

// AdvanceCursor atomically replaces the cursor for a stream. Callers must
// only advance after the corresponding batch has been durably persisted.
func (s *Store) AdvanceCursor(ctx context.Context, mailbox, folder, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (mailbox, folder, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mailbox, folder) DO UPDATE SET
			cursor     = excluded.cursor,
			updated_at = excluded.updated_at
	`, mailbox, folder, cursor, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

// InvalidateCursor resets a stream's cursor to empty, forcing the next run
// for that stream to perform a full resync.
func (s *Store) InvalidateCursor(ctx context.Context, mailbox, folder string) error {
	return s.AdvanceCursor(ctx, mailbox, folder, "")
}
