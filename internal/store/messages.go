package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message directions.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Message is the immutable content record for one provider message.
// ConversationID and PositionKey are fixed at first observation; the
// remaining provider-side fields are last-write-wins on re-ingestion.
type Message struct {
	ID             string    `db:"id"`
	Mailbox        string    `db:"mailbox"`
	Folder         string    `db:"folder"`
	Direction      string    `db:"direction"`
	ConversationID string    `db:"conversation_id"`
	PositionKey    string    `db:"position_key"`
	Subject        string    `db:"subject"`
	Sender         string    `db:"sender"`
	BodyPreview    string    `db:"body_preview"`
	IsReply        bool      `db:"is_reply"`
	IsForward      bool      `db:"is_forward"`
	SentAt         time.Time `db:"sent_at"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Anomaly records a re-observed message that claimed different immutable
// fields than the first observation. The later record is ignored.
type Anomaly struct {
	MessageID      string
	ConversationID string
	PositionKey    string
}

// IngestResult summarizes one persisted page.
type IngestResult struct {
	Inserted  int
	Updated   int
	Anomalies []Anomaly
}

// IngestMessages persists a page of normalized messages in one transaction.
// Upserts are idempotent by message id: new messages are inserted and an
// ingestion event is queued in the outbox; known messages have their mutable
// fields updated while conversation id and position key keep their
// first-observed values. Conflicting immutable fields are reported as
// anomalies, never applied.
func (s *Store) IngestMessages(ctx context.Context, msgs []Message) (*IngestResult, error) {
	res := &IngestResult{}
	if len(msgs) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i := range msgs {
		m := &msgs[i]

		var existing struct {
			ConversationID string `db:"conversation_id"`
			PositionKey    string `db:"position_key"`
		}
		err := tx.GetContext(ctx, &existing, `
			SELECT conversation_id, position_key FROM messages WHERE id = ?
		`, m.ID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO messages
					(id, mailbox, folder, direction, conversation_id, position_key,
					 subject, sender, body_preview, is_reply, is_forward, sent_at,
					 created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, m.ID, m.Mailbox, m.Folder, m.Direction, m.ConversationID, m.PositionKey,
				m.Subject, m.Sender, m.BodyPreview, m.IsReply, m.IsForward, m.SentAt.UTC(),
				now, now)
			if err != nil {
				return nil, fmt.Errorf("failed to insert message %s: %w", m.ID, err)
			}
			if err := s.enqueueIngestedTx(ctx, tx, m); err != nil {
				return nil, err
			}
			res.Inserted++

		case err != nil:
			return nil, fmt.Errorf("failed to read message %s: %w", m.ID, err)

		default:
			if existing.ConversationID != m.ConversationID || existing.PositionKey != m.PositionKey {
				res.Anomalies = append(res.Anomalies, Anomaly{
					MessageID:      m.ID,
					ConversationID: m.ConversationID,
					PositionKey:    m.PositionKey,
				})
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE messages SET
					mailbox      = ?,
					folder       = ?,
					direction    = ?,
					subject      = ?,
					sender       = ?,
					body_preview = ?,
					is_reply     = ?,
					is_forward   = ?,
					sent_at      = ?,
					updated_at   = ?
				WHERE id = ?
			`, m.Mailbox, m.Folder, m.Direction, m.Subject, m.Sender, m.BodyPreview,
				m.IsReply, m.IsForward, m.SentAt.UTC(), now, m.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to update message %s: %w", m.ID, err)
			}
			res.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}

// enqueueIngestedTx queues a mail.ingested event for a newly stored message
// in the same transaction as the insert.
func (s *Store) enqueueIngestedTx(ctx context.Context, tx execer, m *Message) error {
	payload, err := json.Marshal(map[string]any{
		"event_id":            uuid.NewString(),
		"ts":                  time.Now().Unix(),
		"mailbox":             m.Mailbox,
		"folder":              m.Folder,
		"direction":           m.Direction,
		"provider_message_id": m.ID,
		"conversation_id":     m.ConversationID,
		"subject":             m.Subject,
		"sender":              m.Sender,
		"msg_date":            m.SentAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msgID := fmt.Sprintf("mail.ingested|%s|%s", m.Mailbox, m.ID)
	return s.enqueueOutboxTx(ctx, tx, "mail.ingested", "mail.ingested", payload, msgID)
}

// GetMessage returns one message by provider id, or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := s.db.GetContext(ctx, &m, `SELECT * FROM messages WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return &m, nil
}

// ConversationMessages returns all messages sharing a conversation id,
// across folders and directions. Ordering is left to the thread assembler.
func (s *Store) ConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT * FROM messages WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return msgs, nil
}

// MailboxMessages returns all messages for one mailbox across folders.
func (s *Store) MailboxMessages(ctx context.Context, mailbox string) ([]Message, error) {
	var msgs []Message
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT * FROM messages WHERE mailbox = ? ORDER BY sent_at
	`, mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox messages: %w", err)
	}
	return msgs, nil
}
