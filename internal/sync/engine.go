package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Martian-dev/mailflow/internal/store"
)

// Storage is the durable-state surface the engine drives: cursors and
// idempotent message persistence.
type Storage interface {
	Cursor(ctx context.Context, mailbox, folder string) (string, error)
	AdvanceCursor(ctx context.Context, mailbox, folder, cursor string) error
	InvalidateCursor(ctx context.Context, mailbox, folder string) error
	IngestMessages(ctx context.Context, msgs []store.Message) (*store.IngestResult, error)
}

// Engine pulls all changes since a stream's last cursor in paginated
// requests and persists them idempotently. The cursor is only advanced
// after a page's messages are durable, so a crash at any point is safe to
// replay.
type Engine struct {
	Store    Storage
	Provider MailProvider

	// MaxRetries bounds in-place retries of transient page-fetch failures.
	MaxRetries int
	// Backoff is the initial retry delay, doubled per attempt.
	Backoff time.Duration
}

// NewEngine creates an engine with the default retry policy.
func NewEngine(st Storage, p MailProvider) *Engine {
	return &Engine{
		Store:      st,
		Provider:   p,
		MaxRetries: 3,
		Backoff:    time.Second,
	}
}

// RunStream drains one stream: fetch pages from the stored cursor until the
// provider reports no more, persisting each page before advancing. A stale
// cursor triggers an in-run full resync. Cancellation is cooperative,
// checked before each page fetch.
func (e *Engine) RunStream(ctx context.Context, stream Stream) error {
	cursor, err := e.Store.Cursor(ctx, stream.Mailbox, stream.Folder)
	if err != nil {
		return err
	}
	if cursor == "" {
		log.Printf("full resync for %s", stream)
	}

	pageToken := ""
	resynced := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		page, err := e.fetchPage(ctx, stream, cursor, pageToken)
		if errors.Is(err, ErrCursorInvalid) {
			if resynced {
				return fmt.Errorf("provider rejected a fresh cursor for %s: %w", stream, err)
			}
			log.Printf("cursor stale for %s, restarting as full resync", stream)
			if err := e.Store.InvalidateCursor(ctx, stream.Mailbox, stream.Folder); err != nil {
				return err
			}
			cursor, pageToken = "", ""
			resynced = true
			continue
		}
		if err != nil {
			return fmt.Errorf("fetch page for %s: %w", stream, err)
		}

		res, err := e.Store.IngestMessages(ctx, e.toMessages(stream, page.Messages))
		if err != nil {
			// Abort without advancing the cursor; the run resumes from the
			// same page and re-processing is idempotent by message id.
			return fmt.Errorf("persist page for %s: %w", stream, err)
		}
		for _, a := range res.Anomalies {
			log.Printf("ignoring conflicting thread position for %s (conversation %s, key %s)",
				a.MessageID, a.ConversationID, a.PositionKey)
		}
		if res.Inserted > 0 || res.Updated > 0 {
			log.Printf("ingested page for %s: %d new, %d updated", stream, res.Inserted, res.Updated)
		}

		if page.NextCursor != "" {
			if err := e.Store.AdvanceCursor(ctx, stream.Mailbox, stream.Folder, page.NextCursor); err != nil {
				return err
			}
		}

		if page.NextPage == "" {
			return nil
		}
		pageToken = page.NextPage
	}
}

// fetchPage retries transient failures in place with doubling backoff.
func (e *Engine) fetchPage(ctx context.Context, stream Stream, cursor, pageToken string) (*Page, error) {
	backoff := e.Backoff
	for attempt := 1; ; attempt++ {
		page, err := e.Provider.FetchPage(ctx, stream, cursor, pageToken)
		if err == nil {
			return page, nil
		}
		if !IsTransient(err) || attempt >= e.MaxRetries {
			return nil, err
		}
		log.Printf("fetch attempt %d for %s failed: %v", attempt, stream, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// toMessages maps normalized provider records onto message rows. Direction
// follows the stream: sent-folder records are outgoing mail.
func (e *Engine) toMessages(stream Stream, metas []MessageMeta) []store.Message {
	direction := store.DirectionIncoming
	if stream.Folder == FolderSent {
		direction = store.DirectionOutgoing
	}

	msgs := make([]store.Message, 0, len(metas))
	for _, meta := range metas {
		msgs = append(msgs, store.Message{
			ID:             meta.MessageID,
			Mailbox:        stream.Mailbox,
			Folder:         stream.Folder,
			Direction:      direction,
			ConversationID: meta.ConversationID,
			PositionKey:    meta.PositionKey,
			Subject:        meta.Subject,
			Sender:         meta.Sender,
			BodyPreview:    meta.BodyPreview,
			IsReply:        meta.IsReply,
			IsForward:      meta.IsForward,
			SentAt:         meta.Date,
		})
	}
	return msgs
}
