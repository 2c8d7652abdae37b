package sync

import (
	"context"
	"log"
	"time"

	"github.com/Martian-dev/mailflow/internal/store"
)

// EventPublisher delivers one outbox event; msgID is the downstream
// deduplication key.
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the transactional outbox to the event publisher.
// Ingestion only ever writes events inside the same transaction as the
// message rows, so everything persisted is eventually published at least
// once; msg-id dedupe absorbs the duplicates.
type Dispatcher struct {
	Store     *store.Store
	Publisher EventPublisher

	// RetryBackoff delays a failed event's next attempt. Zero means 10s.
	RetryBackoff time.Duration
}

// Run dispatches until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	retryBackoff := d.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 10 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := d.Store.DequeueOutbox(ctx, 100)
		if err != nil {
			log.Printf("error dequeuing outbox: %v", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		if len(events) == 0 {
			if !sleepCtx(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}

		for _, ev := range events {
			if err := d.Publisher.Publish(ev.Subject, ev.Payload, ev.MsgID); err != nil {
				log.Printf("error publishing event %d: %v", ev.ID, err)
				_ = d.Store.MarkOutboxRetry(ctx, ev.ID, retryBackoff)
				continue
			}
			if err := d.Store.MarkPublished(ctx, ev.ID); err != nil {
				log.Printf("error marking event %d published: %v", ev.ID, err)
			}
		}
	}
}

// sleepCtx waits for d or cancellation, reporting false when cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
