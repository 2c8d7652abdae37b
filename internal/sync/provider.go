package sync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Well-known folders. Inbox and sent are independent delta streams merged
// only at the conversation level.
const (
	FolderInbox = "inbox"
	FolderSent  = "sent"
)

// Stream identifies one (mailbox, folder) delta stream.
type Stream struct {
	Mailbox string
	Folder  string
}

func (s Stream) String() string {
	return fmt.Sprintf("%s/%s", s.Mailbox, s.Folder)
}

// MessageMeta is a provider record normalized to the internal shape.
// PositionKey is hex-encoded so byte-wise comparison of the string matches
// byte-wise comparison of the provider's raw conversation index.
type MessageMeta struct {
	MessageID      string
	ConversationID string
	PositionKey    string
	Subject        string
	Sender         string
	BodyPreview    string
	IsReply        bool
	IsForward      bool
	Date           time.Time
}

// Page is one page of a paginated delta fetch. NextPage non-empty means
// more pages follow within this run; NextCursor non-empty is the provider's
// new resume marker, safe to persist once the page's messages are durable.
type Page struct {
	Messages   []MessageMeta
	NextPage   string
	NextCursor string
}

// MailProvider exposes a paginated delta fetch per stream. The first page
// of a run is requested with the stored cursor (empty means full resync);
// subsequent pages pass the previous page's NextPage token.
type MailProvider interface {
	FetchPage(ctx context.Context, stream Stream, cursor, pageToken string) (*Page, error)
}

// ErrCursorInvalid is returned by a provider when the given cursor is no
// longer recognized. The engine resets the stream and performs a full
// resync; it is not an operator-facing failure.
var ErrCursorInvalid = errors.New("sync: cursor invalid")

// TransientError wraps a network, timeout, or 5xx failure on a page fetch.
// The engine retries these in place with bounded backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried by the engine.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
