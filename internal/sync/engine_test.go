package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailflow/internal/store"
)

var testStream = Stream{Mailbox: "sales@example.com", Folder: FolderInbox}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// scriptedProvider replays a fixed sequence of pages or errors, keyed by
// call order.
type scriptedProvider struct {
	t       *testing.T
	script  []any // *Page or error
	calls   int
	cursors []string // cursor argument observed per call
}

func (p *scriptedProvider) FetchPage(_ context.Context, _ Stream, cursor, pageToken string) (*Page, error) {
	p.cursors = append(p.cursors, cursor)
	if p.calls >= len(p.script) {
		p.t.Fatalf("unexpected fetch call %d (cursor %q, page %q)", p.calls+1, cursor, pageToken)
	}
	step := p.script[p.calls]
	p.calls++

	if err, ok := step.(error); ok {
		return nil, err
	}
	return step.(*Page), nil
}

func meta(id, conv, key string) MessageMeta {
	return MessageMeta{
		MessageID:      id,
		ConversationID: conv,
		PositionKey:    key,
		Subject:        "subject " + id,
		Sender:         "sender@example.com",
		Date:           time.Unix(1700000000, 0),
	}
}

func newTestEngine(st Storage, p MailProvider) *Engine {
	e := NewEngine(st, p)
	e.Backoff = time.Millisecond
	return e
}

func TestRunStreamFullResync(t *testing.T) {
	st := newTestStore(t)
	provider := &scriptedProvider{t: t, script: []any{
		&Page{Messages: []MessageMeta{meta("m1", "c1", "01"), meta("m2", "c1", "0101")}, NextPage: "page-2"},
		&Page{Messages: []MessageMeta{meta("m3", "c2", "01")}, NextCursor: "delta-1"},
	}}
	engine := newTestEngine(st, provider)

	require.NoError(t, engine.RunStream(context.Background(), testStream))

	cursor, err := st.Cursor(context.Background(), testStream.Mailbox, testStream.Folder)
	require.NoError(t, err)
	assert.Equal(t, "delta-1", cursor, "run ends with the provider's final marker")

	msgs, err := st.MailboxMessages(context.Background(), testStream.Mailbox)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	m1, err := st.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionIncoming, m1.Direction)
	assert.Equal(t, FolderInbox, m1.Folder)
}

func TestRunStreamIdempotentReplay(t *testing.T) {
	st := newTestStore(t)
	page := func() *Page {
		return &Page{Messages: []MessageMeta{meta("m1", "c1", "01"), meta("m2", "c1", "0101")}, NextCursor: "delta-1"}
	}
	engine := newTestEngine(st, &scriptedProvider{t: t, script: []any{page(), page()}})

	require.NoError(t, engine.RunStream(context.Background(), testStream))
	before, err := st.GetMessage(context.Background(), "m1")
	require.NoError(t, err)

	// Replay the identical page, e.g. after a crash between persist and
	// cursor advance.
	require.NoError(t, engine.RunStream(context.Background(), testStream))

	msgs, err := st.MailboxMessages(context.Background(), testStream.Mailbox)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "replay must not duplicate messages")

	after, err := st.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, before.ConversationID, after.ConversationID)
	assert.Equal(t, before.PositionKey, after.PositionKey)
	assert.Equal(t, before.Subject, after.Subject)

	events, err := st.DequeueOutbox(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, events, 2, "one ingestion event per message, not per observation")
}

func TestRunStreamFirstObservedPositionWins(t *testing.T) {
	st := newTestStore(t)
	engine := newTestEngine(st, &scriptedProvider{t: t, script: []any{
		&Page{Messages: []MessageMeta{meta("m1", "c1", "01")}, NextCursor: "delta-1"},
		&Page{Messages: []MessageMeta{meta("m1", "c9", "02")}, NextCursor: "delta-2"},
	}})

	require.NoError(t, engine.RunStream(context.Background(), testStream))
	require.NoError(t, engine.RunStream(context.Background(), testStream))

	m1, err := st.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "c1", m1.ConversationID, "conflicting conversation id is ignored")
	assert.Equal(t, "01", m1.PositionKey, "conflicting position key is ignored")
}

func TestRunStreamCursorStaleTriggersFullResync(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.AdvanceCursor(context.Background(), testStream.Mailbox, testStream.Folder, "dead-cursor"))

	provider := &scriptedProvider{t: t, script: []any{
		fmt.Errorf("%w: 410 gone", ErrCursorInvalid),
		&Page{Messages: []MessageMeta{meta("m1", "c1", "01")}, NextCursor: "delta-fresh"},
	}}
	engine := newTestEngine(st, provider)

	// Not an operator-facing failure.
	require.NoError(t, engine.RunStream(context.Background(), testStream))

	assert.Equal(t, []string{"dead-cursor", ""}, provider.cursors, "resync restarts from the empty cursor")

	cursor, err := st.Cursor(context.Background(), testStream.Mailbox, testStream.Folder)
	require.NoError(t, err)
	assert.Equal(t, "delta-fresh", cursor)
}

func TestRunStreamTransientRetry(t *testing.T) {
	st := newTestStore(t)
	provider := &scriptedProvider{t: t, script: []any{
		&TransientError{Err: errors.New("503")},
		&TransientError{Err: errors.New("timeout")},
		&Page{Messages: []MessageMeta{meta("m1", "c1", "01")}, NextCursor: "delta-1"},
	}}
	engine := newTestEngine(st, provider)

	require.NoError(t, engine.RunStream(context.Background(), testStream))
	assert.Equal(t, 3, provider.calls)
}

func TestRunStreamTransientExhausted(t *testing.T) {
	st := newTestStore(t)
	provider := &scriptedProvider{t: t, script: []any{
		&TransientError{Err: errors.New("503")},
		&TransientError{Err: errors.New("503")},
		&TransientError{Err: errors.New("503")},
	}}
	engine := newTestEngine(st, provider)

	err := engine.RunStream(context.Background(), testStream)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

// failingStorage wraps a real store but rejects ingestion, simulating a
// durable-store write failure after a successful fetch.
type failingStorage struct {
	*store.Store
}

func (f *failingStorage) IngestMessages(context.Context, []store.Message) (*store.IngestResult, error) {
	return nil, errors.New("disk full")
}

func TestRunStreamPersistenceFailureKeepsCursor(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.AdvanceCursor(context.Background(), testStream.Mailbox, testStream.Folder, "cursor-before"))

	provider := &scriptedProvider{t: t, script: []any{
		&Page{Messages: []MessageMeta{meta("m1", "c1", "01")}, NextCursor: "cursor-after"},
	}}
	engine := newTestEngine(&failingStorage{Store: st}, provider)

	err := engine.RunStream(context.Background(), testStream)
	require.Error(t, err)

	cursor, err := st.Cursor(context.Background(), testStream.Mailbox, testStream.Folder)
	require.NoError(t, err)
	assert.Equal(t, "cursor-before", cursor, "cursor must stay at its pre-page value")
}

// cancelAfterAdvance cancels the run once the first page's cursor has been
// durably advanced, so cancellation lands on the boundary before the next
// fetch.
type cancelAfterAdvance struct {
	*store.Store
	cancel context.CancelFunc
}

func (c *cancelAfterAdvance) AdvanceCursor(ctx context.Context, mailbox, folder, cursor string) error {
	err := c.Store.AdvanceCursor(ctx, mailbox, folder, cursor)
	c.cancel()
	return err
}

func TestRunStreamCancelledBetweenPages(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	provider := &scriptedProvider{t: t, script: []any{
		&Page{
			Messages:   []MessageMeta{meta("m1", "c1", "01")},
			NextPage:   "page-2",
			NextCursor: "mid-cursor",
		},
	}}
	engine := newTestEngine(&cancelAfterAdvance{Store: st, cancel: cancel}, provider)

	err := engine.RunStream(ctx, testStream)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, provider.calls, "no fetch after cancellation")

	cursor, err := st.Cursor(context.Background(), testStream.Mailbox, testStream.Folder)
	require.NoError(t, err)
	assert.Equal(t, "mid-cursor", cursor, "cursor stays at the last advanced page")
}

func TestToMessagesDirection(t *testing.T) {
	engine := &Engine{}

	in := engine.toMessages(Stream{Mailbox: "x", Folder: FolderInbox}, []MessageMeta{meta("m1", "c1", "01")})
	require.Len(t, in, 1)
	assert.Equal(t, store.DirectionIncoming, in[0].Direction)

	out := engine.toMessages(Stream{Mailbox: "x", Folder: FolderSent}, []MessageMeta{meta("m2", "c1", "0101")})
	require.Len(t, out, 1)
	assert.Equal(t, store.DirectionOutgoing, out[0].Direction)
}
