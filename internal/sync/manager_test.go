package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailflow/internal/auth"
)

// countingProvider counts fetches and fails every one with a fixed error.
type countingProvider struct {
	calls atomic.Int64
	err   error
}

func (p *countingProvider) FetchPage(context.Context, Stream, string, string) (*Page, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return &Page{}, nil
}

func staticFactory(p MailProvider) ProviderFactory {
	return func(context.Context, string) (MailProvider, error) { return p, nil }
}

func TestManagerAuthRequiredSuspendsService(t *testing.T) {
	st := newTestStore(t)
	provider := &countingProvider{err: fmt.Errorf("401 unauthorized: %w", auth.ErrAuthRequired)}
	m := NewManager(st, staticFactory(provider), 5*time.Millisecond)
	defer m.StopAll()

	require.NoError(t, m.StartStream(context.Background(), StreamConfig{
		Mailbox: "sales@example.com",
		Folder:  FolderInbox,
		Service: "microsoft",
	}))

	require.Eventually(t, func() bool { return m.IsSuspended("microsoft") },
		time.Second, time.Millisecond, "a rejected credential must suspend the service")

	// Suspended workers stop polling entirely.
	n := provider.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, provider.calls.Load(), "no fetches while suspended")

	// The operator alert was queued for dispatch.
	events, err := st.DequeueOutbox(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "mail.auth_required", events[0].Subject)

	m.ResumeService("microsoft")
	assert.False(t, m.IsSuspended("microsoft"))
	require.Eventually(t, func() bool { return provider.calls.Load() > n },
		time.Second, time.Millisecond, "resumed workers poll again")
}

func TestManagerStartStopStream(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, staticFactory(&countingProvider{}), time.Hour)
	defer m.StopAll()

	cfg := StreamConfig{Mailbox: "x@example.com", Folder: FolderInbox, Service: "microsoft"}
	require.NoError(t, m.StartStream(context.Background(), cfg))
	require.Error(t, m.StartStream(context.Background(), cfg), "one worker per stream")
	assert.Equal(t, []string{"x@example.com/inbox"}, m.RunningStreams())

	require.NoError(t, m.StopStream(cfg.Mailbox, cfg.Folder))
	assert.Empty(t, m.RunningStreams())
	require.Error(t, m.StopStream(cfg.Mailbox, cfg.Folder))
}
