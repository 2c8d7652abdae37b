package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/Martian-dev/mailflow/internal/auth"
	"github.com/Martian-dev/mailflow/internal/store"
)

// StreamConfig configures one polling worker.
type StreamConfig struct {
	Mailbox string
	Folder  string
	// Service is the credential key whose token authorizes this stream.
	Service string
}

// ProviderFactory creates the MailProvider for a service.
type ProviderFactory func(ctx context.Context, service string) (MailProvider, error)

// Manager runs a fixed set of independent polling workers, one per
// (mailbox, folder) stream. Workers are uncoordinated except through the
// refresher's per-service single flight; an AuthRequired failure suspends
// every worker of that service until it is explicitly resumed.
type Manager struct {
	store    *store.Store
	factory  ProviderFactory
	interval time.Duration

	runners   map[string]context.CancelFunc
	suspended map[string]bool
	mu        gosync.RWMutex
}

// NewManager creates a manager polling each stream at the given interval.
func NewManager(st *store.Store, factory ProviderFactory, interval time.Duration) *Manager {
	return &Manager{
		store:     st,
		factory:   factory,
		interval:  interval,
		runners:   make(map[string]context.CancelFunc),
		suspended: make(map[string]bool),
	}
}

// StartStream starts the polling worker for one stream.
func (m *Manager) StartStream(ctx context.Context, cfg StreamConfig) error {
	stream := Stream{Mailbox: cfg.Mailbox, Folder: cfg.Folder}
	key := stream.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runners[key]; exists {
		return fmt.Errorf("sync already running for %s", key)
	}

	provider, err := m.factory(ctx, cfg.Service)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	engine := NewEngine(m.store, provider)

	runnerCtx, cancel := context.WithCancel(ctx)
	m.runners[key] = cancel

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.runners, key)
			m.mu.Unlock()
			log.Printf("sync stop: %s", key)
		}()

		log.Printf("sync start: %s", key)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			if !m.IsSuspended(cfg.Service) {
				m.runOnce(runnerCtx, engine, stream, cfg.Service)
			}

			select {
			case <-runnerCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return nil
}

// runOnce drives a single engine run and classifies its failure.
func (m *Manager) runOnce(ctx context.Context, engine *Engine, stream Stream, service string) {
	err := engine.RunStream(ctx, stream)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
	case errors.Is(err, auth.ErrAuthRequired):
		log.Printf("ACTION REQUIRED: service %s needs re-authorization, suspending its streams: %v", service, err)
		if qerr := m.store.EnqueueAuthRequired(ctx, service, err.Error()); qerr != nil {
			log.Printf("failed to queue auth alert for %s: %v", service, qerr)
		}
		m.suspend(service)
	default:
		log.Printf("sync error %s: %v", stream, err)
	}
}

func (m *Manager) suspend(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended[service] = true
}

// ResumeService lifts the suspension after credentials were restored.
func (m *Manager) ResumeService(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suspended, service)
	log.Printf("service %s resumed", service)
}

// IsSuspended reports whether a service's workers are on hold.
func (m *Manager) IsSuspended(service string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.suspended[service]
}

// StopStream cancels the worker for one stream.
func (m *Manager) StopStream(mailbox, folder string) error {
	key := Stream{Mailbox: mailbox, Folder: folder}.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	cancel, exists := m.runners[key]
	if !exists {
		return fmt.Errorf("no sync running for %s", key)
	}

	cancel()
	delete(m.runners, key)
	return nil
}

// StopAll cancels every running worker.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, cancel := range m.runners {
		log.Printf("stopping sync for %s", key)
		cancel()
	}
	m.runners = make(map[string]context.CancelFunc)
}

// RunningStreams lists streams with an active worker.
func (m *Manager) RunningStreams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.runners {
		keys = append(keys, key)
	}
	return keys
}
