// Package state tracks per-message operational flags: pinning, follow-up
// sending, and downstream validation outcomes. State is independent of the
// immutable message content and created lazily on first mutation.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Martian-dev/mailflow/internal/store"
)

// Validator is the downstream (ERP-side) validation collaborator. The
// tracker persists whatever structured outcome it returns without
// interpreting its shape.
type Validator interface {
	Validate(ctx context.Context, msg *store.Message) (json.RawMessage, error)
}

// Tracker is the operational-state surface over the store.
type Tracker struct {
	store     *store.Store
	validator Validator
}

// NewTracker creates a tracker. validator may be nil if downstream
// validation is not configured.
func NewTracker(st *store.Store, validator Validator) *Tracker {
	return &Tracker{store: st, validator: validator}
}

// SetPinned pins or unpins a message.
func (t *Tracker) SetPinned(ctx context.Context, messageID string, pinned bool) error {
	if _, err := t.store.GetMessage(ctx, messageID); err != nil {
		return err
	}
	return t.store.SetPinned(ctx, messageID, pinned)
}

// RecordFollowUpSent marks that a follow-up was sent at the given time.
func (t *Tracker) RecordFollowUpSent(ctx context.Context, messageID string, when time.Time) error {
	if _, err := t.store.GetMessage(ctx, messageID); err != nil {
		return err
	}
	return t.store.RecordFollowUpSent(ctx, messageID, when)
}

// RunValidation invokes the downstream validator for a message and persists
// its outcome as an opaque blob.
func (t *Tracker) RunValidation(ctx context.Context, messageID string) (*store.MessageState, error) {
	if t.validator == nil {
		return nil, fmt.Errorf("no validator configured")
	}

	msg, err := t.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	outcome, err := t.validator.Validate(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("validate message %s: %w", messageID, err)
	}

	if err := t.store.RecordValidation(ctx, messageID, outcome); err != nil {
		return nil, err
	}
	return t.store.GetMessageState(ctx, messageID)
}

// Get returns the current operational state of a message.
func (t *Tracker) Get(ctx context.Context, messageID string) (*store.MessageState, error) {
	return t.store.GetMessageState(ctx, messageID)
}
