package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Martian-dev/mailflow/internal/store"
)

// HTTPValidator calls the downstream validation endpoint with a message and
// returns its body verbatim. The outcome's internal shape belongs to the
// downstream system; nothing here inspects it.
type HTTPValidator struct {
	url    string
	client *http.Client
}

// NewHTTPValidator creates a validator against the given endpoint.
func NewHTTPValidator(url string) *HTTPValidator {
	return &HTTPValidator{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Validate posts the message and returns the structured outcome.
func (v *HTTPValidator) Validate(ctx context.Context, msg *store.Message) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"message_id":      msg.ID,
		"mailbox":         msg.Mailbox,
		"conversation_id": msg.ConversationID,
		"subject":         msg.Subject,
		"sender":          msg.Sender,
		"direction":       msg.Direction,
		"sent_at":         msg.SentAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode validation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	outcome, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read validation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("validation endpoint status %d: %s", resp.StatusCode, string(outcome))
	}
	if !json.Valid(outcome) {
		return nil, fmt.Errorf("validation endpoint returned non-JSON outcome")
	}

	return outcome, nil
}
