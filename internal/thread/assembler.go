// Package thread reconstructs conversations from ingested messages.
//
// Ordering relies on the provider's conversation position key: an opaque
// ordered byte key (stored hex-encoded) where a parent's key is a strict
// prefix of its replies' keys. Byte-wise comparison therefore yields a
// total order that places every parent before its replies, regardless of
// which folder or in which order the messages arrived.
package thread

import (
	"sort"
	"strings"

	"github.com/Martian-dev/mailflow/internal/store"
)

// Conversation is one assembled thread.
type Conversation struct {
	ID       string
	Subject  string
	Messages []store.Message
}

// Assemble groups messages into conversations and orders each one. It is
// pure and deterministic: the same message set yields the same output no
// matter the input order. Messages without a usable conversation id or
// position key become singleton conversations rather than being dropped.
func Assemble(msgs []store.Message) []Conversation {
	byID := make(map[string][]store.Message)
	var singletons []store.Message

	for _, m := range msgs {
		// Adapters leave the position key empty when the provider's raw
		// key could not be parsed; such messages thread alone.
		if m.ConversationID == "" || m.PositionKey == "" {
			singletons = append(singletons, m)
			continue
		}
		byID[m.ConversationID] = append(byID[m.ConversationID], m)
	}

	conversations := make([]Conversation, 0, len(byID)+len(singletons))
	for id, group := range byID {
		Order(group)
		conversations = append(conversations, Conversation{
			ID:       id,
			Subject:  group[0].Subject,
			Messages: group,
		})
	}
	for _, m := range singletons {
		conversations = append(conversations, Conversation{
			ID:       m.ID,
			Subject:  m.Subject,
			Messages: []store.Message{m},
		})
	}

	// Map iteration order must not leak into the result.
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].ID < conversations[j].ID
	})
	return conversations
}

// Order sorts a single conversation's messages in place: byte-wise by
// position key, ties broken by business timestamp, then message id. The
// hex encoding of position keys preserves the raw keys' byte order, and a
// shorter key sorts before its extensions.
func Order(msgs []store.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if c := strings.Compare(msgs[i].PositionKey, msgs[j].PositionKey); c != 0 {
			return c < 0
		}
		if !msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].SentAt.Before(msgs[j].SentAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
