package thread

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailflow/internal/store"
)

func msg(id, conv, key string, sentAt time.Time) store.Message {
	return store.Message{
		ID:             id,
		ConversationID: conv,
		PositionKey:    key,
		Subject:        "subject " + id,
		SentAt:         sentAt,
	}
}

func ids(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestOrderParentBeforeReply(t *testing.T) {
	base := time.Now()

	// Ingested reply-first; the shorter key must still come out first.
	msgs := []store.Message{
		msg("m2", "c1", "1.1", base),
		msg("m1", "c1", "1", base.Add(time.Minute)),
	}

	Order(msgs)
	assert.Equal(t, []string{"m1", "m2"}, ids(msgs))
}

func TestOrderByteWiseLaw(t *testing.T) {
	base := time.Now()
	keys := []string{"01", "0100", "010005", "02", "0201", "03"}

	msgs := make([]store.Message, len(keys))
	for i, k := range keys {
		msgs[i] = msg("m"+k, "c1", k, base)
	}
	rand.New(rand.NewSource(7)).Shuffle(len(msgs), func(i, j int) {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	})

	Order(msgs)
	for i := 1; i < len(msgs); i++ {
		assert.Less(t, msgs[i-1].PositionKey, msgs[i].PositionKey)
	}
}

func TestOrderTieBreaks(t *testing.T) {
	base := time.Now()

	msgs := []store.Message{
		msg("b", "c1", "01", base.Add(time.Second)),
		msg("a", "c1", "01", base),
	}
	Order(msgs)
	assert.Equal(t, []string{"a", "b"}, ids(msgs), "equal keys break by timestamp")

	msgs = []store.Message{
		msg("z", "c1", "01", base),
		msg("a", "c1", "01", base),
	}
	Order(msgs)
	assert.Equal(t, []string{"a", "z"}, ids(msgs), "equal keys and timestamps break by id")
}

func TestAssembleDeterministic(t *testing.T) {
	base := time.Now()
	msgs := []store.Message{
		msg("m1", "c1", "01", base),
		msg("m2", "c1", "0101", base.Add(time.Minute)),
		msg("m3", "c1", "0102", base.Add(2*time.Minute)),
		msg("m4", "c2", "01", base),
		msg("m5", "c2", "0101", base.Add(time.Minute)),
	}

	first := Assemble(msgs)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]store.Message, len(msgs))
		copy(shuffled, msgs)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		again := Assemble(shuffled)
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].ID, again[j].ID)
			assert.Equal(t, ids(first[j].Messages), ids(again[j].Messages))
		}
	}
}

func TestAssembleCrossFolder(t *testing.T) {
	base := time.Now()

	// An outgoing reply from the sent folder lands in the same thread as
	// the incoming messages; the position key reconciles arrival order.
	incoming := msg("in1", "c1", "01", base)
	incoming.Folder = "inbox"
	reply := msg("out1", "c1", "0101", base.Add(time.Hour))
	reply.Folder = "sent"
	followUp := msg("in2", "c1", "010101", base.Add(2*time.Hour))
	followUp.Folder = "inbox"

	conversations := Assemble([]store.Message{followUp, reply, incoming})
	require.Len(t, conversations, 1)
	assert.Equal(t, []string{"in1", "out1", "in2"}, ids(conversations[0].Messages))
}

func TestAssembleSingletonFallback(t *testing.T) {
	base := time.Now()

	msgs := []store.Message{
		msg("m1", "c1", "01", base),
		msg("orphan1", "", "01", base),  // no conversation id
		msg("orphan2", "c1", "", base),  // unparseable position key
	}

	conversations := Assemble(msgs)
	require.Len(t, conversations, 3)

	byID := make(map[string]Conversation)
	for _, c := range conversations {
		byID[c.ID] = c
	}
	assert.Equal(t, []string{"m1"}, ids(byID["c1"].Messages))
	assert.Equal(t, []string{"orphan1"}, ids(byID["orphan1"].Messages))
	assert.Equal(t, []string{"orphan2"}, ids(byID["orphan2"].Messages))
}
