package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/store"
	"github.com/hereforyou/companion/internal/store/storetest"
	"github.com/hereforyou/companion/pkg/logger"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "chat.default.msg.user", MessageSubject("default", model.AuthorUser))
	assert.Equal(t, "chat.default.msg.companion", MessageSubject("default", model.AuthorCompanion))
	assert.Equal(t, "chat.abc-1.msg.>", ConversationFilter("abc-1"))
}

func TestRecordCarriesStreamOrdering(t *testing.T) {
	data, err := json.Marshal(record{
		ID:             "m1",
		ConversationID: "default",
		Author:         model.AuthorCompanion,
		Text:           "hello",
		InReplyTo:      "u1",
	})
	require.NoError(t, err)

	var rec record
	require.NoError(t, json.Unmarshal(data, &rec))

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	msg := rec.message(42, ts)

	assert.Equal(t, uint64(42), msg.Sequence)
	assert.Equal(t, time.UTC, msg.CreatedAt.Location())
	assert.True(t, msg.CreatedAt.Equal(ts))
	assert.Equal(t, "u1", msg.InReplyTo)
	assert.False(t, msg.Fallback)
}

func runJetStream(t *testing.T) *Client {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(10*time.Second), "nats server not ready")

	client, err := Connect(context.Background(), Config{Name: "companion-test", URL: srv.ClientURL()}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(context.Background(), runJetStream(t), logger.NewNop())
	require.NoError(t, err)
	return st
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func appendN(t *testing.T, st *Store, conversationID string, from, to int) []*model.Message {
	t.Helper()
	var out []*model.Message
	for i := from; i < to; i++ {
		msg, err := st.Append(context.Background(), conversationID, store.NewMessage{
			Author: model.AuthorUser,
			Text:   fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestStore_AppendReadsBackStreamPosition(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	first := appendN(t, st, "c", 0, 1)[0]
	appendN(t, st, "other", 0, 1)
	second := appendN(t, st, "c", 1, 2)[0]

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(3), second.Sequence)
	assert.False(t, first.CreatedAt.IsZero())
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))

	messages, err := st.List(context.Background(), "c")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	for i, want := range []*model.Message{first, second} {
		assert.Equal(t, want.ID, messages[i].ID)
		assert.Equal(t, want.Sequence, messages[i].Sequence)
		assert.Equal(t, want.Text, messages[i].Text)
		assert.True(t, want.CreatedAt.Equal(messages[i].CreatedAt))
	}
}

func TestStore_ListReadsPastOneBatch(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	total := fetchBatch + 20
	appendN(t, st, "c", 0, total)

	start := time.Now()
	messages, err := st.List(context.Background(), "c")
	require.NoError(t, err)
	require.Len(t, messages, total)
	for i, m := range messages {
		assert.Equal(t, fmt.Sprintf("message %d", i), m.Text)
	}
	assert.Less(t, time.Since(start), 2*time.Second)
}

type collector struct {
	mu        sync.Mutex
	snapshots [][]model.Message
}

func (c *collector) listen(messages []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, messages)
}

func (c *collector) last() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snapshots) == 0 {
		return nil
	}
	return c.snapshots[len(c.snapshots)-1]
}

func (c *collector) first() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snapshots) == 0 {
		return nil
	}
	return c.snapshots[0]
}

func TestStore_SubscribeAfterHistoryHasNoGapsOrDuplicates(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	appendN(t, st, "c", 0, 3)

	var got collector
	unsubscribe, err := st.Subscribe(context.Background(), "c", got.listen)
	require.NoError(t, err)
	defer unsubscribe()

	appendN(t, st, "c", 3, 6)

	require.Eventually(t, func() bool { return len(got.last()) == 6 }, 5*time.Second, 10*time.Millisecond)

	assert.Len(t, got.first(), 3)
	final := got.last()
	for i, m := range final {
		assert.Equal(t, fmt.Sprintf("message %d", i), m.Text)
		if i > 0 {
			assert.Greater(t, m.Sequence, final[i-1].Sequence)
		}
	}
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got.last(), 6)
}

func TestStore_SubscribersShareOneFeed(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()
	ctx := context.Background()

	refs := func() int {
		st.mu.Lock()
		defer st.mu.Unlock()
		f, ok := st.feeds["c"]
		if !ok {
			return 0
		}
		return f.refs
	}

	var a, b collector
	unsubA, err := st.Subscribe(ctx, "c", a.listen)
	require.NoError(t, err)
	unsubB, err := st.Subscribe(ctx, "c", b.listen)
	require.NoError(t, err)
	assert.Equal(t, 2, refs())

	appendN(t, st, "c", 0, 1)
	require.Eventually(t, func() bool {
		return len(a.last()) == 1 && len(b.last()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	unsubA()
	unsubA()
	assert.Equal(t, 1, refs())

	unsubB()
	assert.Equal(t, 0, refs())

	// A new subscriber after the feed was released starts from the log.
	var c collector
	unsubC, err := st.Subscribe(ctx, "c", c.listen)
	require.NoError(t, err)
	defer unsubC()
	require.Eventually(t, func() bool { return len(c.last()) == 1 }, 5*time.Second, 10*time.Millisecond)
}
