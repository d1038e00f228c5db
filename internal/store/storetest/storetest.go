// Package storetest holds behavior tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/store"
)

// Factory returns a fresh, empty store. The test closes it.
type Factory func(t *testing.T) store.Store

// Run runs the shared store tests.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAssignsIdentityAndOrder", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("RejectsInvalidMessages", func(t *testing.T) { testValidation(t, newStore(t)) })
	t.Run("ListPreservesAppendOrder", func(t *testing.T) { testListOrder(t, newStore(t)) })
	t.Run("ConversationsAreIsolated", func(t *testing.T) { testIsolation(t, newStore(t)) })
	t.Run("SubscribeDeliversSnapshotsInWriteOrder", func(t *testing.T) { testSubscribe(t, newStore(t)) })
	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) { testUnsubscribe(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) { testPing(t, newStore(t)) })
}

const conv = "storetest"

func appendText(t *testing.T, st store.Store, conversationID string, author model.Author, text string) *model.Message {
	t.Helper()
	msg, err := st.Append(context.Background(), conversationID, store.NewMessage{Author: author, Text: text})
	require.NoError(t, err)
	return msg
}

func texts(messages []model.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Text
	}
	return out
}

func testAppend(t *testing.T, st store.Store) {
	defer st.Close()

	user := appendText(t, st, conv, model.AuthorUser, "  I feel tired  ")
	reply, err := st.Append(context.Background(), conv, store.NewMessage{
		Author:    model.AuthorCompanion,
		Text:      "That sounds hard.",
		InReplyTo: user.ID,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, user.ID)
	assert.NotEqual(t, user.ID, reply.ID)
	assert.Equal(t, conv, user.ConversationID)
	assert.Equal(t, "I feel tired", user.Text)
	assert.False(t, user.CreatedAt.IsZero())
	assert.False(t, reply.CreatedAt.Before(user.CreatedAt))
	assert.Greater(t, reply.Sequence, user.Sequence)
	assert.Equal(t, user.ID, reply.InReplyTo)

	messages, err := st.List(context.Background(), conv)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, user.ID, messages[0].ID)
	assert.Equal(t, reply.ID, messages[1].ID)
	assert.Equal(t, user.ID, messages[1].InReplyTo)
	assert.Equal(t, model.AuthorCompanion, messages[1].Author)
}

func testValidation(t *testing.T, st store.Store) {
	defer st.Close()
	ctx := context.Background()

	_, err := st.Append(ctx, conv, store.NewMessage{Author: model.AuthorUser, Text: " \n\t "})
	assert.ErrorIs(t, err, store.ErrEmptyText)

	_, err = st.Append(ctx, conv, store.NewMessage{Author: "robot", Text: "hi"})
	assert.ErrorIs(t, err, store.ErrInvalidAuthor)

	messages, err := st.List(ctx, conv)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func testListOrder(t *testing.T, st store.Store) {
	defer st.Close()

	want := []string{"one", "two", "three", "four", "five"}
	for i, text := range want {
		author := model.AuthorUser
		if i%2 == 1 {
			author = model.AuthorCompanion
		}
		appendText(t, st, conv, author, text)
	}

	messages, err := st.List(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, want, texts(messages))
	for i := 1; i < len(messages); i++ {
		assert.True(t, messages[i-1].Before(messages[i]), "message %d out of order", i)
	}
}

func testIsolation(t *testing.T, st store.Store) {
	defer st.Close()

	appendText(t, st, "a", model.AuthorUser, "for a")
	appendText(t, st, "b", model.AuthorUser, "for b")

	a, err := st.List(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"for a"}, texts(a))

	empty, err := st.List(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

type recorder struct {
	mu        sync.Mutex
	snapshots [][]string
}

func (r *recorder) listen(messages []model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, texts(messages))
}

func (r *recorder) get() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.snapshots...)
}

func testSubscribe(t *testing.T, st store.Store) {
	defer st.Close()
	ctx := context.Background()

	appendText(t, st, conv, model.AuthorUser, "before")

	var first, second recorder
	unsub1, err := st.Subscribe(ctx, conv, first.listen)
	require.NoError(t, err)
	defer unsub1()
	unsub2, err := st.Subscribe(ctx, conv, second.listen)
	require.NoError(t, err)
	defer unsub2()

	appendText(t, st, conv, model.AuthorCompanion, "reply")
	appendText(t, st, conv, model.AuthorUser, "after")

	want := [][]string{
		{"before"},
		{"before", "reply"},
		{"before", "reply", "after"},
	}
	require.Eventually(t, func() bool {
		return len(first.get()) >= len(want) && len(second.get()) >= len(want)
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, want, first.get())
	assert.Equal(t, want, second.get())
}

func testUnsubscribe(t *testing.T, st store.Store) {
	defer st.Close()
	ctx := context.Background()

	var r recorder
	unsubscribe, err := st.Subscribe(ctx, conv, r.listen)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(r.get()) == 1 }, 5*time.Second, 10*time.Millisecond)
	unsubscribe()
	unsubscribe()

	appendText(t, st, conv, model.AuthorUser, "nobody listening")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, [][]string{{}}, r.get())
}

func testPing(t *testing.T, st store.Store) {
	defer st.Close()
	assert.NoError(t, st.Ping(context.Background()))
}
