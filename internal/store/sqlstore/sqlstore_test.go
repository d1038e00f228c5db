package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/store"
	"github.com/hereforyou/companion/internal/store/storetest"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), SQLite, filepath.Join(t.TempDir(), "companion.db"))
	require.NoError(t, err)
	return st
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openSQLite(t) })
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.db")
	ctx := context.Background()

	st, err := Open(ctx, SQLite, path)
	require.NoError(t, err)
	user, err := st.Append(ctx, "c", store.NewMessage{Author: model.AuthorUser, Text: "hello"})
	require.NoError(t, err)
	_, err = st.Append(ctx, "c", store.NewMessage{
		Author:    model.AuthorCompanion,
		Text:      "Sorry, the AI mentor is unavailable.",
		InReplyTo: user.ID,
		Fallback:  true,
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(ctx, SQLite, path)
	require.NoError(t, err)
	defer st.Close()

	messages, err := st.List(ctx, "c")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, user.ID, messages[0].ID)
	assert.Equal(t, user.CreatedAt, messages[0].CreatedAt)
	assert.True(t, messages[1].Fallback)
	assert.False(t, messages[0].Fallback)
	assert.Equal(t, user.ID, messages[1].InReplyTo)
}

func TestSQLiteStore_ClockNeverGoesBackwards(t *testing.T) {
	st := openSQLite(t)
	defer st.Close()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Minute)}
	i := 0
	st.now = func() time.Time {
		ts := times[i]
		i++
		return ts
	}

	ctx := context.Background()
	_, err := st.Append(ctx, "c", store.NewMessage{Author: model.AuthorUser, Text: "one"})
	require.NoError(t, err)
	second, err := st.Append(ctx, "c", store.NewMessage{Author: model.AuthorUser, Text: "two"})
	require.NoError(t, err)

	assert.Equal(t, base, second.CreatedAt)

	messages, err := st.List(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "one", messages[0].Text)
	assert.Equal(t, "two", messages[1].Text)
}

func TestDialectFor(t *testing.T) {
	for name, want := range map[string]string{
		"sqlite":     "sqlite",
		"sqlite3":    "sqlite",
		"postgres":   "postgres",
		"postgresql": "postgres",
		"mysql":      "mysql",
	} {
		d, err := DialectFor(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, d.Name)
	}

	_, err := DialectFor("oracle")
	assert.Error(t, err)

	assert.Equal(t, "$3", Postgres.placeholder(3))
	assert.Equal(t, "?", MySQL.placeholder(3))
}

type snapshots struct {
	mu   sync.Mutex
	seen [][]string
}

func (s *snapshots) listen(messages []model.Message) {
	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = m.Text
	}
	s.mu.Lock()
	s.seen = append(s.seen, texts)
	s.mu.Unlock()
}

func (s *snapshots) last() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) == 0 {
		return nil
	}
	return s.seen[len(s.seen)-1]
}

func TestSQLiteStore_PublishOutlivesCallerContext(t *testing.T) {
	st := openSQLite(t)
	defer st.Close()

	var got snapshots
	unsubscribe, err := st.Subscribe(context.Background(), "c", got.listen)
	require.NoError(t, err)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller goes away after the insert has committed.
	st.snapshot = func(snapCtx context.Context, conversationID string) ([]model.Message, error) {
		cancel()
		return st.List(snapCtx, conversationID)
	}

	_, err = st.Append(ctx, "c", store.NewMessage{Author: model.AuthorUser, Text: "still here"})
	require.NoError(t, err)
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"still here"}, got.last())
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSQLiteStore_RepublishesAfterFailedRead(t *testing.T) {
	st := openSQLite(t)
	defer st.Close()
	st.retryPolicy = func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }

	var got snapshots
	unsubscribe, err := st.Subscribe(context.Background(), "c", got.listen)
	require.NoError(t, err)
	defer unsubscribe()

	var failures atomic.Int32
	failures.Store(3)
	st.snapshot = func(ctx context.Context, conversationID string) ([]model.Message, error) {
		if failures.Add(-1) >= 0 {
			return nil, errors.New("database is locked")
		}
		return st.List(ctx, conversationID)
	}

	_, err = st.Append(context.Background(), "c", store.NewMessage{Author: model.AuthorUser, Text: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"hello"}, got.last())
	}, 5*time.Second, 10*time.Millisecond)

	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	assert.Empty(t, st.stale)
}
