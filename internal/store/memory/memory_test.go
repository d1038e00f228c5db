package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/store"
	"github.com/hereforyou/companion/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

func TestStore_ClockNeverGoesBackwards(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	i := 0
	st := New(WithClock(func() time.Time {
		ts := times[i]
		i++
		return ts
	}))
	defer st.Close()

	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		_, err := st.Append(ctx, "c", store.NewMessage{Author: model.AuthorUser, Text: text})
		require.NoError(t, err)
	}

	messages, err := st.List(ctx, "c")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, base, messages[0].CreatedAt)
	assert.Equal(t, base, messages[1].CreatedAt)
	assert.Equal(t, base.Add(time.Second), messages[2].CreatedAt)
	assert.Equal(t, []string{"one", "two", "three"}, []string{messages[0].Text, messages[1].Text, messages[2].Text})
}

func TestStore_Closed(t *testing.T) {
	st := New()
	require.NoError(t, st.Close())

	_, err := st.Append(context.Background(), "c", store.NewMessage{Author: model.AuthorUser, Text: "hi"})
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, st.Ping(context.Background()), store.ErrClosed)
}

func TestStore_ListIsACopy(t *testing.T) {
	st := New()
	defer st.Close()

	_, err := st.Append(context.Background(), "c", store.NewMessage{Author: model.AuthorUser, Text: "hi"})
	require.NoError(t, err)

	first, err := st.List(context.Background(), "c")
	require.NoError(t, err)
	first[0].Text = "changed"

	second, err := st.List(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, "hi", second[0].Text)
}
