package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hereforyou/companion/internal/model"
)

func msgs(texts ...string) []model.Message {
	out := make([]model.Message, len(texts))
	for i, text := range texts {
		out[i] = model.Message{Text: text, Sequence: uint64(i + 1)}
	}
	return out
}

func TestHub_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHub()
	defer h.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var slow, fast []int

	h.Add("c", nil, func(m []model.Message) {
		<-release
		mu.Lock()
		slow = append(slow, len(m))
		mu.Unlock()
	})
	h.Add("c", nil, func(m []model.Message) {
		mu.Lock()
		fast = append(fast, len(m))
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 50; i++ {
			h.Publish("c", msgs(make([]string, i)...))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fast) == 51
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(slow) == 51
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := range slow {
		assert.Equal(t, i, slow[i])
		assert.Equal(t, i, fast[i])
	}
}

func TestHub_SnapshotsAreCopies(t *testing.T) {
	h := NewHub()
	defer h.Close()

	got := make(chan []model.Message, 2)
	h.Add("c", nil, func(m []model.Message) { got <- m })
	<-got

	snapshot := msgs("a")
	h.Publish("c", snapshot)
	snapshot[0].Text = "mutated"

	delivered := <-got
	assert.Equal(t, "a", delivered[0].Text)
}

func TestHub_UnsubscribeFromListener(t *testing.T) {
	h := NewHub()
	defer h.Close()

	var calls int
	var mu sync.Mutex
	var unsubscribe Unsubscribe
	ready := make(chan struct{})
	unsubscribe = h.Add("c", nil, func([]model.Message) {
		<-ready
		mu.Lock()
		calls++
		mu.Unlock()
		unsubscribe()
	})
	close(ready)

	require.Eventually(t, func() bool { return h.Subscribers("c") == 0 }, time.Second, 5*time.Millisecond)
	h.Publish("c", msgs("ignored"))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestHub_AddAfterClose(t *testing.T) {
	h := NewHub()
	h.Close()

	unsubscribe := h.Add("c", nil, func([]model.Message) { t.Error("listener called after close") })
	unsubscribe()
	assert.Equal(t, 0, h.Subscribers("c"))
}

func TestSortMessages(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	messages := []model.Message{
		{Text: "c", CreatedAt: base.Add(time.Second), Sequence: 1},
		{Text: "b", CreatedAt: base, Sequence: 3},
		{Text: "a", CreatedAt: base, Sequence: 2},
	}

	SortMessages(messages)

	assert.Equal(t, "a", messages[0].Text)
	assert.Equal(t, "b", messages[1].Text)
	assert.Equal(t, "c", messages[2].Text)
}
