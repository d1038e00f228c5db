// Package store defines the conversation store: an append-only, ordered
// message log per conversation with live push to subscribers.
package store

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/hereforyou/companion/internal/model"
)

var (
	// ErrEmptyText is returned when a message has no text after trimming.
	ErrEmptyText = errors.New("message text is empty")

	// ErrInvalidAuthor is returned for an unknown author role.
	ErrInvalidAuthor = errors.New("invalid message author")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("store is closed")
)

// NewMessage carries the caller-supplied fields of an append. The store
// assigns the id, timestamp and sequence.
type NewMessage struct {
	Author    model.Author
	Text      string
	InReplyTo string
	Fallback  bool
}

// Validate checks the message before it is written.
func (n NewMessage) Validate() error {
	if !n.Author.Valid() {
		return ErrInvalidAuthor
	}
	if strings.TrimSpace(n.Text) == "" {
		return ErrEmptyText
	}
	return nil
}

// Listener receives the full ordered message list of a conversation. It must
// not retain or modify the slice after returning.
type Listener func(messages []model.Message)

// Unsubscribe stops a subscription. It is safe to call more than once and
// from inside the listener.
type Unsubscribe func()

// Store is the conversation store.
type Store interface {
	// Append atomically adds one message to the end of a conversation.
	Append(ctx context.Context, conversationID string, msg NewMessage) (*model.Message, error)

	// List returns the conversation ordered by created_at, then sequence.
	List(ctx context.Context, conversationID string) ([]model.Message, error)

	// Subscribe calls fn with the current list and again after every change,
	// in write order.
	Subscribe(ctx context.Context, conversationID string, fn Listener) (Unsubscribe, error)

	// Ping reports whether the backing service is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// SortMessages orders messages by created_at ascending, breaking ties by
// sequence.
func SortMessages(messages []model.Message) {
	slices.SortStableFunc(messages, func(a, b model.Message) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
}
