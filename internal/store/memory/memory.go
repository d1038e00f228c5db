// Package memory provides an in-process conversation store.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/store"
)

// Store keeps conversations in memory. Suitable for development, single
// instance deployments and tests.
type Store struct {
	mu            sync.Mutex
	conversations map[string][]model.Message
	lastCreated   map[string]time.Time
	sequence      uint64
	closed        bool

	hub *store.Hub
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		conversations: make(map[string][]model.Message),
		lastCreated:   make(map[string]time.Time),
		hub:           store.NewHub(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds a message to the end of a conversation.
func (s *Store) Append(ctx context.Context, conversationID string, in store.NewMessage) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	createdAt := s.now().UTC()
	if last := s.lastCreated[conversationID]; createdAt.Before(last) {
		createdAt = last
	}
	s.lastCreated[conversationID] = createdAt
	s.sequence++

	msg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Author:         in.Author,
		Text:           strings.TrimSpace(in.Text),
		InReplyTo:      in.InReplyTo,
		Fallback:       in.Fallback,
		CreatedAt:      createdAt,
		Sequence:       s.sequence,
	}

	// created_at never decreases and sequence always grows, so appending
	// keeps the slice ordered.
	messages := append(s.conversations[conversationID], msg)
	s.conversations[conversationID] = messages
	s.hub.Publish(conversationID, messages)

	return &msg, nil
}

// List returns a copy of the conversation.
func (s *Store) List(ctx context.Context, conversationID string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	messages := slices.Clone(s.conversations[conversationID])
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}

// Subscribe registers fn for live updates of a conversation.
func (s *Store) Subscribe(ctx context.Context, conversationID string, fn store.Listener) (store.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	return s.hub.Add(conversationID, s.conversations[conversationID], fn), nil
}

// Ping always succeeds while the store is open.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Close stops all subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

var _ store.Store = (*Store)(nil)
