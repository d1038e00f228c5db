// Package service holds the conversation controller: it turns user intents
// into appended messages and keeps live views of a conversation current.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hereforyou/companion/internal/gateway"
	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/store"
	"github.com/hereforyou/companion/pkg/logger"
)

// FailurePolicy decides what the conversation shows when the gateway fails.
type FailurePolicy string

const (
	// PolicySilent appends nothing. The user sees their message and no reply.
	PolicySilent FailurePolicy = "silent"
	// PolicyVisible appends the fallback text as a companion message.
	PolicyVisible FailurePolicy = "visible"
)

// ParseFailurePolicy parses a policy name.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicySilent, PolicyVisible:
		return p, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// Options configures a Controller.
type Options struct {
	FailurePolicy FailurePolicy

	// Serialize runs sends to the same conversation one at a time, so replies
	// land in the order their user messages were sent. When false, two
	// concurrent sends may have their replies appended in either order.
	Serialize bool
}

// DefaultOptions returns the visible policy with serialized sends.
func DefaultOptions() Options {
	return Options{FailurePolicy: PolicyVisible, Serialize: true}
}

// Controller orchestrates turns against a store and a completion gateway.
type Controller struct {
	store   store.Store
	gateway gateway.Completer
	opts    Options
	logger  *logger.Logger
	now     func() time.Time

	mu        sync.Mutex
	locks     map[string]*convLock
	listeners map[string]map[uint64]EventListener
	nextID    uint64
}

type convLock struct {
	sem  *semaphore.Weighted
	refs int
}

// EventListener receives turn events. It is called on the sending goroutine
// and must not block.
type EventListener func(model.TurnEvent)

// NewController creates a controller.
func NewController(st store.Store, gw gateway.Completer, opts Options, log *logger.Logger) *Controller {
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = PolicyVisible
	}
	return &Controller{
		store:     st,
		gateway:   gw,
		opts:      opts,
		logger:    log,
		now:       time.Now,
		locks:     make(map[string]*convLock),
		listeners: make(map[string]map[uint64]EventListener),
	}
}

// Subscribe calls fn with the ordered message list now and after every
// append, in store write order.
func (c *Controller) Subscribe(ctx context.Context, conversationID string, fn store.Listener) (store.Unsubscribe, error) {
	unsubscribe, err := c.store.Subscribe(ctx, conversationID, fn)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to conversation: %w", err)
	}
	return unsubscribe, nil
}

// Messages returns the ordered message list.
func (c *Controller) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	messages, err := c.store.List(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// Events registers fn for turn events of a conversation. The returned func
// removes it.
func (c *Controller) Events(conversationID string, fn EventListener) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.listeners[conversationID] == nil {
		c.listeners[conversationID] = make(map[uint64]EventListener)
	}
	c.listeners[conversationID][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners[conversationID], id)
			if len(c.listeners[conversationID]) == 0 {
				delete(c.listeners, conversationID)
			}
		})
	}
}

func (c *Controller) emit(ev model.TurnEvent) {
	ev.At = c.now().UTC()

	c.mu.Lock()
	fns := make([]EventListener, 0, len(c.listeners[ev.ConversationID]))
	for _, fn := range c.listeners[ev.ConversationID] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}

	if ev.State.Terminal() {
		c.logger.Debug("turn finished",
			zap.String("conversation_id", ev.ConversationID),
			zap.String("turn_id", ev.TurnID),
			zap.String("state", string(ev.State)),
			zap.Int("listeners", len(fns)),
		)
	}
}

// lock takes the per-conversation send slot. The returned func releases it.
func (c *Controller) lock(ctx context.Context, conversationID string) (func(), error) {
	c.mu.Lock()
	l, ok := c.locks[conversationID]
	if !ok {
		l = &convLock{sem: semaphore.NewWeighted(1)}
		c.locks[conversationID] = l
	}
	l.refs++
	c.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		c.unref(conversationID, l)
		return nil, err
	}

	return func() {
		l.sem.Release(1)
		c.unref(conversationID, l)
	}, nil
}

func (c *Controller) unref(conversationID string, l *convLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, conversationID)
	}
}
