package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hereforyou/companion/internal/gateway"
	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/store"
	"github.com/hereforyou/companion/pkg/logger"
	"github.com/hereforyou/companion/pkg/metrics"
)

// ErrStoreAppend wraps store failures during a turn.
var ErrStoreAppend = errors.New("failed to append message")

// Turn is one user message and its companion reply, if any.
type Turn struct {
	ID             string
	ConversationID string
	UserMessage    *model.Message
	Reply          *model.Message
	Failure        gateway.FailureKind
}

// Response converts the turn to its wire form.
func (t *Turn) Response() model.SendMessageResponse {
	return model.SendMessageResponse{
		TurnID:      t.ID,
		UserMessage: t.UserMessage,
		Reply:       t.Reply,
		Failure:     string(t.Failure),
	}
}

// MoodText is the message sent for a mood shortcut.
func MoodText(label string) string {
	return "I'm feeling " + strings.ToLower(label) + " today."
}

// SendMoodShortcut sends the canned mood sentence for label.
func (c *Controller) SendMoodShortcut(ctx context.Context, conversationID, label string) (*Turn, error) {
	return c.SendUserMessage(ctx, conversationID, MoodText(label))
}

// SendUserMessage appends the trimmed text as a user message, asks the
// gateway for a reply and appends it. Blank text is a no-op and returns a
// nil turn.
//
// The user message is visible to subscribers before the gateway is called.
// If it cannot be appended the gateway is not called. Once the gateway has
// been called the turn runs to completion even if ctx is canceled.
func (c *Controller) SendUserMessage(ctx context.Context, conversationID, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	if c.opts.Serialize {
		unlock, err := c.lock(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to wait for pending turn: %w", err)
		}
		defer unlock()
	}

	turn := &Turn{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
	}
	log := c.logger.With(
		zap.String("turn_id", turn.ID),
		zap.String("conversation_id", conversationID),
	)

	userMsg, err := c.store.Append(ctx, conversationID, store.NewMessage{
		Author: model.AuthorUser,
		Text:   text,
	})
	if err != nil {
		log.Error("failed to append user message", zap.Error(err))
		metrics.RecordTurn("store_error")
		return nil, fmt.Errorf("%w: %w", ErrStoreAppend, err)
	}
	turn.UserMessage = userMsg
	metrics.RecordMessage(string(model.AuthorUser))

	c.emit(model.TurnEvent{
		TurnID:         turn.ID,
		ConversationID: conversationID,
		State:          model.TurnUserAppended,
		UserMessageID:  userMsg.ID,
	})
	c.emit(model.TurnEvent{
		TurnID:         turn.ID,
		ConversationID: conversationID,
		State:          model.TurnAwaitingReply,
		UserMessageID:  userMsg.ID,
	})

	// The turn outlives the caller once the user message has landed.
	detached := context.WithoutCancel(ctx)

	metrics.TurnsInFlight.Inc()
	res := c.gateway.Complete(detached, text)
	metrics.TurnsInFlight.Dec()

	if res.OK() {
		return c.appendReply(detached, log, turn, store.NewMessage{
			Author:    model.AuthorCompanion,
			Text:      res.Text,
			InReplyTo: userMsg.ID,
		})
	}

	turn.Failure = res.Failure
	log.Warn("companion reply unavailable",
		zap.String("failure", string(res.Failure)),
		zap.String("policy", string(c.opts.FailurePolicy)),
		zap.Error(res.Err),
	)

	if c.opts.FailurePolicy == PolicySilent {
		c.emit(model.TurnEvent{
			TurnID:         turn.ID,
			ConversationID: conversationID,
			State:          model.TurnFailed,
			UserMessageID:  userMsg.ID,
			Failure:        string(res.Failure),
		})
		metrics.RecordTurn("failed")
		return turn, nil
	}

	return c.appendReply(detached, log, turn, store.NewMessage{
		Author:    model.AuthorCompanion,
		Text:      gateway.FallbackReply,
		InReplyTo: userMsg.ID,
		Fallback:  true,
	})
}

func (c *Controller) appendReply(ctx context.Context, log *logger.Logger, turn *Turn, in store.NewMessage) (*Turn, error) {
	ev := model.TurnEvent{
		TurnID:         turn.ID,
		ConversationID: turn.ConversationID,
		State:          model.TurnReplyAppended,
		UserMessageID:  turn.UserMessage.ID,
		Failure:        string(turn.Failure),
	}
	if turn.Failure != gateway.FailureNone {
		ev.State = model.TurnFailed
	}

	reply, err := c.store.Append(ctx, turn.ConversationID, in)
	if err != nil {
		log.Error("failed to append companion reply", zap.Error(err))
		ev.State = model.TurnFailed
		if ev.Failure == "" {
			ev.Failure = "store"
		}
		c.emit(ev)
		metrics.RecordTurn("store_error")
		return turn, fmt.Errorf("%w: %w", ErrStoreAppend, err)
	}

	turn.Reply = reply
	metrics.RecordMessage(string(model.AuthorCompanion))

	ev.ReplyMessageID = reply.ID
	c.emit(ev)

	if ev.State == model.TurnFailed {
		metrics.RecordTurn("fallback")
	} else {
		metrics.RecordTurn("ok")
	}
	return turn, nil
}
