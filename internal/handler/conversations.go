package handler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/service"
	"github.com/hereforyou/companion/pkg/logger"
)

const feedBuffer = 64

// frame is one item pushed to a live client: a snapshot or a turn event.
type frame struct {
	snapshot *model.Snapshot
	turn     *model.TurnEvent
}

// conversationFeed merges store snapshots and turn events of one conversation
// into a single channel for a live connection.
type conversationFeed struct {
	frames chan frame
	done   chan struct{}
	once   sync.Once

	unsubscribe func()
	stopEvents  func()
}

// openFeed subscribes to a conversation. Snapshots are never dropped. Turn
// events are dropped while the buffer is full.
func openFeed(ctx context.Context, controller *service.Controller, conversationID string, log *logger.Logger) (*conversationFeed, error) {
	f := &conversationFeed{
		frames: make(chan frame, feedBuffer),
		done:   make(chan struct{}),
	}

	f.stopEvents = controller.Events(conversationID, func(ev model.TurnEvent) {
		select {
		case f.frames <- frame{turn: &ev}:
		case <-f.done:
		default:
			log.Warn("dropping turn event for slow client",
				zap.String("conversation_id", conversationID),
				zap.String("turn_id", ev.TurnID),
				zap.String("state", string(ev.State)),
			)
		}
	})

	unsubscribe, err := controller.Subscribe(ctx, conversationID, func(messages []model.Message) {
		snapshot := model.NewSnapshot(conversationID, messages)
		select {
		case f.frames <- frame{snapshot: &snapshot}:
		case <-f.done:
		}
	})
	if err != nil {
		f.stopEvents()
		return nil, err
	}
	f.unsubscribe = unsubscribe

	return f, nil
}

// Close stops both subscriptions.
func (f *conversationFeed) Close() {
	f.once.Do(func() {
		close(f.done)
		f.stopEvents()
		f.unsubscribe()
	})
}
