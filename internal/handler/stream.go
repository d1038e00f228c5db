package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hereforyou/companion/internal/middleware"
	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/service"
	"github.com/hereforyou/companion/pkg/logger"
	"github.com/hereforyou/companion/pkg/metrics"
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	controller *service.Controller
	heartbeat  time.Duration
	logger     *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(controller *service.Controller, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		controller: controller,
		heartbeat:  heartbeat,
		logger:     log,
	}
}

// Stream handles GET /api/v1/conversations/{id}/stream
//
// The first event is a snapshot of the whole conversation. Every append
// produces another snapshot; turn events report pending and failed replies.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID, err := conversationParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	log := h.logger.WithConversation(middleware.GetCorrelationID(ctx), conversationID)

	feed, err := openFeed(ctx, h.controller, conversationID, log)
	if err != nil {
		log.Error("failed to subscribe", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "conversation store unavailable")
		return
	}
	defer feed.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Track active connection
	metrics.IncrementStreamConnections("sse")
	defer metrics.DecrementStreamConnections("sse")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return
			}

		case f := <-feed.frames:
			var err error
			if f.snapshot != nil {
				err = sendSSEEvent(w, flusher, "snapshot", f.snapshot)
			} else {
				err = sendSSEEvent(w, flusher, "turn", f.turn)
			}
			if err != nil {
				log.Debug("SSE write failed", zap.Error(err))
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
