package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hereforyou/companion/internal/middleware"
	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/service"
	"github.com/hereforyou/companion/pkg/logger"
	"github.com/hereforyou/companion/pkg/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsReadLimit  = 64 << 10
)

// WebSocketHandler serves a conversation over a WebSocket: the server pushes
// snapshots and turn events, the client sends text and mood intents.
type WebSocketHandler struct {
	controller       *service.Controller
	maxMessageLength int
	logger           *logger.Logger
	upgrader         websocket.Upgrader
}

// NewWebSocketHandler creates a WebSocket handler. An empty allowedOrigins
// accepts any origin.
func NewWebSocketHandler(controller *service.Controller, maxMessageLength int, allowedOrigins []string, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		controller:       controller,
		maxMessageLength: maxMessageLength,
		logger:           log,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// inboundMessage is a client intent.
type inboundMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Label string `json:"label,omitempty"`
}

// outboundMessage is a server push.
type outboundMessage struct {
	Type     string                     `json:"type"`
	Snapshot *model.Snapshot            `json:"snapshot,omitempty"`
	Turn     *model.TurnEvent           `json:"turn,omitempty"`
	Result   *model.SendMessageResponse `json:"result,omitempty"`
	Error    *model.ErrorEvent          `json:"error,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) sendError(code, message string) error {
	return c.writeJSON(outboundMessage{Type: "error", Error: &model.ErrorEvent{Code: code, Message: message}})
}

// Serve handles GET /api/v1/conversations/{id}/ws
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conversationID, err := conversationParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := h.logger.WithConversation(middleware.GetCorrelationID(r.Context()), conversationID)

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	metrics.IncrementStreamConnections("websocket")
	defer metrics.DecrementStreamConnections("websocket")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feed, err := openFeed(ctx, h.controller, conversationID, log)
	if err != nil {
		log.Error("failed to subscribe", zap.Error(err))
		conn.sendError("store_unavailable", "conversation store unavailable")
		return
	}
	defer feed.Close()

	raw.SetReadLimit(wsReadLimit)
	raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go h.writeLoop(ctx, cancel, conn, feed, log)

	var sends sync.WaitGroup
	defer sends.Wait()

	for {
		var msg inboundMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", zap.Error(err))
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				conn.sendError("bad_request", "invalid message")
				continue
			}
			cancel()
			return
		}
		raw.SetReadDeadline(time.Now().Add(wsPongWait))

		// Intents run concurrently; the read loop must keep serving pongs.
		sends.Add(1)
		go func(msg inboundMessage) {
			defer sends.Done()
			h.handleIntent(ctx, conn, conversationID, msg, log)
		}(msg)
	}
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *wsConn, feed *conversationFeed, log *logger.Logger) {
	defer cancel()
	// Unblocks the read loop.
	defer conn.conn.Close()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			err = conn.ping()
		case f := <-feed.frames:
			if f.snapshot != nil {
				err = conn.writeJSON(outboundMessage{Type: "snapshot", Snapshot: f.snapshot})
			} else {
				err = conn.writeJSON(outboundMessage{Type: "turn", Turn: f.turn})
			}
		}
		if err != nil {
			log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) handleIntent(ctx context.Context, conn *wsConn, conversationID string, msg inboundMessage, log *logger.Logger) {
	var (
		turn *service.Turn
		err  error
	)

	switch msg.Type {
	case "send":
		if verr := middleware.ValidateMessageText(msg.Text, h.maxMessageLength); verr != nil {
			if !errors.Is(verr, middleware.ErrEmptyText) {
				conn.sendError("bad_request", verr.Error())
			}
			return
		}
		turn, err = h.controller.SendUserMessage(ctx, conversationID, msg.Text)
	case "mood":
		if verr := middleware.ValidateMoodLabel(msg.Label); verr != nil {
			conn.sendError("bad_request", verr.Error())
			return
		}
		turn, err = h.controller.SendMoodShortcut(ctx, conversationID, msg.Label)
	default:
		conn.sendError("bad_request", "unknown message type")
		return
	}

	if err != nil {
		log.Error("websocket send failed", zap.Error(err))
		code := "send_failed"
		if errors.Is(err, service.ErrStoreAppend) {
			code = "store_unavailable"
		}
		conn.sendError(code, "message could not be saved")
		if turn == nil {
			return
		}
	}
	if turn != nil {
		resp := turn.Response()
		conn.writeJSON(outboundMessage{Type: "result", Result: &resp})
	}
}
