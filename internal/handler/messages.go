package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hereforyou/companion/internal/middleware"
	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/service"
	"github.com/hereforyou/companion/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	controller       *service.Controller
	maxMessageLength int
	logger           *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(controller *service.Controller, maxMessageLength int, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		controller:       controller,
		maxMessageLength: maxMessageLength,
		logger:           log,
	}
}

// List handles GET /api/v1/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID, err := conversationParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := h.controller.Messages(r.Context(), conversationID)
	if err != nil {
		h.log(r, conversationID).Error("failed to list messages", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "conversation store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, model.ListMessagesResponse{Messages: messages})
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	conversationID, err := conversationParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := middleware.ValidateMessageText(req.Text, h.maxMessageLength); err != nil {
		if errors.Is(err, middleware.ErrEmptyText) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn, err := h.controller.SendUserMessage(r.Context(), conversationID, req.Text)
	h.respond(w, r, conversationID, turn, err)
}

// Mood handles POST /api/v1/conversations/{id}/mood
func (h *MessageHandler) Mood(w http.ResponseWriter, r *http.Request) {
	conversationID, err := conversationParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.MoodRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := middleware.ValidateMoodLabel(req.Label); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn, err := h.controller.SendMoodShortcut(r.Context(), conversationID, req.Label)
	h.respond(w, r, conversationID, turn, err)
}

func (h *MessageHandler) respond(w http.ResponseWriter, r *http.Request, conversationID string, turn *service.Turn, err error) {
	switch {
	case err != nil && turn == nil:
		h.log(r, conversationID).Error("failed to send message", zap.Error(err))
		if errors.Is(err, service.ErrStoreAppend) {
			writeError(w, http.StatusServiceUnavailable, "conversation store unavailable")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "failed to send message")
	case err != nil:
		// The user message landed but the reply did not.
		h.log(r, conversationID).Error("failed to append reply", zap.String("turn_id", turn.ID), zap.Error(err))
		writeJSON(w, http.StatusCreated, turn.Response())
	case turn == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusCreated, turn.Response())
	}
}

func (h *MessageHandler) log(r *http.Request, conversationID string) *logger.Logger {
	return h.logger.WithConversation(middleware.GetCorrelationID(r.Context()), conversationID)
}
