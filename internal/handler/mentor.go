package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/hereforyou/companion/internal/gateway"
	"github.com/hereforyou/companion/internal/middleware"
	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/pkg/logger"
)

// MentorHandler exposes the completion gateway over HTTP.
type MentorHandler struct {
	gateway          gateway.Completer
	maxMessageLength int
	logger           *logger.Logger
}

// NewMentorHandler creates a new mentor handler.
func NewMentorHandler(gw gateway.Completer, maxMessageLength int, log *logger.Logger) *MentorHandler {
	return &MentorHandler{
		gateway:          gw,
		maxMessageLength: maxMessageLength,
		logger:           log,
	}
}

// Complete handles POST /api/mentor. The body is {reply} on both success
// (200) and fallback (500).
func (h *MentorHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req model.MentorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := middleware.ValidateMessageText(req.Message, h.maxMessageLength); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := h.gateway.Complete(r.Context(), req.Message)
	if !res.OK() {
		h.logger.Warn("mentor request fell back",
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.String("failure", string(res.Failure)),
		)
		writeJSON(w, http.StatusInternalServerError, model.MentorResponse{Reply: gateway.FallbackReply})
		return
	}

	writeJSON(w, http.StatusOK, model.MentorResponse{Reply: res.Text})
}
