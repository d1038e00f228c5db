// Package handler implements the HTTP surface: the mentor endpoint, the
// conversation API and its live SSE and WebSocket channels.
package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hereforyou/companion/internal/gateway"
	"github.com/hereforyou/companion/internal/middleware"
	"github.com/hereforyou/companion/internal/service"
	"github.com/hereforyou/companion/pkg/logger"
)

// RouterConfig holds the HTTP-level settings.
type RouterConfig struct {
	MaxMessageLength  int
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string
	Heartbeat         time.Duration
}

// NewRouter wires HTTP routes to the controller and gateway.
func NewRouter(cfg RouterConfig, controller *service.Controller, gw gateway.Completer, store Pinger, log *logger.Logger) http.Handler {
	healthHandler := NewHealthHandler(store)
	mentorHandler := NewMentorHandler(gw, cfg.MaxMessageLength, log)
	messageHandler := NewMessageHandler(controller, cfg.MaxMessageLength, log)
	streamHandler := NewStreamHandler(controller, cfg.Heartbeat, log)
	wsHandler := NewWebSocketHandler(controller, cfg.MaxMessageLength, cfg.CORSOrigins, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	limit := func(r chi.Router) {
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}
	}

	r.Group(func(r chi.Router) {
		limit(r)
		r.Post("/api/mentor", mentorHandler.Complete)
	})

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(middleware.Auth(cfg.JWTSecret))
		}
		limit(r)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/messages", messageHandler.List)
			r.Post("/messages", messageHandler.Send)
			r.Post("/mood", messageHandler.Mood)

			// Live channels
			r.Get("/stream", streamHandler.Stream)
			r.Get("/ws", wsHandler.Serve)
		})
	})

	return r
}
