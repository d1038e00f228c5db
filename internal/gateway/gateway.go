// Package gateway turns one user utterance into one companion reply. It never
// fails past its boundary: every call yields reply text, either from the
// model or the fixed fallback, plus a tagged failure kind.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hereforyou/companion/internal/llm"
	"github.com/hereforyou/companion/pkg/logger"
	"github.com/hereforyou/companion/pkg/metrics"
	"github.com/hereforyou/companion/pkg/tracing"
)

const (
	// FallbackReply is returned whenever no model reply is available.
	FallbackReply = "Sorry, the AI mentor is unavailable."

	// DefaultSystemPrompt is the companion persona.
	DefaultSystemPrompt = "You are a warm, concise mental health companion. Be supportive, not clinical."

	DefaultMaxTokens = 120
	DefaultTimeout   = 20 * time.Second
)

// FailureKind tags why a call fell back. The zero value means success.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureTimeout      FailureKind = "timeout"
	FailureCanceled     FailureKind = "canceled"
	FailureUpstream     FailureKind = "upstream"
	FailureUnauthorized FailureKind = "unauthorized"
	FailureMalformed    FailureKind = "malformed"
	FailureUnconfigured FailureKind = "unconfigured"
)

// Result is the outcome of one completion. Text is never empty.
type Result struct {
	Text      string
	Failure   FailureKind
	Err       error
	Model     string
	LatencyMs int64
	TokensIn  int
	TokensOut int
}

// OK reports whether Text is a model reply.
func (r Result) OK() bool {
	return r.Failure == FailureNone
}

func fallback(kind FailureKind, err error) Result {
	return Result{Text: FallbackReply, Failure: kind, Err: err}
}

// Completer produces a companion reply for one utterance.
type Completer interface {
	Complete(ctx context.Context, text string) Result
}

// Config configures a Gateway.
type Config struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Gateway calls an LLM provider with the companion persona. A nil client
// makes every call fail as unconfigured.
type Gateway struct {
	client llm.Client
	cfg    Config
	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a gateway. A nil log uses the global logger.
func New(client llm.Client, cfg Config, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Global()
	}
	return &Gateway{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: log,
		tracer: tracing.Tracer("github.com/hereforyou/companion/internal/gateway"),
	}
}

// Complete sends text as a single user turn, without history.
func (g *Gateway) Complete(ctx context.Context, text string) (res Result) {
	start := time.Now()
	provider := "none"
	if g.client != nil {
		provider = g.client.Name()
	}

	ctx, span := g.tracer.Start(ctx, "gateway.Complete",
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.Int("input.length", len(text)),
		),
	)

	defer func() {
		if r := recover(); r != nil {
			res = fallback(FailureUpstream, fmt.Errorf("provider panic: %v", r))
		}
		res.LatencyMs = time.Since(start).Milliseconds()
		g.finish(span, provider, text, res)
	}()

	if g.client == nil {
		return fallback(FailureUnconfigured, errors.New("no LLM provider configured"))
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return fallback(FailureMalformed, errors.New("empty input"))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.client.Complete(callCtx, &llm.CompletionRequest{
		Model:     g.cfg.Model,
		System:    g.cfg.SystemPrompt,
		MaxTokens: g.cfg.MaxTokens,
		Messages: []llm.ChatMessage{
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return fallback(classify(err), err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return fallback(FailureMalformed, llm.ErrEmptyCompletion)
	}

	return Result{Text: reply, Model: resp.Model, TokensIn: resp.TokensIn, TokensOut: resp.TokensOut}
}

// Reply returns only the reply text.
func (g *Gateway) Reply(ctx context.Context, text string) string {
	return g.Complete(ctx, text).Text
}

func (g *Gateway) finish(span trace.Span, provider, text string, res Result) {
	defer span.End()

	outcome := string(res.Failure)
	if res.OK() {
		outcome = "ok"
	}
	metrics.RecordGatewayCall(provider, res.Model, outcome, float64(res.LatencyMs)/1000, res.TokensIn, res.TokensOut)

	span.SetAttributes(attribute.String("gateway.outcome", outcome))
	if res.OK() {
		span.SetStatus(codes.Ok, "")
		g.logger.Debug("completion succeeded",
			zap.String("provider", provider),
			zap.String("model", res.Model),
			zap.Int64("latency_ms", res.LatencyMs),
		)
		return
	}

	span.RecordError(res.Err)
	span.SetStatus(codes.Error, outcome)
	g.logger.Error("completion failed, returning fallback",
		zap.String("provider", provider),
		zap.String("failure", outcome),
		zap.Int("input_length", len(text)),
		zap.Int64("latency_ms", res.LatencyMs),
		zap.Error(res.Err),
	)
}

// classify maps a provider error to a failure kind.
func classify(err error) FailureKind {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled):
		return FailureCanceled
	case errors.Is(err, llm.ErrUnauthorized):
		return FailureUnauthorized
	case errors.Is(err, llm.ErrMissingAPIKey):
		return FailureUnconfigured
	case errors.Is(err, llm.ErrEmptyCompletion):
		return FailureMalformed
	case errors.As(err, &netErr) && netErr.Timeout():
		return FailureTimeout
	}
	return FailureUpstream
}
