package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ArkClient talks to a Volcengine Ark endpoint through an eino chat model.
// The model (endpoint id) is fixed when the client is built.
type ArkClient struct {
	chatModel einomodel.ChatModel
	model     string
}

// NewArkClient builds an Ark chat model from cfg.
func NewArkClient(ctx context.Context, cfg Config) (*ArkClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ark: %w", ErrMissingAPIKey)
	}
	if cfg.Model == "" {
		return nil, errors.New("ark: model endpoint is required")
	}

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		Region:  cfg.Region,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("ark: failed to create chat model: %w", err)
	}

	return &ArkClient{chatModel: chatModel, model: cfg.Model}, nil
}

// Name returns the provider name.
func (c *ArkClient) Name() string {
	return string(ProviderArk)
}

// Complete runs one generation. req.Model is ignored.
func (c *ArkClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	messages := make([]*schema.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, schema.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		messages = append(messages, &schema.Message{
			Role:    schema.RoleType(msg.Role),
			Content: msg.Content,
		})
	}

	var opts []einomodel.Option
	if req.MaxTokens > 0 {
		opts = append(opts, einomodel.WithMaxTokens(req.MaxTokens))
	}

	out, err := c.chatModel.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return nil, ErrEmptyCompletion
	}

	resp := &CompletionResponse{
		Content:   out.Content,
		Model:     c.model,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if meta := out.ResponseMeta; meta != nil {
		resp.StopReason = meta.FinishReason
		if meta.Usage != nil {
			resp.TokensIn = meta.Usage.PromptTokens
			resp.TokensOut = meta.Usage.CompletionTokens
		}
	}
	return resp, nil
}
