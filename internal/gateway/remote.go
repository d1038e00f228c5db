package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/pkg/logger"
)

const maxRemoteBody = 64 << 10

// RemoteClient is a Completer backed by another instance's POST /api/mentor.
type RemoteClient struct {
	url        string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewRemoteClient creates a client for the mentor endpoint at url.
func NewRemoteClient(url string, timeout time.Duration, log *logger.Logger) *RemoteClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RemoteClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log,
	}
}

// Complete posts text and maps the response to a Result.
func (c *RemoteClient) Complete(ctx context.Context, text string) Result {
	start := time.Now()
	res := c.complete(ctx, text)
	res.LatencyMs = time.Since(start).Milliseconds()
	if !res.OK() {
		c.logger.Warn("remote mentor call failed",
			zap.String("url", c.url),
			zap.String("failure", string(res.Failure)),
			zap.Error(res.Err),
		)
	}
	return res
}

func (c *RemoteClient) complete(ctx context.Context, text string) Result {
	body, err := json.Marshal(model.MentorRequest{Message: text})
	if err != nil {
		return fallback(FailureMalformed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fallback(FailureUnconfigured, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fallback(classify(err), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		return fallback(classify(err), err)
	}

	var out model.MentorResponse
	decodeErr := json.Unmarshal(raw, &out)
	reply := strings.TrimSpace(out.Reply)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fallback(FailureUnauthorized, fmt.Errorf("mentor returned %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		res := fallback(FailureUpstream, fmt.Errorf("mentor returned %d", resp.StatusCode))
		if reply != "" {
			res.Text = reply
		}
		return res
	case resp.StatusCode != http.StatusOK:
		return fallback(FailureUpstream, fmt.Errorf("mentor returned %d", resp.StatusCode))
	case decodeErr != nil:
		return fallback(FailureMalformed, fmt.Errorf("failed to decode mentor reply: %w", decodeErr))
	case reply == "":
		return fallback(FailureMalformed, errors.New("mentor reply was empty"))
	}

	return Result{Text: reply}
}
