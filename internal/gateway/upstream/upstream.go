// Package upstream issues chat-completion calls to the provider, buffered or
// streaming, over deployment-target URLs.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/llmops/metered-gateway/internal/shared/gwerr"
	"github.com/llmops/metered-gateway/internal/shared/metrics"
)

// ChatRequest is the inbound chat payload after parsing and defaulting.
// Temperature and MaxTokens are pointers so absence survives round-trips.
type ChatRequest struct {
	Model       string                         `json:"model,omitempty"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	Stream      bool                           `json:"stream,omitempty"`
}

// payload is what actually goes over the wire; the deployment target in the
// URL selects the model, so the model field stays out of the body.
type payload struct {
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	Stream      bool                           `json:"stream,omitempty"`
}

type providerErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client calls the upstream provider with a bounded timeout and cooperative
// cancellation via the request context.
type Client struct {
	endpoint    string
	apiKey      string
	apiVersion  string
	deployments map[string]string
	httpClient  *http.Client
	logger      *zap.Logger
}

// New creates an upstream client. deployments maps model names to deployment
// targets; models outside the map are rejected before any network call.
func New(endpoint, apiKey, apiVersion string, deployments map[string]string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		endpoint:    endpoint,
		apiKey:      apiKey,
		apiVersion:  apiVersion,
		deployments: deployments,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// Deployment resolves a model to its deployment target.
// Returns gwerr.ErrInvalidModel for unmapped models.
func (c *Client) Deployment(model string) (string, error) {
	target, ok := c.deployments[model]
	if !ok {
		return "", fmt.Errorf("%w: %s", gwerr.ErrInvalidModel, model)
	}
	return target, nil
}

func (c *Client) url(target string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.endpoint, target, c.apiVersion)
}

func (c *Client) do(ctx context.Context, req ChatRequest, streaming bool) (*http.Response, error) {
	target, err := c.Deployment(req.Model)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      streaming,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal upstream payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(target), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamFailures.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", gwerr.ErrProviderUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		metrics.UpstreamFailures.WithLabelValues("provider_error").Inc()
		return nil, c.providerError(resp)
	}

	return resp, nil
}

func (c *Client) providerError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var parsed providerErrorBody
	message := string(raw)
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	c.logger.Warn("upstream returned error",
		zap.Int("status", resp.StatusCode),
		zap.String("message", message),
	)
	return &gwerr.ProviderError{Status: resp.StatusCode, Message: message}
}

// Complete issues a buffered call and returns the provider's full response
// body plus the usage record it reports.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (json.RawMessage, openai.Usage, error) {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return nil, openai.Usage{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, openai.Usage{}, fmt.Errorf("%w: read response: %v", gwerr.ErrProviderUnavailable, err)
	}

	var usageOnly struct {
		Usage openai.Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &usageOnly); err != nil {
		return nil, openai.Usage{}, fmt.Errorf("decode upstream response: %w", err)
	}

	return raw, usageOnly.Usage, nil
}

// Stream issues a streaming call and returns the open SSE byte stream. The
// caller owns closing it; canceling ctx aborts the upstream call.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
