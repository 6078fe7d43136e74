// Package generate talks to an OpenRouter-compatible chat completion API and
// exposes it to the job queue as async handlers.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
	"github.com/teranos/loom/pulse/async"
)

const (
	// DefaultModel should match generation.model in am/defaults.go
	DefaultModel = "openai/gpt-4o-mini"

	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 1000

	// maxErrorBody bounds how much of a failed response is kept in the error
	maxErrorBody = 512
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("generation API key not configured")

// Config holds client configuration
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Temperature       float64
	MaxTokens         int
	RequestsPerMinute int           // 0 = unlimited
	Timeout           time.Duration // per HTTP request, 0 = httpclient.DefaultTimeout
	AllowPrivate      bool          // permit local model servers
}

// ConfigFrom converts the am generation section.
func ConfigFrom(c am.GenerationConfig) Config {
	return Config{
		APIKey:            c.APIKey,
		BaseURL:           c.BaseURL,
		Model:             c.Model,
		Temperature:       c.Temperature,
		MaxTokens:         c.MaxTokens,
		RequestsPerMinute: c.RequestsPerMinute,
		Timeout:           time.Duration(c.TimeoutSeconds) * time.Second,
		AllowPrivate:      c.AllowPrivateHosts,
	}
}

// Client is an OpenRouter-compatible chat completion client.
// Safe for concurrent use; the rate limiter is shared by all callers.
type Client struct {
	config     Config
	baseURL    string
	httpClient *httpclient.SaferClient
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
}

// NewClient creates a client, filling defaults for empty fields.
func NewClient(config Config, logger *zap.SugaredLogger) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Temperature == 0 {
		config.Temperature = DefaultTemperature
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(config.RequestsPerMinute)/60.0), 1)
	}

	return &Client{
		config:  config,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpclient.New(config.Timeout, httpclient.Options{
			AllowPrivate: config.AllowPrivate,
		}),
		limiter: limiter,
		logger:  logger.Named("generate"),
	}
}

// NewClientFromConfig creates a client from the am generation section.
func NewClientFromConfig(c am.GenerationConfig, logger *zap.SugaredLogger) *Client {
	return NewClient(ConfigFrom(c), logger)
}

// SetHTTPClient replaces the transport. Only for tests against httptest servers.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}

// IsConfigured reports whether an API key is set.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// Model returns the default model.
func (c *Client) Model() string {
	return c.config.Model
}

// ChatCompletionRequest is the wire request for /chat/completions
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Message is one chat message. Content is kept raw so it can be either a
// string or a content-part array.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// NewTextMessage creates a message with plain string content.
func NewTextMessage(role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw}
}

// TextContent returns the content as text. Content-part arrays have their
// text parts concatenated.
func (m Message) TextContent() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(m.Content)
}

// ChatCompletionResponse is the wire response from /chat/completions
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage is token accounting for one request
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIError is a non-200 response from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return "generation API returned status " + http.StatusText(e.StatusCode) + ": " + e.Body
}

// Retryable reports whether the status is worth another attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// CreateChatCompletion sends one request. Errors are classified for the
// queue: 4xx other than 408/429 are validation errors; everything else
// (network, 429, 5xx, undecodable bodies) is left transient.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if !c.IsConfigured() {
		return nil, async.InitializationError(errors.WithHint(ErrNotConfigured,
			"set generation.api_key in am.toml or LOOM_GENERATION_API_KEY"))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, async.ValidationError(errors.Wrap(err, "failed to marshal request"))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter wait")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, async.InitializationError(errors.Wrap(err, "failed to create request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("X-Title", "loom")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), maxErrorBody)}
		c.logger.Warnw("Generation API error",
			"status", resp.StatusCode,
			"model", req.Model,
			"retryable", apiErr.Retryable(),
		)
		if apiErr.Retryable() {
			return nil, errors.WithStack(apiErr)
		}
		return nil, async.ValidationError(errors.WithStack(apiErr))
	}

	var out ChatCompletionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}

	c.logger.Debugw("Generation response",
		"model", out.Model,
		"choices", len(out.Choices),
		"total_tokens", out.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &out, nil
}

// ChatRequest is a high-level single-turn request. Nil overrides use the
// client defaults.
type ChatRequest struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	Temperature  *float64
	MaxTokens    *int
}

// ChatResponse is the trimmed text of the first choice
type ChatResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// Chat runs a single-turn completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	wire := ChatCompletionRequest{
		Model:       c.config.Model,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	}
	if req.Model != "" {
		wire.Model = req.Model
	}
	if req.Temperature != nil {
		wire.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		wire.MaxTokens = *req.MaxTokens
	}
	if req.SystemPrompt != "" {
		wire.Messages = append(wire.Messages, NewTextMessage("system", req.SystemPrompt))
	}
	wire.Messages = append(wire.Messages, NewTextMessage("user", req.UserPrompt))

	resp, err := c.CreateChatCompletion(ctx, wire)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no response choices from generation API")
	}

	model := resp.Model
	if model == "" {
		model = wire.Model
	}
	return &ChatResponse{
		Content: strings.TrimSpace(resp.Choices[0].Message.TextContent()),
		Model:   model,
		Usage:   resp.Usage,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
