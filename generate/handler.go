package generate

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse/async"
)

// Job kinds served by this package
const (
	KindText    = "canvas.text"
	KindSummary = "canvas.summary"
)

const summarySystemPrompt = "Summarize the provided canvas content in a few short sentences. " +
	"Keep names and numbers exact."

// maxPromptLen rejects prompts no model accepts in one request
const maxPromptLen = 100_000

// PromptPayload is the payload for prompt-driven job kinds.
type PromptPayload struct {
	Prompt      string   `json:"prompt"`
	System      string   `json:"system,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Validate checks the payload independent of any backend.
func (p PromptPayload) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if len(p.Prompt) > maxPromptLen {
		return errors.Newf("prompt exceeds %d bytes", maxPromptLen)
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return errors.Newf("temperature must be within [0, 2], got %v", *p.Temperature)
	}
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return errors.Newf("max_tokens must be positive, got %d", *p.MaxTokens)
	}
	return nil
}

// PromptResult is the result document stored on completed jobs.
type PromptResult struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// Chatter is the part of Client the handler needs.
type Chatter interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// PromptHandler turns a prompt payload into a chat completion.
type PromptHandler struct {
	kind   string
	system string
	client Chatter
}

var _ async.Handler = (*PromptHandler)(nil)

// NewPromptHandler serves kind. system is the default system prompt, used
// when the payload does not carry its own.
func NewPromptHandler(kind, system string, client Chatter) *PromptHandler {
	return &PromptHandler{kind: kind, system: system, client: client}
}

// Kind implements async.Handler.
func (h *PromptHandler) Kind() string {
	return h.kind
}

// Generate implements async.Handler.
func (h *PromptHandler) Generate(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	p, err := DecodePrompt(payload)
	if err != nil {
		return nil, err
	}

	system := p.System
	if system == "" {
		system = h.system
	}
	resp, err := h.client.Chat(ctx, ChatRequest{
		SystemPrompt: system,
		UserPrompt:   p.Prompt,
		Model:        p.Model,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "%s generation failed", h.kind)
	}

	out, err := json.Marshal(PromptResult{Content: resp.Content, Model: resp.Model, Usage: resp.Usage})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal result")
	}
	return out, nil
}

// DecodePrompt parses and validates a prompt payload. Failures are marked as
// validation errors so the job fails without retrying.
func DecodePrompt(payload json.RawMessage) (PromptPayload, error) {
	var p PromptPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, async.ValidationError(errors.Wrap(err, "invalid prompt payload"))
	}
	if err := p.Validate(); err != nil {
		return p, async.ValidationError(err)
	}
	return p, nil
}

// Register adds the standard prompt handlers to reg.
func Register(reg *async.Registry, client *Client) {
	reg.Register(NewPromptHandler(KindText, "", client))
	reg.Register(NewPromptHandler(KindSummary, summarySystemPrompt, client))
}
