package generate

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse/async"
)

type fakeChatter struct {
	calls []ChatRequest
	resp  *ChatResponse
	err   error
}

func (f *fakeChatter) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	f.calls = append(f.calls, req)
	return f.resp, f.err
}

func TestPromptHandlerGenerates(t *testing.T) {
	chat := &fakeChatter{resp: &ChatResponse{Content: "an oak", Model: "m1", Usage: Usage{TotalTokens: 9}}}
	h := NewPromptHandler(KindSummary, "summarize", chat)
	assert.Equal(t, KindSummary, h.Kind())

	out, err := h.Generate(context.Background(), json.RawMessage(`{"prompt":"a tree","max_tokens":50}`))
	require.NoError(t, err)

	var res PromptResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "an oak", res.Content)
	assert.Equal(t, "m1", res.Model)
	assert.Equal(t, 9, res.Usage.TotalTokens)

	require.Len(t, chat.calls, 1)
	assert.Equal(t, "summarize", chat.calls[0].SystemPrompt)
	assert.Equal(t, "a tree", chat.calls[0].UserPrompt)
	require.NotNil(t, chat.calls[0].MaxTokens)
	assert.Equal(t, 50, *chat.calls[0].MaxTokens)
}

func TestPromptHandlerPayloadSystemWins(t *testing.T) {
	chat := &fakeChatter{resp: &ChatResponse{Content: "ok"}}
	h := NewPromptHandler(KindText, "default", chat)

	_, err := h.Generate(context.Background(), json.RawMessage(`{"prompt":"x","system":"custom"}`))
	require.NoError(t, err)
	assert.Equal(t, "custom", chat.calls[0].SystemPrompt)
}

func TestPromptHandlerRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{prompt`},
		{"wrong shape", `["a"]`},
		{"empty prompt", `{"prompt":"   "}`},
		{"missing prompt", `{}`},
		{"temperature out of range", `{"prompt":"x","temperature":3}`},
		{"zero max tokens", `{"prompt":"x","max_tokens":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &fakeChatter{}
			h := NewPromptHandler(KindText, "", chat)
			_, err := h.Generate(context.Background(), json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.Equal(t, async.ClassValidation, async.ClassifyError(err))
			assert.Empty(t, chat.calls, "invalid payloads never reach the backend")
		})
	}
}

func TestPromptHandlerKeepsBackendClass(t *testing.T) {
	chat := &fakeChatter{err: errors.WithStack(&APIError{StatusCode: http.StatusBadGateway})}
	h := NewPromptHandler(KindText, "", chat)

	_, err := h.Generate(context.Background(), json.RawMessage(`{"prompt":"x"}`))
	require.Error(t, err)
	assert.Equal(t, async.ClassTransient, async.ClassifyError(err))
	assert.Contains(t, err.Error(), "canvas.text generation failed")
}

func TestRegisterThroughRegistry(t *testing.T) {
	client, _ := newTestClient(t, Config{APIKey: "sk-test"}, completion("a fern"))
	reg := async.NewRegistry()
	Register(reg, client)
	assert.Equal(t, []string{KindSummary, KindText}, reg.Kinds())

	out, err := reg.Execute(context.Background(), &async.Job{
		ID:      "j1",
		Kind:    KindText,
		Payload: json.RawMessage(`{"prompt":"a plant"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"a fern","model":"openai/gpt-4o-mini","usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`, string(out))
}
