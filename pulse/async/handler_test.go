package async

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/errors"
)

type echoHandler struct {
	kind string
}

func (h echoHandler) Kind() string { return h.kind }

func (h echoHandler) Generate(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

func TestRegistryRoutesByKind(t *testing.T) {
	r := NewRegistry()
	r.Register(echoHandler{kind: "canvas.text"})
	r.Register(echoHandler{kind: "canvas.image"})

	assert.True(t, r.Has("canvas.text"))
	assert.False(t, r.Has("canvas.video"))
	assert.Equal(t, []string{"canvas.image", "canvas.text"}, r.Kinds())

	out, err := r.Execute(t.Context(), &Job{Kind: "canvas.text", Payload: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestRegistryUnknownKindIsInitializationError(t *testing.T) {
	r := NewRegistry()

	_, err := r.Execute(t.Context(), &Job{Kind: "canvas.video"})
	require.Error(t, err)
	assert.Equal(t, ClassInitialization, ClassifyError(err))
	assert.Contains(t, err.Error(), "canvas.video")
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(echoHandler{kind: "canvas.text"})

	assert.Panics(t, func() {
		r.Register(echoHandler{kind: "canvas.text"})
	})
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		class     ErrorClass
		retryable bool
	}{
		{"plain", errors.New("upstream 503"), ClassTransient, true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ClassTransient, true},
		{"validation", ValidationError(errors.New("prompt is empty")), ClassValidation, false},
		{"wrapped validation", errors.Wrap(ValidationError(errors.New("bad")), "generate"), ClassValidation, false},
		{"initialization", InitializationError(errors.New("no api key")), ClassInitialization, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			assert.Equal(t, tt.class, got)
			assert.Equal(t, tt.retryable, got.Retryable())
		})
	}
}

func TestErrorMessageTruncates(t *testing.T) {
	long := make([]byte, maxErrorMessageLen*2)
	for i := range long {
		long[i] = 'x'
	}
	msg := errorMessage(errors.New(string(long)))
	assert.Len(t, msg, maxErrorMessageLen)
	assert.True(t, errors.IsConflictError(ErrJobNotProcessing))
}
