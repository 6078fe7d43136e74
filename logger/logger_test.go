package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode", jsonOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			previous := Logger
			t.Cleanup(func() { Logger = previous; JSONOutput = false })

			require.NoError(t, Initialize(tt.jsonOutput, zapcore.InfoLevel))
			assert.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)
		})
	}
}

func TestVerbosityToLevel(t *testing.T) {
	tests := []struct {
		verbosity int
		want      zapcore.Level
	}{
		{0, zapcore.WarnLevel},
		{1, zapcore.InfoLevel},
		{2, zapcore.DebugLevel},
		{5, zapcore.DebugLevel},
		{-1, zapcore.WarnLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, VerbosityToLevel(tt.verbosity), "verbosity %d", tt.verbosity)
	}
}

func TestSymbolHelpersAttachSymbolField(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	previous := Logger
	Logger = zap.New(core).Sugar()
	t.Cleanup(func() { Logger = previous })

	PulseInfow("job claimed", FieldJobID, "j-1")
	PulseCloseInfow("scheduler stopped")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "꩜", entries[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "j-1", entries[0].ContextMap()[FieldJobID])
	assert.Equal(t, "❀", entries[1].ContextMap()[FieldSymbol])
}

func TestChildLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	child := ChildLogger(zap.New(core).Sugar(), FieldJobID, "j-2")
	child.Infow("hello")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "j-2", logs.All()[0].ContextMap()[FieldJobID])
}
