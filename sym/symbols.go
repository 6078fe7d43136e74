// Package sym defines the symbols loom attaches to log lines and CLI output.
// They are stable across the CLI, the server logs and the progress stream.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // async jobs, dispatch, retries
	PulseOpen  = "✿" // graceful startup with stale job reconciliation
	PulseClose = "❀" // graceful shutdown with bounded worker join
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
)

// StatusGlyph maps job statuses to the glyph the CLI renders next to them.
var StatusGlyph = map[string]string{
	"queued":     "○",
	"processing": "◐",
	"completed":  "●",
	"failed":     "✕",
	"cancelled":  "⊘",
}

// ForStatus returns the glyph for a job status, or "?" when unknown.
func ForStatus(status string) string {
	if g, ok := StatusGlyph[status]; ok {
		return g
	}
	return "?"
}
