package logger

import (
	"github.com/teranos/loom/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// These log with the symbol as a structured field, not in the message,
// which keeps messages clean and makes logs queryable by symbol.

// PulseInfow logs an info message with the Pulse symbol (꩜)
func PulseInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.Pulse, msg, keysAndValues...)
}

// PulseWarnw logs a warning message with the Pulse symbol (꩜)
func PulseWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Pulse}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// PulseOpenInfow logs an info message with the PulseOpen symbol (✿)
func PulseOpenInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.PulseOpen, msg, keysAndValues...)
}

// PulseCloseInfow logs an info message with the PulseClose symbol (❀)
func PulseCloseInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.PulseClose, msg, keysAndValues...)
}

// DBInfow logs an info message with the DB symbol (⊔)
func DBInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.DB, msg, keysAndValues...)
}

// WithSymbol returns a logger with the given symbol as a field.
func WithSymbol(base *zap.SugaredLogger, symbol string) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	return base.With(FieldSymbol, symbol)
}

// SymbolInfow logs with any symbol - for dynamic symbol usage
func SymbolInfow(symbol, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symbol}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}
