package logger

import "go.uber.org/zap/zapcore"

// CLI -v flag counts
const (
	VerbosityQuiet = 0 // warnings and errors
	VerbosityInfo  = 1 // -v: dispatch, sweeps, startup
	VerbosityDebug = 2 // -vv: claims, retries, every poll
)

// VerbosityToLevel maps a -v count to a zap level. Counts past -vv stay at
// debug.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityQuiet:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
