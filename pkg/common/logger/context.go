package logger

import "context"

// LoggerContext carries a set of accumulated attributes so call sites can
// add identifying fields once and reuse them across multiple log lines.
type LoggerContext struct {
	logger *Logger
	attrs  []any
}

// NewLoggerContext constructs a LoggerContext around the provided logger.
func NewLoggerContext(logger *Logger) *LoggerContext {
	return &LoggerContext{logger: logger}
}

// Add appends key/value pairs to the accumulated attributes.
func (lc *LoggerContext) Add(args ...any) { lc.attrs = append(lc.attrs, args...) }

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.Debugc(ctx, 3, msg, append(lc.attrs, args...)...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.Infoc(ctx, 3, msg, append(lc.attrs, args...)...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.Warnc(ctx, 3, msg, append(lc.attrs, args...)...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.Errorc(ctx, 3, msg, append(lc.attrs, args...)...)
}
