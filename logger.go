package nanasqlite

// Fields carries structured context for a log line: table names, keys,
// counts, wrapped errors.
type Fields map[string]any

// Logger is the leveled surface the store logs through. Ready-made
// adapters live under log/zap, log/logrus, and log/slog; any
// four-level logger can be bridged in a few lines. A nil Options.Logger
// disables logging entirely.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

// NopLogger discards everything. It is the default.
type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}
