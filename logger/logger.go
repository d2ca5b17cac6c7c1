// Package logger provides the structured logging surface of the settlement
// engine. Production wiring uses the zap implementation; tests use the noop.
package logger

// Logger is the minimal structured logging contract the engine depends on.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func NewNoopLogger() Logger { return &NoopLogger{} }

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}
