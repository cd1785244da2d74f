package log

import "context"

// NopLogger discards all log entries.
type NopLogger struct{}

// NewNop returns a logger that discards everything it receives.
func NewNop() Logger {
	return &NopLogger{}
}

func (*NopLogger) Log(context.Context, Level, string, ...Field) {}

func (nop *NopLogger) With(...Field) Logger { return nop }

func (*NopLogger) Enabled(Level) bool { return false }

func (*NopLogger) Sync(context.Context) error { return nil }
