// Package logger defines the structured logging interface used across the
// library, with a standard-library backed implementation and a no-op one.
package logger

// Logger is a leveled, key-value logger. Implementations must be safe for
// concurrent use.
type Logger interface {
	// Debugw logs a debug-level message with optional structured context.
	Debugw(msg string, keysAndValues ...any)

	// Infow logs an info-level message with optional structured context.
	Infow(msg string, keysAndValues ...any)

	// Warnw logs a warning-level message with optional structured context.
	Warnw(msg string, keysAndValues ...any)

	// Errorw logs an error-level message with optional structured context.
	Errorw(msg string, keysAndValues ...any)

	// With returns a logger whose context carries the given key-value pairs
	// on every message.
	With(keysAndValues ...any) Logger

	// WithComponent returns a logger tagged with a component name.
	WithComponent(name string) Logger

	// WithPath returns a logger tagged with the node path it operates on.
	WithPath(path string) Logger
}
