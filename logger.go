package compkit

// Logger defines the interface for runtime logging.
// The framework uses structured logging with key-value pairs to provide
// consistent, parseable log output across the registry and the component
// runtime.
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("message", "key1", "value1", "key2", "value2")
//
// This approach is compatible with popular structured logging libraries
// like slog, logrus, zap, and others.
//
// Example implementation using Go's standard log/slog:
//
//	type SlogLogger struct {
//	    logger *slog.Logger
//	}
//
//	func (l *SlogLogger) Info(msg string, args ...any) {
//	    l.logger.Info(msg, args...)
//	}
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	// Used for normal runtime events like factory registration or an
	// instance reaching the Valid state.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	// Used for faults that are contained at the runtime boundary, such as
	// a listener callback panicking or an invalidate callback failing.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	// Used for detailed diagnostics like individual bind/unbind decisions.
	Debug(msg string, args ...any)
}

// NopLogger discards everything. It is the default when no logger is
// configured.
type NopLogger struct{}

// Info implements Logger.
func (NopLogger) Info(string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(string, ...any) {}

// Debug implements Logger.
func (NopLogger) Debug(string, ...any) {}
