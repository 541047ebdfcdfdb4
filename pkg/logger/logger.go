// Package logger provides the structured logging surface used across the
// bridge, backed by logrus.
package logger

// Logger is the interface that wraps the leveled logging methods
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	// Fatal logs a message at level Fatal then the process will exit with status set to 1
	Fatal(args ...interface{})
	// Fatalf logs a formatted message at level Fatal then the process will exit with status set to 1
	Fatalf(format string, args ...interface{})

	// WithField returns a logger carrying one more field
	WithField(key string, value interface{}) Logger
	// WithFields returns a logger carrying the given fields
	WithFields(fields map[string]interface{}) Logger
}
