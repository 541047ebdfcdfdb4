package logger

import (
	"github.com/socialgouv/fcpd-server/pkg/types"
)

// Standard field names for structured logging
const (
	// Component fields
	FieldComponent = "component"
	FieldOperation = "operation"

	// Request fields
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldDuration  = "duration_ms"
	FieldStatus    = "status"

	// Bridge fields
	FieldSession = "session"
	FieldState   = "state"
	FieldFrom    = "from"
	FieldTo      = "to"
	FieldAddress = "bridge_address"
	FieldPeer    = "peer"

	// Include fields
	FieldInclude = "include"
	FieldDigest  = "digest"
	FieldSize    = "size"

	// Error fields
	FieldError      = "error"
	FieldErrorCode  = "error_code"
	FieldStackTrace = "stack_trace"

	// Process fields
	FieldExecutable = "executable"
	FieldPID        = "pid"
	FieldExitCode   = "exit_code"
)

// WithSession adds bridge session information to the logger
func WithSession(logger Logger, session *types.SessionInfo) Logger {
	if session == nil {
		return logger
	}
	return logger.WithFields(session.ToFields())
}

// WithComponent adds component information to the logger
func WithComponent(logger Logger, component string) Logger {
	return logger.WithField(FieldComponent, component)
}

// WithOperation adds operation information to the logger
func WithOperation(logger Logger, operation string) Logger {
	return logger.WithField(FieldOperation, operation)
}

// WithInclude adds the include name to the logger
func WithInclude(logger Logger, name string) Logger {
	return logger.WithField(FieldInclude, name)
}

// WithError adds error information to the logger
func WithError(logger Logger, err error) Logger {
	if err == nil {
		return logger
	}
	return logger.WithField(FieldError, err.Error())
}
