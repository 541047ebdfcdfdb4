package logger

import (
	"context"

	pkgcontext "github.com/socialgouv/fcpd-server/pkg/context"
)

// LoggerFromContext creates a logger with context information
func LoggerFromContext(ctx context.Context, baseLogger Logger) Logger {
	if ctx == nil {
		return baseLogger
	}

	// Add request ID if available
	requestID := pkgcontext.GetRequestID(ctx)
	if requestID != "" {
		baseLogger = baseLogger.WithField(FieldRequestID, requestID)
	}

	// Add session information if available
	sessionInfo := pkgcontext.GetSessionInfo(ctx)
	if sessionInfo != nil {
		baseLogger = WithSession(baseLogger, sessionInfo)
	}

	return baseLogger
}
