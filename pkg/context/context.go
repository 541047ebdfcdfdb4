package context

import (
	"context"

	"github.com/socialgouv/fcpd-server/pkg/types"
)

type contextKey string

const (
	// sessionInfoKey is the key for bridge session information in the context
	sessionInfoKey contextKey = "session-info"
	// requestIDKey is the key for request ID in the context
	requestIDKey contextKey = "request-id"
)

// WithSessionInfo adds bridge session information to the context
func WithSessionInfo(ctx context.Context, sessionInfo *types.SessionInfo) context.Context {
	if sessionInfo == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionInfoKey, sessionInfo)
}

// GetSessionInfo retrieves bridge session information from the context
func GetSessionInfo(ctx context.Context) *types.SessionInfo {
	if ctx == nil {
		return nil
	}
	sessionInfo, ok := ctx.Value(sessionInfoKey).(*types.SessionInfo)
	if !ok {
		return nil
	}
	return sessionInfo
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok {
		return ""
	}
	return requestID
}
