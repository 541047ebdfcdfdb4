package http

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	pkgcontext "github.com/socialgouv/fcpd-server/pkg/context"
	"github.com/socialgouv/fcpd-server/pkg/logger"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-Id"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestLogging attaches a request id to the context and logs every
// request with its duration and status
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := pkgcontext.WithRequestID(r.Context(), requestID)
		w.Header().Set(RequestIDHeader, requestID)

		reqLogger := logger.LoggerFromContext(ctx, s.logger).WithField(logger.FieldMethod, r.Method+" "+r.URL.Path)
		reqLogger.Debug("Request received")

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		entry := reqLogger.WithFields(map[string]interface{}{
			logger.FieldDuration: time.Since(start).Milliseconds(),
			logger.FieldStatus:   rec.status,
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("Request failed")
		} else {
			entry.Debug("Request completed")
		}
	})
}
