package bridge

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/socialgouv/fcpd-server/pkg/fudi"
)

// ServerOption is a function that configures a Server
type ServerOption func(*Server)

// WithRouter sets the router that answers the peer's messages
func WithRouter(router *fudi.Router) ServerOption {
	return func(s *Server) {
		s.router = router
	}
}

// WithClock sets the clock used to stamp transitions. Socket deadlines
// always use the wall clock.
func WithClock(c clock.PassiveClock) ServerOption {
	return func(s *Server) {
		s.clock = c
	}
}

// WithWriteTimeout bounds every write to the peer
func WithWriteTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.writeTimeout = timeout
	}
}

// WithTransitionBuffer sets the capacity of the transition channel
func WithTransitionBuffer(size int) ServerOption {
	return func(s *Server) {
		s.transitionBuffer = size
	}
}
