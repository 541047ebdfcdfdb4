// Package grpc exposes the bridge state through the standard gRPC health
// service, so process managers can check whether Pure-Data is connected.
package grpc

import (
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/socialgouv/fcpd-server/pkg/logger"
	"github.com/socialgouv/fcpd-server/pkg/types"
)

// ServiceName is the health service name that follows the bridge state
const ServiceName = "fcpd.Bridge"

// StateSource reports the bridge state and its transitions
type StateSource interface {
	State() types.ServerState
	Subscribe() (<-chan types.Transition, func())
}

// Server is the gRPC health server
type Server struct {
	source StateSource
	health *health.Server
	server *grpc.Server
	logger logger.Logger

	mu          sync.Mutex
	unsubscribe func()
	done        chan struct{}
}

// NewServer creates a health server following source
func NewServer(source StateSource, log logger.Logger) *Server {
	return &Server{
		source: source,
		health: health.NewServer(),
		logger: logger.WithComponent(log, "grpc"),
	}
}

// Start listens on address and serves until Stop
func (s *Server) Start(address string, tlsEnabled bool, certFile, keyFile string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return s.Serve(listener, tlsEnabled, certFile, keyFile)
}

// Serve serves on listener until Stop
func (s *Server) Serve(listener net.Listener, tlsEnabled bool, certFile, keyFile string) error {
	var opts []grpc.ServerOption
	opts = append(opts, grpc.UnaryInterceptor(logger.UnaryServerInterceptor(s.logger)))

	if tlsEnabled {
		creds, err := loadTLSCredentials(certFile, keyFile)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, s.health)

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.follow()

	s.logger.Infof("Starting gRPC health server on %s (TLS: %v)", listener.Addr(), tlsEnabled)
	return srv.Serve(listener)
}

// follow keeps the health status in step with the bridge state
func (s *Server) follow() {
	feed, unsubscribe := s.source.Subscribe()
	done := make(chan struct{})

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.done = done
	s.mu.Unlock()

	s.setStatus(s.source.State())

	go func() {
		defer close(done)
		for t := range feed {
			s.setStatus(t.To)
		}
	}()
}

func (s *Server) setStatus(state types.ServerState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == types.StateConnected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.logger.WithField(logger.FieldState, state.String()).Debugf("Health status %s", status)
}

// Stop stops the gRPC server
func (s *Server) Stop() {
	s.mu.Lock()
	srv, unsubscribe, done := s.server, s.unsubscribe, s.done
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		<-done
	}
	s.health.Shutdown()
	if srv != nil {
		srv.GracefulStop()
	}
}
