// Package http serves the local control API that the host's commands use
// to drive the bridge.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/socialgouv/fcpd-server/pkg/include"
	"github.com/socialgouv/fcpd-server/pkg/logger"
	"github.com/socialgouv/fcpd-server/pkg/types"
)

// ErrServerClosed is returned by the Server's Start method after a call to Stop.
var ErrServerClosed = http.ErrServerClosed

// Bridge is what the control API drives
type Bridge interface {
	Launch(ctx context.Context) error
	RunServer(ctx context.Context) (types.BridgeAddress, error)
	Stop(ctx context.Context) error
	State() types.ServerState
	Address() types.BridgeAddress
	Child() (*types.ChildProcess, bool)

	CreateInclude(name string, data []byte) (*include.PatchInclude, error)
	CreateEmptyInclude(name string) (*include.PatchInclude, error)
	ImportInclude(name, path string) (*include.PatchInclude, error)
	GetInclude(name string) (*include.PatchInclude, error)
	ListIncludes() []*include.PatchInclude
	UpdateInclude(name string, data []byte) (*include.PatchInclude, error)
	DeleteInclude(name string) error
	EditInclude(ctx context.Context, name string) (string, error)
	EditSessions() []string
	SaveDocument(ctx context.Context) error
	DocumentName() string
}

// Server is the HTTP control server
type Server struct {
	mu     sync.Mutex
	server *http.Server
	bridge Bridge
	logger logger.Logger
}

// NewServer creates a new HTTP control server
func NewServer(bridge Bridge, log logger.Logger) *Server {
	return &Server{
		bridge: bridge,
		logger: logger.WithComponent(log, "http"),
	}
}

// Handler returns the routed control API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthzHandler)
	mux.HandleFunc("GET /status", s.statusHandler)

	mux.HandleFunc("POST /launch", s.launchHandler)
	mux.HandleFunc("POST /run", s.runHandler)
	mux.HandleFunc("POST /stop", s.stopHandler)

	mux.HandleFunc("GET /includes", s.listIncludesHandler)
	mux.HandleFunc("POST /includes", s.createIncludeHandler)
	mux.HandleFunc("GET /includes/{name}", s.getIncludeHandler)
	mux.HandleFunc("PUT /includes/{name}", s.updateIncludeHandler)
	mux.HandleFunc("DELETE /includes/{name}", s.deleteIncludeHandler)
	mux.HandleFunc("POST /includes/{name}/edit", s.editIncludeHandler)

	mux.HandleFunc("POST /save", s.saveHandler)

	return s.withRequestLogging(mux)
}

// Start starts the HTTP server on the specified address
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve serves the control API on an existing listener
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Infof("Starting HTTP control server on %s", listener.Addr())
	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		s.logger.Info("Stopping HTTP control server")
		return srv.Shutdown(ctx)
	}
	return nil
}
