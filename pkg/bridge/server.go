// Package bridge implements the single-peer TCP server that the spawned
// Pure-Data process connects back to.
package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	pkgcontext "github.com/socialgouv/fcpd-server/pkg/context"
	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/fudi"
	"github.com/socialgouv/fcpd-server/pkg/logger"
	"github.com/socialgouv/fcpd-server/pkg/types"
)

const (
	defaultWriteTimeout     = 5 * time.Second
	defaultTransitionBuffer = 64
	dialBackTimeout         = time.Second

	// farewellTimeout bounds the "0 close" written while stopping, which
	// runs with the server and facade locks held
	farewellTimeout = 200 * time.Millisecond
)

// ErrClosed is returned by AcceptOnce when the server stops before a peer connects
var ErrClosed = errors.New("bridge server stopped before a peer connected")

// Server owns the bridge state machine:
// Stopped -> Listening -> Connected -> Stopped, any -> Failed -> Stopped.
//
// All state changes happen under mu. Background goroutines carry the session
// number they were started for and give up once it no longer matches.
type Server struct {
	mu       sync.Mutex
	state    types.ServerState
	session  uint64
	info     *types.SessionInfo
	listener net.Listener
	conn     net.Conn
	dialBack net.Conn
	cancel   context.CancelFunc

	// writeMu serializes writes from the read loop and from Send
	writeMu sync.Mutex

	listenAddress    string
	router           *fudi.Router
	clock            clock.PassiveClock
	writeTimeout     time.Duration
	transitionBuffer int
	transitions      chan types.Transition
	logger           logger.Logger
}

// NewServer creates a stopped server that will bind listenAddress on Run
func NewServer(listenAddress string, log logger.Logger, opts ...ServerOption) *Server {
	s := &Server{
		state:            types.StateStopped,
		listenAddress:    listenAddress,
		clock:            clock.RealClock{},
		writeTimeout:     defaultWriteTimeout,
		transitionBuffer: defaultTransitionBuffer,
		logger:           logger.WithComponent(log, "bridge"),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.router == nil {
		s.router = fudi.NewRouter()
	}
	s.transitions = make(chan types.Transition, s.transitionBuffer)

	return s
}

// Router returns the router answering the peer's messages
func (s *Server) Router() *fudi.Router {
	return s.router
}

// Transitions delivers every state change in order
func (s *Server) Transitions() <-chan types.Transition {
	return s.transitions
}

// State returns the current state
func (s *Server) State() types.ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns the number of the current or last session
func (s *Server) Session() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Address returns the bound address, or the zero address when stopped
func (s *Server) Address() types.BridgeAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return types.BridgeAddress{}
	}
	return s.info.Address
}

// Run binds the listening socket. It is only valid from Stopped. A bind
// failure is reported, never retried, and leaves the server Stopped.
func (s *Server) Run(ctx context.Context) (types.BridgeAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateStopped {
		return types.BridgeAddress{}, pkgerrors.AlreadyRunning("bridge server is " + s.state.String())
	}

	s.session++

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.listenAddress)
	if err != nil {
		s.transitionLocked(types.StateFailed, err.Error())
		s.transitionLocked(types.StateStopped, "cleanup")
		return types.BridgeAddress{}, pkgerrors.Connection(err, "cannot listen on "+s.listenAddress)
	}

	s.listener = ln
	s.info = &types.SessionInfo{
		SessionID: uuid.New().String(),
		Address:   types.AddressFromNet(ln.Addr()),
	}
	s.transitionLocked(types.StateListening, "run")

	logger.WithSession(s.logger, s.info).Info("Listening for Pure-Data")

	return s.info.Address, nil
}

// AcceptOnce waits on a background goroutine for exactly one peer. The
// returned channel yields nil once Connected, or an error when the server
// is stopped first or accept fails.
func (s *Server) AcceptOnce() <-chan error {
	result := make(chan error, 1)

	s.mu.Lock()
	if s.state != types.StateListening {
		state := s.state
		s.mu.Unlock()
		result <- pkgerrors.Connection(nil, "cannot accept while "+state.String())
		close(result)
		return result
	}
	ln := s.listener
	session := s.session
	info := s.info
	s.mu.Unlock()

	go s.accept(ln, session, info, result)

	return result
}

func (s *Server) accept(ln net.Listener, session uint64, info *types.SessionInfo, result chan<- error) {
	defer close(result)

	conn, err := ln.Accept()

	s.mu.Lock()
	if session != s.session || s.state != types.StateListening {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		result <- pkgerrors.WrapWithSession(
			pkgerrors.WrapWithCode(ErrClosed, pkgerrors.ErrorCodeConnection, "accept cancelled"),
			info, "bridge session")
		return
	}

	if err != nil {
		err = pkgerrors.WrapWithSession(pkgerrors.Connection(err, "accept failed"), info, "bridge session")
		s.failLocked(err)
		s.mu.Unlock()
		result <- err
		return
	}

	// one peer only: no further connections are accepted
	_ = ln.Close()
	s.listener = nil
	s.conn = conn

	ctx, cancel := context.WithCancel(pkgcontext.WithSessionInfo(context.Background(), s.info))
	s.cancel = cancel

	peer := conn.RemoteAddr().String()
	s.transitionLocked(types.StateConnected, "peer "+peer)
	logger.WithSession(s.logger, s.info).WithField(logger.FieldPeer, peer).Info("Pure-Data connected")
	s.mu.Unlock()

	result <- nil

	s.readLoop(ctx, conn, session)
}

// readLoop decodes the peer's messages and answers them until the
// connection ends
func (s *Server) readLoop(ctx context.Context, conn net.Conn, session uint64) {
	log := logger.LoggerFromContext(ctx, s.logger)
	dec := fudi.NewDecoder(conn)

	for {
		msg, err := dec.Next()
		if err != nil {
			s.connectionLost(session, err)
			return
		}
		log.Debugf("<<< %s", msg)

		switch msg.ID() {
		case "initrcv":
			s.openDialBack(session, conn, msg)
			continue
		case "close":
			s.stopSession(session, "peer closed")
			return
		}

		reply := s.router.Dispatch(ctx, msg)
		if err := s.write(session, reply); err != nil {
			log.WithField(logger.FieldError, err.Error()).Warn("Failed to reply to Pure-Data")
		}
	}
}

// openDialBack connects to the port the peer announced with initrcv and
// routes every further write through it
func (s *Server) openDialBack(session uint64, conn net.Conn, msg fudi.Message) {
	log := s.logger.WithField(logger.FieldOperation, "initrcv")

	args := msg[1:]
	if len(args) == 0 {
		log.Warn("initrcv without port")
		return
	}
	port, err := strconv.Atoi(args[0])
	if err != nil {
		log.WithField(logger.FieldError, err.Error()).Warn("initrcv with invalid port")
		return
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))

	out, err := net.DialTimeout("tcp", target, dialBackTimeout)
	if err != nil {
		log.WithField(logger.FieldError, err.Error()).Warn("Error during callback initialization")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if session != s.session || s.state != types.StateConnected {
		_ = out.Close()
		return
	}
	if s.dialBack != nil {
		_ = s.dialBack.Close()
	}
	s.dialBack = out
	log.WithField(logger.FieldPeer, target).Info("Callback initialized")
}

// Send writes one message to the connected peer. Values are formatted the
// same way handler replies are.
func (s *Server) Send(values ...interface{}) error {
	s.mu.Lock()
	session := s.session
	connected := s.state == types.StateConnected
	s.mu.Unlock()

	if !connected {
		s.logger.Warn("Data are sent to PDServer but Pure-Data is not connected.")
		return pkgerrors.ErrNotConnected
	}

	atoms := make([]string, 0, len(values))
	for _, v := range values {
		atoms = append(atoms, fudi.FormatValue(v))
	}
	return s.write(session, atoms)
}

// write sends one message on the session's writer: the dial-back channel
// when one was opened, the inbound connection otherwise
func (s *Server) write(session uint64, atoms []string) error {
	s.mu.Lock()
	if session != s.session || s.state != types.StateConnected {
		s.mu.Unlock()
		return pkgerrors.ErrNotConnected
	}
	w := s.writerLocked()
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeTo(w, atoms, s.writeTimeout)
}

func (s *Server) writerLocked() net.Conn {
	if s.dialBack != nil {
		return s.dialBack
	}
	return s.conn
}

// writeTo writes one message with a deadline. The caller holds writeMu.
func (s *Server) writeTo(w net.Conn, atoms []string, timeout time.Duration) error {
	_ = w.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := w.Write(fudi.Encode(atoms...)); err != nil {
		return pkgerrors.Connection(err, "write to Pure-Data failed")
	}
	s.logger.Debugf(">>> %s", fudi.Message(atoms))
	return nil
}

// Stop closes the connection and the listener and returns to Stopped. A
// connected peer is told to close first. Stop is idempotent.
func (s *Server) Stop() {
	s.StopWithReason("stop")
}

// StopWithReason is Stop with the reason recorded on the transition
func (s *Server) StopWithReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(reason)
}

func (s *Server) stopSession(session uint64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session != s.session {
		return
	}
	s.stopLocked(reason)
}

func (s *Server) stopLocked(reason string) {
	if s.state == types.StateStopped {
		return
	}

	if s.state == types.StateConnected {
		s.sayFarewellLocked()
	}

	s.releaseLocked()
	s.transitionLocked(types.StateStopped, reason)
	logger.WithSession(s.logger, s.info).Info("Bridge server stopped")
	s.info = nil
}

// sayFarewellLocked tells the peer to close. It is best effort: it is
// skipped while another write is stuck on the connection.
func (s *Server) sayFarewellLocked() {
	if !s.writeMu.TryLock() {
		s.logger.Debug("Write in progress, not notifying Pure-Data")
		return
	}
	defer s.writeMu.Unlock()

	if err := s.writeTo(s.writerLocked(), []string{"0", "close"}, farewellTimeout); err != nil {
		s.logger.WithField(logger.FieldError, err.Error()).Debug("Could not notify Pure-Data")
	}
}

// connectionLost handles the end of the read loop. EOF is a clean
// disconnect; any other error is a failure.
func (s *Server) connectionLost(session uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session != s.session || s.state != types.StateConnected {
		return
	}

	if errors.Is(err, io.EOF) {
		s.releaseLocked()
		s.transitionLocked(types.StateStopped, "peer disconnected")
		logger.WithSession(s.logger, s.info).Info("Pure-Data closed the connection")
		s.info = nil
		return
	}

	s.failLocked(pkgerrors.WrapWithSession(pkgerrors.Connection(err, "read failed"), s.info, "bridge session"))
}

// failLocked records an unrecoverable socket error and cleans up
func (s *Server) failLocked(err error) {
	s.logger.WithFields(pkgerrors.GetFields(err)).Error("Bridge connection failed")
	s.transitionLocked(types.StateFailed, err.Error())
	s.releaseLocked()
	s.transitionLocked(types.StateStopped, "cleanup")
	s.info = nil
}

func (s *Server) releaseLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.dialBack != nil {
		_ = s.dialBack.Close()
		s.dialBack = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// transitionLocked changes state and publishes the transition. The
// channel is buffered; when nobody drains it transitions are dropped.
func (s *Server) transitionLocked(to types.ServerState, reason string) {
	t := types.Transition{
		From:    s.state,
		To:      to,
		Session: s.session,
		At:      s.clock.Now(),
		Reason:  reason,
	}
	s.state = to

	s.logger.WithFields(map[string]interface{}{
		logger.FieldFrom:    t.From.String(),
		logger.FieldTo:      t.To.String(),
		logger.FieldSession: t.Session,
	}).Debug("State transition")

	select {
	case s.transitions <- t:
	default:
		s.logger.WithField(logger.FieldState, t.String()).Warn("Transition channel full, dropping transition")
	}
}
