// Package lifecycle is the surface the host's commands call: it launches
// and stops Pure-Data, runs the bridge server and manages the document's
// includes. It owns the one bridge of a host session.
package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/socialgouv/fcpd-server/pkg/bridge"
	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/include"
	"github.com/socialgouv/fcpd-server/pkg/logger"
	"github.com/socialgouv/fcpd-server/pkg/process"
	"github.com/socialgouv/fcpd-server/pkg/types"
)

const (
	defaultConnectTimeout = 10 * time.Second
	subscriberBuffer      = 64
)

// Supervisor spawns and watches the Pure-Data process
type Supervisor interface {
	Spawn(path string, args []string) (*types.ChildProcess, error)
	IsAlive(child *types.ChildProcess) bool
	Terminate(ctx context.Context, child *types.ChildProcess) error
	Crashes() <-chan process.CrashEvent
	Close(ctx context.Context) error
}

// Launcher prepares the Pure-Data command line for a bridge address
type Launcher interface {
	Executable() string
	Prepare(addr types.BridgeAddress) ([]string, error)
}

// Facade serializes every lifecycle command on one mutex. The mutex is
// always taken before the bridge server's own lock.
type Facade struct {
	mu           sync.Mutex
	child        *types.ChildProcess
	childSession uint64

	// docMu guards the store and the persister independently of the bridge
	docMu     sync.RWMutex
	store     *include.Store
	persister include.Persister
	editor    *include.Editor

	subMu       sync.Mutex
	subscribers map[int]chan types.Transition
	nextSub     int

	server         *bridge.Server
	supervisor     Supervisor
	launcher       Launcher
	editDir        string
	editorOpts     []include.EditorOption
	connectTimeout time.Duration
	logger         logger.Logger

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a facade and starts watching the server's transitions and the
// supervisor's crash notifications
func New(server *bridge.Server, supervisor Supervisor, launcher Launcher, store *include.Store, log logger.Logger, opts ...Option) (*Facade, error) {
	f := &Facade{
		store:          store,
		subscribers:    make(map[int]chan types.Transition),
		server:         server,
		supervisor:     supervisor,
		launcher:       launcher,
		editDir:        filepath.Join(os.TempDir(), "fcpd-edit"),
		connectTimeout: defaultConnectTimeout,
		logger:         logger.WithComponent(log, "lifecycle"),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(f)
	}

	f.editor = include.NewEditor(store, server, f.editDir, log, f.editorOpts...)

	if err := f.registerHandlers(); err != nil {
		return nil, err
	}

	go f.watch()

	return f, nil
}

// Launch starts the bridge server and Pure-Data, which then dials in. It
// fails with AlreadyRunningError unless the server is Stopped. Any failure
// leaves the server Stopped with no child running.
func (f *Facade) Launch(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if state := f.server.State(); state != types.StateStopped {
		return pkgerrors.AlreadyRunning(pkgerrors.MsgAlreadyRunning)
	}

	log := logger.WithOperation(f.logger, "launch")

	addr, err := f.server.Run(ctx)
	if err != nil {
		logger.WithError(log, err).Error("Failed to start the bridge server")
		return err
	}

	executable := f.launcher.Executable()
	args, err := f.launcher.Prepare(addr)
	if err != nil {
		f.server.StopWithReason("launch failed")
		logger.WithError(log, err).Error("Failed to prepare Pure-Data")
		return pkgerrors.Launch(executable, err)
	}

	child, err := f.supervisor.Spawn(executable, args)
	if err != nil {
		f.server.StopWithReason("launch failed")
		logger.WithError(log, err).Error("Failed to launch Pure-Data")
		return err
	}

	session := f.server.Session()
	f.child = child
	f.childSession = session

	log.WithFields(map[string]interface{}{
		logger.FieldPID:     child.PID,
		logger.FieldAddress: addr.String(),
	}).Info("Pure-Data launched, waiting for it to connect")

	go f.awaitPeer(session, f.server.AcceptOnce())

	return nil
}

// RunServer starts the bridge server alone, for a Pure-Data started
// independently that dials in by itself
func (f *Facade) RunServer(ctx context.Context) (types.BridgeAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	addr, err := f.server.Run(ctx)
	if err != nil {
		return types.BridgeAddress{}, err
	}

	go f.awaitPeer(f.server.Session(), f.server.AcceptOnce())

	return addr, nil
}

// awaitPeer reports the outcome of the handshake. Cleanup after a failed
// accept follows from the server's transition to Stopped.
func (f *Facade) awaitPeer(session uint64, accepted <-chan error) {
	log := f.logger.WithFields(map[string]interface{}{
		logger.FieldOperation: "accept",
		logger.FieldSession:   session,
	})

	err := <-accepted
	log = logger.WithSession(log, pkgerrors.GetSession(err))
	switch {
	case err == nil:
		log.Info("Pure-Data connected")
	case errors.Is(err, bridge.ErrClosed):
		log.Debug("Bridge server stopped before Pure-Data connected")
	default:
		logger.WithError(log, err).Warn("Pure-Data could not connect")
	}
}

// Stop stops the bridge server, then terminates Pure-Data if it was
// launched by the facade. Stop never fails when already stopped.
func (f *Facade) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.editor.CloseAll()
	f.server.Stop()

	child := f.child
	f.child = nil
	if child == nil {
		return nil
	}

	if err := f.supervisor.Terminate(ctx, child); err != nil {
		logger.WithError(f.logger, err).Error("Failed to terminate Pure-Data")
		return pkgerrors.WrapWithField(err, logger.FieldPID, child.PID, "failed to terminate Pure-Data")
	}
	return nil
}

// State returns the bridge server state
func (f *Facade) State() types.ServerState {
	return f.server.State()
}

// Address returns the bridge address, zero when stopped
func (f *Facade) Address() types.BridgeAddress {
	return f.server.Address()
}

// Child returns the Pure-Data process launched by the facade, if any
func (f *Facade) Child() (*types.ChildProcess, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.child == nil {
		return nil, false
	}
	c := *f.child
	return &c, true
}

// Subscribe returns a feed of the server's transitions and a function that
// ends the subscription. A subscriber that does not keep up loses transitions.
func (f *Facade) Subscribe() (<-chan types.Transition, func()) {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	id := f.nextSub
	f.nextSub++
	ch := make(chan types.Transition, subscriberBuffer)
	f.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.subMu.Lock()
			defer f.subMu.Unlock()
			if _, ok := f.subscribers[id]; ok {
				delete(f.subscribers, id)
				close(ch)
			}
		})
	}
}

// WaitForState blocks until the server reaches want or ctx ends
func (f *Facade) WaitForState(ctx context.Context, want types.ServerState) error {
	feed, cancel := f.Subscribe()
	defer cancel()

	if f.server.State() == want {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return pkgerrors.WrapWithCode(ctx.Err(), pkgerrors.ErrorCodeTimeout, "bridge did not become "+want.String())
		case t, ok := <-feed:
			if !ok {
				return pkgerrors.New("facade closed")
			}
			if t.To == want {
				return nil
			}
		}
	}
}

// watch consumes transitions and crash notifications until Close
func (f *Facade) watch() {
	defer close(f.done)
	transitions := f.server.Transitions()
	crashes := f.supervisor.Crashes()

	for {
		select {
		case <-f.stopCh:
			return
		case t := <-transitions:
			f.publish(t)
			if t.To == types.StateStopped {
				f.sessionEnded(t)
			}
		case event := <-crashes:
			f.childCrashed(event)
		}
	}
}

func (f *Facade) publish(t types.Transition) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for _, ch := range f.subscribers {
		select {
		case ch <- t:
		default:
		}
	}
}

// sessionEnded terminates the child launched for a session that ended
// without Stop: the bridge it was started for is gone
func (f *Facade) sessionEnded(t types.Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.child == nil || f.childSession != t.Session {
		return
	}
	child := f.child
	f.child = nil
	f.editor.CloseAll()

	f.logger.WithFields(map[string]interface{}{
		logger.FieldPID:     child.PID,
		logger.FieldSession: t.Session,
		"reason":            t.Reason,
	}).Warn("Bridge session ended, terminating Pure-Data")

	if err := f.supervisor.Terminate(context.Background(), child); err != nil {
		logger.WithError(f.logger, err).Error("Failed to terminate Pure-Data")
	}
}

// childCrashed forces the server back to Stopped after Pure-Data exited on its own
func (f *Facade) childCrashed(event process.CrashEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	log := f.logger.WithFields(map[string]interface{}{
		logger.FieldPID:      event.Child.PID,
		logger.FieldExitCode: event.ExitCode,
	})

	if f.child == nil || f.child.ID != event.Child.ID {
		log.Debug("Ignoring exit of a process the bridge no longer tracks")
		return
	}
	f.child = nil

	log.Warn("Pure-Data exited unexpectedly, stopping the bridge")
	f.editor.CloseAll()
	f.server.StopWithReason("child crashed")
}

// Close stops everything and releases the supervisor. The facade cannot be
// used afterwards.
func (f *Facade) Close(ctx context.Context) error {
	err := f.Stop(ctx)

	f.closeOnce.Do(func() {
		close(f.stopCh)
	})
	<-f.done

	f.subMu.Lock()
	for id, ch := range f.subscribers {
		delete(f.subscribers, id)
		close(ch)
	}
	f.subMu.Unlock()

	if closeErr := f.supervisor.Close(ctx); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
