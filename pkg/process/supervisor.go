// Package process spawns the external Pure-Data program and watches it.
package process

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/logger"
	"github.com/socialgouv/fcpd-server/pkg/types"
)

const (
	defaultPollInterval = time.Second
	defaultGracePeriod  = 3 * time.Second

	// terminatePollStep is how often Terminate checks for exit during the grace period
	terminatePollStep = 50 * time.Millisecond

	// outputWaitDelay bounds how long Wait keeps reading output after exit;
	// pd-gui inherits Pure-Data's stdio and may outlive it
	outputWaitDelay = time.Second
)

// Supervisor launches at most one child process at a time and reports
// unexpected exits on Crashes.
type Supervisor struct {
	mu      sync.Mutex
	tracked *childInfo

	pollInterval time.Duration
	gracePeriod  time.Duration
	clock        clock.WithTicker
	env          []string
	dir          string
	logger       logger.Logger

	crashes   chan CrashEvent
	stopCh    chan struct{}
	closeOnce sync.Once
	pollDone  chan struct{}
}

// NewSupervisor creates a supervisor and starts its liveness poller
func NewSupervisor(log logger.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		pollInterval: defaultPollInterval,
		gracePeriod:  defaultGracePeriod,
		clock:        clock.RealClock{},
		logger:       logger.WithComponent(log, "supervisor"),
		crashes:      make(chan CrashEvent, 8),
		stopCh:       make(chan struct{}),
		pollDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.startLivenessPoller()

	return s
}

// Crashes delivers one event per child that exited without Terminate
func (s *Supervisor) Crashes() <-chan CrashEvent {
	return s.crashes
}

// Spawn starts the executable with args. It fails with a LaunchError when
// the executable cannot be found or started, or when a child is still alive.
func (s *Supervisor) Spawn(path string, args []string) (*types.ChildProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracked != nil {
		if !s.tracked.exited() {
			return nil, pkgerrors.LaunchAlreadyRunning(path, s.tracked.child.PID)
		}
		s.tracked = nil
	}

	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, pkgerrors.Launch(path, err)
	}

	spawnLogger := s.logger.WithFields(map[string]interface{}{
		logger.FieldOperation:  "spawn",
		logger.FieldExecutable: resolved,
	})

	cmd := exec.Command(resolved, args...)
	cmd.Dir = s.dir
	cmd.WaitDelay = outputWaitDelay
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}

	stdout := &logWriter{logger: spawnLogger, streamType: "stdout"}
	stderr := &logWriter{logger: spawnLogger, streamType: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, pkgerrors.Launch(path, err)
	}

	info := &childInfo{
		child: types.ChildProcess{
			ID:        uuid.New().String(),
			Path:      resolved,
			Args:      append([]string(nil), args...),
			PID:       cmd.Process.Pid,
			StartedAt: s.clock.Now(),
		},
		cmd:    cmd,
		done:   make(chan struct{}),
		stdout: stdout,
		stderr: stderr,
	}

	go func() {
		info.waitErr = cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		close(info.done)
	}()

	s.tracked = info
	spawnLogger.WithField(logger.FieldPID, info.child.PID).Info("Started Pure-Data process")

	child := info.child
	return &child, nil
}

// IsAlive reports whether child is the tracked child and has not exited
func (s *Supervisor) IsAlive(child *types.ChildProcess) bool {
	if child == nil {
		return false
	}
	s.mu.Lock()
	info := s.tracked
	s.mu.Unlock()

	if info == nil || info.child.ID != child.ID {
		return false
	}
	return !info.exited()
}

// Tracked returns the tracked child, if any
func (s *Supervisor) Tracked() (*types.ChildProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracked == nil {
		return nil, false
	}
	child := s.tracked.child
	return &child, true
}

// Terminate asks the child to exit with SIGTERM and kills it once the grace
// period runs out. Terminating a dead or unknown child is a no-op.
func (s *Supervisor) Terminate(ctx context.Context, child *types.ChildProcess) error {
	if child == nil {
		return nil
	}

	s.mu.Lock()
	info := s.tracked
	if info == nil || info.child.ID != child.ID {
		s.mu.Unlock()
		return nil
	}
	info.terminating = true
	s.mu.Unlock()

	defer s.untrack(info)

	if info.exited() {
		return nil
	}

	termLogger := s.logger.WithFields(map[string]interface{}{
		logger.FieldOperation: "terminate",
		logger.FieldPID:       info.child.PID,
	})

	termLogger.Debug("Sending SIGTERM to process")
	if err := info.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		termLogger.WithField(logger.FieldError, err.Error()).Warn("Failed to send SIGTERM to process")
	}

	err := wait.PollUntilContextTimeout(ctx, terminatePollStep, s.gracePeriod, true,
		func(context.Context) (bool, error) {
			return info.exited(), nil
		})
	if err == nil {
		termLogger.Info("Process terminated")
		return nil
	}

	termLogger.Warn("Process did not stop gracefully, killing it")
	if err := info.cmd.Process.Kill(); err != nil && !info.exited() {
		return pkgerrors.WrapWithField(err, logger.FieldPID, info.child.PID, "failed to kill process")
	}

	select {
	case <-info.done:
	case <-time.After(s.gracePeriod):
		return pkgerrors.NewWithCode(pkgerrors.ErrorCodeTimeout, "process did not exit after SIGKILL")
	}

	termLogger.Info("Process killed")
	return nil
}

// Close stops the liveness poller and terminates the tracked child
func (s *Supervisor) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.pollDone

	child, ok := s.Tracked()
	if !ok {
		return nil
	}
	return s.Terminate(ctx, child)
}

func (s *Supervisor) untrack(info *childInfo) {
	s.mu.Lock()
	if s.tracked == info {
		s.tracked = nil
	}
	s.mu.Unlock()
}
