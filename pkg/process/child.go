package process

import (
	"errors"
	"os/exec"
	"time"

	"github.com/socialgouv/fcpd-server/pkg/types"
)

// CrashEvent reports a child that exited without a prior Terminate
type CrashEvent struct {
	Child    types.ChildProcess
	ExitCode int
	Err      error
	At       time.Time
}

// childInfo is the supervisor's bookkeeping for the tracked child
type childInfo struct {
	child       types.ChildProcess
	cmd         *exec.Cmd
	done        chan struct{}
	waitErr     error
	terminating bool
	stdout      *logWriter
	stderr      *logWriter
}

// exited reports whether Wait has returned, without blocking
func (c *childInfo) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// exitCode is only meaningful once exited() is true
func (c *childInfo) exitCode() int {
	var exitErr *exec.ExitError
	if errors.As(c.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if c.cmd.ProcessState != nil {
		return c.cmd.ProcessState.ExitCode()
	}
	return -1
}
