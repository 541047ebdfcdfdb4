package process

import (
	"github.com/socialgouv/fcpd-server/pkg/logger"
)

// startLivenessPoller starts a goroutine that checks the tracked child on
// every tick. The ticker is created before the goroutine starts so that a
// fake clock can be stepped right after NewSupervisor returns.
func (s *Supervisor) startLivenessPoller() {
	ticker := s.clock.NewTicker(s.pollInterval)
	go func() {
		defer close(s.pollDone)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C():
				if event, crashed := s.checkLiveness(); crashed {
					select {
					case s.crashes <- event:
					case <-s.stopCh:
						return
					}
				}
			}
		}
	}()
}

// checkLiveness untracks a child that exited on its own and builds its crash event
func (s *Supervisor) checkLiveness() (CrashEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.tracked
	if info == nil || info.terminating || !info.exited() {
		return CrashEvent{}, false
	}
	s.tracked = nil

	event := CrashEvent{
		Child:    info.child,
		ExitCode: info.exitCode(),
		Err:      info.waitErr,
		At:       s.clock.Now(),
	}

	s.logger.WithFields(map[string]interface{}{
		logger.FieldOperation: "liveness",
		logger.FieldPID:       info.child.PID,
		logger.FieldExitCode:  event.ExitCode,
	}).Warn("Pure-Data process exited unexpectedly")

	return event, true
}
