package process

import (
	"time"

	"k8s.io/utils/clock"
)

// SupervisorOption is a function that configures a Supervisor
type SupervisorOption func(*Supervisor)

// WithPollInterval sets the liveness poll interval
func WithPollInterval(interval time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.pollInterval = interval
	}
}

// WithGracePeriod sets how long Terminate waits before killing the child
func WithGracePeriod(grace time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.gracePeriod = grace
	}
}

// WithClock sets the clock driving the liveness poller
func WithClock(c clock.WithTicker) SupervisorOption {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// WithEnv appends environment variables to the child's environment
func WithEnv(env ...string) SupervisorOption {
	return func(s *Supervisor) {
		s.env = append(s.env, env...)
	}
}

// WithDir sets the working directory of spawned children
func WithDir(dir string) SupervisorOption {
	return func(s *Supervisor) {
		s.dir = dir
	}
}
