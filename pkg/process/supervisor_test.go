package process

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/logger"
)

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func newTestSupervisor(t *testing.T, opts ...SupervisorOption) (*Supervisor, *clocktesting.FakeClock) {
	t.Helper()
	fc := clocktesting.NewFakeClock(time.Now())
	opts = append([]SupervisorOption{
		WithClock(fc),
		WithPollInterval(time.Second),
		WithGracePeriod(2 * time.Second),
	}, opts...)
	s := NewSupervisor(logger.Discard(), opts...)
	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})
	return s, fc
}

func TestSpawnMissingExecutable(t *testing.T) {
	s, _ := newTestSupervisor(t)

	child, err := s.Spawn("/nonexistent/bin/pd", []string{"-nogui"})
	require.Error(t, err)
	assert.Nil(t, child)
	assert.ErrorIs(t, err, pkgerrors.ErrLaunch)
	assert.NotErrorIs(t, err, pkgerrors.ErrAlreadyRunning)
	assert.Equal(t, pkgerrors.ErrorCodeLaunch, pkgerrors.GetCode(err))
}

func TestSpawnRefusesSecondChild(t *testing.T) {
	sleep := lookPath(t, "sleep")
	s, _ := newTestSupervisor(t)

	child, err := s.Spawn(sleep, []string{"30"})
	require.NoError(t, err)
	require.True(t, s.IsAlive(child))
	assert.Equal(t, []string{"30"}, child.Args)
	assert.NotZero(t, child.PID)

	_, err = s.Spawn(sleep, []string{"30"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrLaunch)
	assert.ErrorIs(t, err, pkgerrors.ErrAlreadyRunning)

	require.NoError(t, s.Terminate(context.Background(), child))
	assert.False(t, s.IsAlive(child))

	// the slot is free again
	next, err := s.Spawn(sleep, []string{"30"})
	require.NoError(t, err)
	assert.NotEqual(t, child.ID, next.ID)
}

func TestCrashIsReportedWithinOnePollInterval(t *testing.T) {
	sh := lookPath(t, "sh")
	s, fc := newTestSupervisor(t)

	child, err := s.Spawn(sh, []string{"-c", "exit 3"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !s.IsAlive(child) }, 5*time.Second, 10*time.Millisecond)

	fc.Step(time.Second)

	select {
	case event := <-s.Crashes():
		assert.Equal(t, child.ID, event.Child.ID)
		assert.Equal(t, 3, event.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("no crash event after one poll interval")
	}

	_, tracked := s.Tracked()
	assert.False(t, tracked)
}

func TestTerminateIsNotACrash(t *testing.T) {
	sleep := lookPath(t, "sleep")
	s, fc := newTestSupervisor(t)

	child, err := s.Spawn(sleep, []string{"30"})
	require.NoError(t, err)

	require.NoError(t, s.Terminate(context.Background(), child))
	// idempotent
	require.NoError(t, s.Terminate(context.Background(), child))
	require.NoError(t, s.Terminate(context.Background(), nil))

	fc.Step(time.Second)

	select {
	case event := <-s.Crashes():
		t.Fatalf("unexpected crash event: %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	sh := lookPath(t, "sh")
	lookPath(t, "sleep")
	s, _ := newTestSupervisor(t, WithGracePeriod(300*time.Millisecond))

	child, err := s.Spawn(sh, []string{"-c", `trap "" TERM; exec sleep 30`})
	require.NoError(t, err)
	// give the shell time to install the trap
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Terminate(context.Background(), child))
	assert.False(t, s.IsAlive(child))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestChildOutputIsLogged(t *testing.T) {
	sh := lookPath(t, "sh")
	var buf bytes.Buffer
	s := NewSupervisor(logger.NewLogrusLoggerWithOutput("debug", "json", &lockedBuffer{buf: &buf}),
		WithPollInterval(time.Hour))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	child, err := s.Spawn(sh, []string{"-c", `echo "error: no such object" 1>&2; printf partial`})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !s.IsAlive(child) }, 5*time.Second, 10*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, "no such object")
	assert.Contains(t, out, `"incomplete":true`)
}

func TestSpawnRunsInConfiguredDir(t *testing.T) {
	sh := lookPath(t, "sh")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "client-marker.pd"), nil, 0o644))

	var buf bytes.Buffer
	s := NewSupervisor(logger.NewLogrusLoggerWithOutput("debug", "json", &lockedBuffer{buf: &buf}),
		WithPollInterval(time.Hour), WithDir(dir))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	child, err := s.Spawn(sh, []string{"-c", "ls"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !s.IsAlive(child) }, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, buf.String(), "client-marker.pd")
}
