package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialgouv/fcpd-server/pkg/bridge"
	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/include"
	"github.com/socialgouv/fcpd-server/pkg/lifecycle"
	"github.com/socialgouv/fcpd-server/pkg/logger"
	"github.com/socialgouv/fcpd-server/pkg/process"
	"github.com/socialgouv/fcpd-server/pkg/puredata"
	"github.com/socialgouv/fcpd-server/pkg/types"
)

const waitFor = 10 * time.Second

func newBridge(t *testing.T, mode string) (*lifecycle.Facade, *process.Supervisor) {
	t.Helper()
	log := logger.NewLogrusLogger("debug", "text")

	executable, err := os.Executable()
	require.NoError(t, err)

	supervisor := process.NewSupervisor(log,
		process.WithPollInterval(50*time.Millisecond),
		process.WithGracePeriod(2*time.Second),
		process.WithEnv(fakePdEnv+"="+mode))

	launcher := puredata.NewLauncher(puredata.Options{
		Executable: executable,
		PdPort:     8889,
		Document:   "e2e",
		WorkDir:    t.TempDir(),
	}, log)

	server := bridge.NewServer("127.0.0.1:0", log)
	f, err := lifecycle.New(server, supervisor, launcher, include.NewStore("e2e"), log,
		lifecycle.WithEditDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close(context.Background()) })

	return f, supervisor
}

func waitConnected(t *testing.T, f *lifecycle.Facade) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.WaitForState(ctx, types.StateConnected))
}

func TestLaunchConnectStop(t *testing.T) {
	f, supervisor := newBridge(t, "serve")
	feed, cancel := f.Subscribe()
	defer cancel()

	require.NoError(t, f.Launch(context.Background()))
	waitConnected(t, f)

	child, ok := f.Child()
	require.True(t, ok)
	assert.True(t, supervisor.IsAlive(child))

	err := f.Launch(context.Background())
	assert.Equal(t, pkgerrors.MsgAlreadyRunning, pkgerrors.UserMessage(err))

	require.NoError(t, f.Stop(context.Background()))
	assert.Equal(t, types.StateStopped, f.State())
	assert.False(t, supervisor.IsAlive(child))

	var seen []string
	for len(seen) < 3 {
		select {
		case tr := <-feed:
			seen = append(seen, tr.String())
		case <-time.After(waitFor):
			t.Fatalf("missing transitions, got %v", seen)
		}
	}
	assert.Equal(t, []string{"Stopped->Listening", "Listening->Connected", "Connected->Stopped"}, seen)
}

func TestCrashRecovery(t *testing.T) {
	f, _ := newBridge(t, "crash")

	require.NoError(t, f.Launch(context.Background()))
	waitConnected(t, f)

	require.Eventually(t, func() bool { return f.State() == types.StateStopped }, waitFor, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := f.Child()
		return !ok
	}, waitFor, 20*time.Millisecond)

	require.NoError(t, f.Launch(context.Background()))
	waitConnected(t, f)
}
