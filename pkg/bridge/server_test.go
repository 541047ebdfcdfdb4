package bridge

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/fudi"
	"github.com/socialgouv/fcpd-server/pkg/logger"
	"github.com/socialgouv/fcpd-server/pkg/types"
)

const waitFor = 5 * time.Second

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", logger.Discard(), opts...)
	t.Cleanup(s.Stop)
	return s
}

// freeAddress returns a loopback address nobody listens on
func freeAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// connect runs the server, dials it as the peer and waits for Connected
func connect(t *testing.T, s *Server) net.Conn {
	t.Helper()
	addr, err := s.Run(context.Background())
	require.NoError(t, err)
	accepted := s.AcceptOnce()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case err := <-accepted:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("peer was not accepted")
	}
	require.Equal(t, types.StateConnected, s.State())
	return conn
}

// drain collects the transitions published so far
func drain(s *Server) []string {
	var out []string
	for {
		select {
		case tr := <-s.Transitions():
			out = append(out, tr.String())
		default:
			return out
		}
	}
}

func readMessage(t *testing.T, dec *fudi.Decoder, conn net.Conn) fudi.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	msg, err := dec.Next()
	require.NoError(t, err)
	return msg
}

func TestRunOnlyFromStopped(t *testing.T) {
	s := newTestServer(t)

	addr, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addr.Host)
	assert.NotZero(t, addr.Port)
	assert.Equal(t, addr, s.Address())

	_, err = s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrAlreadyRunning)
	assert.Equal(t, types.StateListening, s.State())
}

func TestStopIsIdempotent(t *testing.T) {
	s := newTestServer(t)

	s.Stop()
	assert.Equal(t, types.StateStopped, s.State())
	assert.Empty(t, drain(s))

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	s.Stop()
	s.Stop()
	assert.Equal(t, types.StateStopped, s.State())
	assert.True(t, s.Address().IsZero())
	assert.Equal(t, []string{"Stopped->Listening", "Listening->Stopped"}, drain(s))
}

func TestRunServerThenStopReleasesAddress(t *testing.T) {
	address := freeAddress(t)
	s := NewServer(address, logger.Discard())
	t.Cleanup(s.Stop)

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	accepted := s.AcceptOnce()

	s.Stop()

	select {
	case err := <-accepted:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("accept was not cancelled by stop")
	}
	assert.Equal(t, types.StateStopped, s.State())

	ln, err := net.Listen("tcp", address)
	require.NoError(t, err, "listening socket leaked")
	require.NoError(t, ln.Close())

	_, err = s.Run(context.Background())
	require.NoError(t, err)
}

func TestBindFailureEndsStopped(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	s := NewServer(busy.Addr().String(), logger.Discard())
	_, err = s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrConnection)
	assert.Equal(t, types.StateStopped, s.State())
	assert.Equal(t, []string{"Stopped->Failed", "Failed->Stopped"}, drain(s))
}

func TestTransitionsAreOrdered(t *testing.T) {
	s := newTestServer(t)
	connect(t, s)
	s.Stop()

	want := []string{"Stopped->Listening", "Listening->Connected", "Connected->Stopped"}
	if diff := cmp.Diff(want, drain(s)); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestAcceptOnceRequiresListening(t *testing.T) {
	s := newTestServer(t)
	err := <-s.AcceptOnce()
	assert.ErrorIs(t, err, pkgerrors.ErrConnection)
}

func TestAcceptCancelledCarriesSession(t *testing.T) {
	s := newTestServer(t)
	addr, err := s.Run(context.Background())
	require.NoError(t, err)
	accepted := s.AcceptOnce()

	s.Stop()

	select {
	case err := <-accepted:
		require.ErrorIs(t, err, ErrClosed)
		assert.Equal(t, pkgerrors.ErrorCodeConnection, pkgerrors.GetCode(err))
		session := pkgerrors.GetSession(err)
		require.NotNil(t, session)
		assert.NotEmpty(t, session.SessionID)
		assert.Equal(t, addr, session.Address)
		assert.Equal(t, session.SessionID, pkgerrors.GetFields(err)["session_id"])
	case <-time.After(waitFor):
		t.Fatal("AcceptOnce did not return after Stop")
	}
}

func TestOnlyOnePeerIsAccepted(t *testing.T) {
	s := newTestServer(t)
	connect(t, s)

	_, err := net.DialTimeout("tcp", s.Address().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestRepliesAndSend(t *testing.T) {
	router := fudi.NewRouter()
	require.NoError(t, router.Handle(func(_ context.Context, msg fudi.Message) (interface{}, error) {
		return []string{"Box", "Cylinder"}, nil
	}, "get"))
	s := newTestServer(t, WithRouter(router))
	conn := connect(t, s)
	dec := fudi.NewDecoder(conn)

	_, err := conn.Write([]byte("1001 get selection;\n"))
	require.NoError(t, err)
	assert.Equal(t, fudi.Message{"1001", "list", "2", "Box", "Cylinder"}, readMessage(t, dec, conn))

	require.NoError(t, s.Send("pd", "dsp", 1))
	assert.Equal(t, fudi.Message{"pd", "dsp", "1"}, readMessage(t, dec, conn))
}

func TestSendWithoutPeer(t *testing.T) {
	s := newTestServer(t)
	assert.ErrorIs(t, s.Send("pd", "dsp", 1), pkgerrors.ErrNotConnected)
}

func TestStopNotifiesPeer(t *testing.T) {
	s := newTestServer(t)
	conn := connect(t, s)
	dec := fudi.NewDecoder(conn)

	s.Stop()
	assert.Equal(t, fudi.Message{"0", "close"}, readMessage(t, dec, conn))
}

func TestStopDoesNotWaitForStalledPeer(t *testing.T) {
	s := newTestServer(t, WithWriteTimeout(30*time.Second))
	connect(t, s)

	// the peer never reads, so the socket buffers fill up and Send blocks
	big := strings.Repeat("x", 64*1024)
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for s.Send("0", big) == nil {
		}
	}()
	time.Sleep(300 * time.Millisecond)

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, types.StateStopped, s.State())

	select {
	case <-sendDone:
	case <-time.After(waitFor):
		t.Fatal("Send still blocked after Stop")
	}
}

func TestPeerCloseMessageStopsServer(t *testing.T) {
	s := newTestServer(t)
	conn := connect(t, s)

	_, err := conn.Write([]byte("close;\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.State() == types.StateStopped }, waitFor, 10*time.Millisecond)
}

func TestPeerDisconnectStopsServer(t *testing.T) {
	s := newTestServer(t)
	conn := connect(t, s)
	drain(s)

	require.NoError(t, conn.Close())

	select {
	case tr := <-s.Transitions():
		assert.Equal(t, types.StateConnected, tr.From)
		assert.Equal(t, types.StateStopped, tr.To)
		assert.Equal(t, "peer disconnected", tr.Reason)
	case <-time.After(waitFor):
		t.Fatal("no transition after peer disconnect")
	}
}

func TestInitrcvOpensDialBack(t *testing.T) {
	router := fudi.NewRouter()
	require.NoError(t, router.Handle(func(context.Context, fudi.Message) (interface{}, error) {
		return "pong", nil
	}, "ping"))
	s := newTestServer(t, WithRouter(router))

	receiver, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer receiver.Close()
	port := receiver.Addr().(*net.TCPAddr).Port

	conn := connect(t, s)
	_, err = conn.Write([]byte("initrcv " + strconv.Itoa(port) + ";\n7 ping;\n"))
	require.NoError(t, err)

	back, err := receiver.Accept()
	require.NoError(t, err)
	defer back.Close()

	assert.Equal(t, fudi.Message{"7", "pong"}, readMessage(t, fudi.NewDecoder(back), back))
}
