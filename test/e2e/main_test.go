package e2e

import (
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/socialgouv/fcpd-server/pkg/fudi"
)

// fakePdEnv switches the test binary into a stand-in for Pure-Data
const fakePdEnv = "FCPD_FAKE_PD"

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakePdEnv); mode != "" {
		os.Exit(runFakePd(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

// runFakePd behaves like Pure-Data opening the client patch: it takes the
// bridge address from the -send startup message and dials in.
//
// Modes: "serve" answers until the bridge says "0 close", "crash" exits
// with status 3 shortly after connecting.
func runFakePd(mode string, args []string) int {
	var send, open string
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-send":
			send = args[i+1]
		case "-open":
			open = args[i+1]
		}
	}

	if _, err := os.Stat(open); err != nil {
		fmt.Fprintln(os.Stderr, "error: client patch missing:", err)
		return 4
	}

	// "fcpd-server connect <host> <port>"
	fields := strings.Fields(send)
	if len(fields) != 4 || fields[1] != "connect" {
		fmt.Fprintln(os.Stderr, "error: bad -send message:", send)
		return 5
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(fields[2], fields[3]))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: connect:", err)
		return 6
	}
	defer conn.Close()
	fmt.Println("connected to", conn.RemoteAddr())

	if mode == "crash" {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprintln(os.Stderr, "error: simulated crash")
		return 3
	}

	dec := fudi.NewDecoder(conn)
	for {
		msg, err := dec.Next()
		if err != nil {
			return 0
		}
		if msg.ID() == "0" && msg.Verb() == "close" {
			return 0
		}
	}
}
