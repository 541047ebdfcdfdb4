package types

import (
	"net"
	"strconv"
	"time"
)

// BridgeAddress is the address the bridge server is bound to
type BridgeAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String returns host:port
func (a BridgeAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset
func (a BridgeAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// AddressFromNet converts a bound TCP address
func AddressFromNet(addr net.Addr) BridgeAddress {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return BridgeAddress{Host: tcp.IP.String(), Port: tcp.Port}
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return BridgeAddress{Host: addr.String()}
	}
	p, _ := strconv.Atoi(port)
	return BridgeAddress{Host: host, Port: p}
}

// ChildProcess is a handle to a spawned external program
type ChildProcess struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Args      []string  `json:"args"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// SessionInfo holds information about a bridge session
type SessionInfo struct {
	SessionID string
	Address   BridgeAddress
	PID       int
}

// ToFields converts SessionInfo to a map of logger fields
func (s *SessionInfo) ToFields() map[string]interface{} {
	fields := make(map[string]interface{})

	if s.SessionID != "" {
		fields["session_id"] = s.SessionID
	}

	if !s.Address.IsZero() {
		fields["bridge_address"] = s.Address.String()
	}

	if s.PID != 0 {
		fields["pid"] = s.PID
	}

	return fields
}
