// Package transport moves encoded frames between processes. A Conn talks to
// one peer; a Listener serves many peers and tags every inbound frame with the
// sender's correlation id so replies can be routed back out of order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"bullywork/pkg/models"
)

var (
	ErrClosed  = errors.New("transport: socket closed")
	ErrTimeout = errors.New("transport: deadline exceeded")
)

// Frame is one inbound request on a Listener.
type Frame struct {
	// Sender is the opaque correlation id of the requesting peer.
	Sender  []byte
	Payload []byte
}

// Conn is a connect-style endpoint. Send may be called again after a timed
// out Recv; a reply to the earlier send is then discarded.
type Conn interface {
	Send(payload []byte) error
	// Recv waits until ctx is done for the reply to the last Send.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Listener is a bind-style endpoint. Send is safe to call from many
// goroutines while another goroutine blocks in Recv.
type Listener interface {
	Recv() (Frame, error)
	Send(to Frame, payload []byte) error
	Close() error
}

// Transport creates endpoints for one wire protocol.
type Transport interface {
	Dial(address string) (Conn, error)
	Listen(address string) (Listener, error)
}

// Address renders b as a transport address, e.g. tcp://127.0.0.1:3000.
func Address(scheme string, b models.Binding) string {
	if scheme == "" {
		scheme = "tcp"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, models.CanonicalHost(b.Address), b.Port)
}

// ProbePort returns the first port at or above start that can be bound on
// host, trying at most attempts ports.
func ProbePort(host string, start, attempts int) (int, error) {
	for p := start; p < start+attempts; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(models.CanonicalHost(host), strconv.Itoa(p)))
		if err != nil {
			continue
		}
		l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in [%d, %d)", start, start+attempts)
}
