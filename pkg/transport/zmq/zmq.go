//go:build zmq
// +build zmq

// Package zmq implements transport over ZeroMQ. Clients use a DEALER socket
// and send ["", payload]; the server is a ROUTER that receives
// [identity, "", payload] and replies with the same identity.
package zmq

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"bullywork/pkg/logger"
	"bullywork/pkg/transport"
)

// pollInterval bounds how long the listener holds the socket lock in Recv.
const pollInterval = 100 * time.Millisecond

type Transport struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Transport {
	return &Transport{log: logger.Named(log, "transport")}
}

func (t *Transport) Dial(address string) (transport.Conn, error) {
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, fmt.Errorf("failed to create DEALER socket: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Connect(address); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return &conn{sock: sock}, nil
}

func (t *Transport) Listen(address string) (transport.Listener, error) {
	sock, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, fmt.Errorf("failed to create ROUTER socket: %w", err)
	}
	if err := sock.SetRcvtimeo(pollInterval); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Bind(address); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to bind %s: %w", address, err)
	}
	t.log.Info("Listening", zap.String("address", address))
	return &listener{sock: sock, log: t.log.With(zap.String("address", address))}, nil
}

// conn is used by one goroutine at a time, as the request channel does.
type conn struct {
	sock *zmq.Socket
}

func (c *conn) Send(payload []byte) error {
	// Drop replies to earlier attempts so Recv only sees the newest one.
	c.drain()
	_, err := c.sock.SendMessage("", payload)
	return err
}

func (c *conn) drain() {
	for {
		if _, err := c.sock.RecvMessageBytes(zmq.DONTWAIT); err != nil {
			return
		}
	}
}

func (c *conn) Recv(ctx context.Context) ([]byte, error) {
	for {
		wait := pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			left := time.Until(deadline)
			if left <= 0 {
				return nil, transport.ErrTimeout
			}
			wait = min(wait, left)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.sock.SetRcvtimeo(wait); err != nil {
			return nil, err
		}
		msg, err := c.sock.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			return nil, err
		}
		// DEALER gives us: ["", payload]
		return msg[len(msg)-1], nil
	}
}

func (c *conn) Close() error {
	return c.sock.Close()
}

// listener serializes socket access; zmq sockets are not goroutine safe.
type listener struct {
	mu     sync.Mutex
	sock   *zmq.Socket
	closed bool
	log    *zap.Logger
}

func (l *listener) Recv() (transport.Frame, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return transport.Frame{}, transport.ErrClosed
		}
		msg, err := l.sock.RecvMessageBytes(0)
		l.mu.Unlock()

		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			return transport.Frame{}, err
		}
		if len(msg) < 2 {
			continue
		}
		// ROUTER gives us: [identity, "", payload]
		f := transport.Frame{Sender: msg[0], Payload: msg[len(msg)-1]}
		l.log.Debug("Received", zap.Binary("sender", f.Sender), zap.ByteString("payload", f.Payload))
		return f, nil
	}
}

func (l *listener) Send(to transport.Frame, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return transport.ErrClosed
	}
	l.log.Debug("Sending", zap.Binary("sender", to.Sender), zap.ByteString("payload", payload))
	_, err := l.sock.SendMessage(to.Sender, "", payload)
	return err
}

func (l *listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.sock.Close()
}

var _ transport.Transport = (*Transport)(nil)
