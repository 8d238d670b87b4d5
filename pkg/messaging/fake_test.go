package messaging

import (
	"context"
	"errors"
	"sync"

	"bullywork/pkg/transport"
)

// fakeTransport records sends and answers through reply, which may be nil to
// never answer.
type fakeTransport struct {
	mu      sync.Mutex
	sends   int
	sendErr error
	reply   func(send int, payload []byte) ([]byte, bool)
	last    []byte
}

func (f *fakeTransport) Dial(string) (transport.Conn, error) {
	return &fakeConn{t: f}, nil
}

func (f *fakeTransport) Listen(string) (transport.Listener, error) {
	return nil, errors.New("not supported")
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

type fakeConn struct {
	t       *fakeTransport
	pending []byte
	has     bool
}

func (c *fakeConn) Send(payload []byte) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.sends++
	c.t.last = payload
	if c.t.sendErr != nil {
		return c.t.sendErr
	}
	c.pending, c.has = nil, false
	if c.t.reply != nil {
		c.pending, c.has = c.t.reply(c.t.sends, payload)
	}
	return nil
}

func (c *fakeConn) Recv(ctx context.Context) ([]byte, error) {
	if c.has {
		return c.pending, nil
	}
	<-ctx.Done()
	return nil, transport.ErrTimeout
}

func (c *fakeConn) Close() error { return nil }
