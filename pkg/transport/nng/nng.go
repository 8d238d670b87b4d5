// Package nng implements transport over mangos (nanomsg). Outbound requests
// use a REQ socket with automatic resend disabled; the bind side is a raw REP
// socket whose message header (pipe id plus backtrace) is the correlation id.
package nng

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/req"
	"go.nanomsg.org/mangos/v3/protocol/xrep"
	"go.uber.org/zap"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"bullywork/pkg/logger"
	"bullywork/pkg/transport"
)

// Transport creates mangos sockets.
type Transport struct {
	sendTimeout time.Duration
	log         *zap.Logger
}

// New returns a Transport. sendTimeout bounds how long a Send may wait for the
// peer connection to come up.
func New(sendTimeout time.Duration, log *zap.Logger) *Transport {
	return &Transport{sendTimeout: sendTimeout, log: logger.Named(log, "transport")}
}

func (t *Transport) Dial(address string) (transport.Conn, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create REQ socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionDialAsynch, true); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set %s: %w", mangos.OptionDialAsynch, err)
	}
	if err := sock.Dial(address); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return &conn{sock: sock, sendTimeout: t.sendTimeout}, nil
}

func (t *Transport) Listen(address string) (transport.Listener, error) {
	sock, err := xrep.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create REP socket: %w", err)
	}
	if err := sock.Listen(address); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	t.log.Info("Listening", zap.String("address", address))
	return &listener{sock: sock, log: t.log.With(zap.String("address", address))}, nil
}

// conn opens a fresh mangos context per Send. Closing the previous context
// aborts its pending receive, so a reply can only reach the receive for the
// request that produced it.
type conn struct {
	sock        mangos.Socket
	sendTimeout time.Duration

	mu  sync.Mutex
	ctx mangos.Context
}

func (c *conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		c.ctx.Close()
		c.ctx = nil
	}

	mctx, err := c.sock.OpenContext()
	if err != nil {
		return mapErr(err)
	}
	opts := map[string]interface{}{
		mangos.OptionRetryTime:    time.Duration(0),
		mangos.OptionSendDeadline: c.sendTimeout,
	}
	for name, v := range opts {
		if err := mctx.SetOption(name, v); err != nil {
			mctx.Close()
			return fmt.Errorf("failed to set %s: %w", name, err)
		}
	}
	c.ctx = mctx
	return mapErr(mctx.Send(payload))
}

func (c *conn) Recv(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	mctx := c.ctx
	c.mu.Unlock()
	if mctx == nil {
		return nil, errors.New("recv without a pending request")
	}

	wait := time.Duration(0)
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
		if wait <= 0 {
			return nil, transport.ErrTimeout
		}
	}
	if err := mctx.SetOption(mangos.OptionRecvDeadline, wait); err != nil {
		return nil, mapErr(err)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := mctx.Recv()
		done <- result{data, err}
	}()

	select {
	case r := <-done:
		return r.data, mapErr(r.err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, transport.ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.ctx != nil {
		c.ctx.Close()
		c.ctx = nil
	}
	c.mu.Unlock()
	return c.sock.Close()
}

type listener struct {
	sock mangos.Socket
	log  *zap.Logger
}

func (l *listener) Recv() (transport.Frame, error) {
	m, err := l.sock.RecvMsg()
	if err != nil {
		return transport.Frame{}, mapErr(err)
	}
	f := transport.Frame{
		Sender:  append([]byte(nil), m.Header...),
		Payload: append([]byte(nil), m.Body...),
	}
	m.Free()
	l.log.Debug("Received", zap.Binary("sender", f.Sender), zap.ByteString("payload", f.Payload))
	return f, nil
}

func (l *listener) Send(to transport.Frame, payload []byte) error {
	m := mangos.NewMessage(len(payload))
	m.Header = append(m.Header, to.Sender...)
	m.Body = append(m.Body, payload...)
	l.log.Debug("Sending", zap.Binary("sender", to.Sender), zap.ByteString("payload", payload))
	return mapErr(l.sock.SendMsg(m))
}

func (l *listener) Close() error {
	return l.sock.Close()
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mangos.ErrClosed):
		return transport.ErrClosed
	case errors.Is(err, mangos.ErrRecvTimeout), errors.Is(err, mangos.ErrSendTimeout):
		return transport.ErrTimeout
	default:
		return err
	}
}

var _ transport.Transport = (*Transport)(nil)
