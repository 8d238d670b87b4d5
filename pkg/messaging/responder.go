package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"bullywork/pkg/logger"
	"bullywork/pkg/metrics"
	"bullywork/pkg/transport"
)

// Handler produces the reply to one request. sender is the transport
// correlation id and is only meaningful for logging.
type Handler func(ctx context.Context, msg Message, sender []byte) Reply

// Responder serves a Listener. Every request runs in its own goroutine and
// its reply is routed back by correlation id, so a slow handler never delays
// replies to other senders.
type Responder struct {
	l              transport.Listener
	handler        Handler
	handlerTimeout time.Duration
	log            *zap.Logger
	wg             sync.WaitGroup
}

// NewResponder wires handler to l. handlerTimeout bounds each handler's
// context; zero means no bound.
func NewResponder(l transport.Listener, handler Handler, handlerTimeout time.Duration, log *zap.Logger) *Responder {
	return &Responder{
		l:              l,
		handler:        handler,
		handlerTimeout: handlerTimeout,
		log:            logger.Named(log, "responder"),
	}
}

// Serve receives until ctx is canceled or the listener is closed, then waits
// for in-flight handlers.
func (r *Responder) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.l.Close() })
	defer stop()
	defer r.wg.Wait()

	for {
		f, err := r.l.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			r.log.Warn("Receive failed", zap.Error(err))
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(ctx, f)
		}()
	}
}

func (r *Responder) handle(ctx context.Context, f transport.Frame) {
	var reply Reply
	msg, err := DecodeMessage(f.Payload)
	if err != nil {
		r.log.Warn("Dropping malformed request", zap.ByteString("payload", f.Payload), zap.Error(err))
		reply = Failure(err)
	} else {
		metrics.HandledTotal.WithLabelValues(string(msg.Type)).Inc()
		hctx := ctx
		if r.handlerTimeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, r.handlerTimeout)
			defer cancel()
		}
		reply = r.handler(hctx, msg, f.Sender)
	}

	payload, err := Encode(reply)
	if err != nil {
		r.log.Error("Failed to encode reply", zap.Error(err))
		return
	}
	if err := r.l.Send(f, payload); err != nil && !errors.Is(err, transport.ErrClosed) {
		r.log.Warn("Failed to send reply", zap.Error(err))
	}
}
