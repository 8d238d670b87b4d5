package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"bullywork/pkg/logger"
	"bullywork/pkg/metrics"
	"bullywork/pkg/models"
	"bullywork/pkg/transport"
)

// DefaultTimeout is how long one attempt waits for its reply.
const DefaultTimeout = 10 * time.Second

type ClientConfig struct {
	// Scheme is the transport address scheme, tcp or inproc.
	Scheme  string
	Timeout time.Duration
}

// Client issues reliable requests: one request, a bounded number of
// sequential retransmissions on timeout, exactly one reply accepted.
type Client struct {
	tr     transport.Transport
	cfg    ClientConfig
	log    *zap.Logger
	tracer trace.Tracer
}

func NewClient(tr transport.Transport, cfg ClientConfig, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		tr:     tr,
		cfg:    cfg,
		log:    logger.Named(log, "messaging"),
		tracer: otel.Tracer("bullywork/messaging"),
	}
}

// Timeout returns the per-attempt timeout.
func (c *Client) Timeout() time.Duration {
	return c.cfg.Timeout
}

// attempt is the retry state of one request.
type attempt struct {
	attemptsLeft int
	deadline     time.Time
	sends        int
}

func (a *attempt) next(timeout time.Duration) bool {
	if a.attemptsLeft <= 0 {
		return false
	}
	a.attemptsLeft--
	a.sends++
	a.deadline = time.Now().Add(timeout)
	return true
}

// Request sends msg to the process at `to` and waits for its reply. With
// retries R and no reply it sends exactly R+1 times and returns ErrTimeout no
// sooner than (R+1) times the configured timeout: a failed send still waits
// out its attempt's deadline.
func (c *Client) Request(ctx context.Context, to models.Binding, msg Message, retries int) (Reply, error) {
	ctx, span := c.tracer.Start(ctx, "messaging.Request", trace.WithAttributes(
		attribute.String("message.type", string(msg.Type)),
		attribute.String("peer", to.String()),
		attribute.Int("retries", retries),
	))
	defer span.End()

	reply, sends, err := c.request(ctx, to, msg, retries)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrMalformed):
		outcome = "malformed"
	case err != nil:
		outcome = "error"
	}
	metrics.RecordRequest(string(msg.Type), outcome, sends)
	span.SetAttributes(attribute.Int("sends", sends))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return reply, err
}

func (c *Client) request(ctx context.Context, to models.Binding, msg Message, retries int) (Reply, int, error) {
	payload, err := Encode(msg)
	if err != nil {
		return Reply{}, 0, err
	}

	addr := transport.Address(c.cfg.Scheme, to)
	conn, err := c.tr.Dial(addr)
	if err != nil {
		return Reply{}, 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	a := attempt{attemptsLeft: retries + 1}
	for a.next(c.cfg.Timeout) {
		data, err := c.try(ctx, conn, payload, a.deadline)
		if err == nil {
			reply, err := DecodeReply(data)
			if err != nil {
				return Reply{}, a.sends, err
			}
			return reply, a.sends, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Reply{}, a.sends, ctxErr
		}
		if errors.Is(err, transport.ErrClosed) {
			return Reply{}, a.sends, ErrClosed
		}
		c.log.Debug("Attempt failed",
			zap.String("type", string(msg.Type)),
			zap.String("peer", addr),
			zap.Int("attempts_left", a.attemptsLeft),
			zap.Error(err),
		)
	}
	return Reply{}, a.sends, fmt.Errorf("%w: %s to %s after %d attempts", ErrTimeout, msg.Type, addr, a.sends)
}

// try performs one send and waits for its reply until deadline. Any failure
// returns only once the deadline has passed.
func (c *Client) try(ctx context.Context, conn transport.Conn, payload []byte, deadline time.Time) ([]byte, error) {
	actx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	err := conn.Send(payload)
	if err == nil {
		var data []byte
		if data, err = conn.Recv(actx); err == nil {
			return data, nil
		}
	}
	<-actx.Done()
	return nil, err
}
