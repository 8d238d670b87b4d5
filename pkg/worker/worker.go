// Package worker runs the request, compute, submit loop against the current
// coordinator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"bullywork/pkg/compute"
	"bullywork/pkg/logger"
	"bullywork/pkg/messaging"
	"bullywork/pkg/metrics"
	"bullywork/pkg/models"
	"bullywork/pkg/storage"
)

// Requester sends one request and waits for its reply.
type Requester interface {
	Request(ctx context.Context, to models.Binding, msg messaging.Message, retries int) (messaging.Reply, error)
}

var (
	// errCoordinatorLost ends the loop and asks for a new election.
	errCoordinatorLost = errors.New("coordinator lost")
	errMalformedReply  = errors.New("unexpected reply")
)

type Config struct {
	Source storage.Location
	// PollInterval is the pause after the coordinator reports an error.
	PollInterval time.Duration
	// Retries for RequestWork and SubmitWork. Zero hands a lost coordinator
	// straight to the election.
	Retries int
}

// Worker runs at most one loop at a time.
type Worker struct {
	cfg     Config
	req     Requester
	store   storage.Store
	compute compute.Func
	log     *zap.Logger
	tracer  trace.Tracer

	coordinator atomic.Pointer[models.ProcessRecord]

	mu      sync.Mutex
	running bool
	gen     uint64
	cancel  context.CancelFunc
	onLost  func()
	onDone  func()
}

func New(cfg Config, req Requester, store storage.Store, fn compute.Func, log *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if fn == nil {
		fn = compute.Levenshtein
	}
	return &Worker{
		cfg:     cfg,
		req:     req,
		store:   store,
		compute: fn,
		log:     logger.Named(log, "worker"),
		tracer:  otel.Tracer("bullywork/worker"),
	}
}

// OnCoordinatorLost registers fn, called when a request to the coordinator
// fails or it no longer coordinates.
func (w *Worker) OnCoordinatorLost(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLost = fn
}

// OnDone registers fn, called when the coordinator says there is no work left.
func (w *Worker) OnDone(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDone = fn
}

// Start points the worker at coordinator and starts the loop unless it is
// already running. A running loop picks up the new coordinator on its next
// request. A loop that was stopped but has not exited yet is replaced. It
// reports whether a new loop was started.
func (w *Worker) Start(ctx context.Context, coordinator models.ProcessRecord) bool {
	w.coordinator.Store(&coordinator)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running && w.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	w.gen++
	w.running = true
	w.cancel = cancel
	go w.loop(ctx, w.gen)
	return true
}

// Stop cancels the running loop, if any.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

// Running reports whether a loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) loop(ctx context.Context, gen uint64) {
	var exit func()
	defer func() {
		w.mu.Lock()
		if w.gen == gen {
			w.running = false
			if w.cancel != nil {
				w.cancel()
				w.cancel = nil
			}
		}
		w.mu.Unlock()
		if exit != nil {
			exit()
		}
	}()

	for ctx.Err() == nil {
		coord := *w.coordinator.Load()
		done, err := w.step(ctx, coord)
		switch {
		case ctx.Err() != nil:
			return
		case done:
			w.log.Info("No work left")
			exit = w.callback(func() func() { return w.onDone })
			return
		case errors.Is(err, errCoordinatorLost):
			w.log.Warn("Coordinator unreachable", zap.String("coordinator", string(coord.ID)), zap.Error(err))
			exit = w.callback(func() func() { return w.onLost })
			return
		case errors.Is(err, messaging.ErrMalformed), errors.Is(err, errMalformedReply):
			w.log.Warn("Malformed reply, requesting again", zap.Error(err))
		case err != nil:
			w.log.Warn("Work item failed", zap.Error(err), zap.Duration("backoff", w.cfg.PollInterval))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

func (w *Worker) callback(get func() func()) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	return get()
}

// step requests one work item and processes it. done is true when the
// coordinator has nothing left.
func (w *Worker) step(ctx context.Context, coord models.ProcessRecord) (done bool, err error) {
	reply, err := w.call(ctx, coord, messaging.RequestWork())
	if err != nil {
		return false, err
	}
	switch {
	case reply.Terminate:
		return true, nil
	case reply.StringPairKey != "":
		return false, w.process(ctx, coord, reply.StringPairKey)
	}
	return false, fmt.Errorf("%w to requestWork: %+v", errMalformedReply, reply)
}

func (w *Worker) process(ctx context.Context, coord models.ProcessRecord, key string) (err error) {
	ctx, span := w.tracer.Start(ctx, "worker.Process", trace.WithAttributes(attribute.String("work.key", key)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	payload, err := w.store.Get(ctx, w.cfg.Source.Bucket, w.cfg.Source.Key(key))
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	pair, err := models.ParseStringPair(payload)
	if err != nil {
		return fmt.Errorf("payload %s: %w", key, err)
	}

	start := time.Now()
	distance, err := w.compute(ctx, pair.First, pair.Second)
	if err != nil {
		return fmt.Errorf("compute %s: %w", key, err)
	}
	metrics.ComputeDuration.Observe(time.Since(start).Seconds())
	metrics.WorkComputed.Inc()
	span.SetAttributes(attribute.Int("work.distance", distance))

	reply, err := w.call(ctx, coord, messaging.SubmitWork(key, distance))
	if err != nil {
		return err
	}
	if !reply.IsAck(messaging.AckSubmitted) {
		return fmt.Errorf("%w to submitWork: %+v", errMalformedReply, reply)
	}
	w.log.Debug("Submitted", zap.String("key", key), zap.Int("distance", distance))
	return nil
}

// call sends msg to the coordinator. Transport failures and a
// notCoordinator reply both mean the coordinator is lost; an error reply is
// returned as a plain error.
func (w *Worker) call(ctx context.Context, coord models.ProcessRecord, msg messaging.Message) (messaging.Reply, error) {
	reply, err := w.req.Request(ctx, coord.Binding, msg, w.cfg.Retries)
	if err != nil {
		if errors.Is(err, messaging.ErrMalformed) || ctx.Err() != nil {
			return reply, err
		}
		return reply, fmt.Errorf("%w: %s: %v", errCoordinatorLost, msg.Type, err)
	}
	if reply.NotCoordinator {
		return reply, fmt.Errorf("%w: %s no longer coordinates", errCoordinatorLost, coord.ID)
	}
	if reply.Error != "" {
		return reply, fmt.Errorf("coordinator error on %s: %s", msg.Type, reply.Error)
	}
	return reply, nil
}
