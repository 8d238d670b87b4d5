// Package process wires one bullywork process: its directory record, its
// reply channel, its election and whichever of the ledger or the worker loop
// its role calls for.
package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"bullywork/pkg/compute"
	"bullywork/pkg/election"
	"bullywork/pkg/ledger"
	"bullywork/pkg/logger"
	"bullywork/pkg/messaging"
	"bullywork/pkg/models"
	"bullywork/pkg/registry"
	"bullywork/pkg/storage"
	"bullywork/pkg/transport"
	"bullywork/pkg/worker"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	// Self.ID is generated when empty.
	Self   models.ProcessRecord
	Scheme string
	Layout storage.Layout

	RequestTimeout  time.Duration
	ElectionTimeout time.Duration
	CoordinatorWait time.Duration
	LeaseTimeout    time.Duration
	PollInterval    time.Duration
	// RefreshSchedule is a cron spec for re-listing the directory. Empty
	// disables it.
	RefreshSchedule string

	// Compute defaults to compute.Levenshtein.
	Compute compute.Func
}

// Core is one running process.
type Core struct {
	cfg   Config
	store storage.Store
	tr    transport.Transport
	log   *zap.Logger

	dir     *registry.Directory
	elector *election.Elector
	worker  *worker.Worker
	router  *messaging.Router

	kick     chan struct{}
	done     chan struct{}
	doneOnce sync.Once

	mu          sync.Mutex
	ledger      *ledger.Ledger
	ledgerClose context.CancelFunc
}

func NewCore(cfg Config, store storage.Store, tr transport.Transport, log *zap.Logger) *Core {
	if cfg.Self.ID == "" {
		cfg.Self.ID = models.ProcessID(uuid.NewString())
	}
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = cfg.RequestTimeout
	}
	log = logger.Named(log, "process").With(zap.String("id", string(cfg.Self.ID)))

	c := &Core{
		cfg:   cfg,
		store: store,
		tr:    tr,
		log:   log,
		dir:   registry.New(store, cfg.Layout.Processes, log),
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	probes := messaging.NewClient(tr, messaging.ClientConfig{Scheme: cfg.Scheme, Timeout: cfg.ElectionTimeout}, log)
	requests := messaging.NewClient(tr, messaging.ClientConfig{Scheme: cfg.Scheme, Timeout: cfg.RequestTimeout}, log)

	c.elector = election.New(election.Config{
		Self:            cfg.Self,
		CoordinatorWait: cfg.CoordinatorWait,
	}, c.dir, probes, log)
	c.elector.OnChange(func(election.State) { c.nudge() })

	c.worker = worker.New(worker.Config{
		Source:       cfg.Layout.Source,
		PollInterval: cfg.PollInterval,
	}, requests, store, cfg.Compute, log)
	c.worker.OnCoordinatorLost(c.elector.StartElection)
	c.worker.OnDone(c.finish)

	c.router = messaging.NewRouter().
		Handle(messaging.TypeElection, c.elector.HandleElection).
		Handle(messaging.TypeCoordinate, c.elector.HandleCoordinate).
		Handle(messaging.TypeRequestWork, c.handleRequestWork).
		Handle(messaging.TypeSubmitWork, c.handleSubmitWork)

	return c
}

// Self is this process's directory record.
func (c *Core) Self() models.ProcessRecord {
	return c.cfg.Self
}

// State is the current election state.
func (c *Core) State() election.State {
	return c.elector.State()
}

// Peers re-lists the process directory.
func (c *Core) Peers(ctx context.Context) ([]models.ProcessRecord, error) {
	return c.dir.Refresh(ctx)
}

// Work reports the ledger state. ok is false unless this process coordinates.
func (c *Core) Work() (status models.WorkStatus, ok bool) {
	c.mu.Lock()
	l := c.ledger
	c.mu.Unlock()
	if l == nil {
		return models.WorkStatus{}, false
	}
	return l.Snapshot(), true
}

// Done is closed once the coordinator has told this process there is no
// work left.
func (c *Core) Done() <-chan struct{} {
	return c.done
}

// Run publishes this process, serves peers and follows the election until
// ctx is canceled or the work is finished. Only bootstrap failures are
// returned.
func (c *Core) Run(ctx context.Context) error {
	self := c.cfg.Self

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.dir.Publish(ctx, self)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("Publish failed, retrying", zap.Error(err), zap.Duration("in", next))
		}),
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", self, err)
	}

	addr := transport.Address(c.cfg.Scheme, self.Binding)
	l, err := c.tr.Listen(addr)
	if err != nil {
		c.removeSelf()
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	responder := messaging.NewResponder(l, c.router.Dispatch, c.cfg.RequestTimeout, c.log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := responder.Serve(runCtx); err != nil {
			c.log.Error("Responder stopped", zap.Error(err))
		}
	}()

	sched := cron.New()
	if c.cfg.RefreshSchedule != "" {
		if _, err := sched.AddFunc(c.cfg.RefreshSchedule, func() { c.refresh(runCtx) }); err != nil {
			c.log.Warn("Invalid refresh schedule, periodic refresh disabled",
				zap.String("schedule", c.cfg.RefreshSchedule), zap.Error(err))
		}
	}
	sched.Start()

	c.log.Info("Process started", zap.String("address", addr))
	c.elector.Start(runCtx)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Shutting down")
		case <-c.done:
			c.log.Info("Work finished, shutting down")
		case <-c.kick:
			c.reconcile(runCtx)
			continue
		}
		break
	}

	<-sched.Stop().Done()
	c.worker.Stop()
	c.stopLedger()
	cancel()
	wg.Wait()
	c.removeSelf()
	return nil
}

func (c *Core) nudge() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Core) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// reconcile brings the ledger and the worker loop in line with the current
// role. Notifications may be stale, so the state is read again here.
func (c *Core) reconcile(ctx context.Context) {
	s := c.elector.State()
	switch s.Role {
	case models.RoleCoordinator:
		c.worker.Stop()
		c.startLedger(ctx)
	case models.RoleWorker:
		c.stopLedger()
		if s.Coordinator != nil {
			if c.worker.Start(ctx, *s.Coordinator) {
				c.log.Info("Worker loop started", zap.String("coordinator", string(s.Coordinator.ID)))
			}
		}
	}
}

func (c *Core) startLedger(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ledger != nil {
		return
	}

	l := ledger.New(ledger.Config{Layout: c.cfg.Layout, LeaseTimeout: c.cfg.LeaseTimeout}, c.store, c.log)
	lctx, cancel := context.WithCancel(ctx)
	c.ledger = l
	c.ledgerClose = cancel

	go func() {
		_, err := backoff.Retry(lctx, func() (struct{}, error) {
			err := l.Init(lctx)
			if errors.Is(err, ledger.ErrStopped) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.log.Warn("Ledger init failed, retrying", zap.Error(err), zap.Duration("in", next))
			}),
		)
		if err != nil && lctx.Err() == nil {
			c.log.Error("Ledger init abandoned", zap.Error(err))
		}
	}()
	c.log.Info("Coordinating work")
}

func (c *Core) stopLedger() {
	c.mu.Lock()
	l, cancel := c.ledger, c.ledgerClose
	c.ledger, c.ledgerClose = nil, nil
	c.mu.Unlock()

	if l == nil {
		return
	}
	cancel()
	l.Stop()
	c.log.Info("Stopped coordinating work")
}

// currentLedger returns the ledger while this process coordinates. A
// coordinator that re-runs its election keeps serving from it until
// reconcile hands the role to someone else.
func (c *Core) currentLedger() *ledger.Ledger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger
}

func (c *Core) handleRequestWork(ctx context.Context, _ messaging.Message, _ []byte) messaging.Reply {
	l := c.currentLedger()
	if l == nil {
		return messaging.NotCoordinator()
	}
	key, ok, err := l.RequestWork(ctx)
	switch {
	case errors.Is(err, ledger.ErrStopped):
		return messaging.NotCoordinator()
	case err != nil:
		c.log.Warn("RequestWork failed", zap.Error(err))
		return messaging.Failure(err)
	case !ok:
		return messaging.Terminate()
	}
	return messaging.Assign(key)
}

// handleSubmitWork persists the result even when this process does not
// coordinate; results are idempotent.
func (c *Core) handleSubmitWork(ctx context.Context, msg messaging.Message, _ []byte) messaging.Reply {
	var err error
	l := c.currentLedger()
	if l != nil {
		err = l.SubmitWork(ctx, msg.StringPairKey, msg.Distance)
	}
	if l == nil || errors.Is(err, ledger.ErrStopped) {
		err = ledger.PersistResult(ctx, c.store, c.cfg.Layout.Results, msg.StringPairKey, msg.Distance)
	}
	if err != nil {
		c.log.Warn("SubmitWork failed", zap.String("key", msg.StringPairKey), zap.Error(err))
		return messaging.Failure(err)
	}
	return messaging.Ack(messaging.AckSubmitted)
}

func (c *Core) refresh(ctx context.Context) {
	if _, err := c.dir.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("Directory refresh failed", zap.Error(err))
	}
}

func (c *Core) removeSelf() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.dir.Remove(ctx, c.cfg.Self.ID); err != nil {
		c.log.Warn("Failed to remove own record", zap.Error(err))
	}
}
