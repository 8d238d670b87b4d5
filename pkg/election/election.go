// Package election runs the bully election: the greatest live process id
// becomes coordinator and every other process becomes its worker.
package election

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bullywork/pkg/logger"
	"bullywork/pkg/messaging"
	"bullywork/pkg/metrics"
	"bullywork/pkg/models"
)

// Requester sends one request and waits for its reply.
type Requester interface {
	Request(ctx context.Context, to models.Binding, msg messaging.Message, retries int) (messaging.Reply, error)
}

// Directory is the part of the process directory the election needs.
type Directory interface {
	Refresh(ctx context.Context) ([]models.ProcessRecord, error)
	Cached() []models.ProcessRecord
	Remove(ctx context.Context, id models.ProcessID) error
	Lookup(ctx context.Context, id models.ProcessID) (models.ProcessRecord, bool, error)
}

type Config struct {
	Self models.ProcessRecord
	// CoordinatorWait is how long a process that lost its election waits for
	// the winner's Coordinate announcement before electing again. Zero waits
	// forever.
	CoordinatorWait time.Duration
}

// State is a snapshot of the election.
type State struct {
	Role models.Role
	// Coordinator is set once the coordinator is known. A Worker whose
	// election probes all succeeded has none until Coordinate arrives.
	Coordinator *models.ProcessRecord
	Round       uint64
}

// Elector owns this process's role. Every call to StartElection begins a new
// round; the outcome of a round is discarded if another round has started or
// a Coordinate announcement was accepted in the meantime.
type Elector struct {
	cfg Config
	dir Directory
	req Requester
	log *zap.Logger

	mu          sync.Mutex
	ctx         context.Context
	role        models.Role
	coordinator *models.ProcessRecord
	round       uint64
	waitTimer   *time.Timer
	onChange    func(State)
}

func New(cfg Config, dir Directory, req Requester, log *zap.Logger) *Elector {
	return &Elector{
		cfg:  cfg,
		dir:  dir,
		req:  req,
		log:  logger.Named(log, "election").With(zap.String("self", string(cfg.Self.ID))),
		ctx:  context.Background(),
		role: models.RoleElecting,
	}
}

// OnChange registers fn to be called after every role change. fn runs on the
// goroutine that made the change and must not block.
func (e *Elector) OnChange(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

// Start binds the elector to the process lifetime and runs the first round.
func (e *Elector) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.stopWaitLocked()
		e.mu.Unlock()
	})
	e.StartElection()
}

// State returns the current snapshot.
func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Elector) stateLocked() State {
	s := State{Role: e.role, Round: e.round}
	if e.coordinator != nil {
		c := *e.coordinator
		s.Coordinator = &c
	}
	return s
}

// StartElection begins a new round in the background.
func (e *Elector) StartElection() {
	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.round++
	round := e.round
	ctx := e.ctx
	e.stopWaitLocked()
	e.setLocked(models.RoleElecting, nil)
	notify := e.notifierLocked()
	e.mu.Unlock()

	e.log.Info("Starting election", zap.Uint64("round", round))
	notify()
	go e.run(ctx, round)
}

func (e *Elector) run(ctx context.Context, round uint64) {
	peers, err := e.dir.Refresh(ctx)
	if err != nil {
		e.log.Warn("Directory refresh failed, using cached peers", zap.Error(err))
		peers = e.dir.Cached()
	}
	// Rounds started while the directory was being listed replace this one.
	if e.superseded(round) {
		metrics.ElectionsTotal.WithLabelValues("superseded").Inc()
		return
	}

	others, higher := e.partition(ctx, peers)
	if len(higher) == 0 {
		e.becomeCoordinator(ctx, round, others)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range higher {
		g.Go(func() error {
			reply, err := e.req.Request(gctx, p.Binding, messaging.Election(), 0)
			if err != nil {
				return fmt.Errorf("election probe %s: %w", p.ID, err)
			}
			if !reply.IsAck(messaging.AckElection) {
				return fmt.Errorf("election probe %s: unexpected reply %+v", p.ID, reply)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.log.Info("Higher process did not answer", zap.Uint64("round", round), zap.Error(err))
		e.becomeCoordinator(ctx, round, others)
		return
	}
	e.awaitCoordinator(round)
}

// partition drops self, deletes records that share our binding under another
// id, and returns the remaining peers plus those ranked above us.
func (e *Elector) partition(ctx context.Context, peers []models.ProcessRecord) (others, higher []models.ProcessRecord) {
	self := e.cfg.Self
	for _, p := range peers {
		if p.ID == self.ID {
			continue
		}
		if p.Binding.Equal(self.Binding) {
			e.log.Info("Removing stale process record", zap.String("id", string(p.ID)), zap.Stringer("binding", p.Binding))
			if err := e.dir.Remove(ctx, p.ID); err != nil {
				e.log.Warn("Failed to remove stale record", zap.String("id", string(p.ID)), zap.Error(err))
			} else {
				metrics.StaleRecordsRemoved.Inc()
			}
			continue
		}
		others = append(others, p)
		if p.ID > self.ID {
			higher = append(higher, p)
		}
	}
	return others, higher
}

func (e *Elector) superseded(round uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round != round
}

func (e *Elector) becomeCoordinator(ctx context.Context, round uint64, peers []models.ProcessRecord) {
	e.mu.Lock()
	if e.round != round {
		e.mu.Unlock()
		metrics.ElectionsTotal.WithLabelValues("superseded").Inc()
		return
	}
	self := e.cfg.Self
	e.setLocked(models.RoleCoordinator, &self)
	notify := e.notifierLocked()
	e.mu.Unlock()

	metrics.ElectionsTotal.WithLabelValues("coordinator").Inc()
	e.log.Info("Became coordinator", zap.Uint64("round", round), zap.Int("peers", len(peers)))
	notify()

	// Fire and forget: a peer that misses the announcement elects again
	// when its next request fails.
	for _, p := range peers {
		go func(p models.ProcessRecord) {
			if _, err := e.req.Request(ctx, p.Binding, messaging.Coordinate(self.ID), 0); err != nil {
				e.log.Debug("Coordinate announcement not delivered", zap.String("peer", string(p.ID)), zap.Error(err))
			}
		}(p)
	}
}

func (e *Elector) awaitCoordinator(round uint64) {
	e.mu.Lock()
	if e.round != round {
		e.mu.Unlock()
		metrics.ElectionsTotal.WithLabelValues("superseded").Inc()
		return
	}
	e.setLocked(models.RoleWorker, nil)
	if wait := e.cfg.CoordinatorWait; wait > 0 {
		e.waitTimer = time.AfterFunc(wait, func() { e.coordinatorWaitExpired(round) })
	}
	notify := e.notifierLocked()
	e.mu.Unlock()

	metrics.ElectionsTotal.WithLabelValues("worker").Inc()
	e.log.Info("Higher processes answered, awaiting coordinator", zap.Uint64("round", round))
	notify()
}

func (e *Elector) coordinatorWaitExpired(round uint64) {
	e.mu.Lock()
	stale := e.round != round || e.coordinator != nil
	e.mu.Unlock()
	if stale {
		return
	}
	e.log.Warn("No coordinator announced in time", zap.Duration("wait", e.cfg.CoordinatorWait))
	e.StartElection()
}

// HandleElection answers an Election request and restarts our own election.
func (e *Elector) HandleElection(_ context.Context, _ messaging.Message, _ []byte) messaging.Reply {
	go e.StartElection()
	return messaging.Ack(messaging.AckElection)
}

// HandleCoordinate answers a Coordinate announcement; the announcement is
// applied in the background so the reply is never held up by the directory.
func (e *Elector) HandleCoordinate(_ context.Context, msg messaging.Message, _ []byte) messaging.Reply {
	go e.acceptCoordinator(msg.Coordinator)
	return messaging.Ack(messaging.AckCoordinated)
}

func (e *Elector) acceptCoordinator(id models.ProcessID) {
	self := e.cfg.Self.ID
	switch {
	case id == self:
		return
	case id < self:
		// A lower process claims to coordinate; bully it.
		e.log.Info("Lower process announced itself coordinator", zap.String("coordinator", string(id)))
		e.StartElection()
		return
	}

	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()

	rec, ok, err := e.dir.Lookup(ctx, id)
	if err != nil || !ok {
		e.log.Warn("Announced coordinator not in directory", zap.String("coordinator", string(id)), zap.Error(err))
		e.StartElection()
		return
	}

	e.mu.Lock()
	e.round++
	e.stopWaitLocked()
	e.setLocked(models.RoleWorker, &rec)
	notify := e.notifierLocked()
	e.mu.Unlock()

	e.log.Info("Following coordinator", zap.Stringer("coordinator", rec))
	notify()
}

func (e *Elector) setLocked(role models.Role, coordinator *models.ProcessRecord) {
	e.role = role
	e.coordinator = coordinator
	metrics.SetRole(role.String())
}

func (e *Elector) stopWaitLocked() {
	if e.waitTimer != nil {
		e.waitTimer.Stop()
		e.waitTimer = nil
	}
}

// notifierLocked captures the callback and state to deliver once the lock is released.
func (e *Elector) notifierLocked() func() {
	fn := e.onChange
	s := e.stateLocked()
	return func() {
		if fn != nil {
			fn(s)
		}
	}
}
