package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bullywork/pkg/logger"
	"bullywork/pkg/metrics"
	"bullywork/pkg/models"
	"bullywork/pkg/storage"
)

// ErrStopped is returned by operations on a ledger after Stop.
var ErrStopped = errors.New("ledger stopped")

const (
	DefaultLeaseTimeout = 30 * time.Second
	MinLeaseTimeout     = 10 * time.Second
	MaxLeaseTimeout     = 60 * time.Second

	// markerTimeout bounds store calls made from timer callbacks.
	markerTimeout = 10 * time.Second
)

type Config struct {
	Layout       storage.Layout
	LeaseTimeout time.Duration
}

// lease is identified by pointer: a reclaim only applies to the exact lease
// that armed it.
type lease struct {
	key      string
	deadline time.Time
	timer    *time.Timer
}

// Ledger hands out work keys to workers and records their results. It is
// owned by the coordinator.
type Ledger struct {
	cfg    Config
	store  storage.Store
	log    *zap.Logger
	tracer trace.Tracer

	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	available []string
	leases    map[string]*lease
	done      map[string]struct{}
	stopped   bool
}

func New(cfg Config, store storage.Store, log *zap.Logger) *Ledger {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	return &Ledger{
		cfg:    cfg,
		store:  store,
		log:    logger.Named(log, "ledger"),
		tracer: otel.Tracer("bullywork/ledger"),
		ready:  make(chan struct{}),
		leases: make(map[string]*lease),
		done:   make(map[string]struct{}),
	}
}

// ClampLeaseTimeout keeps d inside the supported lease range.
func ClampLeaseTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultLeaseTimeout
	case d < MinLeaseTimeout:
		return MinLeaseTimeout
	case d > MaxLeaseTimeout:
		return MaxLeaseTimeout
	}
	return d
}

// Ready is closed once Init has succeeded.
func (l *Ledger) Ready() <-chan struct{} {
	return l.ready
}

// Init lists the source, pending and done folders and computes the available
// keys. Pending markers without a result are adopted as fresh leases. Init
// may be retried until it succeeds; later calls are no-ops.
func (l *Ledger) Init(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	default:
	}

	ctx, span := l.tracer.Start(ctx, "ledger.Init")
	defer span.End()

	var source, pending, done []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		source, err = l.cfg.Layout.Source.Names(gctx, l.store)
		return wrap("list source", err)
	})
	g.Go(func() (err error) {
		pending, err = l.cfg.Layout.Pending.Names(gctx, l.store)
		return wrap("list pending", err)
	})
	g.Go(func() (err error) {
		done, err = l.cfg.Layout.Results.Names(gctx, l.store)
		return wrap("list results", err)
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	inSource := toSet(source)
	inPending := toSet(pending)
	inDone := toSet(done)

	// Markers left behind by a crash: either the result landed or the key
	// is gone from the catalog.
	var stale []string
	for _, k := range pending {
		if _, ok := inDone[k]; ok {
			stale = append(stale, k)
		} else if _, ok := inSource[k]; !ok {
			stale = append(stale, k)
		}
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	for k := range inDone {
		l.done[k] = struct{}{}
	}
	l.available = l.available[:0]
	var adopted []string
	for _, k := range source {
		if _, ok := l.done[k]; ok {
			continue
		}
		if _, ok := inPending[k]; ok {
			if _, leased := l.leases[k]; !leased {
				l.armLocked(&lease{key: k})
				adopted = append(adopted, k)
			}
			continue
		}
		l.available = append(l.available, k)
	}
	metrics.AvailableWork.Set(float64(len(l.available)))
	l.mu.Unlock()

	for _, k := range stale {
		l.deleteMarker(ctx, k)
	}

	l.readyOnce.Do(func() { close(l.ready) })
	l.log.Info("Ledger ready",
		zap.Int("source", len(source)),
		zap.Int("available", len(l.Snapshot().Available)),
		zap.Int("done", len(done)),
		zap.Strings("adopted", adopted),
	)
	return nil
}

// RequestWork leases the first available key. ok is false when nothing is
// left to hand out and the caller should be told to terminate. Requests made
// before Init has succeeded wait for it.
func (l *Ledger) RequestWork(ctx context.Context) (key string, ok bool, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.RequestWork")
	defer span.End()

	select {
	case <-l.ready:
	case <-ctx.Done():
		return "", false, ctx.Err()
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return "", false, ErrStopped
	}
	if len(l.available) == 0 {
		l.mu.Unlock()
		span.SetAttributes(attribute.Bool("ledger.terminate", true))
		return "", false, nil
	}
	key = l.available[0]
	l.available = l.available[1:]
	ls := &lease{key: key}
	l.leases[key] = ls
	metrics.AvailableWork.Set(float64(len(l.available)))
	l.mu.Unlock()

	span.SetAttributes(attribute.String("ledger.key", key))

	marker := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := l.store.Put(ctx, l.cfg.Layout.Pending.Bucket, l.cfg.Layout.Pending.Key(key), marker); err != nil {
		l.mu.Lock()
		if l.leases[key] == ls {
			delete(l.leases, key)
			l.available = append([]string{key}, l.available...)
			metrics.AvailableWork.Set(float64(len(l.available)))
		}
		l.mu.Unlock()
		err = fmt.Errorf("mark %s pending: %w", key, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", false, err
	}

	l.mu.Lock()
	// A submission may have settled the key while the marker was written.
	if l.leases[key] == ls && !l.stopped {
		l.armLocked(ls)
	}
	l.mu.Unlock()

	metrics.LeasesGranted.Inc()
	l.log.Debug("Leased work", zap.String("key", key))
	return key, true, nil
}

// SubmitWork records the distance computed for key. Late and duplicate
// submissions succeed and overwrite the stored result.
func (l *Ledger) SubmitWork(ctx context.Context, key string, distance int) error {
	ctx, span := l.tracer.Start(ctx, "ledger.SubmitWork", trace.WithAttributes(
		attribute.String("ledger.key", key),
		attribute.Int("ledger.distance", distance),
	))
	defer span.End()

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	ls, held := l.leases[key]
	if held {
		if ls.timer != nil {
			ls.timer.Stop()
		}
		delete(l.leases, key)
	}
	wasAvailable := l.removeAvailableLocked(key)
	l.mu.Unlock()

	if err := PersistResult(ctx, l.store, l.cfg.Layout.Results, key, distance); err != nil {
		if held || wasAvailable {
			l.mu.Lock()
			if _, leased := l.leases[key]; !leased && !l.stopped && !contains(l.available, key) {
				l.available = append([]string{key}, l.available...)
				metrics.AvailableWork.Set(float64(len(l.available)))
			}
			l.mu.Unlock()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	l.mu.Lock()
	l.done[key] = struct{}{}
	l.mu.Unlock()

	if held {
		l.deleteMarker(ctx, key)
		metrics.Submissions.WithLabelValues("held").Inc()
	} else {
		metrics.Submissions.WithLabelValues("none").Inc()
		l.log.Info("Accepted submission without a lease", zap.String("key", key))
	}
	return nil
}

// PersistResult writes distance as the result for key. It is safe to call
// from any role.
func PersistResult(ctx context.Context, store storage.Store, results storage.Location, key string, distance int) error {
	if err := store.Put(ctx, results.Bucket, results.Key(key), []byte(strconv.Itoa(distance))); err != nil {
		return fmt.Errorf("persist result %s: %w", key, err)
	}
	return nil
}

// Stop cancels every lease timer. The ledger rejects further operations.
func (l *Ledger) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	for _, ls := range l.leases {
		if ls.timer != nil {
			ls.timer.Stop()
		}
	}
}

// Snapshot reports the current in-memory state.
func (l *Ledger) Snapshot() models.WorkStatus {
	ready := false
	select {
	case <-l.ready:
		ready = true
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	leased := make([]string, 0, len(l.leases))
	for k := range l.leases {
		leased = append(leased, k)
	}
	sort.Strings(leased)
	return models.WorkStatus{
		Ready:     ready,
		Available: append([]string{}, l.available...),
		Leased:    leased,
	}
}

func (l *Ledger) armLocked(ls *lease) {
	ls.deadline = time.Now().Add(l.cfg.LeaseTimeout)
	l.leases[ls.key] = ls
	ls.timer = time.AfterFunc(l.cfg.LeaseTimeout, func() { l.reclaim(ls) })
}

// reclaim returns an expired lease's key to the back of the queue. The marker
// is deleted before the key becomes leasable again so a new lease's marker
// is never removed.
func (l *Ledger) reclaim(ls *lease) {
	l.mu.Lock()
	if l.stopped || l.leases[ls.key] != ls {
		l.mu.Unlock()
		return
	}
	delete(l.leases, ls.key)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), markerTimeout)
	defer cancel()
	l.deleteMarker(ctx, ls.key)

	l.mu.Lock()
	_, done := l.done[ls.key]
	requeued := !l.stopped && !done && !contains(l.available, ls.key)
	if requeued {
		l.available = append(l.available, ls.key)
		metrics.AvailableWork.Set(float64(len(l.available)))
	}
	l.mu.Unlock()

	if requeued {
		metrics.LeasesReclaimed.Inc()
		l.log.Info("Reclaimed expired lease", zap.String("key", ls.key))
	}
}

func (l *Ledger) deleteMarker(ctx context.Context, key string) {
	if err := l.store.Delete(ctx, l.cfg.Layout.Pending.Bucket, l.cfg.Layout.Pending.Key(key)); err != nil {
		l.log.Warn("Failed to delete pending marker", zap.String("key", key), zap.Error(err))
	}
}

func (l *Ledger) removeAvailableLocked(key string) bool {
	for i, k := range l.available {
		if k == key {
			l.available = append(l.available[:i], l.available[i+1:]...)
			metrics.AvailableWork.Set(float64(len(l.available)))
			return true
		}
	}
	return false
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
