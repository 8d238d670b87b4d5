package resilience

import (
	"context"
	"errors"

	"bullywork/pkg/metrics"
	"bullywork/pkg/storage"
)

// GuardedStore runs every call of an inner storage.Store through a circuit
// breaker and records it in the store metrics. A missing key is an answer,
// not a backend failure, so ErrNotFound never trips the breaker.
type GuardedStore struct {
	inner   storage.Store
	breaker *CircuitBreaker
}

// GuardStore wraps inner with a breaker built from cfg.
func GuardStore(name string, inner storage.Store, cfg CircuitBreakerConfig) *GuardedStore {
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return !errors.Is(err, storage.ErrNotFound) &&
				!errors.Is(err, context.Canceled)
		}
	}
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to CircuitState) {
		metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	return &GuardedStore{inner: inner, breaker: NewCircuitBreaker(name, cfg)}
}

// Breaker exposes the breaker for status reporting.
func (g *GuardedStore) Breaker() *CircuitBreaker {
	return g.breaker
}

func (g *GuardedStore) run(ctx context.Context, op string, fn func() error) error {
	err := g.breaker.Execute(ctx, fn)
	metrics.RecordStoreOp(op, ignoreNotFound(err))
	return err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (g *GuardedStore) ListPrefix(ctx context.Context, bucket, prefix string) (objs []storage.Object, err error) {
	err = g.run(ctx, "list", func() error {
		objs, err = g.inner.ListPrefix(ctx, bucket, prefix)
		return err
	})
	return objs, err
}

func (g *GuardedStore) Keys(ctx context.Context, bucket, prefix string) (keys []string, err error) {
	err = g.run(ctx, "keys", func() error {
		keys, err = g.inner.Keys(ctx, bucket, prefix)
		return err
	})
	return keys, err
}

func (g *GuardedStore) Get(ctx context.Context, bucket, key string) (payload []byte, err error) {
	err = g.run(ctx, "get", func() error {
		payload, err = g.inner.Get(ctx, bucket, key)
		return err
	})
	return payload, err
}

func (g *GuardedStore) Put(ctx context.Context, bucket, key string, payload []byte) error {
	return g.run(ctx, "put", func() error {
		return g.inner.Put(ctx, bucket, key, payload)
	})
}

func (g *GuardedStore) Delete(ctx context.Context, bucket, key string) error {
	return g.run(ctx, "delete", func() error {
		return g.inner.Delete(ctx, bucket, key)
	})
}

func (g *GuardedStore) Close() error {
	return g.inner.Close()
}
