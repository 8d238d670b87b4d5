// Package memory is an in-process Store used by tests and single-host runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"bullywork/pkg/storage"
)

type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

func New() *Store {
	return &Store{buckets: make(map[string]map[string][]byte)}
}

func (s *Store) ListPrefix(ctx context.Context, bucket, prefix string) ([]storage.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var objs []storage.Object
	for k, v := range s.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			objs = append(objs, storage.Object{Key: k, Payload: clone(v)})
		}
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, nil
}

func (s *Store) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	objs, err := s.ListPrefix(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	return storage.KeysOf(objs), nil
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.buckets[bucket][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(v), nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	b[key] = clone(payload)
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

func (s *Store) Close() error { return nil }

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
