package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bullywork/pkg/storage"
)

// hashKeyPrefix namespaces bucket hashes in a shared Redis.
const hashKeyPrefix = "bullywork:bucket:"

// Store keeps each bucket in one Redis hash, field = object key.
type Store struct {
	client *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// DefaultConfig returns sensible pool defaults for a handful of processes.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// New connects with DefaultConfig.
func New(addr string) (*Store, error) {
	return NewWithConfig(DefaultConfig(addr))
}

// NewWithConfig connects and pings Redis.
func NewWithConfig(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func hashKey(bucket string) string {
	return hashKeyPrefix + bucket
}

func (s *Store) ListPrefix(ctx context.Context, bucket, prefix string) ([]storage.Object, error) {
	var (
		objs   []storage.Object
		cursor uint64
	)
	for {
		// HSCAN returns field, value, field, value...
		kvs, next, err := s.client.HScan(ctx, hashKey(bucket), cursor, "", 256).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan bucket %s: %w", bucket, err)
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			if strings.HasPrefix(kvs[i], prefix) {
				objs = append(objs, storage.Object{Key: kvs[i], Payload: []byte(kvs[i+1])})
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	// HSCAN may return a field twice while the hash is rehashing.
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	out := objs[:0]
	for i, o := range objs {
		if i > 0 && objs[i-1].Key == o.Key {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	objs, err := s.ListPrefix(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	return storage.KeysOf(objs), nil
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	v, err := s.client.HGet(ctx, hashKey(bucket), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", bucket, key, err)
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, payload []byte) error {
	if err := s.client.HSet(ctx, hashKey(bucket), key, payload).Err(); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.HDel(ctx, hashKey(bucket), key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}
