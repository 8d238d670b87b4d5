package etcd

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"bullywork/pkg/storage"
)

// Store maps (bucket, key) to the etcd key /bullywork/{bucket}/{key}.
type Store struct {
	client *clientv3.Client
}

func New(endpoints []string, dialTimeout time.Duration) (*Store, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &Store{client: cli}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func bucketRoot(bucket string) string {
	return "/bullywork/" + bucket + "/"
}

func (s *Store) ListPrefix(ctx context.Context, bucket, prefix string) ([]storage.Object, error) {
	root := bucketRoot(bucket)
	resp, err := s.client.Get(ctx, root+prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s%s: %w", root, prefix, err)
	}

	objs := make([]storage.Object, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		objs = append(objs, storage.Object{
			Key:     strings.TrimPrefix(string(kv.Key), root),
			Payload: kv.Value,
		})
	}
	return objs, nil
}

func (s *Store) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	root := bucketRoot(bucket)
	resp, err := s.client.Get(ctx, root+prefix,
		clientv3.WithPrefix(),
		clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys %s%s: %w", root, prefix, err)
	}

	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, strings.TrimPrefix(string(kv.Key), root))
	}
	return keys, nil
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	resp, err := s.client.Get(ctx, bucketRoot(bucket)+key)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", bucket, key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, storage.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, payload []byte) error {
	if _, err := s.client.Put(ctx, bucketRoot(bucket)+key, string(payload)); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.client.Delete(ctx, bucketRoot(bucket)+key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}
