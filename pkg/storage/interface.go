package storage

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound = errors.New("object not found")
)

// Object is one stored key and its payload.
type Object struct {
	Key     string
	Payload []byte
}

// Store is the durable shared registry used for the process directory, the
// work catalog, pending markers and results.
//
// ListPrefix and Keys return entries sorted by key. Get returns ErrNotFound for
// a missing key. Delete of a missing key is not an error.
type Store interface {
	ListPrefix(ctx context.Context, bucket, prefix string) ([]Object, error)
	Keys(ctx context.Context, bucket, prefix string) ([]string, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, payload []byte) error
	Delete(ctx context.Context, bucket, key string) error
	Close() error
}

// Location is a bucket and a folder prefix inside it.
type Location struct {
	Bucket string
	Prefix string
}

// Key returns the full object key for name.
func (l Location) Key(name string) string {
	return l.folder() + name
}

// Name strips the folder prefix from a full key. ok is false when key is not
// inside the folder or names the folder itself.
func (l Location) Name(key string) (name string, ok bool) {
	name, ok = strings.CutPrefix(key, l.folder())
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func (l Location) folder() string {
	if l.Prefix == "" || strings.HasSuffix(l.Prefix, "/") {
		return l.Prefix
	}
	return l.Prefix + "/"
}

// Names lists the names under l in key order.
func (l Location) Names(ctx context.Context, s Store) ([]string, error) {
	keys, err := s.Keys(ctx, l.Bucket, l.folder())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if n, ok := l.Name(k); ok {
			names = append(names, n)
		}
	}
	return names, nil
}

// Layout names every location the system reads or writes.
type Layout struct {
	Processes Location
	Source    Location
	Pending   Location
	Results   Location
}

// DefaultLayout places all folders in bucket.
func DefaultLayout(bucket string) Layout {
	return Layout{
		Processes: Location{Bucket: bucket, Prefix: "processes"},
		Source:    Location{Bucket: bucket, Prefix: "string-pairs"},
		Pending:   Location{Bucket: bucket, Prefix: "string-pair-pending"},
		Results:   Location{Bucket: bucket, Prefix: "string-pair-results"},
	}
}

// KeysOf projects objects to their keys.
func KeysOf(objs []Object) []string {
	keys := make([]string, len(objs))
	for i, o := range objs {
		keys[i] = o.Key
	}
	return keys
}
