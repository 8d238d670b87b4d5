// Package storetest holds behaviour checks shared by every storage.Store backend.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bullywork/pkg/storage"
)

// Run exercises s against the storage.Store contract. bucket should be empty.
func Run(t *testing.T, s storage.Store, bucket string) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, bucket, "string-pairs/missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("PutGetOverwrite", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, bucket, "string-pair-results/k", []byte("1")))
		require.NoError(t, s.Put(ctx, bucket, "string-pair-results/k", []byte("3")))

		got, err := s.Get(ctx, bucket, "string-pair-results/k")
		require.NoError(t, err)
		assert.Equal(t, "3", string(got))
	})

	t.Run("ListPrefixSorted", func(t *testing.T) {
		for _, k := range []string{"string-pairs/c", "string-pairs/a", "string-pairs/b", "processes/x"} {
			require.NoError(t, s.Put(ctx, bucket, k, []byte(k)))
		}

		objs, err := s.ListPrefix(ctx, bucket, "string-pairs/")
		require.NoError(t, err)
		require.Len(t, objs, 3)
		assert.Equal(t, []string{"string-pairs/a", "string-pairs/b", "string-pairs/c"}, storage.KeysOf(objs))
		assert.Equal(t, "string-pairs/a", string(objs[0].Payload))

		keys, err := s.Keys(ctx, bucket, "string-pairs/")
		require.NoError(t, err)
		assert.Equal(t, storage.KeysOf(objs), keys)
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, bucket, "string-pair-pending/a", []byte{}))
		require.NoError(t, s.Delete(ctx, bucket, "string-pair-pending/a"))
		require.NoError(t, s.Delete(ctx, bucket, "string-pair-pending/a"))

		_, err := s.Get(ctx, bucket, "string-pair-pending/a")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Names", func(t *testing.T) {
		loc := storage.Location{Bucket: bucket, Prefix: "string-pairs"}
		require.NoError(t, s.Put(ctx, bucket, "string-pairs/", []byte{}))

		names, err := loc.Names(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, names)
	})
}
