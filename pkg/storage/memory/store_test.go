package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bullywork/pkg/storage/storetest"
)

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, New(), "distributed-election")
}

func TestStore_BucketsAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "one", "k", []byte("v")))

	keys, err := s.Keys(ctx, "two", "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	payload := []byte("abc")
	require.NoError(t, s.Put(ctx, "b", "k", payload))
	payload[0] = 'x'

	got, err := s.Get(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, New().Put(ctx, "b", "k", nil), context.Canceled)
}
