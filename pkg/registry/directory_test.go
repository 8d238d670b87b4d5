package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bullywork/pkg/models"
	"bullywork/pkg/storage"
	"bullywork/pkg/storage/memory"
)

func newDirectory(t *testing.T) (*Directory, *memory.Store, storage.Location) {
	store := memory.New()
	loc := storage.DefaultLayout("distributed-election").Processes
	return New(store, loc, zaptest.NewLogger(t)), store, loc
}

func TestPublishAndRefresh_SortedByID(t *testing.T) {
	ctx := context.Background()
	d, store, loc := newDirectory(t)

	require.NoError(t, d.Publish(ctx, models.ProcessRecord{ID: "p3", Binding: models.Binding{Address: "localhost", Port: 3003}}))
	require.NoError(t, d.Publish(ctx, models.ProcessRecord{ID: "p1", Binding: models.Binding{Address: "localhost", Port: 3001}}))
	require.NoError(t, d.Publish(ctx, models.ProcessRecord{ID: "p2", Binding: models.Binding{Address: "localhost", Port: 3002}}))

	raw, err := store.Get(ctx, loc.Bucket, "processes/p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ip":"localhost","port":3001}`, string(raw))

	recs, err := d.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, models.ProcessID("p1"), recs[0].ID)
	assert.Equal(t, models.ProcessID("p3"), recs[2].ID)
	assert.Equal(t, 3002, recs[1].Binding.Port)
}

func TestRefresh_SkipsBadRecords(t *testing.T) {
	ctx := context.Background()
	d, store, loc := newDirectory(t)
	require.NoError(t, store.Put(ctx, loc.Bucket, "processes/", nil))
	require.NoError(t, store.Put(ctx, loc.Bucket, "processes/bad", []byte("garbage")))
	require.NoError(t, d.Publish(ctx, models.ProcessRecord{ID: "ok", Binding: models.Binding{Address: "h", Port: 1}}))

	recs, err := d.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.ProcessID("ok"), recs[0].ID)
}

func TestLookup_RefreshesOnMiss(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newDirectory(t)
	other := New(d.store, d.loc, zaptest.NewLogger(t))

	require.NoError(t, other.Publish(ctx, models.ProcessRecord{ID: "late", Binding: models.Binding{Address: "h", Port: 9}}))
	assert.Empty(t, d.Cached())

	rec, ok, err := d.Lookup(ctx, "late")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, rec.Binding.Port)

	_, ok, err = d.Lookup(ctx, "never")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	d, store, loc := newDirectory(t)
	require.NoError(t, d.Publish(ctx, models.ProcessRecord{ID: "a", Binding: models.Binding{Address: "h", Port: 1}}))
	require.NoError(t, d.Publish(ctx, models.ProcessRecord{ID: "b", Binding: models.Binding{Address: "h", Port: 2}}))
	_, err := d.Refresh(ctx)
	require.NoError(t, err)

	require.NoError(t, d.Remove(ctx, "a"))

	_, err = store.Get(ctx, loc.Bucket, "processes/a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.Len(t, d.Cached(), 1)
	assert.Equal(t, models.ProcessID("b"), d.Cached()[0].ID)
}
