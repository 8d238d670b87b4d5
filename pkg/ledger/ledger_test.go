package ledger

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bullywork/pkg/storage"
	"bullywork/pkg/storage/memory"
)

var errBackend = errors.New("backend unavailable")

var layout = storage.DefaultLayout("distributed-election")

func seed(t testing.TB, s storage.Store, keys ...string) {
	ctx := context.Background()
	// Folder marker, as S3 consoles create it.
	require.NoError(t, s.Put(ctx, layout.Source.Bucket, "string-pairs/", nil))
	for _, k := range keys {
		require.NoError(t, s.Put(ctx, layout.Source.Bucket, layout.Source.Key(k), []byte(`["kitten","sitting"]`)))
	}
}

func newLedger(t testing.TB, s storage.Store, lease time.Duration) *Ledger {
	l := New(Config{Layout: layout, LeaseTimeout: lease}, s, zaptest.NewLogger(t))
	t.Cleanup(l.Stop)
	return l
}

func names(t testing.TB, s storage.Store, loc storage.Location) []string {
	n, err := loc.Names(context.Background(), s)
	require.NoError(t, err)
	return n
}

func TestInit_ComputesAvailable(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, "a", "b", "c", "d")
	require.NoError(t, s.Put(ctx, layout.Results.Bucket, layout.Results.Key("b"), []byte("3")))

	l := newLedger(t, s, time.Hour)
	require.NoError(t, l.Init(ctx))

	snap := l.Snapshot()
	assert.True(t, snap.Ready)
	assert.Equal(t, []string{"a", "c", "d"}, snap.Available)
	assert.Empty(t, snap.Leased)
}

func TestInit_AdoptsOrphanedMarkers(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, "a", "b", "c")
	require.NoError(t, s.Put(ctx, layout.Pending.Bucket, layout.Pending.Key("a"), nil))
	// Result landed but the marker was never removed.
	require.NoError(t, s.Put(ctx, layout.Pending.Bucket, layout.Pending.Key("b"), nil))
	require.NoError(t, s.Put(ctx, layout.Results.Bucket, layout.Results.Key("b"), []byte("1")))
	// Key no longer in the catalog.
	require.NoError(t, s.Put(ctx, layout.Pending.Bucket, layout.Pending.Key("gone"), nil))

	l := newLedger(t, s, 30*time.Millisecond)
	require.NoError(t, l.Init(ctx))

	snap := l.Snapshot()
	assert.Equal(t, []string{"c"}, snap.Available)
	assert.Equal(t, []string{"a"}, snap.Leased)
	assert.Equal(t, []string{"a"}, names(t, s, layout.Pending))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"c", "a"}, l.Snapshot().Available)
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, names(t, s, layout.Pending))
}

func TestRequestWork_WaitsForInit(t *testing.T) {
	s := memory.New()
	seed(t, s, "a")
	l := newLedger(t, s, time.Hour)

	got := make(chan string, 1)
	go func() {
		key, ok, err := l.RequestWork(context.Background())
		if err == nil && ok {
			got <- key
		}
	}()

	select {
	case <-got:
		t.Fatal("request answered before init")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, l.Init(context.Background()))
	select {
	case key := <-got:
		assert.Equal(t, "a", key)
	case <-time.After(time.Second):
		t.Fatal("queued request never answered")
	}
}

func TestRequestWork_CanceledBeforeInit(t *testing.T) {
	l := newLedger(t, memory.New(), time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := l.RequestWork(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLeaseScenario_ReclaimAfterTimeout(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, "A", "B")
	l := newLedger(t, s, 50*time.Millisecond)
	require.NoError(t, l.Init(ctx))

	k1, ok, err := l.RequestWork(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	k2, ok, err := l.RequestWork(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", k1)
	assert.Equal(t, "B", k2)
	assert.Equal(t, []string{"A", "B"}, names(t, s, layout.Pending))

	_, ok, err = l.RequestWork(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "nothing left to lease")

	time.Sleep(60 * time.Millisecond)
	require.Eventually(t, func() bool {
		return contains(l.Snapshot().Available, "A")
	}, 100*time.Millisecond, 10*time.Millisecond)

	k3, ok, err := l.RequestWork(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", k3)
}

func TestReclaim_ExactlyOnceAndMarkerRemoved(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, "A")
	l := newLedger(t, s, time.Hour)
	require.NoError(t, l.Init(ctx))

	_, ok, err := l.RequestWork(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	l.mu.Lock()
	ls := l.leases["A"]
	l.mu.Unlock()
	require.NotNil(t, ls)

	l.reclaim(ls)
	l.reclaim(ls)

	assert.Equal(t, []string{"A"}, l.Snapshot().Available)
	assert.Empty(t, names(t, s, layout.Pending))
}

func TestReclaim_CanceledLeaseNeverReclaims(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, "A")
	l := newLedger(t, s, time.Hour)
	require.NoError(t, l.Init(ctx))

	_, _, err := l.RequestWork(ctx)
	require.NoError(t, err)
	l.mu.Lock()
	ls := l.leases["A"]
	l.mu.Unlock()

	require.NoError(t, l.SubmitWork(ctx, "A", 3))
	l.reclaim(ls)

	snap := l.Snapshot()
	assert.Empty(t, snap.Available)
	assert.Empty(t, snap.Leased)
}

func TestSubmitWork_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, "A", "B")
	l := newLedger(t, s, time.Hour)
	require.NoError(t, l.Init(ctx))

	key, _, err := l.RequestWork(ctx)
	require.NoError(t, err)

	require.NoError(t, l.SubmitWork(ctx, key, 3))
	require.NoError(t, l.SubmitWork(ctx, key, 4))

	got, err := s.Get(ctx, layout.Results.Bucket, layout.Results.Key(key))
	require.NoError(t, err)
	assert.Equal(t, "4", string(got))
	assert.Empty(t, names(t, s, layout.Pending))
	assert.Equal(t, []string{"B"}, l.Snapshot().Available)
}

func TestSubmitWork_BeforeInitIsNotReissued(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, "A", "B")
	l := newLedger(t, s, time.Hour)

	require.NoError(t, l.SubmitWork(ctx, "A", 3))
	require.NoError(t, l.Init(ctx))

	assert.Equal(t, []string{"B"}, l.Snapshot().Available)
}

type flakyStore struct {
	*memory.Store
	failPuts bool
}

func (f *flakyStore) Put(ctx context.Context, bucket, key string, payload []byte) error {
	if f.failPuts {
		return errBackend
	}
	return f.Store.Put(ctx, bucket, key, payload)
}

func TestRequestWork_MarkFailureRestoresKey(t *testing.T) {
	ctx := context.Background()
	s := &flakyStore{Store: memory.New()}
	seed(t, s, "A", "B")
	l := newLedger(t, s, time.Hour)
	require.NoError(t, l.Init(ctx))

	s.failPuts = true
	_, _, err := l.RequestWork(ctx)
	assert.ErrorIs(t, err, errBackend)

	snap := l.Snapshot()
	assert.Equal(t, []string{"A", "B"}, snap.Available)
	assert.Empty(t, snap.Leased)
}

func TestSubmitWork_PersistFailureRestoresKey(t *testing.T) {
	ctx := context.Background()
	s := &flakyStore{Store: memory.New()}
	seed(t, s, "A", "B")
	l := newLedger(t, s, time.Hour)
	require.NoError(t, l.Init(ctx))

	key, _, err := l.RequestWork(ctx)
	require.NoError(t, err)

	s.failPuts = true
	assert.ErrorIs(t, l.SubmitWork(ctx, key, 3), errBackend)
	assert.Equal(t, []string{"A", "B"}, l.Snapshot().Available)
}

func TestStop_RejectsOperations(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, "A")
	l := newLedger(t, s, time.Hour)
	require.NoError(t, l.Init(ctx))

	l.Stop()
	_, _, err := l.RequestWork(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, l.SubmitWork(ctx, "A", 1), ErrStopped)
}

func TestClampLeaseTimeout(t *testing.T) {
	assert.Equal(t, DefaultLeaseTimeout, ClampLeaseTimeout(0))
	assert.Equal(t, MinLeaseTimeout, ClampLeaseTimeout(time.Second))
	assert.Equal(t, MaxLeaseTimeout, ClampLeaseTimeout(5*time.Minute))
	assert.Equal(t, 45*time.Second, ClampLeaseTimeout(45*time.Second))
}

// Every catalog key is exactly one of available, pending or done, whatever
// mix of requests, submissions and reclaims happened.
func TestLedger_PartitionInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("available, pending and done partition the catalog", prop.ForAll(
		func(n int, ops []int) bool {
			ctx := context.Background()
			s := memory.New()
			source := make([]string, n)
			for i := range source {
				source[i] = string(rune('a' + i))
			}
			seed(t, s, source...)

			l := New(Config{Layout: layout, LeaseTimeout: time.Hour}, s, zaptest.NewLogger(t))
			defer l.Stop()
			if err := l.Init(ctx); err != nil {
				return false
			}

			for _, op := range ops {
				switch op % 3 {
				case 0:
					if _, _, err := l.RequestWork(ctx); err != nil {
						return false
					}
				case 1:
					if err := l.SubmitWork(ctx, source[(op/3)%n], op); err != nil {
						return false
					}
				case 2:
					leased := l.Snapshot().Leased
					if len(leased) == 0 {
						continue
					}
					l.mu.Lock()
					ls := l.leases[leased[(op/3)%len(leased)]]
					l.mu.Unlock()
					l.reclaim(ls)
				}
				if !partitions(t, s, l, source) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.IntRange(0, 299)),
	))

	properties.TestingRun(t)
}

func partitions(t *testing.T, s storage.Store, l *Ledger, source []string) bool {
	snap := l.Snapshot()
	pending := names(t, s, layout.Pending)
	done := names(t, s, layout.Results)

	if !assert.ObjectsAreEqual(snap.Leased, nonNil(pending)) {
		return false
	}
	seen := make(map[string]int)
	for _, set := range [][]string{snap.Available, pending, done} {
		for _, k := range set {
			seen[k]++
		}
	}
	if len(seen) != len(source) {
		return false
	}
	for _, k := range source {
		if seen[k] != 1 {
			return false
		}
	}
	return sort.StringsAreSorted(pending) && sort.StringsAreSorted(done)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
