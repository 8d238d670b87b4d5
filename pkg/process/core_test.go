package process

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bullywork/pkg/compute"
	"bullywork/pkg/messaging"
	"bullywork/pkg/models"
	"bullywork/pkg/storage"
	"bullywork/pkg/storage/memory"
	"bullywork/pkg/transport/nng"
)

var layout = storage.DefaultLayout("distributed-election")

type node struct {
	core    *Core
	cancel  context.CancelFunc
	stopped chan struct{}
	err     error
}

// wait returns Run's result once it has returned.
func (n *node) wait(t *testing.T, d time.Duration) error {
	select {
	case <-n.stopped:
		return n.err
	case <-time.After(d):
		t.Fatalf("%s never exited", n.core.Self().ID)
		return nil
	}
}

type cluster struct {
	t     *testing.T
	store storage.Store
	nodes map[models.ProcessID]*node
}

func newCluster(t *testing.T) *cluster {
	return &cluster{t: t, store: memory.New(), nodes: make(map[models.ProcessID]*node)}
}

// newSlowCluster shares a store whose listings take delay, like a remote
// object store.
func newSlowCluster(t *testing.T, delay time.Duration) *cluster {
	c := newCluster(t)
	c.store = &slowStore{Store: c.store, delay: delay}
	return c
}

type slowStore struct {
	storage.Store
	delay time.Duration
}

func (s *slowStore) wait(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slowStore) ListPrefix(ctx context.Context, bucket, prefix string) ([]storage.Object, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.Store.ListPrefix(ctx, bucket, prefix)
}

func (s *slowStore) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.Store.Keys(ctx, bucket, prefix)
}

func (c *cluster) seed(n int) map[string]int {
	want := make(map[string]int, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("pair-%02d", i)
		pair := models.StringPair{First: "kitten", Second: "sitting" + strconv.Itoa(i)}
		payload, err := pair.MarshalJSON()
		require.NoError(c.t, err)
		require.NoError(c.t, c.store.Put(context.Background(), layout.Source.Bucket, layout.Source.Key(key), payload))
		d, err := compute.Levenshtein(context.Background(), pair.First, pair.Second)
		require.NoError(c.t, err)
		want[key] = d
	}
	return want
}

// start runs a process with the given id on an inproc address unique to port.
func (c *cluster) start(id models.ProcessID, port int, fn compute.Func) *node {
	log := zaptest.NewLogger(c.t)
	core := NewCore(Config{
		Self:            models.ProcessRecord{ID: id, Binding: models.Binding{Address: "localhost", Port: port}},
		Scheme:          "inproc",
		Layout:          layout,
		RequestTimeout:  200 * time.Millisecond,
		ElectionTimeout: 100 * time.Millisecond,
		CoordinatorWait: time.Second,
		LeaseTimeout:    300 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		RefreshSchedule: "@every 1s",
		Compute:         fn,
	}, c.store, nng.New(200*time.Millisecond, log), log)

	ctx, cancel := context.WithCancel(context.Background())
	n := &node{core: core, cancel: cancel, stopped: make(chan struct{})}
	go func() {
		n.err = core.Run(ctx)
		close(n.stopped)
	}()
	c.nodes[id] = n
	c.t.Cleanup(func() {
		cancel()
		select {
		case <-n.stopped:
		case <-time.After(5 * time.Second):
		}
	})
	return n
}

func (c *cluster) results() map[string]int {
	names, err := layout.Results.Names(context.Background(), c.store)
	require.NoError(c.t, err)
	got := make(map[string]int, len(names))
	for _, k := range names {
		v, err := c.store.Get(context.Background(), layout.Results.Bucket, layout.Results.Key(k))
		require.NoError(c.t, err)
		d, err := strconv.Atoi(string(v))
		require.NoError(c.t, err)
		got[k] = d
	}
	return got
}

func slow(d time.Duration) compute.Func {
	return func(ctx context.Context, a, b string) (int, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return compute.Levenshtein(ctx, a, b)
	}
}

func TestCluster_GreatestIDCoordinatesAndWorkCompletes(t *testing.T) {
	c := newCluster(t)
	want := c.seed(6)

	p1 := c.start("p1", 4101, slow(5*time.Millisecond))
	p2 := c.start("p2", 4102, slow(5*time.Millisecond))
	p3 := c.start("p3", 4103, nil)

	require.Eventually(t, func() bool {
		return p3.core.State().Role == models.RoleCoordinator
	}, 5*time.Second, 10*time.Millisecond)

	for _, n := range []*node{p1, p2} {
		select {
		case <-n.core.Done():
		case <-time.After(10 * time.Second):
			t.Fatalf("%s never finished", n.core.Self().ID)
		}
		assert.NoError(t, n.wait(t, 5*time.Second))
	}

	assert.Equal(t, want, c.results())
	status, ok := p3.core.Work()
	require.True(t, ok)
	assert.True(t, status.Ready)
	assert.Empty(t, status.Available)
	assert.Empty(t, status.Leased)

	pending, err := layout.Pending.Names(context.Background(), c.store)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Finished workers remove their records.
	recs, err := p3.core.Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.ProcessID("p3"), recs[0].ID)
}

func TestCluster_FailoverWhenCoordinatorStops(t *testing.T) {
	c := newCluster(t)
	want := c.seed(20)

	p1 := c.start("p1", 4201, slow(20*time.Millisecond))
	p2 := c.start("p2", 4202, slow(20*time.Millisecond))
	p3 := c.start("p3", 4203, nil)

	require.Eventually(t, func() bool {
		return p3.core.State().Role == models.RoleCoordinator && len(c.results()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	p3.cancel()
	require.NoError(t, p3.wait(t, 5*time.Second))

	require.Eventually(t, func() bool {
		return p2.core.State().Role == models.RoleCoordinator
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-p1.core.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("p1 never finished")
	}
	assert.Equal(t, want, c.results())
}

func TestHandlers_NonCoordinator(t *testing.T) {
	store := memory.New()
	core := NewCore(Config{
		Self:   models.ProcessRecord{ID: "solo", Binding: models.Binding{Address: "localhost", Port: 4301}},
		Layout: layout,
	}, store, nng.New(time.Second, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	ctx := context.Background()

	reply := core.handleRequestWork(ctx, messaging.RequestWork(), nil)
	assert.True(t, reply.NotCoordinator)

	reply = core.handleSubmitWork(ctx, messaging.SubmitWork("late", 7), nil)
	assert.True(t, reply.IsAck(messaging.AckSubmitted))
	got, err := store.Get(ctx, layout.Results.Bucket, layout.Results.Key("late"))
	require.NoError(t, err)
	assert.Equal(t, "7", string(got))

	_, ok := core.Work()
	assert.False(t, ok)
}

func TestNewCore_GeneratesID(t *testing.T) {
	core := NewCore(Config{Layout: layout}, memory.New(), nng.New(time.Second, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	assert.Len(t, string(core.Self().ID), 36)
}

func TestRun_StopsOnCancelAndRemovesRecord(t *testing.T) {
	c := newCluster(t)
	n := c.start("only", 4401, nil)

	require.Eventually(t, func() bool {
		return n.core.State().Role == models.RoleCoordinator
	}, 5*time.Second, 10*time.Millisecond)

	n.cancel()
	require.NoError(t, n.wait(t, 5*time.Second))

	_, err := c.store.Get(context.Background(), layout.Processes.Bucket, layout.Processes.Key("only"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCoordinator_KeepsServingWhileReElecting(t *testing.T) {
	c := newSlowCluster(t, 200*time.Millisecond)
	c.seed(2)
	n := c.start("solo", 4501, nil)

	require.Eventually(t, func() bool {
		status, ok := n.core.Work()
		return n.core.State().Role == models.RoleCoordinator && ok && status.Ready
	}, 5*time.Second, 10*time.Millisecond)

	// A lower process asks for an election; listing the directory keeps
	// this one electing for a while.
	reply := n.core.elector.HandleElection(context.Background(), messaging.Election(), nil)
	require.True(t, reply.IsAck(messaging.AckElection))
	require.Eventually(t, func() bool {
		return n.core.State().Role == models.RoleElecting
	}, time.Second, time.Millisecond)

	ctx := context.Background()
	reply = n.core.handleRequestWork(ctx, messaging.RequestWork(), nil)
	require.False(t, reply.NotCoordinator)
	assert.Equal(t, "pair-00", reply.StringPairKey)

	reply = n.core.handleSubmitWork(ctx, messaging.SubmitWork("pair-00", 3), nil)
	assert.True(t, reply.IsAck(messaging.AckSubmitted))
	status, ok := n.core.Work()
	require.True(t, ok)
	assert.Empty(t, status.Leased)

	require.Eventually(t, func() bool {
		return n.core.State().Role == models.RoleCoordinator
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCluster_SlowStoreManyProcessesCompletes(t *testing.T) {
	c := newSlowCluster(t, 10*time.Millisecond)
	want := c.seed(30)

	var workers []*node
	for i := 1; i <= 5; i++ {
		workers = append(workers, c.start(models.ProcessID(fmt.Sprintf("p%d", i)), 4600+i, slow(2*time.Millisecond)))
	}
	coord := c.start("p6", 4606, nil)

	for _, n := range workers {
		select {
		case <-n.core.Done():
		case <-time.After(20 * time.Second):
			t.Fatalf("%s never finished (round %d)", n.core.Self().ID, n.core.State().Round)
		}
	}
	assert.Equal(t, want, c.results())
	assert.Equal(t, models.RoleCoordinator, coord.core.State().Role)
}
