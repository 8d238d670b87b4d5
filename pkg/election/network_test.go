package election

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"bullywork/pkg/messaging"
	"bullywork/pkg/models"
	"bullywork/pkg/registry"
	"bullywork/pkg/storage"
	"bullywork/pkg/storage/memory"
)

// network delivers requests straight to the addressed Elector's handlers.
// Unknown or down bindings time out immediately.
type network struct {
	mu     sync.Mutex
	nodes  map[string]*Elector
	down   map[string]bool
	stubs  map[string]messaging.Handler
	counts map[string]int
}

func newNetwork() *network {
	return &network{
		nodes:  make(map[string]*Elector),
		down:   make(map[string]bool),
		stubs:  make(map[string]messaging.Handler),
		counts: make(map[string]int),
	}
}

func (n *network) Request(ctx context.Context, to models.Binding, msg messaging.Message, _ int) (messaging.Reply, error) {
	key := to.String()
	n.mu.Lock()
	n.counts[key+"/"+string(msg.Type)]++
	e, down, stub := n.nodes[key], n.down[key], n.stubs[key]
	n.mu.Unlock()

	switch {
	case down:
		return messaging.Reply{}, messaging.ErrTimeout
	case stub != nil:
		return stub(ctx, msg, nil), nil
	case e == nil:
		return messaging.Reply{}, messaging.ErrTimeout
	}
	switch msg.Type {
	case messaging.TypeElection:
		return e.HandleElection(ctx, msg, nil), nil
	case messaging.TypeCoordinate:
		return e.HandleCoordinate(ctx, msg, nil), nil
	}
	return messaging.Failure(messaging.ErrMalformed), nil
}

func (n *network) count(b models.Binding, t messaging.MessageType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[b.String()+"/"+string(t)]
}

type cluster struct {
	t     *testing.T
	store *memory.Store
	loc   storage.Location
	net   *network
	nodes map[models.ProcessID]*Elector
}

func newCluster(t *testing.T) *cluster {
	return &cluster{
		t:     t,
		store: memory.New(),
		loc:   storage.DefaultLayout("distributed-election").Processes,
		net:   newNetwork(),
		nodes: make(map[models.ProcessID]*Elector),
	}
}

func bindingFor(i int) models.Binding {
	return models.Binding{Address: "localhost", Port: 3000 + i}
}

// add publishes a record and creates (but does not start) its elector.
func (c *cluster) add(id models.ProcessID, b models.Binding, wait time.Duration) *Elector {
	dir := registry.New(c.store, c.loc, zaptest.NewLogger(c.t))
	rec := models.ProcessRecord{ID: id, Binding: b}
	if err := dir.Publish(context.Background(), rec); err != nil {
		c.t.Fatalf("publish: %v", err)
	}
	e := New(Config{Self: rec, CoordinatorWait: wait}, dir, c.net, zaptest.NewLogger(c.t))
	c.net.mu.Lock()
	c.net.nodes[b.String()] = e
	c.net.mu.Unlock()
	c.nodes[id] = e
	return e
}

func (c *cluster) startAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range c.nodes {
		wg.Add(1)
		go func(e *Elector) {
			defer wg.Done()
			e.Start(ctx)
		}(e)
	}
	wg.Wait()
}

// converged reports whether winner coordinates and every other node follows it.
func (c *cluster) converged(winner models.ProcessID) bool {
	for id, e := range c.nodes {
		s := e.State()
		if id == winner {
			if s.Role != models.RoleCoordinator {
				return false
			}
			continue
		}
		if s.Role != models.RoleWorker || s.Coordinator == nil || s.Coordinator.ID != winner {
			return false
		}
	}
	return true
}
