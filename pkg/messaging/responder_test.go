package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bullywork/pkg/models"
	"bullywork/pkg/transport"
	"bullywork/pkg/transport/nng"
)

// serve starts a Responder on a fresh inproc address and returns the binding
// clients should use.
func serve(t *testing.T, tr transport.Transport, h Handler) models.Binding {
	t.Helper()
	b := models.Binding{Address: uuid.NewString(), Port: 1}
	l, err := tr.Listen(transport.Address("inproc", b))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewResponder(l, h, time.Second, zaptest.NewLogger(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b
}

func TestResponder_SlowHandlerDoesNotBlockOthers(t *testing.T) {
	tr := nng.New(time.Second, zaptest.NewLogger(t))
	release := make(chan struct{})

	router := NewRouter().
		Handle(TypeRequestWork, func(ctx context.Context, _ Message, _ []byte) Reply {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return Terminate()
		}).
		Handle(TypeElection, func(context.Context, Message, []byte) Reply {
			return Ack(AckElection)
		})
	b := serve(t, tr, router.Dispatch)

	client := NewClient(tr, ClientConfig{Scheme: "inproc", Timeout: 2 * time.Second}, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	wg.Add(1)
	var slow Reply
	var slowErr error
	go func() {
		defer wg.Done()
		slow, slowErr = client.Request(context.Background(), b, RequestWork(), 0)
	}()

	start := time.Now()
	fast, err := client.Request(context.Background(), b, Election(), 0)
	require.NoError(t, err)
	assert.True(t, fast.IsAck(AckElection))
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	wg.Wait()
	require.NoError(t, slowErr)
	assert.True(t, slow.Terminate)
}

func TestResponder_RepliesErrorToMalformedRequest(t *testing.T) {
	tr := nng.New(time.Second, zaptest.NewLogger(t))
	b := serve(t, tr, func(context.Context, Message, []byte) Reply { return Ack("unused") })

	conn, err := tr.Dial(transport.Address("inproc", b))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send([]byte(`{"type":"bogus"}`)))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := conn.Recv(ctx)
	require.NoError(t, err)

	reply, err := DecodeReply(data)
	require.NoError(t, err)
	assert.Contains(t, reply.Error, "unknown type")
}

func TestRouter_UnknownType(t *testing.T) {
	reply := NewRouter().Dispatch(context.Background(), Election(), nil)
	assert.Contains(t, reply.Error, "no handler")
}
