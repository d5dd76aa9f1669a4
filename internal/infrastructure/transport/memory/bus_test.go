package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tilecast/internal/core/domain"
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (i *inbox) handle(payload []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, string(payload))
}

func (i *inbox) get() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.msgs...)
}

func startEndpoint(t *testing.T, bus *Bus, id string) (*Endpoint, *inbox) {
	t.Helper()
	e := bus.Endpoint(id)
	in := &inbox{}
	e.Subscribe(domain.Topic, in.handle)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e, in
}

func TestBus_TargetedAndBroadcast(t *testing.T) {
	bus := NewBus(0, zaptest.NewLogger(t).Sugar())
	server, serverIn := startEndpoint(t, bus, "server")
	c1, c1In := startEndpoint(t, bus, "c1")
	_, c2In := startEndpoint(t, bus, "c2")

	ctx := context.Background()
	require.NoError(t, c1.Send(ctx, []byte("hello"), domain.Topic, "server"))
	require.NoError(t, server.Send(ctx, []byte("to-c1"), domain.Topic, "c1"))
	require.NoError(t, server.Send(ctx, []byte("all"), domain.Topic, ""))

	assert.Eventually(t, func() bool { return len(serverIn.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(c1In.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(c2In.get()) == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"to-c1", "all"}, c1In.get())
	assert.Equal(t, []string{"all"}, c2In.get())
}

func TestBus_TopicsAreSeparate(t *testing.T) {
	bus := NewBus(0, zaptest.NewLogger(t).Sugar())
	a, _ := startEndpoint(t, bus, "a")
	_, bIn := startEndpoint(t, bus, "b")

	require.NoError(t, a.Send(context.Background(), []byte("other"), "chat", "b"))
	require.NoError(t, a.Send(context.Background(), []byte("mine"), domain.Topic, "b"))

	assert.Eventually(t, func() bool { return len(bIn.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"mine"}, bIn.get())
}

func TestBus_UnknownTargetAndStopped(t *testing.T) {
	bus := NewBus(0, zaptest.NewLogger(t).Sugar())
	a, _ := startEndpoint(t, bus, "a")

	assert.Error(t, a.Send(context.Background(), []byte("x"), domain.Topic, "ghost"))

	require.NoError(t, a.Stop())
	assert.ErrorIs(t, a.Send(context.Background(), []byte("x"), domain.Topic, ""), domain.ErrTransportClosed)
	assert.NoError(t, a.Stop())
}

func TestBus_FullInboxFailsSend(t *testing.T) {
	bus := NewBus(2, zaptest.NewLogger(t).Sugar())
	a, _ := startEndpoint(t, bus, "a")

	block := make(chan struct{})
	b := bus.Endpoint("b")
	b.Subscribe(domain.Topic, func([]byte) { <-block })
	require.NoError(t, b.Start(context.Background()))
	defer func() {
		close(block)
		_ = b.Stop()
	}()

	var failed bool
	for i := 0; i < 10; i++ {
		if err := a.Send(context.Background(), []byte("x"), domain.Topic, "b"); err != nil {
			failed = true
			break
		}
	}
	assert.True(t, failed)
}

func TestBus_JoinLeaveCallbacks(t *testing.T) {
	bus := NewBus(0, zaptest.NewLogger(t).Sugar())
	server := bus.Endpoint("server")

	var mu sync.Mutex
	var events []string
	server.OnClientJoined(func(id string) {
		mu.Lock()
		events = append(events, "join:"+id)
		mu.Unlock()
	})
	server.OnClientLeft(func(id string) {
		mu.Lock()
		events = append(events, "leave:"+id)
		mu.Unlock()
	})
	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	c1 := bus.Endpoint("c1")
	require.NoError(t, c1.Start(context.Background()))
	assert.ElementsMatch(t, []string{"server", "c1"}, bus.Peers())
	require.NoError(t, c1.Stop())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []string{"join:c1", "leave:c1"}, events)
	mu.Unlock()
}
