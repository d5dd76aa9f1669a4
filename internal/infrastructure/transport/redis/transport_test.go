package redis

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tilecast/internal/core/domain"
	"tilecast/pkg/utils"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handle(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, string(payload))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func envelope(t *testing.T, from, target, payload string) []byte {
	data, err := json.Marshal(Envelope{From: from, Target: target, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	return data
}

func TestTransport_HandleMessageFiltering(t *testing.T) {
	tr := NewTransport(nil, "server", "", zaptest.NewLogger(t).Sugar())
	in := &recorder{}
	tr.Subscribe(domain.Topic, in.handle)

	channel := tr.channel(domain.Topic)
	assert.Equal(t, "tilecast:screenshare", channel)

	tr.handleMessage(channel, envelope(t, "c1", "server", `{"n":1}`))
	tr.handleMessage(channel, envelope(t, "c1", "", `{"n":2}`))
	tr.handleMessage(channel, envelope(t, "c1", "c2", `{"n":3}`))
	tr.handleMessage(channel, envelope(t, "server", "", `{"n":4}`))
	tr.handleMessage(channel, []byte(`garbage`))
	tr.handleMessage("tilecast:other", envelope(t, "c1", "", `{"n":5}`))

	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, in.list())
}

func TestTransport_HandlePresence(t *testing.T) {
	tr := NewTransport(nil, "server", "room", zaptest.NewLogger(t).Sugar())
	var joined, left []string
	tr.OnClientJoined(func(id string) { joined = append(joined, id) })
	tr.OnClientLeft(func(id string) { left = append(left, id) })

	presence := tr.channel(presenceChannel)
	tr.handleMessage(presence, []byte(`{"from":"c1","event":"joined"}`))
	tr.handleMessage(presence, []byte(`{"from":"server","event":"joined"}`))
	tr.handleMessage(presence, []byte(`{"from":"c1","event":"left"}`))
	tr.handleMessage(presence, []byte(`{"from":"c1","event":"exploded"}`))

	assert.Equal(t, []string{"c1"}, joined)
	assert.Equal(t, []string{"c1"}, left)
}

func TestTransport_SendBeforeStart(t *testing.T) {
	tr := NewTransport(nil, "c1", "", zaptest.NewLogger(t).Sugar())
	err := tr.Send(context.Background(), []byte(`{}`), domain.Topic, "server")
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
	assert.NoError(t, tr.Stop())
}

// TestTransport_Redis runs against a live server named by TILECAST_TEST_REDIS.
func TestTransport_Redis(t *testing.T) {
	addr := os.Getenv("TILECAST_TEST_REDIS")
	if addr == "" {
		t.Skip("TILECAST_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	prefix := "tilecast-test-" + utils.GenerateInstanceID()
	logger := zaptest.NewLogger(t).Sugar()

	server := NewTransport(client, string(domain.ServerID), prefix, logger)
	serverIn := &recorder{}
	server.Subscribe(domain.Topic, serverIn.handle)
	left := make(chan string, 1)
	server.OnClientLeft(func(id string) { left <- id })
	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	presenter := NewTransport(client, "c1", prefix, logger)
	presenterIn := &recorder{}
	presenter.Subscribe(domain.Topic, presenterIn.handle)
	require.NoError(t, presenter.Start(context.Background()))

	require.NoError(t, presenter.Send(context.Background(), []byte(`{"header":"Register"}`), domain.Topic, "server"))
	require.NoError(t, server.Send(context.Background(), []byte(`{"header":"Confirmation"}`), domain.Topic, "c1"))
	require.NoError(t, server.Send(context.Background(), []byte(`{"header":"Stop"}`), domain.Topic, "c2"))

	assert.Eventually(t, func() bool { return len(serverIn.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(presenterIn.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"header":"Confirmation"}`, presenterIn.list()[0])

	require.NoError(t, presenter.Stop())
	select {
	case id := <-left:
		assert.Equal(t, "c1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("leave was not announced")
	}
}
