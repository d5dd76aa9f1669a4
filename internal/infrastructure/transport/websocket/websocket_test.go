package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tilecast/internal/core/domain"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
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

type staticTokens map[string]domain.ClientID

func (s staticTokens) ValidatePresenterToken(token string) (domain.ClientID, error) {
	id, ok := s[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return id, nil
}

func httpHandler(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	return mux
}

func newHub(t *testing.T, cfg ServerConfig, auth TokenValidator) (*Server, string) {
	t.Helper()
	server := NewServer(cfg, auth, zaptest.NewLogger(t).Sugar())
	require.NoError(t, server.Start(context.Background()))
	ts := httptest.NewServer(httpHandler(server))
	t.Cleanup(func() {
		_ = server.Stop()
		ts.Close()
	})
	return server, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newClient(t *testing.T, url, id string) *Client {
	t.Helper()
	return NewClient(ClientConfig{
		URL:         url,
		ClientID:    domain.ClientID(id),
		Name:        "Presenter " + id,
		DialBackoff: 5 * time.Millisecond,
	}, zaptest.NewLogger(t).Sugar())
}

func TestTransport_RoundTrip(t *testing.T) {
	server, url := newHub(t, ServerConfig{}, nil)
	serverIn := &recorder{}
	server.Subscribe(domain.Topic, serverIn.handle)

	var joined, left []string
	var mu sync.Mutex
	server.OnClientJoined(func(id string) { mu.Lock(); joined = append(joined, id); mu.Unlock() })
	server.OnClientLeft(func(id string) { mu.Lock(); left = append(left, id); mu.Unlock() })

	client := newClient(t, url, "c1")
	clientIn := &recorder{}
	client.Subscribe(domain.Topic, clientIn.handle)
	require.NoError(t, client.Start(context.Background()))
	assert.True(t, client.Connected())

	require.Eventually(t, func() bool { return server.IsConnected("c1") }, waitFor, tick)

	require.NoError(t, client.Send(context.Background(), []byte(`{"senderId":"c1","header":"Register"}`), domain.Topic, "server"))
	require.Eventually(t, func() bool { return len(serverIn.list()) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"senderId":"c1","header":"Register"}`, serverIn.list()[0])

	require.NoError(t, server.Send(context.Background(), []byte(`{"header":"Confirmation"}`), domain.Topic, "c1"))
	require.Eventually(t, func() bool { return len(clientIn.list()) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"header":"Confirmation"}`, clientIn.list()[0])

	require.NoError(t, client.Stop())
	require.Eventually(t, func() bool { return !server.IsConnected("c1") }, waitFor, tick)
	assert.ErrorIs(t, client.Send(context.Background(), []byte(`{}`), domain.Topic, ""), domain.ErrTransportClosed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1"}, joined)
	assert.Equal(t, []string{"c1"}, left)
}

func TestServer_BroadcastAndUnknownTarget(t *testing.T) {
	server, url := newHub(t, ServerConfig{}, nil)

	ins := map[string]*recorder{}
	for _, id := range []string{"c1", "c2"} {
		c := newClient(t, url, id)
		ins[id] = &recorder{}
		c.Subscribe(domain.Topic, ins[id].handle)
		require.NoError(t, c.Start(context.Background()))
		t.Cleanup(func() { _ = c.Stop() })
	}
	require.Eventually(t, func() bool { return len(server.ConnectedPresenters()) == 2 }, waitFor, tick)

	require.NoError(t, server.Send(context.Background(), []byte(`{"n":1}`), domain.Topic, ""))
	for _, in := range ins {
		in := in
		assert.Eventually(t, func() bool { return len(in.list()) == 1 }, waitFor, tick)
	}

	assert.Error(t, server.Send(context.Background(), []byte(`{}`), domain.Topic, "ghost"))
	assert.Error(t, server.Send(context.Background(), []byte(`not json`), domain.Topic, "c1"))
}

func TestServer_RejectsBadCredentials(t *testing.T) {
	_, url := newHub(t, ServerConfig{}, staticTokens{"tok-c1": "c1"})

	good := newClient(t, url, "c1")
	good.cfg.Token = "tok-c1"
	require.NoError(t, good.Start(context.Background()))
	defer good.Stop()

	stolen := newClient(t, url, "c2")
	stolen.cfg.Token = "tok-c1"
	stolen.cfg.DialAttempts = 3
	err := stolen.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	invalid := newClient(t, url, "server")
	assert.Error(t, invalid.Start(context.Background()))
}

func TestServer_RateLimitDropsExcess(t *testing.T) {
	server, url := newHub(t, ServerConfig{MessagesPerSecond: 0.5, Burst: 2}, nil)
	in := &recorder{}
	server.Subscribe(domain.Topic, in.handle)

	client := newClient(t, url, "c1")
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	for i := 0; i < 6; i++ {
		require.NoError(t, client.Send(context.Background(), []byte(`{"senderId":"c1"}`), domain.Topic, ""))
	}
	require.Eventually(t, func() bool { return len(in.list()) == 2 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, in.list(), 2)
}

func TestServer_DropsMessagesForOtherSenders(t *testing.T) {
	server, url := newHub(t, ServerConfig{}, staticTokens{"tok-c1": "c1"})
	in := &recorder{}
	server.Subscribe(domain.Topic, in.handle)

	client := newClient(t, url, "c1")
	client.cfg.Token = "tok-c1"
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	for _, payload := range []string{
		`{"senderId":"c2","header":"Deregister"}`,
		`{"header":"Deregister"}`,
		`[1,2]`,
		`{"senderId":"c1","header":"Confirmation"}`,
	} {
		require.NoError(t, client.Send(context.Background(), []byte(payload), domain.Topic, ""))
	}

	require.Eventually(t, func() bool { return len(in.list()) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, in.list(), 1)
	assert.JSONEq(t, `{"senderId":"c1","header":"Confirmation"}`, in.list()[0])
	assert.True(t, server.IsConnected("c1"))
}

func TestServer_ReconnectReplacesConnection(t *testing.T) {
	server, url := newHub(t, ServerConfig{}, nil)
	var left int
	var mu sync.Mutex
	server.OnClientLeft(func(string) { mu.Lock(); left++; mu.Unlock() })

	first := newClient(t, url, "c1")
	firstLeft := make(chan struct{}, 1)
	first.OnClientLeft(func(string) { firstLeft <- struct{}{} })
	require.NoError(t, first.Start(context.Background()))

	second := newClient(t, url, "c1")
	in := &recorder{}
	second.Subscribe(domain.Topic, in.handle)
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop()

	select {
	case <-firstLeft:
	case <-time.After(waitFor):
		t.Fatal("old connection was not closed")
	}

	require.NoError(t, server.Send(context.Background(), []byte(`{"to":"second"}`), domain.Topic, "c1"))
	require.Eventually(t, func() bool { return len(in.list()) == 1 }, waitFor, tick)
	assert.True(t, server.IsConnected("c1"))

	mu.Lock()
	assert.Zero(t, left)
	mu.Unlock()
}

func TestServer_StopClosesPresenters(t *testing.T) {
	server, url := newHub(t, ServerConfig{}, nil)
	client := newClient(t, url, "c1")
	lost := make(chan string, 1)
	client.OnClientLeft(func(id string) { lost <- id })
	require.NoError(t, client.Start(context.Background()))

	require.Eventually(t, func() bool { return server.IsConnected("c1") }, waitFor, tick)
	require.NoError(t, server.Stop())

	select {
	case id := <-lost:
		assert.Equal(t, string(domain.ServerID), id)
	case <-time.After(waitFor):
		t.Fatal("client did not observe shutdown")
	}
	assert.ErrorIs(t, server.Send(context.Background(), []byte(`{}`), domain.Topic, ""), domain.ErrTransportClosed)
}

func TestEnvelope(t *testing.T) {
	data, err := encodeEnvelope(domain.Topic, []byte(`{"a":1}`))
	require.NoError(t, err)

	env, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, domain.Topic, env.Topic)
	assert.JSONEq(t, `{"a":1}`, string(env.Payload))

	_, err = decodeEnvelope([]byte(`{"payload":{}}`))
	assert.Error(t, err)
	_, err = decodeEnvelope([]byte(`nope`))
	assert.Error(t, err)
}
