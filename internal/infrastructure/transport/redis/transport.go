package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultChannelPrefix = "tilecast"
	presenceChannel      = "presence"

	eventJoined = "joined"
	eventLeft   = "left"
)

// Envelope is published on the topic channel.
type Envelope struct {
	From    string          `json:"from"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type presenceEvent struct {
	From  string `json:"from"`
	Event string `json:"event"`
}

// Transport moves packets over Redis pub/sub. Every participant names
// itself with a local id: presenters use their client id and the viewer
// uses domain.ServerID.
type Transport struct {
	client  *redis.Client
	localID string
	prefix  string

	mu       sync.RWMutex
	handlers map[string][]ports.MessageHandler
	joined   []ports.PeerHandler
	left     []ports.PeerHandler

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	logger *zap.SugaredLogger
}

// NewTransport creates a transport for localID on the given client.
func NewTransport(client *redis.Client, localID, prefix string, logger *zap.SugaredLogger) *Transport {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Transport{
		client:   client,
		localID:  localID,
		prefix:   prefix,
		handlers: make(map[string][]ports.MessageHandler),
		logger:   logger,
	}
}

func (t *Transport) channel(topic string) string {
	return t.prefix + ":" + topic
}

func (t *Transport) topic(channel string) string {
	return strings.TrimPrefix(channel, t.prefix+":")
}

func (t *Transport) Subscribe(topic string, handler ports.MessageHandler) {
	t.mu.Lock()
	_, known := t.handlers[topic]
	t.handlers[topic] = append(t.handlers[topic], handler)
	pubsub := t.pubsub
	t.mu.Unlock()

	if pubsub != nil && !known {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pubsub.Subscribe(ctx, t.channel(topic)); err != nil {
			t.logger.Errorw("Failed to subscribe to topic", "topic", topic, "error", err)
		}
	}
}

func (t *Transport) OnClientJoined(handler ports.PeerHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joined = append(t.joined, handler)
}

func (t *Transport) OnClientLeft(handler ports.PeerHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.left = append(t.left, handler)
}

// Start subscribes to every registered topic plus the presence channel and
// announces this participant.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.pubsub != nil {
		t.mu.Unlock()
		return nil
	}
	channels := []string{t.channel(presenceChannel)}
	for topic := range t.handlers {
		channels = append(channels, t.channel(topic))
	}
	pubsub := t.client.Subscribe(ctx, channels...)
	t.mu.Unlock()

	// Wait for the subscription confirmation so that nothing published
	// right after Start is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %v: %w", channels, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.pubsub = pubsub
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.receive(runCtx, pubsub.Channel(), done)

	if err := t.announce(ctx, eventJoined); err != nil {
		t.logger.Warnw("Failed to announce join", "error", err)
	}
	t.logger.Infow("Redis transport started", "local_id", t.localID, "channels", channels)
	return nil
}

// Stop announces departure and closes the subscription.
func (t *Transport) Stop() error {
	t.mu.Lock()
	pubsub, cancel, done := t.pubsub, t.cancel, t.done
	t.pubsub = nil
	t.mu.Unlock()
	if pubsub == nil {
		return nil
	}

	ctx, cancelAnnounce := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelAnnounce()
	if err := t.announce(ctx, eventLeft); err != nil {
		t.logger.Warnw("Failed to announce leave", "error", err)
	}

	cancel()
	err := pubsub.Close()
	<-done
	t.logger.Infow("Redis transport stopped", "local_id", t.localID)
	return err
}

// Send publishes payload on the topic channel. Receivers other than
// targetID discard targeted messages.
func (t *Transport) Send(ctx context.Context, payload []byte, topic string, targetID string) error {
	t.mu.RLock()
	running := t.pubsub != nil
	t.mu.RUnlock()
	if !running {
		return domain.ErrTransportClosed
	}

	data, err := json.Marshal(Envelope{From: t.localID, Target: targetID, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (t *Transport) announce(ctx context.Context, event string) error {
	data, err := json.Marshal(presenceEvent{From: t.localID, Event: event})
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.channel(presenceChannel), data).Err()
}

func (t *Transport) receive(ctx context.Context, ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			t.handleMessage(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (t *Transport) handleMessage(channel string, data []byte) {
	topic := t.topic(channel)
	if topic == presenceChannel {
		t.handlePresence(data)
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.logger.Warnw("Failed to unmarshal envelope", "channel", channel, "error", err)
		return
	}
	// Skip our own messages and those addressed to someone else
	if env.From == t.localID {
		return
	}
	if env.Target != "" && env.Target != t.localID {
		return
	}

	t.mu.RLock()
	handlers := t.handlers[topic]
	t.mu.RUnlock()
	for _, h := range handlers {
		h(env.Payload)
	}
}

func (t *Transport) handlePresence(data []byte) {
	var ev presenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.logger.Warnw("Failed to unmarshal presence event", "error", err)
		return
	}
	if ev.From == t.localID {
		return
	}

	t.mu.RLock()
	var handlers []ports.PeerHandler
	switch ev.Event {
	case eventJoined:
		handlers = t.joined
	case eventLeft:
		handlers = t.left
	}
	t.mu.RUnlock()

	for _, h := range handlers {
		h(ev.From)
	}
}
