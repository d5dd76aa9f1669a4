package websocket

import (
	"encoding/json"
	"fmt"
	"sync"

	"tilecast/internal/core/ports"
)

// Envelope frames one transport message on the socket.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(topic string, payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload for topic %s is not valid JSON", topic)
	}
	data, err := json.Marshal(Envelope{Topic: topic, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("invalid envelope: missing topic")
	}
	return env, nil
}

// senderOf returns the senderId carried by payload, or "" when there is none.
func senderOf(payload []byte) string {
	var head struct {
		SenderID string `json:"senderId"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ""
	}
	return head.SenderID
}

// handlerSet holds topic subscriptions and peer callbacks shared by the
// server and client sides.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[string][]ports.MessageHandler
	joined   []ports.PeerHandler
	left     []ports.PeerHandler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[string][]ports.MessageHandler)}
}

func (h *handlerSet) Subscribe(topic string, handler ports.MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[topic] = append(h.handlers[topic], handler)
}

func (h *handlerSet) OnClientJoined(handler ports.PeerHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joined = append(h.joined, handler)
}

func (h *handlerSet) OnClientLeft(handler ports.PeerHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.left = append(h.left, handler)
}

// dispatch reports whether any handler is subscribed to env.Topic.
func (h *handlerSet) dispatch(env Envelope) bool {
	h.mu.RLock()
	handlers := h.handlers[env.Topic]
	h.mu.RUnlock()
	for _, handler := range handlers {
		handler(env.Payload)
	}
	return len(handlers) > 0
}

func (h *handlerSet) notify(id string, joined bool) {
	h.mu.RLock()
	handlers := h.left
	if joined {
		handlers = h.joined
	}
	h.mu.RUnlock()
	for _, handler := range handlers {
		handler(id)
	}
}
