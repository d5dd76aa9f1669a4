package memory

import (
	"context"
	"fmt"
	"sync"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"

	"go.uber.org/zap"
)

// DefaultInboxSize bounds the undelivered messages per endpoint.
const DefaultInboxSize = 1024

// Bus connects endpoints living in the same process.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	inboxSize int
	logger    *zap.SugaredLogger
}

// NewBus creates an empty bus.
func NewBus(inboxSize int, logger *zap.SugaredLogger) *Bus {
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	return &Bus{
		endpoints: make(map[string]*Endpoint),
		inboxSize: inboxSize,
		logger:    logger,
	}
}

type message struct {
	topic   string
	payload []byte
}

// Endpoint is one participant on the bus. It implements ports.Transport.
// Messages are delivered in order by a goroutine owned by the endpoint.
type Endpoint struct {
	id  string
	bus *Bus

	mu       sync.RWMutex
	handlers map[string][]ports.MessageHandler
	joined   []ports.PeerHandler
	left     []ports.PeerHandler

	inbox   chan message
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Endpoint creates a transport for id. It joins the bus on Start.
func (b *Bus) Endpoint(id string) *Endpoint {
	return &Endpoint{
		id:       id,
		bus:      b,
		handlers: make(map[string][]ports.MessageHandler),
		inbox:    make(chan message, b.inboxSize),
	}
}

// Peers returns the ids of started endpoints.
func (b *Bus) Peers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.endpoints))
	for id := range b.endpoints {
		ids = append(ids, id)
	}
	return ids
}

func (b *Bus) join(e *Endpoint) []*Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpoints[e.id] = e
	return b.othersLocked(e.id)
}

func (b *Bus) leave(e *Endpoint) []*Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.endpoints[e.id] == e {
		delete(b.endpoints, e.id)
	}
	return b.othersLocked(e.id)
}

func (b *Bus) othersLocked(id string) []*Endpoint {
	others := make([]*Endpoint, 0, len(b.endpoints))
	for peerID, peer := range b.endpoints {
		if peerID != id {
			others = append(others, peer)
		}
	}
	return others
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Subscribe(topic string, handler ports.MessageHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[topic] = append(e.handlers[topic], handler)
}

func (e *Endpoint) OnClientJoined(handler ports.PeerHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joined = append(e.joined, handler)
}

func (e *Endpoint) OnClientLeft(handler ports.PeerHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.left = append(e.left, handler)
}

func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	e.mu.Unlock()

	go e.deliver(ctx)

	for _, peer := range e.bus.join(e) {
		peer.notify(e.id, true)
	}
	e.bus.logger.Debugw("Endpoint joined bus", "endpoint", e.id)
	return nil
}

func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	for _, peer := range e.bus.leave(e) {
		peer.notify(e.id, false)
	}
	cancel()
	<-done
	e.bus.logger.Debugw("Endpoint left bus", "endpoint", e.id)
	return nil
}

// Send enqueues payload for the target endpoint, or for every other endpoint
// when targetID is empty. A full inbox fails the send for that peer.
func (e *Endpoint) Send(ctx context.Context, payload []byte, topic string, targetID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return domain.ErrTransportClosed
	}

	e.bus.mu.RLock()
	var peers []*Endpoint
	if targetID != "" {
		peer, ok := e.bus.endpoints[targetID]
		if !ok {
			e.bus.mu.RUnlock()
			return fmt.Errorf("peer %s not connected", targetID)
		}
		peers = []*Endpoint{peer}
	} else {
		peers = e.bus.othersLocked(e.id)
	}
	e.bus.mu.RUnlock()

	var failed int
	for _, peer := range peers {
		select {
		case peer.inbox <- message{topic: topic, payload: payload}:
		default:
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d inboxes full", failed, len(peers))
	}
	return nil
}

func (e *Endpoint) deliver(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.inbox:
			e.mu.RLock()
			handlers := append([]ports.MessageHandler(nil), e.handlers[msg.topic]...)
			e.mu.RUnlock()
			for _, h := range handlers {
				h(msg.payload)
			}
		}
	}
}

func (e *Endpoint) notify(peerID string, joined bool) {
	e.mu.RLock()
	handlers := e.left
	if joined {
		handlers = e.joined
	}
	handlers = append([]ports.PeerHandler(nil), handlers...)
	e.mu.RUnlock()

	for _, h := range handlers {
		go h(peerID)
	}
}
