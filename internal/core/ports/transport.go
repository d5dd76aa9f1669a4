package ports

import "context"

// MessageHandler receives one serialized payload from the transport.
type MessageHandler func(payload []byte)

// PeerHandler is notified when a transport peer joins or leaves.
type PeerHandler func(clientID string)

// Transport is the pub/sub collaborator moving serialized packets between
// processes. Delivery is best effort: a failed Send is reported to the caller
// and is never retried by the transport.
type Transport interface {
	Subscribe(topic string, handler MessageHandler)
	// Send delivers payload on topic. An empty targetID broadcasts.
	Send(ctx context.Context, payload []byte, topic string, targetID string) error
	Start(ctx context.Context) error
	Stop() error
	OnClientJoined(handler PeerHandler)
	OnClientLeft(handler PeerHandler)
}
