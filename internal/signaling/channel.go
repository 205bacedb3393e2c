package signaling

import "context"

// Channel is the duplex signaling transport consumed by the lifecycle engine.
// Implementations deliver messages in arrival order from a single dispatch
// goroutine and never reconnect on their own; reconnect policy belongs to the
// caller.
type Channel interface {
	// Connect establishes the channel. It must be called before Send.
	Connect(ctx context.Context) error

	// Send transmits one message. Sends are serialized internally.
	Send(msg Message) error

	// OnMessage registers the inbound message handler. Must be set before
	// Connect; the handler is invoked sequentially.
	OnMessage(handler func(Message))

	// OnDisconnect registers a handler for unexpected closure. The reason
	// string describes the close cause. Not invoked on Close.
	OnDisconnect(handler func(reason string))

	// Close tears the channel down. Idempotent.
	Close() error
}
