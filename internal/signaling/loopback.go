package signaling

import (
	"context"
	"fmt"
	"sync"
)

// Loopback is an in-memory Channel pair used by tests and the agent's
// loopback mode. Messages sent on one side are delivered to the other side's
// handler in send order from a single dispatch goroutine, matching the
// ordering guarantee of the WebSocket client.
type Loopback struct {
	mu           sync.Mutex
	peer         *Loopback
	queue        chan Message
	connected    bool
	closed       bool
	done         chan struct{}
	stopOnce     sync.Once
	onMessage    func(Message)
	onDisconnect func(reason string)
}

// NewLoopbackPair returns two connected channel endpoints
func NewLoopbackPair() (*Loopback, *Loopback) {
	a := &Loopback{queue: make(chan Message, 256), done: make(chan struct{})}
	b := &Loopback{queue: make(chan Message, 256), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// OnMessage registers the inbound message handler
func (l *Loopback) OnMessage(handler func(Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onMessage = handler
}

// OnDisconnect registers the unexpected-closure handler
func (l *Loopback) OnDisconnect(handler func(reason string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = handler
}

// Connect starts the dispatch loop
func (l *Loopback) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("loopback channel is closed")
	}
	if l.connected {
		return nil
	}
	l.connected = true
	go l.dispatch()
	return nil
}

// Send delivers a message to the other endpoint
func (l *Loopback) Send(msg Message) error {
	l.mu.Lock()
	peer := l.peer
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return fmt.Errorf("loopback channel is closed")
	}

	peer.mu.Lock()
	peerClosed := peer.closed
	peer.mu.Unlock()
	if peerClosed {
		return fmt.Errorf("remote loopback endpoint is closed")
	}

	select {
	case peer.queue <- msg:
		return nil
	default:
		return fmt.Errorf("loopback queue is full")
	}
}

// Close tears down this endpoint and signals disconnection to the peer
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	peer := l.peer
	l.mu.Unlock()

	l.stopOnce.Do(func() { close(l.done) })
	if peer != nil {
		peer.remoteClosed()
	}
	return nil
}

// Drop simulates an unexpected transport loss on both endpoints
func (l *Loopback) Drop(reason string) {
	l.mu.Lock()
	l.closed = true
	handler := l.onDisconnect
	peer := l.peer
	l.mu.Unlock()

	l.stopOnce.Do(func() { close(l.done) })
	if handler != nil {
		handler(reason)
	}
	if peer != nil {
		peer.remoteClosed()
	}
}

func (l *Loopback) remoteClosed() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	handler := l.onDisconnect
	l.mu.Unlock()

	l.stopOnce.Do(func() { close(l.done) })
	if handler != nil {
		handler("remote endpoint closed")
	}
}

func (l *Loopback) dispatch() {
	for {
		select {
		case msg := <-l.queue:
			l.mu.Lock()
			handler := l.onMessage
			l.mu.Unlock()
			if handler != nil {
				handler(msg)
			}
		case <-l.done:
			return
		}
	}
}
