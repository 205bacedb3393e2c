package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
)

// ClientConfig configures the WebSocket signaling client
type ClientConfig struct {
	URL            string
	Token          string // bearer token attached to the upgrade request
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
}

// Client is the WebSocket implementation of Channel. One goroutine reads and
// dispatches inbound frames in arrival order; a second drains the send queue
// and keeps the connection alive with pings.
type Client struct {
	cfg ClientConfig

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	closed   bool
	done     chan struct{}
	stopOnce sync.Once

	onMessage    func(Message)
	onDisconnect func(reason string)
}

// NewClient creates a signaling client. Handlers must be registered before Connect.
func NewClient(cfg ClientConfig) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

// OnMessage registers the inbound message handler
func (c *Client) OnMessage(handler func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnDisconnect registers the unexpected-closure handler
func (c *Client) OnDisconnect(handler func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = handler
}

// Connect dials the coordination server and starts the read/write pumps
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("signaling dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("signaling dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	logger.Info("Signaling channel connected", zap.String("url", c.cfg.URL))

	go c.readPump()
	go c.writePump()

	return nil
}

// Send queues one message for transmission
func (c *Client) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal signaling message: %w", err)
	}

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("signaling channel is not connected")
	}
	c.mu.Unlock()

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling channel is closed")
	default:
		return fmt.Errorf("signaling send queue is full")
	}
}

// Close tears the channel down without invoking the disconnect handler
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.done) })
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// readPump reads inbound frames and dispatches them in arrival order
func (c *Client) readPump() {
	c.mu.Lock()
	conn := c.conn
	handler := c.onMessage
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosure(err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("Invalid signaling frame", zap.Error(err))
			continue
		}

		if handler != nil {
			handler(msg)
		}
	}
}

// writePump drains the send queue and emits pings
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		select {
		case data := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn("Signaling write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleClosure reports an unexpected closure to the disconnect handler
func (c *Client) handleClosure(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	handler := c.onDisconnect
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.done) })

	if wasClosed {
		// Local Close; not an error
		return
	}

	reason := err.Error()
	if ce, ok := err.(*websocket.CloseError); ok {
		reason = fmt.Sprintf("close %d: %s", ce.Code, ce.Text)
	}

	logger.Warn("Signaling channel disconnected", zap.String("reason", reason))

	if handler != nil {
		handler(reason)
	}
}
