// Package relay fetches TURN/STUN relay credentials from the coordination
// server. Credentials are short-lived; the engine fetches a fresh set when
// building each peer session.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
)

// Credentials is the relay credential response from the coordination server
type Credentials struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTLSeconds int      `json:"ttlSeconds"`
}

// Fetcher resolves the ICE server set for new peer sessions
type Fetcher interface {
	ICEServers(ctx context.Context) ([]webrtc.ICEServer, error)
}

// Client fetches relay credentials over HTTP and caches them until expiry.
// When no credentials URL is configured, or a fetch fails, the configured
// STUN servers are returned alone so calls still connect on open networks.
type Client struct {
	http     *resty.Client
	url      string
	stunURLs []string

	mu        sync.Mutex
	cached    []webrtc.ICEServer
	expiresAt time.Time
}

// NewClient creates a relay credential client
func NewClient(url, token string, stunURLs []string, timeout time.Duration) *Client {
	http := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2)
	if token != "" {
		http.SetAuthToken(token)
	}
	return &Client{http: http, url: url, stunURLs: stunURLs}
}

// ICEServers returns the ICE server set, fetching fresh relay credentials
// when the cached set expired.
func (c *Client) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	c.mu.Lock()
	if len(c.cached) > 0 && time.Now().Before(c.expiresAt) {
		servers := c.cached
		c.mu.Unlock()
		return servers, nil
	}
	c.mu.Unlock()

	servers := c.stunServers()

	if c.url == "" {
		return servers, nil
	}

	var creds Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&creds).
		Get(c.url)
	if err != nil {
		logger.Warn("Relay credential fetch failed, using STUN only", zap.Error(err))
		return servers, nil
	}
	if resp.IsError() {
		logger.Warn("Relay credential fetch rejected, using STUN only",
			zap.Int("status", resp.StatusCode()))
		return servers, nil
	}
	if len(creds.URLs) == 0 {
		return servers, nil
	}

	servers = append(servers, webrtc.ICEServer{
		URLs:       creds.URLs,
		Username:   creds.Username,
		Credential: creds.Credential,
	})

	ttl := time.Duration(creds.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c.mu.Lock()
	c.cached = servers
	// Refresh slightly early so sessions never start on expiring credentials
	c.expiresAt = time.Now().Add(ttl - ttl/10)
	c.mu.Unlock()

	logger.Debug("Relay credentials refreshed",
		zap.Int("urls", len(creds.URLs)),
		zap.Duration("ttl", ttl))

	return servers, nil
}

func (c *Client) stunServers() []webrtc.ICEServer {
	if len(c.stunURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.stunURLs}}
}

// Static is a fixed ICE server set, used by tests and loopback mode
type Static []webrtc.ICEServer

// ICEServers returns the fixed set
func (s Static) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	return s, nil
}

var _ Fetcher = (*Client)(nil)
var _ Fetcher = (Static)(nil)
