// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Call lifecycle constants
const (
	// RingingTimeout is how long an unanswered call rings before it is
	// auto-cancelled (caller side) or auto-declined (callee side)
	RingingTimeout = 30 * time.Second

	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour

	// NegotiationTimeout bounds a single offer/answer round trip
	NegotiationTimeout = 20 * time.Second
)

// Consent constants
const (
	// ConsentPromptTimeout is how long a consent prompt may stay open
	// before it defaults to denial
	ConsentPromptTimeout = 30 * time.Second
)

// Quality monitoring constants
const (
	// QualitySampleInterval is the interval between transport statistic samples
	QualitySampleInterval = 2 * time.Second

	// Rating thresholds on round-trip time
	ExcellentMaxRTT = 100 * time.Millisecond
	GoodMaxRTT      = 200 * time.Millisecond
	FairMaxRTT      = 300 * time.Millisecond

	// Rating thresholds on packet loss (percent)
	ExcellentMaxLoss = 1.0
	GoodMaxLoss      = 3.0
	FairMaxLoss      = 5.0
)

// Reconnection constants
const (
	// MaxReconnectAttempts is the bounded retry count for a degraded transport
	MaxReconnectAttempts = 5

	// ReconnectInitialBackoff is the first retry delay
	ReconnectInitialBackoff = 500 * time.Millisecond

	// ReconnectMaxBackoff caps the exponential backoff delay
	ReconnectMaxBackoff = 10 * time.Second

	// ReconnectAttemptTimeout bounds a single ICE-restart attempt
	ReconnectAttemptTimeout = 15 * time.Second
)

// Signaling constants
const (
	// SignalingConnectTimeout is the timeout for the initial channel dial
	SignalingConnectTimeout = 10 * time.Second

	// SignalingPingInterval is the interval for WebSocket ping/pong
	SignalingPingInterval = 30 * time.Second

	// SignalingWriteTimeout bounds a single outbound write
	SignalingWriteTimeout = 10 * time.Second

	// SignalingSendBuffer is the outbound message queue depth
	SignalingSendBuffer = 256
)

// Relay credential constants
const (
	// RelayFetchTimeout bounds the startup credential fetch
	RelayFetchTimeout = 10 * time.Second
)

// Audit constants
const (
	// AuditRequestTimeout bounds a single fire-and-forget audit post
	AuditRequestTimeout = 5 * time.Second
)

// Agent constants
const (
	// GracefulShutdownTimeout is the timeout for graceful agent shutdown
	GracefulShutdownTimeout = 30 * time.Second
)
