package config

import (
	"fmt"
	"time"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/constants"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/env"
)

// Config holds all configuration for the call agent
type Config struct {
	Agent     AgentConfig
	Signaling SignalingConfig
	Relay     RelayConfig
	Call      CallConfig
	Consent   ConsentConfig
	Audit     AuditConfig
	Log       LogConfig
}

// AgentConfig holds agent-level configuration
type AgentConfig struct {
	Environment     string // development, staging, production
	ServiceName     string
	SessionToken    string // chat session token; the local user id is read from it
	DiagnosticsPort int    // local gin server for /health, /metrics, /v1/calls
}

// SignalingConfig holds signaling channel configuration
type SignalingConfig struct {
	URL            string // wss endpoint of the coordination server
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// RelayConfig holds relay/reflection server configuration
type RelayConfig struct {
	CredentialsURL string   // REST endpoint for short-lived TURN credentials
	STUNURLs       []string // fallback STUN servers when no credential endpoint is set
	FetchTimeout   time.Duration
}

// CallConfig holds call lifecycle tuning
type CallConfig struct {
	RingingTimeout          time.Duration
	QualitySampleInterval   time.Duration
	MaxReconnectAttempts    int
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
	ReconnectAttemptTimeout time.Duration
}

// ConsentConfig holds consent gate configuration
type ConsentConfig struct {
	PromptTimeout time.Duration
}

// AuditConfig holds audit endpoint configuration
type AuditConfig struct {
	Endpoint string // empty disables remote audit posting (entries are still logged)
	Timeout  time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Agent: AgentConfig{
			Environment:     env.GetString("ENV", "development"),
			ServiceName:     env.GetString("SERVICE_NAME", "call-agent"),
			SessionToken:    env.GetStringFromFile("SESSION_TOKEN", ""),
			DiagnosticsPort: env.GetInt("DIAGNOSTICS_PORT", 8089),
		},
		Signaling: SignalingConfig{
			URL:            env.GetString("SIGNALING_URL", "ws://localhost:8083/v1/calls/ws/signaling"),
			ConnectTimeout: env.GetDuration("SIGNALING_CONNECT_TIMEOUT", constants.SignalingConnectTimeout),
			PingInterval:   env.GetDuration("SIGNALING_PING_INTERVAL", constants.SignalingPingInterval),
			WriteTimeout:   env.GetDuration("SIGNALING_WRITE_TIMEOUT", constants.SignalingWriteTimeout),
		},
		Relay: RelayConfig{
			CredentialsURL: env.GetString("RELAY_CREDENTIALS_URL", ""),
			STUNURLs: env.GetSlice("STUN_URLS", []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			}),
			FetchTimeout: env.GetDuration("RELAY_FETCH_TIMEOUT", constants.RelayFetchTimeout),
		},
		Call: CallConfig{
			RingingTimeout:          env.GetDuration("CALL_RINGING_TIMEOUT", constants.RingingTimeout),
			QualitySampleInterval:   env.GetDuration("CALL_QUALITY_INTERVAL", constants.QualitySampleInterval),
			MaxReconnectAttempts:    env.GetInt("CALL_MAX_RECONNECT_ATTEMPTS", constants.MaxReconnectAttempts),
			ReconnectInitialBackoff: env.GetDuration("CALL_RECONNECT_INITIAL_BACKOFF", constants.ReconnectInitialBackoff),
			ReconnectMaxBackoff:     env.GetDuration("CALL_RECONNECT_MAX_BACKOFF", constants.ReconnectMaxBackoff),
			ReconnectAttemptTimeout: env.GetDuration("CALL_RECONNECT_ATTEMPT_TIMEOUT", constants.ReconnectAttemptTimeout),
		},
		Consent: ConsentConfig{
			PromptTimeout: env.GetDuration("CONSENT_PROMPT_TIMEOUT", constants.ConsentPromptTimeout),
		},
		Audit: AuditConfig{
			Endpoint: env.GetString("AUDIT_ENDPOINT", ""),
			Timeout:  env.GetDuration("AUDIT_TIMEOUT", constants.AuditRequestTimeout),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/call-agent.log"),
		},
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Signaling.URL == "" {
		return fmt.Errorf("SIGNALING_URL must be set")
	}

	if c.Agent.Environment == "production" {
		if c.Agent.SessionToken == "" {
			return fmt.Errorf("SESSION_TOKEN must be set in production")
		}
		if c.Relay.CredentialsURL == "" {
			return fmt.Errorf("RELAY_CREDENTIALS_URL must be set in production")
		}
	}

	if c.Call.MaxReconnectAttempts < 1 {
		return fmt.Errorf("CALL_MAX_RECONNECT_ATTEMPTS must be at least 1")
	}

	return nil
}
