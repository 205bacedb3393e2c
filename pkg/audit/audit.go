package audit

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/domain"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Call events
	EventCallInitiate AuditEventType = "call_initiate"
	EventCallAnswer   AuditEventType = "call_answer"
	EventCallReject   AuditEventType = "call_reject"
	EventCallEnd      AuditEventType = "call_end"

	// Consent events
	EventConsentGranted AuditEventType = "consent_granted"
	EventConsentDenied  AuditEventType = "consent_denied"

	// Capability events
	EventScreenShareStart AuditEventType = "screen_share_start"
	EventScreenShareStop  AuditEventType = "screen_share_stop"
)

// AuditEvent represents one audit log entry
type AuditEvent struct {
	EventID   uuid.UUID      `json:"event_id"`
	UserID    string         `json:"user_id,omitempty"`
	EventType AuditEventType `json:"event_type"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action,omitempty"`
	Success   bool           `json:"success"`
	Details   string         `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditLogger ships audit events to the coordination server's audit endpoint.
// Delivery is best-effort: a failed post is logged and never blocks the call
// path. A logger with an empty endpoint drops events silently.
type AuditLogger struct {
	client   *resty.Client
	endpoint string
}

// NewAuditLogger creates an audit logger posting to the given endpoint
func NewAuditLogger(endpoint, token string, timeout time.Duration) *AuditLogger {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &AuditLogger{client: client, endpoint: endpoint}
}

// Log ships one audit event
func (al *AuditLogger) Log(ctx context.Context, event *AuditEvent) {
	if al == nil || al.endpoint == "" {
		return
	}

	event.Timestamp = time.Now().UTC()
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	resp, err := al.client.R().
		SetContext(ctx).
		SetBody(event).
		Post(al.endpoint)
	if err != nil {
		logger.Warn("Audit delivery failed",
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
		return
	}
	if resp.IsError() {
		logger.Warn("Audit endpoint rejected event",
			zap.String("event_type", string(event.EventType)),
			zap.Int("status", resp.StatusCode()))
	}
}

// LogCallInitiate logs a call initiation
func (al *AuditLogger) LogCallInitiate(ctx context.Context, userID, callID string) {
	al.Log(ctx, &AuditEvent{
		UserID:    userID,
		EventType: EventCallInitiate,
		Resource:  callID,
		Action:    "initiate",
		Success:   true,
	})
}

// LogCallAnswer logs a call being answered
func (al *AuditLogger) LogCallAnswer(ctx context.Context, userID, callID string) {
	al.Log(ctx, &AuditEvent{
		UserID:    userID,
		EventType: EventCallAnswer,
		Resource:  callID,
		Action:    "answer",
		Success:   true,
	})
}

// LogCallReject logs a call being declined
func (al *AuditLogger) LogCallReject(ctx context.Context, userID, callID, reason string) {
	al.Log(ctx, &AuditEvent{
		UserID:    userID,
		EventType: EventCallReject,
		Resource:  callID,
		Action:    "reject",
		Success:   true,
		Details:   reason,
	})
}

// LogCallEnd logs a call ending with its duration
func (al *AuditLogger) LogCallEnd(ctx context.Context, userID, callID string, duration time.Duration) {
	al.Log(ctx, &AuditEvent{
		UserID:    userID,
		EventType: EventCallEnd,
		Resource:  callID,
		Action:    "end",
		Success:   true,
		Details:   duration.Round(time.Second).String(),
	})
}

// LogConsent logs a consent decision before the gated capability proceeds
func (al *AuditLogger) LogConsent(ctx context.Context, userID string, record *domain.ConsentRecord) {
	eventType := EventConsentGranted
	if !record.Granted {
		eventType = EventConsentDenied
	}
	al.Log(ctx, &AuditEvent{
		UserID:    userID,
		EventType: eventType,
		Resource:  record.CallID,
		Action:    string(record.Capability),
		Success:   record.Granted,
	})
}

// LogScreenShare logs a screen share starting or stopping
func (al *AuditLogger) LogScreenShare(ctx context.Context, userID, callID string, started bool) {
	eventType := EventScreenShareStart
	action := "start"
	if !started {
		eventType = EventScreenShareStop
		action = "stop"
	}
	al.Log(ctx, &AuditEvent{
		UserID:    userID,
		EventType: eventType,
		Resource:  callID,
		Action:    action,
		Success:   true,
	})
}
