package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/domain"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

func captureServer(t *testing.T, events chan AuditEvent) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event AuditEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		events <- event
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLog_ShipsEvent(t *testing.T) {
	events := make(chan AuditEvent, 1)
	srv := captureServer(t, events)
	al := NewAuditLogger(srv.URL, "token", time.Second)

	al.LogCallInitiate(context.Background(), "alice", "call-1")

	event := <-events
	assert.Equal(t, EventCallInitiate, event.EventType)
	assert.Equal(t, "alice", event.UserID)
	assert.Equal(t, "call-1", event.Resource)
	assert.True(t, event.Success)
	assert.False(t, event.Timestamp.IsZero())
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", event.EventID.String())
}

func TestLog_EmptyEndpointDropsSilently(t *testing.T) {
	al := NewAuditLogger("", "", time.Second)

	// Must not block or panic
	al.LogCallEnd(context.Background(), "alice", "call-1", 90*time.Second)
}

func TestLog_NilLoggerIsSafe(t *testing.T) {
	var al *AuditLogger
	al.LogCallInitiate(context.Background(), "alice", "call-1")
}

func TestLogConsent_DeniedEventType(t *testing.T) {
	events := make(chan AuditEvent, 1)
	srv := captureServer(t, events)
	al := NewAuditLogger(srv.URL, "", time.Second)

	al.LogConsent(context.Background(), "alice", &domain.ConsentRecord{
		CallID:     "call-1",
		Capability: domain.ConsentRecording,
		Granted:    false,
	})

	event := <-events
	assert.Equal(t, EventConsentDenied, event.EventType)
	assert.Equal(t, string(domain.ConsentRecording), event.Action)
	assert.False(t, event.Success)
}

func TestLogCallEnd_RecordsDuration(t *testing.T) {
	events := make(chan AuditEvent, 1)
	srv := captureServer(t, events)
	al := NewAuditLogger(srv.URL, "", time.Second)

	al.LogCallEnd(context.Background(), "alice", "call-1", 95*time.Second)

	event := <-events
	assert.Equal(t, EventCallEnd, event.EventType)
	assert.Equal(t, "1m35s", event.Details)
}

func TestLog_EndpointFailureDoesNotBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	al := NewAuditLogger(srv.URL, "", time.Second)

	done := make(chan struct{})
	go func() {
		al.LogScreenShare(context.Background(), "alice", "call-1", true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("audit delivery blocked the caller")
	}
}
