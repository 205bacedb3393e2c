package call

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/domain"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/signaling"
)

// connectCall drives an outgoing call to connected by answering the captured
// offer with a real peer and simulating the transport state callback.
func connectCall(t *testing.T, engine *Service, ch *testChannel, rec *recorder) *domain.CallSession {
	t.Helper()

	session, err := engine.StartCall(context.Background(), "bob", MediaOptions{Audio: true})
	require.NoError(t, err)
	waitFor(t, rec.started, "callStarted")

	offers := ch.sentOfType(signaling.TypeOffer)
	require.Len(t, offers, 1)
	var offerPayload signaling.OfferPayload
	require.NoError(t, offers[0].Decode(&offerPayload))

	// Answer the offer from a scratch remote peer
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })
	require.NoError(t, remote.SetRemoteDescription(offerPayload.SDP))
	answer, err := remote.CreateAnswer(nil)
	require.NoError(t, err)

	msg, err := signaling.NewMessage(signaling.TypeAnswer, session.ID, "bob", "alice",
		signaling.AnswerPayload{SDP: answer})
	require.NoError(t, err)
	ch.inject(msg)
	waitFor(t, rec.answered, "callAnswered")

	// The real ICE layer is not in play here; report the state directly
	engine.handleTransportState(session.ID, webrtc.PeerConnectionStateConnected)
	connected := waitFor(t, rec.connected, "callConnected")
	assert.Equal(t, domain.StateConnected, connected.State)
	assert.NotNil(t, connected.ConnectedAt)

	return session
}

func TestMonitor_EmitsQualitySamples(t *testing.T) {
	ch := &testChannel{}
	engine, rec := newTestEngine(t, "alice", ch, Config{QualitySampleInterval: 20 * time.Millisecond})

	session := connectCall(t, engine, ch, rec)

	sample := waitFor(t, rec.quality, "quality sample")
	// An idle local transport reads zero RTT and loss, which rates excellent
	assert.Equal(t, domain.QualityExcellent, sample.Rating)
	assert.False(t, sample.SampledAt.IsZero())

	require.Eventually(t, func() bool {
		calls := engine.ActiveCalls()
		return len(calls) == 1 && calls[0].QualitySample != nil
	}, 2*time.Second, 20*time.Millisecond, "sample must be attached to the session")

	require.NoError(t, engine.EndCall(context.Background(), session.ID))
}

func TestReconnect_SuccessRestoresConnected(t *testing.T) {
	ch := &testChannel{}
	engine, rec := newTestEngine(t, "alice", ch, Config{
		MaxReconnectAttempts:    3,
		ReconnectInitialBackoff: 10 * time.Millisecond,
		ReconnectMaxBackoff:     20 * time.Millisecond,
		ReconnectAttemptTimeout: 500 * time.Millisecond,
	})

	session := connectCall(t, engine, ch, rec)

	engine.handleTransportState(session.ID, webrtc.PeerConnectionStateDisconnected)
	attempt := waitFor(t, rec.reconAttempt, "first reconnection attempt")
	assert.Equal(t, 1, attempt)

	// Transport comes back during the first attempt
	engine.handleTransportState(session.ID, webrtc.PeerConnectionStateConnected)
	waitFor(t, rec.reconSuccess, "reconnection success")

	calls := engine.ActiveCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.StateConnected, calls[0].State)
	assert.Empty(t, rec.reconFailed)
}

func TestReconnect_ExhaustionFailsExactlyOnce(t *testing.T) {
	ch := &testChannel{}
	maxAttempts := 3
	engine, rec := newTestEngine(t, "alice", ch, Config{
		MaxReconnectAttempts:    maxAttempts,
		ReconnectInitialBackoff: 5 * time.Millisecond,
		ReconnectMaxBackoff:     10 * time.Millisecond,
		ReconnectAttemptTimeout: 30 * time.Millisecond,
	})

	session := connectCall(t, engine, ch, rec)

	engine.handleTransportState(session.ID, webrtc.PeerConnectionStateFailed)

	for i := 1; i <= maxAttempts; i++ {
		attempt := waitFor(t, rec.reconAttempt, "reconnection attempt")
		assert.Equal(t, i, attempt)
	}

	waitFor(t, rec.reconFailed, "terminal reconnection failure")
	ended := waitFor(t, rec.ended, "call teardown")
	assert.Equal(t, domain.StateFailed, ended.State)
	assert.Equal(t, session.ID, ended.ID)

	// Exactly one terminal event, no further attempts
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.reconFailed)
	assert.Empty(t, rec.reconAttempt)
	assert.Empty(t, engine.ActiveCalls())

	// The initiator drove each attempt with an ICE-restart offer
	restarts := 0
	for _, msg := range ch.sentOfType(signaling.TypeOffer) {
		var payload signaling.OfferPayload
		require.NoError(t, msg.Decode(&payload))
		if payload.ICERestart {
			restarts++
		}
	}
	assert.Equal(t, maxAttempts, restarts)
}

func TestReconnect_GuardPreventsParallelLoops(t *testing.T) {
	ch := &testChannel{}
	engine, rec := newTestEngine(t, "alice", ch, Config{
		MaxReconnectAttempts:    2,
		ReconnectInitialBackoff: 10 * time.Millisecond,
		ReconnectMaxBackoff:     20 * time.Millisecond,
		ReconnectAttemptTimeout: 500 * time.Millisecond,
	})

	session := connectCall(t, engine, ch, rec)

	// A burst of failure callbacks must start a single loop
	engine.handleTransportState(session.ID, webrtc.PeerConnectionStateDisconnected)
	engine.handleTransportState(session.ID, webrtc.PeerConnectionStateDisconnected)
	engine.handleTransportState(session.ID, webrtc.PeerConnectionStateFailed)

	attempt := waitFor(t, rec.reconAttempt, "first attempt")
	assert.Equal(t, 1, attempt)
	assert.Empty(t, rec.reconAttempt, "no parallel attempt may be in flight")

	engine.handleTransportState(session.ID, webrtc.PeerConnectionStateConnected)
	waitFor(t, rec.reconSuccess, "recovery")
}
