package peer

import (
	"context"
	"os"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/errors"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

func newTestPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	caller, err := NewSession("call-1", "bob", nil)
	require.NoError(t, err)
	callee, err := NewSession("call-1", "alice", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		caller.Close()
		callee.Close()
	})
	return caller, callee
}

func addAudioTrack(t *testing.T, s *Session) {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	require.NoError(t, err)
	require.NoError(t, s.AddTrack(track))
}

func TestSession_OfferAnswerSequence(t *testing.T) {
	caller, callee := newTestPair(t)
	addAudioTrack(t, caller)
	addAudioTrack(t, callee)

	offer, err := caller.CreateOffer(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	require.NoError(t, caller.SetRemoteDescription(answer))
}

func TestSession_AnswerBeforeOfferIsRejected(t *testing.T) {
	caller, callee := newTestPair(t)
	addAudioTrack(t, caller)
	addAudioTrack(t, callee)

	offer, err := caller.CreateOffer(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer(context.Background())
	require.NoError(t, err)

	// A fresh session never sent an offer, so the answer is out of sequence
	stray, err := NewSession("call-2", "bob", nil)
	require.NoError(t, err)
	defer stray.Close()

	err = stray.SetRemoteDescription(answer)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNegotiation))
}

func TestSession_AnswerWithoutRemoteOffer(t *testing.T) {
	callee, _ := newTestPair(t)

	_, err := callee.CreateAnswer(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNegotiation))
}

func TestSession_CandidatesBufferUntilRemoteDescription(t *testing.T) {
	caller, callee := newTestPair(t)
	addAudioTrack(t, caller)
	addAudioTrack(t, callee)

	offer, err := caller.CreateOffer(context.Background(), false)
	require.NoError(t, err)

	candidates := []webrtc.ICECandidateInit{
		{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50001 typ host"},
		{Candidate: "candidate:2 1 udp 2130706431 127.0.0.1 50002 typ host"},
		{Candidate: "candidate:3 1 udp 2130706431 127.0.0.1 50003 typ host"},
	}

	// Candidates arriving before the offer must be buffered, not dropped
	for _, c := range candidates {
		require.NoError(t, callee.AddICECandidate(c))
	}
	assert.Equal(t, 3, callee.BufferedCandidates())

	// Applying the remote offer flushes the buffer in receipt order
	require.NoError(t, callee.SetRemoteDescription(offer))
	assert.Zero(t, callee.BufferedCandidates())

	// Later candidates apply directly
	require.NoError(t, callee.AddICECandidate(
		webrtc.ICECandidateInit{Candidate: "candidate:4 1 udp 2130706431 127.0.0.1 50004 typ host"}))
	assert.Zero(t, callee.BufferedCandidates())
}

func TestSession_IceRestartOffer(t *testing.T) {
	caller, callee := newTestPair(t)
	addAudioTrack(t, caller)
	addAudioTrack(t, callee)

	offer, err := caller.CreateOffer(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer(context.Background())
	require.NoError(t, err)
	require.NoError(t, caller.SetRemoteDescription(answer))

	// Restart offer is accepted on an established exchange
	restart, err := caller.CreateOffer(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, restart.Type)
}

func TestSession_RestartOfferRetransmittedWhileUnanswered(t *testing.T) {
	caller, callee := newTestPair(t)
	addAudioTrack(t, caller)
	addAudioTrack(t, callee)

	offer, err := caller.CreateOffer(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer(context.Background())
	require.NoError(t, err)
	require.NoError(t, caller.SetRemoteDescription(answer))

	// While the first restart offer is unanswered, further restart attempts
	// must resend it instead of failing on the half-open exchange
	first, err := caller.CreateOffer(context.Background(), true)
	require.NoError(t, err)
	second, err := caller.CreateOffer(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, first.SDP, second.SDP)
	third, err := caller.CreateOffer(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, first.SDP, third.SDP)

	// Once the restart offer is answered, the next restart negotiates fresh
	require.NoError(t, callee.SetRemoteDescription(second))
	restartAnswer, err := callee.CreateAnswer(context.Background())
	require.NoError(t, err)
	require.NoError(t, caller.SetRemoteDescription(restartAnswer))

	fresh, err := caller.CreateOffer(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, fresh.Type)
}

func TestSession_ReplaceTrackWithoutSender(t *testing.T) {
	caller, _ := newTestPair(t)

	err := caller.ReplaceTrack(webrtc.RTPCodecTypeVideo, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNegotiation))
}

func TestSession_ReplaceTrackMute(t *testing.T) {
	caller, _ := newTestPair(t)
	addAudioTrack(t, caller)

	// nil track stops sending without renegotiation
	require.NoError(t, caller.ReplaceTrack(webrtc.RTPCodecTypeAudio, nil))

	replacement, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio2", "test")
	require.NoError(t, err)
	require.NoError(t, caller.ReplaceTrack(webrtc.RTPCodecTypeAudio, replacement))
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s, err := NewSession("call-1", "bob", nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer})
	assert.Error(t, err)
}
