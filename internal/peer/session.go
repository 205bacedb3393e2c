// Package peer wraps one negotiated WebRTC transport connection to a single
// remote party. A session owns its PeerConnection and the negotiation
// bookkeeping around it; it never retries on failure — retry policy belongs
// to the lifecycle engine.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/errors"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
)

// Stats is one raw transport statistics sample
type Stats struct {
	RoundTripTime   time.Duration
	PacketLossPct   float64
	Jitter          time.Duration
	BytesReceived   uint64
	PacketsReceived uint64
	PacketsLost     int64
	SampledAt       time.Time
}

// Session wraps one webrtc.PeerConnection
type Session struct {
	callID string
	peerID string

	mu                sync.Mutex
	pc                *webrtc.PeerConnection
	senders           map[webrtc.RTPCodecType]*webrtc.RTPSender
	pendingCandidates []webrtc.ICECandidateInit
	remoteSet         bool
	localOfferPending bool
	restartPending    bool
	closed            bool

	onTrack       func(track *webrtc.TrackRemote)
	onCandidate   func(candidate webrtc.ICECandidateInit)
	onStateChange func(state webrtc.PeerConnectionState)

	log *zap.Logger
}

// NewSession builds a session with the given transport configuration.
// Callbacks must be registered before negotiation starts.
func NewSession(callID, peerID string, iceServers []webrtc.ICEServer) (*Session, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &Session{
		callID:  callID,
		peerID:  peerID,
		pc:      pc,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		log:     logger.WithPeer(callID, peerID),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.log.Debug("Remote track arrived",
			zap.String("kind", track.Kind().String()),
			zap.String("track_id", track.ID()))
		s.mu.Lock()
		handler := s.onTrack
		s.mu.Unlock()
		if handler != nil {
			handler(track)
		}
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// End of gathering
			return
		}
		s.mu.Lock()
		handler := s.onCandidate
		s.mu.Unlock()
		if handler != nil {
			handler(candidate.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("Transport state changed", zap.String("state", state.String()))
		s.mu.Lock()
		handler := s.onStateChange
		s.mu.Unlock()
		if handler != nil {
			handler(state)
		}
	})

	return s, nil
}

// OnTrack registers the remote-track handler
func (s *Session) OnTrack(handler func(track *webrtc.TrackRemote)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrack = handler
}

// OnICECandidate registers the local-candidate handler
func (s *Session) OnICECandidate(handler func(candidate webrtc.ICECandidateInit)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCandidate = handler
}

// OnConnectionStateChange registers the transport-state handler
func (s *Session) OnConnectionStateChange(handler func(state webrtc.PeerConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = handler
}

// AddTrack attaches an outgoing track. At most one sender per codec type is kept.
func (s *Session) AddTrack(track webrtc.TrackLocal) error {
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}
	s.mu.Lock()
	s.senders[track.Kind()] = sender
	s.mu.Unlock()
	return nil
}

// ReplaceTrack hot-swaps the outgoing track of the given kind without
// renegotiation. A nil track stops sending (mute). The caller falls back to
// an ICE-restart renegotiation when replacement is not supported.
func (s *Session) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	s.mu.Lock()
	sender, ok := s.senders[kind]
	s.mu.Unlock()
	if !ok {
		return errors.NegotiationError(fmt.Sprintf("no %s sender on this session", kind))
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return errors.NegotiationWrap(fmt.Sprintf("in-place %s track replacement not supported", kind), err)
	}
	return nil
}

// CreateOffer produces and installs a local offer. With iceRestart the offer
// requests fresh ICE credentials, used by reconnection. While a restart offer
// is unanswered the transport refuses a new local offer, so repeated restart
// attempts retransmit the pending one instead of failing.
func (s *Session) CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	if iceRestart {
		s.mu.Lock()
		retransmit := s.restartPending
		s.mu.Unlock()
		if retransmit && s.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			if pending := s.pc.PendingLocalDescription(); pending != nil {
				s.log.Debug("Retransmitting unanswered restart offer")
				return *pending, nil
			}
		}
	}

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, errors.NegotiationWrap("failed to create offer", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errors.NegotiationWrap("failed to set local offer", err)
	}

	s.mu.Lock()
	s.localOfferPending = true
	s.restartPending = iceRestart
	s.mu.Unlock()

	return offer, nil
}

// CreateAnswer produces and installs a local answer to a previously applied
// remote offer.
func (s *Session) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	remoteSet := s.remoteSet
	s.mu.Unlock()
	if !remoteSet {
		return webrtc.SessionDescription{}, errors.NegotiationError("cannot answer before the remote offer is applied")
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.NegotiationWrap("failed to create answer", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, errors.NegotiationWrap("failed to set local answer", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the remote offer or answer and flushes any
// candidates buffered before it, in receipt order. Out-of-sequence
// application fails with a negotiation error.
func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.NegotiationError("session is closed")
	}
	if desc.Type == webrtc.SDPTypeAnswer && !s.localOfferPending {
		s.mu.Unlock()
		return errors.NegotiationError("answer received before an offer was sent")
	}
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return errors.NegotiationWrap(fmt.Sprintf("failed to apply remote %s", desc.Type), err)
	}

	s.mu.Lock()
	s.remoteSet = true
	if desc.Type == webrtc.SDPTypeAnswer {
		s.localOfferPending = false
		s.restartPending = false
	}
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, candidate := range pending {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.log.Warn("Failed to apply buffered candidate", zap.Error(err))
		}
	}
	if len(pending) > 0 {
		s.log.Debug("Flushed buffered candidates", zap.Int("count", len(pending)))
	}

	return nil
}

// AddICECandidate applies a remote candidate, buffering it if the remote
// description is not set yet. Buffered candidates keep receipt order.
func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if !s.remoteSet {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(candidate); err != nil {
		return errors.NegotiationWrap("failed to apply remote candidate", err)
	}
	return nil
}

// BufferedCandidates returns how many candidates await the remote description
func (s *Session) BufferedCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingCandidates)
}

// ConnectionState returns the current transport state
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

// Stats samples transport statistics from the underlying stats report
func (s *Session) Stats() Stats {
	report := s.pc.GetStats()
	out := Stats{SampledAt: time.Now()}

	for _, entry := range report {
		switch stat := entry.(type) {
		case webrtc.ICECandidatePairStats:
			if stat.State == webrtc.StatsICECandidatePairStateSucceeded && stat.CurrentRoundTripTime > 0 {
				out.RoundTripTime = time.Duration(stat.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.InboundRTPStreamStats:
			out.PacketsReceived += uint64(stat.PacketsReceived)
			out.PacketsLost += int64(stat.PacketsLost)
			out.BytesReceived += uint64(stat.BytesReceived)
			jitter := time.Duration(stat.Jitter * float64(time.Second))
			if jitter > out.Jitter {
				out.Jitter = jitter
			}
		}
	}

	total := out.PacketsReceived + uint64(max64(out.PacketsLost, 0))
	if total > 0 {
		out.PacketLossPct = float64(max64(out.PacketsLost, 0)) / float64(total) * 100.0
	}

	return out
}

// Close tears down the transport. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}
