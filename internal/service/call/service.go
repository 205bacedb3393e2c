// Package call implements the call lifecycle engine: session state, wire
// message handling, media wiring and the reconnection monitor. The engine is
// the only writer of session state; every state change goes through
// domain.Transition.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/device"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/domain"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/peer"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/service/consent"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/signaling"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/audit"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/constants"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/errors"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/metrics"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/relay"
)

// Config tunes the lifecycle engine. Zero values fall back to the fixed
// defaults in pkg/constants.
type Config struct {
	RingingTimeout          time.Duration
	QualitySampleInterval   time.Duration
	MaxReconnectAttempts    int
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
	ReconnectAttemptTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.RingingTimeout <= 0 {
		c.RingingTimeout = constants.RingingTimeout
	}
	if c.QualitySampleInterval <= 0 {
		c.QualitySampleInterval = constants.QualitySampleInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = constants.MaxReconnectAttempts
	}
	if c.ReconnectInitialBackoff <= 0 {
		c.ReconnectInitialBackoff = constants.ReconnectInitialBackoff
	}
	if c.ReconnectMaxBackoff <= 0 {
		c.ReconnectMaxBackoff = constants.ReconnectMaxBackoff
	}
	if c.ReconnectAttemptTimeout <= 0 {
		c.ReconnectAttemptTimeout = constants.ReconnectAttemptTimeout
	}
}

// MediaOptions selects the media attached to a call
type MediaOptions struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
}

func (o MediaOptions) constraints() device.Constraints {
	return device.Constraints{
		Audio:         o.Audio,
		Video:         o.Video,
		AudioDeviceID: o.AudioDeviceID,
		VideoDeviceID: o.VideoDeviceID,
	}
}

// callEntry bundles a session with its runtime resources
type callEntry struct {
	session *domain.CallSession
	peer    *peer.Session
	stream  *device.StreamHandle
	screen  *device.StreamHandle
	opts    MediaOptions

	// pendingOffer holds the remote offer of an unanswered incoming call;
	// pendingCandidates holds candidates that arrived before the call was
	// answered and a transport existed to give them to
	pendingOffer      *webrtc.SessionDescription
	pendingCandidates []webrtc.ICECandidateInit

	ringingTimer  *time.Timer
	monitorCancel context.CancelFunc

	reconnecting bool
	transportUp  chan struct{}
	endSent      bool
	cleaned      bool
}

// Service is the call lifecycle engine
type Service struct {
	localUserID string
	channel     signaling.Channel
	devices     *device.Registry
	relay       relay.Fetcher
	consentSvc  *consent.Service
	handler     Handler
	auditLog    *audit.AuditLogger
	metrics     *metrics.Metrics
	cfg         Config

	mu      sync.Mutex
	entries map[string]*callEntry                   // callID -> entry
	groups  map[string]*domain.GroupCallSession    // groupID -> group
	forming map[string]struct{}                    // groups still fanning out
	closed  bool
}

// NewService wires the engine to its collaborators and registers the
// signaling handlers. The channel must not be connected yet.
func NewService(localUserID string, channel signaling.Channel, devices *device.Registry,
	relayFetcher relay.Fetcher, consentSvc *consent.Service, handler Handler,
	auditLog *audit.AuditLogger, m *metrics.Metrics, cfg Config) *Service {

	cfg.withDefaults()
	if handler == nil {
		handler = NullHandler{}
	}

	s := &Service{
		localUserID: localUserID,
		channel:     channel,
		devices:     devices,
		relay:       relayFetcher,
		consentSvc:  consentSvc,
		handler:     handler,
		auditLog:    auditLog,
		metrics:     m,
		cfg:         cfg,
		entries:     make(map[string]*callEntry),
		groups:      make(map[string]*domain.GroupCallSession),
		forming:     make(map[string]struct{}),
	}

	channel.OnMessage(s.handleMessage)
	channel.OnDisconnect(s.handleSignalingLost)

	return s
}

// StartCall rings a single peer. The returned session is in ringing state; the
// callReceived/callStarted event pair and all later transitions flow through
// the Handler.
func (s *Service) StartCall(ctx context.Context, peerID string, opts MediaOptions) (*domain.CallSession, error) {
	return s.startOutgoing(ctx, peerID, opts, "")
}

// startOutgoing creates and rings one outgoing session, optionally inside a
// group. The group must already be registered so the offer carries its id.
func (s *Service) startOutgoing(ctx context.Context, peerID string, opts MediaOptions, groupID string) (*domain.CallSession, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.InvalidStateError("engine is closed")
	}
	if s.peerBusyLocked(peerID) {
		s.mu.Unlock()
		return nil, errors.PeerBusyError(peerID)
	}

	session := &domain.CallSession{
		ID:           domain.NewCallID(),
		Direction:    domain.DirectionOutgoing,
		PeerID:       peerID,
		State:        domain.StateRinging,
		GroupID:      groupID,
		AudioEnabled: opts.Audio,
		VideoEnabled: opts.Video,
		StartedAt:    time.Now(),
	}
	entry := &callEntry{session: session, opts: opts, transportUp: make(chan struct{}, 1)}
	s.entries[session.ID] = entry
	if groupID != "" {
		if group, ok := s.groups[groupID]; ok {
			group.Participants[peerID] = session
		}
	}
	s.mu.Unlock()

	if err := s.setupTransport(ctx, entry); err != nil {
		s.failSetup(entry, err)
		return nil, err
	}
	if err := s.sendOffer(ctx, entry, false); err != nil {
		s.failSetup(entry, err)
		return nil, err
	}

	s.armRingingTimer(entry)

	callType := "direct"
	if groupID != "" {
		callType = "group"
	}
	logger.WithPeer(session.ID, peerID).Info("Call started",
		zap.String("direction", "outgoing"), zap.String("type", callType))
	if s.metrics != nil {
		s.metrics.RecordCallStarted("outgoing", callType)
	}
	s.auditLog.LogCallInitiate(ctx, s.localUserID, session.ID)
	s.handler.OnCallStarted(session)

	return session, nil
}

// AnswerCall accepts a ringing incoming call. A failed answer auto-rejects
// the call and cleans up.
func (s *Service) AnswerCall(ctx context.Context, callID string, opts MediaOptions) error {
	s.mu.Lock()
	entry, ok := s.entries[callID]
	if !ok {
		s.mu.Unlock()
		return errors.CallNotFoundError()
	}
	if entry.session.Direction != domain.DirectionIncoming || entry.session.State != domain.StateRinging {
		s.mu.Unlock()
		return errors.InvalidStateError("call is not an unanswered incoming call")
	}
	entry.opts = opts
	pendingOffer := entry.pendingOffer
	s.mu.Unlock()

	if pendingOffer == nil {
		return errors.InvalidStateError("incoming call has no pending offer")
	}

	if err := s.setupTransport(ctx, entry); err != nil {
		s.rejectFailedAnswer(ctx, entry, err)
		return err
	}

	if err := entry.peer.SetRemoteDescription(*pendingOffer); err != nil {
		s.rejectFailedAnswer(ctx, entry, err)
		return err
	}
	answer, err := entry.peer.CreateAnswer(ctx)
	if err != nil {
		s.rejectFailedAnswer(ctx, entry, err)
		return err
	}

	if err := s.applyEvent(entry, domain.EventAnswer); err != nil {
		// The call reached a terminal state while the transport was being
		// built (ringing timeout, remote hangup); release what setup created
		s.cleanup(entry)
		return err
	}

	msg, err := signaling.NewMessage(signaling.TypeAnswer, callID, s.localUserID, entry.session.PeerID,
		signaling.AnswerPayload{SDP: answer})
	if err == nil {
		err = s.send(msg)
	}
	if err != nil {
		s.rejectFailedAnswer(ctx, entry, err)
		return errors.SignalingSendError(err)
	}

	s.auditLog.LogCallAnswer(ctx, s.localUserID, callID)
	s.handler.OnCallAnswered(entry.session)
	return nil
}

// DeclineCall rejects a ringing incoming call
func (s *Service) DeclineCall(ctx context.Context, callID, reason string) error {
	s.mu.Lock()
	entry, ok := s.entries[callID]
	if !ok {
		s.mu.Unlock()
		return errors.CallNotFoundError()
	}
	if entry.session.State != domain.StateRinging {
		s.mu.Unlock()
		return errors.InvalidStateError("only a ringing call can be declined")
	}
	s.mu.Unlock()

	if reason == "" {
		reason = "declined"
	}

	if err := s.applyEvent(entry, domain.EventReject); err != nil {
		return err
	}

	msg, err := signaling.NewMessage(signaling.TypeCallRejected, callID, s.localUserID, entry.session.PeerID,
		signaling.RejectPayload{Reason: reason})
	if err == nil {
		if sendErr := s.send(msg); sendErr != nil {
			logger.WithCall(callID).Warn("Reject send failed", zap.Error(sendErr))
		}
	}

	s.auditLog.LogCallReject(ctx, s.localUserID, callID, reason)
	s.cleanup(entry)
	s.handler.OnCallEnded(entry.session)
	return nil
}

// EndCall hangs up. Ending an unknown or already-terminal call is a no-op,
// and at most one call-end message goes out per session.
func (s *Service) EndCall(ctx context.Context, callID string) error {
	s.mu.Lock()
	entry, ok := s.entries[callID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	alreadyTerminal := entry.session.State.IsTerminal()
	sendWire := !alreadyTerminal && !entry.endSent
	entry.endSent = true
	s.mu.Unlock()

	if err := s.applyEvent(entry, domain.EventEnd); err != nil {
		return err
	}
	if alreadyTerminal {
		return nil
	}

	if sendWire {
		msg, err := signaling.NewMessage(signaling.TypeCallEnd, callID, s.localUserID, entry.session.PeerID, nil)
		if err == nil {
			if sendErr := s.send(msg); sendErr != nil {
				logger.WithCall(callID).Warn("Call-end send failed", zap.Error(sendErr))
			}
		}
	}

	s.auditLog.LogCallEnd(ctx, s.localUserID, callID, entry.session.Duration())
	s.cleanup(entry)
	s.handler.OnCallEnded(entry.session)
	return nil
}

// SetMuted toggles the outgoing audio track by swapping it to nil and back
func (s *Service) SetMuted(callID string, muted bool) error {
	s.mu.Lock()
	entry, ok := s.entries[callID]
	if !ok {
		s.mu.Unlock()
		return errors.CallNotFoundError()
	}
	if entry.session.State.IsTerminal() {
		s.mu.Unlock()
		return errors.InvalidStateError("call has ended")
	}
	if entry.peer == nil || entry.stream == nil {
		s.mu.Unlock()
		return errors.InvalidStateError("call has no transport yet")
	}
	if entry.session.Muted == muted {
		s.mu.Unlock()
		return nil
	}
	stream := entry.stream
	s.mu.Unlock()

	var track webrtc.TrackLocal
	if !muted {
		local := stream.TrackOfKind(domain.DeviceAudioInput)
		if local == nil {
			return errors.InvalidStateError("call has no audio track")
		}
		track = local.Track
	}
	if err := entry.peer.ReplaceTrack(webrtc.RTPCodecTypeAudio, track); err != nil {
		return err
	}

	s.mu.Lock()
	entry.session.Muted = muted
	s.mu.Unlock()

	logger.WithCall(callID).Info("Mute changed", zap.Bool("muted", muted))
	s.handler.OnMuteChanged(entry.session, muted)
	return nil
}

// SetVideoEnabled toggles the outgoing camera track
func (s *Service) SetVideoEnabled(callID string, enabled bool) error {
	s.mu.Lock()
	entry, ok := s.entries[callID]
	if !ok {
		s.mu.Unlock()
		return errors.CallNotFoundError()
	}
	if entry.session.State.IsTerminal() {
		s.mu.Unlock()
		return errors.InvalidStateError("call has ended")
	}
	if entry.peer == nil || entry.stream == nil {
		s.mu.Unlock()
		return errors.InvalidStateError("call has no transport yet")
	}
	if entry.session.VideoEnabled == enabled {
		s.mu.Unlock()
		return nil
	}
	if entry.session.ScreenShare {
		s.mu.Unlock()
		return errors.InvalidStateError("camera cannot be toggled while screen sharing")
	}
	stream := entry.stream
	s.mu.Unlock()

	var track webrtc.TrackLocal
	if enabled {
		local := stream.TrackOfKind(domain.DeviceVideoInput)
		if local == nil {
			return errors.InvalidStateError("call has no video track")
		}
		track = local.Track
	}
	if err := entry.peer.ReplaceTrack(webrtc.RTPCodecTypeVideo, track); err != nil {
		return err
	}

	s.mu.Lock()
	entry.session.VideoEnabled = enabled
	s.mu.Unlock()

	logger.WithCall(callID).Info("Video changed", zap.Bool("enabled", enabled))
	s.handler.OnVideoChanged(entry.session, enabled)
	return nil
}

// SwitchDevice hot-swaps the capture device of the given kind. The new track
// is attached before the old one stops; when in-place replacement is not
// supported the engine renegotiates instead.
func (s *Service) SwitchDevice(ctx context.Context, callID string, kind domain.DeviceKind, deviceID string) error {
	s.mu.Lock()
	entry, ok := s.entries[callID]
	if !ok {
		s.mu.Unlock()
		return errors.CallNotFoundError()
	}
	if entry.session.State.IsTerminal() {
		s.mu.Unlock()
		return errors.InvalidStateError("call has ended")
	}
	if entry.peer == nil || entry.stream == nil {
		s.mu.Unlock()
		return errors.InvalidStateError("call has no transport yet")
	}
	s.mu.Unlock()

	constraints := device.Constraints{}
	codecType := webrtc.RTPCodecTypeAudio
	switch kind {
	case domain.DeviceAudioInput:
		constraints.Audio = true
		constraints.AudioDeviceID = deviceID
	case domain.DeviceVideoInput:
		constraints.Video = true
		constraints.VideoDeviceID = deviceID
		codecType = webrtc.RTPCodecTypeVideo
	default:
		return errors.ConstraintsError("only capture devices can be switched")
	}

	replacement, err := s.devices.Acquire(ctx, constraints)
	if err != nil {
		return err
	}
	newTrack := replacement.TrackOfKind(kind)
	if newTrack == nil {
		replacement.Stop()
		return errors.DeviceNotFoundError(deviceID)
	}

	if err := entry.peer.ReplaceTrack(codecType, newTrack.Track); err != nil {
		// In-place swap unsupported: attach and renegotiate
		if addErr := entry.peer.AddTrack(newTrack.Track); addErr != nil {
			replacement.Stop()
			return addErr
		}
		if offerErr := s.sendOffer(ctx, entry, false); offerErr != nil {
			replacement.Stop()
			return offerErr
		}
	}

	s.mu.Lock()
	old := entry.stream.TrackOfKind(kind)
	for i, t := range entry.stream.Tracks {
		if t.Kind == kind {
			entry.stream.Tracks[i] = newTrack
		}
	}
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	logger.WithCall(callID).Info("Device switched",
		zap.String("kind", string(kind)), zap.String("device_id", deviceID))
	s.handler.OnDeviceSwitched(entry.session, kind, deviceID)
	return nil
}

// StartScreenShare gates screen capture behind local consent, then swaps the
// outgoing video track to the display source.
func (s *Service) StartScreenShare(ctx context.Context, callID string) error {
	s.mu.Lock()
	entry, ok := s.entries[callID]
	if !ok {
		s.mu.Unlock()
		return errors.CallNotFoundError()
	}
	if entry.session.State.IsTerminal() {
		s.mu.Unlock()
		return errors.InvalidStateError("call has ended")
	}
	if entry.peer == nil {
		s.mu.Unlock()
		return errors.InvalidStateError("call has no transport yet")
	}
	if entry.session.ScreenShare {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if _, err := s.consentSvc.RequestLocal(ctx, callID, domain.ConsentScreenShare); err != nil {
		return err
	}

	screen, err := s.devices.AcquireDisplay(ctx)
	if err != nil {
		return err
	}
	screenTrack := screen.TrackOfKind(domain.DeviceVideoInput)

	if err := entry.peer.ReplaceTrack(webrtc.RTPCodecTypeVideo, screenTrack.Track); err != nil {
		// Audio-only call: attach a video sender and renegotiate
		if addErr := entry.peer.AddTrack(screenTrack.Track); addErr != nil {
			screen.Stop()
			return addErr
		}
		if offerErr := s.sendOffer(ctx, entry, false); offerErr != nil {
			screen.Stop()
			return offerErr
		}
	}

	s.mu.Lock()
	entry.screen = screen
	entry.session.ScreenShare = true
	s.mu.Unlock()

	s.auditLog.LogScreenShare(ctx, s.localUserID, callID, true)
	s.handler.OnScreenShareStarted(entry.session)
	return nil
}

// StopScreenShare restores the camera track (or stops video for audio-only
// calls) and releases the display capture.
func (s *Service) StopScreenShare(ctx context.Context, callID string) error {
	s.mu.Lock()
	entry, ok := s.entries[callID]
	if !ok {
		s.mu.Unlock()
		return errors.CallNotFoundError()
	}
	if !entry.session.ScreenShare {
		s.mu.Unlock()
		return nil
	}
	screen := entry.screen
	restoreCamera := entry.session.VideoEnabled
	camera := entry.stream.TrackOfKind(domain.DeviceVideoInput)
	s.mu.Unlock()

	var track webrtc.TrackLocal
	if restoreCamera && camera != nil {
		track = camera.Track
	}
	if err := entry.peer.ReplaceTrack(webrtc.RTPCodecTypeVideo, track); err != nil {
		logger.WithCall(callID).Warn("Screen share teardown track swap failed", zap.Error(err))
	}

	s.mu.Lock()
	entry.screen = nil
	entry.session.ScreenShare = false
	s.mu.Unlock()

	if screen != nil {
		screen.Stop()
	}

	s.auditLog.LogScreenShare(ctx, s.localUserID, callID, false)
	s.handler.OnScreenShareStopped(entry.session)
	return nil
}

// RequestRecordingConsent runs the unanimous consent round required before
// recording may start. The local user and every active participant must grant.
func (s *Service) RequestRecordingConsent(ctx context.Context, callID string) (*domain.ConsentRecord, error) {
	s.mu.Lock()
	entry, ok := s.entries[callID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.CallNotFoundError()
	}
	participants := []string{entry.session.PeerID}
	if entry.session.GroupID != "" {
		if group, ok := s.groups[entry.session.GroupID]; ok {
			participants = group.ActiveParticipants()
		}
	}
	s.mu.Unlock()

	if record, err := s.consentSvc.RequestLocal(ctx, callID, domain.ConsentRecording); err != nil {
		return record, err
	}
	return s.consentSvc.RequestRemote(ctx, callID, domain.ConsentRecording, participants)
}

// ActiveCalls snapshots every non-terminal session
func (s *Service) ActiveCalls() []*domain.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.CallSession, 0, len(s.entries))
	for _, entry := range s.entries {
		if !entry.session.State.IsTerminal() {
			copied := *entry.session
			out = append(out, &copied)
		}
	}
	return out
}

// Close ends every active call and stops accepting new ones. The signaling
// channel itself is owned by the caller.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.EndCall(ctx, id); err != nil {
			logger.WithCall(id).Warn("Shutdown hangup failed", zap.Error(err))
		}
	}
	return nil
}

// --- signaling dispatch ---

func (s *Service) handleMessage(msg signaling.Message) {
	if s.metrics != nil {
		s.metrics.RecordSignalingMessage(string(msg.Type), "in")
	}

	switch msg.Type {
	case signaling.TypeOffer:
		s.handleOffer(msg)
	case signaling.TypeAnswer:
		s.handleAnswer(msg)
	case signaling.TypeICECandidate:
		s.handleCandidate(msg)
	case signaling.TypeCallEnd:
		s.handleRemoteEnd(msg)
	case signaling.TypeCallRejected:
		s.handleRemoteReject(msg)
	case signaling.TypeConsentRequest:
		// Prompting can block for the full consent window; keep it off
		// the dispatch goroutine
		go s.consentSvc.HandleRequest(context.Background(), msg)
	case signaling.TypeConsentResponse:
		s.consentSvc.HandleResponse(msg)
	case signaling.TypeError:
		var payload signaling.ErrorPayload
		if err := msg.Decode(&payload); err == nil {
			logger.WithCall(msg.CallID).Warn("Signaling error message",
				zap.String("code", payload.Code), zap.String("message", payload.Message))
			s.handler.OnError(msg.CallID, errors.New(errors.ErrCodeSignalingSend, payload.Message))
		}
	default:
		logger.Warn("Unknown signaling message type", zap.String("type", string(msg.Type)))
	}
}

func (s *Service) handleOffer(msg signaling.Message) {
	var payload signaling.OfferPayload
	if err := msg.Decode(&payload); err != nil {
		logger.WithCall(msg.CallID).Warn("Invalid offer payload", zap.Error(err))
		return
	}

	s.mu.Lock()
	entry, known := s.entries[msg.CallID]
	s.mu.Unlock()

	if known {
		// Renegotiation on a live call (ICE restart or added track)
		s.handleRenegotiation(entry, msg, payload)
		return
	}

	s.mu.Lock()
	if s.closed || s.peerBusyLocked(msg.FromUserID) {
		s.mu.Unlock()
		s.sendReject(msg.CallID, msg.FromUserID, "busy")
		return
	}

	session := &domain.CallSession{
		ID:           msg.CallID,
		Direction:    domain.DirectionIncoming,
		PeerID:       msg.FromUserID,
		State:        domain.StateRinging,
		GroupID:      payload.GroupID,
		AudioEnabled: true,
		VideoEnabled: true,
		StartedAt:    time.Now(),
	}
	offer := payload.SDP
	entry = &callEntry{session: session, pendingOffer: &offer, transportUp: make(chan struct{}, 1)}
	s.entries[session.ID] = entry

	if payload.Group && payload.GroupID != "" {
		group, ok := s.groups[payload.GroupID]
		if !ok {
			group = &domain.GroupCallSession{
				ID:           payload.GroupID,
				InitiatorID:  msg.FromUserID,
				Direction:    domain.DirectionIncoming,
				Participants: make(map[string]*domain.CallSession),
				StartedAt:    time.Now(),
			}
			s.groups[payload.GroupID] = group
		}
		group.Participants[msg.FromUserID] = session
	}
	s.mu.Unlock()

	s.armRingingTimer(entry)

	logger.WithPeer(session.ID, session.PeerID).Info("Incoming call",
		zap.Bool("group", payload.Group))
	if s.metrics != nil {
		callType := "direct"
		if payload.Group {
			callType = "group"
		}
		s.metrics.RecordCallStarted("incoming", callType)
	}
	s.handler.OnCallReceived(session)
}

func (s *Service) handleRenegotiation(entry *callEntry, msg signaling.Message, payload signaling.OfferPayload) {
	s.mu.Lock()
	sess := entry.peer
	s.mu.Unlock()
	if sess == nil {
		// Duplicate offer for a still-unanswered incoming call
		logger.WithCall(msg.CallID).Warn("Offer for a call with no transport, ignoring")
		return
	}

	if err := sess.SetRemoteDescription(payload.SDP); err != nil {
		logger.WithCall(msg.CallID).Warn("Renegotiation offer rejected", zap.Error(err))
		s.handler.OnError(msg.CallID, err)
		return
	}
	answer, err := sess.CreateAnswer(context.Background())
	if err != nil {
		s.failSession(entry, err)
		return
	}
	reply, err := signaling.NewMessage(signaling.TypeAnswer, msg.CallID, s.localUserID, entry.session.PeerID,
		signaling.AnswerPayload{SDP: answer})
	if err == nil {
		err = s.send(reply)
	}
	if err != nil {
		s.failSession(entry, errors.SignalingSendError(err))
	}
}

func (s *Service) handleAnswer(msg signaling.Message) {
	var payload signaling.AnswerPayload
	if err := msg.Decode(&payload); err != nil {
		logger.WithCall(msg.CallID).Warn("Invalid answer payload", zap.Error(err))
		return
	}

	s.mu.Lock()
	entry, ok := s.entries[msg.CallID]
	if !ok {
		s.mu.Unlock()
		return
	}
	state := entry.session.State
	sess := entry.peer
	s.mu.Unlock()

	if sess == nil {
		// Stray answer: no offer ever left this side, so nothing can apply it
		logger.WithCall(msg.CallID).Warn("Answer for a call with no transport, ignoring")
		return
	}

	if state == domain.StateRinging {
		if err := s.applyEvent(entry, domain.EventPeerAccepted); err != nil {
			return
		}
	}
	if err := sess.SetRemoteDescription(payload.SDP); err != nil {
		s.failSession(entry, err)
		return
	}
	if state == domain.StateRinging {
		s.handler.OnCallAnswered(entry.session)
	}
}

func (s *Service) handleCandidate(msg signaling.Message) {
	var payload signaling.CandidatePayload
	if err := msg.Decode(&payload); err != nil {
		logger.WithCall(msg.CallID).Warn("Invalid candidate payload", zap.Error(err))
		return
	}

	s.mu.Lock()
	entry, ok := s.entries[msg.CallID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if entry.peer == nil {
		// Unanswered incoming call: keep candidates in receipt order until
		// the transport exists
		entry.pendingCandidates = append(entry.pendingCandidates, payload.Candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := entry.peer.AddICECandidate(payload.Candidate); err != nil {
		logger.WithCall(msg.CallID).Warn("Candidate rejected", zap.Error(err))
	}
}

func (s *Service) handleRemoteEnd(msg signaling.Message) {
	s.mu.Lock()
	entry, ok := s.entries[msg.CallID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.applyEvent(entry, domain.EventEnd); err != nil {
		return
	}

	logger.WithCall(msg.CallID).Info("Call ended by remote")
	s.auditLog.LogCallEnd(context.Background(), s.localUserID, msg.CallID, entry.session.Duration())
	s.cleanup(entry)
	s.handler.OnCallEnded(entry.session)
}

func (s *Service) handleRemoteReject(msg signaling.Message) {
	var payload signaling.RejectPayload
	_ = msg.Decode(&payload)
	if payload.Reason == "" {
		payload.Reason = "declined"
	}

	s.mu.Lock()
	entry, ok := s.entries[msg.CallID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.applyEvent(entry, domain.EventReject); err != nil {
		return
	}

	logger.WithCall(msg.CallID).Info("Call rejected by remote", zap.String("reason", payload.Reason))
	s.cleanup(entry)
	s.handler.OnCallRejected(entry.session, payload.Reason)
}

// handleSignalingLost fails every non-terminal session: without the channel no
// further negotiation or teardown messaging is possible.
func (s *Service) handleSignalingLost(reason string) {
	if s.metrics != nil {
		s.metrics.RecordSignalingError("disconnect")
	}
	logger.Warn("Signaling lost, failing active calls", zap.String("reason", reason))

	s.mu.Lock()
	affected := make([]*callEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if !entry.session.State.IsTerminal() {
			affected = append(affected, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range affected {
		if err := s.applyEvent(entry, domain.EventSignalingLost); err != nil {
			continue
		}
		s.mu.Lock()
		entry.session.EndedByConnectionLost = true
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordCallFailed("signaling_lost")
		}
		s.cleanup(entry)
		s.handler.OnError(entry.session.ID, errors.SignalingDisconnectedError(reason))
		s.handler.OnCallEnded(entry.session)
	}
}

// --- transport wiring ---

// setupTransport acquires media, resolves ICE servers and builds the peer
// session with its callbacks.
func (s *Service) setupTransport(ctx context.Context, entry *callEntry) error {
	stream, err := s.devices.Acquire(ctx, entry.opts.constraints())
	if err != nil {
		return err
	}

	servers, err := s.relay.ICEServers(ctx)
	if err != nil {
		stream.Stop()
		return errors.Wrap(errors.ErrCodeInternal, "failed to resolve ICE servers", err)
	}

	callID := entry.session.ID
	peerID := entry.session.PeerID

	sess, err := peer.NewSession(callID, peerID, servers)
	if err != nil {
		stream.Stop()
		return errors.NegotiationWrap("failed to build peer session", err)
	}

	sess.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		msg, err := signaling.NewMessage(signaling.TypeICECandidate, callID, s.localUserID, peerID,
			signaling.CandidatePayload{Candidate: candidate})
		if err != nil {
			return
		}
		if err := s.send(msg); err != nil {
			logger.WithCall(callID).Warn("Candidate send failed", zap.Error(err))
		}
	})
	sess.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.handleTransportState(callID, state)
	})

	for _, track := range stream.Tracks {
		if err := sess.AddTrack(track.Track); err != nil {
			sess.Close()
			stream.Stop()
			return errors.NegotiationWrap("failed to attach local track", err)
		}
	}

	s.mu.Lock()
	entry.peer = sess
	entry.stream = stream
	// Hand over candidates that arrived before the transport existed, still
	// under the lock so a concurrently dispatched candidate cannot jump ahead
	// of them. The session keeps buffering until the remote offer lands.
	buffered := entry.pendingCandidates
	entry.pendingCandidates = nil
	for _, candidate := range buffered {
		if err := sess.AddICECandidate(candidate); err != nil {
			logger.WithCall(callID).Warn("Buffered candidate rejected", zap.Error(err))
		}
	}
	s.mu.Unlock()

	return nil
}

func (s *Service) handleTransportState(callID string, state webrtc.PeerConnectionState) {
	s.mu.Lock()
	entry, ok := s.entries[callID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sessionState := entry.session.State
	reconnecting := entry.reconnecting
	s.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if reconnecting {
			select {
			case entry.transportUp <- struct{}{}:
			default:
			}
			return
		}
		if sessionState != domain.StateConnecting {
			return
		}
		if err := s.applyEvent(entry, domain.EventTransportConnected); err != nil {
			return
		}
		now := time.Now()
		s.mu.Lock()
		entry.session.ConnectedAt = &now
		s.mu.Unlock()

		logger.WithCall(callID).Info("Call connected")
		s.handler.OnCallConnected(entry.session)
		s.startMonitor(entry)

	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		switch {
		case sessionState == domain.StateConnected && !reconnecting:
			s.beginReconnect(entry)
		case sessionState == domain.StateConnecting && state == webrtc.PeerConnectionStateFailed:
			s.failSession(entry, errors.TransportFailedError("transport failed during negotiation"))
		}
	}
}

// --- helpers ---

// applyEvent runs the state machine and stamps terminal timestamps. It is the
// single place session state changes.
func (s *Service) applyEvent(entry *callEntry, event domain.CallEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := domain.Transition(entry.session.State, event)
	if err != nil {
		return errors.InvalidStateError(err.Error())
	}
	if next == entry.session.State {
		return nil
	}

	entry.session.State = next
	if next.IsTerminal() && entry.session.EndedAt == nil {
		now := time.Now()
		entry.session.EndedAt = &now
	}

	// Leaving ringing always disarms the timer
	if entry.ringingTimer != nil {
		entry.ringingTimer.Stop()
		entry.ringingTimer = nil
	}

	return nil
}

func (s *Service) peerBusyLocked(peerID string) bool {
	for _, entry := range s.entries {
		if entry.session.PeerID == peerID && !entry.session.State.IsTerminal() {
			return true
		}
	}
	return false
}

func (s *Service) send(msg signaling.Message) error {
	if s.metrics != nil {
		s.metrics.RecordSignalingMessage(string(msg.Type), "out")
	}
	return s.channel.Send(msg)
}

func (s *Service) sendOffer(ctx context.Context, entry *callEntry, iceRestart bool) error {
	offer, err := entry.peer.CreateOffer(ctx, iceRestart)
	if err != nil {
		return err
	}

	payload := signaling.OfferPayload{SDP: offer, ICERestart: iceRestart}
	if entry.session.GroupID != "" {
		s.mu.Lock()
		if group, ok := s.groups[entry.session.GroupID]; ok {
			payload.Group = true
			payload.GroupID = group.ID
			payload.Participants = group.ActiveParticipants()
		}
		s.mu.Unlock()
	}

	msg, err := signaling.NewMessage(signaling.TypeOffer, entry.session.ID, s.localUserID, entry.session.PeerID, payload)
	if err != nil {
		return err
	}
	if err := s.send(msg); err != nil {
		return errors.SignalingSendError(err)
	}
	return nil
}

func (s *Service) sendReject(callID, targetUserID, reason string) {
	msg, err := signaling.NewMessage(signaling.TypeCallRejected, callID, s.localUserID, targetUserID,
		signaling.RejectPayload{Reason: reason})
	if err != nil {
		return
	}
	if err := s.send(msg); err != nil {
		logger.WithCall(callID).Warn("Reject send failed", zap.Error(err))
	}
}

func (s *Service) armRingingTimer(entry *callEntry) {
	callID := entry.session.ID
	s.mu.Lock()
	entry.ringingTimer = time.AfterFunc(s.cfg.RingingTimeout, func() {
		s.handleRingingTimeout(callID)
	})
	s.mu.Unlock()
}

func (s *Service) handleRingingTimeout(callID string) {
	s.mu.Lock()
	entry, ok := s.entries[callID]
	if !ok || entry.session.State != domain.StateRinging {
		s.mu.Unlock()
		return
	}
	direction := entry.session.Direction
	peerID := entry.session.PeerID
	s.mu.Unlock()

	if err := s.applyEvent(entry, domain.EventRingingTimeout); err != nil {
		return
	}

	logger.WithCall(callID).Info("Ringing timed out")

	// The caller tells the callee to stop ringing; the callee just ends
	if direction == domain.DirectionOutgoing {
		msg, err := signaling.NewMessage(signaling.TypeCallEnd, callID, s.localUserID, peerID, nil)
		if err == nil {
			if sendErr := s.send(msg); sendErr != nil {
				logger.WithCall(callID).Warn("Timeout call-end send failed", zap.Error(sendErr))
			}
		}
	}

	s.cleanup(entry)
	s.handler.OnCallEnded(entry.session)
}

// failSetup tears down a call whose local setup never produced a ringing
// remote side
func (s *Service) failSetup(entry *callEntry, cause error) {
	_ = s.applyEvent(entry, domain.EventNegotiationFailed)
	if s.metrics != nil {
		s.metrics.RecordCallFailed(string(errors.GetAppError(cause).Code))
	}
	s.cleanup(entry)
	s.handler.OnError(entry.session.ID, cause)
}

// failSession fails a live session and reports it
func (s *Service) failSession(entry *callEntry, cause error) {
	if err := s.applyEvent(entry, domain.EventNegotiationFailed); err != nil {
		return
	}
	logger.WithCall(entry.session.ID).Error("Call failed", zap.Error(cause))
	if s.metrics != nil {
		s.metrics.RecordCallFailed(string(errors.GetAppError(cause).Code))
	}
	s.cleanup(entry)
	s.handler.OnError(entry.session.ID, cause)
	s.handler.OnCallEnded(entry.session)
}

// rejectFailedAnswer auto-rejects an incoming call whose answer path failed
func (s *Service) rejectFailedAnswer(ctx context.Context, entry *callEntry, cause error) {
	callID := entry.session.ID
	reason := string(errors.GetAppError(cause).Code)

	logger.WithCall(callID).Error("Answer failed, rejecting call", zap.Error(cause))
	s.sendReject(callID, entry.session.PeerID, reason)
	s.auditLog.LogCallReject(ctx, s.localUserID, callID, reason)

	_ = s.applyEvent(entry, domain.EventNegotiationFailed)
	if s.metrics != nil {
		s.metrics.RecordCallFailed(string(errors.GetAppError(cause).Code))
	}
	s.cleanup(entry)
	s.handler.OnCallEnded(entry.session)
}

// cleanup releases the runtime resources of a terminal session and removes it
// from the maps. Safe to call more than once.
func (s *Service) cleanup(entry *callEntry) {
	s.mu.Lock()
	if entry.ringingTimer != nil {
		entry.ringingTimer.Stop()
		entry.ringingTimer = nil
	}
	cancel := entry.monitorCancel
	entry.monitorCancel = nil
	peerSession := entry.peer
	stream := entry.stream
	screen := entry.screen
	session := entry.session
	recordEnd := !entry.cleaned
	entry.cleaned = true

	delete(s.entries, session.ID)
	if session.GroupID != "" {
		// A group still fanning out must survive early participant failures;
		// StartGroupCall prunes it itself once the fan-out is done
		if _, forming := s.forming[session.GroupID]; !forming {
			if group, ok := s.groups[session.GroupID]; ok {
				if len(group.ActiveParticipants()) == 0 {
					delete(s.groups, session.GroupID)
				}
			}
		}
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if peerSession != nil {
		peerSession.Close()
	}
	if stream != nil {
		stream.Stop()
	}
	if screen != nil {
		screen.Stop()
	}
	if s.metrics != nil && recordEnd {
		s.metrics.RecordCallEnded(string(session.Direction), session.Duration())
	}
}
