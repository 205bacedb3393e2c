package domain

import (
	"time"

	"github.com/google/uuid"
)

// Direction indicates which side initiated a call session
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// CallState is the lifecycle state of a call session.
// Keep values stable because they are part of the event payloads.
type CallState string

const (
	// StateRinging means the call is waiting to be answered
	StateRinging CallState = "ringing"
	// StateConnecting means the answer was produced and the transport is negotiating
	StateConnecting CallState = "connecting"
	// StateConnected means media is flowing
	StateConnected CallState = "connected"
	// StateReconnecting means the transport degraded and bounded retries are running
	StateReconnecting CallState = "reconnecting"
	// StateEnded means the call finished normally (hangup, cancel, timeout)
	StateEnded CallState = "ended"
	// StateRejected means the callee declined
	StateRejected CallState = "rejected"
	// StateFailed means negotiation, transport, or signaling failed terminally
	StateFailed CallState = "failed"
)

// IsTerminal reports whether the state admits no further transitions
func (s CallState) IsTerminal() bool {
	switch s {
	case StateEnded, StateRejected, StateFailed:
		return true
	}
	return false
}

// CallSession is one negotiated or negotiating call with a single remote party.
// It is created on startCall or on an incoming offer and mutated only by the
// lifecycle engine and the reconnection monitor.
type CallSession struct {
	ID        string    `json:"call_id"`
	Direction Direction `json:"direction"`
	PeerID    string    `json:"peer_id"`
	State     CallState `json:"state"`
	GroupID   string    `json:"group_id,omitempty"`

	AudioEnabled bool `json:"audio_enabled"`
	VideoEnabled bool `json:"video_enabled"`
	Muted        bool `json:"muted"`
	ScreenShare  bool `json:"screen_share"`

	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	// EndedByConnectionLost is set when the signaling channel dropped and no
	// further negotiation was possible
	EndedByConnectionLost bool `json:"ended_by_connection_lost,omitempty"`

	QualitySample *QualitySample `json:"quality_sample,omitempty"`
}

// Duration returns the connected duration of the session, zero if it never connected
func (s *CallSession) Duration() time.Duration {
	if s.ConnectedAt == nil {
		return 0
	}
	end := time.Now()
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(*s.ConnectedAt)
}

// GroupCallSession is a named call with N participant sessions sharing one id.
// The engine owns the participant map; partial failure of one participant does
// not affect the others.
type GroupCallSession struct {
	ID           string                  `json:"group_id"`
	InitiatorID  string                  `json:"initiator_id"`
	Direction    Direction               `json:"direction"`
	Participants map[string]*CallSession `json:"participants"` // peerID -> session
	StartedAt    time.Time               `json:"started_at"`
}

// ActiveParticipants returns the peer ids whose sessions are non-terminal
func (g *GroupCallSession) ActiveParticipants() []string {
	var active []string
	for peerID, s := range g.Participants {
		if !s.State.IsTerminal() {
			active = append(active, peerID)
		}
	}
	return active
}

// NewCallID generates a fresh opaque call identifier
func NewCallID() string {
	return uuid.New().String()
}
