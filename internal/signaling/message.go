// Package signaling implements the duplex message channel to the call
// coordination server. The channel is a typed pass-through: payloads are
// carried opaquely and interpreted by the lifecycle engine, never here.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type tags a signaling message
type Type string

const (
	TypeOffer           Type = "offer"
	TypeAnswer          Type = "answer"
	TypeICECandidate    Type = "ice-candidate"
	TypeCallEnd         Type = "call-end"
	TypeCallRejected    Type = "call-rejected"
	TypeConsentRequest  Type = "consent-request"
	TypeConsentResponse Type = "consent-response"
	TypeError           Type = "error"
)

// Message is one signaling frame. Messages for a given callId are delivered
// to handlers in arrival order.
type Message struct {
	Type         Type            `json:"type"`
	CallID       string          `json:"callId"`
	FromUserID   string          `json:"fromUserId"`
	TargetUserID string          `json:"targetUserId"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// OfferPayload carries a session description offer. Group offers are flagged
// so the callee can attach the session to a shared group call.
type OfferPayload struct {
	SDP          webrtc.SessionDescription `json:"sdp"`
	Group        bool                      `json:"group,omitempty"`
	GroupID      string                    `json:"groupId,omitempty"`
	Participants []string                  `json:"participants,omitempty"`
	ICERestart   bool                      `json:"iceRestart,omitempty"`
}

// AnswerPayload carries a session description answer
type AnswerPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// CandidatePayload carries one ICE candidate
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// RejectPayload explains a call-rejected message
type RejectPayload struct {
	Reason string `json:"reason,omitempty"` // declined, busy, timeout
}

// ConsentRequestPayload asks a participant to approve a gated capability
type ConsentRequestPayload struct {
	ConsentType string `json:"consentType"` // recording, screen_share
	RequestID   string `json:"requestId"`
}

// ConsentResponsePayload answers a consent request. The requestId echoes the
// request so concurrent consent rounds route unambiguously.
type ConsentResponsePayload struct {
	Granted   bool   `json:"granted"`
	RequestID string `json:"requestId"`
}

// ErrorPayload reports a channel-level error
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewMessage builds a message with a marshalled payload
func NewMessage(t Type, callID, fromUserID, targetUserID string, payload any) (Message, error) {
	msg := Message{
		Type:         t,
		CallID:       callID,
		FromUserID:   fromUserID,
		TargetUserID: targetUserID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into v
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}
