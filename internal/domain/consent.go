package domain

import "time"

// ConsentCapability names a capability gated behind explicit user consent
type ConsentCapability string

const (
	ConsentScreenShare ConsentCapability = "screen_share"
	ConsentRecording   ConsentCapability = "recording"
)

// ConsentRecord captures one consent decision for a call and capability.
// For group recording consent the participant decisions are listed
// individually; a single denial blocks the capability.
type ConsentRecord struct {
	CallID       string            `json:"call_id"`
	Capability   ConsentCapability `json:"capability"`
	Granted      bool              `json:"granted"`
	DecidedAt    time.Time         `json:"decided_at"`
	Participants []ConsentDecision `json:"participants,omitempty"`
}

// ConsentDecision is one participant's answer in a group consent round
type ConsentDecision struct {
	PeerID    string    `json:"peer_id"`
	Granted   bool      `json:"granted"`
	TimedOut  bool      `json:"timed_out,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// DeniedBy returns the ids of participants who declined or timed out
func (r *ConsentRecord) DeniedBy() []string {
	var denied []string
	for _, d := range r.Participants {
		if !d.Granted {
			denied = append(denied, d.PeerID)
		}
	}
	return denied
}
