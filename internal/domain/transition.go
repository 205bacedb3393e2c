package domain

import "fmt"

// CallEvent is an input to the call state machine
type CallEvent string

const (
	// EventPeerAccepted fires on the caller side when the remote answer arrives
	EventPeerAccepted CallEvent = "peer_accepted"
	// EventAnswer fires on the callee side when the local user answers
	EventAnswer CallEvent = "answer"
	// EventTransportConnected fires when the peer transport reaches connected
	EventTransportConnected CallEvent = "transport_connected"
	// EventRingingTimeout fires when the fixed ringing timer expires
	EventRingingTimeout CallEvent = "ringing_timeout"
	// EventCancel fires when the caller cancels while ringing
	EventCancel CallEvent = "cancel"
	// EventReject fires when the callee declines (locally or via call-rejected)
	EventReject CallEvent = "reject"
	// EventNegotiationFailed fires when offer/answer application fails
	EventNegotiationFailed CallEvent = "negotiation_failed"
	// EventTransportFailed fires when the monitor classifies the transport as reconnectable-failed
	EventTransportFailed CallEvent = "transport_failed"
	// EventReconnectSuccess fires when an ICE restart restores the transport
	EventReconnectSuccess CallEvent = "reconnect_success"
	// EventRetriesExhausted fires when bounded reconnection gives up
	EventRetriesExhausted CallEvent = "retries_exhausted"
	// EventEnd fires on local endCall or a remote call-end message
	EventEnd CallEvent = "end"
	// EventSignalingLost fires when the signaling channel disconnects
	EventSignalingLost CallEvent = "signaling_lost"
)

// Transition is the pure state-transition function of the call state machine.
// It returns the successor state for (state, event) or an error when the event
// is not legal in the given state. Callers mutate the session only with the
// returned state; no other code may write CallSession.State.
func Transition(state CallState, event CallEvent) (CallState, error) {
	// Terminal states absorb every event except the idempotent end
	if state.IsTerminal() {
		if event == EventEnd {
			return state, nil
		}
		return state, fmt.Errorf("event %q not allowed in terminal state %q", event, state)
	}

	// Signaling loss fails any non-terminal session
	if event == EventSignalingLost {
		return StateFailed, nil
	}

	switch state {
	case StateRinging:
		switch event {
		case EventPeerAccepted, EventAnswer:
			return StateConnecting, nil
		case EventRingingTimeout, EventCancel, EventEnd:
			return StateEnded, nil
		case EventReject:
			return StateRejected, nil
		case EventNegotiationFailed:
			return StateFailed, nil
		}

	case StateConnecting:
		switch event {
		case EventTransportConnected:
			return StateConnected, nil
		case EventNegotiationFailed, EventTransportFailed:
			return StateFailed, nil
		case EventEnd, EventCancel:
			return StateEnded, nil
		case EventReject:
			return StateRejected, nil
		}

	case StateConnected:
		switch event {
		case EventTransportFailed:
			return StateReconnecting, nil
		case EventEnd:
			return StateEnded, nil
		case EventNegotiationFailed:
			return StateFailed, nil
		}

	case StateReconnecting:
		switch event {
		case EventReconnectSuccess:
			return StateConnected, nil
		case EventRetriesExhausted, EventNegotiationFailed:
			return StateFailed, nil
		case EventEnd:
			return StateEnded, nil
		}
	}

	return state, fmt.Errorf("event %q not allowed in state %q", event, state)
}
