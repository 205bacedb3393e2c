package call

import (
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/domain"
)

// Handler receives call lifecycle events. All methods are invoked from the
// engine's dispatch goroutine, so implementations must not block.
// Embed NullHandler to implement only the events you care about.
type Handler interface {
	// OnCallReceived fires when an incoming offer creates a ringing session
	OnCallReceived(session *domain.CallSession)
	// OnCallStarted fires when a local startCall produced a ringing session
	OnCallStarted(session *domain.CallSession)
	// OnCallAnswered fires when the callee accepted (either side)
	OnCallAnswered(session *domain.CallSession)
	// OnCallConnected fires when the transport reaches connected
	OnCallConnected(session *domain.CallSession)
	// OnCallEnded fires exactly once when a session reaches a terminal state
	OnCallEnded(session *domain.CallSession)
	// OnCallRejected fires when the remote side declined
	OnCallRejected(session *domain.CallSession, reason string)

	// OnMuteChanged fires after a local mute toggle is applied
	OnMuteChanged(session *domain.CallSession, muted bool)
	// OnVideoChanged fires after a local camera toggle is applied
	OnVideoChanged(session *domain.CallSession, enabled bool)
	// OnDeviceSwitched fires after a device hot-swap completed
	OnDeviceSwitched(session *domain.CallSession, kind domain.DeviceKind, deviceID string)
	// OnScreenShareStarted fires after screen sharing begins
	OnScreenShareStarted(session *domain.CallSession)
	// OnScreenShareStopped fires after screen sharing ends
	OnScreenShareStopped(session *domain.CallSession)

	// OnQualityUpdate fires on every quality sample of a connected session
	OnQualityUpdate(session *domain.CallSession, sample domain.QualitySample)
	// OnReconnectionAttempt fires before each bounded reconnection attempt
	OnReconnectionAttempt(session *domain.CallSession, attempt int)
	// OnReconnectionSuccess fires when the transport is restored
	OnReconnectionSuccess(session *domain.CallSession)
	// OnReconnectionFailed fires exactly once when retries are exhausted
	OnReconnectionFailed(session *domain.CallSession)

	// OnError fires for failures not tied to another event
	OnError(callID string, err error)
}

// NullHandler is a no-op Handler for embedding
type NullHandler struct{}

func (NullHandler) OnCallReceived(*domain.CallSession)                                {}
func (NullHandler) OnCallStarted(*domain.CallSession)                                 {}
func (NullHandler) OnCallAnswered(*domain.CallSession)                                {}
func (NullHandler) OnCallConnected(*domain.CallSession)                               {}
func (NullHandler) OnCallEnded(*domain.CallSession)                                   {}
func (NullHandler) OnCallRejected(*domain.CallSession, string)                        {}
func (NullHandler) OnMuteChanged(*domain.CallSession, bool)                           {}
func (NullHandler) OnVideoChanged(*domain.CallSession, bool)                          {}
func (NullHandler) OnDeviceSwitched(*domain.CallSession, domain.DeviceKind, string)   {}
func (NullHandler) OnScreenShareStarted(*domain.CallSession)                          {}
func (NullHandler) OnScreenShareStopped(*domain.CallSession)                          {}
func (NullHandler) OnQualityUpdate(*domain.CallSession, domain.QualitySample)         {}
func (NullHandler) OnReconnectionAttempt(*domain.CallSession, int)                    {}
func (NullHandler) OnReconnectionSuccess(*domain.CallSession)                         {}
func (NullHandler) OnReconnectionFailed(*domain.CallSession)                          {}
func (NullHandler) OnError(string, error)                                             {}

var _ Handler = (*NullHandler)(nil)
