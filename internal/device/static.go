package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/domain"
)

const (
	defaultMicID     = "default-mic"
	defaultCameraID  = "default-camera"
	defaultSpeakerID = "default-speaker"
	displayDeviceID  = "display"
)

// StaticProvider serves a fixed device listing and produces sample-fed pion
// tracks. It backs headless deployments and tests; a platform capture
// provider replaces it where real devices exist.
type StaticProvider struct {
	mu      sync.Mutex
	devices []domain.DeviceDescriptor
	denied  bool
}

// NewStaticProvider returns a provider with one microphone, one speaker and
// one camera.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		devices: []domain.DeviceDescriptor{
			{DeviceID: defaultMicID, Kind: domain.DeviceAudioInput, Label: "Default Microphone"},
			{DeviceID: defaultSpeakerID, Kind: domain.DeviceAudioOutput, Label: "Default Speaker"},
			{DeviceID: defaultCameraID, Kind: domain.DeviceVideoInput, Label: "Default Camera"},
		},
	}
}

// SetDevices replaces the listing. Used by tests to simulate hot-plug.
func (p *StaticProvider) SetDevices(devices []domain.DeviceDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = devices
}

// SetDenied makes every acquisition fail with a permission error
func (p *StaticProvider) SetDenied(denied bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denied = denied
}

// Enumerate lists the configured devices
func (p *StaticProvider) Enumerate(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.DeviceDescriptor, len(p.devices))
	copy(out, p.devices)
	return out, nil
}

// Acquire produces static sample tracks for the requested kinds
func (p *StaticProvider) Acquire(ctx context.Context, constraints Constraints) (*StreamHandle, error) {
	p.mu.Lock()
	denied := p.denied
	p.mu.Unlock()
	if denied {
		return nil, ErrPermissionDenied
	}
	if !constraints.Audio && !constraints.Video {
		return nil, fmt.Errorf("%w: neither audio nor video requested", ErrConstraints)
	}

	handle := &StreamHandle{}

	if constraints.Audio {
		deviceID := constraints.AudioDeviceID
		if deviceID == "" {
			deviceID = defaultMicID
		}
		if err := p.checkDevice(deviceID, domain.DeviceAudioInput); err != nil {
			return nil, err
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "call-agent")
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		handle.Tracks = append(handle.Tracks, &LocalTrack{
			Kind:     domain.DeviceAudioInput,
			DeviceID: deviceID,
			Track:    track,
			stop:     func() {},
		})
	}

	if constraints.Video {
		deviceID := constraints.VideoDeviceID
		if deviceID == "" {
			deviceID = defaultCameraID
		}
		if err := p.checkDevice(deviceID, domain.DeviceVideoInput); err != nil {
			handle.Stop()
			return nil, err
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "call-agent")
		if err != nil {
			handle.Stop()
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		handle.Tracks = append(handle.Tracks, &LocalTrack{
			Kind:     domain.DeviceVideoInput,
			DeviceID: deviceID,
			Track:    track,
			stop:     func() {},
		})
	}

	return handle, nil
}

// AcquireDisplay produces a screen capture video track
func (p *StaticProvider) AcquireDisplay(ctx context.Context) (*StreamHandle, error) {
	p.mu.Lock()
	denied := p.denied
	p.mu.Unlock()
	if denied {
		return nil, ErrPermissionDenied
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen", "call-agent")
	if err != nil {
		return nil, fmt.Errorf("failed to create screen track: %w", err)
	}
	return &StreamHandle{
		Tracks: []*LocalTrack{{
			Kind:     domain.DeviceVideoInput,
			DeviceID: displayDeviceID,
			Track:    track,
			stop:     func() {},
		}},
	}, nil
}

func (p *StaticProvider) checkDevice(deviceID string, kind domain.DeviceKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.devices {
		if d.DeviceID == deviceID && d.Kind == kind {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}
