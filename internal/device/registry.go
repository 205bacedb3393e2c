// Package device manages local capture devices and the tracks acquired from
// them. Acquisition goes through a Provider so the engine stays independent
// of how media is actually produced.
package device

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/domain"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/errors"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
)

// Provider sentinel errors. The registry translates these into the
// categorized application errors callers act on.
var (
	ErrPermissionDenied = stderrors.New("device permission denied")
	ErrDeviceNotFound   = stderrors.New("device not found")
	ErrConstraints      = stderrors.New("constraints unsatisfiable")
)

// Constraints selects which devices to acquire. Empty device ids mean the
// provider's default device of that kind.
type Constraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
}

// LocalTrack is one acquired outgoing track
type LocalTrack struct {
	Kind     domain.DeviceKind
	DeviceID string
	Track    webrtc.TrackLocal
	stop     func()
}

// Stop releases the underlying capture. Idempotent.
func (t *LocalTrack) Stop() {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

// StreamHandle groups the tracks acquired by a single request
type StreamHandle struct {
	Tracks []*LocalTrack
}

// TrackOfKind returns the first track of the given kind, or nil
func (h *StreamHandle) TrackOfKind(kind domain.DeviceKind) *LocalTrack {
	for _, t := range h.Tracks {
		if t.Kind == kind {
			return t
		}
	}
	return nil
}

// Stop releases every track in the handle
func (h *StreamHandle) Stop() {
	for _, t := range h.Tracks {
		t.Stop()
	}
}

// Provider produces device listings and capture tracks
type Provider interface {
	// Enumerate lists the devices currently available
	Enumerate(ctx context.Context) ([]domain.DeviceDescriptor, error)

	// Acquire opens capture tracks satisfying the constraints
	Acquire(ctx context.Context, constraints Constraints) (*StreamHandle, error)

	// AcquireDisplay opens a screen capture video track
	AcquireDisplay(ctx context.Context) (*StreamHandle, error)
}

// Registry fronts a Provider with error categorization and a cached device
// listing. Safe for concurrent use.
type Registry struct {
	provider Provider

	mu      sync.RWMutex
	devices domain.DeviceSet
}

// NewRegistry creates a registry over the given provider
func NewRegistry(provider Provider) *Registry {
	return &Registry{provider: provider}
}

// Refresh re-enumerates devices and caches the result
func (r *Registry) Refresh(ctx context.Context) (domain.DeviceSet, error) {
	listing, err := r.provider.Enumerate(ctx)
	if err != nil {
		return domain.DeviceSet{}, r.categorize(err, "", "")
	}

	set := domain.DeviceSet{}
	for _, d := range listing {
		switch d.Kind {
		case domain.DeviceAudioInput:
			set.AudioInputs = append(set.AudioInputs, d)
		case domain.DeviceAudioOutput:
			set.AudioOutputs = append(set.AudioOutputs, d)
		case domain.DeviceVideoInput:
			set.VideoInputs = append(set.VideoInputs, d)
		}
	}

	r.mu.Lock()
	r.devices = set
	r.mu.Unlock()

	logger.Debug("Device listing refreshed",
		zap.Int("audio_inputs", len(set.AudioInputs)),
		zap.Int("audio_outputs", len(set.AudioOutputs)),
		zap.Int("video_inputs", len(set.VideoInputs)))

	return set, nil
}

// Devices returns the cached listing, refreshing it on first use
func (r *Registry) Devices(ctx context.Context) (domain.DeviceSet, error) {
	r.mu.RLock()
	cached := r.devices
	r.mu.RUnlock()
	if len(cached.AudioInputs)+len(cached.AudioOutputs)+len(cached.VideoInputs) > 0 {
		return cached, nil
	}
	return r.Refresh(ctx)
}

// Acquire opens capture tracks for a call. Errors are categorized so the
// engine can distinguish denial, absence and unsatisfiable constraints.
func (r *Registry) Acquire(ctx context.Context, constraints Constraints) (*StreamHandle, error) {
	handle, err := r.provider.Acquire(ctx, constraints)
	if err != nil {
		kind := "microphone"
		deviceID := constraints.AudioDeviceID
		if constraints.Video {
			kind = "camera"
			deviceID = constraints.VideoDeviceID
		}
		return nil, r.categorize(err, kind, deviceID)
	}
	return handle, nil
}

// AcquireDisplay opens a screen capture track
func (r *Registry) AcquireDisplay(ctx context.Context) (*StreamHandle, error) {
	handle, err := r.provider.AcquireDisplay(ctx)
	if err != nil {
		return nil, r.categorize(err, "screen", "")
	}
	return handle, nil
}

func (r *Registry) categorize(err error, kind, deviceID string) error {
	switch {
	case stderrors.Is(err, ErrPermissionDenied):
		return errors.PermissionDeniedError(kind)
	case stderrors.Is(err, ErrDeviceNotFound):
		return errors.DeviceNotFoundError(deviceID)
	case stderrors.Is(err, ErrConstraints):
		return errors.ConstraintsError(err.Error())
	default:
		return errors.Wrap(errors.ErrCodeInternal, "device acquisition failed", err)
	}
}
