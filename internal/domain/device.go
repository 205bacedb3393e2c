package domain

// DeviceKind classifies a media device
type DeviceKind string

const (
	DeviceAudioInput  DeviceKind = "audioInput"
	DeviceAudioOutput DeviceKind = "audioOutput"
	DeviceVideoInput  DeviceKind = "videoInput"
)

// DeviceDescriptor is an immutable snapshot of one media device. Enumeration
// replaces descriptor sets wholesale; individual descriptors are never mutated.
type DeviceDescriptor struct {
	DeviceID string     `json:"device_id"`
	Kind     DeviceKind `json:"kind"`
	Label    string     `json:"label"`
}

// DeviceSet is the result of one enumeration pass
type DeviceSet struct {
	AudioInputs  []DeviceDescriptor `json:"audio_inputs"`
	AudioOutputs []DeviceDescriptor `json:"audio_outputs"`
	VideoInputs  []DeviceDescriptor `json:"video_inputs"`
}
