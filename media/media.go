// Package media acquires local capture streams. Tracks are pion local
// sample tracks so a stream can be handed straight to a peer connection.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied indicates the user or OS refused capture access.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrDeviceNotFound indicates no device satisfies the request.
	ErrDeviceNotFound = errors.New("media: device not found")
	// ErrAcquisitionFailed covers every other capture failure.
	ErrAcquisitionFailed = errors.New("media: acquisition failed")
)

// SourceKind selects what to capture.
type SourceKind int

const (
	SourceMicrophoneAndCamera SourceKind = iota
	SourceScreen
)

func (k SourceKind) String() string {
	switch k {
	case SourceMicrophoneAndCamera:
		return "microphone_and_camera"
	case SourceScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// Constraints describes one acquisition request.
type Constraints struct {
	Source SourceKind
	// Video requests a camera track alongside the microphone.
	Video bool
	// SourceID names the display to capture. Empty means the primary one.
	SourceID string
}

// MicrophoneAndCamera requests audio, plus video when video is true.
func MicrophoneAndCamera(video bool) Constraints {
	return Constraints{Source: SourceMicrophoneAndCamera, Video: video}
}

// ScreenCapture requests a display capture of sourceID.
func ScreenCapture(sourceID string) Constraints {
	return Constraints{Source: SourceScreen, SourceID: sourceID}
}

// DeviceKind classifies a capture device.
type DeviceKind string

const (
	DeviceAudioInput DeviceKind = "audioinput"
	DeviceVideoInput DeviceKind = "videoinput"
	DeviceDisplay    DeviceKind = "display"
)

// Display surfaces.
const (
	SurfaceMonitor = "monitor"
	SurfaceWindow  = "window"
	SurfaceBrowser = "browser"
)

// Device is one capture-eligible device.
type Device struct {
	ID      string
	Label   string
	Kind    DeviceKind
	Surface string
}

// Track is one local media track.
type Track interface {
	ID() string
	Label() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop ends the track. Repeated calls are no-ops.
	Stop()
	Stopped() bool
}

// Stream is a set of tracks acquired together.
type Stream interface {
	ID() string
	Tracks() []Track
	AudioTracks() []Track
	VideoTracks() []Track
	// OnExternalStop registers f to run when capture is stopped outside the
	// application, for example through the OS sharing indicator.
	OnExternalStop(f func())
}

// Acquirer is the capture capability.
type Acquirer interface {
	// Acquire may block for as long as the user takes to answer a
	// permission prompt; it returns early with ctx.Err() when ctx ends.
	Acquire(ctx context.Context, constraints Constraints) (Stream, error)
	Devices(ctx context.Context) ([]Device, error)
}

// DisplaySources filters devices down to capture-eligible displays.
func DisplaySources(devices []Device) []Device {
	out := make([]Device, 0)
	for _, device := range devices {
		if device.Kind == DeviceDisplay {
			out = append(out, device)
		}
	}
	return out
}
