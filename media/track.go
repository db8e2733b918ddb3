package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrTrackStopped indicates a write to a stopped track.
var ErrTrackStopped = errors.New("media: track stopped")

// LocalTrack is a toggleable local track backed by a pion sample track.
type LocalTrack struct {
	sample *webrtc.TrackLocalStaticSample
	label  string

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded []func()
}

// NewAudioTrack returns an enabled Opus track.
func NewAudioTrack(streamID, label string) (*LocalTrack, error) {
	return newLocalTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, streamID, label)
}

// NewVideoTrack returns an enabled VP8 track.
func NewVideoTrack(streamID, label string) (*LocalTrack, error) {
	return newLocalTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, streamID, label)
}

func newLocalTrack(capability webrtc.RTPCodecCapability, streamID, label string) (*LocalTrack, error) {
	sample, err := webrtc.NewTrackLocalStaticSample(capability, uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", capability.MimeType, err)
	}
	return &LocalTrack{sample: sample, label: label, enabled: true}, nil
}

// ID returns the track id.
func (t *LocalTrack) ID() string { return t.sample.ID() }

// Label returns the device label the track was captured from.
func (t *LocalTrack) Label() string { return t.label }

// Kind reports whether the track carries audio or video.
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.sample.Kind() }

// Local exposes the pion track for attaching to a peer connection.
func (t *LocalTrack) Local() webrtc.TrackLocal { return t.sample }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stop ends the track from inside the application. Ended callbacks do not
// run; repeated calls are no-ops.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.onEnded = nil
}

// End marks the track as ended by its source, as when the OS revokes
// capture, and runs ended callbacks once.
func (t *LocalTrack) End() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	callbacks := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, f := range callbacks {
		f()
	}
}

// WriteSample forwards a sample to bound peers. Samples written while the
// track is disabled are dropped.
func (t *LocalTrack) WriteSample(sample pionmedia.Sample) error {
	t.mu.Lock()
	enabled, stopped := t.enabled, t.stopped
	t.mu.Unlock()

	if stopped {
		return ErrTrackStopped
	}
	if !enabled {
		return nil
	}
	return t.sample.WriteSample(sample)
}

func (t *LocalTrack) onEnd(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, f)
}
