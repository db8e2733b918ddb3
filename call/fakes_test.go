package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"chatline/clock"
	"chatline/media"
	"chatline/models"
	"chatline/storage"
	"chatline/transport"
)

var self = models.User{ID: "user-self", Name: "Ada"}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stops   int
}

func newFakeTrack(id string, kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Label() string             { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
}

func (t *fakeTrack) Stopped() bool {
	return t.stopCount() > 0
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeStream struct {
	id     string
	tracks []*fakeTrack

	mu     sync.Mutex
	onStop []func()
}

func newFakeStream(id string, kinds ...webrtc.RTPCodecType) *fakeStream {
	stream := &fakeStream{id: id}
	for i, kind := range kinds {
		stream.tracks = append(stream.tracks, newFakeTrack(fmt.Sprintf("%s-%s-%d", id, kind, i), kind))
	}
	return stream
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Tracks() []media.Track {
	out := make([]media.Track, 0, len(s.tracks))
	for _, track := range s.tracks {
		out = append(out, track)
	}
	return out
}

func (s *fakeStream) AudioTracks() []media.Track { return s.ofKind(webrtc.RTPCodecTypeAudio) }
func (s *fakeStream) VideoTracks() []media.Track { return s.ofKind(webrtc.RTPCodecTypeVideo) }

func (s *fakeStream) ofKind(kind webrtc.RTPCodecType) []media.Track {
	out := make([]media.Track, 0)
	for _, track := range s.tracks {
		if track.kind == kind {
			out = append(out, track)
		}
	}
	return out
}

func (s *fakeStream) OnExternalStop(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = append(s.onStop, f)
}

func (s *fakeStream) fireExternalStop() {
	s.mu.Lock()
	callbacks := append([]func(){}, s.onStop...)
	s.mu.Unlock()
	for _, f := range callbacks {
		f()
	}
}

func (s *fakeStream) assertStoppedOnce(t *testing.T) {
	t.Helper()
	for _, track := range s.tracks {
		require.Equal(t, 1, track.stopCount(), "track %s", track.id)
	}
}

// fakeAcquirer hands out queued streams. When gate is set Acquire blocks
// until the gate closes; honourCtx makes it give up when ctx ends.
type fakeAcquirer struct {
	mu         sync.Mutex
	streams    []*fakeStream
	err        error
	calls      []media.Constraints
	devices    []media.Device
	devicesErr error
	gate       chan struct{}
	entered    chan struct{}
	honourCtx  bool
}

func (a *fakeAcquirer) Acquire(ctx context.Context, constraints media.Constraints) (media.Stream, error) {
	a.mu.Lock()
	a.calls = append(a.calls, constraints)
	gate, entered, honourCtx := a.gate, a.entered, a.honourCtx
	a.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		if honourCtx {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-gate
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	if len(a.streams) == 0 {
		return nil, media.ErrAcquisitionFailed
	}
	stream := a.streams[0]
	a.streams = a.streams[1:]
	return stream, nil
}

func (a *fakeAcquirer) Devices(context.Context) ([]media.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.devicesErr != nil {
		return nil, a.devicesErr
	}
	return append([]media.Device(nil), a.devices...), nil
}

func (a *fakeAcquirer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []storage.CallEvent
}

func (r *fakeRecorder) RecordCallEvent(_ context.Context, event storage.CallEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *fakeRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Event)
	}
	return out
}

type harness struct {
	clock    *clock.FakeClock
	channel  *transport.Loopback
	acquirer *fakeAcquirer
	recorder *fakeRecorder
	manager  *Manager
}

func newHarness(t *testing.T, acquirer *fakeAcquirer) *harness {
	t.Helper()
	fake := clock.Fake(time.UnixMilli(10_000))
	channel := transport.NewLoopback(transport.LoopbackOptions{Clock: fake, ConnectDelay: -1})
	channel.Connect()
	recorder := &fakeRecorder{}

	manager, err := New(Options{
		Self:     self,
		Acquirer: acquirer,
		Channel:  channel,
		Recorder: recorder,
		Clock:    fake,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	return &harness{clock: fake, channel: channel, acquirer: acquirer, recorder: recorder, manager: manager}
}

// hookedChannel runs beforePublish ahead of each publish.
type hookedChannel struct {
	transport.Channel
	beforePublish func(event string)
}

func (c *hookedChannel) Publish(ctx context.Context, event string, args ...any) error {
	if c.beforePublish != nil {
		c.beforePublish(event)
	}
	return c.Channel.Publish(ctx, event, args...)
}
