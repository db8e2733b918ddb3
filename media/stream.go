package media

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// LocalStream groups local tracks acquired by one request.
type LocalStream struct {
	id     string
	tracks []*LocalTrack

	mu            sync.Mutex
	externalStop  []func()
	externalFired bool
}

func newLocalStream() *LocalStream {
	return &LocalStream{id: uuid.NewString()}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []Track {
	out := make([]Track, 0, len(s.tracks))
	for _, track := range s.tracks {
		out = append(out, track)
	}
	return out
}

func (s *LocalStream) AudioTracks() []Track {
	return s.tracksOfKind(webrtc.RTPCodecTypeAudio)
}

func (s *LocalStream) VideoTracks() []Track {
	return s.tracksOfKind(webrtc.RTPCodecTypeVideo)
}

// LocalTracks returns the concrete tracks.
func (s *LocalStream) LocalTracks() []*LocalTrack {
	return append([]*LocalTrack(nil), s.tracks...)
}

// OnExternalStop registers f. If the stream already ended externally f runs
// immediately.
func (s *LocalStream) OnExternalStop(f func()) {
	s.mu.Lock()
	if s.externalFired {
		s.mu.Unlock()
		f()
		return
	}
	s.externalStop = append(s.externalStop, f)
	s.mu.Unlock()
}

// EndExternally simulates the OS ending capture: every live track ends and
// external-stop callbacks run once. A stream the application already stopped
// does not notify.
func (s *LocalStream) EndExternally() {
	live := false
	for _, track := range s.tracks {
		if !track.Stopped() {
			live = true
		}
		track.End()
	}
	if live {
		s.fireExternalStop()
	}
}

func (s *LocalStream) fireExternalStop() {
	s.mu.Lock()
	if s.externalFired {
		s.mu.Unlock()
		return
	}
	s.externalFired = true
	callbacks := s.externalStop
	s.externalStop = nil
	s.mu.Unlock()

	for _, f := range callbacks {
		f()
	}
}

func (s *LocalStream) add(track *LocalTrack) {
	s.tracks = append(s.tracks, track)
}

func (s *LocalStream) tracksOfKind(kind webrtc.RTPCodecType) []Track {
	out := make([]Track, 0)
	for _, track := range s.tracks {
		if track.Kind() == kind {
			out = append(out, track)
		}
	}
	return out
}
