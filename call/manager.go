// Package call drives the local side of a call: it acquires capture media,
// tracks the session state and guarantees the stream is released exactly
// once however the call ends.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatline/clock"
	"chatline/media"
	"chatline/models"
	"chatline/storage"
	"chatline/transport"
)

// State is the call lifecycle state.
type State string

const (
	StateIdle            State = "idle"
	StateSelectingSource State = "selecting_source"
	StateAcquiringMedia  State = "acquiring_media"
	StateActive          State = "active"
	StateError           State = "error"
)

var (
	// ErrNoRoomSelected indicates a call started without a room.
	ErrNoRoomSelected = errors.New("call: no room selected")
	// ErrInvalidState indicates an operation not allowed in the current state.
	ErrInvalidState = errors.New("call: invalid state")
	// ErrAbandoned indicates the call was ended while media was being
	// acquired. The late stream, if any, has been released.
	ErrAbandoned = errors.New("call: abandoned during acquisition")
	// ErrNoTrack indicates a toggle on a kind of track the call lacks.
	ErrNoTrack = errors.New("call: no such track")
)

// Session is a snapshot of the call.
type Session struct {
	State        State
	Type         models.CallType
	RoomID       string
	Stream       media.Stream
	Participants []models.User
	// Error is the user-facing message for the last failure.
	Error string
	// Sources lists the display sources offered while selecting a source.
	Sources   []media.Device
	StartedAt time.Time
}

// IsActive reports whether media is flowing.
func (s Session) IsActive() bool {
	return s.State == StateActive
}

// ChangeFunc receives a session snapshot after every transition.
type ChangeFunc func(Session)

// Recorder stores the call log.
type Recorder interface {
	RecordCallEvent(ctx context.Context, event storage.CallEvent) error
}

// Options configures a Manager.
type Options struct {
	Self     models.User
	Acquirer media.Acquirer
	Channel  transport.Channel
	Recorder Recorder
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Manager is the call session state machine. It is the only owner of the
// acquired stream.
type Manager struct {
	self     models.User
	acquirer media.Acquirer
	channel  transport.Channel
	recorder Recorder
	clock    clock.Clock
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	callType     models.CallType
	roomID       string
	stream       media.Stream
	participants []models.User
	errMsg       string
	sources      []media.Device
	startedAt    time.Time

	// generation invalidates in-flight acquisitions and stream callbacks
	// whenever the session is reset.
	generation uint64
	cancel     context.CancelFunc

	listeners []ChangeFunc
}

// New returns an idle manager.
func New(options Options) (*Manager, error) {
	if options.Acquirer == nil {
		return nil, errors.New("call: acquirer is required")
	}
	if options.Channel == nil {
		return nil, errors.New("call: channel is required")
	}
	if options.Self.ID == "" {
		return nil, errors.New("call: self user id is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Manager{
		self:     options.Self,
		acquirer: options.Acquirer,
		channel:  options.Channel,
		recorder: options.Recorder,
		clock:    options.Clock,
		logger:   options.Logger,
		state:    StateIdle,
	}, nil
}

// OnChange registers f to receive a snapshot after every transition.
func (m *Manager) OnChange(f ChangeFunc) {
	if f == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, f)
}

// Session returns the current snapshot.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// StartCall begins a call of callType in roomID. A screen call without
// sourceID enters source selection and returns; every other call blocks
// until media is acquired, acquisition fails, or the call is abandoned.
func (m *Manager) StartCall(ctx context.Context, callType models.CallType, roomID, sourceID string) error {
	if !models.ValidCallType(callType) {
		return fmt.Errorf("invalid call type %q", callType)
	}

	m.mu.Lock()
	if m.state != StateIdle && m.state != StateError {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: start call while %s", ErrInvalidState, state)
	}
	if roomID == "" {
		m.errMsg = MessageNoRoom
		snapshot := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snapshot)
		return ErrNoRoomSelected
	}
	if callType == models.CallScreen && sourceID == "" {
		m.state = StateSelectingSource
		m.callType = callType
		m.roomID = roomID
		m.errMsg = ""
		m.generation++
		gen := m.generation
		snapshot := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snapshot)

		m.loadSources(ctx, gen)
		return nil
	}
	m.mu.Unlock()

	return m.acquire(ctx, callType, roomID, sourceID)
}

// SelectSource picks the display to share and proceeds to acquisition.
func (m *Manager) SelectSource(ctx context.Context, sourceID string) error {
	m.mu.Lock()
	if m.state != StateSelectingSource {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: select source while %s", ErrInvalidState, state)
	}
	roomID := m.roomID
	m.mu.Unlock()

	if sourceID == "" {
		sourceID = m.firstSource()
	}
	return m.acquire(ctx, models.CallScreen, roomID, sourceID)
}

// CancelSelection leaves source selection without starting a call.
func (m *Manager) CancelSelection() error {
	m.mu.Lock()
	if m.state != StateSelectingSource {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: cancel selection while %s", ErrInvalidState, state)
	}
	m.resetLocked()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snapshot)
	return nil
}

// EndCall ends the call from any state. An active call with a room
// publishes callEnded before local teardown. Pending acquisitions are
// abandoned. Repeated calls are no-ops.
func (m *Manager) EndCall(ctx context.Context) {
	m.mu.Lock()
	wasActive := m.state == StateActive
	roomID, callType, startedAt := m.roomID, m.callType, m.startedAt
	gen := m.generation
	m.mu.Unlock()

	if wasActive && roomID != "" {
		if err := m.channel.Publish(ctx, transport.EventCallEnded, roomID); err != nil {
			m.logger.Warn("publish call ended failed", "room_id", roomID, "error", err)
		}
	}

	m.mu.Lock()
	// An external stop while publishing already recorded the end.
	if m.generation != gen {
		wasActive = false
	}
	changed := m.state != StateIdle || m.stream != nil || m.errMsg != ""
	m.resetLocked()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if wasActive {
		m.record(ctx, storage.CallEvent{
			RoomID:     roomID,
			CallType:   callType,
			Event:      storage.CallEventEnded,
			DurationMS: m.clock.Now().Sub(startedAt).Milliseconds(),
		})
		m.logger.Info("call ended", "room_id", roomID, "type", string(callType))
	}
	if changed {
		m.emit(snapshot)
	}
}

// Close ends any call in progress.
func (m *Manager) Close() {
	m.EndCall(context.Background())
}

// ToggleAudio flips every audio track of the active call and returns the
// new enabled state.
func (m *Manager) ToggleAudio() (bool, error) {
	return m.toggle(func(s media.Stream) []media.Track { return s.AudioTracks() })
}

// ToggleVideo flips every video track of the active call and returns the
// new enabled state.
func (m *Manager) ToggleVideo() (bool, error) {
	return m.toggle(func(s media.Stream) []media.Track { return s.VideoTracks() })
}

func (m *Manager) toggle(pick func(media.Stream) []media.Track) (bool, error) {
	m.mu.Lock()
	if m.state != StateActive || m.stream == nil {
		state := m.state
		m.mu.Unlock()
		return false, fmt.Errorf("%w: toggle while %s", ErrInvalidState, state)
	}
	tracks := pick(m.stream)
	if len(tracks) == 0 {
		m.mu.Unlock()
		return false, ErrNoTrack
	}
	enabled := !tracks[0].Enabled()
	for _, track := range tracks {
		track.SetEnabled(enabled)
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snapshot)
	return enabled, nil
}

func (m *Manager) acquire(ctx context.Context, callType models.CallType, roomID, sourceID string) error {
	constraints := media.MicrophoneAndCamera(callType == models.CallVideo)
	if callType == models.CallScreen {
		constraints = media.ScreenCapture(sourceID)
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.state == StateAcquiringMedia || m.state == StateActive {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: acquire while %s", ErrInvalidState, state)
	}
	m.state = StateAcquiringMedia
	m.callType = callType
	m.roomID = roomID
	m.errMsg = ""
	m.sources = nil
	m.generation++
	gen := m.generation
	m.cancel = cancel
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snapshot)

	stream, err := m.acquirer.Acquire(acquireCtx, constraints)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if stream != nil {
			stopTracks(stream)
		}
		m.logger.Info("discarding media acquired after call was abandoned", "room_id", roomID, "type", string(callType))
		return ErrAbandoned
	}
	m.cancel = nil

	if err != nil {
		m.state = StateError
		m.errMsg = UserMessage(callType, err)
		snapshot := m.snapshotLocked()
		m.mu.Unlock()

		m.logger.Warn("media acquisition failed", "room_id", roomID, "type", string(callType), "error", err)
		m.record(ctx, storage.CallEvent{
			RoomID:   roomID,
			CallType: callType,
			Event:    storage.CallEventError,
			Detail:   snapshot.Error,
		})
		m.emit(snapshot)
		return fmt.Errorf("start %s call: %w", callType, err)
	}

	m.state = StateActive
	m.stream = stream
	m.participants = []models.User{m.self}
	m.startedAt = m.clock.Now()
	snapshot = m.snapshotLocked()
	m.mu.Unlock()

	stream.OnExternalStop(func() { m.externalStop(gen) })

	m.logger.Info("call started", "room_id", roomID, "type", string(callType), "stream_id", stream.ID())
	m.record(ctx, storage.CallEvent{RoomID: roomID, CallType: callType, Event: storage.CallEventStarted})
	if err := m.channel.Publish(ctx, transport.EventCallStarted, roomID, m.self); err != nil {
		m.logger.Debug("publish call started failed", "room_id", roomID, "error", err)
	}
	m.emit(snapshot)
	return nil
}

func (m *Manager) externalStop(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateActive {
		m.mu.Unlock()
		return
	}
	roomID, callType, startedAt := m.roomID, m.callType, m.startedAt
	m.resetLocked()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("capture stopped externally", "room_id", roomID, "type", string(callType))
	m.record(context.Background(), storage.CallEvent{
		RoomID:     roomID,
		CallType:   callType,
		Event:      storage.CallEventExternalStop,
		DurationMS: m.clock.Now().Sub(startedAt).Milliseconds(),
	})
	m.emit(snapshot)
}

func (m *Manager) loadSources(ctx context.Context, gen uint64) {
	devices, err := m.acquirer.Devices(ctx)

	m.mu.Lock()
	if gen != m.generation || m.state != StateSelectingSource {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.errMsg = MessageSourcesUnavailable
		m.logger.Warn("list display sources failed", "error", err)
	} else {
		m.sources = media.DisplaySources(devices)
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snapshot)
}

func (m *Manager) firstSource() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sources) == 0 {
		return ""
	}
	return m.sources[0].ID
}

// resetLocked returns the session to idle. It must be called with m.mu
// held and is safe to repeat: the stream is released only the first time.
func (m *Manager) resetLocked() {
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.stream != nil {
		stopTracks(m.stream)
		m.stream = nil
	}
	m.state = StateIdle
	m.callType = ""
	m.roomID = ""
	m.participants = nil
	m.errMsg = ""
	m.sources = nil
	m.startedAt = time.Time{}
}

func (m *Manager) snapshotLocked() Session {
	return Session{
		State:        m.state,
		Type:         m.callType,
		RoomID:       m.roomID,
		Stream:       m.stream,
		Participants: append([]models.User(nil), m.participants...),
		Error:        m.errMsg,
		Sources:      append([]media.Device(nil), m.sources...),
		StartedAt:    m.startedAt,
	}
}

func (m *Manager) emit(snapshot Session) {
	m.mu.Lock()
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.mu.Unlock()

	for _, f := range listeners {
		f(snapshot)
	}
}

func (m *Manager) record(ctx context.Context, event storage.CallEvent) {
	if m.recorder == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = clock.UnixMilli(m.clock)
	}
	if err := m.recorder.RecordCallEvent(ctx, event); err != nil {
		m.logger.Warn("record call event failed", "room_id", event.RoomID, "event", event.Event, "error", err)
	}
}

func stopTracks(stream media.Stream) {
	for _, track := range stream.Tracks() {
		track.Stop()
	}
}
