package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatline/clock"
	"chatline/models"
)

const (
	// DefaultLoopbackConnectDelay simulates connection setup.
	DefaultLoopbackConnectDelay = 100 * time.Millisecond
	// DefaultLoopbackAckDelay is how long the loopback waits before
	// acknowledging a published message.
	DefaultLoopbackAckDelay = 500 * time.Millisecond
)

// LoopbackOptions configures a Loopback channel.
type LoopbackOptions struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// ConnectDelay is the simulated connection setup time. Negative values
	// connect synchronously.
	ConnectDelay time.Duration
	// AckDelay is the delay before a published message is acknowledged.
	AckDelay time.Duration
	// DisableAutoAck suppresses messageAck for published messages.
	DisableAutoAck bool
	// SeedRooms are announced as roomCreated once connected.
	SeedRooms []models.Room
}

// Loopback is an in-process channel that echoes published events back to
// local subscribers. Published messages are echoed once per id and
// acknowledged after AckDelay.
type Loopback struct {
	registry

	clock  clock.Clock
	logger *slog.Logger

	connectDelay time.Duration
	ackDelay     time.Duration
	autoAck      bool
	seedRooms    []models.Room

	mu        sync.Mutex
	state     State
	echoed    map[string]struct{}
	published []Event
	timers    map[clock.Timer]struct{}
}

// NewLoopback returns a disconnected loopback channel.
func NewLoopback(options LoopbackOptions) *Loopback {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.ConnectDelay == 0 {
		options.ConnectDelay = DefaultLoopbackConnectDelay
	}
	if options.AckDelay <= 0 {
		options.AckDelay = DefaultLoopbackAckDelay
	}
	return &Loopback{
		clock:        options.Clock,
		logger:       options.Logger,
		connectDelay: options.ConnectDelay,
		ackDelay:     options.AckDelay,
		autoAck:      !options.DisableAutoAck,
		seedRooms:    append([]models.Room(nil), options.SeedRooms...),
		state:        StateDisconnected,
		echoed:       make(map[string]struct{}),
		timers:       make(map[clock.Timer]struct{}),
	}
}

// State returns the current connection state.
func (l *Loopback) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connect starts the simulated connection. It is a no-op unless the channel
// is disconnected.
func (l *Loopback) Connect() {
	l.mu.Lock()
	if l.state != StateDisconnected {
		l.mu.Unlock()
		return
	}
	l.state = StateConnecting
	if l.connectDelay < 0 {
		l.mu.Unlock()
		l.finishConnect()
		return
	}
	l.scheduleLocked(l.connectDelay, l.finishConnect)
	l.mu.Unlock()
}

func (l *Loopback) finishConnect() {
	l.mu.Lock()
	if l.state != StateConnecting {
		l.mu.Unlock()
		return
	}
	l.state = StateConnected
	l.mu.Unlock()

	l.logger.Debug("loopback connected")
	if err := l.Publish(context.Background(), EventConnect); err != nil {
		l.logger.Warn("loopback connect event failed", "error", err)
	}
	for _, room := range l.seedRooms {
		if err := l.Inject(EventRoomCreated, room); err != nil {
			l.logger.Warn("loopback seed room failed", "room_id", room.ID, "error", err)
		}
	}
}

// Disconnect drops the simulated connection, cancels pending acks and
// forgets echoed ids. Subscriptions stay registered.
func (l *Loopback) Disconnect() {
	l.mu.Lock()
	if l.state == StateDisconnected {
		l.mu.Unlock()
		return
	}
	l.state = StateDisconnected
	for timer := range l.timers {
		timer.Stop()
	}
	l.timers = make(map[clock.Timer]struct{})
	l.echoed = make(map[string]struct{})
	l.mu.Unlock()

	l.logger.Debug("loopback disconnected")
	l.dispatch(Event{Name: EventDisconnect})
}

// Publish records the event and dispatches it to local subscribers.
func (l *Loopback) Publish(ctx context.Context, event string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := NewEvent(event, args...)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.state != StateConnected && event != EventConnect {
		l.mu.Unlock()
		l.logger.Debug("loopback publish while disconnected", "event", event)
		return ErrDisconnected
	}
	l.published = append(l.published, encoded)

	echo := true
	if event == EventMessage && len(encoded.Args) > 0 {
		id := messageID(encoded.Args[0])
		if id != "" {
			if _, seen := l.echoed[id]; seen {
				echo = false
			}
			l.echoed[id] = struct{}{}
			if l.autoAck {
				l.scheduleLocked(l.ackDelay, func() { l.ack(id) })
			}
		}
	}
	l.mu.Unlock()

	if echo {
		l.dispatch(encoded)
	}
	return nil
}

// Inject delivers an event as if it came from the remote side.
func (l *Loopback) Inject(event string, args ...any) error {
	encoded, err := NewEvent(event, args...)
	if err != nil {
		return err
	}
	if l.State() != StateConnected {
		return ErrDisconnected
	}
	l.dispatch(encoded)
	return nil
}

// Published returns every event accepted by Publish, in order.
func (l *Loopback) Published() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.published...)
}

// PublishedNamed returns the accepted events with the given name.
func (l *Loopback) PublishedNamed(name string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0)
	for _, event := range l.published {
		if event.Name == name {
			out = append(out, event)
		}
	}
	return out
}

func (l *Loopback) ack(messageID string) {
	if l.State() != StateConnected {
		return
	}
	if err := l.Inject(EventMessageAck, messageID); err != nil {
		l.logger.Debug("loopback ack dropped", "message_id", messageID, "error", err)
	}
}

// scheduleLocked must be called with l.mu held.
func (l *Loopback) scheduleLocked(d time.Duration, f func()) {
	var timer clock.Timer
	timer = l.clock.AfterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, timer)
		l.mu.Unlock()
		f()
	})
	l.timers[timer] = struct{}{}
}
