// Package transport carries named events between this client and a remote
// counterpart. Channels are at-least-once and make no ordering promise
// across independent publishes.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Event names carried on a channel.
const (
	EventMessage     = "message"
	EventMessageAck  = "messageAck"
	EventRoomCreated = "roomCreated"
	EventRoomUpdated = "roomUpdated"
	EventCallStarted = "callStarted"
	EventCallEnded   = "callEnded"
	EventConnect     = "connect"
	EventDisconnect  = "disconnect"
)

var (
	// ErrDisconnected indicates a publish on a channel that is not connected.
	ErrDisconnected = errors.New("transport: disconnected")
	// ErrFrameTooLarge indicates an encoded event exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("transport: frame exceeds max size")
	// ErrInvalidEvent indicates a frame without an event name.
	ErrInvalidEvent = errors.New("transport: invalid event")
)

// State is the connection state of a channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Event is one named event with JSON-encoded positional arguments.
type Event struct {
	Name string
	Args []json.RawMessage
}

// Decode unmarshals argument i into v.
func (e Event) Decode(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return fmt.Errorf("event %q: missing argument %d", e.Name, i)
	}
	if err := json.Unmarshal(e.Args[i], v); err != nil {
		return fmt.Errorf("event %q: decode argument %d: %w", e.Name, i, err)
	}
	return nil
}

// Handler receives dispatched events. Handlers may be called from any
// goroutine and must not block for long.
type Handler func(Event)

// Subscription identifies one registered handler. Pass it to Unsubscribe to
// release the handler.
type Subscription struct {
	id    string
	event string
}

// Event returns the event name the subscription listens to.
func (s Subscription) Event() string {
	return s.event
}

// Channel is a named-event pub/sub link.
type Channel interface {
	// Subscribe registers handler for event.
	Subscribe(event string, handler Handler) Subscription
	// Unsubscribe releases a handler. Unknown subscriptions are ignored.
	Unsubscribe(sub Subscription)
	// Publish sends event with args. It returns ErrDisconnected when the
	// channel is not connected, except for the connect lifecycle event.
	Publish(ctx context.Context, event string, args ...any) error
	// State reports the current connection state.
	State() State
}

// NewEvent encodes args into an Event.
func NewEvent(name string, args ...any) (Event, error) {
	if name == "" {
		return Event{}, ErrInvalidEvent
	}
	encoded := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Event{}, fmt.Errorf("event %q: encode argument %d: %w", name, i, err)
		}
		encoded = append(encoded, raw)
	}
	return Event{Name: name, Args: encoded}, nil
}
