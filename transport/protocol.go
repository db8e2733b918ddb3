package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MB). File
	// messages carry their content inline, so frames can be large.
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultKeepAliveInterval sends a ping on an otherwise quiet socket.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
)

// Envelope is the wire form of an Event.
type Envelope struct {
	Type string            `json:"type"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// EncodeEvent marshals an event into one frame.
func EncodeEvent(event Event) ([]byte, error) {
	if event.Name == "" {
		return nil, ErrInvalidEvent
	}
	payload, err := json.Marshal(Envelope{Type: event.Name, Args: event.Args})
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", event.Name, err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	return payload, nil
}

// DecodeEvent parses one frame.
func DecodeEvent(payload []byte) (Event, error) {
	if len(payload) > MaxFrameSize {
		return Event{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return Event{}, ErrInvalidEvent
	}
	return Event{Name: envelope.Type, Args: envelope.Args}, nil
}

// messageID pulls the id field out of a message argument without decoding
// the whole record.
func messageID(raw json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}
