package models

// MessageKind classifies message content.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindCustom MessageKind = "custom"
)

// MessageStatus is the delivery state of a message.
//
// Received, read and delivered are reserved for remote receipts and are not
// driven by the delivery coordinator.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusFailed    MessageStatus = "failed"
	StatusDeleted   MessageStatus = "deleted"
	StatusReceived  MessageStatus = "received"
	StatusRead      MessageStatus = "read"
	StatusDelivered MessageStatus = "delivered"
)

// Metadata keys used by file messages.
const (
	MetaMimeType = "type"
	MetaSize     = "size"
	MetaData     = "data"
)

// Message is one chat message as carried on the wire and kept in storage.
type Message struct {
	ID         string         `json:"id"`
	RoomID     string         `json:"roomId"`
	Text       string         `json:"text"`
	Sender     User           `json:"sender"`
	Timestamp  int64          `json:"timestamp"`
	Kind       MessageKind    `json:"type"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     MessageStatus  `json:"status,omitempty"`
	RetryCount int            `json:"retryCount"`
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	out := m
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// IsDeleted reports whether the message carries a local tombstone.
func (m Message) IsDeleted() bool {
	return m.Status == StatusDeleted
}

// ValidKind reports whether kind is one of the known message kinds.
func ValidKind(kind MessageKind) bool {
	switch kind {
	case KindText, KindFile, KindCustom:
		return true
	default:
		return false
	}
}

// ValidStatus reports whether status is one of the known message statuses.
func ValidStatus(status MessageStatus) bool {
	switch status {
	case StatusSending, StatusSent, StatusFailed, StatusDeleted, StatusReceived, StatusRead, StatusDelivered:
		return true
	default:
		return false
	}
}
