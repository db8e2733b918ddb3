package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatline/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrStorageUnavailable indicates the database could not be opened.
	ErrStorageUnavailable = errors.New("storage: unavailable")
	// ErrDuplicateKey indicates an insert collided with an existing id.
	ErrDuplicateKey = errors.New("storage: duplicate key")
)

const (
	// CallEventStarted marks a call reaching the active state.
	CallEventStarted = "started"
	// CallEventEnded marks an explicit hang-up.
	CallEventEnded = "ended"
	// CallEventExternalStop marks a capture stopped outside the app.
	CallEventExternalStop = "external_stop"
	// CallEventError marks a call that could not acquire media.
	CallEventError = "error"
)

// CallEvent is one entry in the local call log.
type CallEvent struct {
	ID         int64
	RoomID     string
	CallType   models.CallType
	Event      string
	Detail     string
	DurationMS int64
	Timestamp  int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateMessage(message models.Message) error {
	if message.ID == "" {
		return errors.New("message id is required")
	}
	if message.RoomID == "" {
		return errors.New("room id is required")
	}
	if message.Sender.ID == "" {
		return errors.New("sender id is required")
	}
	if message.RetryCount < 0 {
		return fmt.Errorf("invalid retry count %d", message.RetryCount)
	}
	if message.Kind != "" && !models.ValidKind(message.Kind) {
		return fmt.Errorf("invalid message kind %q", message.Kind)
	}
	if message.Status != "" && !models.ValidStatus(message.Status) {
		return fmt.Errorf("invalid message status %q", message.Status)
	}
	return nil
}

func validateCallEvent(event string) error {
	switch event {
	case CallEventStarted, CallEventEnded, CallEventExternalStop, CallEventError:
		return nil
	default:
		return fmt.Errorf("invalid call event %q", event)
	}
}

func nullInt64FromIntPtr(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
