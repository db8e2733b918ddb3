package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatline/models"
)

// RecordCallEvent appends one call log entry and prunes entries older than
// the configured retention, counted back from the new entry's timestamp.
func (s *Store) RecordCallEvent(ctx context.Context, event CallEvent) error {
	if strings.TrimSpace(event.RoomID) == "" {
		return errors.New("room id is required")
	}
	if !models.ValidCallType(event.CallType) {
		return fmt.Errorf("invalid call type %q", event.CallType)
	}
	if err := validateCallEvent(event.Event); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO call_events (room_id, call_type, event, detail, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.RoomID,
		string(event.CallType),
		event.Event,
		event.Detail,
		event.DurationMS,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert call event %q: %w", event.Event, err)
	}

	// Retention counts back from the entry just written.
	if s.callLogRetention > 0 {
		cutoff := event.Timestamp - s.callLogRetention.Milliseconds()
		if _, err := db.ExecContext(ctx, `DELETE FROM call_events WHERE timestamp < ?`, cutoff); err != nil {
			return fmt.Errorf("prune call events: %w", err)
		}
	}
	return nil
}

// ListCallEvents returns the newest call log entries for a room first.
func (s *Store) ListCallEvents(ctx context.Context, roomID string, limit int) ([]CallEvent, error) {
	if roomID == "" {
		return nil, errors.New("room id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, room_id, call_type, event, detail, duration_ms, timestamp
		FROM call_events
		WHERE room_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		roomID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list call events for room %q: %w", roomID, err)
	}
	defer rows.Close()

	events := make([]CallEvent, 0)
	for rows.Next() {
		var (
			event    CallEvent
			callType string
		)
		if err := rows.Scan(&event.ID, &event.RoomID, &callType, &event.Event, &event.Detail, &event.DurationMS, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan call event row: %w", err)
		}
		event.CallType = models.CallType(callType)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call event rows: %w", err)
	}
	return events, nil
}
