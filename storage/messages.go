package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chatline/models"
)

const messageColumns = `
			message_id,
			room_id,
			sender_id,
			sender_name,
			sender_avatar,
			content,
			kind,
			metadata,
			timestamp_sent,
			status,
			retry_count`

// Add inserts a new message. It fails with ErrDuplicateKey if the id exists.
func (s *Store) Add(ctx context.Context, message models.Message) error {
	if err := validateMessage(message); err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	args, err := messageArgs(message)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		if isPrimaryKeyConflict(err) {
			return fmt.Errorf("%w: message %q", ErrDuplicateKey, message.ID)
		}
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	return nil
}

// Update inserts or replaces a message by id. Concurrent writers reconcile
// by last write wins.
func (s *Store) Update(ctx context.Context, message models.Message) error {
	if err := validateMessage(message); err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	args, err := messageArgs(message)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			room_id = excluded.room_id,
			sender_id = excluded.sender_id,
			sender_name = excluded.sender_name,
			sender_avatar = excluded.sender_avatar,
			content = excluded.content,
			kind = excluded.kind,
			metadata = excluded.metadata,
			timestamp_sent = excluded.timestamp_sent,
			status = excluded.status,
			retry_count = excluded.retry_count`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("upsert message %q: %w", message.ID, err)
	}

	return nil
}

// ListByRoom returns every stored message for a room, soft-deleted ones
// included, ordered by send time ascending.
func (s *Store) ListByRoom(ctx context.Context, roomID string) ([]models.Message, error) {
	if roomID == "" {
		return nil, errors.New("room id is required")
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE room_id = ?
		ORDER BY timestamp_sent ASC, rowid ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for room %q: %w", roomID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message id is required")
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// ListByStatus returns messages across all rooms in one delivery state,
// oldest first.
func (s *Store) ListByStatus(ctx context.Context, status models.MessageStatus) ([]models.Message, error) {
	if !models.ValidStatus(status) {
		return nil, fmt.Errorf("invalid message status %q", status)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE status = ?
		ORDER BY timestamp_sent ASC, rowid ASC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages with status %q: %w", status, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func messageArgs(message models.Message) ([]any, error) {
	kind := message.Kind
	if kind == "" {
		kind = models.KindText
	}
	status := message.Status
	if status == "" {
		status = models.StatusSending
	}
	timestamp := message.Timestamp
	if timestamp == 0 {
		timestamp = nowUnixMilli()
	}

	var metadata sql.NullString
	if len(message.Metadata) > 0 {
		raw, err := json.Marshal(message.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata for message %q: %w", message.ID, err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	return []any{
		message.ID,
		message.RoomID,
		message.Sender.ID,
		message.Sender.Name,
		message.Sender.Avatar,
		message.Text,
		string(kind),
		metadata,
		timestamp,
		string(status),
		message.RetryCount,
	}, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message  models.Message
		kind     string
		status   string
		metadata sql.NullString
	)

	if err := row.Scan(
		&message.ID,
		&message.RoomID,
		&message.Sender.ID,
		&message.Sender.Name,
		&message.Sender.Avatar,
		&message.Text,
		&kind,
		&metadata,
		&message.Timestamp,
		&status,
		&message.RetryCount,
	); err != nil {
		return nil, err
	}

	message.Kind = models.MessageKind(kind)
	message.Status = models.MessageStatus(status)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &message.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for message %q: %w", message.ID, err)
		}
	}

	return &message, nil
}
