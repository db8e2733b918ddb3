package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chatline/models"
)

// SaveRoom inserts or replaces a room row.
func (s *Store) SaveRoom(ctx context.Context, room models.Room) error {
	if room.ID == "" {
		return errors.New("room id is required")
	}
	if room.Type != models.RoomDirect && room.Type != models.RoomGroup {
		return fmt.Errorf("invalid room type %q", room.Type)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	participants := room.Participants
	if participants == nil {
		participants = []models.User{}
	}
	raw, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("marshal participants for room %q: %w", room.ID, err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO rooms (room_id, room_type, name, participants, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			room_type = excluded.room_type,
			name = excluded.name,
			participants = excluded.participants,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		room.ID,
		string(room.Type),
		room.Name,
		string(raw),
		nullInt64FromIntPtr(room.UnreadCount),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert room %q: %w", room.ID, err)
	}
	return nil
}

// GetRoom fetches one room by id.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT room_id, room_type, name, participants, unread_count
		FROM rooms
		WHERE room_id = ?`,
		roomID,
	)
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get room %q: %w", roomID, err)
	}
	return room, nil
}

// ListRooms returns all rooms in the order they were first stored.
func (s *Store) ListRooms(ctx context.Context) ([]models.Room, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT room_id, room_type, name, participants, unread_count
		FROM rooms
		ORDER BY rowid ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]models.Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room row: %w", err)
		}
		rooms = append(rooms, *room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room rows: %w", err)
	}
	return rooms, nil
}

func scanRoom(row scanner) (*models.Room, error) {
	var (
		room         models.Room
		roomType     string
		participants string
		unread       sql.NullInt64
	)
	if err := row.Scan(&room.ID, &roomType, &room.Name, &participants, &unread); err != nil {
		return nil, err
	}
	room.Type = models.RoomType(roomType)
	room.UnreadCount = intPtrFromNullInt64(unread)
	if err := json.Unmarshal([]byte(participants), &room.Participants); err != nil {
		return nil, fmt.Errorf("decode participants for room %q: %w", room.ID, err)
	}
	return &room, nil
}
