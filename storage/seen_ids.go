package storage

import (
	"context"
	"errors"
	"fmt"
)

// InsertSeenID records a message id observed from the transport or sent
// locally, so duplicate deliveries are recognised across restarts.
func (s *Store) InsertSeenID(ctx context.Context, messageID string, receivedAt int64) error {
	if messageID == "" {
		return errors.New("message id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO seen_message_ids (message_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(message_id) DO UPDATE SET received_at = excluded.received_at`,
		messageID,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seen message id %q: %w", messageID, err)
	}

	return nil
}

// HasSeenID returns true if a message id has already been recorded.
func (s *Store) HasSeenID(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}

	var exists int
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM seen_message_ids WHERE message_id = ?)`,
		messageID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen message id %q: %w", messageID, err)
	}

	return exists == 1, nil
}

// PruneSeenIDs removes seen ids recorded before cutoffTimestamp.
func (s *Store) PruneSeenIDs(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx, `DELETE FROM seen_message_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen message ids: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen id prune: %w", err)
	}

	return rowsAffected, nil
}
