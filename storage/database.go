package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "messages.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultCallLogRetention controls automatic call log pruning.
	DefaultCallLogRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id     TEXT PRIMARY KEY,
  room_id        TEXT NOT NULL,
  sender_id      TEXT NOT NULL,
  sender_name    TEXT NOT NULL DEFAULT '',
  sender_avatar  TEXT NOT NULL DEFAULT '',
  content        TEXT NOT NULL DEFAULT '',
  kind           TEXT CHECK(kind IN ('text','file','custom')) DEFAULT 'text',
  metadata       TEXT,
  timestamp_sent INTEGER NOT NULL,
  status         TEXT CHECK(status IN ('sending','sent','failed','deleted','received','read','delivered')) DEFAULT 'sending',
  retry_count    INTEGER NOT NULL DEFAULT 0 CHECK(retry_count >= 0)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_room_time
ON messages (room_id, timestamp_sent);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_time
ON messages (timestamp_sent);
`,
	`
CREATE TABLE IF NOT EXISTS seen_message_ids (
  message_id  TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_message_received_at
ON seen_message_ids (received_at);
`,
	`
CREATE TABLE IF NOT EXISTS rooms (
  room_id      TEXT PRIMARY KEY,
  room_type    TEXT NOT NULL CHECK(room_type IN ('direct','group')),
  name         TEXT NOT NULL,
  participants TEXT NOT NULL DEFAULT '[]',
  unread_count INTEGER,
  updated_at   INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS call_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  room_id     TEXT NOT NULL,
  call_type   TEXT NOT NULL CHECK(call_type IN ('audio','video','screen')),
  event       TEXT NOT NULL CHECK(event IN ('started','ended','external_stop','error')),
  detail      TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_call_events_room_time
ON call_events (room_id, timestamp DESC, id DESC);
`,
}

// Options tunes background maintenance and logging.
type Options struct {
	Logger                *slog.Logger
	WALCheckpointInterval time.Duration
	CallLogRetention      time.Duration
}

// Store is the durable message store. The SQLite connection is opened lazily
// on first use and shared by every caller.
type Store struct {
	path   string
	logger *slog.Logger

	opening singleflight.Group

	mu     sync.RWMutex
	db     *sql.DB
	closed bool

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	callLogRetention      time.Duration
	closeOnce             sync.Once
}

// New returns a store rooted at dataDir. No I/O happens until Open or the
// first query.
func New(dataDir string, options Options) *Store {
	return NewPath(filepath.Join(dataDir, DefaultDBFileName), options)
}

// NewPath returns a store backed by the SQLite file at dbPath.
func NewPath(dbPath string, options Options) *Store {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.WALCheckpointInterval == 0 {
		options.WALCheckpointInterval = DefaultWALCheckpointInterval
	}
	if options.CallLogRetention == 0 {
		options.CallLogRetention = DefaultCallLogRetention
	}
	return &Store{
		path:                  dbPath,
		logger:                options.Logger,
		walCheckpointInterval: options.WALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		callLogRetention:      options.CallLogRetention,
	}
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Open connects to the database and applies migrations. It is idempotent and
// concurrent callers share a single connection attempt. A failed attempt is
// not memoized; the next caller tries again.
func (s *Store) Open(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

// Close closes the SQLite connection and stops background maintenance.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		db := s.db
		s.db = nil
		s.mu.Unlock()

		close(s.walCheckpointStop)
		s.walCheckpointWG.Wait()
		if db != nil {
			closeErr = db.Close()
		}
	})
	return closeErr
}

func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.RLock()
	db, closed := s.db, s.closed
	s.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: store is closed", ErrStorageUnavailable)
	}
	if db != nil {
		return db, nil
	}

	result, err, _ := s.opening.Do("open", func() (any, error) {
		s.mu.RLock()
		existing := s.db
		s.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		opened, err := s.openDatabase(ctx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = opened.Close()
			return nil, fmt.Errorf("%w: store is closed", ErrStorageUnavailable)
		}
		s.db = opened
		s.startWALCheckpointLoop(opened)
		s.mu.Unlock()

		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*sql.DB), nil
}

func (s *Store) openDatabase(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create storage directory: %w", ErrStorageUnavailable, err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(s.path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite database: %w", ErrStorageUnavailable, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite database: %w", ErrStorageUnavailable, err)
	}
	if err := enableWALMode(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if err := checkpointWAL(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	s.logger.Debug("message store opened", "path", s.path)
	return db, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func enableWALMode(ctx context.Context, db *sql.DB) error {
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func checkpointWAL(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

// startWALCheckpointLoop must be called with s.mu held so it cannot race Close.
func (s *Store) startWALCheckpointLoop(db *sql.DB) {
	interval := s.walCheckpointInterval
	if interval <= 0 {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := checkpointWAL(db); err != nil {
					s.logger.Warn("periodic WAL checkpoint failed", "error", err)
				}
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}

// isPrimaryKeyConflict reports whether err is a SQLite primary key or
// unique constraint violation.
func isPrimaryKeyConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
