package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "hostlink.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS outbox_items (
  recipient        TEXT NOT NULL,
  drive_id         TEXT NOT NULL,
  file_id          TEXT NOT NULL,
  item_id          TEXT NOT NULL,
  item_type        TEXT NOT NULL CHECK(item_type IN ('file','delete_remote_file')),
  priority         INTEGER NOT NULL DEFAULT 0,
  instruction_set  TEXT,
  delete_request   TEXT,
  options          TEXT NOT NULL DEFAULT '{}',
  version_tag      TEXT NOT NULL DEFAULT '',
  attempt_count    INTEGER NOT NULL DEFAULT 0,
  next_attempt_at  INTEGER NOT NULL,
  state            TEXT NOT NULL CHECK(state IN ('pending','leased','dead')) DEFAULT 'pending',
  marker           TEXT,
  lease_expires_at INTEGER,
  last_failure     TEXT NOT NULL DEFAULT '',
  added_at         INTEGER NOT NULL,
  PRIMARY KEY (recipient, drive_id, file_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_outbox_items_drive_ready
ON outbox_items (drive_id, state, next_attempt_at, priority DESC);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_items_marker
ON outbox_items (marker) WHERE marker IS NOT NULL;
`,
	`
CREATE TABLE IF NOT EXISTS awaiting_transfer_keys (
  recipient        TEXT NOT NULL,
  drive_id         TEXT NOT NULL,
  file_id          TEXT NOT NULL,
  options          TEXT NOT NULL DEFAULT '{}',
  attempt_count    INTEGER NOT NULL DEFAULT 0,
  next_attempt_at  INTEGER NOT NULL,
  state            TEXT NOT NULL CHECK(state IN ('pending','leased','dead')) DEFAULT 'pending',
  marker           TEXT,
  lease_expires_at INTEGER,
  last_failure     TEXT NOT NULL DEFAULT '',
  added_at         INTEGER NOT NULL,
  PRIMARY KEY (recipient, drive_id, file_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS feed_distribution_queue (
  recipient        TEXT NOT NULL,
  drive_id         TEXT NOT NULL,
  file_id          TEXT NOT NULL,
  distro_type      TEXT NOT NULL CHECK(distro_type IN ('file_metadata','delete_file','reaction_preview_update')),
  file_system_type TEXT NOT NULL DEFAULT 'standard',
  attempt_count    INTEGER NOT NULL DEFAULT 0,
  next_attempt_at  INTEGER NOT NULL,
  state            TEXT NOT NULL CHECK(state IN ('pending','leased','dead')) DEFAULT 'pending',
  marker           TEXT,
  lease_expires_at INTEGER,
  last_failure     TEXT NOT NULL DEFAULT '',
  added_at         INTEGER NOT NULL,
  PRIMARY KEY (recipient, drive_id, file_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_feed_distribution_ready
ON feed_distribution_queue (state, next_attempt_at);
`,
	`
CREATE TABLE IF NOT EXISTS seen_token_ids (
  token_id    TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_token_received_at
ON seen_token_ids (received_at);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  identity   TEXT,
  details    TEXT NOT NULL,
  severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_identity
ON security_events (identity, timestamp DESC, id DESC);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	walCheckpointInterval  time.Duration
	walCheckpointStop      chan struct{}
	walCheckpointWG        sync.WaitGroup
	securityEventRetention time.Duration
	securityEventsPrunedAt time.Time
	pruneMu                sync.Mutex
	closeOnce              sync.Once
}

// Open opens (or creates) hostlink.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		walCheckpointInterval:  DefaultWALCheckpointInterval,
		walCheckpointStop:      make(chan struct{}),
		securityEventRetention: DefaultSecurityEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
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
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
