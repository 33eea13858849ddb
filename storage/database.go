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
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the database file inside the data directory.
	DefaultDBFileName = "peerdrop.db"
	// DefaultMaintenanceInterval paces history pruning and WAL truncation.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultHistoryRetention is how long finished transfers stay listed.
	DefaultHistoryRetention = 30 * 24 * time.Hour
)

type migration struct {
	name string
	stmt string
}

// migrations run in order; PRAGMA user_version records how many were applied.
var migrations = []migration{
	{"create peers", `
CREATE TABLE IF NOT EXISTS peers (
  peer_id                  TEXT PRIMARY KEY,
  address                  TEXT NOT NULL,
  source                   TEXT NOT NULL CHECK(source IN ('manual','discovery','observed')) DEFAULT 'manual',
  added_timestamp          INTEGER NOT NULL,
  last_seen_timestamp      INTEGER,
  last_connected_timestamp INTEGER
);`},
	{"create transfers", `
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id       TEXT NOT NULL,
  direction         TEXT NOT NULL CHECK(direction IN ('send','receive')),
  peer_id           TEXT NOT NULL DEFAULT '',
  filename          TEXT NOT NULL,
  filesize          INTEGER NOT NULL,
  mime_type         TEXT NOT NULL DEFAULT '',
  state             TEXT NOT NULL CHECK(state IN ('pending','active','completed','failed')) DEFAULT 'pending',
  bytes_transferred INTEGER NOT NULL DEFAULT 0,
  sink_kind         TEXT NOT NULL DEFAULT '',
  stored_path       TEXT NOT NULL DEFAULT '',
  checksum          TEXT NOT NULL DEFAULT '',
  error             TEXT NOT NULL DEFAULT '',
  created_at        INTEGER NOT NULL,
  updated_at        INTEGER NOT NULL,
  completed_at      INTEGER,
  PRIMARY KEY (transfer_id, direction)
);`},
	{"index transfers by recency", `
CREATE INDEX IF NOT EXISTS idx_transfers_updated_at
ON transfers (updated_at DESC, transfer_id, direction);`},
	{"index transfers by peer", `
CREATE INDEX IF NOT EXISTS idx_transfers_peer_state
ON transfers (peer_id, state, updated_at DESC);`},
}

// Store persists transfer history and the peer endpoint book in SQLite.
type Store struct {
	db  *sql.DB
	log *logrus.Entry

	mu               sync.Mutex
	historyRetention time.Duration

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens or creates DefaultDBFileName under dataDir and returns its path.
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

// OpenPath opens the database at dbPath, switches it to WAL and migrates it.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:               db,
		log:              logrus.WithField("component", "storage"),
		historyRetention: DefaultHistoryRetention,
		stop:             make(chan struct{}),
	}
	for _, step := range []func() error{db.Ping, store.enableWAL, store.migrate, store.truncateWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	store.startMaintenance(DefaultMaintenanceInterval)
	return store, nil
}

// SetHistoryRetention changes how long finished transfers are kept.
// Zero or less keeps them forever.
func (s *Store) SetHistoryRetention(retention time.Duration) {
	s.mu.Lock()
	s.historyRetention = retention
	s.mu.Unlock()
}

// Close stops maintenance and closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if applied >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, m := range migrations[applied:] {
		version := applied + i + 1
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
			return fmt.Errorf("set schema version %d: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	s.log.WithFields(logrus.Fields{"from": applied, "to": len(migrations)}).Debug("schema migrated")
	return nil
}

func (s *Store) enableWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) truncateWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// maintain prunes expired history, then truncates the WAL.
func (s *Store) maintain() {
	s.mu.Lock()
	retention := s.historyRetention
	s.mu.Unlock()

	if retention > 0 {
		pruned, err := s.PruneTransfers(time.Now().Add(-retention).UnixMilli())
		if err != nil {
			s.log.WithError(err).Warn("prune transfer history failed")
		} else if pruned > 0 {
			s.log.WithField("count", pruned).Info("pruned transfer history")
		}
	}
	if err := s.truncateWAL(); err != nil {
		s.log.WithError(err).Warn("wal checkpoint failed")
	}
}

func (s *Store) startMaintenance(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.maintain()
			case <-s.stop:
				return
			}
		}
	}()
}
