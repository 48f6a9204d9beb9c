/*
Package storage persists the gateway's working memory in SQLite.

The database lives at ~/.bi-gateway/memory.db by default and uses
modernc.org/sqlite (pure Go, no CGo). Storage degrades gracefully: if the
database cannot be opened the store is disabled, loads return an empty
snapshot and saves are no-ops. A file that exists but cannot be migrated is
moved aside with a .corrupt-<unix> suffix and a fresh database is created.
*/
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/khanglvm/bi-gateway/internal/memory"
)

// DefaultFileName is the database file inside the gateway's home directory.
const DefaultFileName = "memory.db"

// Storage is the persistence contract used by the memory flusher.
type Storage interface {
	memory.Store

	// Init opens the database and runs migrations.
	Init() error

	// Enabled reports whether the database is usable.
	Enabled() bool

	Close() error
}

// SQLiteStorage implements Storage on a single SQLite file.
type SQLiteStorage struct {
	db       *sql.DB
	dbPath   string
	enabled  bool
	mu       sync.Mutex
	initOnce sync.Once
	logger   *slog.Logger
	now      func() time.Time
}

var _ Storage = (*SQLiteStorage)(nil)

// DefaultPath returns ~/.bi-gateway/memory.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".bi-gateway", DefaultFileName), nil
}

// NewStorage creates a storage bound to dbPath. An empty path selects
// DefaultPath; if that cannot be resolved the storage starts disabled.
func NewStorage(dbPath string, logger *slog.Logger) *SQLiteStorage {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStorage{dbPath: dbPath, enabled: true, logger: logger, now: time.Now}

	if s.dbPath == "" {
		p, err := DefaultPath()
		if err != nil {
			logger.Warn("memory persistence disabled", "error", err)
			s.enabled = false
			return s
		}
		s.dbPath = p
	}
	return s
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.dbPath
}

func (s *SQLiteStorage) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled && s.db != nil
}

// Init opens the database and runs migrations. If an existing file cannot
// be used it is quarantined and a fresh database is created. Any remaining
// failure disables the storage and is returned for logging; callers are
// expected to carry on without persistence.
func (s *SQLiteStorage) Init() error {
	var initErr error
	s.initOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.enabled {
			return
		}

		if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
			initErr = fmt.Errorf("failed to create db directory: %w", err)
			s.disable(initErr)
			return
		}

		_, statErr := os.Stat(s.dbPath)
		existed := statErr == nil

		err := s.open()
		if err != nil && existed {
			moved, qErr := s.quarantine()
			if qErr != nil {
				initErr = errors.Join(err, qErr)
				s.disable(initErr)
				return
			}
			s.logger.Warn("memory database unusable, moved aside", "path", s.dbPath, "moved_to", moved, "error", err)
			err = s.open()
		}
		if err != nil {
			initErr = err
			s.disable(initErr)
		}
	})
	return initErr
}

// open connects and migrates. On failure the connection is closed.
func (s *SQLiteStorage) open() error {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	if err := s.runMigrations(); err != nil {
		db.Close()
		s.db = nil
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) quarantine() (string, error) {
	target := fmt.Sprintf("%s.corrupt-%d", s.dbPath, s.now().Unix())
	if err := os.Rename(s.dbPath, target); err != nil {
		return "", fmt.Errorf("failed to move corrupt database: %w", err)
	}
	// Journal files belong to the old database.
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		os.Remove(s.dbPath + suffix)
	}
	return target, nil
}

func (s *SQLiteStorage) disable(err error) {
	s.enabled = false
	s.logger.Warn("memory persistence disabled", "path", s.dbPath, "error", err)
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.db = nil
	return nil
}
