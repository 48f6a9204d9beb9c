package storage

import (
	"fmt"
)

// migration represents a single database migration.
type migration struct {
	version int
	name    string
	up      func() error
}

// runMigrations executes database schema migrations.
func (s *SQLiteStorage) runMigrations() error {
	if err := s.createMigrationsTable(); err != nil {
		return err
	}

	version, err := s.getCurrentMigrationVersion()
	if err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "memory_schema", up: s.migration001MemorySchema},
	}

	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		s.logger.Info("running migration", "version", m.version, "name", m.name)
		if err := m.up(); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if err := s.setMigrationVersion(m.version, m.name); err != nil {
			return err
		}
	}

	return nil
}

// createMigrationsTable creates the schema_migrations table.
func (s *SQLiteStorage) createMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

// getCurrentMigrationVersion returns the highest applied migration version.
func (s *SQLiteStorage) getCurrentMigrationVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *SQLiteStorage) setMigrationVersion(version int, name string) error {
	_, err := s.db.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", version, name)
	return err
}

// migration001MemorySchema creates the entity, conversation and session
// tables.
func (s *SQLiteStorage) migration001MemorySchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			attributes TEXT NOT NULL,
			discovered_at TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (entity_type, entity_id)
		)
	`); err != nil {
		return fmt.Errorf("failed to create entities table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_entities_discovered
		ON entities(discovered_at)
	`); err != nil {
		return fmt.Errorf("failed to create entities discovered index: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create conversation_turns table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_context (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create session_context table: %w", err)
	}

	return nil
}
