package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/khanglvm/bi-gateway/internal/memory"
)

// Load reads the persisted memory. A disabled storage returns an empty
// snapshot.
func (s *SQLiteStorage) Load(ctx context.Context) (*memory.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &memory.Snapshot{}
	if !s.enabled || s.db == nil {
		return snap, nil
	}

	entities, err := s.loadEntities(ctx)
	if err != nil {
		return nil, err
	}
	snap.Entities = entities

	turns, err := s.loadTurns(ctx)
	if err != nil {
		return nil, err
	}
	snap.Turns = turns

	var data string
	err = s.db.QueryRowContext(ctx, "SELECT data FROM session_context WHERE id = 1").Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load session context: %w", err)
	default:
		if err := json.Unmarshal([]byte(data), &snap.Session); err != nil {
			return nil, fmt.Errorf("failed to decode session context: %w", err)
		}
	}

	return snap, nil
}

func (s *SQLiteStorage) loadEntities(ctx context.Context) ([]memory.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, attributes, discovered_at, source
		FROM entities
		ORDER BY discovered_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []memory.Entity
	for rows.Next() {
		var (
			e          memory.Entity
			attrs      string
			discovered string
		)
		if err := rows.Scan(&e.Type, &e.ID, &attrs, &discovered, &e.Source); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			s.logger.Warn("skipping entity with unreadable attributes", "type", e.Type, "id", e.ID, "error", err)
			continue
		}
		e.DiscoveredAt, _ = time.Parse(time.RFC3339Nano, discovered)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) loadTurns(ctx context.Context) ([]memory.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp
		FROM conversation_turns
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer rows.Close()

	var out []memory.Turn
	for rows.Next() {
		var (
			t    memory.Turn
			role string
			ts   string
		)
		if err := rows.Scan(&role, &t.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Role = memory.Role(role)
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Save replaces the persisted memory with snap in one transaction.
func (s *SQLiteStorage) Save(ctx context.Context, snap *memory.Snapshot) error {
	if snap == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.db == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entities"); err != nil {
		return fmt.Errorf("failed to clear entities: %w", err)
	}
	for _, e := range snap.Entities {
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			s.logger.Warn("skipping entity with unencodable attributes", "type", e.Type, "id", e.ID, "error", err)
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO entities (entity_type, entity_id, attributes, discovered_at, source)
			VALUES (?, ?, ?, ?, ?)
		`, e.Type, e.ID, string(attrs), e.DiscoveredAt.UTC().Format(time.RFC3339Nano), e.Source); err != nil {
			return fmt.Errorf("failed to save entity %s/%s: %w", e.Type, e.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM conversation_turns"); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	for _, t := range snap.Turns {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_turns (role, content, timestamp)
			VALUES (?, ?, ?)
		`, string(t.Role), t.Content, t.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to save turn: %w", err)
		}
	}

	session, err := json.Marshal(snap.Session)
	if err != nil {
		return fmt.Errorf("failed to encode session context: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_context (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(session), s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to save session context: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit memory snapshot: %w", err)
	}
	return nil
}
