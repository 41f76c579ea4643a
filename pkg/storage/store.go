// Package storage persists node records and pushed signal values in
// SQLite. It implements the server's TelemetrySink.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/proper-automation/proper-go/pkg/wire"
)

// Store provides SQLite persistence for telemetry.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore creates a store with the given database path.
// Use ":memory:" for an in-memory database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better performance
	_, err = db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		name TEXT,
		model TEXT,
		serial TEXT,
		vendor TEXT,
		category TEXT,
		registered_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_push_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS signal_values (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		signal_id TEXT NOT NULL,
		signal_type TEXT,
		status INTEGER NOT NULL,
		value_json TEXT,
		measured_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_signal_values_node_id ON signal_values(node_id);
	CREATE INDEX IF NOT EXISTS idx_signal_values_measured_at ON signal_values(measured_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertNode records or refreshes a node's registration data.
func (s *Store) UpsertNode(id wire.NodeID, reg *wire.Register) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO nodes (id, name, model, serial, vendor, category)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			model = excluded.model,
			serial = excluded.serial,
			vendor = excluded.vendor,
			category = excluded.category
	`, id.String(), reg.Name, reg.Model, reg.Serial, reg.Vendor, reg.Category.String())
	if err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}
	return nil
}

// Apply stores one batch of pushed signal values. Satisfies the server's
// TelemetrySink interface. Unknown nodes get a bare record so the foreign
// key holds even when the push raced the registration bookkeeping.
func (s *Store) Apply(id wire.NodeID, values []wire.SignalValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO nodes (id) VALUES (?) ON CONFLICT(id) DO NOTHING
	`, id.String()); err != nil {
		return fmt.Errorf("failed to ensure node record: %w", err)
	}

	for _, v := range values {
		valueJSON, err := json.Marshal(v.Signal.Value)
		if err != nil {
			return fmt.Errorf("failed to encode signal value: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO signal_values (node_id, signal_id, signal_type, status, value_json, measured_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id.String(), v.ID.String(), v.Signal.Type.String(), uint16(v.Status), string(valueJSON),
			time.UnixMilli(int64(v.Timestamp))); err != nil {
			return fmt.Errorf("failed to insert signal value: %w", err)
		}
	}

	if _, err := tx.Exec(`
		UPDATE nodes SET last_push_at = ? WHERE id = ?
	`, time.Now(), id.String()); err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}

	return tx.Commit()
}

// StoredValue is one persisted signal value.
type StoredValue struct {
	NodeID     string
	SignalID   string
	SignalType string
	Status     wire.StatusCode
	ValueJSON  string
	MeasuredAt time.Time
}

// RecentValues returns the most recent signal values for a node, newest
// first.
func (s *Store) RecentValues(id wire.NodeID, limit int) ([]StoredValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT node_id, signal_id, signal_type, status, value_json, measured_at
		FROM signal_values
		WHERE node_id = ?
		ORDER BY measured_at DESC
		LIMIT ?
	`, id.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query values: %w", err)
	}
	defer rows.Close()

	var out []StoredValue
	for rows.Next() {
		var v StoredValue
		var status uint16
		if err := rows.Scan(&v.NodeID, &v.SignalID, &v.SignalType, &status, &v.ValueJSON, &v.MeasuredAt); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		v.Status = wire.StatusCode(status)
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountValues returns the number of stored values for a node.
func (s *Store) CountValues(id wire.NodeID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM signal_values WHERE node_id = ?
	`, id.String()).Scan(&n)
	return n, err
}
