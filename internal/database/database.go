// Package database persists decode events and crop files in SQLite.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cyclopcam/logs"
	_ "modernc.org/sqlite"

	"keydot/internal/geometry"
)

// Database handles SQLite database operations
type Database struct {
	log logs.Log
	db  *sql.DB
}

// DecodeEventRecord is one persisted detection with its decode outcome
type DecodeEventRecord struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"session_id"`
	Sequence   uint64           `json:"sequence"`
	Timestamp  time.Time        `json:"timestamp"`
	Label      string           `json:"label"`
	Confidence float64          `json:"confidence"`
	Box        geometry.Rect    `json:"box"`
	Region     geometry.RectInt `json:"region"`
	Format     string           `json:"format"`
	Text       string           `json:"text"`
	Backend    string           `json:"backend"`
	CropPath   string           `json:"crop_path"`
}

// EventFilter narrows ListDecodeEvents
type EventFilter struct {
	SessionID string
	Format    string
	Since     *time.Time
	Limit     int
}

// New creates a new database connection. Use ":memory:" for tests.
func New(log logs.Log, dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &Database{log: log, db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS decode_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			timestamp DATETIME NOT NULL,
			label TEXT,
			confidence REAL,
			box TEXT,
			region TEXT,
			format TEXT,
			text TEXT,
			backend TEXT,
			crop_path TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON decode_events(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON decode_events(session_id, sequence)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.log.Infof("[Database] Migrations completed")
	return nil
}

// SaveDecodeEvent inserts an event
func (d *Database) SaveDecodeEvent(event *DecodeEventRecord) error {
	boxJSON, err := json.Marshal(event.Box)
	if err != nil {
		return fmt.Errorf("failed to marshal box: %w", err)
	}
	regionJSON, err := json.Marshal(event.Region)
	if err != nil {
		return fmt.Errorf("failed to marshal region: %w", err)
	}

	query := `INSERT INTO decode_events
		(id, session_id, sequence, timestamp, label, confidence, box, region, format, text, backend, crop_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = d.db.Exec(query, event.ID, event.SessionID, int64(event.Sequence), event.Timestamp.UTC(),
		event.Label, event.Confidence, string(boxJSON), string(regionJSON),
		event.Format, event.Text, event.Backend, event.CropPath)
	if err != nil {
		return fmt.Errorf("failed to save decode event: %w", err)
	}
	return nil
}

const eventColumns = `id, session_id, sequence, timestamp, label, confidence, box, region, format, text, backend, crop_path`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*DecodeEventRecord, error) {
	var event DecodeEventRecord
	var seq int64
	var boxJSON, regionJSON string
	if err := row.Scan(&event.ID, &event.SessionID, &seq, &event.Timestamp, &event.Label,
		&event.Confidence, &boxJSON, &regionJSON, &event.Format, &event.Text,
		&event.Backend, &event.CropPath); err != nil {
		return nil, err
	}
	event.Sequence = uint64(seq)
	if boxJSON != "" {
		if err := json.Unmarshal([]byte(boxJSON), &event.Box); err != nil {
			return nil, fmt.Errorf("failed to unmarshal box: %w", err)
		}
	}
	if regionJSON != "" {
		if err := json.Unmarshal([]byte(regionJSON), &event.Region); err != nil {
			return nil, fmt.Errorf("failed to unmarshal region: %w", err)
		}
	}
	return &event, nil
}

// GetDecodeEvent retrieves an event by ID. A missing event is (nil, nil).
func (d *Database) GetDecodeEvent(id string) (*DecodeEventRecord, error) {
	event, err := scanEvent(d.db.QueryRow(`SELECT `+eventColumns+` FROM decode_events WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decode event: %w", err)
	}
	return event, nil
}

// ListDecodeEvents returns events, newest first
func (d *Database) ListDecodeEvents(filter EventFilter) ([]*DecodeEventRecord, error) {
	query := `SELECT ` + eventColumns + ` FROM decode_events WHERE 1=1`
	args := []interface{}{}

	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Format != "" {
		query += " AND format = ?"
		args = append(args, filter.Format)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY timestamp DESC, sequence DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decode events: %w", err)
	}
	defer rows.Close()

	events := []*DecodeEventRecord{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decode event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// DeleteOldDecodeEvents deletes events older than the specified time
func (d *Database) DeleteOldDecodeEvents(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM decode_events WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old decode events: %w", err)
	}
	return result.RowsAffected()
}

// SaveConfig saves a configuration value
func (d *Database) SaveConfig(key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	_, err := d.db.Exec(query, key, value)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// GetConfig retrieves a configuration value. A missing key is "".
func (d *Database) GetConfig(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return value, nil
}

// GetConfigUint reads an unsigned counter stored with SaveConfig
func (d *Database) GetConfigUint(key string) (uint64, error) {
	v, err := d.GetConfig(key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", key, err)
	}
	return n, nil
}
