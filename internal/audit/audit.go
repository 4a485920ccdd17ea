package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"diveguard/internal/domain"

	_ "modernc.org/sqlite"
)

// Entry is one recorded alert lifecycle transition.
type Entry struct {
	ID              int64             `json:"id"`
	AlertID         string            `json:"alert_id"`
	Action          string            `json:"action"`
	SessionID       string            `json:"session_id"`
	SessionCode     string            `json:"session_code"`
	Type            domain.Metric     `json:"type"`
	Priority        domain.Priority   `json:"priority"`
	EscalationLevel int               `json:"escalation_level"`
	Actor           string            `json:"actor,omitempty"`
	Details         map[string]string `json:"details,omitempty"`
	At              time.Time         `json:"at"`
}

// Store persists alert history to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database.
// Params: database file path.
// Returns: store with schema applied.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return s, nil
}

// Close closes database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS alert_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id TEXT NOT NULL,
		action TEXT NOT NULL,
		session_id TEXT NOT NULL,
		session_code TEXT,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		escalation_level INTEGER NOT NULL,
		actor TEXT,
		details TEXT,
		at_ms INTEGER NOT NULL -- Unix milliseconds
	);
	CREATE INDEX IF NOT EXISTS idx_history_alert ON alert_history(alert_id);
	CREATE INDEX IF NOT EXISTS idx_history_at ON alert_history(at_ms);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordAlert appends one transition row.
// Params: action name, alert state after the transition, and transition time.
// Returns: insert error.
func (s *Store) RecordAlert(ctx context.Context, action string, alert domain.Alert, at time.Time) error {
	details, err := json.Marshal(alert.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	query := `
		INSERT INTO alert_history (alert_id, action, session_id, session_code, type, priority, escalation_level, actor, details, at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		alert.ID,
		action,
		alert.SessionID,
		alert.SessionCode,
		string(alert.Type),
		string(alert.Priority),
		alert.EscalationLevel,
		alert.AcknowledgedBy,
		string(details),
		at.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert alert history: %w", err)
	}
	return nil
}

// History returns transitions of one alert in recorded order.
func (s *Store) History(ctx context.Context, alertID string) ([]Entry, error) {
	return s.query(ctx, `WHERE alert_id = ? ORDER BY id ASC`, alertID)
}

// Recent returns newest transitions across all alerts.
// Params: row limit (<=0 means 100).
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `ORDER BY id DESC LIMIT ?`, limit)
}

func (s *Store) query(ctx context.Context, tail string, args ...any) ([]Entry, error) {
	query := `
		SELECT id, alert_id, action, session_id, session_code, type, priority, escalation_level, actor, details, at_ms
		FROM alert_history
	` + tail
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alert history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			code    sql.NullString
			actor   sql.NullString
			details sql.NullString
			atMS    int64
		)
		if err := rows.Scan(&e.ID, &e.AlertID, &e.Action, &e.SessionID, &code, &e.Type, &e.Priority, &e.EscalationLevel, &actor, &details, &atMS); err != nil {
			return nil, fmt.Errorf("scan alert history: %w", err)
		}
		e.SessionCode = code.String
		e.Actor = actor.String
		if details.Valid && details.String != "" && details.String != "null" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		e.At = time.UnixMilli(atMS).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
