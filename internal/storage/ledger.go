package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Session outcomes recorded in the ledger
const (
	OutcomeOpen      = "open"
	OutcomeCaptured  = "captured"
	OutcomeAbandoned = "abandoned"
)

const ledgerTimeLayout = time.RFC3339

// Ledger keeps a local history of sessions, captures and uploads
type Ledger struct {
	db *sql.DB
}

// SessionRecord is one row of session history with its aggregates
type SessionRecord struct {
	ID               string
	StartedAt        time.Time
	EndedAt          time.Time
	Outcome          string
	EOGAttempts      int
	Captures         int
	Bytes            int64
	UploadsSucceeded int
	UploadsFailed    int
}

// OpenLedger opens (creating if needed) the ledger database at path
func OpenLedger(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// Uploads record from their own goroutine
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) init() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			outcome TEXT NOT NULL DEFAULT 'open',
			eog_attempts INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS captures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			path TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			captured_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS uploads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			uploaded_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_captures_session ON captures(session_id);
		CREATE INDEX IF NOT EXISTS idx_uploads_session ON uploads(session_id);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordSessionStart inserts an open session row
func (l *Ledger) RecordSessionStart(id string, startedAt time.Time) error {
	_, err := l.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, started_at, outcome) VALUES (?, ?, ?)`,
		id, startedAt.Format(ledgerTimeLayout), OutcomeOpen,
	)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

// RecordCapture appends a capture row
func (l *Ledger) RecordCapture(c Capture) error {
	_, err := l.db.Exec(
		`INSERT INTO captures (session_id, kind, path, bytes, captured_at) VALUES (?, ?, ?, ?, ?)`,
		c.SessionID, string(c.Kind), c.Path, c.Bytes, c.CapturedAt.Format(ledgerTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to record capture: %w", err)
	}
	return nil
}

// RecordSessionEnd closes a session with its outcome
func (l *Ledger) RecordSessionEnd(id, outcome string, endedAt time.Time, eogAttempts int) error {
	res, err := l.db.Exec(
		`UPDATE sessions SET ended_at = ?, outcome = ?, eog_attempts = ? WHERE id = ?`,
		endedAt.Format(ledgerTimeLayout), outcome, eogAttempts, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found in ledger", id)
	}
	return nil
}

// RecordUpload appends the result of one upload run
func (l *Ledger) RecordUpload(id string, succeeded, failed int, at time.Time) error {
	_, err := l.db.Exec(
		`INSERT INTO uploads (session_id, succeeded, failed, uploaded_at) VALUES (?, ?, ?, ?)`,
		id, succeeded, failed, at.Format(ledgerTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to record upload: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first
func (l *Ledger) RecentSessions(limit int) ([]SessionRecord, error) {
	rows, err := l.db.Query(`
		SELECT s.id, s.started_at, COALESCE(s.ended_at, ''), s.outcome, s.eog_attempts,
			(SELECT COUNT(*) FROM captures c WHERE c.session_id = s.id),
			(SELECT COALESCE(SUM(bytes), 0) FROM captures c WHERE c.session_id = s.id),
			(SELECT COALESCE(SUM(succeeded), 0) FROM uploads u WHERE u.session_id = s.id),
			(SELECT COALESCE(SUM(failed), 0) FROM uploads u WHERE u.session_id = s.id)
		FROM sessions s
		ORDER BY s.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var startedAt, endedAt string
		if err := rows.Scan(&r.ID, &startedAt, &endedAt, &r.Outcome, &r.EOGAttempts,
			&r.Captures, &r.Bytes, &r.UploadsSucceeded, &r.UploadsFailed); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if r.StartedAt, err = time.Parse(ledgerTimeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("session %s: invalid started_at: %w", r.ID, err)
		}
		if endedAt != "" {
			if r.EndedAt, err = time.Parse(ledgerTimeLayout, endedAt); err != nil {
				return nil, fmt.Errorf("session %s: invalid ended_at: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}
