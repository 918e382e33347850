// Package eventlog is an append-only SQLite audit trail of bot activity:
// ticket submissions, queue movements, worker callbacks, operator commands.
// Losing it loses history, never queue state — the tracker's labels remain
// the source of truth.
package eventlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Event kinds recorded by the bot.
const (
	KindSubmitted  = "ticket_submitted"
	KindQueued     = "ticket_queued"
	KindActivated  = "ticket_activated"
	KindCompleted  = "ticket_completed"
	KindFailed     = "ticket_failed"
	KindUnstuck    = "queue_unstuck"
	KindApproval   = "approval_resolved"
	KindDeploy     = "deploy_observed"
	KindBranchMove = "branch_reset"
)

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ChatID    int64     `json:"chat_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists events in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the event database and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: wal: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			chat_id    INTEGER NOT NULL DEFAULT 0,
			actor      TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	`)
	if err != nil {
		return fmt.Errorf("eventlog: migrate: %w", err)
	}
	return nil
}

// Append records an event. The ID and timestamp are assigned here.
func (s *Store) Append(kind string, chatID int64, actor, detail string) error {
	_, err := s.db.Exec(`INSERT INTO events (id, kind, chat_id, actor, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), kind, chatID, actor, detail, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	return nil
}

// Recent returns the newest events, newest first.
func (s *Store) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, kind, chat_id, actor, detail, created_at FROM events ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: recent: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &e.Kind, &e.ChatID, &e.Actor, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ByKind returns the newest events of one kind, newest first.
func (s *Store) ByKind(kind string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, kind, chat_id, actor, detail, created_at FROM events WHERE kind = ? ORDER BY created_at DESC, id LIMIT ?`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: by kind: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &e.Kind, &e.ChatID, &e.Actor, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
