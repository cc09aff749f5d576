// File: store/journal.go
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Event kinds journaled by the core. One row per state transition, order
// attempt, and reconciliation run; the reporting layer reads these back.
const (
	EventSafetyTransition = "safety_transition"
	EventOrderAttempt     = "order_attempt"
	EventOrderConfirmed   = "order_confirmed"
	EventOrderFailed      = "order_failed"
	EventRouteDenied      = "route_denied"
	EventReconcileRun     = "reconcile_run"
	EventAccountDegraded  = "account_degraded"
)

// Journal is the append-only durable event log. Rows are never updated or
// deleted by the core; every terminal failure lands here with enough
// context to reconstruct what happened.
type Journal struct {
	db *sql.DB
}

// JournalEvent is one recorded event.
type JournalEvent struct {
	ID      int64           `json:"id"`
	Kind    string          `json:"kind"`
	Account string          `json:"account"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// NewJournal opens (and if needed creates) the journal database.
func NewJournal(dataDir string) (*Journal, error) {
	db, err := openDB(filepath.Join(dataDir, journalDBFile))
	if err != nil {
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		account_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events (kind);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append records one event. The payload is marshalled to JSON; a payload
// that cannot marshal is itself journaled as an error string rather than
// dropped.
func (j *Journal) Append(kind, accountKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	if _, err := j.db.Exec(`INSERT INTO events (kind, account_key, payload, ts) VALUES (?, ?, ?, ?)`,
		kind, accountKey, string(body), time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to append %s event for %s: %w", kind, accountKey, err)
	}
	return nil
}

// Recent returns the newest events, newest first.
func (j *Journal) Recent(limit int) ([]JournalEvent, error) {
	rows, err := j.db.Query(`SELECT id, kind, account_key, payload, ts FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEvent
	for rows.Next() {
		var ev JournalEvent
		var payload string
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Account, &payload, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.At = time.Unix(ts, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
