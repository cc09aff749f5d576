// File: store/store.go
package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"Blackice/utilities"

	_ "github.com/mattn/go-sqlite3"
)

// Each store opens its own database file under the data directory. The
// separation is deliberate: a corrupt position ledger must not block
// loading the safety state, and vice versa.
const (
	sequenceDBFile = "sequence.db"
	safetyDBFile   = "safety.db"
	ledgerDBFile   = "ledger.db"
	journalDBFile  = "journal.db"
)

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite at %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	return db, nil
}

// --- Sequence Store ---

// SequenceStore persists the highest token ever issued per account key.
// The sequence manager writes here before releasing a token to a caller,
// so a restart always resumes above anything an exchange has seen.
type SequenceStore struct {
	db *sql.DB
}

// NewSequenceStore opens (and if needed creates) the sequence database.
func NewSequenceStore(dataDir string) (*SequenceStore, error) {
	db, err := openDB(filepath.Join(dataDir, sequenceDBFile))
	if err != nil {
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS sequence_tokens (
		account_key TEXT PRIMARY KEY,
		last_token INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sequence schema: %w", err)
	}
	return &SequenceStore{db: db}, nil
}

// Load returns the highest persisted token for a key, and whether one exists.
func (s *SequenceStore) Load(accountKey string) (int64, bool, error) {
	var token int64
	err := s.db.QueryRow(`SELECT last_token FROM sequence_tokens WHERE account_key = ?`, accountKey).Scan(&token)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load sequence token for %s: %w", accountKey, err)
	}
	return token, true, nil
}

// Save durably records a token as issued. It returns only after the write
// has committed; callers hand the token out afterwards, never before.
func (s *SequenceStore) Save(accountKey string, token int64) error {
	_, err := s.db.Exec(`INSERT INTO sequence_tokens (account_key, last_token) VALUES (?, ?)
		ON CONFLICT(account_key) DO UPDATE SET last_token = excluded.last_token`, accountKey, token)
	if err != nil {
		return fmt.Errorf("failed to persist sequence token %d for %s: %w", token, accountKey, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SequenceStore) Close() error {
	return s.db.Close()
}

// --- Safety Store ---

// SafetyStore persists the safety state machine's current state and its
// transition history.
type SafetyStore struct {
	db *sql.DB
}

// Transition is one recorded state change.
type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// NewSafetyStore opens (and if needed creates) the safety database.
func NewSafetyStore(dataDir string) (*SafetyStore, error) {
	db, err := openDB(filepath.Join(dataDir, safetyDBFile))
	if err != nil {
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS safety_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS safety_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT NOT NULL,
		ts INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create safety schema: %w", err)
	}
	return &SafetyStore{db: db}, nil
}

// LoadState returns the persisted state name, or "" if none was ever saved.
func (s *SafetyStore) LoadState() (string, error) {
	var state string
	err := s.db.QueryRow(`SELECT state FROM safety_state WHERE id = 1`).Scan(&state)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load safety state: %w", err)
	}
	return state, nil
}

// SaveTransition records the new state and appends to the history, in one
// transaction so state and history cannot disagree.
func (s *SafetyStore) SaveTransition(tr Transition) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin safety transaction: %w", err)
	}
	now := tr.At.Unix()
	if _, err := tx.Exec(`INSERT INTO safety_state (id, state, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`, tr.To, now); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to save safety state: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO safety_transitions (from_state, to_state, actor, reason, ts) VALUES (?, ?, ?, ?, ?)`,
		tr.From, tr.To, tr.Actor, tr.Reason, now); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record safety transition: %w", err)
	}
	return tx.Commit()
}

// History returns the most recent transitions, newest first.
func (s *SafetyStore) History(limit int) ([]Transition, error) {
	rows, err := s.db.Query(`SELECT from_state, to_state, actor, reason, ts FROM safety_transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query safety history: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var ts int64
		if err := rows.Scan(&tr.From, &tr.To, &tr.Actor, &tr.Reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan safety transition row: %w", err)
		}
		tr.At = time.Unix(ts, 0)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SafetyStore) Close() error {
	return s.db.Close()
}

// --- Ledger Store ---

// LedgerStore persists the internal position ledger, keyed by account and
// symbol. Entries are written only on confirmed fills or reconciliation
// corrections.
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore opens (and if needed creates) the ledger database.
func NewLedgerStore(dataDir string) (*LedgerStore, error) {
	db, err := openDB(filepath.Join(dataDir, ledgerDBFile))
	if err != nil {
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		account_key TEXT NOT NULL,
		symbol TEXT NOT NULL,
		quantity REAL NOT NULL,
		estimated_usd REAL NOT NULL,
		source TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (account_key, symbol)
	);
	CREATE INDEX IF NOT EXISTS idx_positions_account ON positions (account_key);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &LedgerStore{db: db}, nil
}

// SavePosition inserts or replaces a ledger entry.
func (s *LedgerStore) SavePosition(pos utilities.Position) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO positions (account_key, symbol, quantity, estimated_usd, source, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		pos.Account.String(), pos.Symbol, pos.Quantity, pos.EstimatedUSD, pos.Source, pos.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save position %s for %s: %w", pos.Symbol, pos.Account, err)
	}
	return nil
}

// DeletePosition removes a ledger entry (phantom cleanup or full exit).
func (s *LedgerStore) DeletePosition(account utilities.AccountKey, symbol string) error {
	_, err := s.db.Exec(`DELETE FROM positions WHERE account_key = ? AND symbol = ?`, account.String(), symbol)
	if err != nil {
		return fmt.Errorf("failed to delete position %s for %s: %w", symbol, account, err)
	}
	return nil
}

// LoadPositions returns every ledger entry for one account.
func (s *LedgerStore) LoadPositions(account utilities.AccountKey) ([]utilities.Position, error) {
	rows, err := s.db.Query(`SELECT symbol, quantity, estimated_usd, source, updated_at FROM positions WHERE account_key = ?`, account.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query positions for %s: %w", account, err)
	}
	defer rows.Close()

	var out []utilities.Position
	for rows.Next() {
		pos := utilities.Position{Account: account}
		var ts int64
		if err := rows.Scan(&pos.Symbol, &pos.Quantity, &pos.EstimatedUSD, &pos.Source, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		pos.UpdatedAt = time.Unix(ts, 0)
		out = append(out, pos)
	}
	return out, rows.Err()
}

// GetPosition returns one ledger entry, and whether it exists.
func (s *LedgerStore) GetPosition(account utilities.AccountKey, symbol string) (utilities.Position, bool, error) {
	pos := utilities.Position{Account: account, Symbol: symbol}
	var ts int64
	err := s.db.QueryRow(`SELECT quantity, estimated_usd, source, updated_at FROM positions WHERE account_key = ? AND symbol = ?`,
		account.String(), symbol).Scan(&pos.Quantity, &pos.EstimatedUSD, &pos.Source, &ts)
	if err == sql.ErrNoRows {
		return utilities.Position{}, false, nil
	}
	if err != nil {
		return utilities.Position{}, false, fmt.Errorf("failed to load position %s for %s: %w", symbol, account, err)
	}
	pos.UpdatedAt = time.Unix(ts, 0)
	return pos, true, nil
}

// Close closes the underlying database.
func (s *LedgerStore) Close() error {
	return s.db.Close()
}
