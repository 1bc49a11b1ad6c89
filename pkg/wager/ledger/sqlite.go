package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const (
	memoryPath = ":memory:"

	// fixed width so placed_at sorts as text
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteStore persists the ledger in a SQLite database.
type SQLiteStore struct {
	path string
	db   *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema. ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if path == memoryPath {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else if err := ensureWAL(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStore{path: path, db: db}, nil
}

func ensureWAL(db *sql.DB) error {
	const (
		maxAttempts = 5
		delay       = 200 * time.Millisecond
	)
	for i := 0; i < maxAttempts; i++ {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			if strings.Contains(err.Error(), "database is locked") {
				time.Sleep(delay)
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("database is locked after retries")
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	balances_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	currency TEXT NOT NULL,
	stake TEXT NOT NULL,
	legs_json TEXT NOT NULL,
	combined_decimal REAL NOT NULL,
	combined_american TEXT NOT NULL,
	potential_payout TEXT NOT NULL,
	payout TEXT NOT NULL,
	status TEXT NOT NULL,
	reference TEXT,
	placed_at TEXT NOT NULL,
	settled_at TEXT
);
CREATE INDEX IF NOT EXISTS entries_user_idx ON entries(user_id, placed_at);
CREATE INDEX IF NOT EXISTS entries_status_idx ON entries(status);
`

// Path returns the path backing the store.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var balances, created, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT balances_json, created_at, updated_at FROM accounts WHERE user_id = ?`, userID,
	).Scan(&balances, &created, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}

	a := &Account{UserID: userID}
	if err := json.Unmarshal([]byte(balances), &a.Balances); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) SaveAccount(ctx context.Context, a *Account) error {
	return saveAccount(ctx, s.db, a)
}

func saveAccount(ctx context.Context, db execer, a *Account) error {
	balances, err := json.Marshal(a.Balances)
	if err != nil {
		return fmt.Errorf("encode balances: %w", err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO accounts (user_id, balances_json, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	balances_json = excluded.balances_json,
	updated_at = excluded.updated_at`,
		a.UserID, string(balances), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

const entryColumns = `id, user_id, kind, currency, stake, legs_json, combined_decimal,
	combined_american, potential_payout, payout, status, reference, placed_at, settled_at`

func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Commit writes the entry and account in one transaction.
func (s *SQLiteStore) Commit(ctx context.Context, e *Entry, a *Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := saveEntry(ctx, tx, e); err != nil {
		return err
	}
	if a != nil {
		if err := saveAccount(ctx, tx, a); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func saveEntry(ctx context.Context, db execer, e *Entry) error {
	legs, err := json.Marshal(e.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	var settled sql.NullString
	if e.SettledAt != nil {
		settled = sql.NullString{String: formatTime(*e.SettledAt), Valid: true}
	}

	_, err = db.ExecContext(ctx, `
INSERT INTO entries (`+entryColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	payout = excluded.payout,
	status = excluded.status,
	reference = excluded.reference,
	settled_at = excluded.settled_at`,
		e.ID, e.UserID, string(e.Kind), string(e.Currency), e.Stake.String(), string(legs),
		e.CombinedDecimal, e.CombinedAmerican, e.PotentialPayout.String(), e.Payout.String(),
		string(e.Status), e.Reference, formatTime(e.PlacedAt), settled)
	if err != nil {
		return fmt.Errorf("save entry: %w", err)
	}
	return nil
}

// ListEntries returns the user's entries, oldest first.
func (s *SQLiteStore) ListEntries(ctx context.Context, userID string) ([]*Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE user_id = ? ORDER BY placed_at, id`, userID)
}

// ListPending returns every pending entry, oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]*Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE status = ? ORDER BY placed_at, id`, string(StatusPending))
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                              Entry
		kind, currency, status, placed string
		stake, legs, potential, payout string
		reference, settled             sql.NullString
	)
	err := row.Scan(&e.ID, &e.UserID, &kind, &currency, &stake, &legs, &e.CombinedDecimal,
		&e.CombinedAmerican, &potential, &payout, &status, &reference, &placed, &settled)
	if err != nil {
		return nil, err
	}

	e.Kind = slip.Kind(kind)
	e.Currency = slip.Currency(currency)
	e.Status = Status(status)
	e.Reference = reference.String
	e.PlacedAt = parseTime(placed)
	if settled.Valid {
		t := parseTime(settled.String)
		e.SettledAt = &t
	}

	if e.Stake, err = decimal.NewFromString(stake); err != nil {
		return nil, fmt.Errorf("entry %s stake: %w", e.ID, err)
	}
	if e.PotentialPayout, err = decimal.NewFromString(potential); err != nil {
		return nil, fmt.Errorf("entry %s potential payout: %w", e.ID, err)
	}
	if e.Payout, err = decimal.NewFromString(payout); err != nil {
		return nil, fmt.Errorf("entry %s payout: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(legs), &e.Legs); err != nil {
		return nil, fmt.Errorf("entry %s legs: %w", e.ID, err)
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
