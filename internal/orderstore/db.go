// Package orderstore is the durable record of the order lifecycle: one
// snapshot row per client order id plus an append-only audit trail of every
// state transition. The audit trail is the source of truth; the snapshot row
// is a read optimization kept in the same transaction.
package orderstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("orderstore: record not found")

// ErrCorrupt is returned when a stored record fails to decode; callers treat
// it as fatal (process exit 3).
var ErrCorrupt = errors.New("orderstore: corrupt record")

// Store wraps the SQLite handle. SQLite prefers a single writer, so the pool
// is pinned to one connection and every mutation runs in its own transaction.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the order database at path. Use
// ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("orderstore: database path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("orderstore: create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("orderstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.applyMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying DB handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS orders (
    client_order_id TEXT PRIMARY KEY,
    venue_order_id TEXT DEFAULT '',
    agent_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    type TEXT NOT NULL,
    requested_amount TEXT NOT NULL,
    requested_amount_ccy TEXT NOT NULL,
    requested_price TEXT,
    requested_price_ccy TEXT,
    filled_amount TEXT NOT NULL,
    avg_fill_price TEXT NOT NULL,
    avg_fill_price_ccy TEXT NOT NULL,
    fees_paid TEXT NOT NULL,
    fees_paid_ccy TEXT NOT NULL,
    status TEXT NOT NULL,
    reservation_id TEXT DEFAULT '',
    submitted_at DATETIME NOT NULL,
    terminal_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_orders_venue_id ON orders(venue_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS order_transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    client_order_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    status TEXT NOT NULL,
    detail TEXT DEFAULT '',
    at DATETIME NOT NULL,
    UNIQUE(client_order_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transitions_client_id ON order_transitions(client_order_id);

CREATE TABLE IF NOT EXISTS positions (
    symbol TEXT PRIMARY KEY,
    qty TEXT NOT NULL,
    qty_ccy TEXT NOT NULL,
    avg_entry_price TEXT NOT NULL,
    avg_entry_price_ccy TEXT NOT NULL,
    realized_pnl TEXT NOT NULL,
    realized_pnl_ccy TEXT NOT NULL,
    tick_version INTEGER DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// applyMigrations bootstraps the schema; keep lightweight for fast startup.
func (s *Store) applyMigrations() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("orderstore: apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(s.db, "orders", "reservation_id", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(s.db, "order_transitions", "detail", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("orderstore: alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("orderstore: pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
