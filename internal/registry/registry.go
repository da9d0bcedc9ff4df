package registry

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store owns the SQLite database behind the order ledger and entitlement store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open slipgate db: %w", err)
	}
	// A single connection serialises writers, which the conditional
	// transitions and the open-order check rely on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		order_id        TEXT PRIMARY KEY,
		buyer_id        TEXT NOT NULL,
		plan_id         TEXT NOT NULL,
		price_amount    REAL NOT NULL,
		role_id         TEXT NOT NULL,
		duration_days   INTEGER NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		decided_by      TEXT NOT NULL DEFAULT '',
		decision_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(buyer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

	CREATE TABLE IF NOT EXISTS entitlements (
		entitlement_id TEXT PRIMARY KEY,
		order_id       TEXT NOT NULL UNIQUE,
		buyer_id       TEXT NOT NULL,
		role_id        TEXT NOT NULL,
		plan_id        TEXT NOT NULL DEFAULT '',
		granted_at     INTEGER NOT NULL,
		expires_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_expires ON entitlements(expires_at);
	CREATE INDEX IF NOT EXISTS idx_entitlements_buyer_role ON entitlements(buyer_id, role_id);

	CREATE TABLE IF NOT EXISTS order_events (
		event_id   TEXT PRIMARY KEY,
		order_id   TEXT NOT NULL,
		kind       TEXT NOT NULL,
		actor      TEXT NOT NULL DEFAULT '',
		detail     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init slipgate schema: %w", err)
	}
	return nil
}

// Orders returns the order ledger view of the store.
func (s *Store) Orders() *OrderLedger {
	return &OrderLedger{db: s.db}
}

// Entitlements returns the entitlement store view of the store.
func (s *Store) Entitlements() *EntitlementStore {
	return &EntitlementStore{db: s.db}
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func unixUTC(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
