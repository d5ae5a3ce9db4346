package store

import (
	"database/sql"
	"fmt"
)

// Migration is one versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is applied in order; append new versions at the end
var migrations = []Migration{
	{
		Version:     1,
		Description: "Runs and order journal",
		SQL: `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			capacity INTEGER NOT NULL,
			max_instruments INTEGER NOT NULL,
			final_count INTEGER,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			slot INTEGER NOT NULL,  -- -1 when rejected
			bot_id TEXT NOT NULL,
			side TEXT NOT NULL,     -- 'buy' or 'sell'
			instrument INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			price INTEGER NOT NULL, -- in cents
			accepted BOOLEAN NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_orders_run ON orders(run_id);
		`,
	},
	{
		Version:     2,
		Description: "Match outcomes",
		SQL: `
		CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			instrument INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			buy_price INTEGER NOT NULL,
			sell_price INTEGER NOT NULL,
			buy_slot INTEGER NOT NULL,
			sell_slot INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS no_matches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			instrument INTEGER NOT NULL,
			best_buy INTEGER,   -- NULL when no buy was seen
			best_sell INTEGER,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_no_matches_run ON no_matches(run_id);
		`,
	},
}

func (s *Store) initMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// SchemaVersion returns the highest applied migration version
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Migrate applies every pending migration, each in its own transaction
func (s *Store) Migrate() error {
	if err := s.initMigrationsTable(); err != nil {
		return fmt.Errorf("failed to init migrations table: %w", err)
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.inTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(
				"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
				m.Version, m.Description,
			)
			return err
		}); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}

	return nil
}

// inTx runs fn in a transaction, committing only if fn succeeds
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
