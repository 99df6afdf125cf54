package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

type migration struct {
	version int
	name    string
	up      func(ctx context.Context, tx *sql.Tx) error
}

func execAll(stmts ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}
}

// migrations are applied in order; never edit a released entry, append a new one.
// SQLite cannot add constraints to an existing table, so checks live in CREATE.
var migrations = []migration{
	{
		version: 1,
		name:    "branding",
		up: execAll(`
			CREATE TABLE IF NOT EXISTS branding (
				phone_e164    TEXT PRIMARY KEY,
				brand_name    TEXT NOT NULL CHECK (trim(brand_name) <> ''),
				logo_url      TEXT,
				call_reason   TEXT,
				updated_at_ms INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_branding_updated_at ON branding(updated_at_ms)`,
		),
	},
	{
		version: 2,
		name:    "pending_events",
		up: execAll(`
			CREATE TABLE IF NOT EXISTS pending_events (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				idempotency_key TEXT NOT NULL,
				phone_e164      TEXT NOT NULL CHECK (trim(phone_e164) <> ''),
				outcome         TEXT NOT NULL CHECK (outcome IN ('displayed','no_match','disabled','error','missed','call_seen','call_returned')),
				surface         TEXT,
				displayed_at    TEXT NOT NULL,
				meta_json       TEXT,
				created_at_ms   INTEGER NOT NULL,
				status          TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','sent','dropped')),
				attempts        INTEGER NOT NULL DEFAULT 0,
				last_error      TEXT,
				drop_reason     TEXT,
				updated_at_ms   INTEGER NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uq_pending_events_idem ON pending_events(idempotency_key)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_events_status_id ON pending_events(status, id)`,
		),
	},
}

// Migrate applies every pending migration, each in its own transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := m.up(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		slog.Info("schema migration applied", "store", "sqlite", "version", m.version, "name", m.name)
	}
	return nil
}

// SchemaVersion is the version the code expects after Migrate.
func SchemaVersion() int { return migrations[len(migrations)-1].version }
