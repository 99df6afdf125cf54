package pg

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	version int
	name    string
	up      func(ctx context.Context, tx pgx.Tx) error
}

func execAll(stmts ...string) func(ctx context.Context, tx pgx.Tx) error {
	return func(ctx context.Context, tx pgx.Tx) error {
		for _, s := range stmts {
			if _, err := tx.Exec(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}
}

// migrations are applied in order; never edit a released entry, append a new one.
var migrations = []migration{
	{
		version: 1,
		name:    "branding",
		up: execAll(`
			CREATE TABLE IF NOT EXISTS branding (
				phone_e164    TEXT PRIMARY KEY,
				brand_name    TEXT NOT NULL,
				logo_url      TEXT,
				call_reason   TEXT,
				updated_at_ms BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_branding_updated_at ON branding(updated_at_ms)`,
		),
	},
	{
		version: 2,
		name:    "pending_events",
		up: execAll(`
			CREATE TABLE IF NOT EXISTS pending_events (
				id              BIGSERIAL PRIMARY KEY,
				idempotency_key TEXT NOT NULL,
				phone_e164      TEXT NOT NULL,
				outcome         TEXT NOT NULL,
				surface         TEXT,
				displayed_at    TEXT NOT NULL,
				meta_json       TEXT,
				created_at      TIMESTAMPTZ NOT NULL,
				status          TEXT NOT NULL DEFAULT 'queued',
				attempts        INT NOT NULL DEFAULT 0,
				last_error      TEXT,
				drop_reason     TEXT,
				updated_at      TIMESTAMPTZ NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uq_pending_events_idem ON pending_events(idempotency_key)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_events_status_id ON pending_events(status, id)`,
		),
	},
	{
		version: 3,
		name:    "constraints",
		up: execAll(
			`ALTER TABLE branding ADD CONSTRAINT branding_brand_name_not_blank CHECK (btrim(brand_name) <> '')`,
			`ALTER TABLE pending_events ADD CONSTRAINT pending_events_status_valid CHECK (status IN ('queued','sent','dropped'))`,
			`ALTER TABLE pending_events ADD CONSTRAINT pending_events_outcome_valid
				CHECK (outcome IN ('displayed','no_match','disabled','error','missed','call_seen','call_returned'))`,
		),
	},
}

// Migrate applies every pending migration, each in its own transaction.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return err
		}
		if err := m.up(ctx, tx); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		slog.Info("schema migration applied", "version", m.version, "name", m.name)
	}
	return nil
}

// SchemaVersion is the version the code expects after Migrate.
func SchemaVersion() int { return migrations[len(migrations)-1].version }
