// Package sqlite is the on-device store: one database file holding the
// branding cache and the pending event queue, surviving process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"callbrand/internal/domain"
	"callbrand/internal/store"
)

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

// Open creates the file if needed, applies migrations and returns the store.
// One connection serialises writers; WAL keeps reads cheap across restarts.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite dir: %w", err)
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite open %s: %w", path, err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func (s *Store) Branding() store.BrandingCache  { return (*brandingRepo)(s) }
func (s *Store) Events() store.EventQueue       { return (*eventRepo)(s) }
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }
func (s *Store) Close()                         { _ = s.DB.Close() }

type brandingRepo Store

func (r *brandingRepo) Get(ctx context.Context, phoneE164 string) (domain.BrandingRecord, bool, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT phone_e164, brand_name, COALESCE(logo_url,''), COALESCE(call_reason,''), updated_at_ms
		FROM branding WHERE phone_e164=?
	`, phoneE164)
	var rec domain.BrandingRecord
	err := row.Scan(&rec.PhoneE164, &rec.BrandName, &rec.LogoURL, &rec.CallReason, &rec.UpdatedAtEpochMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BrandingRecord{}, false, nil
		}
		return domain.BrandingRecord{}, false, err
	}
	return rec, true, nil
}

const upsertBrandingSQL = `
	INSERT INTO branding (phone_e164, brand_name, logo_url, call_reason, updated_at_ms)
	VALUES (?,?,?,?,?)
	ON CONFLICT (phone_e164) DO UPDATE SET
		brand_name=excluded.brand_name,
		logo_url=excluded.logo_url,
		call_reason=excluded.call_reason,
		updated_at_ms=excluded.updated_at_ms
`

func (r *brandingRepo) Upsert(ctx context.Context, rec domain.BrandingRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, upsertBrandingSQL,
		rec.PhoneE164, rec.BrandName, nullIfEmpty(rec.LogoURL), nullIfEmpty(rec.CallReason), rec.UpdatedAtEpochMs)
	return err
}

func (r *brandingRepo) UpsertAll(ctx context.Context, recs []domain.BrandingRecord) error {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return err
		}
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertBrandingSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx,
			rec.PhoneE164, rec.BrandName, nullIfEmpty(rec.LogoURL), nullIfEmpty(rec.CallReason), rec.UpdatedAtEpochMs); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *brandingRepo) DeleteOlderThan(ctx context.Context, cutoffEpochMs int64) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM branding WHERE updated_at_ms < ?`, cutoffEpochMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *brandingRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM branding`).Scan(&n)
	return n, err
}

type eventRepo Store

func (r *eventRepo) Insert(ctx context.Context, in store.EventInsert) (int64, bool, error) {
	if err := in.Validate(); err != nil {
		return 0, false, err
	}
	now := in.Now.UnixMilli()
	var id int64
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO pending_events (idempotency_key, phone_e164, outcome, surface, displayed_at, meta_json, created_at_ms, updated_at_ms)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`, in.IdempotencyKey, in.PhoneE164, string(in.Outcome), nullIfEmpty(in.Surface), in.DisplayedAt, nullIfEmpty(in.MetaJSON), now, now).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	// duplicate key: report the existing row
	err = r.DB.QueryRowContext(ctx, `SELECT id FROM pending_events WHERE idempotency_key=?`, in.IdempotencyKey).Scan(&id)
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

func (r *eventRepo) ListQueued(ctx context.Context, limit int) ([]domain.PendingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, idempotency_key, phone_e164, outcome, COALESCE(surface,''), displayed_at, COALESCE(meta_json,''),
		       created_at_ms, status, attempts, COALESCE(last_error,''), COALESCE(drop_reason,''), updated_at_ms
		FROM pending_events
		WHERE status='queued'
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PendingEvent
	for rows.Next() {
		var ev domain.PendingEvent
		var outcome, status string
		var createdMs, updatedMs int64
		if err := rows.Scan(&ev.ID, &ev.IdempotencyKey, &ev.PhoneE164, &outcome, &ev.Surface, &ev.DisplayedAt, &ev.MetaJSON,
			&createdMs, &status, &ev.Attempts, &ev.LastError, &ev.DropReason, &updatedMs); err != nil {
			return nil, err
		}
		ev.Outcome = domain.Outcome(outcome)
		ev.Status = domain.EventStatus(status)
		ev.CreatedAt = time.UnixMilli(createdMs).UTC()
		ev.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *eventRepo) MarkSent(ctx context.Context, ids []int64, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, now.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := r.DB.ExecContext(ctx, `
		UPDATE pending_events SET status='sent', updated_at_ms=?
		WHERE status='queued' AND id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *eventRepo) RecordFailure(ctx context.Context, id int64, lastError string, now time.Time) (int, error) {
	var attempts int
	err := r.DB.QueryRowContext(ctx, `
		UPDATE pending_events SET attempts=attempts+1, last_error=?, updated_at_ms=?
		WHERE id=? AND status='queued'
		RETURNING attempts
	`, nullIfEmpty(lastError), now.UnixMilli(), id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotQueued
	}
	return attempts, err
}

func (r *eventRepo) MarkDropped(ctx context.Context, id int64, reason string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE pending_events SET status='dropped', drop_reason=?, updated_at_ms=?
		WHERE id=? AND status='queued'
	`, reason, now.UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotQueued
	}
	return nil
}

func (r *eventRepo) DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM pending_events WHERE status IN ('sent','dropped') AND updated_at_ms < ?
	`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *eventRepo) CountQueued(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_events WHERE status='queued'`).Scan(&n)
	return n, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
