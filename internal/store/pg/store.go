package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callbrand/internal/domain"
	"callbrand/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Branding() store.BrandingCache { return (*brandingRepo)(s) }
func (s *Store) Events() store.EventQueue      { return (*eventRepo)(s) }
func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }
func (s *Store) Close()                         { s.DB.Close() }

type brandingRepo Store

func (r *brandingRepo) Get(ctx context.Context, phoneE164 string) (domain.BrandingRecord, bool, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT phone_e164, brand_name, COALESCE(logo_url,''), COALESCE(call_reason,''), updated_at_ms
		FROM branding WHERE phone_e164=$1
	`, phoneE164)
	var rec domain.BrandingRecord
	err := row.Scan(&rec.PhoneE164, &rec.BrandName, &rec.LogoURL, &rec.CallReason, &rec.UpdatedAtEpochMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BrandingRecord{}, false, nil
		}
		return domain.BrandingRecord{}, false, err
	}
	return rec, true, nil
}

const upsertBrandingSQL = `
	INSERT INTO branding (phone_e164, brand_name, logo_url, call_reason, updated_at_ms)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (phone_e164) DO UPDATE SET
		brand_name=EXCLUDED.brand_name,
		logo_url=EXCLUDED.logo_url,
		call_reason=EXCLUDED.call_reason,
		updated_at_ms=EXCLUDED.updated_at_ms
`

func (r *brandingRepo) Upsert(ctx context.Context, rec domain.BrandingRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := r.DB.Exec(ctx, upsertBrandingSQL,
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

	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(upsertBrandingSQL,
			rec.PhoneE164, rec.BrandName, nullIfEmpty(rec.LogoURL), nullIfEmpty(rec.CallReason), rec.UpdatedAtEpochMs)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *brandingRepo) DeleteOlderThan(ctx context.Context, cutoffEpochMs int64) (int64, error) {
	ct, err := r.DB.Exec(ctx, `DELETE FROM branding WHERE updated_at_ms < $1`, cutoffEpochMs)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (r *brandingRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM branding`).Scan(&n)
	return n, err
}

type eventRepo Store

func (r *eventRepo) Insert(ctx context.Context, in store.EventInsert) (int64, bool, error) {
	if err := in.Validate(); err != nil {
		return 0, false, err
	}
	var id int64
	err := r.DB.QueryRow(ctx, `
		INSERT INTO pending_events (idempotency_key, phone_e164, outcome, surface, displayed_at, meta_json, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`, in.IdempotencyKey, in.PhoneE164, string(in.Outcome), nullIfEmpty(in.Surface), in.DisplayedAt, nullIfEmpty(in.MetaJSON), in.Now).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	// duplicate key: report the existing row
	err = r.DB.QueryRow(ctx, `SELECT id FROM pending_events WHERE idempotency_key=$1`, in.IdempotencyKey).Scan(&id)
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

func (r *eventRepo) ListQueued(ctx context.Context, limit int) ([]domain.PendingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, idempotency_key, phone_e164, outcome, COALESCE(surface,''), displayed_at, COALESCE(meta_json,''),
		       created_at, status, attempts, COALESCE(last_error,''), COALESCE(drop_reason,''), updated_at
		FROM pending_events
		WHERE status='queued'
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PendingEvent
	for rows.Next() {
		var ev domain.PendingEvent
		var outcome, status string
		if err := rows.Scan(&ev.ID, &ev.IdempotencyKey, &ev.PhoneE164, &outcome, &ev.Surface, &ev.DisplayedAt, &ev.MetaJSON,
			&ev.CreatedAt, &status, &ev.Attempts, &ev.LastError, &ev.DropReason, &ev.UpdatedAt); err != nil {
			return nil, err
		}
		ev.Outcome = domain.Outcome(outcome)
		ev.Status = domain.EventStatus(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *eventRepo) MarkSent(ctx context.Context, ids []int64, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE pending_events SET status='sent', updated_at=$2
		WHERE id = ANY($1) AND status='queued'
	`, ids, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (r *eventRepo) RecordFailure(ctx context.Context, id int64, lastError string, now time.Time) (int, error) {
	var attempts int
	err := r.DB.QueryRow(ctx, `
		UPDATE pending_events SET attempts=attempts+1, last_error=$2, updated_at=$3
		WHERE id=$1 AND status='queued'
		RETURNING attempts
	`, id, nullIfEmpty(lastError), now).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotQueued
	}
	return attempts, err
}

func (r *eventRepo) MarkDropped(ctx context.Context, id int64, reason string, now time.Time) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE pending_events SET status='dropped', drop_reason=$2, updated_at=$3
		WHERE id=$1 AND status='queued'
	`, id, reason, now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotQueued
	}
	return nil
}

func (r *eventRepo) DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := r.DB.Exec(ctx, `
		DELETE FROM pending_events WHERE status IN ('sent','dropped') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (r *eventRepo) CountQueued(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM pending_events WHERE status='queued'`).Scan(&n)
	return n, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
