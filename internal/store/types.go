package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"callbrand/internal/domain"
)

// BrandingCache is the Local Branding Cache, keyed by E.164.
type BrandingCache interface {
	// Get returns found=false (and a nil error) on a miss.
	Get(ctx context.Context, phoneE164 string) (rec domain.BrandingRecord, found bool, err error)
	// Upsert replaces any row for the same key (last write wins).
	Upsert(ctx context.Context, rec domain.BrandingRecord) error
	// UpsertAll writes all records in one atomic operation.
	UpsertAll(ctx context.Context, recs []domain.BrandingRecord) error
	DeleteOlderThan(ctx context.Context, cutoffEpochMs int64) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// EventQueue is the durable, FIFO Pending Event Queue.
type EventQueue interface {
	// Insert is a no-op when a row with the same idempotency key exists.
	Insert(ctx context.Context, in EventInsert) (id int64, inserted bool, err error)
	// ListQueued returns queued rows ascending by id.
	ListQueued(ctx context.Context, limit int) ([]domain.PendingEvent, error)
	// MarkSent moves all given queued rows to sent in one atomic update.
	MarkSent(ctx context.Context, ids []int64, now time.Time) (int64, error)
	// RecordFailure increments attempts on a queued row and returns the new count.
	RecordFailure(ctx context.Context, id int64, lastError string, now time.Time) (attempts int, err error)
	MarkDropped(ctx context.Context, id int64, reason string, now time.Time) error
	DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CountQueued(ctx context.Context) (int64, error)
}

// Store bundles both repositories behind one lifecycle.
type Store interface {
	Branding() BrandingCache
	Events() EventQueue
	Ping(ctx context.Context) error
	Close()
}

type EventInsert struct {
	IdempotencyKey string
	PhoneE164      string
	Outcome        domain.Outcome
	Surface        string
	DisplayedAt    string
	MetaJSON       string
	Now            time.Time
}

var ErrNotQueued = errors.New("event is not queued")

func (in EventInsert) Validate() error {
	if in.IdempotencyKey == "" || strings.TrimSpace(in.PhoneE164) == "" || !in.Outcome.Valid() {
		return errors.New("event insert missing idempotency key, phone or valid outcome")
	}
	return nil
}
