package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbrand/internal/domain"
	"callbrand/internal/store"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db", "callbrand.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, path
}

func TestMigrateIsRepeatable(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, s.DB))

	var v int
	require.NoError(t, s.DB.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v))
	assert.Equal(t, SchemaVersion(), v)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), " ")
	assert.Error(t, err)
}

func TestBrandingRepo(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	c := s.Branding()

	require.ErrorIs(t, c.Upsert(ctx, domain.BrandingRecord{PhoneE164: "+1"}), domain.ErrBlankBrand)

	require.NoError(t, c.UpsertAll(ctx, []domain.BrandingRecord{
		{PhoneE164: "+14155550100", BrandName: "Acme Co", CallReason: "Appointment reminder", UpdatedAtEpochMs: 1_000},
		{PhoneE164: "+14155550101", BrandName: "Globex", LogoURL: "https://cdn.example.com/g.png", UpdatedAtEpochMs: 9_000},
	}))
	require.NoError(t, c.Upsert(ctx, domain.BrandingRecord{PhoneE164: "+14155550100", BrandName: "Acme Inc", UpdatedAtEpochMs: 2_000}))

	rec, found, err := c.Get(ctx, "+14155550100")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Acme Inc", rec.BrandName)
	assert.Empty(t, rec.LogoURL)
	assert.Empty(t, rec.CallReason, "last write wins")

	_, found, err = c.Get(ctx, "+19999999999")
	require.NoError(t, err)
	assert.False(t, found)

	n, err := c.DeleteOlderThan(ctx, 5_000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	count, err := c.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestUpsertAllIsAtomic(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	c := s.Branding()

	err := c.UpsertAll(ctx, []domain.BrandingRecord{
		{PhoneE164: "+14155550100", BrandName: "Acme", UpdatedAtEpochMs: 1},
		{PhoneE164: "+14155550101", BrandName: " ", UpdatedAtEpochMs: 1},
	})
	require.ErrorIs(t, err, domain.ErrBlankBrand)

	count, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEventRepoLifecycle(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	q := s.Events()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	in := store.EventInsert{
		IdempotencyKey: "k1", PhoneE164: "+14155550100", Outcome: domain.OutcomeDisplayed,
		Surface: domain.SurfaceCallScreening, DisplayedAt: now.Format(time.RFC3339), Now: now,
	}
	id1, inserted, err := q.Insert(ctx, in)
	require.NoError(t, err)
	require.True(t, inserted)

	dup, inserted, err := q.Insert(ctx, in)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id1, dup)

	in.IdempotencyKey = "k2"
	id2, _, err := q.Insert(ctx, in)
	require.NoError(t, err)

	queued, err := q.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, id1, queued[0].ID)
	assert.Equal(t, domain.StatusQueued, queued[0].Status)
	assert.True(t, queued[0].CreatedAt.Equal(now))
	assert.Equal(t, domain.SurfaceCallScreening, queued[0].Surface)

	attempts, err := q.RecordFailure(ctx, id2, "server: 503", now)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	n, err := q.MarkSent(ctx, []int64{id1, id1 + 100}, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = q.RecordFailure(ctx, id1, "late", now)
	assert.ErrorIs(t, err, store.ErrNotQueued)

	require.NoError(t, q.MarkDropped(ctx, id2, domain.DropRetriesExceeded, now))
	assert.ErrorIs(t, q.MarkDropped(ctx, id2, domain.DropRetriesExceeded, now), store.ErrNotQueued)

	depth, err := q.CountQueued(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	purged, err := q.DeleteCompletedOlderThan(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, purged, "cutoff is exclusive")
	purged, err = q.DeleteCompletedOlderThan(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, purged)
}

func TestInsertRejectsBlankPhone(t *testing.T) {
	s, _ := openTestStore(t)
	_, _, err := s.Events().Insert(context.Background(), store.EventInsert{
		IdempotencyKey: "k", PhoneE164: "  ", Outcome: domain.OutcomeError, DisplayedAt: "x", Now: time.Now(),
	})
	assert.Error(t, err)
}

func TestQueueSurvivesReopen(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Branding().Upsert(ctx, domain.BrandingRecord{PhoneE164: "+14155550100", BrandName: "Acme", UpdatedAtEpochMs: 1}))
	for i := 0; i < 3; i++ {
		_, _, err := s.Events().Insert(ctx, store.EventInsert{
			IdempotencyKey: fmt.Sprintf("k%d", i), PhoneE164: "+14155550100", Outcome: domain.OutcomeDisplayed,
			DisplayedAt: now.Format(time.RFC3339), Now: now,
		})
		require.NoError(t, err)
	}
	s.Close()

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	queued, err := reopened.Events().ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.Equal(t, "k0", queued[0].IdempotencyKey)

	_, found, err := reopened.Branding().Get(ctx, "+14155550100")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestConcurrentInsertsKeepOneRowPerKey(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = s.Events().Insert(ctx, store.EventInsert{
				IdempotencyKey: fmt.Sprintf("k%d", i%8), PhoneE164: "+14155550100", Outcome: domain.OutcomeMissed,
				DisplayedAt: now.Format(time.RFC3339), Now: now,
			})
		}(i)
	}
	wg.Wait()

	depth, err := s.Events().CountQueued(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 8, depth)
}
