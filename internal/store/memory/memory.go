// Package memory is an in-process implementation of the store repositories.
// Branding rows are sharded by a hash of the phone number so resolutions for
// unrelated numbers never contend on one lock.
package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"callbrand/internal/domain"
	"callbrand/internal/store"
)

const shardCount = 32

type Store struct {
	branding *BrandingCache
	events   *EventQueue
}

func New() *Store {
	return &Store{branding: NewBrandingCache(), events: NewEventQueue()}
}

func (s *Store) Branding() store.BrandingCache { return s.branding }
func (s *Store) Events() store.EventQueue      { return s.events }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Close()                        {}

type shard struct {
	mu   sync.RWMutex
	rows map[string]domain.BrandingRecord
}

type BrandingCache struct {
	shards [shardCount]*shard
}

func NewBrandingCache() *BrandingCache {
	c := &BrandingCache{}
	for i := range c.shards {
		c.shards[i] = &shard{rows: make(map[string]domain.BrandingRecord)}
	}
	return c
}

func (c *BrandingCache) shardFor(phone string) *shard {
	return c.shards[c.shardIndex(phone)]
}

func (c *BrandingCache) Get(ctx context.Context, phoneE164 string) (domain.BrandingRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.BrandingRecord{}, false, err
	}
	sh := c.shardFor(phoneE164)
	sh.mu.RLock()
	rec, ok := sh.rows[phoneE164]
	sh.mu.RUnlock()
	return rec, ok, nil
}

func (c *BrandingCache) Upsert(ctx context.Context, rec domain.BrandingRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := c.shardFor(rec.PhoneE164)
	sh.mu.Lock()
	sh.rows[rec.PhoneE164] = rec
	sh.mu.Unlock()
	return nil
}

// UpsertAll validates every record first, then locks all touched shards in
// index order so the batch becomes visible at once.
func (c *BrandingCache) UpsertAll(ctx context.Context, recs []domain.BrandingRecord) error {
	if len(recs) == 0 {
		return nil
	}
	for _, r := range recs {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	touched := make(map[int]struct{})
	for _, r := range recs {
		touched[c.shardIndex(r.PhoneE164)] = struct{}{}
	}
	idx := make([]int, 0, len(touched))
	for i := range touched {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	for _, i := range idx {
		c.shards[i].mu.Lock()
	}
	for _, r := range recs {
		c.shards[c.shardIndex(r.PhoneE164)].rows[r.PhoneE164] = r
	}
	for j := len(idx) - 1; j >= 0; j-- {
		c.shards[idx[j]].mu.Unlock()
	}
	return nil
}

func (c *BrandingCache) shardIndex(phone string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(phone))
	return int(h.Sum32() % shardCount)
}

func (c *BrandingCache) DeleteOlderThan(ctx context.Context, cutoffEpochMs int64) (int64, error) {
	var n int64
	for _, sh := range c.shards {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		sh.mu.Lock()
		for k, r := range sh.rows {
			if r.UpdatedAtEpochMs < cutoffEpochMs {
				delete(sh.rows, k)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, nil
}

func (c *BrandingCache) Count(context.Context) (int64, error) {
	var n int64
	for _, sh := range c.shards {
		sh.mu.RLock()
		n += int64(len(sh.rows))
		sh.mu.RUnlock()
	}
	return n, nil
}

// EventQueue keeps rows in id order; its lock is scoped to the queue only.
type EventQueue struct {
	mu     sync.Mutex
	nextID int64
	rows   []*domain.PendingEvent
	byKey  map[string]int64
	byID   map[int64]*domain.PendingEvent
}

func NewEventQueue() *EventQueue {
	return &EventQueue{
		nextID: 1,
		byKey:  make(map[string]int64),
		byID:   make(map[int64]*domain.PendingEvent),
	}
}

func (q *EventQueue) Insert(ctx context.Context, in store.EventInsert) (int64, bool, error) {
	if err := in.Validate(); err != nil {
		return 0, false, err
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.byKey[in.IdempotencyKey]; ok {
		return id, false, nil
	}
	ev := &domain.PendingEvent{
		ID:             q.nextID,
		IdempotencyKey: in.IdempotencyKey,
		PhoneE164:      in.PhoneE164,
		Outcome:        in.Outcome,
		Surface:        in.Surface,
		DisplayedAt:    in.DisplayedAt,
		MetaJSON:       in.MetaJSON,
		CreatedAt:      in.Now,
		Status:         domain.StatusQueued,
		UpdatedAt:      in.Now,
	}
	q.nextID++
	q.rows = append(q.rows, ev)
	q.byKey[ev.IdempotencyKey] = ev.ID
	q.byID[ev.ID] = ev
	return ev.ID, true, nil
}

func (q *EventQueue) ListQueued(ctx context.Context, limit int) ([]domain.PendingEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.PendingEvent, 0)
	for _, ev := range q.rows {
		if limit > 0 && len(out) >= limit {
			break
		}
		if ev.Status == domain.StatusQueued {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (q *EventQueue) MarkSent(ctx context.Context, ids []int64, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for _, id := range ids {
		ev, ok := q.byID[id]
		if !ok || ev.Status != domain.StatusQueued {
			continue
		}
		ev.Status = domain.StatusSent
		ev.UpdatedAt = now
		n++
	}
	return n, nil
}

func (q *EventQueue) RecordFailure(ctx context.Context, id int64, lastError string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	ev, ok := q.byID[id]
	if !ok || ev.Status != domain.StatusQueued {
		return 0, store.ErrNotQueued
	}
	ev.Attempts++
	ev.LastError = lastError
	ev.UpdatedAt = now
	return ev.Attempts, nil
}

func (q *EventQueue) MarkDropped(ctx context.Context, id int64, reason string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	ev, ok := q.byID[id]
	if !ok || ev.Status != domain.StatusQueued {
		return store.ErrNotQueued
	}
	ev.Status = domain.StatusDropped
	ev.DropReason = reason
	ev.UpdatedAt = now
	return nil
}

func (q *EventQueue) DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	kept := q.rows[:0]
	for _, ev := range q.rows {
		if ev.Status.Terminal() && ev.UpdatedAt.Before(cutoff) {
			delete(q.byKey, ev.IdempotencyKey)
			delete(q.byID, ev.ID)
			n++
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(q.rows); i++ {
		q.rows[i] = nil
	}
	q.rows = kept
	return n, nil
}

func (q *EventQueue) CountQueued(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, ev := range q.rows {
		if ev.Status == domain.StatusQueued {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of one row, for tests and debug tooling.
func (q *EventQueue) Get(id int64) (domain.PendingEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.byID[id]
	if !ok {
		return domain.PendingEvent{}, false
	}
	return *ev, true
}

// All returns copies of every row in id order.
func (q *EventQueue) All() []domain.PendingEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.PendingEvent, 0, len(q.rows))
	for _, ev := range q.rows {
		out = append(out, *ev)
	}
	return out
}
