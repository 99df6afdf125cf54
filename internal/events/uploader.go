package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"callbrand/internal/api"
	"callbrand/internal/domain"
	"callbrand/internal/observability"
	"callbrand/internal/store"
)

// Submitter delivers one event. Implemented by api.Client and the SQS producer.
type Submitter interface {
	SubmitEvent(ctx context.Context, ev api.EventRequest) error
}

// ErrLocalRateLimited means the uploader could not get a token from its own
// limiter in time; the pass stops and nothing is charged to the events.
var ErrLocalRateLimited = &domain.Error{Kind: domain.KindRateLimited, Err: errors.New("local upload limiter exhausted")}

type Uploader struct {
	Queue       store.EventQueue
	Sink        Submitter
	DeviceID    string
	Limiter     *rate.Limiter
	MaxAttempts int
	Retention   time.Duration
	Now         func() time.Time
}

func (u *Uploader) now() time.Time {
	if u.Now != nil {
		return u.Now().UTC()
	}
	return time.Now().UTC()
}

func (u *Uploader) maxAttempts() int {
	if u.MaxAttempts <= 0 {
		return 3
	}
	return u.MaxAttempts
}

// UploadPending delivers up to batchSize queued events in id order and returns
// how many were sent. Events fail independently, except that unauthorized,
// rate-limited and breaker-open failures stop the pass and are returned; they
// do not consume attempts. Successful ids are marked sent in one update even
// when the pass stops early.
func (u *Uploader) UploadPending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, nil
	}
	rows, err := u.Queue.ListQueued(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	var sent []int64
	abortErr := u.deliver(ctx, rows, &sent)

	uploaded := 0
	if len(sent) > 0 {
		// Detached so a cancelled pass still records what the backend accepted.
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		n, err := u.Queue.MarkSent(markCtx, sent, u.now())
		cancel()
		if err != nil {
			return 0, err
		}
		uploaded = int(n)
		observability.EventUploads.WithLabelValues("sent").Add(float64(n))
	}

	if depth, err := u.Queue.CountQueued(context.WithoutCancel(ctx)); err == nil {
		observability.QueueDepth.Set(float64(depth))
	}
	if abortErr != nil {
		observability.EventUploads.WithLabelValues("aborted").Inc()
		slog.Warn("event upload pass aborted", "uploaded", uploaded, "err", abortErr)
		return uploaded, abortErr
	}
	if len(rows) > 0 {
		slog.Info("event upload pass finished", "batch", len(rows), "uploaded", uploaded)
	}
	return uploaded, nil
}

func (u *Uploader) deliver(ctx context.Context, rows []domain.PendingEvent, sent *[]int64) error {
	maxAttempts := u.maxAttempts()
	for _, ev := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Already exhausted, e.g. after EVENT_MAX_ATTEMPTS was lowered.
		if ev.Attempts >= maxAttempts {
			u.drop(ctx, ev, domain.DropRetriesExceeded)
			continue
		}

		if u.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := u.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrLocalRateLimited
			}
		}

		err := u.Sink.SubmitEvent(ctx, u.request(ev))
		if err == nil {
			*sent = append(*sent, ev.ID)
			continue
		}

		kind := domain.KindOf(err)
		switch kind {
		case domain.KindUnauthorized, domain.KindRateLimited:
			return err
		case domain.KindNetwork:
			if api.IsBreakerOpen(err) {
				return err
			}
		}

		attempts, ferr := u.Queue.RecordFailure(ctx, ev.ID, err.Error(), u.now())
		if ferr != nil {
			if errors.Is(ferr, store.ErrNotQueued) {
				continue
			}
			return ferr
		}
		observability.EventUploads.WithLabelValues("failed").Inc()
		slog.Warn("event delivery failed", "event_id", ev.ID, "outcome", ev.Outcome, "attempts", attempts, "kind", kind, "err", err)

		switch {
		case kind == domain.KindBadRequest:
			u.drop(ctx, ev, domain.DropRejected)
		case attempts >= maxAttempts:
			u.drop(ctx, ev, domain.DropRetriesExceeded)
		}
	}
	return nil
}

func (u *Uploader) drop(ctx context.Context, ev domain.PendingEvent, reason string) {
	if err := u.Queue.MarkDropped(ctx, ev.ID, reason, u.now()); err != nil && !errors.Is(err, store.ErrNotQueued) {
		slog.Error("mark event dropped", "event_id", ev.ID, "err", err)
		return
	}
	observability.EventUploads.WithLabelValues("dropped").Inc()
	slog.Info("event dropped", "event_id", ev.ID, "outcome", ev.Outcome, "reason", reason)
}

func (u *Uploader) request(ev domain.PendingEvent) api.EventRequest {
	req := api.EventRequest{
		PhoneE164:      ev.PhoneE164,
		Outcome:        ev.Outcome,
		Surface:        ev.Surface,
		DeviceID:       u.DeviceID,
		DisplayedAt:    ev.DisplayedAt,
		IdempotencyKey: ev.IdempotencyKey,
		EventKey:       ev.IdempotencyKey,
	}
	if ev.MetaJSON != "" {
		req.Meta = []byte(ev.MetaJSON)
	}
	return req
}

// Purge removes sent and dropped rows older than the retention window.
func (u *Uploader) Purge(ctx context.Context) (int64, error) {
	retention := u.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	n, err := u.Queue.DeleteCompletedOlderThan(ctx, u.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("purged completed events", "count", n)
	}
	return n, nil
}
