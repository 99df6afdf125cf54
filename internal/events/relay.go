package events

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"callbrand/internal/api"
	"callbrand/internal/domain"
	"callbrand/internal/observability"
)

// Relay forwards events received from the SQS sink to the backend.
type Relay struct {
	Sink     Submitter
	Limiter  *rate.Limiter
	Attempts int
}

// Handle returns nil when the message should be acknowledged: delivered, or
// rejected by the backend for good. Any other error leaves it for redrive.
func (r *Relay) Handle(ctx context.Context, ev api.EventRequest) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if r.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := r.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				observability.RelayEvents.WithLabelValues("rate_limited_local").Inc()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				lastErr = ErrLocalRateLimited
				continue
			}
		}

		err := r.Sink.SubmitEvent(ctx, ev)
		if err == nil {
			observability.RelayEvents.WithLabelValues("sent").Inc()
			return nil
		}
		lastErr = err

		switch kind := domain.KindOf(err); {
		case kind == domain.KindUnauthorized:
			observability.RelayEvents.WithLabelValues("unauthorized").Inc()
			return err
		case !api.ShouldRetry(err):
			observability.RelayEvents.WithLabelValues("rejected").Inc()
			slog.Warn("relay event rejected", "idempotency_key", ev.IdempotencyKey, "err", err)
			return nil
		case kind == domain.KindRateLimited || api.IsBreakerOpen(err):
			// fail fast; let SQS redrive later
			observability.RelayEvents.WithLabelValues("deferred").Inc()
			return err
		}

		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(api.Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	observability.RelayEvents.WithLabelValues("retry_exhausted").Inc()
	return lastErr
}
