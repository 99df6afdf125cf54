// Package resolver turns an incoming number into a branding decision,
// cache first, with a time-boxed backend lookup on a miss.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"callbrand/internal/api"
	"callbrand/internal/domain"
	"callbrand/internal/events"
	"callbrand/internal/observability"
	"callbrand/internal/store"
)

type Lookuper interface {
	Lookup(ctx context.Context, e164, deviceID string) (api.LookupResponse, bool, error)
}

// Timeouts bounds the network step per surface class.
type Timeouts struct {
	CallScreening time.Duration
	Manual        time.Duration
}

func (t Timeouts) For(surface string) time.Duration {
	switch surface {
	case domain.SurfaceManual, domain.SurfaceBackground:
		if t.Manual > 0 {
			return t.Manual
		}
		return 3 * time.Second
	}
	if t.CallScreening > 0 {
		return t.CallScreening
	}
	return 150 * time.Millisecond
}

type Resolver struct {
	Cache    store.BrandingCache
	API      Lookuper
	Events   *events.Recorder
	DeviceID string
	Timeouts Timeouts
	// OnResolved runs after every resolution; it must not block.
	OnResolved func(domain.BrandingResult)
	Now        func() time.Time
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

type lookupResult struct {
	resp  api.LookupResponse
	found bool
	err   error
}

// Resolve always returns a result; failures surface as an error outcome.
func (r *Resolver) Resolve(ctx context.Context, e164, surface string) domain.BrandingResult {
	start := time.Now()
	res, source := r.resolve(ctx, e164, surface)

	observability.Resolves.WithLabelValues(string(res.Outcome), source, surface).Inc()
	observability.ResolveLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())
	r.track(ctx, res, surface)
	if r.OnResolved != nil {
		r.OnResolved(res)
	}
	return res
}

func (r *Resolver) resolve(ctx context.Context, e164, surface string) (domain.BrandingResult, string) {
	if strings.TrimSpace(e164) == "" {
		return domain.ErrorResult(e164, &domain.Error{Kind: domain.KindBadRequest, Err: errors.New("empty phone number")}), "input"
	}

	rec, found, err := r.Cache.Get(ctx, e164)
	switch {
	case err != nil:
		slog.Warn("branding cache read failed, falling back to network", "e164", e164, "err", err)
	case found:
		return fromRecord(rec), "cache"
	}

	lr := r.lookup(ctx, e164, surface)
	if lr.err != nil {
		slog.Warn("branding lookup failed", "e164", e164, "surface", surface, "err", lr.err)
		return domain.ErrorResult(e164, lr.err), "network"
	}
	if !lr.found {
		return domain.BrandingResult{E164: e164, Outcome: domain.OutcomeNoMatch}, "network"
	}

	res := classify(e164, lr.resp)
	if res.Outcome == domain.OutcomeDisplayed && strings.TrimSpace(res.BrandName) != "" {
		// Detached so a deadline that fired after the response still caches it.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		err := r.Cache.Upsert(wctx, domain.BrandingRecord{
			PhoneE164:        e164,
			BrandName:        res.BrandName,
			LogoURL:          res.LogoURL,
			CallReason:       res.CallReason,
			UpdatedAtEpochMs: r.now().UnixMilli(),
		})
		cancel()
		if err != nil {
			slog.Warn("branding cache write failed", "e164", e164, "err", err)
		}
	}
	return res, "network"
}

// lookup enforces the surface deadline even if the client ignores ctx.
func (r *Resolver) lookup(ctx context.Context, e164, surface string) lookupResult {
	timeout := r.Timeouts.For(surface)
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan lookupResult, 1)
	go func() {
		resp, found, err := r.API.Lookup(lctx, e164, r.DeviceID)
		done <- lookupResult{resp: resp, found: found, err: err}
	}()

	select {
	case lr := <-done:
		return lr
	case <-lctx.Done():
		return lookupResult{err: &domain.Error{Kind: domain.KindNetwork, Err: lctx.Err()}}
	}
}

func classify(e164 string, resp api.LookupResponse) domain.BrandingResult {
	res := domain.BrandingResult{
		E164:       e164,
		BrandName:  resp.BrandName,
		LogoURL:    resp.LogoURL,
		CallReason: resp.CallReason,
		Display:    resp.Display,
		Config:     resp.Config,
		Limits:     resp.Limits,
	}
	switch {
	case resp.Display != nil && !*resp.Display:
		res.Outcome = domain.OutcomeDisabled
		res.BrandName, res.LogoURL, res.CallReason = "", "", ""
	case blank(resp.BrandName) && blank(resp.LogoURL) && blank(resp.CallReason):
		res.Outcome = domain.OutcomeNoMatch
	default:
		res.Outcome = domain.OutcomeDisplayed
	}
	return res
}

func fromRecord(rec domain.BrandingRecord) domain.BrandingResult {
	display := true
	return domain.BrandingResult{
		E164:       rec.PhoneE164,
		Outcome:    domain.OutcomeDisplayed,
		BrandName:  rec.BrandName,
		LogoURL:    rec.LogoURL,
		CallReason: rec.CallReason,
		Display:    &display,
		Cached:     true,
	}
}

func (r *Resolver) track(ctx context.Context, res domain.BrandingResult, surface string) {
	if r.Events == nil || blank(res.E164) {
		return
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	_, _, err := r.Events.Track(tctx, events.Outcome{
		PhoneE164: res.E164,
		Outcome:   res.Outcome,
		Surface:   surface,
	})
	if err != nil && !errors.Is(err, events.ErrUntracked) {
		slog.Warn("enqueue branding event failed", "e164", res.E164, "outcome", res.Outcome, "err", err)
	}
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }
