// Package events records call outcomes into the pending event queue and
// drains that queue towards the backend.
package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"callbrand/internal/domain"
	"callbrand/internal/observability"
	"callbrand/internal/store"
	"callbrand/internal/util"
)

// ErrUntracked is returned when an outcome was discarded because its number
// is not in the branding cache.
var ErrUntracked = errors.New("number is not tracked")

type Recorder struct {
	Branding store.BrandingCache
	Queue    store.EventQueue
	DeviceID string
	Now      func() time.Time

	lastMs atomic.Int64
}

type Outcome struct {
	PhoneE164 string
	Outcome   domain.Outcome
	Surface   string
	At        time.Time
	MetaJSON  string
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// stamp returns the current time, moved to one millisecond past the previous
// stamp when the clock has not advanced. Each occurrence gets its own key.
func (r *Recorder) stamp() time.Time {
	ms := r.now().UnixMilli()
	for {
		last := r.lastMs.Load()
		next := ms
		if next <= last {
			next = last + 1
		}
		if r.lastMs.CompareAndSwap(last, next) {
			return time.UnixMilli(next).UTC()
		}
	}
}

// Track enqueues one event for o. Numbers absent from the branding cache are
// discarded with ErrUntracked, except resolver error and disabled outcomes.
// A zero At is stamped uniquely; an explicit At keeps the key deterministic,
// so re-enqueueing the same occurrence returns inserted=false.
func (r *Recorder) Track(ctx context.Context, o Outcome) (int64, bool, error) {
	if strings.TrimSpace(o.PhoneE164) == "" {
		return 0, false, &domain.Error{Kind: domain.KindBadRequest, Err: errors.New("phone number is required")}
	}
	if o.At.IsZero() {
		o.At = r.stamp()
	}
	if !exemptFromTracking(o.Outcome) {
		_, found, err := r.Branding.Get(ctx, o.PhoneE164)
		if err != nil {
			observability.EventsEnqueued.WithLabelValues(string(o.Outcome), "error").Inc()
			return 0, false, err
		}
		if !found {
			observability.EventsEnqueued.WithLabelValues(string(o.Outcome), "untracked").Inc()
			return 0, false, ErrUntracked
		}
	}

	in := store.EventInsert{
		IdempotencyKey: IdempotencyKey(r.DeviceID, o.PhoneE164, o.Outcome, o.At.UnixMilli()),
		PhoneE164:      o.PhoneE164,
		Outcome:        o.Outcome,
		Surface:        o.Surface,
		DisplayedAt:    util.ISO(o.At),
		MetaJSON:       o.MetaJSON,
		Now:            r.now(),
	}
	id, inserted, err := r.Queue.Insert(ctx, in)
	if err != nil {
		observability.EventsEnqueued.WithLabelValues(string(o.Outcome), "error").Inc()
		return 0, false, err
	}
	if !inserted {
		observability.EventsEnqueued.WithLabelValues(string(o.Outcome), "duplicate").Inc()
		return id, false, nil
	}
	observability.EventsEnqueued.WithLabelValues(string(o.Outcome), "queued").Inc()
	slog.Debug("event queued", "event_id", id, "e164", o.PhoneE164, "outcome", o.Outcome, "surface", o.Surface)
	return id, true, nil
}

func exemptFromTracking(o domain.Outcome) bool {
	return o == domain.OutcomeError || o == domain.OutcomeDisabled
}

// CallEvent carries the optional fields of the call-lifecycle recording APIs.
type CallEvent struct {
	PhoneE164         string
	Surface           string
	BrandingDisplayed bool
	// MetaJSON is caller-supplied; its keys are never overridden.
	MetaJSON string
	// OccurredAt defaults to now.
	OccurredAt time.Time

	BrandingApplied     *bool
	BrandingProfileID   string
	CallOutcome         string
	RingDurationSeconds *int
	CallDurationSeconds *int
}

type ReturnedCall struct {
	CallEvent
	CallID                   string
	BrandingDisplayedAtMiss  bool
	ReturnCallLatencySeconds *int
}

// RecordMissedCall enqueues a missed event and returns the new call id. The
// call id is returned even when the number is untracked.
func (r *Recorder) RecordMissedCall(ctx context.Context, ev CallEvent) (string, error) {
	callID := util.NewCallID()
	outcome := ev.CallOutcome
	if outcome == "" {
		outcome = "missed"
	}
	return callID, r.recordCall(ctx, domain.OutcomeMissed, callID, "missed:"+callID, ev, outcome, nil)
}

func (r *Recorder) RecordCallSeen(ctx context.Context, ev CallEvent) (string, error) {
	callID := util.NewCallID()
	outcome := ev.CallOutcome
	if outcome == "" {
		outcome = "seen"
	}
	return callID, r.recordCall(ctx, domain.OutcomeCallSeen, callID, "seen:"+callID, ev, outcome, nil)
}

func (r *Recorder) RecordCallReturned(ctx context.Context, rc ReturnedCall) error {
	if strings.TrimSpace(rc.CallID) == "" {
		return &domain.Error{Kind: domain.KindBadRequest, Err: errors.New("call id is required")}
	}
	extra := []metaField{
		{"branding_displayed_at_miss", rc.BrandingDisplayedAtMiss},
		{"return_call_detected", true},
		{"return_call_latency_seconds", rc.ReturnCallLatencySeconds},
	}
	outcome := rc.CallOutcome
	if outcome == "" {
		outcome = "returned"
	}
	return r.recordCall(ctx, domain.OutcomeCallReturned, rc.CallID, "returned:"+rc.CallID, rc.CallEvent, outcome, extra)
}

func (r *Recorder) recordCall(ctx context.Context, kind domain.Outcome, callID, callEventID string, ev CallEvent, callOutcome string, extra []metaField) error {
	phone := util.NormalizeE164(ev.PhoneE164)
	if phone == "" {
		return &domain.Error{Kind: domain.KindBadRequest, Err: errors.New("phone number is required")}
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = r.stamp()
	}
	surface := ev.Surface
	if surface == "" {
		surface = domain.SurfaceHostObserved
	}
	applied := ev.BrandingApplied
	if applied == nil {
		applied = &ev.BrandingDisplayed
	}
	defaults := []metaField{
		{"call_id", callID},
		{"call_event_id", callEventID},
		{"branding_displayed", ev.BrandingDisplayed},
		{"branding_applied", applied},
		{"branding_profile_id", ev.BrandingProfileID},
		{"call_outcome", callOutcome},
		{"observed_at_utc", util.ISO(at)},
		{"ring_duration_seconds", ev.RingDurationSeconds},
		{"call_duration_seconds", ev.CallDurationSeconds},
	}
	defaults = append(defaults, extra...)

	_, _, err := r.Track(ctx, Outcome{
		PhoneE164: phone,
		Outcome:   kind,
		Surface:   surface,
		At:        at,
		MetaJSON:  buildMeta(ev.MetaJSON, defaults),
	})
	if errors.Is(err, ErrUntracked) {
		slog.Debug("call event skipped for untracked number", "e164", phone, "outcome", kind)
		return nil
	}
	return err
}
