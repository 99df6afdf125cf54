// Package sdk wires the branding core into one service object owned by the
// host process.
package sdk

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"callbrand/internal/api"
	"callbrand/internal/config"
	"callbrand/internal/debug"
	"callbrand/internal/device"
	"callbrand/internal/domain"
	"callbrand/internal/events"
	"callbrand/internal/imagecache"
	"callbrand/internal/observability"
	"callbrand/internal/resolver"
	"callbrand/internal/scheduler"
	"callbrand/internal/store"
	"callbrand/internal/util"
)

// Backend is the REST surface the core consumes; *api.Client implements it.
type Backend interface {
	resolver.Lookuper
	Sync(ctx context.Context, sinceISO, deviceID string) (api.SyncResponse, error)
	device.Registrar
	debug.Uploader
	events.Submitter
}

type LogSource interface {
	Lines() []string
}

type Options struct {
	Backend Backend
	Store   store.Store
	// Branding overrides Store.Branding(), e.g. with a shared redis cache.
	Branding store.BrandingCache
	// EventSink overrides Backend for event delivery, e.g. the SQS producer.
	EventSink events.Submitter
	// Images is optional; without it logos are not prefetched.
	Images *imagecache.Cache

	DeviceID string
	Device   device.Metadata
	Policy   config.Policy
	Debug    *debug.Gate
	Logs     LogSource
	Now      func() time.Time
}

type Service struct {
	backend  Backend
	store    store.Store
	branding store.BrandingCache
	images   *imagecache.Cache
	deviceID string
	device   device.Metadata
	policy   config.Policy
	debug    *debug.Gate
	logs     LogSource
	now      func() time.Time

	resolver *resolver.Resolver
	recorder *events.Recorder
	uploader *events.Uploader

	sched         *scheduler.Scheduler
	uploadTrigger *scheduler.Trigger
	startOnce     sync.Once
	syncMu        sync.Mutex
	uploadMu      sync.Mutex
}

func New(o Options) (*Service, error) {
	if o.Backend == nil {
		return nil, errors.New("sdk: backend is required")
	}
	if o.Store == nil {
		return nil, errors.New("sdk: store is required")
	}
	if strings.TrimSpace(o.DeviceID) == "" {
		return nil, errors.New("sdk: device id is required")
	}
	if o.Now == nil {
		o.Now = util.NowUTC
	}
	if o.Debug == nil {
		o.Debug = &debug.Gate{}
	}
	branding := o.Branding
	if branding == nil {
		branding = o.Store.Branding()
	}
	sink := o.EventSink
	if sink == nil {
		sink = o.Backend
	}

	s := &Service{
		backend:  o.Backend,
		store:    o.Store,
		branding: branding,
		images:   o.Images,
		deviceID: o.DeviceID,
		device:   o.Device,
		policy:   o.Policy,
		debug:    o.Debug,
		logs:     o.Logs,
		now:      o.Now,
		sched:    scheduler.New(),
	}
	s.recorder = &events.Recorder{Branding: branding, Queue: o.Store.Events(), DeviceID: o.DeviceID, Now: o.Now}

	var limiter *rate.Limiter
	if o.Policy.UploadRPS > 0 {
		burst := o.Policy.UploadBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(o.Policy.UploadRPS), burst)
	}
	s.uploader = &events.Uploader{
		Queue:       o.Store.Events(),
		Sink:        sink,
		DeviceID:    o.DeviceID,
		Limiter:     limiter,
		MaxAttempts: o.Policy.EventMaxAttempts,
		Retention:   o.Policy.EventRetention,
		Now:         o.Now,
	}

	s.uploadTrigger = s.sched.Add(scheduler.Job{
		Name: "event_upload", Interval: orDefault(o.Policy.UploadInterval, 15*time.Minute),
		RunOnStart: true, RetryBase: 30 * time.Second,
		Run: func(ctx context.Context) error { _, err := s.UploadPendingEvents(ctx); return err },
	})
	s.sched.Add(scheduler.Job{
		Name: "branding_sync", Interval: orDefault(o.Policy.SyncInterval, 24*time.Hour),
		RunOnStart: true, RetryBase: 30 * time.Second,
		Run: func(ctx context.Context) error { _, err := s.SyncNow(ctx); return err },
	})
	s.sched.Add(scheduler.Job{
		Name: "cleanup", Interval: orDefault(o.Policy.CleanupInterval, 24*time.Hour),
		RunOnStart: true,
		Run:        s.Cleanup,
	})

	s.resolver = &resolver.Resolver{
		Cache:    branding,
		API:      o.Backend,
		Events:   s.recorder,
		DeviceID: o.DeviceID,
		Timeouts: resolver.Timeouts{
			CallScreening: o.Policy.LookupTimeoutCallScreening,
			Manual:        o.Policy.LookupTimeoutManual,
		},
		OnResolved: func(domain.BrandingResult) { s.uploadTrigger.Fire() },
		Now:        o.Now,
	}
	return s, nil
}

// Start registers the device in the background and starts the periodic
// jobs. Calling it more than once has no effect.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.registerDevice(context.WithoutCancel(ctx))
		s.sched.Start(ctx)
	})
}

// Close stops background jobs. The store stays open; it belongs to the host.
func (s *Service) Close() {
	s.sched.Stop()
}

func (s *Service) DeviceID() string { return s.deviceID }

// Resolve never fails; problems are reported as an error outcome.
func (s *Service) Resolve(ctx context.Context, e164, surface string) domain.BrandingResult {
	if n := util.NormalizeE164(e164); n != "" {
		e164 = n
	}
	if surface == "" {
		surface = domain.SurfaceManual
	}
	return s.resolver.Resolve(ctx, e164, surface)
}

// ResolveAsync runs Resolve off the caller's goroutine; the channel receives
// exactly one result.
func (s *Service) ResolveAsync(ctx context.Context, e164, surface string) <-chan domain.BrandingResult {
	out := make(chan domain.BrandingResult, 1)
	go func() { out <- s.Resolve(ctx, e164, surface) }()
	return out
}

func (s *Service) UploadPendingEvents(ctx context.Context) (int, error) {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()
	return s.uploader.UploadPending(ctx, orDefault(s.policy.UploadBatchSize, 50))
}

// SyncNow pulls recent branding into the cache. Only the fetch and the cache
// write can fail it; the follow-up steps are best-effort.
func (s *Service) SyncNow(ctx context.Context) (domain.SyncResult, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	now := s.now()
	since := util.ISO(now.Add(-orDefault(s.policy.SyncLookback, 30*24*time.Hour)))
	resp, err := s.backend.Sync(ctx, since, s.deviceID)
	if err != nil {
		observability.Syncs.WithLabelValues(string(domain.KindOf(err))).Inc()
		return domain.SyncResult{}, domain.AsError(err)
	}

	recs := make([]domain.BrandingRecord, 0, len(resp.Branding))
	logos := make([]string, 0, len(resp.Branding))
	for _, it := range resp.Branding {
		rec := domain.BrandingRecord{
			PhoneE164:        strings.TrimSpace(it.PhoneE164),
			BrandName:        strings.TrimSpace(it.BrandName),
			LogoURL:          strings.TrimSpace(it.LogoURL),
			CallReason:       strings.TrimSpace(it.CallReason),
			UpdatedAtEpochMs: now.UnixMilli(),
		}
		if rec.Validate() != nil {
			continue
		}
		recs = append(recs, rec)
		if rec.LogoURL != "" {
			logos = append(logos, rec.LogoURL)
		}
	}
	if err := s.branding.UpsertAll(ctx, recs); err != nil {
		observability.Syncs.WithLabelValues("store_error").Inc()
		return domain.SyncResult{}, err
	}

	out := domain.SyncResult{Upserted: len(recs), SyncedAt: resp.SyncedAt, Config: resp.Config}
	if n, err := s.branding.DeleteOlderThan(ctx, s.brandingCutoff(now)); err != nil {
		slog.Warn("branding eviction after sync failed", "err", err)
	} else {
		out.Evicted = n
	}

	if s.images != nil && len(logos) > 0 {
		cached := s.images.Prefetch(ctx, logos, s.policy.PrefetchWorkers)
		slog.Debug("logo prefetch finished", "requested", len(logos), "cached", cached)
	}

	s.applyDebugPolicy(ctx, resp)

	if err := s.device.Update(ctx, s.backend, s.deviceID, now); err != nil {
		slog.Warn("device update failed", "err", err)
	}

	s.uploadTrigger.Fire()
	observability.Syncs.WithLabelValues("ok").Inc()
	slog.Info("branding sync finished", "upserted", out.Upserted, "evicted", out.Evicted, "synced_at", out.SyncedAt)
	return out, nil
}

func (s *Service) applyDebugPolicy(ctx context.Context, resp api.SyncResponse) {
	p, ok := debug.ParsePolicy(resp.Config)
	if !ok {
		return
	}
	s.debug.Apply(p)
	now := s.now()
	if !p.WantsUpload(now) {
		return
	}
	st, err := s.Snapshot(ctx)
	if err != nil {
		slog.Warn("debug snapshot failed", "err", err)
	}
	var lines []string
	if s.logs != nil {
		lines = s.logs.Lines()
	}
	if err := debug.Upload(ctx, s.backend, debug.NewBundle(s.deviceID, p, st, lines, now)); err != nil {
		slog.Warn("debug bundle upload failed", "err", err)
		return
	}
	slog.Info("debug bundle uploaded", "lines", len(lines))
}

// Cleanup evicts stale branding, purges finished events and old logos.
func (s *Service) Cleanup(ctx context.Context) error {
	now := s.now()
	var errs []error
	if n, err := s.branding.DeleteOlderThan(ctx, s.brandingCutoff(now)); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		slog.Info("evicted stale branding", "count", n)
	}
	if _, err := s.uploader.Purge(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.images != nil {
		if n, err := s.images.Cleanup(orDefault(s.policy.ImageMaxAge, 30*24*time.Hour)); err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			slog.Info("removed old logos", "count", n)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) RecordMissedCall(ctx context.Context, ev events.CallEvent) (string, error) {
	id, err := s.recorder.RecordMissedCall(ctx, ev)
	s.uploadTrigger.Fire()
	return id, err
}

func (s *Service) RecordCallSeen(ctx context.Context, ev events.CallEvent) (string, error) {
	id, err := s.recorder.RecordCallSeen(ctx, ev)
	s.uploadTrigger.Fire()
	return id, err
}

func (s *Service) RecordCallReturned(ctx context.Context, rc events.ReturnedCall) error {
	err := s.recorder.RecordCallReturned(ctx, rc)
	s.uploadTrigger.Fire()
	return err
}

// Snapshot reports non-sensitive state for debug tooling.
func (s *Service) Snapshot(ctx context.Context) (debug.State, error) {
	st := debug.State{DeviceIDPrefix: device.Prefix(s.deviceID) + "..."}
	var errs []error
	if n, err := s.branding.Count(ctx); err != nil {
		errs = append(errs, err)
	} else {
		st.CachedBrandingCount = n
	}
	if n, err := s.store.Events().CountQueued(ctx); err != nil {
		errs = append(errs, err)
	} else {
		st.PendingEvents = n
	}
	return st, errors.Join(errs...)
}

// DebugEnabled reports whether debug tooling may be shown.
func (s *Service) DebugEnabled() bool { return s.debug.Enabled(s.now()) }

// Ready checks the local store.
func (s *Service) Ready(ctx context.Context) error { return s.store.Ping(ctx) }

func (s *Service) registerDevice(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := s.device.Register(ctx, s.backend, s.deviceID); err != nil {
		slog.Warn("device register failed", "err", err)
		return
	}
	if err := s.device.Update(ctx, s.backend, s.deviceID, s.now()); err != nil {
		slog.Warn("device update failed", "err", err)
	}
}

func (s *Service) brandingCutoff(now time.Time) int64 {
	return now.Add(-orDefault(s.policy.BrandingRetention, 90*24*time.Hour)).UnixMilli()
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
