package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbrand/internal/api"
	"callbrand/internal/domain"
	"callbrand/internal/events"
	"callbrand/internal/store/memory"
)

type fakeLookup struct {
	calls atomic.Int32
	fn    func(e164 string) (api.LookupResponse, bool, error)
}

func (f *fakeLookup) Lookup(_ context.Context, e164, _ string) (api.LookupResponse, bool, error) {
	f.calls.Add(1)
	return f.fn(e164)
}

type fixture struct {
	r      *Resolver
	cache  *memory.BrandingCache
	queue  *memory.EventQueue
	lookup *fakeLookup
}

func newFixture(t *testing.T, fn func(string) (api.LookupResponse, bool, error)) *fixture {
	t.Helper()
	cache := memory.NewBrandingCache()
	queue := memory.NewEventQueue()
	var mu sync.Mutex
	tick := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Millisecond)
		return tick
	}
	fl := &fakeLookup{fn: fn}
	r := &Resolver{
		Cache:    cache,
		API:      fl,
		Events:   &events.Recorder{Branding: cache, Queue: queue, DeviceID: "dev", Now: now},
		DeviceID: "dev",
		Timeouts: Timeouts{CallScreening: 50 * time.Millisecond, Manual: time.Second},
		Now:      now,
	}
	return &fixture{r: r, cache: cache, queue: queue, lookup: fl}
}

func notCalled(t *testing.T) func(string) (api.LookupResponse, bool, error) {
	return func(string) (api.LookupResponse, bool, error) {
		t.Error("network lookup must not run")
		return api.LookupResponse{}, false, nil
	}
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	f := newFixture(t, notCalled(t))
	require.NoError(t, f.cache.Upsert(context.Background(), domain.BrandingRecord{
		PhoneE164: "+14155550100", BrandName: "Acme Co", CallReason: "Delivery", UpdatedAtEpochMs: 1,
	}))

	res := f.r.Resolve(context.Background(), "+14155550100", domain.SurfaceCallScreening)
	assert.Equal(t, domain.OutcomeDisplayed, res.Outcome)
	assert.True(t, res.Cached)
	assert.Equal(t, "Acme Co", res.BrandName)
	assert.Equal(t, "Delivery", res.CallReason)
	assert.Zero(t, f.lookup.calls.Load())

	rows := f.queue.All()
	require.Len(t, rows, 1)
	assert.Equal(t, domain.OutcomeDisplayed, rows[0].Outcome)
	assert.Equal(t, domain.SurfaceCallScreening, rows[0].Surface)
}

func TestLookupDisplayedWritesCacheAndEvent(t *testing.T) {
	f := newFixture(t, func(e164 string) (api.LookupResponse, bool, error) {
		return api.LookupResponse{E164: e164, BrandName: "Acme Co", CallReason: "Appointment reminder"}, true, nil
	})

	res := f.r.Resolve(context.Background(), "+14155550100", domain.SurfaceCallScreening)
	assert.Equal(t, domain.OutcomeDisplayed, res.Outcome)
	assert.False(t, res.Cached)
	assert.Equal(t, "Acme Co", res.BrandName)
	assert.Empty(t, res.LogoURL)
	assert.Equal(t, "Appointment reminder", res.CallReason)

	rec, found, err := f.cache.Get(context.Background(), "+14155550100")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Acme Co", rec.BrandName)

	rows := f.queue.All()
	require.Len(t, rows, 1)
	assert.Equal(t, domain.OutcomeDisplayed, rows[0].Outcome)

	// Second resolve is served from cache.
	res = f.r.Resolve(context.Background(), "+14155550100", domain.SurfaceCallScreening)
	assert.True(t, res.Cached)
	assert.Equal(t, int32(1), f.lookup.calls.Load())
	assert.Len(t, f.queue.All(), 2)
}

func TestNoMatchIsNotCached(t *testing.T) {
	f := newFixture(t, func(e164 string) (api.LookupResponse, bool, error) {
		return api.LookupResponse{}, true, nil
	})

	for i := 0; i < 2; i++ {
		res := f.r.Resolve(context.Background(), "+14155550199", domain.SurfaceCallScreening)
		assert.Equal(t, domain.OutcomeNoMatch, res.Outcome)
	}
	_, found, err := f.cache.Get(context.Background(), "+14155550199")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int32(2), f.lookup.calls.Load(), "each resolve retries the network")
	assert.Empty(t, f.queue.All(), "untracked no_match is not enqueued")
}

func TestNotFoundIsNoMatch(t *testing.T) {
	f := newFixture(t, func(string) (api.LookupResponse, bool, error) {
		return api.LookupResponse{}, false, nil
	})
	res := f.r.Resolve(context.Background(), "+14155550199", domain.SurfaceManual)
	assert.Equal(t, domain.OutcomeNoMatch, res.Outcome)
}

func TestDisabledIsNotCachedButTracked(t *testing.T) {
	no := false
	f := newFixture(t, func(e164 string) (api.LookupResponse, bool, error) {
		return api.LookupResponse{E164: e164, BrandName: "Hidden", Display: &no}, true, nil
	})

	res := f.r.Resolve(context.Background(), "+14155550101", domain.SurfaceCallScreening)
	assert.Equal(t, domain.OutcomeDisabled, res.Outcome)
	assert.Empty(t, res.BrandName)
	n, _ := f.cache.Count(context.Background())
	assert.Zero(t, n)

	rows := f.queue.All()
	require.Len(t, rows, 1)
	assert.Equal(t, domain.OutcomeDisabled, rows[0].Outcome)
}

func TestLogoOnlyIsDisplayedButNotCached(t *testing.T) {
	f := newFixture(t, func(e164 string) (api.LookupResponse, bool, error) {
		return api.LookupResponse{E164: e164, LogoURL: "https://cdn.example/logo.png"}, true, nil
	})
	res := f.r.Resolve(context.Background(), "+14155550102", domain.SurfaceCallScreening)
	assert.Equal(t, domain.OutcomeDisplayed, res.Outcome)
	n, _ := f.cache.Count(context.Background())
	assert.Zero(t, n, "rows without a brand name are never persisted")
}

func TestTimeoutReturnsErrorWithinDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, func(string) (api.LookupResponse, bool, error) {
		<-release
		return api.LookupResponse{BrandName: "Late"}, true, nil
	})

	start := time.Now()
	res := f.r.Resolve(context.Background(), "+14155550100", domain.SurfaceCallScreening)
	elapsed := time.Since(start)

	assert.Equal(t, domain.OutcomeError, res.Outcome)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.KindNetwork, res.Error.Kind)
	assert.Less(t, elapsed, 500*time.Millisecond)

	rows := f.queue.All()
	require.Len(t, rows, 1)
	assert.Equal(t, domain.OutcomeError, rows[0].Outcome)
}

func TestBackendErrorIsErrorOutcome(t *testing.T) {
	f := newFixture(t, func(string) (api.LookupResponse, bool, error) {
		return api.LookupResponse{}, false, &domain.Error{Kind: domain.KindUnauthorized, Status: 401}
	})
	res := f.r.Resolve(context.Background(), "+14155550100", domain.SurfaceManual)
	assert.Equal(t, domain.OutcomeError, res.Outcome)
	assert.Equal(t, domain.KindUnauthorized, res.Error.Kind)
}

func TestEmptyNumberIsError(t *testing.T) {
	f := newFixture(t, notCalled(t))
	res := f.r.Resolve(context.Background(), "  ", domain.SurfaceManual)
	assert.Equal(t, domain.OutcomeError, res.Outcome)
	assert.Empty(t, f.queue.All())
}

func TestOnResolvedRunsEveryTime(t *testing.T) {
	f := newFixture(t, func(string) (api.LookupResponse, bool, error) { return api.LookupResponse{}, false, nil })
	var n atomic.Int32
	f.r.OnResolved = func(domain.BrandingResult) { n.Add(1) }
	f.r.Resolve(context.Background(), "+1", domain.SurfaceManual)
	f.r.Resolve(context.Background(), "+2", domain.SurfaceManual)
	assert.Equal(t, int32(2), n.Load())
}

func TestConcurrentResolvesForDifferentNumbers(t *testing.T) {
	f := newFixture(t, func(e164 string) (api.LookupResponse, bool, error) {
		return api.LookupResponse{E164: e164, BrandName: "Brand " + e164}, true, nil
	})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			phone := "+1415555" + string(rune('0'+i/10)) + string(rune('0'+i%10)) + "00"
			res := f.r.Resolve(context.Background(), phone, domain.SurfaceManual)
			assert.Equal(t, domain.OutcomeDisplayed, res.Outcome)
		}(i)
	}
	wg.Wait()
	n, err := f.cache.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
	assert.Len(t, f.queue.All(), 50)
}

func TestTimeoutsPerSurface(t *testing.T) {
	var tm Timeouts
	assert.Equal(t, 150*time.Millisecond, tm.For(domain.SurfaceCallScreening))
	assert.Equal(t, 3*time.Second, tm.For(domain.SurfaceManual))
	assert.Equal(t, 150*time.Millisecond, tm.For(domain.SurfaceIncomingCall))
}

func TestResolveAgainstHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api"+api.PathLookup {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"e164": r.URL.Query().Get("e164"), "brand_name": "Acme Co", "logo_url": nil})
	}))
	defer srv.Close()

	f := newFixture(t, nil)
	f.r.API = api.New(srv.URL, "k", srv.Client(), nil)
	res := f.r.Resolve(context.Background(), "+14155550100", domain.SurfaceManual)
	assert.Equal(t, domain.OutcomeDisplayed, res.Outcome)
	assert.Equal(t, "Acme Co", res.BrandName)
}
