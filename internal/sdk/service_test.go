package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbrand/internal/api"
	"callbrand/internal/config"
	"callbrand/internal/domain"
	"callbrand/internal/events"
	"callbrand/internal/store/memory"
)

var now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type backend struct {
	mu         sync.Mutex
	syncStatus int
	syncBody   map[string]any
	events     []api.EventRequest
	updates    int
	registers  int
	bundles    []map[string]any
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api"+api.PathSync, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.syncStatus != 0 {
			w.WriteHeader(b.syncStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(b.syncBody)
	})
	mux.HandleFunc("/api"+api.PathLookup, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"e164": r.URL.Query().Get("e164")})
	})
	mux.HandleFunc("/api"+api.PathEvent, func(w http.ResponseWriter, r *http.Request) {
		var ev api.EventRequest
		_ = json.NewDecoder(r.Body).Decode(&ev)
		b.mu.Lock()
		b.events = append(b.events, ev)
		b.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/api"+api.PathDeviceRegister, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.registers++
		b.mu.Unlock()
	})
	mux.HandleFunc("/api"+api.PathDeviceUpdate, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.updates++
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("/api"+api.PathDebugUpload, func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		b.mu.Lock()
		b.bundles = append(b.bundles, m)
		b.mu.Unlock()
	})
	return mux
}

type staticLogs []string

func (s staticLogs) Lines() []string { return s }

func newService(t *testing.T, b *backend) (*Service, *memory.Store) {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	st := memory.New()
	svc, err := New(Options{
		Backend:  api.New(srv.URL, "k", srv.Client(), nil),
		Store:    st,
		DeviceID: "0123456789abcdef",
		Policy: config.Policy{
			EventMaxAttempts:    3,
			BrandingRetention:   90 * 24 * time.Hour,
			SyncLookback:        30 * 24 * time.Hour,
			UploadBatchSize:     50,
			LookupTimeoutManual: time.Second,
		},
		Logs: staticLogs{"12:00:00 INFO started"},
		Now:  func() time.Time { return now },
	})
	require.NoError(t, err)
	return svc, st
}

func TestSyncNowPopulatesCacheAndAppliesPolicy(t *testing.T) {
	b := &backend{syncBody: map[string]any{
		"branding": []map[string]any{
			{"phone_number_e164": "+14155550100", "brand_name": "Acme Co", "call_reason": "Delivery"},
			{"phone_number_e164": "+14155550101", "brand_name": "  "},
			{"phone_number_e164": "", "brand_name": "Nobody"},
		},
		"synced_at": "2026-04-01T09:00:00Z",
		"config": map[string]any{"debug_ui": map[string]any{
			"enabled": true, "request_upload": true, "allow_export": true, "expires_at": "2026-04-02T00:00:00Z",
		}},
	}}
	svc, st := newService(t, b)
	ctx := context.Background()

	old := domain.BrandingRecord{PhoneE164: "+19990000000", BrandName: "Stale", UpdatedAtEpochMs: now.Add(-100 * 24 * time.Hour).UnixMilli()}
	require.NoError(t, st.Branding().Upsert(ctx, old))

	res, err := svc.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Upserted)
	assert.Equal(t, int64(1), res.Evicted)
	assert.Equal(t, "2026-04-01T09:00:00Z", res.SyncedAt)
	assert.Contains(t, string(res.Config), "debug_ui")

	rec, found, err := st.Branding().Get(ctx, "+14155550100")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, now.UnixMilli(), rec.UpdatedAtEpochMs)
	_, found, _ = st.Branding().Get(ctx, "+14155550101")
	assert.False(t, found)

	assert.True(t, svc.DebugEnabled())
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, 1, b.updates)
	require.Len(t, b.bundles, 1)
	assert.Equal(t, "0123456789abcdef", b.bundles[0]["device_id"])
	state := b.bundles[0]["state"].(map[string]any)
	assert.Equal(t, "01234567...", state["device_id_prefix"])
	assert.Equal(t, float64(1), state["cached_branding_count"])
	assert.Equal(t, []any{"12:00:00 INFO started"}, b.bundles[0]["logs"])
}

func TestSyncNowPropagatesFetchErrors(t *testing.T) {
	svc, _ := newService(t, &backend{syncStatus: http.StatusUnauthorized})
	_, err := svc.SyncNow(context.Background())
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, "API key invalid or expired", domain.StatusText(err))
}

func TestResolveRecordAndUpload(t *testing.T) {
	b := &backend{}
	svc, st := newService(t, b)
	ctx := context.Background()
	require.NoError(t, st.Branding().Upsert(ctx, domain.BrandingRecord{PhoneE164: "+14155550100", BrandName: "Acme", UpdatedAtEpochMs: now.UnixMilli()}))

	res := <-svc.ResolveAsync(ctx, "+1 415-555-0100", domain.SurfaceCallScreening)
	assert.Equal(t, domain.OutcomeDisplayed, res.Outcome)
	assert.True(t, res.Cached)

	res = svc.Resolve(ctx, "+14155550199", "")
	assert.Equal(t, domain.OutcomeNoMatch, res.Outcome)

	callID, err := svc.RecordMissedCall(ctx, events.CallEvent{PhoneE164: "+14155550100", BrandingDisplayed: true})
	require.NoError(t, err)
	assert.NotEmpty(t, callID)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.PendingEvents)

	n, err := svc.UploadPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.events, 2)
	assert.Equal(t, domain.OutcomeDisplayed, b.events[0].Outcome)
	assert.Equal(t, domain.OutcomeMissed, b.events[1].Outcome)
	assert.Equal(t, "0123456789abcdef", b.events[0].DeviceID)
	assert.NotEmpty(t, b.events[0].IdempotencyKey)
}

func TestRepeatedResolvesOnFrozenClockAreAllQueued(t *testing.T) {
	svc, st := newService(t, &backend{})
	ctx := context.Background()
	require.NoError(t, st.Branding().Upsert(ctx, domain.BrandingRecord{PhoneE164: "+14155550100", BrandName: "Acme", UpdatedAtEpochMs: now.UnixMilli()}))

	surfaces := []string{domain.SurfaceCallScreening, domain.SurfaceIncomingCall, domain.SurfaceCallScreening, domain.SurfaceIncomingCall}
	for _, surface := range surfaces {
		res := svc.Resolve(ctx, "+14155550100", surface)
		require.Equal(t, domain.OutcomeDisplayed, res.Outcome)
	}

	depth, err := st.Events().CountQueued(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(surfaces), depth)
}

func TestBlankNumberResolvesToErrorWithoutEvent(t *testing.T) {
	svc, st := newService(t, &backend{})
	ctx := context.Background()

	res := svc.Resolve(ctx, "   ", domain.SurfaceManual)
	assert.Equal(t, domain.OutcomeError, res.Outcome)
	assert.Equal(t, domain.KindBadRequest, res.Error.Kind)

	depth, err := st.Events().CountQueued(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestProcessHandle(t *testing.T) {
	Teardown()
	res := Resolve(context.Background(), "+14155550100", domain.SurfaceCallScreening)
	assert.Equal(t, domain.OutcomeError, res.Outcome)
	assert.Equal(t, domain.KindNotInitialized, res.Error.Kind)

	svc, _ := newService(t, &backend{})
	require.NoError(t, Install(svc))
	assert.ErrorIs(t, Install(svc), ErrAlreadyInstalled)

	got, err := Current()
	require.NoError(t, err)
	assert.Same(t, svc, got)

	Teardown()
	_, err = Current()
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestStartRegistersDevice(t *testing.T) {
	b := &backend{syncBody: map[string]any{"branding": []any{}, "synced_at": "x"}}
	svc, _ := newService(t, b)
	svc.Start(context.Background())
	defer svc.Close()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.registers == 1 && b.updates >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Backend: api.New("http://x", "", nil, nil), Store: memory.New()})
	require.Error(t, err)
}
