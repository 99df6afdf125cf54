package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"callbrand/internal/api"
	"callbrand/internal/config"
	"callbrand/internal/httpserver"
	"callbrand/internal/util"
)

type server struct {
	cfg      config.MockBackendConfig
	outcomes []string
	delay    time.Duration
	now      func() time.Time

	idx   uint64
	rng   *rand.Rand
	rngMu sync.Mutex

	mu       sync.Mutex
	brands   map[string]api.SyncItem
	events   []api.EventRequest
	seenKeys map[string]struct{}
	devices  map[string]api.DeviceRegisterRequest
	bundles  int
}

type stateResponse struct {
	Brands  int                `json:"brands"`
	Events  []api.EventRequest `json:"events"`
	Devices int                `json:"devices"`
	Bundles int                `json:"debug_bundles"`
}

func newServer(cfg config.MockBackendConfig, seed []api.SyncItem) *server {
	s := &server{
		cfg:      cfg,
		outcomes: parseCSV(cfg.OutcomesRaw),
		delay:    time.Duration(cfg.DelayMs) * time.Millisecond,
		now:      util.NowUTC,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		brands:   make(map[string]api.SyncItem),
		seenKeys: make(map[string]struct{}),
		devices:  make(map[string]api.DeviceRegisterRequest),
	}
	s.cfg.OutcomeMode = strings.ToLower(strings.TrimSpace(cfg.OutcomeMode))
	for _, it := range seed {
		if it.UpdatedAt == "" {
			it.UpdatedAt = util.ISO(s.now())
		}
		s.brands[it.PhoneE164] = it
	}
	return s
}

// routes serves only under /api so clients exercise their root fallback.
func (s *server) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(httpserver.Recover, httpserver.RequestID, httpserver.Logging)
	router.HandleFunc("/healthz", httpserver.Liveness()).Methods(http.MethodGet)

	sub := router.PathPrefix("/api").Subrouter()
	sub.Use(s.auth, s.inject)
	sub.HandleFunc(api.PathLookup, s.handleLookup).Methods(http.MethodGet)
	sub.HandleFunc(api.PathSync, s.handleSync).Methods(http.MethodGet)
	sub.HandleFunc(api.PathEvent, s.handleEvent).Methods(http.MethodPost)
	sub.HandleFunc(api.PathDeviceRegister, s.handleRegister).Methods(http.MethodPost)
	sub.HandleFunc(api.PathDeviceUpdate, s.handleUpdate).Methods(http.MethodPost)
	sub.HandleFunc(api.PathDebugUpload, s.handleDebugUpload).Methods(http.MethodPost)

	router.HandleFunc("/_mock/state", s.handleState).Methods(http.MethodGet)
	return router
}

func (s *server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// inject applies the configured delay and failure outcome before the real
// handler runs.
func (s *server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.delay):
			}
		}
		status, err := classifyOutcome(s.nextOutcome())
		if errors.Is(err, context.DeadlineExceeded) {
			<-r.Context().Done()
			return
		}
		if err != nil {
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "1")
			}
			writeError(w, status, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleLookup(w http.ResponseWriter, r *http.Request) {
	e164 := util.NormalizeE164(r.URL.Query().Get("e164"))
	if e164 == "" {
		writeError(w, http.StatusBadRequest, "e164 is required")
		return
	}
	s.mu.Lock()
	it, ok := s.brands[e164]
	s.mu.Unlock()

	resp := api.LookupResponse{E164: e164}
	if ok {
		resp.BrandName = it.BrandName
		resp.LogoURL = it.LogoURL
		resp.CallReason = it.CallReason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := util.ParseISO(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be ISO-8601")
			return
		}
		since = t
	}

	s.mu.Lock()
	items := make([]api.SyncItem, 0, len(s.brands))
	for _, it := range s.brands {
		if !since.IsZero() {
			if t, err := util.ParseISO(it.UpdatedAt); err == nil && t.Before(since) {
				continue
			}
		}
		items = append(items, it)
	}
	s.mu.Unlock()

	cfg, _ := json.Marshal(map[string]any{"debug_ui": map[string]any{"enabled": s.cfg.DebugUI}})
	writeJSON(w, http.StatusOK, api.SyncResponse{
		Branding: items,
		SyncedAt: util.ISO(s.now()),
		Config:   cfg,
	})
}

func (s *server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev api.EventRequest
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if ev.PhoneE164 == "" || ev.Outcome == "" {
		writeError(w, http.StatusBadRequest, "phone_number_e164 and outcome are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.IdempotencyKey != "" {
		if _, dup := s.seenKeys[ev.IdempotencyKey]; dup {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "duplicate": true})
			return
		}
		s.seenKeys[ev.IdempotencyKey] = struct{}{}
	}
	s.events = append(s.events, ev)
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.DeviceRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	s.mu.Lock()
	s.devices[req.DeviceID] = req
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req api.DeviceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	s.mu.Lock()
	_, known := s.devices[req.DeviceID]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, api.DeviceUpdateResponse{Success: known})
}

func (s *server) handleDebugUpload(w http.ResponseWriter, r *http.Request) {
	var bundle map[string]any
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.mu.Lock()
	s.bundles++
	s.mu.Unlock()
	slog.Info("mock backend debug bundle", "nonce", bundle["nonce"])
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (s *server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	resp := stateResponse{
		Brands:  len(s.brands),
		Events:  append([]api.EventRequest(nil), s.events...),
		Devices: len(s.devices),
		Bundles: s.bundles,
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.outcomes[int(idx)%len(s.outcomes)]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.outcomes))
		s.rngMu.Unlock()
		return s.outcomes[i]
	default:
		return s.outcomes[0]
	}
}

func classifyOutcome(raw string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "ok", "success":
		return http.StatusOK, nil
	case "unauthorized", "401":
		return http.StatusUnauthorized, errors.New("unauthorized")
	case "rate_limit", "429":
		return http.StatusTooManyRequests, errors.New("rate limited")
	case "bad_request", "400":
		return http.StatusBadRequest, errors.New("bad request")
	case "server_error", "500":
		return http.StatusInternalServerError, errors.New("server error")
	case "unavailable", "503":
		return http.StatusServiceUnavailable, errors.New("service unavailable")
	case "timeout":
		return http.StatusGatewayTimeout, context.DeadlineExceeded
	default:
		return http.StatusInternalServerError, errors.New("mock error: " + raw)
	}
}

func loadSeed(path string) ([]api.SyncItem, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []api.SyncItem
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, err
	}
	for i := range items {
		items[i].PhoneE164 = util.NormalizeE164(items[i].PhoneE164)
	}
	return items, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": http.StatusText(status), "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
