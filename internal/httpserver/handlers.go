package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"callbrand/internal/debug"
	"callbrand/internal/domain"
	"callbrand/internal/events"
)

// Core is the part of the SDK service exposed to the platform bridge.
type Core interface {
	Resolve(ctx context.Context, e164, surface string) domain.BrandingResult
	SyncNow(ctx context.Context) (domain.SyncResult, error)
	UploadPendingEvents(ctx context.Context) (int, error)
	RecordMissedCall(ctx context.Context, ev events.CallEvent) (string, error)
	RecordCallSeen(ctx context.Context, ev events.CallEvent) (string, error)
	RecordCallReturned(ctx context.Context, rc events.ReturnedCall) error
	Snapshot(ctx context.Context) (debug.State, error)
	DebugEnabled() bool
}

type API struct {
	Core Core
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/v1/resolve", a.handleResolve).Methods(http.MethodPost)
	m.HandleFunc("/v1/sync", a.handleSync).Methods(http.MethodPost)
	m.HandleFunc("/v1/events/upload", a.handleUpload).Methods(http.MethodPost)
	m.HandleFunc("/v1/calls/{kind:missed|seen}", a.handleCall).Methods(http.MethodPost)
	m.HandleFunc("/v1/calls/returned", a.handleReturned).Methods(http.MethodPost)
	m.HandleFunc("/v1/debug/snapshot", a.handleSnapshot).Methods(http.MethodGet)
}

type resolveRequest struct {
	E164    string `json:"e164"`
	Surface string `json:"surface"`
}

// handleResolve answers 200 for every resolver outcome, errors included.
func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, a.Core.Resolve(r.Context(), req.E164, req.Surface))
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := a.Core.SyncNow(r.Context())
	if err != nil {
		slog.Error("manual sync failed", "err", err)
		writeStatus(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	n, err := a.Core.UploadPendingEvents(r.Context())
	if err != nil {
		slog.Error("manual event upload failed", "err", err, "uploaded", n)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"uploaded": n,
			"code":     domain.KindOf(err),
			"status":   domain.StatusText(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploaded": n})
}

type callRequest struct {
	E164                string          `json:"e164"`
	Surface             string          `json:"surface"`
	BrandingDisplayed   bool            `json:"branding_displayed"`
	BrandingApplied     *bool           `json:"branding_applied"`
	BrandingProfileID   string          `json:"branding_profile_id"`
	CallOutcome         string          `json:"call_outcome"`
	RingDurationSeconds *int            `json:"ring_duration_seconds"`
	CallDurationSeconds *int            `json:"call_duration_seconds"`
	Meta                json.RawMessage `json:"meta"`

	CallID                   string `json:"call_id"`
	BrandingDisplayedAtMiss  bool   `json:"branding_displayed_at_miss"`
	ReturnCallLatencySeconds *int   `json:"return_call_latency_seconds"`
}

func (c callRequest) event() events.CallEvent {
	return events.CallEvent{
		PhoneE164:           c.E164,
		Surface:             c.Surface,
		BrandingDisplayed:   c.BrandingDisplayed,
		BrandingApplied:     c.BrandingApplied,
		BrandingProfileID:   c.BrandingProfileID,
		CallOutcome:         c.CallOutcome,
		RingDurationSeconds: c.RingDurationSeconds,
		CallDurationSeconds: c.CallDurationSeconds,
		MetaJSON:            string(c.Meta),
	}
}

func (a *API) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if req.E164 == "" {
		http.Error(w, ErrMissingPhone, http.StatusBadRequest)
		return
	}

	var (
		callID string
		err    error
	)
	switch mux.Vars(r)["kind"] {
	case "missed":
		callID, err = a.Core.RecordMissedCall(r.Context(), req.event())
	default:
		callID, err = a.Core.RecordCallSeen(r.Context(), req.event())
	}
	if err != nil {
		slog.Error("record call failed", "err", err, "e164", req.E164)
		writeStatus(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": callID})
}

func (a *API) handleReturned(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if req.E164 == "" {
		http.Error(w, ErrMissingPhone, http.StatusBadRequest)
		return
	}
	if req.CallID == "" {
		http.Error(w, ErrMissingCallID, http.StatusBadRequest)
		return
	}
	err := a.Core.RecordCallReturned(r.Context(), events.ReturnedCall{
		CallEvent:                req.event(),
		CallID:                   req.CallID,
		BrandingDisplayedAtMiss:  req.BrandingDisplayedAtMiss,
		ReturnCallLatencySeconds: req.ReturnCallLatencySeconds,
	})
	if err != nil {
		slog.Error("record returned call failed", "err", err, "call_id", req.CallID)
		writeStatus(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": req.CallID})
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !a.Core.DebugEnabled() {
		http.Error(w, ErrDebugDisabled, http.StatusForbidden)
		return
	}
	st, err := a.Core.Snapshot(r.Context())
	if err != nil {
		slog.Warn("debug snapshot failed", "err", err)
		http.Error(w, ErrDependency, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeStatus renders err as the human-readable status shown for
// user-initiated actions.
func writeStatus(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	if domain.KindOf(err) == domain.KindBadRequest {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]any{
		"code":   domain.KindOf(err),
		"status": domain.StatusText(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
