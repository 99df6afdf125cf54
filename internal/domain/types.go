package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Outcome is the classification of a resolution attempt or a call-lifecycle event.
type Outcome string

const (
	OutcomeDisplayed    Outcome = "displayed"
	OutcomeNoMatch      Outcome = "no_match"
	OutcomeDisabled     Outcome = "disabled"
	OutcomeError        Outcome = "error"
	OutcomeMissed       Outcome = "missed"
	OutcomeCallSeen     Outcome = "call_seen"
	OutcomeCallReturned Outcome = "call_returned"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeDisplayed, OutcomeNoMatch, OutcomeDisabled, OutcomeError,
		OutcomeMissed, OutcomeCallSeen, OutcomeCallReturned:
		return true
	}
	return false
}

type EventStatus string

const (
	StatusQueued  EventStatus = "queued"
	StatusSent    EventStatus = "sent"
	StatusDropped EventStatus = "dropped"
)

func (s EventStatus) Terminal() bool { return s == StatusSent || s == StatusDropped }

// Drop reasons recorded on pending events.
const (
	DropRetriesExceeded = "retries_exceeded"
	DropRejected        = "rejected"
)

// Surfaces name the code path that triggered a resolution or event.
const (
	SurfaceCallScreening = "call_screening"
	SurfaceIncomingCall  = "incoming_call"
	SurfaceHostObserved  = "host_observed"
	SurfaceManual        = "manual_lookup"
	SurfaceBackground    = "background_fallback"
)

// BrandingRecord is one cached brand per E.164 number. A record without a
// brand name is never persisted.
type BrandingRecord struct {
	PhoneE164        string `json:"phone_e164"`
	BrandName        string `json:"brand_name"`
	LogoURL          string `json:"logo_url,omitempty"`
	CallReason       string `json:"call_reason,omitempty"`
	UpdatedAtEpochMs int64  `json:"updated_at_epoch_ms"`
}

var ErrBlankBrand = errors.New("branding record has blank brand name")
var ErrBlankPhone = errors.New("branding record has blank phone number")

func (r BrandingRecord) Validate() error {
	if strings.TrimSpace(r.PhoneE164) == "" {
		return ErrBlankPhone
	}
	if strings.TrimSpace(r.BrandName) == "" {
		return ErrBlankBrand
	}
	return nil
}

// PendingEvent is one outbound analytics occurrence. ID order is delivery order.
type PendingEvent struct {
	ID             int64
	IdempotencyKey string
	PhoneE164      string
	Outcome        Outcome
	Surface        string
	DisplayedAt    string // ISO-8601 UTC
	MetaJSON       string
	CreatedAt      time.Time
	Status         EventStatus
	Attempts       int
	LastError      string
	DropReason     string
	UpdatedAt      time.Time
}

// BrandingResult is the decision handed back to call-handling surfaces.
type BrandingResult struct {
	E164       string         `json:"e164"`
	Outcome    Outcome        `json:"outcome"`
	BrandName  string         `json:"brand_name,omitempty"`
	LogoURL    string         `json:"logo_url,omitempty"`
	CallReason string         `json:"call_reason,omitempty"`
	Display    *bool          `json:"display,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Limits     map[string]any `json:"limits,omitempty"`
	Cached     bool           `json:"cached"`
	Error      *Error         `json:"error,omitempty"`
}

func ErrorResult(e164 string, err error) BrandingResult {
	return BrandingResult{E164: e164, Outcome: OutcomeError, Error: AsError(err)}
}

// SyncResult summarizes one branding sync pass.
type SyncResult struct {
	Upserted int             `json:"upserted"`
	Evicted  int64           `json:"evicted"`
	SyncedAt string          `json:"synced_at,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// DeviceInfo is supplied by the platform layer for registration payloads.
type DeviceInfo struct {
	Platform   string
	DeviceType string
	OSVersion  string
	AppVersion string
	SDKVersion string
}

type DeviceCapabilities struct {
	ContactsEnabled       *bool `json:"contacts_enabled,omitempty"`
	ContactsPhotosEnabled *bool `json:"contacts_photos_enabled,omitempty"`
	CallDirectoryEnabled  *bool `json:"call_directory_enabled,omitempty"`
	BackgroundRefresh     *bool `json:"background_refresh,omitempty"`
}
