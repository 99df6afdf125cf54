package api

import (
	"encoding/json"

	"callbrand/internal/domain"
)

// Logical paths, relative to either the bare root or the /api root.
const (
	PathLookup         = "/mobile/branding/lookup"
	PathSync           = "/mobile/branding/sync"
	PathEvent          = "/mobile/branding/event"
	PathDeviceRegister = "/mobile/device/register"
	PathDeviceUpdate   = "/mobile/device/update"
	PathDebugUpload    = "/mobile/debug/upload"
)

type LookupResponse struct {
	E164       string         `json:"e164"`
	BrandName  string         `json:"brand_name,omitempty"`
	LogoURL    string         `json:"logo_url,omitempty"`
	CallReason string         `json:"call_reason,omitempty"`
	Display    *bool          `json:"display,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Limits     map[string]any `json:"limits,omitempty"`
}

type SyncItem struct {
	PhoneE164  string `json:"phone_number_e164"`
	BrandName  string `json:"brand_name"`
	LogoURL    string `json:"logo_url,omitempty"`
	CallReason string `json:"call_reason,omitempty"`
	BrandID    string `json:"brand_id,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

type SyncResponse struct {
	Branding []SyncItem     `json:"branding"`
	SyncedAt string         `json:"synced_at"`
	Config   json.RawMessage `json:"config,omitempty"`
}

type EventRequest struct {
	PhoneE164      string          `json:"phone_number_e164"`
	Outcome        domain.Outcome  `json:"outcome"`
	Surface        string          `json:"surface,omitempty"`
	DeviceID       string          `json:"device_id,omitempty"`
	DisplayedAt    string          `json:"displayed_at,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	EventKey       string          `json:"event_key,omitempty"`
	Meta           json.RawMessage `json:"meta,omitempty"`
}

type DeviceRegisterRequest struct {
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform"`
	DeviceType string `json:"device_type,omitempty"`
	OSVersion  string `json:"os_version,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
	SDKVersion string `json:"sdk_version,omitempty"`
}

type DeviceUpdateRequest struct {
	DeviceID     string                     `json:"device_id"`
	Platform     string                     `json:"platform"`
	AppVersion   string                     `json:"app_version,omitempty"`
	SDKVersion   string                     `json:"sdk_version,omitempty"`
	OSVersion    string                     `json:"os_version,omitempty"`
	Capabilities *domain.DeviceCapabilities `json:"capabilities,omitempty"`
	LastSeen     string                     `json:"last_seen,omitempty"`
}

type DeviceUpdateResponse struct {
	Success bool `json:"success"`
}

// errorBody is the subset of backend error payloads we surface in messages.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
