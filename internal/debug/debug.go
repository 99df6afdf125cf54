// Package debug holds the server-controlled debug policy and builds the
// debug bundles uploaded when the backend asks for one.
package debug

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"callbrand/internal/util"
)

// Policy mirrors config.debug_ui from the sync response.
type Policy struct {
	Enabled       bool
	RequestUpload bool
	AllowExport   bool
	// Zero means no expiry.
	ExpiresAt time.Time
}

type wirePolicy struct {
	Enabled       *bool  `json:"enabled"`
	RequestUpload *bool  `json:"request_upload"`
	AllowExport   *bool  `json:"allow_export"`
	ExpiresAt     string `json:"expires_at"`
}

// ParsePolicy extracts debug_ui from a sync config object. ok is false when
// the config has no usable debug_ui entry. An unparsable expires_at is
// treated as no expiry.
func ParsePolicy(cfg json.RawMessage) (Policy, bool) {
	if len(cfg) == 0 {
		return Policy{}, false
	}
	var root struct {
		DebugUI *wirePolicy `json:"debug_ui"`
	}
	if err := json.Unmarshal(cfg, &root); err != nil || root.DebugUI == nil {
		return Policy{}, false
	}
	w := root.DebugUI
	p := Policy{
		Enabled:       deref(w.Enabled),
		RequestUpload: deref(w.RequestUpload),
		AllowExport:   deref(w.AllowExport),
	}
	if w.ExpiresAt != "" {
		if t, err := util.ParseISO(w.ExpiresAt); err == nil {
			p.ExpiresAt = t
		}
	}
	return p, true
}

func (p Policy) Active(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	return p.ExpiresAt.IsZero() || now.Before(p.ExpiresAt)
}

// WantsUpload reports whether the backend asked for a bundle it may receive.
func (p Policy) WantsUpload(now time.Time) bool {
	return p.RequestUpload && p.AllowExport && p.Active(now)
}

// Gate keeps the last server policy. LocalOverride enables debug tooling
// regardless of the server, for development builds.
type Gate struct {
	LocalOverride bool

	mu     sync.RWMutex
	policy Policy
	have   bool
}

func (g *Gate) Apply(p Policy) {
	g.mu.Lock()
	g.policy, g.have = p, true
	g.mu.Unlock()
}

func (g *Gate) Policy() (Policy, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy, g.have
}

func (g *Gate) Enabled(now time.Time) bool {
	if g.LocalOverride {
		return true
	}
	p, ok := g.Policy()
	return ok && p.Active(now)
}

// State is the non-sensitive snapshot included in bundles.
type State struct {
	DeviceIDPrefix      string `json:"device_id_prefix"`
	CachedBrandingCount int64  `json:"cached_branding_count"`
	PendingEvents       int64  `json:"pending_events"`
}

type Bundle struct {
	DeviceID  string   `json:"device_id"`
	CreatedAt string   `json:"created_at"`
	ExpiresAt string   `json:"expires_at,omitempty"`
	Nonce     string   `json:"nonce"`
	State     State    `json:"state"`
	Logs      []string `json:"logs"`
}

func NewBundle(deviceID string, p Policy, st State, logs []string, now time.Time) Bundle {
	b := Bundle{
		DeviceID:  deviceID,
		CreatedAt: util.ISO(now),
		Nonce:     uuid.NewString(),
		State:     st,
		Logs:      logs,
	}
	if b.Logs == nil {
		b.Logs = []string{}
	}
	if !p.ExpiresAt.IsZero() {
		b.ExpiresAt = util.ISO(p.ExpiresAt)
	}
	return b
}

type Uploader interface {
	UploadDebugBundle(ctx context.Context, bundle json.RawMessage) error
}

func Upload(ctx context.Context, u Uploader, b Bundle) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return u.UploadDebugBundle(ctx, raw)
}

func deref(b *bool) bool { return b != nil && *b }
