// Package device owns the install identity and the metadata sent with
// device registration.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"callbrand/internal/api"
	"callbrand/internal/config"
	"callbrand/internal/domain"
	"callbrand/internal/util"
)

const idFile = "device_id"

// LoadOrCreateID returns the persisted device id under dir, generating and
// storing one on first use. A non-empty override is returned as is.
func LoadOrCreateID(dir, override string) (string, error) {
	if s := strings.TrimSpace(override); s != "" {
		return s, nil
	}
	path := filepath.Join(dir, idFile)
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	slog.Info("generated device id", "device_id_prefix", Prefix(id))
	return id, nil
}

// Prefix is the short form of id safe to show in debug output.
func Prefix(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

type Registrar interface {
	RegisterDevice(ctx context.Context, req api.DeviceRegisterRequest) error
	UpdateDevice(ctx context.Context, req api.DeviceUpdateRequest) (api.DeviceUpdateResponse, error)
}

// Metadata supplies platform strings and capability flags for registration.
type Metadata struct {
	Info domain.DeviceInfo
	Caps domain.DeviceCapabilities
}

func MetadataFrom(cfg config.Device) Metadata {
	info := domain.DeviceInfo{
		Platform:   cfg.Platform,
		DeviceType: cfg.DeviceType,
		OSVersion:  cfg.OSVersion,
		AppVersion: cfg.AppVersion,
		SDKVersion: cfg.SDKVersion,
	}
	if info.Platform == "" {
		info.Platform = runtime.GOOS
	}
	if info.OSVersion == "" {
		info.OSVersion = runtime.GOOS + "/" + runtime.GOARCH
	}
	return Metadata{
		Info: info,
		Caps: domain.DeviceCapabilities{
			ContactsEnabled:       &cfg.ContactsEnabled,
			ContactsPhotosEnabled: &cfg.ContactsPhotosEnabled,
			CallDirectoryEnabled:  &cfg.CallDirectoryEnabled,
			BackgroundRefresh:     &cfg.BackgroundRefresh,
		},
	}
}

func (m Metadata) Register(ctx context.Context, r Registrar, deviceID string) error {
	return r.RegisterDevice(ctx, api.DeviceRegisterRequest{
		DeviceID:   deviceID,
		Platform:   m.Info.Platform,
		DeviceType: m.Info.DeviceType,
		OSVersion:  m.Info.OSVersion,
		AppVersion: m.Info.AppVersion,
		SDKVersion: m.Info.SDKVersion,
	})
}

func (m Metadata) Update(ctx context.Context, r Registrar, deviceID string, now time.Time) error {
	caps := m.Caps
	resp, err := r.UpdateDevice(ctx, api.DeviceUpdateRequest{
		DeviceID:     deviceID,
		Platform:     m.Info.Platform,
		AppVersion:   m.Info.AppVersion,
		SDKVersion:   m.Info.SDKVersion,
		OSVersion:    m.Info.OSVersion,
		Capabilities: &caps,
		LastSeen:     util.ISO(now),
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		slog.Debug("device update not acknowledged", "device_id_prefix", Prefix(deviceID))
	}
	return nil
}
