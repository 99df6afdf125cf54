package sdk

import (
	"context"
	"errors"
	"sync/atomic"

	"callbrand/internal/domain"
)

// The process-wide handle exists only for platform hooks that cannot be
// handed a *Service. Everything else should take the service explicitly.
var current atomic.Pointer[Service]

var ErrAlreadyInstalled = errors.New("sdk: a service is already installed")

func Install(s *Service) error {
	if !current.CompareAndSwap(nil, s) {
		return ErrAlreadyInstalled
	}
	return nil
}

// Uninstall clears the handle and returns the previous service, if any.
func Uninstall() *Service { return current.Swap(nil) }

func Current() (*Service, error) {
	if s := current.Load(); s != nil {
		return s, nil
	}
	return nil, domain.ErrNotInitialized
}

// Resolve uses the installed service, or reports not_initialized.
func Resolve(ctx context.Context, e164, surface string) domain.BrandingResult {
	s, err := Current()
	if err != nil {
		return domain.ErrorResult(e164, err)
	}
	return s.Resolve(ctx, e164, surface)
}

// Teardown uninstalls and stops the installed service.
func Teardown() {
	if s := Uninstall(); s != nil {
		s.Close()
	}
}
