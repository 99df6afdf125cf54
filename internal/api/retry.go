package api

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"callbrand/internal/domain"
)

// ShouldRetry reports whether a failed call is worth repeating later.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return domain.KindOf(err).Retryable()
}

// Backoff returns the wait before retry number attempt (0-based).
func Backoff(attempt int) time.Duration {
	// 200ms, 600ms, 1400ms, then capped
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}

// IsBreakerOpen reports whether err was a fast-fail from the circuit breaker.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
