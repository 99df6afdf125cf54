package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusBadRequest, KindBadRequest},
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindUnauthorized},
		{http.StatusNotFound, KindBadRequest},
		{http.StatusRequestTimeout, KindNetwork},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindServer},
		{http.StatusServiceUnavailable, KindServer},
		{302, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, FromStatus(tt.status, nil).Kind)
		})
	}
}

func TestAsErrorClassifiesTransportFailures(t *testing.T) {
	assert.Nil(t, AsError(nil))
	assert.Equal(t, KindNetwork, KindOf(fmt.Errorf("lookup: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))

	wrapped := fmt.Errorf("submit: %w", FromStatus(http.StatusUnauthorized, nil))
	assert.True(t, errors.Is(wrapped, ErrUnauthorized))
	assert.False(t, errors.Is(wrapped, ErrServer))
}

func TestRetryable(t *testing.T) {
	assert.True(t, KindNetwork.Retryable())
	assert.True(t, KindServer.Retryable())
	assert.True(t, KindRateLimited.Retryable())
	assert.False(t, KindUnauthorized.Retryable())
	assert.False(t, KindBadRequest.Retryable())
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "OK", StatusText(nil))
	assert.Equal(t, "API key invalid or expired", StatusText(ErrUnauthorized))
	assert.Equal(t, "SDK not initialized", StatusText(fmt.Errorf("sync: %w", ErrNotInitialized)))
}

func TestBrandingRecordValidate(t *testing.T) {
	assert.ErrorIs(t, BrandingRecord{PhoneE164: "+14155550100", BrandName: "  "}.Validate(), ErrBlankBrand)
	assert.ErrorIs(t, BrandingRecord{BrandName: "Acme"}.Validate(), ErrBlankPhone)
	assert.NoError(t, BrandingRecord{PhoneE164: "+14155550100", BrandName: "Acme"}.Validate())
}
