package api

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	err   error
	calls *int
}

func (s stubVerifier) Verify([]*x509.Certificate, string) error {
	*s.calls++
	return s.err
}

func TestTrustChainFirstAcceptanceWins(t *testing.T) {
	var a, b, c int
	tc := TrustChain{
		stubVerifier{err: errors.New("system: unknown authority"), calls: &a},
		stubVerifier{calls: &b},
		stubVerifier{calls: &c},
	}
	require.NoError(t, tc.Verify(nil, "example.com"))
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
	assert.Zero(t, c)
}

func TestTrustChainFailsOnlyWhenAllReject(t *testing.T) {
	var a, b int
	tc := TrustChain{
		stubVerifier{err: errors.New("system rejected"), calls: &a},
		stubVerifier{err: errors.New("pinned rejected"), calls: &b},
	}
	err := tc.Verify(nil, "example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system rejected")
	assert.Contains(t, err.Error(), "pinned rejected")
}

func tlsBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"e164":"+1","brand_name":"Pinned"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPinnedCAAcceptsServerSystemRootsReject(t *testing.T) {
	srv := tlsBackend(t)

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	pool, err := ParsePinnedCA(pemBytes)
	require.NoError(t, err)

	c := New(srv.URL, "k", NewHTTPClient(2*time.Second, DefaultTrustChain(pool)), nil)
	resp, found, err := c.Lookup(context.Background(), "+1", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Pinned", resp.BrandName)
}

func TestHandshakeFailsWithoutPinnedCA(t *testing.T) {
	srv := tlsBackend(t)

	c := New(srv.URL, "k", NewHTTPClient(2*time.Second, DefaultTrustChain(nil)), nil)
	_, _, err := c.Lookup(context.Background(), "+1", "")
	require.Error(t, err)
}

func TestPinnedCAStillChecksHostname(t *testing.T) {
	srv := tlsBackend(t)
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	v := PoolVerifier{Name: "pinned", Roots: pool}
	require.NoError(t, v.Verify([]*x509.Certificate{srv.Certificate()}, "127.0.0.1"))
	require.Error(t, v.Verify([]*x509.Certificate{srv.Certificate()}, "evil.example.net"))
}

func TestParsePinnedCARejectsEmpty(t *testing.T) {
	_, err := ParsePinnedCA([]byte("not pem"))
	require.Error(t, err)

	pool, err := LoadPinnedCA("")
	require.NoError(t, err)
	assert.Nil(t, pool)
}
