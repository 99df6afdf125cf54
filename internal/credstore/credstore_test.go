package credstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRoundTripIsEncrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds", "api_key")
	f, err := NewFile(path, "host-secret")
	require.NoError(t, err)

	_, ok, err := f.Get()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.Set("sk_live_123"))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "sk_live_123"))

	f2, err := NewFile(path, "host-secret")
	require.NoError(t, err)
	v, ok, err := f2.Get()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk_live_123", v)
}

func TestFileSurvivesDataDirMove(t *testing.T) {
	oldPath := filepath.Join(t.TempDir(), "api_key")
	f, err := NewFile(oldPath, "host-secret")
	require.NoError(t, err)
	require.NoError(t, f.Set("sk_live_123"))

	newPath := filepath.Join(t.TempDir(), "moved", "api_key")
	require.NoError(t, os.MkdirAll(filepath.Dir(newPath), 0o700))
	require.NoError(t, os.Rename(oldPath, newPath))

	moved, err := NewFile(newPath, "host-secret")
	require.NoError(t, err)
	v, ok, err := moved.Get()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk_live_123", v)
}

func TestFileWrongSecretFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_key")
	f, err := NewFile(path, "a")
	require.NoError(t, err)
	require.NoError(t, f.Set("v"))

	other, err := NewFile(path, "b")
	require.NoError(t, err)
	_, _, err = other.Get()
	require.Error(t, err)

	_, err = NewFile(path, "")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestResolveAPIKeyStoredWins(t *testing.T) {
	m := &Memory{}
	k, err := ResolveAPIKey(m, "from-config")
	require.NoError(t, err)
	assert.Equal(t, "from-config", k)

	k, err = ResolveAPIKey(m, "rotated-in-config")
	require.NoError(t, err)
	assert.Equal(t, "from-config", k)

	k, err = ResolveAPIKey(&Memory{}, " ")
	require.NoError(t, err)
	assert.Empty(t, k)
}
