package util

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeE164(t *testing.T) {
	cases := map[string]string{
		"+1 (415) 555-0100": "+14155550100",
		" 415.555.0100 ":    "4155550100",
		"+":                 "",
		"":                  "",
		"1+2":               "12",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeE164(in), "input %q", in)
	}
}

func TestLooksLikeE164(t *testing.T) {
	assert.True(t, LooksLikeE164("+14155550100"))
	assert.False(t, LooksLikeE164("14155550100"))
	assert.False(t, LooksLikeE164("+0123456789"))
	assert.False(t, LooksLikeE164("+1415abc0100"))
	assert.False(t, LooksLikeE164("+1234"))
}

func TestISORoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 891_000_000, time.UTC)
	s := ISO(ts)
	assert.Equal(t, "2026-03-04T05:06:07.891Z", s)

	got, err := ParseISO(s)
	require.NoError(t, err)
	assert.True(t, got.Equal(ts))
}

func TestNewRequestIDIsSortable(t *testing.T) {
	a := NewRequestID()
	time.Sleep(2 * time.Millisecond)
	b := NewRequestID()
	assert.True(t, strings.HasPrefix(a, "req_"))
	assert.Less(t, a, b)
}
