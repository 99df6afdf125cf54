package logging

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingKeepsNewestLines(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Add(fmt.Sprintf("line %d", i))
	}
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, r.Lines())
}

func TestRingPartial(t *testing.T) {
	r := NewRing(10)
	r.Add("a")
	r.Add("b")
	assert.Equal(t, "a\nb", r.Text())
}

func TestRingHandlerTeesAndRedacts(t *testing.T) {
	var buf bytes.Buffer
	ring := NewRing(DefaultRingSize)
	h := NewRingHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redact}), ring)
	log := slog.New(h).With("e164", "+14155550100")

	log.Info("lookup failed", "api_key", "sk_live_123", "status", 503)

	lines := ring.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "INFO lookup failed")
	assert.Contains(t, lines[0], "e164=+14155550100")
	assert.Contains(t, lines[0], "status=503")
	assert.NotContains(t, lines[0], "sk_live_123")
	assert.False(t, strings.Contains(buf.String(), "sk_live_123"))
}
