package events

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"callbrand/internal/domain"
)

const keyLen = 40

// IdempotencyKey is a stable hash of the logical event, so a row re-enqueued
// after a crash carries the same key and the backend can dedupe it.
func IdempotencyKey(deviceID, phoneE164 string, outcome domain.Outcome, tsEpochMs int64) string {
	seed := strings.Join([]string{deviceID, phoneE164, string(outcome), strconv.FormatInt(tsEpochMs, 10)}, "|")
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:keyLen]
}
