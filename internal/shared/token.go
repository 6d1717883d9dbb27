package shared

import (
	"crypto/rand"
	"encoding/hex"
)

// NewToken returns a random hex token of n bytes (2n hex characters).
func NewToken(n int) string {
	if n <= 0 {
		n = 24
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewReminderID returns a short random reminder identifier.
func NewReminderID() string {
	return "rem_" + NewToken(8)
}
