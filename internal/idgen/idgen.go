// Package idgen generates identifiers for builds, assessments and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Ordered returns a time-ordered UUID (v7) so ids sort by creation time.
// Falls back to a random UUID if the clock source fails.
func Ordered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithPrefix returns prefix followed by a dash-free time-ordered UUID,
// e.g. "build_0190f4c2...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(Ordered(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
