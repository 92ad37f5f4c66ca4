// Package idgen generates record ids, escrow reference numbers and
// idempotency keys.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes), e.g. "esc_...".
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns a random hex string of numBytes bytes.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// IdempotencyKey returns a fresh key passed through to ledger calls so
// that the resulting on-chain event can be matched back exactly.
func IdempotencyKey() string {
	return uuid.NewString()
}

var sixDigits = big.NewInt(1_000_000)

// ReferenceNumber returns a human readable number like "ESC-2026-004211".
func ReferenceNumber(prefix string, now time.Time) string {
	n, err := rand.Int(rand.Reader, sixDigits)
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%s-%d-%06d", prefix, now.Year(), n.Int64())
}
