// Package condition validates the fulfillment/condition pair used by
// conditional (hash-time-locked) transfers. It is deliberately small and
// pluggable: the ledger core depends on the Validator interface, not on
// this package's default PREIMAGE-SHA-256 implementation, so a different
// crypto-condition scheme can be swapped in without touching the state
// machine. It is an external collaborator of the ledger, not one of its
// lettered components.
package condition

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Validator checks whether a fulfillment satisfies a condition.
type Validator interface {
	Validate(fulfillment, cond string) bool
}

// PreimageSHA256 implements the PREIMAGE-SHA-256 crypto-condition scheme:
// the condition is the base64url-encoded SHA-256 digest of the
// base64url-decoded fulfillment (the preimage).
type PreimageSHA256 struct{}

// Validate reports whether sha256(fulfillment) == condition, both
// base64url encoded. A malformed fulfillment or condition never
// validates.
func (PreimageSHA256) Validate(fulfillment, cond string) bool {
	preimage, err := base64.RawURLEncoding.DecodeString(fulfillment)
	if err != nil {
		return false
	}
	wantDigest, err := base64.RawURLEncoding.DecodeString(cond)
	if err != nil {
		return false
	}
	gotDigest := sha256.Sum256(preimage)
	return subtle.ConstantTimeCompare(gotDigest[:], wantDigest) == 1
}

// GenerateCondition derives the condition string for a given fulfillment
// preimage — used by tests and by a sender constructing a new
// conditional transfer.
func GenerateCondition(fulfillmentPreimage []byte) string {
	digest := sha256.Sum256(fulfillmentPreimage)
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// EncodeFulfillment base64url-encodes a preimage for wire transport.
func EncodeFulfillment(preimage []byte) string {
	return base64.RawURLEncoding.EncodeToString(preimage)
}
