// Package transfer defines the Transfer value object exchanged between the
// two peers of a bilateral trustline (spec.md component D).
package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/ilpvirtual/internal/decimal"
)

// Direction records which side originated a transfer. It is assigned
// locally and never travels on the wire.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// ErrInvalidAmount is returned when a Transfer's amount is missing, NaN-shaped,
// zero, or negative.
var ErrInvalidAmount = errors.New("transfer: invalid amount")

// Transfer is immutable once constructed. It is a plain value object and
// validates nothing itself: the ledger checks Amount with ValidateAmount
// (before storing an outgoing transfer, after recording an incoming one),
// and treats the condition strings as opaque.
type Transfer struct {
	ID                    string         `json:"id"`
	Amount                decimal.Amount `json:"amount"`
	Account               string         `json:"account"`
	Data                  []byte         `json:"data,omitempty"`
	NoteToSelf            []byte         `json:"noteToSelf,omitempty"`
	ExecutionCondition    string         `json:"executionCondition,omitempty"`
	CancellationCondition string         `json:"cancellationCondition,omitempty"`
	ExpiresAt             *time.Time     `json:"expiresAt,omitempty"`
	Direction             Direction      `json:"-"`
}

// IsConditional reports whether the transfer carries an execution condition.
func (t Transfer) IsConditional() bool {
	return t.ExecutionCondition != ""
}

// wireTransfer is the subset of Transfer fields that actually cross the
// wire — Direction is a local annotation, never transmitted, so it is
// deliberately excluded here rather than merely tagged json:"-" on
// Transfer, keeping the wire shape explicit at the call site. Fields are
// declared in ascending order of their JSON keys.
type wireTransfer struct {
	Account               string         `json:"account"`
	Amount                decimal.Amount `json:"amount"`
	CancellationCondition string         `json:"cancellationCondition,omitempty"`
	Data                  []byte         `json:"data,omitempty"`
	ExecutionCondition    string         `json:"executionCondition,omitempty"`
	ExpiresAt             *time.Time     `json:"expiresAt,omitempty"`
	ID                    string         `json:"id"`
	NoteToSelf            []byte         `json:"noteToSelf,omitempty"`
}

func toWire(t Transfer) wireTransfer {
	return wireTransfer{
		ID:                    t.ID,
		Amount:                t.Amount,
		Account:               t.Account,
		Data:                  t.Data,
		NoteToSelf:            t.NoteToSelf,
		ExecutionCondition:    t.ExecutionCondition,
		CancellationCondition: t.CancellationCondition,
		ExpiresAt:             t.ExpiresAt,
	}
}

// Canonical returns the deterministic wire-form serialization of t, used
// to persist a transfer in the transfer log and to compare an
// acknowledge's embedded transfer against the stored one (spec.md §4.F,
// §6). Go's encoding/json marshals struct fields in declaration order, so
// wireTransfer's key-sorted field order gives sorted keys, stable across
// calls.
func Canonical(t Transfer) ([]byte, error) {
	return json.Marshal(toWire(t))
}

// FromCanonical parses the wire form produced by Canonical back into a
// Transfer. Direction must be assigned by the caller — it is never part of
// the wire form.
func FromCanonical(data []byte, dir Direction) (Transfer, error) {
	var w wireTransfer
	if err := json.Unmarshal(data, &w); err != nil {
		return Transfer{}, err
	}
	return Transfer{
		ID:                    w.ID,
		Amount:                w.Amount,
		Account:               w.Account,
		Data:                  w.Data,
		NoteToSelf:            w.NoteToSelf,
		ExecutionCondition:    w.ExecutionCondition,
		CancellationCondition: w.CancellationCondition,
		ExpiresAt:             w.ExpiresAt,
		Direction:             dir,
	}, nil
}

// Equal reports whether a and b serialize to the same canonical wire form,
// ignoring Direction. This is the equality check spec.md §4.F's
// acknowledge-handler uses to detect a tampered amount or body.
func Equal(a, b Transfer) bool {
	ca, errA := Canonical(a)
	cb, errB := Canonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// ValidateAmount reports whether amount is well-formed and strictly
// positive, per spec.md §3's "NaN, zero, negative, or non-numeric are
// rejected" rule. It never reads the balance — that is balance.IsValidIncoming's job.
func ValidateAmount(amount decimal.Amount) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
