// Package transferlog is the durable record of every transfer a trustline
// peer has seen, keyed by transfer id (spec.md component C).
package transferlog

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mbd888/ilpvirtual/internal/store"
	"github.com/mbd888/ilpvirtual/internal/transfer"
)

// State is the lifecycle stage of a TransferLogEntry.
type State string

const (
	Prepared  State = "prepared"
	Completed State = "completed"
)

var (
	// ErrDuplicateTransfer is returned when storing a transfer id that
	// already exists with a different direction or differing content.
	ErrDuplicateTransfer = errors.New("transferlog: duplicate transfer id")
	// ErrNotFound is returned by Get/GetType/IsComplete for an unseen id.
	ErrNotFound = errors.New("transferlog: entry not found")
)

// Entry is the durable record of a single transfer.
type Entry struct {
	Transfer  transfer.Transfer  `json:"transfer"`
	Direction transfer.Direction `json:"direction"`
	State     State              `json:"state"`
}

// entryWire is the persisted form. transfer.Transfer's Direction field is
// tagged json:"-" so it is carried separately here as Entry.Direction —
// the log, unlike the wire protocol, does need to remember which side
// originated a transfer.
type entryWire struct {
	Transfer  json.RawMessage    `json:"transfer"`
	Direction transfer.Direction `json:"direction"`
	State     State              `json:"state"`
}

// Log is the durable per-id transfer record, keyed "t:"+id. The entry's
// state is stored inside that same value; no separate "t:"+id+":state"
// key is written or read.
type Log struct {
	store store.Store
}

// New creates a Log persisted in s.
func New(s store.Store) *Log {
	return &Log{store: s}
}

func entryKey(id string) string { return "t:" + id }

// Get returns the entry for id, or ErrNotFound.
func (l *Log) Get(ctx context.Context, id string) (*Entry, error) {
	raw, err := l.store.Get(ctx, entryKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var w entryWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, err
	}
	tr, err := transfer.FromCanonical(w.Transfer, w.Direction)
	if err != nil {
		return nil, err
	}
	return &Entry{Transfer: tr, Direction: w.Direction, State: w.State}, nil
}

func (l *Log) put(ctx context.Context, id string, e *Entry) error {
	canonical, err := transfer.Canonical(e.Transfer)
	if err != nil {
		return err
	}
	w := entryWire{Transfer: canonical, Direction: e.Direction, State: e.State}
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return l.store.Put(ctx, entryKey(id), string(data))
}

// storeDirectional creates an entry in Prepared state for the given
// direction. It is idempotent when the existing entry is identical, and
// fails with ErrDuplicateTransfer when the id is already used by a
// different direction or a different transfer body — spec.md §4.C and
// invariant 1 of §3 ("at most one TransferLogEntry ever exists").
func (l *Log) storeDirectional(ctx context.Context, t transfer.Transfer, dir transfer.Direction) error {
	existing, err := l.Get(ctx, t.ID)
	if err == nil {
		if existing.Direction != dir || !transfer.Equal(existing.Transfer, t) {
			return ErrDuplicateTransfer
		}
		return nil // identical re-observation: idempotent no-op
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	t.Direction = dir
	return l.put(ctx, t.ID, &Entry{Transfer: t, Direction: dir, State: Prepared})
}

// StoreIncoming records a newly received transfer as Prepared, incoming.
func (l *Log) StoreIncoming(ctx context.Context, t transfer.Transfer) error {
	return l.storeDirectional(ctx, t, transfer.Incoming)
}

// StoreOutgoing records a transfer we are sending as Prepared, outgoing.
func (l *Log) StoreOutgoing(ctx context.Context, t transfer.Transfer) error {
	return l.storeDirectional(ctx, t, transfer.Outgoing)
}

// Complete marks id Completed. It is idempotent: completing an
// already-completed entry is a no-op (spec.md §8 property 7).
func (l *Log) Complete(ctx context.Context, id string) error {
	e, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.State == Completed {
		return nil
	}
	e.State = Completed
	return l.put(ctx, id, e)
}

// IsComplete reports whether id's entry is Completed.
func (l *Log) IsComplete(ctx context.Context, id string) (bool, error) {
	e, err := l.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return e.State == Completed, nil
}

// GetType returns the direction recorded for id.
func (l *Log) GetType(ctx context.Context, id string) (transfer.Direction, error) {
	e, err := l.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return e.Direction, nil
}
