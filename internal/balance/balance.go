// Package balance tracks the single signed decimal balance of a bilateral
// trustline under a [Min, Max] credit band (spec.md component B).
package balance

import (
	"context"
	"errors"
	"sync"

	"github.com/mbd888/ilpvirtual/internal/decimal"
	"github.com/mbd888/ilpvirtual/internal/store"
)

var (
	// ErrOverLimit is returned by Add when the resulting balance would
	// exceed Max — the credit we extend to the peer.
	ErrOverLimit = errors.New("balance: over limit")
	// ErrUnderLimit is returned by Sub when the resulting balance would
	// fall below Min — the credit the peer extends to us.
	ErrUnderLimit = errors.New("balance: under limit")
)

// key is the fixed store key the balance is persisted under, per spec.md
// §4.B ("persisted under a fixed key").
const key = "balance"

// Balance is a single decimal guarded by [Min, Max]. All mutation goes
// through Add/Sub, which persist before returning and notify any attached
// observer, matching the teacher's credit.Store bound-checked mutation
// pattern generalized to a symmetric band.
type Balance struct {
	store store.Store
	Min   decimal.Amount
	Max   decimal.Amount

	mu       sync.Mutex
	onChange func(decimal.Amount)
}

// New creates a Balance persisted in s, bounded by [min, max].
func New(s store.Store, min, max decimal.Amount) *Balance {
	return &Balance{store: s, Min: min, Max: max}
}

// OnChange registers a callback invoked after every successful Add/Sub with
// the new balance value. Only one callback may be registered; the ledger
// state machine uses this to emit its `_balanceChanged` debug event.
func (b *Balance) OnChange(fn func(decimal.Amount)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Get returns the current balance, lazily initializing to zero if the
// store has never seen this key.
func (b *Balance) Get(ctx context.Context) (decimal.Amount, error) {
	v, err := b.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	d, ok := decimal.Parse(v)
	if !ok {
		return decimal.Zero, errors.New("balance: corrupted stored value " + v)
	}
	return d, nil
}

// Add increases the balance by amount, failing with ErrOverLimit if the
// result would exceed Max. The read-modify-write is atomic with respect to
// other Add/Sub calls on this Balance.
func (b *Balance) Add(ctx context.Context, amount decimal.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, err := b.Get(ctx)
	if err != nil {
		return err
	}
	next := cur.Add(amount)
	if next.GreaterThan(b.Max) {
		return ErrOverLimit
	}
	if err := b.store.Put(ctx, key, decimal.Format(next)); err != nil {
		return err
	}
	b.notify(next)
	return nil
}

// Sub decreases the balance by amount, failing with ErrUnderLimit if the
// result would fall below Min.
func (b *Balance) Sub(ctx context.Context, amount decimal.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, err := b.Get(ctx)
	if err != nil {
		return err
	}
	next := cur.Sub(amount)
	if next.LessThan(b.Min) {
		return ErrUnderLimit
	}
	if err := b.store.Put(ctx, key, decimal.Format(next)); err != nil {
		return err
	}
	b.notify(next)
	return nil
}

// IsValidIncoming is a pure predicate: amount must be strictly positive and
// crediting it must not push the balance past Max. It performs no
// mutation, letting the ledger state machine reject before ever touching
// the store (spec.md §4.B "validation is separated from mutation").
func (b *Balance) IsValidIncoming(ctx context.Context, amount decimal.Amount) (bool, error) {
	if amount.Sign() <= 0 {
		return false, nil
	}
	cur, err := b.Get(ctx)
	if err != nil {
		return false, err
	}
	return cur.Add(amount).LessThanOrEqual(b.Max), nil
}

func (b *Balance) notify(next decimal.Amount) {
	if b.onChange != nil {
		b.onChange(next)
	}
}
