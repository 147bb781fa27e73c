package ledger

import "errors"

// Error taxonomy for the ledger state machine (spec.md §7). These are not
// meant to be type-switched individually by callers beyond errors.Is —
// they classify what went wrong, not how to recover.
var (
	ErrDuplicateTransfer  = errors.New("ledger: duplicate transfer id")
	ErrUnknownTransfer    = errors.New("ledger: unknown transfer id")
	ErrNotConditional     = errors.New("ledger: transfer has no condition")
	ErrInvalidFulfillment = errors.New("ledger: fulfillment does not validate against condition")
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
	ErrOverLimit          = errors.New("ledger: over limit")
	ErrUnderLimit         = errors.New("ledger: under limit")
	ErrFalseAcknowledge   = errors.New("ledger: false acknowledge")
	ErrInvalidMessage     = errors.New("ledger: unrecognized wire message type")
	ErrTransport          = errors.New("ledger: transport delivery failure")
)
