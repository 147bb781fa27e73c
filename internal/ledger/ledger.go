// Package ledger implements the bilateral trustline state machine: it
// consumes inbound peer messages and drives the balance, transfer log,
// and peer connection components to preserve the monetary invariants of
// a shared virtual ledger (no double-spend, no double-credit, no lost
// funds on replay).
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/ilpvirtual/internal/balance"
	"github.com/mbd888/ilpvirtual/internal/condition"
	"github.com/mbd888/ilpvirtual/internal/decimal"
	"github.com/mbd888/ilpvirtual/internal/metrics"
	"github.com/mbd888/ilpvirtual/internal/peerconn"
	"github.com/mbd888/ilpvirtual/internal/store"
	"github.com/mbd888/ilpvirtual/internal/traces"
	"github.com/mbd888/ilpvirtual/internal/transfer"
	"github.com/mbd888/ilpvirtual/internal/transferlog"
)

// Ledger is the bilateral trustline state machine (spec.md component F).
// At most one inbound handler runs at a time with respect to the balance
// and transfer log: every dispatch path acquires mu for its full duration,
// matching the spec's single-threaded cooperative scheduling model.
type Ledger struct {
	logger    *slog.Logger
	conn      *peerconn.Conn
	balance   *balance.Balance
	log       *transferlog.Log
	validator condition.Validator
	observer  Observer

	mu sync.Mutex
}

// New constructs a Ledger over store s, bounded by [min, max], using
// validator for condition resolution and reporting to observer. The
// returned Ledger is also a peerconn.Handler; callers must not register
// any other handler on the same Conn.
func New(logger *slog.Logger, s store.Store, min, max decimal.Amount, validator condition.Validator, observer Observer) *Ledger {
	if observer == nil {
		observer = NoopObserver{}
	}
	l := &Ledger{
		logger:    logger,
		balance:   balance.New(s, min, max),
		log:       transferlog.New(s),
		validator: validator,
		observer:  observer,
	}
	l.conn = peerconn.New(logger, l)
	l.balance.OnChange(func(next decimal.Amount) {
		formatted := decimal.Format(next)
		metrics.Balance.Set(mustFloat(formatted))
		l.observer.OnBalanceChanged(formatted)
	})
	return l
}

func mustFloat(s string) float64 {
	d, ok := decimal.Parse(s)
	if !ok {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// Connect dials the peer at url and reconnects with backoff on loss.
func (l *Ledger) Connect(ctx context.Context, url string, maxAttempts int, baseDelay time.Duration) error {
	return l.conn.DialAndConnect(ctx, url, maxAttempts, baseDelay)
}

// Disconnect tears down the peer connection.
func (l *Ledger) Disconnect() error {
	return l.conn.Disconnect()
}

// IsConnected reports whether the peer connection is currently live.
func (l *Ledger) IsConnected() bool {
	return l.conn.IsConnected()
}

// GetBalance returns the current trustline balance as a decimal string.
func (l *Ledger) GetBalance(ctx context.Context) (string, error) {
	b, err := l.balance.Get(ctx)
	if err != nil {
		return "", err
	}
	return decimal.Format(b), nil
}

// Send records t as an outgoing transfer and enqueues it on the peer
// connection. Balance is not touched here — the peer's acknowledge is
// authoritative for unconditional transfers, and outgoing conditional
// transfers are never debited at send (spec.md §9 OQ1: the chosen
// escrow policy debits only at execute, matching the incoming side).
func (l *Ledger) Send(ctx context.Context, t transfer.Transfer) error {
	ctx, span := traces.StartSpan(ctx, "ledger.Send", traces.TransferID(t.ID), traces.Amount(decimal.Format(t.Amount)))
	defer span.End()
	defer metrics.ObserveOp("send")()

	if err := transfer.ValidateAmount(t.Amount); err != nil {
		span.SetStatus(codes.Error, "invalid amount")
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t.Direction = transfer.Outgoing
	if err := l.log.StoreOutgoing(ctx, t); err != nil {
		if errors.Is(err, transferlog.ErrDuplicateTransfer) {
			span.SetStatus(codes.Error, "duplicate transfer")
			return ErrDuplicateTransfer
		}
		span.RecordError(err)
		return err
	}

	if err := l.sendMessage(wireMessage{Type: msgTransfer, Transfer: t}); err != nil {
		span.RecordError(err)
		return ErrTransport
	}
	return nil
}

// FulfillCondition applies a fulfillment against transfer id's condition
// locally, then forwards it to the peer so both sides converge. It is
// the entry point an embedder uses when it is the side holding the
// fulfillment preimage.
func (l *Ledger) FulfillCondition(ctx context.Context, id, fulfillment string) error {
	defer metrics.ObserveOp("fulfill_condition")()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.resolveCondition(ctx, id, fulfillment)
	if err != nil {
		return err
	}
	if err := l.sendMessage(wireMessage{Type: msgFulfillment, Transfer: entry.Transfer, Fulfillment: fulfillment}); err != nil {
		return ErrTransport
	}
	return nil
}

// ReplyToTransfer forwards an informational reply message to the peer
// for a known transfer id.
func (l *Ledger) ReplyToTransfer(ctx context.Context, id string, msg []byte) error {
	defer metrics.ObserveOp("reply_to_transfer")()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.log.Get(ctx, id)
	if err != nil {
		return ErrUnknownTransfer
	}
	if err := l.sendMessage(wireMessage{Type: msgReply, Transfer: entry.Transfer, Message: string(msg)}); err != nil {
		return ErrTransport
	}
	return nil
}

func (l *Ledger) sendMessage(m wireMessage) error {
	return l.conn.Send(m)
}

// --- peerconn.Handler ---

// OnConnect implements peerconn.Handler.
func (l *Ledger) OnConnect() {
	metrics.ConnectionState.Set(1)
	l.observer.OnConnect()
}

// OnDisconnect implements peerconn.Handler.
func (l *Ledger) OnDisconnect(err error) {
	metrics.ConnectionState.Set(0)
	l.observer.OnDisconnect()
}

// OnMessage implements peerconn.Handler, dispatching an inbound wire
// message to the appropriate handler under the single dispatch mutex.
func (l *Ledger) OnMessage(data []byte) {
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		l.observer.OnError(ErrInvalidMessage)
		return
	}

	ctx := context.Background()
	l.mu.Lock()
	defer l.mu.Unlock()

	switch m.Type {
	case msgTransfer:
		l.handleTransfer(ctx, m.Transfer)
	case msgAcknowledge:
		l.handleAcknowledge(ctx, m.Transfer, []byte(m.Message))
	case msgReject:
		l.handleReject(ctx, m.Transfer, []byte(m.Message))
	case msgReply:
		l.observer.OnReply(m.Transfer, []byte(m.Message))
	case msgFulfillment:
		if _, err := l.resolveCondition(ctx, m.Transfer.ID, m.Fulfillment); err != nil {
			l.observer.OnError(err)
		}
	default:
		l.observer.OnError(ErrInvalidMessage)
	}
}

// handleTransfer implements the incoming-handler dispatch of spec.md §4.F.
func (l *Ledger) handleTransfer(ctx context.Context, t transfer.Transfer) {
	ctx, span := traces.StartSpan(ctx, "ledger.handleTransfer", traces.TransferID(t.ID))
	defer span.End()

	t.Direction = transfer.Incoming
	l.observer.OnIncoming(t)

	if _, err := l.log.Get(ctx, t.ID); err == nil {
		l.observer.OnRepeatTransfer(t)
		l.rejectIncoming(t, "repeat transfer id")
		metrics.TransfersTotal.WithLabelValues("incoming", "repeat").Inc()
		return
	} else if !errors.Is(err, transferlog.ErrNotFound) {
		l.observer.OnError(err)
		return
	}

	if err := l.log.StoreIncoming(ctx, t); err != nil {
		l.observer.OnError(err)
		return
	}

	if err := transfer.ValidateAmount(t.Amount); err != nil {
		_ = l.log.Complete(ctx, t.ID)
		l.rejectIncoming(t, "invalid amount")
		metrics.TransfersTotal.WithLabelValues("incoming", "rejected").Inc()
		return
	}

	valid, err := l.balance.IsValidIncoming(ctx, t.Amount)
	if err != nil {
		l.observer.OnError(err)
		return
	}
	if !valid {
		_ = l.log.Complete(ctx, t.ID)
		l.rejectIncoming(t, "credit limit exceeded")
		metrics.TransfersTotal.WithLabelValues("incoming", "rejected").Inc()
		return
	}

	if !t.IsConditional() {
		if err := l.balance.Add(ctx, t.Amount); err != nil {
			_ = l.log.Complete(ctx, t.ID)
			l.rejectIncoming(t, "credit limit exceeded")
			metrics.TransfersTotal.WithLabelValues("incoming", "rejected").Inc()
			return
		}
		_ = l.log.Complete(ctx, t.ID)
		metrics.TransfersTotal.WithLabelValues("incoming", "accepted").Inc()
	}
	// Conditional: acknowledge but do not move balance; entry stays prepared.
	_ = l.sendMessage(wireMessage{Type: msgAcknowledge, Transfer: t, Message: "transfer accepted"})
}

func (l *Ledger) rejectIncoming(t transfer.Transfer, reason string) {
	_ = l.sendMessage(wireMessage{Type: msgReject, Transfer: t, Message: reason})
}

// handleAcknowledge implements the ack-handler dispatch of spec.md §4.F.
func (l *Ledger) handleAcknowledge(ctx context.Context, t transfer.Transfer, message []byte) {
	ctx, span := traces.StartSpan(ctx, "ledger.handleAcknowledge", traces.TransferID(t.ID))
	defer span.End()

	stored, err := l.log.Get(ctx, t.ID)
	if err != nil || stored.Direction != transfer.Outgoing || !transfer.Equal(stored.Transfer, t) {
		l.observer.OnFalseAcknowledge(t)
		return
	}
	done, err := l.log.IsComplete(ctx, t.ID)
	if err != nil || done {
		l.observer.OnFalseAcknowledge(t)
		return
	}

	if !stored.Transfer.IsConditional() {
		if err := l.balance.Sub(ctx, t.Amount); err != nil {
			span.RecordError(err)
			l.observer.OnError(err)
			return
		}
		if err := l.log.Complete(ctx, t.ID); err != nil {
			l.observer.OnError(err)
			return
		}
		metrics.TransfersTotal.WithLabelValues("outgoing", "accepted").Inc()
	}
	// Conditional outgoing: balance untouched, entry stays prepared until execute.
	l.observer.OnAccept(t, message)
}

// handleReject implements the reject dispatch of spec.md §4.F.
func (l *Ledger) handleReject(ctx context.Context, t transfer.Transfer, message []byte) {
	l.observer.OnReject(t, message)
	if _, err := l.log.Get(ctx, t.ID); err == nil {
		_ = l.log.Complete(ctx, t.ID)
	}
	metrics.TransfersTotal.WithLabelValues("outgoing", "rejected").Inc()
}

// resolveCondition implements condition resolution (spec.md §4.F). It is
// shared by the exported FulfillCondition and by inbound fulfillment
// dispatch; the caller must already hold l.mu.
func (l *Ledger) resolveCondition(ctx context.Context, id, fulfillment string) (*transferlog.Entry, error) {
	entry, err := l.log.Get(ctx, id)
	if err != nil {
		return nil, ErrUnknownTransfer
	}
	if entry.Transfer.ExecutionCondition == "" {
		return nil, ErrNotConditional
	}

	switch {
	case l.validator.Validate(fulfillment, entry.Transfer.ExecutionCondition):
		if err := l.applyExecute(ctx, entry); err != nil {
			return nil, err
		}
		l.observer.OnFulfillExecutionCondition(entry.Transfer, fulfillment)
		metrics.ConditionResolutionsTotal.WithLabelValues("executed").Inc()
		return entry, nil

	case entry.Transfer.CancellationCondition != "" && l.validator.Validate(fulfillment, entry.Transfer.CancellationCondition):
		if err := l.log.Complete(ctx, id); err != nil {
			return nil, err
		}
		l.observer.OnFulfillCancellationCondition(entry.Transfer, fulfillment)
		metrics.ConditionResolutionsTotal.WithLabelValues("cancelled").Inc()
		return entry, nil

	default:
		return nil, ErrInvalidFulfillment
	}
}

// applyExecute moves the balance exactly once on condition execution. An
// outgoing conditional transfer was never debited at send (OQ1), so
// execute is where it is debited; an incoming conditional transfer was
// never credited at accept, so execute is where it is credited.
func (l *Ledger) applyExecute(ctx context.Context, entry *transferlog.Entry) error {
	var err error
	if entry.Direction == transfer.Outgoing {
		err = l.balance.Sub(ctx, entry.Transfer.Amount)
	} else {
		err = l.balance.Add(ctx, entry.Transfer.Amount)
	}
	if err != nil {
		return err
	}
	return l.log.Complete(ctx, entry.Transfer.ID)
}
