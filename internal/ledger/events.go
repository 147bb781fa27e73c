package ledger

import "github.com/mbd888/ilpvirtual/internal/transfer"

// Observer receives the ledger's observable events (spec.md §4.F). Every
// method is called synchronously. Transfer, balance and fulfillment events
// fire while the dispatch loop's single mutex is held; OnConnect,
// OnDisconnect and the OnError for an undecodable inbound message fire
// without it. Implementations must not block or re-enter the Ledger.
type Observer interface {
	OnConnect()
	OnDisconnect()
	OnIncoming(t transfer.Transfer)
	OnAccept(t transfer.Transfer, message []byte)
	OnReject(t transfer.Transfer, message []byte)
	OnReply(t transfer.Transfer, message []byte)
	OnFulfillExecutionCondition(t transfer.Transfer, fulfillment string)
	OnFulfillCancellationCondition(t transfer.Transfer, fulfillment string)
	OnError(err error)

	// Debug hooks, observable for tests (spec.md §7).
	OnRepeatTransfer(t transfer.Transfer)
	OnFalseAcknowledge(t transfer.Transfer)
	OnBalanceChanged(balance string)
}

// NoopObserver implements Observer with empty bodies, so embedders only
// need to override the events they care about.
type NoopObserver struct{}

func (NoopObserver) OnConnect()                                                   {}
func (NoopObserver) OnDisconnect()                                                {}
func (NoopObserver) OnIncoming(t transfer.Transfer)                               {}
func (NoopObserver) OnAccept(t transfer.Transfer, message []byte)                 {}
func (NoopObserver) OnReject(t transfer.Transfer, message []byte)                 {}
func (NoopObserver) OnReply(t transfer.Transfer, message []byte)                  {}
func (NoopObserver) OnFulfillExecutionCondition(t transfer.Transfer, f string)     {}
func (NoopObserver) OnFulfillCancellationCondition(t transfer.Transfer, f string)  {}
func (NoopObserver) OnError(err error)                                            {}
func (NoopObserver) OnRepeatTransfer(t transfer.Transfer)                         {}
func (NoopObserver) OnFalseAcknowledge(t transfer.Transfer)                       {}
func (NoopObserver) OnBalanceChanged(balance string)                              {}

// messageType tags inbound/outbound wire messages (spec.md §4.F).
type messageType string

const (
	msgTransfer    messageType = "transfer"
	msgAcknowledge messageType = "acknowledge"
	msgReject      messageType = "reject"
	msgReply       messageType = "reply"
	msgFulfillment messageType = "fulfillment"
)

// wireMessage is the envelope exchanged over the peer connection. Fields
// are populated according to Type; transfer.Transfer's own JSON form
// already excludes Direction (local-only).
type wireMessage struct {
	Type        messageType        `json:"type"`
	Transfer    transfer.Transfer  `json:"transfer"`
	Message     string             `json:"message,omitempty"`
	Fulfillment string             `json:"fulfillment,omitempty"`
}
