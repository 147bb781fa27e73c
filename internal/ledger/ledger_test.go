package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/ilpvirtual/internal/condition"
	"github.com/mbd888/ilpvirtual/internal/decimal"
	"github.com/mbd888/ilpvirtual/internal/store"
	"github.com/mbd888/ilpvirtual/internal/transfer"
)

// testObserver records every event fired by a Ledger for assertions.
type testObserver struct {
	mu sync.Mutex

	incoming         []transfer.Transfer
	accepted         []transfer.Transfer
	rejected         []transfer.Transfer
	replies          []transfer.Transfer
	executed         []transfer.Transfer
	cancelled        []transfer.Transfer
	errs             []error
	repeatTransfers  []transfer.Transfer
	falseAcks        []transfer.Transfer
	balanceChanges   []string
	connectCount     int
	disconnectCount  int
}

func (o *testObserver) OnConnect() { o.mu.Lock(); o.connectCount++; o.mu.Unlock() }
func (o *testObserver) OnDisconnect() { o.mu.Lock(); o.disconnectCount++; o.mu.Unlock() }
func (o *testObserver) OnIncoming(t transfer.Transfer) {
	o.mu.Lock()
	o.incoming = append(o.incoming, t)
	o.mu.Unlock()
}
func (o *testObserver) OnAccept(t transfer.Transfer, message []byte) {
	o.mu.Lock()
	o.accepted = append(o.accepted, t)
	o.mu.Unlock()
}
func (o *testObserver) OnReject(t transfer.Transfer, message []byte) {
	o.mu.Lock()
	o.rejected = append(o.rejected, t)
	o.mu.Unlock()
}
func (o *testObserver) OnReply(t transfer.Transfer, message []byte) {
	o.mu.Lock()
	o.replies = append(o.replies, t)
	o.mu.Unlock()
}
func (o *testObserver) OnFulfillExecutionCondition(t transfer.Transfer, f string) {
	o.mu.Lock()
	o.executed = append(o.executed, t)
	o.mu.Unlock()
}
func (o *testObserver) OnFulfillCancellationCondition(t transfer.Transfer, f string) {
	o.mu.Lock()
	o.cancelled = append(o.cancelled, t)
	o.mu.Unlock()
}
func (o *testObserver) OnError(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}
func (o *testObserver) OnRepeatTransfer(t transfer.Transfer) {
	o.mu.Lock()
	o.repeatTransfers = append(o.repeatTransfers, t)
	o.mu.Unlock()
}
func (o *testObserver) OnFalseAcknowledge(t transfer.Transfer) {
	o.mu.Lock()
	o.falseAcks = append(o.falseAcks, t)
	o.mu.Unlock()
}
func (o *testObserver) OnBalanceChanged(balance string) {
	o.mu.Lock()
	o.balanceChanges = append(o.balanceChanges, balance)
	o.mu.Unlock()
}

func (o *testObserver) count(f func() int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return f()
}

// fakePeer is a raw websocket counterparty used to drive a Ledger's
// inbound dispatch and observe what it sends outbound, without needing
// a second Ledger instance.
type fakePeer struct {
	conn    *websocket.Conn
	inbound chan wireMessage
}

func newFakePeerServer(t *testing.T) (*httptest.Server, *fakePeer) {
	t.Helper()
	fp := &fakePeer{inbound: make(chan wireMessage, 32)}
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		fp.conn = conn
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var m wireMessage
				if err := json.Unmarshal(data, &m); err != nil {
					continue
				}
				fp.inbound <- m
			}
		}()
	}))
	return srv, fp
}

func (fp *fakePeer) send(t *testing.T, m wireMessage) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := fp.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func (fp *fakePeer) waitForMessage(t *testing.T, timeout time.Duration) wireMessage {
	t.Helper()
	select {
	case m := <-fp.inbound:
		return m
	case <-time.After(timeout):
		t.Fatal("timed out waiting for outbound message")
		return wireMessage{}
	}
}

func newConnectedLedger(t *testing.T, min, max string) (*Ledger, *testObserver, *fakePeer) {
	t.Helper()
	srv, fp := newFakePeerServer(t)
	t.Cleanup(srv.Close)

	obs := &testObserver{}
	l := New(slog.Default(), store.NewMemoryStore(), decimal.MustParse(min), decimal.MustParse(max), condition.PreimageSHA256{}, obs)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	if err := l.Connect(context.Background(), url, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitUntil(t, func() bool { return fp.conn != nil })
	return l, obs, fp
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func mkTransfer(id, amount string) transfer.Transfer {
	return transfer.Transfer{ID: id, Amount: decimal.MustParse(amount), Account: "peer-acct"}
}

// S1 Unconditional accept.
func TestLedger_S1_UnconditionalAccept(t *testing.T) {
	l, obs, fp := newConnectedLedger(t, "-10", "10")
	ctx := context.Background()

	data, _ := json.Marshal(wireMessage{Type: msgTransfer, Transfer: mkTransfer("t1", "5")})
	l.OnMessage(data)

	ack := fp.waitForMessage(t, time.Second)
	if ack.Type != msgAcknowledge || ack.Message != "transfer accepted" {
		t.Fatalf("expected acknowledge message, got %+v", ack)
	}
	if n := obs.count(func() int { return len(obs.incoming) }); n != 1 {
		t.Fatalf("expected 1 incoming event, got %d", n)
	}

	bal, err := l.GetBalance(ctx)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal != "5" {
		t.Errorf("balance = %s, want 5", bal)
	}

	done, err := l.log.IsComplete(ctx, "t1")
	if err != nil || !done {
		t.Fatalf("expected t1 complete, got done=%v err=%v", done, err)
	}
}

// S2 Over-limit reject.
func TestLedger_S2_OverLimitReject(t *testing.T) {
	l, _, _ := newConnectedLedger(t, "0", "10")
	ctx := context.Background()

	data, _ := json.Marshal(wireMessage{Type: msgTransfer, Transfer: mkTransfer("seed", "8")})
	l.OnMessage(data)

	data2, _ := json.Marshal(wireMessage{Type: msgTransfer, Transfer: mkTransfer("t2", "5")})
	l.OnMessage(data2)

	bal, _ := l.GetBalance(ctx)
	if bal != "8" {
		t.Errorf("balance = %s, want unchanged 8", bal)
	}

	done, err := l.log.IsComplete(ctx, "t2")
	if err != nil || !done {
		t.Fatalf("expected t2 complete (rejected), got done=%v err=%v", done, err)
	}
}

// S3 Replay.
func TestLedger_S3_Replay(t *testing.T) {
	l, obs, _ := newConnectedLedger(t, "-10", "10")
	ctx := context.Background()

	data, _ := json.Marshal(wireMessage{Type: msgTransfer, Transfer: mkTransfer("t1", "5")})
	l.OnMessage(data)
	l.OnMessage(data) // replay

	if n := obs.count(func() int { return len(obs.repeatTransfers) }); n != 1 {
		t.Fatalf("expected 1 repeat transfer event, got %d", n)
	}

	bal, _ := l.GetBalance(ctx)
	if bal != "5" {
		t.Errorf("balance = %s, want still 5", bal)
	}
}

// S4 False ack.
func TestLedger_S4_FalseAck(t *testing.T) {
	l, obs, fp := newConnectedLedger(t, "-10", "10")
	ctx := context.Background()

	if err := l.Send(ctx, mkTransfer("t3", "2")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	fp.waitForMessage(t, time.Second) // drain the outbound `transfer` message

	tampered := mkTransfer("t3", "3")
	fp.send(t, wireMessage{Type: msgAcknowledge, Transfer: tampered, Message: "transfer accepted"})

	waitUntil(t, func() bool { return obs.count(func() int { return len(obs.falseAcks) }) == 1 })

	bal, _ := l.GetBalance(ctx)
	if bal != "0" {
		t.Errorf("balance = %s, want unchanged 0", bal)
	}
}

// S5 Conditional execute.
func TestLedger_S5_ConditionalExecute(t *testing.T) {
	l, obs, _ := newConnectedLedger(t, "-10", "10")
	ctx := context.Background()

	preimage := []byte("fulfillment-preimage")
	cond := condition.GenerateCondition(preimage)
	fulfillment := condition.EncodeFulfillment(preimage)

	tr := mkTransfer("t4", "4")
	tr.ExecutionCondition = cond
	data, _ := json.Marshal(wireMessage{Type: msgTransfer, Transfer: tr})
	l.OnMessage(data)

	// Ack does not credit.
	bal, _ := l.GetBalance(ctx)
	if bal != "0" {
		t.Fatalf("balance should be untouched by conditional accept, got %s", bal)
	}

	fulfillData, _ := json.Marshal(wireMessage{Type: msgFulfillment, Transfer: tr, Fulfillment: fulfillment})
	l.OnMessage(fulfillData)

	bal, _ = l.GetBalance(ctx)
	if bal != "4" {
		t.Errorf("balance = %s, want 4 after execute", bal)
	}
	if n := obs.count(func() int { return len(obs.executed) }); n != 1 {
		t.Fatalf("expected 1 execute event, got %d", n)
	}

	done, err := l.log.IsComplete(ctx, "t4")
	if err != nil || !done {
		t.Fatalf("expected t4 complete, got done=%v err=%v", done, err)
	}
}

// S6 Conditional cancel on incoming.
func TestLedger_S6_ConditionalCancel(t *testing.T) {
	l, obs, _ := newConnectedLedger(t, "-10", "10")
	ctx := context.Background()

	execPreimage := []byte("exec-preimage")
	cancelPreimage := []byte("cancel-preimage")
	execCond := condition.GenerateCondition(execPreimage)
	cancelCond := condition.GenerateCondition(cancelPreimage)
	cancelFulfillment := condition.EncodeFulfillment(cancelPreimage)

	tr := mkTransfer("t4b", "4")
	tr.ExecutionCondition = execCond
	tr.CancellationCondition = cancelCond
	data, _ := json.Marshal(wireMessage{Type: msgTransfer, Transfer: tr})
	l.OnMessage(data)

	fulfillData, _ := json.Marshal(wireMessage{Type: msgFulfillment, Transfer: tr, Fulfillment: cancelFulfillment})
	l.OnMessage(fulfillData)

	bal, _ := l.GetBalance(ctx)
	if bal != "0" {
		t.Errorf("balance = %s, want unchanged 0 (no credit ever applied)", bal)
	}
	if n := obs.count(func() int { return len(obs.cancelled) }); n != 1 {
		t.Fatalf("expected 1 cancel event, got %d", n)
	}

	done, err := l.log.IsComplete(ctx, "t4b")
	if err != nil || !done {
		t.Fatalf("expected t4b complete, got done=%v err=%v", done, err)
	}
}

func TestLedger_Send_DuplicateID(t *testing.T) {
	l, _, fp := newConnectedLedger(t, "-10", "10")
	ctx := context.Background()

	if err := l.Send(ctx, mkTransfer("dup1", "1")); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	fp.waitForMessage(t, time.Second)

	if err := l.Send(ctx, mkTransfer("dup1", "1")); err == nil {
		t.Fatal("expected duplicate send to fail")
	}
}

func TestLedger_Send_InvalidAmount(t *testing.T) {
	l, _, _ := newConnectedLedger(t, "-10", "10")
	ctx := context.Background()

	if err := l.Send(ctx, mkTransfer("neg", "-1")); err == nil {
		t.Fatal("expected negative amount to fail")
	}
}

func TestLedger_RejectAfterAcceptIsIgnored(t *testing.T) {
	l, _, fp := newConnectedLedger(t, "-10", "10")
	ctx := context.Background()

	if err := l.Send(ctx, mkTransfer("t9", "3")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	fp.waitForMessage(t, time.Second)

	fp.send(t, wireMessage{Type: msgAcknowledge, Transfer: mkTransfer("t9", "3"), Message: "ok"})
	waitUntil(t, func() bool {
		done, _ := l.log.IsComplete(ctx, "t9")
		return done
	})

	fp.send(t, wireMessage{Type: msgReject, Transfer: mkTransfer("t9", "3"), Message: "too late"})
	time.Sleep(50 * time.Millisecond)

	bal, _ := l.GetBalance(ctx)
	if bal != "-3" {
		t.Errorf("balance = %s, want -3 (reject after complete must not change balance)", bal)
	}
}

func TestLedger_UnknownMessageTypeEmitsError(t *testing.T) {
	l, obs, _ := newConnectedLedger(t, "-10", "10")
	l.OnMessage([]byte(`{"type":"not-a-real-type"}`))
	waitUntil(t, func() bool { return obs.count(func() int { return len(obs.errs) }) == 1 })
}

func TestLedger_ReplyToTransfer_UnknownID(t *testing.T) {
	l, _, _ := newConnectedLedger(t, "-10", "10")
	ctx := context.Background()
	if err := l.ReplyToTransfer(ctx, "ghost", []byte("hi")); err != ErrUnknownTransfer {
		t.Fatalf("expected ErrUnknownTransfer, got %v", err)
	}
}

func TestLedger_FulfillCondition_NotConditional(t *testing.T) {
	l, _, _ := newConnectedLedger(t, "-10", "10")
	ctx := context.Background()

	data, _ := json.Marshal(wireMessage{Type: msgTransfer, Transfer: mkTransfer("plain1", "1")})
	l.OnMessage(data)

	if err := l.FulfillCondition(ctx, "plain1", "anything"); err != ErrNotConditional {
		t.Fatalf("expected ErrNotConditional, got %v", err)
	}
}
