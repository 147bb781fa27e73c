package peerconn

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu        sync.Mutex
	connected int
	messages  [][]byte
	disc      int
}

func (h *recordingHandler) OnConnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected++
}

func (h *recordingHandler) OnDisconnect(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disc++
}

func (h *recordingHandler) OnMessage(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	h.messages = append(h.messages, cp)
}

func (h *recordingHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *recordingHandler) connectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConn_DialAndSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverHandler := &recordingHandler{}
	serverConn := New(slog.Default(), serverHandler)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := serverConn.Upgrade(ctx, w, r); err != nil {
			t.Errorf("upgrade failed: %v", err)
		}
	}))
	defer srv.Close()

	clientHandler := &recordingHandler{}
	clientConn := New(slog.Default(), clientHandler)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	if err := clientConn.DialAndConnect(ctx, url, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	if !clientConn.IsConnected() {
		t.Fatal("expected client to report connected")
	}
	waitFor(t, time.Second, func() bool { return serverHandler.connectCount() == 1 })

	if err := clientConn.Send(map[string]string{"type": "transfer"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return serverHandler.messageCount() == 1 })
}

func TestConn_SendWithoutConnectionFails(t *testing.T) {
	c := New(slog.Default(), &recordingHandler{})
	if err := c.Send(map[string]string{"a": "b"}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConn_DoubleConnectFails(t *testing.T) {
	ctx := context.Background()
	serverHandler := &recordingHandler{}
	serverConn := New(slog.Default(), serverHandler)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = serverConn.Upgrade(ctx, w, r)
	}))
	defer srv.Close()

	clientConn := New(slog.Default(), &recordingHandler{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	if err := clientConn.DialAndConnect(ctx, url, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	if err := clientConn.DialAndConnect(ctx, url, 3, 10*time.Millisecond); err != ErrAlreadyConnected {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestConn_DisconnectStopsReconnect(t *testing.T) {
	ctx := context.Background()
	serverHandler := &recordingHandler{}
	serverConn := New(slog.Default(), serverHandler)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = serverConn.Upgrade(ctx, w, r)
	}))
	defer srv.Close()

	clientConn := New(slog.Default(), &recordingHandler{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	if err := clientConn.DialAndConnect(ctx, url, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	if err := clientConn.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return !clientConn.IsConnected() })
}
