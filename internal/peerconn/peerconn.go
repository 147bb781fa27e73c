// Package peerconn is the signalling channel a bilateral trustline plugin
// uses to exchange messages with its single peer (spec.md component E). It
// narrows the teacher's fan-out internal/realtime.Hub — built for many
// browser subscribers — down to exactly one persistent connection, dialed
// out with reconnect-with-backoff when we are the connecting side.
package peerconn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/ilpvirtual/internal/retry"
)

// normalCloseCodes are WebSocket close codes that indicate an expected
// disconnect rather than a network failure.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ErrNotConnected is returned by Send when there is no live connection.
var ErrNotConnected = errors.New("peerconn: not connected")

// ErrAlreadyConnected is returned by DialAndConnect/Accept when a connection is
// already active.
var ErrAlreadyConnected = errors.New("peerconn: already connected")

// Handler receives events from the peer connection. OnMessage and
// OnDisconnect are invoked from the connection's single read goroutine;
// OnConnect is invoked from the goroutine that establishes the connection.
// Implementations must not block.
type Handler interface {
	OnConnect()
	OnDisconnect(err error)
	OnMessage(data []byte)
}

// Conn is the single bilateral connection to a trustline peer. It is safe
// for concurrent use: Send may be called from any goroutine while the
// internal read/write pumps run.
type Conn struct {
	logger  *slog.Logger
	handler Handler

	mu      sync.Mutex
	ws      *websocket.Conn
	send    chan []byte
	closing bool

	// reconnect config, used only when we are the dialing side.
	url         string
	maxAttempts int
	baseDelay   time.Duration
}

// New creates a Conn that will report events to handler.
func New(logger *slog.Logger, handler Handler) *Conn {
	return &Conn{logger: logger, handler: handler}
}

// DialAndConnect dials url (ws:// or wss://) and reconnects with
// exponential backoff if the connection drops, making up to maxAttempts
// dial attempts per loss and stopping early when ctx is cancelled or
// Disconnect is called. The first dial is a single synchronous attempt;
// subsequent reconnects run in a background goroutine.
func (c *Conn) DialAndConnect(ctx context.Context, url string, maxAttempts int, baseDelay time.Duration) error {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.url = url
	c.maxAttempts = maxAttempts
	c.baseDelay = baseDelay
	c.mu.Unlock()

	if err := c.dialOnce(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Conn) dialOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.attach(ctx, ws, true)
	return nil
}

// Accept adopts an already-upgraded *websocket.Conn — used by the side
// that listens rather than dials.
func (c *Conn) Accept(ctx context.Context, ws *websocket.Conn) error {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()
	c.attach(ctx, ws, false)
	return nil
}

// Upgrade upgrades an inbound HTTP request to a WebSocket and accepts it.
func (c *Conn) Upgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	return c.Accept(ctx, ws)
}

func (c *Conn) attach(ctx context.Context, ws *websocket.Conn, reconnectOnLoss bool) {
	c.mu.Lock()
	c.ws = ws
	c.send = make(chan []byte, 256)
	c.closing = false
	sendCh := c.send
	c.mu.Unlock()

	c.handler.OnConnect()

	go c.writePump(ws, sendCh)
	go c.readPump(ctx, ws, reconnectOnLoss)
}

func (c *Conn) readPump(ctx context.Context, ws *websocket.Conn, reconnectOnLoss bool) {
	ws.SetReadLimit(512 * 1024)
	_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	var readErr error
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.handler.OnMessage(message)
	}

	c.mu.Lock()
	wasClosing := c.closing
	if c.ws == ws {
		c.ws = nil
		close(c.send)
	}
	c.mu.Unlock()
	_ = ws.Close()

	if !websocket.IsCloseError(readErr, normalCloseCodes...) && readErr != nil {
		c.logger.Warn("peer connection read error", "error", readErr)
	}
	c.handler.OnDisconnect(readErr)

	if reconnectOnLoss && !wasClosing {
		c.reconnect(ctx)
	}
}

func (c *Conn) reconnect(ctx context.Context) {
	err := retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return retry.Permanent(ErrNotConnected)
		}
		return c.dialOnce(ctx)
	})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Error("peer connection reconnect exhausted", "error", err)
	}
}

func (c *Conn) writePump(ws *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("peer connection write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("peer connection ping failed", "error", err)
				return
			}
		}
	}
}

// Send marshals v as JSON and queues it for delivery to the peer.
func (c *Conn) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("peerconn: send buffer full")
	}
}

// IsConnected reports whether a connection is currently live.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Disconnect closes the connection and suppresses any pending reconnect.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close()
}
