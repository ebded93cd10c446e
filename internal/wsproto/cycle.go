// Package wsproto implements component D: the WebSocket protocol adapter.
// It is grounded directly on the teacher's asgi.go WebSocket handling
// (AsgiRequestHandler's websocketState machine, UpgradeWebsockets,
// ReadWebsocketMessage, SendResponseWebsocket, CancelWebsocket) but speaks
// the asgi.Event vocabulary defined in this module instead of marshalling
// through CGo, and uses gorilla/websocket exactly as the teacher does.
package wsproto

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gophne/gophne/internal/asgi"
	"github.com/gophne/gophne/internal/bridge"
)

// State is the handshake/lifecycle state of a WebSocket cycle (spec §3
// data model: "connecting -> connected -> closed, or connecting ->
// denied").
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDenied
	StateClosed
)

// Config bundles the WebSocket-specific timeouts and limits from
// config.Config that a Cycle needs.
type Config struct {
	HandshakeTimeout   time.Duration // --websocket-connect-timeout, default 5s
	AppCloseTimeout    time.Duration // --application-close-timeout
	PingInterval       time.Duration // --ping-interval, default 20s
	PingTimeout        time.Duration // --ping-timeout, default 30s
	MaxAge             time.Duration // --websocket-timeout: group-expiry close
	MaxMessageBytes    int64         // oversize message cap; <=0 means gorilla's default
}

// Cycle is one WebSocket connection's protocol state machine.
type Cycle struct {
	w      http.ResponseWriter
	r      *http.Request
	logger *zap.Logger
	cfg    Config

	state atomic.Int32 // State

	conn   *websocket.Conn
	connMu sync.Mutex

	lastIncoming atomic.Int64 // UnixNano

	bridge *bridge.Bridge
	done   chan error

	closeOnce sync.Once
	stopPing  chan struct{}
	closeCode atomic.Int32
}

// New creates a Cycle bound to an already-detected upgrade request. It
// does not touch the network yet: per spec §4.4, the 101 response is
// delayed until the application replies with websocket.accept.
func New(w http.ResponseWriter, r *http.Request, logger *zap.Logger, cfg Config) *Cycle {
	c := &Cycle{
		w:        w,
		r:        r,
		logger:   logger,
		cfg:      cfg,
		done:     make(chan error, 1),
		stopPing: make(chan struct{}),
	}
	c.lastIncoming.Store(time.Now().UnixNano())
	c.closeCode.Store(1005)
	c.bridge = bridge.New(4, c.disconnectEvent, c.send)
	return c
}

// Bridge exposes the receive/send endpoints for the application task.
func (c *Cycle) Bridge() *bridge.Bridge { return c.bridge }

// Done reports the terminal state of the cycle: nil for a clean close,
// non-nil for any error/abnormal termination. Mirrors the teacher's
// AsgiRequestHandler.done channel.
func (c *Cycle) Done() <-chan error { return c.done }

func (c *Cycle) stateValue() State { return State(c.state.Load()) }

func (c *Cycle) disconnectEvent() asgi.Event {
	return asgi.WebSocketDisconnectEvent{Code: int(c.closeCode.Load())}
}

// Start launches the handshake timeout and, once the application accepts,
// the read loop and keepalive ticker. It should be called after the
// application task has been spawned against c.Bridge().
func (c *Cycle) Start(ctx context.Context, cancelApp context.CancelFunc) {
	c.bridge.Push(ctx, asgi.WebSocketConnectEvent{})

	if c.cfg.HandshakeTimeout > 0 {
		go func() {
			timer := time.NewTimer(c.cfg.HandshakeTimeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				if c.stateValue() == StateConnecting {
					c.denyHandshake(http.StatusForbidden, nil)
					cancelApp()
				}
			case <-c.stopPing:
			}
		}()
	}
}

// send implements bridge.SendFunc: it validates and executes exactly the
// event types a WebSocket cycle may send.
func (c *Cycle) send(ctx context.Context, event asgi.Event) error {
	switch ev := event.(type) {
	case asgi.WebSocketAcceptEvent:
		return c.accept(ev)
	case asgi.WebSocketCloseEvent:
		return c.close(ev.Code, ev.Reason)
	case asgi.WebSocketSendEvent:
		return c.sendMessage(ev)
	default:
		return fmt.Errorf("wsproto: unexpected event %T in state %v", event, c.stateValue())
	}
}

func (c *Cycle) accept(ev asgi.WebSocketAcceptEvent) error {
	if c.stateValue() != StateConnecting {
		if c.stateValue() == StateConnected {
			return nil // benign: accept after accept is a no-op, matches lenient wsgi-style servers
		}
		return errors.New("wsproto: accept after handshake already resolved")
	}

	responseHeader := http.Header{}
	for _, h := range ev.Headers {
		responseHeader.Add(string(h.Name), string(h.Value))
	}
	if ev.Subprotocol != "" {
		responseHeader.Set("Sec-WebSocket-Protocol", ev.Subprotocol)
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		CheckOrigin:      func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(c.w, c.r, responseHeader)
	if err != nil {
		c.state.Store(int32(StateDenied))
		return fmt.Errorf("wsproto: upgrade failed: %w", err)
	}

	if c.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageBytes)
	}
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.state.Store(int32(StateConnected))

	go c.readLoop()
	if c.cfg.PingInterval > 0 {
		go c.keepalive()
	}
	if c.cfg.MaxAge > 0 {
		go c.enforceMaxAge()
	}

	return nil
}

func (c *Cycle) denyHandshake(status int, _ error) {
	if c.stateValue() != StateConnecting {
		return
	}
	c.state.Store(int32(StateDenied))
	c.w.WriteHeader(status)
	c.finish(fmt.Errorf("wsproto: handshake denied with status %d", status))
}

func (c *Cycle) touch() {
	c.lastIncoming.Store(time.Now().UnixNano())
}

func (c *Cycle) readLoop() {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.touch()

		var ev asgi.WebSocketReceiveEvent
		if mt == websocket.TextMessage {
			text := string(data)
			ev.Text = &text
		} else {
			ev.Bytes = data
		}
		if !c.bridge.Push(context.Background(), ev) {
			return
		}
	}
}

func (c *Cycle) handleReadError(err error) {
	code := 1005
	if ce, ok := err.(*websocket.CloseError); ok {
		code = ce.Code
	}
	c.closeWithCode(code, err)
}

func (c *Cycle) keepalive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	// time.NewTicker panics on a non-positive duration, and PingTimeout is
	// independently disableable (--ping-timeout 0), so build the timeout
	// channel only when it's armed; a nil channel simply never fires in the
	// select below, matching the disabled-timer idiom in connmanager.Timer.
	var timeoutCh <-chan time.Time
	if c.cfg.PingTimeout > 0 {
		timeoutTicker := time.NewTicker(c.cfg.PingTimeout / 4)
		defer timeoutTicker.Stop()
		timeoutCh = timeoutTicker.C
	}

	for {
		select {
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastIncoming.Load())) >= c.cfg.PingInterval {
				c.connMu.Lock()
				conn := c.conn
				c.connMu.Unlock()
				if conn != nil {
					payload := fmt.Sprintf("%d", time.Now().UnixNano())
					_ = conn.WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(5*time.Second))
				}
			}
		case <-timeoutCh:
			if time.Since(time.Unix(0, c.lastIncoming.Load())) >= c.cfg.PingTimeout {
				c.closeWithCode(1011, errors.New("wsproto: ping timeout"))
				return
			}
		case <-c.stopPing:
			return
		}
	}
}

func (c *Cycle) enforceMaxAge() {
	timer := time.NewTimer(c.cfg.MaxAge)
	defer timer.Stop()
	select {
	case <-timer.C:
		c.closeWithCode(1000, nil)
	case <-c.stopPing:
	}
}

func (c *Cycle) sendMessage(ev asgi.WebSocketSendEvent) error {
	if c.stateValue() != StateConnected {
		return nil // spec §4.4: "subsequent websocket.send is ignored" once closed
	}
	if ev.Text != nil && ev.Bytes != nil {
		return errors.New("wsproto: websocket.send with both text and bytes is a protocol error")
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errors.New("wsproto: send before handshake completed")
	}

	if ev.Text != nil {
		return conn.WriteMessage(websocket.TextMessage, []byte(*ev.Text))
	}
	return conn.WriteMessage(websocket.BinaryMessage, ev.Bytes)
}

func (c *Cycle) close(code int, reason string) error {
	if code == 0 {
		code = 1000
	}
	switch c.stateValue() {
	case StateConnecting:
		c.denyHandshake(http.StatusForbidden, nil)
		return nil
	case StateConnected:
		c.closeWithCode(code, nil)
		return nil
	default:
		return nil
	}
}

// closeWithCode sends a close frame with code when the upgrade has
// completed (if it never completed, it only tears down) and dispatches
// websocket.disconnect exactly once.
func (c *Cycle) closeWithCode(code int, cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeCode.Store(int32(code))

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
			_ = conn.Close()
		}

		close(c.stopPing)
		c.bridge.Close()
		c.finish(cause)
	})
}

func (c *Cycle) finish(err error) {
	select {
	case c.done <- err:
	default:
	}
}

// GracefulClose implements connmanager.Closer: send a close frame with the
// given code (1001 during shutdown) and wait up to ctx's deadline.
func (c *Cycle) GracefulClose(ctx context.Context, code int) error {
	if c.stateValue() != StateConnected {
		return nil
	}
	c.closeWithCode(code, nil)
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort implements connmanager.Closer: close the transport immediately.
func (c *Cycle) Abort() error {
	c.closeWithCode(1001, errors.New("wsproto: aborted"))
	return nil
}
