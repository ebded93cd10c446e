// Package httpproto implements components B and C: the HTTP/1.1 and
// HTTP/2 protocol adapters. Rather than hand-rolling RFC 9112 framing (the
// teacher doesn't either — it plugs into Caddy's net/http-based engine and
// only owns the ASGI bridging layer on top), this core owns request
// parsing and response framing through the standard library's
// http.Handler contract, which already gives both HTTP/1.1 and HTTP/2 a
// uniform per-request ResponseWriter/Request pair with the exact
// concurrency model spec §3/§5 call for (one in-flight cycle per HTTP/1.1
// connection, arbitrarily many per HTTP/2 connection up to
// MAX_CONCURRENT_STREAMS). What this package owns directly is the
// response state machine (AWAITING_START -> STREAMING_BODY -> DONE),
// demand-driven request body streaming, and the timeout/error semantics
// of spec §4.2 and §7 — generalized from the teacher's
// AsgiRequestHandler (asgi.go).
package httpproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gophne/gophne/internal/asgi"
	"github.com/gophne/gophne/internal/bridge"
)

// State is the HTTP response state machine of spec §4.2.
type State int32

const (
	AwaitingStart State = iota
	StreamingBody
	Done
)

// Config bundles the HTTP-specific timeouts and server identity a Cycle
// needs.
type Config struct {
	ServerName string        // "" disables the Server header
	Timeout    time.Duration // --http-timeout: pre-response timeout, 0 disables
}

// Cycle is one HTTP request cycle (spec §3 data model), bound to a single
// http.ResponseWriter/http.Request pair. For HTTP/1.1 that pair is unique
// per TCP connection at a time; for HTTP/2 it is unique per stream.
type Cycle struct {
	w      http.ResponseWriter
	r      *http.Request
	logger *zap.Logger
	cfg    Config

	mu            sync.Mutex
	state         State
	headersSent   bool
	bodyExhausted bool
	respSize      int
	respStatus    int

	bridge *bridge.Bridge
	done   chan error

	finishOnce sync.Once
}

// New creates a Cycle. It does not read or write anything yet.
func New(w http.ResponseWriter, r *http.Request, logger *zap.Logger, cfg Config) *Cycle {
	c := &Cycle{
		w:      w,
		r:      r,
		logger: logger,
		cfg:    cfg,
		done:   make(chan error, 1),
	}
	c.bridge = bridge.New(1, c.disconnectEvent, c.send)
	return c
}

// Bridge exposes the receive/send endpoints for the application task.
func (c *Cycle) Bridge() *bridge.Bridge { return c.bridge }

// Done signals cycle completion: nil on a normal response, non-nil on any
// error (protocol violation, application exception, transport loss).
func (c *Cycle) Done() <-chan error { return c.done }

func (c *Cycle) disconnectEvent() asgi.Event { return asgi.HTTPDisconnectEvent{} }

// Run drives the cycle: arms the optional pre-response timeout, then
// blocks until Done fires (from Send reaching the final body chunk, from
// a protocol error, or from the request context being cancelled by
// transport loss / shutdown).
func (c *Cycle) Run(ctx context.Context) error {
	var timer *time.Timer
	if c.cfg.Timeout > 0 {
		timer = time.AfterFunc(c.cfg.Timeout, func() {
			c.mu.Lock()
			stillAwaiting := c.state == AwaitingStart
			c.mu.Unlock()
			if stillAwaiting {
				c.timeoutResponse()
			}
		})
		defer timer.Stop()
	}

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		c.bridge.Close()
		c.finish(ctx.Err())
		return ctx.Err()
	}
}

func (c *Cycle) timeoutResponse() {
	c.mu.Lock()
	if c.state != AwaitingStart || c.headersSent {
		c.mu.Unlock()
		return
	}
	c.headersSent = true
	c.state = Done
	c.mu.Unlock()

	c.w.Header().Set("Retry-After", "1")
	c.w.WriteHeader(http.StatusServiceUnavailable)
	c.bridge.Close()
	c.finish(errors.New("httpproto: timed out awaiting http.response.start"))
}

// NextBody reads the request body on demand: each http.request receive
// call (App -> Cycle.Receive -> NextBody) triggers one read, mirroring the teacher's
// ReceiveStart/readBody pairing instead of eagerly buffering the whole
// body in memory.
func (c *Cycle) NextBody(ctx context.Context) (asgi.Event, error) {
	c.mu.Lock()
	if c.bodyExhausted {
		c.mu.Unlock()
		// Matches the ASGI contract loosely: once the body is fully
		// delivered, a further receive() call blocks on disconnect,
		// exactly like bridge.Receive would once closed.
		return c.bridge.Receive(ctx)
	}
	c.mu.Unlock()

	buf := make([]byte, 64*1024)
	n, err := c.r.Body.Read(buf)
	if err != nil && err != io.EOF {
		c.bridge.Close()
		c.finish(fmt.Errorf("httpproto: reading request body: %w", err))
		return asgi.HTTPDisconnectEvent{}, nil
	}

	more := err != io.EOF
	c.mu.Lock()
	c.bodyExhausted = !more
	c.mu.Unlock()

	return asgi.HTTPRequestEvent{Body: buf[:n], MoreBody: more}, nil
}

// Receive implements asgi.ReceiveFunc for an HTTP cycle: it is demand
// driven exactly like the teacher's asgi_receive_start — calling it
// triggers the next body read rather than pulling from a pre-filled
// queue, which is what keeps the bridge from ever buffering the whole
// body in memory.
func (c *Cycle) Receive(ctx context.Context) (asgi.Event, error) {
	return c.NextBody(ctx)
}

// send implements bridge.SendFunc, enforcing the AWAITING_START ->
// STREAMING_BODY -> DONE transitions of spec §4.2.
func (c *Cycle) send(ctx context.Context, event asgi.Event) error {
	switch ev := event.(type) {
	case asgi.HTTPResponseStartEvent:
		return c.handleStart(ev)
	case asgi.HTTPResponseBodyEvent:
		return c.handleBody(ev)
	default:
		return c.protocolError(fmt.Errorf("httpproto: unexpected event %T", event))
	}
}

func (c *Cycle) handleStart(ev asgi.HTTPResponseStartEvent) error {
	c.mu.Lock()
	if c.state != AwaitingStart {
		c.mu.Unlock()
		return c.protocolError(errors.New("httpproto: http.response.start sent more than once"))
	}
	if ev.Status < 100 || ev.Status > 599 {
		c.mu.Unlock()
		return c.protocolError(fmt.Errorf("httpproto: invalid status code %d", ev.Status))
	}
	c.state = StreamingBody
	c.headersSent = true
	c.respStatus = ev.Status
	c.mu.Unlock()

	// Write directly into the header map: http.Header.Add/Set canonicalize
	// the key via textproto.CanonicalMIMEHeaderKey, which would rewrite an
	// application-supplied "content-type" to "Content-Type" on the wire.
	// http.Header.Write serializes whatever case the map key already has.
	header := c.w.Header()
	for _, h := range ev.Headers {
		name := string(h.Name)
		header[name] = append(header[name], string(h.Value))
	}
	if c.cfg.ServerName != "" {
		header["server"] = []string{c.cfg.ServerName}
	}

	c.w.WriteHeader(ev.Status)
	return nil
}

func (c *Cycle) handleBody(ev asgi.HTTPResponseBodyEvent) error {
	c.mu.Lock()
	if c.state != StreamingBody {
		c.mu.Unlock()
		return c.protocolError(errors.New("httpproto: http.response.body sent before http.response.start"))
	}
	c.mu.Unlock()

	if len(ev.Body) > 0 {
		if _, err := c.w.Write(ev.Body); err != nil {
			c.bridge.Close()
			c.finish(err)
			return err
		}
		c.mu.Lock()
		c.respSize += len(ev.Body)
		c.mu.Unlock()
	}
	if flusher, ok := c.w.(http.Flusher); ok {
		flusher.Flush()
	}

	if !ev.MoreBody {
		c.mu.Lock()
		c.state = Done
		c.mu.Unlock()
		c.bridge.Close()
		c.finish(nil)
	}
	return nil
}

// protocolError implements spec §7: abort the connection; if no bytes
// have been written yet, respond 500 with a generic body.
func (c *Cycle) protocolError(cause error) error {
	c.mu.Lock()
	alreadySent := c.headersSent
	c.state = Done
	c.headersSent = true
	c.mu.Unlock()

	if !alreadySent {
		c.w.WriteHeader(http.StatusInternalServerError)
		_, _ = c.w.Write([]byte("Internal Server Error"))
	}

	c.bridge.Close()
	c.finish(cause)
	return cause
}

// Fail reports an application exception (spec §7: same treatment as a
// protocol violation).
func (c *Cycle) Fail(err error) {
	_ = c.protocolError(fmt.Errorf("httpproto: application error: %w", err))
}

func (c *Cycle) finish(err error) {
	c.finishOnce.Do(func() {
		c.done <- err
	})
}

// ResponseSize returns the number of response body bytes written so far,
// useful for access logging.
func (c *Cycle) ResponseSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respSize
}

// ResponseStatus returns the status sent via http.response.start, or 0 if
// none has been sent yet.
func (c *Cycle) ResponseStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respStatus
}
