// Package bridge implements component E of the design: the scope/message
// bridge that holds the two endpoints an application task uses to talk to
// the active protocol state machine, and the scope-construction helpers
// (proxy-header and root-path rewrites) spec §4.5 assigns to it.
//
// The bridge never buffers unboundedly (spec §4.5): Receive is a bounded
// channel read and Send is a direct, serialized call into the protocol's
// own validation/write function, never a queue the protocol drains lazily.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gophne/gophne/internal/asgi"
)

// ErrClosed is returned by Send once the cycle has been closed; callers
// must discard it silently per spec §5 ("any late send is discarded
// silently").
var ErrClosed = errors.New("bridge: cycle closed")

// SendFunc validates and writes one outbound event to the network. It is
// supplied by the owning protocol (httpproto's response state machine or
// wsproto's frame writer) so the bridge itself stays protocol-agnostic.
type SendFunc func(ctx context.Context, event asgi.Event) error

// DisconnectFunc produces the *.disconnect event appropriate to the
// protocol (http.disconnect or websocket.disconnect with a close code).
type DisconnectFunc func() asgi.Event

// Bridge is the receive/send pair bound to one request or WebSocket cycle.
type Bridge struct {
	recvCh     chan asgi.Event
	closed     chan struct{}
	closeOnce  sync.Once
	disconnect DisconnectFunc
	send       SendFunc

	// disconnectSent records that Receive has already handed out the
	// disconnect event, so it is delivered exactly once.
	disconnectSent atomic.Bool

	// writeMu is the "per-connection write serializer": a logical lock
	// held only across the single Send call that writes one frame/chunk,
	// never across a suspension beyond that (spec §5).
	writeMu sync.Mutex
}

// New creates a Bridge. recvBuf bounds how many inbound events the
// protocol may queue before Push blocks, giving backpressure to the
// network reader without buffering unboundedly.
func New(recvBuf int, disconnect DisconnectFunc, send SendFunc) *Bridge {
	if recvBuf <= 0 {
		recvBuf = 1
	}
	return &Bridge{
		recvCh:     make(chan asgi.Event, recvBuf),
		closed:     make(chan struct{}),
		disconnect: disconnect,
		send:       send,
	}
}

// Push hands the protocol's next parsed inbound event to the application.
// It blocks until buffer space is available, the cycle closes, or ctx is
// done, returning false in the latter two cases.
func (b *Bridge) Push(ctx context.Context, event asgi.Event) bool {
	select {
	case b.recvCh <- event:
		return true
	case <-b.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// Receive implements asgi.ReceiveFunc: it blocks until an event is queued
// or the cycle closes, in which case it returns the disconnect event. The
// disconnect event is returned exactly once; a later call blocks until ctx
// is done and returns ctx's error.
func (b *Bridge) Receive(ctx context.Context) (asgi.Event, error) {
	select {
	case event := <-b.recvCh:
		return event, nil
	case <-b.closed:
		if b.disconnectSent.Swap(true) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return b.disconnect(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send implements asgi.SendFunc: it serializes application sends onto a
// single writer and rejects anything sent after Close.
func (b *Bridge) Send(ctx context.Context, event asgi.Event) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	return b.send(ctx, event)
}

// Close marks the cycle over. The first blocked or future Receive call
// returns the disconnect event; every future Send call returns ErrClosed.
// Close is idempotent and safe to call from any goroutine (transport-loss
// detection, shutdown, or normal cycle completion all call it).
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
}

// Closed reports whether Close has been called.
func (b *Bridge) Closed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}
