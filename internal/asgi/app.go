package asgi

import "context"

// ScopeType discriminates which half of a Scope is populated.
type ScopeType string

const (
	ScopeHTTP      ScopeType = "http"
	ScopeWebSocket ScopeType = "websocket"
	ScopeLifespan  ScopeType = "lifespan"
)

// Scope wraps exactly one of the concrete per-protocol scopes, tagged by
// Type. The application callable receives one of these per cycle.
type Scope struct {
	Type      ScopeType
	HTTP      *HTTPScope
	WebSocket *WebSocketScope
}

// ReceiveFunc is the "receive" half of the ASGI contract: it blocks until
// the next inbound event is available or the cycle is over, in which case
// it returns the appropriate disconnect event exactly once (spec §4.5).
type ReceiveFunc func(ctx context.Context) (Event, error)

// SendFunc is the "send" half of the ASGI contract: it hands one outbound
// event to the protocol state machine, enforcing the ordering
// preconditions of §4.2/§4.4.
type SendFunc func(ctx context.Context, event Event) error

// App is the opaque, asynchronous three-argument application callable the
// ASGI contract defines: scope, receive, send. It is invoked once per
// cycle (HTTP request cycle or WebSocket cycle) and once more, with a
// lifespan scope, for the process-lifetime startup/shutdown handshake.
//
// Whether a given App actually performs blocking work matters to the
// caller: Sync wraps an App known to block so the connection manager
// dispatches it to the bounded worker pool instead of running it directly
// on the event-loop goroutine (spec §5).
type App func(ctx context.Context, scope Scope, receive ReceiveFunc, send SendFunc) error

// Sync marks an App as synchronous/blocking so it is always dispatched
// through the worker pool rather than invoked inline.
type Sync struct {
	App
}
