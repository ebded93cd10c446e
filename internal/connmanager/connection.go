// Package connmanager implements component F: per-connection lifetime,
// timeout enforcement, and shutdown coordination. It generalizes the
// teacher's sharded AsgiGlobalState (asgi.go) — built there to index
// in-flight CGo request handlers by an atomic counter — into a
// general-purpose active-connections set indexed by connection id, plus
// the timers and shutdown draining spec §4.6 describes.
package connmanager

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Protocol is the active protocol role of a Connection (spec data model).
type Protocol string

const (
	ProtocolHTTP1     Protocol = "http/1.1"
	ProtocolHTTP2     Protocol = "h2"
	ProtocolWebSocket Protocol = "websocket"
)

// Connection is the data-model record spec §3 describes: identity,
// addressing, protocol role, and timestamps. It is created when a
// transport is accepted and removed once both the transport is closed and
// the bound application task has finished.
type Connection struct {
	ID         string
	RemoteHost string
	RemotePort int
	LocalHost  string
	LocalPort  int
	TLS        bool
	Protocol   Protocol
	CreatedAt  time.Time

	lastActivity atomicTime
	cancelApp    context.CancelFunc
}

// NewID mints a connection id. google/uuid is used rather than a bare
// incrementing counter so ids stay unique across listener restarts and are
// safe to log/export without leaking request volume.
func NewID() string {
	return uuid.NewString()
}

// NewConnection creates a Connection record. cancelApp is invoked by the
// manager to forcibly cancel the bound application task on timeout,
// shutdown, or transport loss.
func NewConnection(id, remoteHost string, remotePort int, localHost string, localPort int, tls bool, proto Protocol, cancelApp context.CancelFunc) *Connection {
	c := &Connection{
		ID:         id,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		LocalHost:  localHost,
		LocalPort:  localPort,
		TLS:        tls,
		Protocol:   proto,
		CreatedAt:  time.Now(),
		cancelApp:  cancelApp,
	}
	c.Touch()
	return c
}

// Touch records network activity, used by idle-timeout enforcement.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now())
}

// LastActivity returns the last time Touch was called.
func (c *Connection) LastActivity() time.Time {
	return c.lastActivity.Load()
}

// Cancel forcibly cancels the connection's bound application task, if any.
func (c *Connection) Cancel() {
	if c.cancelApp != nil {
		c.cancelApp()
	}
}
