package connmanager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// shardCount mirrors the teacher's asgiShardCount (asgi.go): enough shards
// to keep lock contention low under many concurrent connections, few
// enough that the fixed array stays cheap.
const shardCount = 8

type shard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Closer is implemented by anything the manager must forcibly stop at
// shutdown: a WebSocket cycle (graceful close) or a bare transport (abort).
type Closer interface {
	// GracefulClose asks a WebSocket cycle to send a close frame with the
	// given code and waits up to the grace period baked into ctx.
	GracefulClose(ctx context.Context, code int) error
	// Abort closes the underlying transport immediately.
	Abort() error
}

// Manager owns the active-connections set (spec §4.6) and the shutdown
// sequencing described there. It is the single-threaded-from-the-loop's
// perspective owner the spec data model calls for: all mutation goes
// through its sharded, mutex-guarded maps.
type Manager struct {
	shards [shardCount]*shard
	logger *zap.Logger

	closersMu sync.Mutex
	closers   map[string]Closer
}

// New creates an empty Manager.
func New(logger *zap.Logger) *Manager {
	m := &Manager{
		logger:  logger,
		closers: make(map[string]Closer),
	}
	for i := range m.shards {
		m.shards[i] = &shard{conns: make(map[string]*Connection)}
	}
	return m
}

func (m *Manager) shardFor(id string) *shard {
	var h uint32
	for i := 0; i < len(id); i++ {
		h = h*31 + uint32(id[i])
	}
	return m.shards[h%shardCount]
}

// Register records a newly accepted connection.
func (m *Manager) Register(c *Connection) {
	s := m.shardFor(c.ID)
	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()
}

// RegisterCloser associates a Closer (used for shutdown draining) with a
// connection id. WebSocket cycles register themselves here so Shutdown can
// reach them; plain HTTP cycles generally don't need to (the HTTP server's
// own Shutdown handles draining response writes).
func (m *Manager) RegisterCloser(id string, c Closer) {
	m.closersMu.Lock()
	m.closers[id] = c
	m.closersMu.Unlock()
}

// Deregister removes a connection and its closer once the transport is
// closed and the bound application task has completed (spec §3 invariant:
// "never leaked").
func (m *Manager) Deregister(id string) {
	s := m.shardFor(id)
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()

	m.closersMu.Lock()
	delete(m.closers, id)
	m.closersMu.Unlock()
}

// Get returns the connection for id, or nil if it is not active.
func (m *Manager) Get(id string) *Connection {
	s := m.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

// Count returns the number of currently active connections.
func (m *Manager) Count() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// CloseIdle cancels every connection whose LastActivity predates cutoff.
// Called periodically by the server core to enforce keep-alive idle
// timeouts (spec §4.2).
func (m *Manager) CloseIdle(cutoff time.Time) (closed int) {
	for _, s := range m.shards {
		s.mu.RLock()
		var stale []*Connection
		for _, c := range s.conns {
			if c.LastActivity().Before(cutoff) {
				stale = append(stale, c)
			}
		}
		s.mu.RUnlock()
		for _, c := range stale {
			c.Cancel()
			closed++
		}
	}
	return closed
}

// Shutdown implements spec §4.6's drain sequence: send a graceful close to
// every registered Closer (WebSockets get code 1001), wait up to grace for
// flushes to complete, then cancel and abort whatever remains.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) {
	m.closersMu.Lock()
	closers := make(map[string]Closer, len(m.closers))
	for id, c := range m.closers {
		closers[id] = c
	}
	m.closersMu.Unlock()

	if len(closers) > 0 {
		gracefulCtx, cancel := context.WithTimeout(ctx, grace)
		var wg sync.WaitGroup
		for id, c := range closers {
			wg.Add(1)
			go func(id string, c Closer) {
				defer wg.Done()
				if err := c.GracefulClose(gracefulCtx, 1001); err != nil && m.logger != nil {
					m.logger.Debug("graceful close failed during shutdown", zap.String("connection_id", id), zap.Error(err))
				}
			}(id, c)
		}
		wg.Wait()
		cancel()
	}

	for _, s := range m.shards {
		s.mu.RLock()
		remaining := make([]*Connection, 0, len(s.conns))
		for _, c := range s.conns {
			remaining = append(remaining, c)
		}
		s.mu.RUnlock()
		for _, c := range remaining {
			c.Cancel()
		}
	}

	m.closersMu.Lock()
	for _, c := range m.closers {
		_ = c.Abort()
	}
	m.closersMu.Unlock()
}
