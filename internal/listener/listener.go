// Package listener implements component A: binding the tagged
// endpoint-descriptor union (TCP host:port, UNIX socket, inherited file
// descriptor, each optionally TLS-wrapped) to a live net.Listener, plus the
// global concurrency cap spec §5 requires.
package listener

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/gophne/gophne/internal/config"
)

// Open binds spec's listener descriptor to a net.Listener, wrapping it in
// TLS when spec.TLS is set. logger is only used to drive the TLS
// certificate hot-reload watcher and may be nil for plaintext endpoints.
func Open(spec config.ListenSpec, logger *zap.Logger) (net.Listener, error) {
	ln, err := openRaw(spec)
	if err != nil {
		return nil, err
	}
	if spec.TLS == nil {
		return ln, nil
	}
	tlsCfg, watcher, err := buildTLSConfig(*spec.TLS, logger)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &tlsListener{Listener: tls.NewListener(ln, tlsCfg), watcher: watcher}, nil
}

// tlsListener stops the certificate watcher alongside the raw listener so a
// bound TLS endpoint doesn't leak its fsnotify watch when it is closed.
type tlsListener struct {
	net.Listener
	watcher *CertWatcher
}

func (l *tlsListener) Close() error {
	if l.watcher != nil {
		l.watcher.Close()
	}
	return l.Listener.Close()
}

func openRaw(spec config.ListenSpec) (net.Listener, error) {
	switch spec.Kind {
	case config.EndpointTCP:
		addr := fmt.Sprintf("%s:%d", spec.Host, spec.Port)
		return net.Listen("tcp", addr)
	case config.EndpointUnix:
		if err := os.Remove(spec.UnixPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("listener: removing stale socket %s: %w", spec.UnixPath, err)
		}
		ln, err := net.Listen("unix", spec.UnixPath)
		if err != nil {
			return nil, err
		}
		mode := spec.UnixMode
		if mode == 0 {
			mode = 0660
		}
		if err := os.Chmod(spec.UnixPath, mode); err != nil {
			ln.Close()
			return nil, err
		}
		return ln, nil
	case config.EndpointFD:
		f := os.NewFile(uintptr(spec.FD), fmt.Sprintf("listener-fd-%d", spec.FD))
		if f == nil {
			return nil, fmt.Errorf("listener: invalid inherited fd %d", spec.FD)
		}
		ln, err := net.FileListener(f)
		f.Close()
		return ln, err
	default:
		return nil, fmt.Errorf("listener: unknown endpoint kind %d", spec.Kind)
	}
}

// buildTLSConfig loads the base certificate through a CertWatcher (the
// supplemented hot-reload feature, certwatch.go) so an operator can rotate
// it on disk without a restart, rather than loading it once with
// tls.LoadX509KeyPair and holding it for the listener's lifetime.
func buildTLSConfig(cfg config.TLSConfig, logger *zap.Logger) (*tls.Config, *CertWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := NewCertWatcher(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("listener: loading TLS cert/key: %w", err)
	}
	base := &tls.Config{
		GetCertificate: watcher.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}

	if len(cfg.SNIMap) == 0 {
		return base, watcher, nil
	}

	sniCerts := make(map[string]*tls.Certificate, len(cfg.SNIMap))
	var mu sync.RWMutex
	for name, pair := range cfg.SNIMap {
		c, err := tls.LoadX509KeyPair(pair.CertFile, pair.KeyFile)
		if err != nil {
			watcher.Close()
			return nil, nil, fmt.Errorf("listener: loading SNI cert for %s: %w", name, err)
		}
		sniCerts[name] = &c
	}

	base.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		mu.RLock()
		c, ok := sniCerts[hello.ServerName]
		mu.RUnlock()
		if ok {
			return c, nil
		}
		return watcher.GetCertificate(hello)
	}
	return base, watcher, nil
}

// ConcurrencyLimiter bounds the number of simultaneously-accepted
// connections per spec §5's "MaxConcurrentConnections" control. A nil
// limiter (or one built with limit<=0) allows unbounded connections.
type ConcurrencyLimiter struct {
	slots chan struct{}
}

// NewConcurrencyLimiter returns a limiter that rejects accepts beyond
// limit simultaneous connections. limit<=0 means unbounded.
func NewConcurrencyLimiter(limit int) *ConcurrencyLimiter {
	if limit <= 0 {
		return nil
	}
	return &ConcurrencyLimiter{slots: make(chan struct{}, limit)}
}

// TryAcquire attempts to reserve a connection slot, returning false if the
// cap is already reached. Callers must call Release exactly once for every
// successful TryAcquire.
func (l *ConcurrencyLimiter) TryAcquire() bool {
	if l == nil {
		return true
	}
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a previously acquired slot.
func (l *ConcurrencyLimiter) Release() {
	if l == nil {
		return
	}
	<-l.slots
}

// WithConcurrencyLimit wraps ln so that connections accepted beyond
// limiter's capacity are immediately closed rather than handed to the
// HTTP/WebSocket protocol adapters, implementing spec §4.1's "additional
// sockets are accepted and immediately closed" over-capacity behavior. A
// nil limiter returns ln unchanged.
func WithConcurrencyLimit(ln net.Listener, limiter *ConcurrencyLimiter) net.Listener {
	if limiter == nil {
		return ln
	}
	return &limitingListener{Listener: ln, limiter: limiter}
}

type limitingListener struct {
	net.Listener
	limiter *ConcurrencyLimiter
}

func (l *limitingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.limiter.TryAcquire() {
			return &limitedConn{Conn: conn, limiter: l.limiter}, nil
		}
		conn.Close()
	}
}

// limitedConn releases its concurrency slot exactly once, on whichever of
// the HTTP server's own Close or a transport-level error triggers first.
type limitedConn struct {
	net.Conn
	limiter   *ConcurrencyLimiter
	closeOnce sync.Once
}

func (c *limitedConn) Close() error {
	c.closeOnce.Do(c.limiter.Release)
	return c.Conn.Close()
}
