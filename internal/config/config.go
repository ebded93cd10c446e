// Package config holds the server core's (component G) configuration:
// read-only after startup (spec §5), built once from CLI flags and the two
// environment variables spec §6 names.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// EndpointKind tags which variant of the tagged endpoint-descriptor union
// (spec §3) a ListenSpec holds.
type EndpointKind int

const (
	EndpointTCP EndpointKind = iota
	EndpointUnix
	EndpointFD
)

// ListenSpec is one endpoint descriptor: {TCP host, port}, {UNIX path,
// mode}, or {inherited FD}, optionally wrapped in TLS.
type ListenSpec struct {
	Kind EndpointKind

	Host string // TCP
	Port int    // TCP

	UnixPath string      // Unix
	UnixMode os.FileMode // Unix, default 0660

	FD int // inherited FD

	TLS *TLSConfig // nil means plaintext
}

// TLSConfig names the certificate/key files a listener serves. Acquisition
// and renewal (ACME) are out of scope per spec §1; this only loads
// already-issued files and reloads them on change (internal/listener's
// certwatch.go, a supplemented feature).
type TLSConfig struct {
	CertFile string
	KeyFile  string
	// SNIMap allows per-hostname certificate overrides, keyed by exact
	// server name; looked up during tls.Config.GetCertificate.
	SNIMap map[string]TLSCertPair
}

// TLSCertPair is one (cert, key) file pair for an SNI-selected certificate.
type TLSCertPair struct {
	CertFile string
	KeyFile  string
}

// ProxyHeaders controls the rewrite spec §4.5 describes.
type ProxyHeaders struct {
	Enabled        bool
	HostHeader     string // default "X-Forwarded-For"
	PortHeader     string
	TrustRightmost bool
}

// Config is the server core's full, immutable-after-startup configuration.
type Config struct {
	Listeners []ListenSpec

	RootPath   string // --root-path / DAPHNE_ROOT_PATH fallback
	ServerName string // --server-name; "" (via --no-server-name) disables the Server header

	AccessLogPath string
	LogFormat     string
	Verbosity     int // 0-3

	HTTPTimeout             time.Duration // --http-timeout, 0 disables
	WebSocketTimeout        time.Duration // --websocket-timeout: max WebSocket cycle age (group-expiry close)
	WebSocketConnectTimeout time.Duration // --websocket-connect-timeout: handshake timeout
	ApplicationCloseTimeout time.Duration // --application-close-timeout
	PingInterval            time.Duration // --ping-interval
	PingTimeout             time.Duration // --ping-timeout
	IdleTimeout             time.Duration // keep-alive idle timeout

	Proxy ProxyHeaders

	MaxConcurrentConnections int // global concurrency cap, 0 = unbounded

	ApplicationPattern string // "module:attribute"

	// WorkerPoolSize bounds the synchronous-application worker pool.
	// <=0 resolves to runtime.NumCPU() (spec §5).
	WorkerPoolSize int

	ShutdownGrace time.Duration
}

// Default returns the configuration spec §6's documented flag defaults
// imply.
func Default() Config {
	return Config{
		ServerName:              "daphne",
		Verbosity:               1,
		WebSocketConnectTimeout: 5 * time.Second,
		ApplicationCloseTimeout: 2 * time.Second,
		PingInterval:            20 * time.Second,
		PingTimeout:             30 * time.Second,
		IdleTimeout:             30 * time.Second,
		ShutdownGrace:           5 * time.Second,
		Proxy: ProxyHeaders{
			HostHeader: "X-Forwarded-For",
		},
		WorkerPoolSize: 0,
	}
}

// ApplyEnv overlays the two environment variables spec §6 names. It is
// called after flags are applied: DAPHNE_ROOT_PATH only fills RootPath when
// it is still empty, so --root-path wins. ASGI_THREADS, when a positive
// integer, always sets WorkerPoolSize (no flag sets that field).
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ASGI_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("DAPHNE_ROOT_PATH"); v != "" && c.RootPath == "" {
		c.RootPath = v
	}
}

// ResolvedWorkerPoolSize returns WorkerPoolSize, falling back to
// runtime.NumCPU() when unset, matching §5's "default
// unbounded-but-CPU-count-aware."
func (c Config) ResolvedWorkerPoolSize() int {
	if c.WorkerPoolSize > 0 {
		return c.WorkerPoolSize
	}
	return runtime.NumCPU()
}

// Validate checks the configuration is internally consistent, returning an
// error that callers should treat as a startup failure (exit code 1 per
// spec §6).
func (c Config) Validate() error {
	if c.ApplicationPattern == "" {
		return errors.New("config: application pattern is required")
	}
	if len(c.Listeners) == 0 {
		return errors.New("config: at least one listener is required")
	}
	for i, l := range c.Listeners {
		switch l.Kind {
		case EndpointTCP:
			if l.Port <= 0 || l.Port > 65535 {
				return fmt.Errorf("config: listener %d: invalid TCP port %d", i, l.Port)
			}
		case EndpointUnix:
			if l.UnixPath == "" {
				return fmt.Errorf("config: listener %d: unix socket path is required", i)
			}
		case EndpointFD:
			if l.FD < 0 {
				return fmt.Errorf("config: listener %d: invalid fd %d", i, l.FD)
			}
		default:
			return fmt.Errorf("config: listener %d: unknown endpoint kind %d", i, l.Kind)
		}
	}
	if c.Verbosity < 0 || c.Verbosity > 3 {
		return fmt.Errorf("config: verbosity must be 0-3, got %d", c.Verbosity)
	}
	return nil
}
