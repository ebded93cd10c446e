// Package server implements component G: the server core that owns
// configuration, listeners, the HTTP/WebSocket protocol adapters, the
// connection manager, metrics, and the access log, and drives the
// process-lifetime lifespan protocol (spec §4.7) plus graceful shutdown
// (spec §4.6).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gophne/gophne/internal/accesslog"
	"github.com/gophne/gophne/internal/asgi"
	"github.com/gophne/gophne/internal/bridge"
	"github.com/gophne/gophne/internal/config"
	"github.com/gophne/gophne/internal/connmanager"
	"github.com/gophne/gophne/internal/httpproto"
	"github.com/gophne/gophne/internal/listener"
	"github.com/gophne/gophne/internal/metrics"
	"github.com/gophne/gophne/internal/workerpool"
	"github.com/gophne/gophne/internal/wsproto"
)

// Server is the running process: one set of listeners, bound to one ASGI
// application, reachable through one connection manager.
type Server struct {
	cfg    config.Config
	app    asgi.App
	logger *zap.Logger

	pool    *workerpool.Pool
	manager *connmanager.Manager
	metrics *metrics.Metrics
	access  *accesslog.Sink
	limiter *listener.ConcurrencyLimiter

	listeners []net.Listener
	httpSrvs  []*http.Server

	readyOnce sync.Once
	ready     chan struct{}

	stopIdle chan struct{}
}

// New builds a Server from configuration and an application callable. It
// does not bind any sockets yet. reg may be nil to skip metrics
// registration (e.g. in tests).
func New(cfg config.Config, app asgi.App, logger *zap.Logger, reg prometheus.Registerer) *Server {
	return &Server{
		cfg:      cfg,
		app:      app,
		logger:   logger,
		pool:     workerpool.New(cfg.ResolvedWorkerPoolSize()),
		manager:  connmanager.New(logger),
		metrics:  metrics.New(reg),
		access:   accesslog.NewSink(logger, 1024),
		limiter:  listener.NewConcurrencyLimiter(cfg.MaxConcurrentConnections),
		ready:    make(chan struct{}),
		stopIdle: make(chan struct{}),
	}
}

// Ready returns a channel closed once every configured listener is bound
// and accepting, the moral equivalent of the teacher's inter-process
// "server-started" signal adapted to an in-process channel.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Run runs the lifespan startup handshake, binds every configured listener,
// serves until ctx is cancelled, then drains per spec §4.6 and runs the
// lifespan shutdown handshake.
func (s *Server) Run(ctx context.Context) error {
	if err := s.runLifespan(ctx, "lifespan.startup"); err != nil {
		return fmt.Errorf("server: lifespan startup failed: %w", err)
	}

	dispatcher := httpproto.Dispatcher{App: s.app, Pool: s.pool}
	var proxy *bridge.ProxyConfig
	if s.cfg.Proxy.Enabled {
		proxy = &bridge.ProxyConfig{
			Enabled:        true,
			HostHeader:     s.cfg.Proxy.HostHeader,
			PortHeader:     s.cfg.Proxy.PortHeader,
			TrustRightmost: s.cfg.Proxy.TrustRightmost,
		}
	}

	handler := &httpproto.Handler{
		Dispatcher: dispatcher,
		Logger:     s.logger,
		Manager:    s.manager,
		Metrics:    s.metrics,
		AccessLog:  s.access,
		HTTPConfig: httpproto.Config{ServerName: s.cfg.ServerName, Timeout: s.cfg.HTTPTimeout},
		WebSocketConfig: wsproto.Config{
			HandshakeTimeout: s.cfg.WebSocketConnectTimeout,
			AppCloseTimeout:  s.cfg.ApplicationCloseTimeout,
			PingInterval:     s.cfg.PingInterval,
			PingTimeout:      s.cfg.PingTimeout,
			MaxAge:           s.cfg.WebSocketTimeout,
		},
		Proxy:    proxy,
		RootPath: s.cfg.RootPath,
	}

	for _, spec := range s.cfg.Listeners {
		ln, err := listener.Open(spec, s.logger)
		if err != nil {
			return fmt.Errorf("server: binding listener: %w", err)
		}
		ln = listener.WithConcurrencyLimit(ln, s.limiter)
		s.listeners = append(s.listeners, ln)

		httpSrv := &http.Server{Handler: handler}
		if spec.TLS != nil {
			if err := httpproto.ConfigureHTTP2(httpSrv, 0); err != nil {
				return fmt.Errorf("server: configuring HTTP/2: %w", err)
			}
		}
		s.httpSrvs = append(s.httpSrvs, httpSrv)

		go func(ln net.Listener, srv *http.Server) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("server: listener failed", zap.Error(err))
			}
		}(ln, httpSrv)
	}

	go s.idleSweeper(ctx)

	s.readyOnce.Do(func() { close(s.ready) })

	<-ctx.Done()
	return s.shutdown()
}

func (s *Server) idleSweeper(ctx context.Context) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.manager.CloseIdle(time.Now().Add(-s.cfg.IdleTimeout))
		case <-s.stopIdle:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) shutdown() error {
	close(s.stopIdle)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range s.httpSrvs {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			_ = srv.Shutdown(shutdownCtx)
		}(srv)
	}
	wg.Wait()

	s.manager.Shutdown(shutdownCtx, s.cfg.ShutdownGrace)

	_ = s.runLifespan(shutdownCtx, "lifespan.shutdown")

	s.pool.Close()
	s.access.Close()
	return nil
}

// runLifespan performs the one-shot lifespan handshake spec §4.7 describes:
// invoke the application once with a lifespan scope, send it the named
// event, and wait for the matching .complete/.failed reply.
func (s *Server) runLifespan(ctx context.Context, event string) error {
	recvCh := make(chan asgi.Event, 1)
	recvCh <- lifespanEvent(event)
	resultCh := make(chan error, 1)

	receive := func(ctx context.Context) (asgi.Event, error) {
		select {
		case ev := <-recvCh:
			return ev, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	send := func(ctx context.Context, ev asgi.Event) error {
		switch ev.Type() {
		case asgi.EventType(event + ".complete"):
			resultCh <- nil
		case asgi.EventType(event + ".failed"):
			resultCh <- errors.New("server: application reported lifespan failure")
		}
		return nil
	}

	scope := asgi.Scope{Type: asgi.ScopeLifespan}
	go func() {
		_ = s.app(ctx, scope, receive, send)
	}()

	select {
	case err := <-resultCh:
		return err
	case <-time.After(5 * time.Second):
		// An application that never implements the lifespan protocol is
		// common and not an error (ASGI spec treats lifespan support as
		// optional); proceed without blocking startup/shutdown forever.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type lifespanEventImpl struct{ typ asgi.EventType }

func (e lifespanEventImpl) Type() asgi.EventType { return e.typ }

func lifespanEvent(name string) asgi.Event { return lifespanEventImpl{typ: asgi.EventType(name)} }
