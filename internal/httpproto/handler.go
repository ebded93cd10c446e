package httpproto

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gophne/gophne/internal/accesslog"
	"github.com/gophne/gophne/internal/asgi"
	"github.com/gophne/gophne/internal/bridge"
	"github.com/gophne/gophne/internal/connmanager"
	"github.com/gophne/gophne/internal/metrics"
	"github.com/gophne/gophne/internal/workerpool"
	"github.com/gophne/gophne/internal/wsproto"
)

// Dispatcher runs an ASGI application for one connection, choosing between
// running it inline (async app) and handing it to the worker pool (Sync
// app), exactly as spec §5 requires.
type Dispatcher struct {
	App  asgi.App
	Pool *workerpool.Pool
}

func (d Dispatcher) run(ctx context.Context, scope asgi.Scope, recv asgi.ReceiveFunc, send asgi.SendFunc) error {
	if sync, ok := d.App.(asgi.Sync); ok {
		return d.Pool.Run(ctx, func() error {
			return sync.App(ctx, scope, recv, send)
		})
	}
	return d.App(ctx, scope, recv, send)
}

// Handler is the root http.Handler (component B/C): one instance serves
// every HTTP/1.1 and HTTP/2 request, deciding per-request whether to run
// the HTTP cycle or upgrade to a WebSocket cycle.
type Handler struct {
	Dispatcher Dispatcher
	Logger     *zap.Logger
	Manager    *connmanager.Manager
	Metrics    *metrics.Metrics
	AccessLog  *accesslog.Sink

	HTTPConfig      Config
	WebSocketConfig wsproto.Config
	Proxy           *bridge.ProxyConfig
	RootPath        string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isUpgradeRequest(r) {
		h.serveWebSocket(w, r)
		return
	}
	h.serveHTTP(w, r)
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContainsToken(r.Header.Get("Connection"), "upgrade")
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func (h *Handler) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cyc := New(w, r, h.Logger, h.HTTPConfig)

	scopeInput := h.scopeInputFrom(r)
	scopeInput.Method = r.Method
	httpScope, err := bridge.BuildHTTPScope(scopeInput, h.Proxy)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if h.Metrics != nil {
		h.Metrics.ActiveHTTPCycles.Inc()
		defer h.Metrics.ActiveHTTPCycles.Dec()
		h.Metrics.RequestsTotal.Inc()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if h.Manager != nil {
		clientHost, clientPort := splitHostPort(r.RemoteAddr)
		proto := connmanager.ProtocolHTTP1
		if r.ProtoMajor == 2 {
			proto = connmanager.ProtocolHTTP2
		}
		conn := connmanager.NewConnection(connmanager.NewID(), clientHost, clientPort, "", 0, r.TLS != nil, proto, cancel)
		h.Manager.Register(conn)
		defer h.Manager.Deregister(conn.ID)
		if h.Metrics != nil {
			h.Metrics.ActiveConnections.Inc()
			defer h.Metrics.ActiveConnections.Dec()
		}
	}

	go func() {
		scope := asgi.Scope{Type: asgi.ScopeHTTP, HTTP: httpScope}
		err := h.Dispatcher.run(ctx, scope, cyc.Receive, cyc.Bridge().Send)
		if err != nil {
			cyc.Fail(err)
			if h.Metrics != nil {
				h.Metrics.ApplicationErrors.WithLabelValues("http").Inc()
			}
		}
	}()

	err = cyc.Run(ctx)
	if err != nil {
		h.Logger.Debug("http cycle ended with error", zap.Error(err))
	}
	if h.AccessLog != nil {
		h.AccessLog.Log(accesslog.Entry{
			Protocol:   "http",
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     cyc.ResponseStatus(),
			RemoteHost: r.RemoteAddr,
			Duration:   time.Since(start),
			BytesSent:  cyc.ResponseSize(),
		})
	}
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cyc := wsproto.New(w, r, h.Logger, h.WebSocketConfig)

	scopeInput := h.scopeInputFrom(r)
	scopeInput.Subprotocols = splitSubprotocols(r.Header.Get("Sec-WebSocket-Protocol"))
	wsScope, err := bridge.BuildWebSocketScope(scopeInput, h.Proxy)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if h.Metrics != nil {
		h.Metrics.ActiveWebSockets.Inc()
		defer h.Metrics.ActiveWebSockets.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var connID string
	if h.Manager != nil {
		clientHost, clientPort := splitHostPort(r.RemoteAddr)
		connID = connmanager.NewID()
		conn := connmanager.NewConnection(connID, clientHost, clientPort, "", 0, r.TLS != nil, connmanager.ProtocolWebSocket, cancel)
		h.Manager.Register(conn)
		h.Manager.RegisterCloser(connID, cyc)
		defer h.Manager.Deregister(connID)
		if h.Metrics != nil {
			h.Metrics.ActiveConnections.Inc()
			defer h.Metrics.ActiveConnections.Dec()
		}
	}

	cyc.Start(ctx, cancel)

	go func() {
		scope := asgi.Scope{Type: asgi.ScopeWebSocket, WebSocket: wsScope}
		err := h.Dispatcher.run(ctx, scope, cyc.Bridge().Receive, cyc.Bridge().Send)
		if err != nil && h.Metrics != nil {
			h.Metrics.ApplicationErrors.WithLabelValues("websocket").Inc()
		}
	}()

	<-cyc.Done()

	if h.AccessLog != nil {
		h.AccessLog.Log(accesslog.Entry{
			Protocol:   "websocket",
			Path:       r.URL.Path,
			RemoteHost: r.RemoteAddr,
			Duration:   time.Since(start),
		})
	}
}

func (h *Handler) scopeInputFrom(r *http.Request) bridge.ScopeInput {
	clientHost, clientPort := splitHostPort(r.RemoteAddr)
	serverHost, serverPort := splitHostPort(r.Host)

	return bridge.ScopeInput{
		HTTPVersion:        httpVersionOf(r),
		RawPath:            []byte(r.URL.EscapedPath()),
		QueryString:        []byte(r.URL.RawQuery),
		Headers:            headersFrom(r.Header),
		TLS:                r.TLS != nil,
		Client:             asgi.Address{Host: clientHost, Port: clientPort},
		Server:             asgi.Address{Host: serverHost, Port: serverPort},
		ConfiguredRootPath: h.RootPath,
	}
}

func httpVersionOf(r *http.Request) string {
	if r.ProtoMajor == 2 {
		return "2"
	}
	return "1.1"
}

func headersFrom(h http.Header) asgi.Headers {
	out := make(asgi.Headers, 0, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		for _, v := range values {
			out = append(out, asgi.Header{Name: []byte(lower), Value: []byte(v)})
		}
	}
	return out
}

func splitHostPort(hostport string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func splitSubprotocols(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
