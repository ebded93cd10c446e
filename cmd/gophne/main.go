// Command gophne is the CLI entry point: it parses the flag surface spec
// §6 describes, resolves the application pattern through apploader, and
// runs the server core until an interrupt signal triggers graceful
// shutdown.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gophne/gophne/internal/apploader"
	"github.com/gophne/gophne/internal/config"
	"github.com/gophne/gophne/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Default()
	var noServerName bool
	var unixSocket string
	var fd int
	var endpoints []string
	var verbosity int
	var reachedRunE bool

	cmd := &cobra.Command{
		Use:   "gophne [module:attribute]",
		Short: "An ASGI-compatible HTTP/1.1, HTTP/2, and WebSocket termination server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reachedRunE = true
			cfg.ApplicationPattern = args[0]
			if noServerName {
				cfg.ServerName = ""
			}
			if unixSocket != "" {
				cfg.Listeners = append(cfg.Listeners, config.ListenSpec{Kind: config.EndpointUnix, UnixPath: unixSocket})
			}
			if fd >= 0 {
				cfg.Listeners = append(cfg.Listeners, config.ListenSpec{Kind: config.EndpointFD, FD: fd})
			}
			for _, e := range endpoints {
				spec, err := parseEndpoint(e)
				if err != nil {
					return err
				}
				cfg.Listeners = append(cfg.Listeners, spec)
			}
			if len(cfg.Listeners) == 0 {
				host, _ := cmd.Flags().GetString("bind")
				port, _ := cmd.Flags().GetInt("port")
				cfg.Listeners = append(cfg.Listeners, config.ListenSpec{Kind: config.EndpointTCP, Host: host, Port: port})
			}
			cfg.Verbosity = verbosity
			cfg.ApplyEnv()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringP("bind", "b", "127.0.0.1", "Interface to bind on")
	flags.IntP("port", "p", 8000, "Port to bind on")
	flags.StringVarP(&unixSocket, "unix-socket", "u", "", "Bind to a UNIX socket instead of a TCP port")
	flags.IntVar(&fd, "fd", -1, "Bind to the given inherited file descriptor")
	flags.StringArrayVarP(&endpoints, "endpoint", "e", nil, "Additional listener, repeatable (tcp:host:port, unix:path, fd:N, tls:host:port:certfile:keyfile)")
	flags.IntVar(&cfg.MaxConcurrentConnections, "max-connections", 0, "Maximum number of simultaneously accepted connections, 0 means unbounded")
	flags.StringVar(&cfg.RootPath, "root-path", "", "ASGI root_path to serve under")
	flags.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "Value of the Server response header")
	flags.BoolVar(&noServerName, "no-server-name", false, "Disable the Server response header")
	flags.StringVar(&cfg.AccessLogPath, "access-log", "", "Path to write the access log to (empty disables)")
	flags.StringVar(&cfg.LogFormat, "log-fmt", "", "Access log line format (external formatting concern)")
	flags.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "Maximum time to wait for the application to start an HTTP response")
	flags.DurationVar(&cfg.WebSocketTimeout, "websocket-timeout", cfg.WebSocketTimeout, "Maximum age of a WebSocket connection before a group-expiry close")
	flags.DurationVar(&cfg.WebSocketConnectTimeout, "websocket-connect-timeout", cfg.WebSocketConnectTimeout, "Maximum time to wait for the application to accept a WebSocket handshake")
	flags.DurationVar(&cfg.ApplicationCloseTimeout, "application-close-timeout", cfg.ApplicationCloseTimeout, "Maximum time to wait for the application to react to a close")
	flags.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "WebSocket keepalive ping interval")
	flags.DurationVar(&cfg.PingTimeout, "ping-timeout", cfg.PingTimeout, "WebSocket keepalive ping timeout")
	flags.BoolVar(&cfg.Proxy.Enabled, "proxy-headers", false, "Rewrite client address/scheme from X-Forwarded-* headers")
	flags.StringVar(&cfg.Proxy.HostHeader, "proxy-headers-host", cfg.Proxy.HostHeader, "Header to read the forwarded client address from")
	flags.StringVar(&cfg.Proxy.PortHeader, "proxy-headers-port", "", "Header to read the forwarded client port from")
	flags.IntVarP(&verbosity, "verbosity", "v", cfg.Verbosity, "Log verbosity, 0-3")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gophne:", err)
		if !reachedRunE {
			return 2 // invalid arguments/flags: cobra never reached RunE
		}
		return 1 // startup failure: config validation, app load, or listener bind
	}
	return 0
}

func serve(cfg config.Config) error {
	logger, err := newLogger(cfg.Verbosity)
	if err != nil {
		return err
	}
	defer logger.Sync()

	registry := apploader.NewRegistry()
	loader := apploader.Loader(registry)
	if isPluginPath(cfg.ApplicationPattern) {
		loader = apploader.NewPluginLoader()
	}
	app, err := loader.Load(cfg.ApplicationPattern)
	if err != nil {
		return fmt.Errorf("loading application: %w", err)
	}

	srv := server.New(cfg, app, logger, prometheus.DefaultRegisterer)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gophne",
		zap.String("application", cfg.ApplicationPattern),
		zap.Int("listeners", len(cfg.Listeners)),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
		logger.Info("server ready")
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("server did not become ready in time")
	}

	return <-errCh
}

func isPluginPath(pattern string) bool {
	modulePath, _, ok := strings.Cut(pattern, ":")
	return ok && strings.HasSuffix(modulePath, ".so")
}

func newLogger(verbosity int) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch {
	case verbosity <= 0:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	case verbosity == 1:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case verbosity == 2:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// parseEndpoint accepts tcp:host:port, unix:path, fd:N, or
// tls:host:port:certfile:keyfile.
func parseEndpoint(spec string) (config.ListenSpec, error) {
	kind, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return config.ListenSpec{}, fmt.Errorf("invalid endpoint %q: expected tcp:host:port, unix:path, fd:N, or tls:host:port:certfile:keyfile", spec)
	}
	switch kind {
	case "tcp":
		return parseTCPEndpoint(rest)
	case "unix":
		return config.ListenSpec{Kind: config.EndpointUnix, UnixPath: rest}, nil
	case "fd":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return config.ListenSpec{}, fmt.Errorf("invalid endpoint %q: %w", spec, err)
		}
		return config.ListenSpec{Kind: config.EndpointFD, FD: n}, nil
	case "tls":
		return parseTLSEndpoint(rest)
	default:
		return config.ListenSpec{}, fmt.Errorf("invalid endpoint %q: unknown kind %q", spec, kind)
	}
}

func parseTCPEndpoint(hostport string) (config.ListenSpec, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return config.ListenSpec{}, fmt.Errorf("invalid tcp endpoint %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return config.ListenSpec{}, fmt.Errorf("invalid tcp endpoint %q: %w", hostport, err)
	}
	return config.ListenSpec{Kind: config.EndpointTCP, Host: host, Port: port}, nil
}

// parseTLSEndpoint accepts host:port:certfile:keyfile, the only TLS-wrapped
// descriptor the endpoint syntax supports; per-hostname SNI certificates are
// a config.TLSConfig.SNIMap concern, not reachable from this flag.
func parseTLSEndpoint(rest string) (config.ListenSpec, error) {
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		return config.ListenSpec{}, fmt.Errorf("invalid tls endpoint %q: expected tls:host:port:certfile:keyfile", rest)
	}
	host, portStr, certFile, keyFile := parts[0], parts[1], parts[2], parts[3]
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return config.ListenSpec{}, fmt.Errorf("invalid tls endpoint %q: %w", rest, err)
	}
	return config.ListenSpec{
		Kind: config.EndpointTCP,
		Host: host,
		Port: port,
		TLS:  &config.TLSConfig{CertFile: certFile, KeyFile: keyFile},
	}, nil
}
