package bridge

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/gophne/gophne/internal/asgi"
)

// RootPathHeader is the request header reserved for the server (spec §6).
// It is consumed and never forwarded to the application.
const RootPathHeader = "daphne-root-path"

// ScopeInput carries everything the protocol layer parsed off the wire;
// BuildHTTPScope/BuildWebSocketScope turn it into the byte-exact scope the
// ASGI contract demands.
type ScopeInput struct {
	HTTPVersion string
	Method      string // ignored for WebSocket
	RawPath     []byte // undecoded, e.g. r.URL.EscapedPath()
	QueryString []byte
	Headers     asgi.Headers // lowercase names, received order, as parsed off the wire
	TLS         bool
	Client      asgi.Address
	Server      asgi.Address

	// ConfiguredRootPath is the --root-path / DAPHNE_ROOT_PATH fallback;
	// the Daphne-Root-Path request header wins over it when present.
	ConfiguredRootPath string

	Subprotocols []string // websocket only
}

// stripHeader returns headers with every pair named name (case-insensitive)
// removed, plus the value of the first matching pair.
func stripHeader(headers asgi.Headers, name string) (asgi.Headers, []byte, bool) {
	out := make(asgi.Headers, 0, len(headers))
	var value []byte
	found := false
	for _, h := range headers {
		if !found && len(h.Name) == len(name) && equalFoldBytes(h.Name, name) {
			value = h.Value
			found = true
			continue
		}
		out = append(out, h)
	}
	return out, value, found
}

func equalFoldBytes(b []byte, s string) bool {
	for i := range b {
		c := b[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		d := s[i]
		if d >= 'A' && d <= 'Z' {
			d += 'a' - 'A'
		}
		if c != d {
			return false
		}
	}
	return true
}

// resolveRootPath implements spec §4.2/§8: the Daphne-Root-Path header,
// when present, wins over the configured default; it is stripped from both
// the headers list and the path prefix.
func resolveRootPath(headers asgi.Headers, configured string, path string) (rootPath string, remainingHeaders asgi.Headers, strippedPath string) {
	remainingHeaders, raw, found := stripHeader(headers, RootPathHeader)
	rootPath = configured
	if found {
		if decoded, err := url.QueryUnescape(string(raw)); err == nil {
			rootPath = decoded
		} else {
			rootPath = string(raw)
		}
	}
	strippedPath = path
	if rootPath != "" && strings.HasPrefix(path, rootPath) {
		strippedPath = strings.TrimPrefix(path, rootPath)
		if strippedPath == "" {
			strippedPath = "/"
		}
	}
	return rootPath, remainingHeaders, strippedPath
}

// BuildHTTPScope constructs an HTTPScope per spec §4.2, applying root-path
// resolution and (if cfg is non-nil) proxy-header rewriting.
func BuildHTTPScope(in ScopeInput, cfg *ProxyConfig) (*asgi.HTTPScope, error) {
	decodedPath, err := url.PathUnescape(string(in.RawPath))
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if in.TLS {
		scheme = "https"
	}

	rootPath, headers, path := resolveRootPath(in.Headers, in.ConfiguredRootPath, decodedPath)

	client, server := in.Client, in.Server
	if cfg != nil {
		client, scheme = ApplyProxyHeaders(*cfg, headers, client, scheme)
	}

	return &asgi.HTTPScope{
		ASGIVersion: "3.0",
		HTTPVersion: in.HTTPVersion,
		Method:      strings.ToUpper(in.Method),
		Scheme:      scheme,
		Path:        path,
		RawPath:     in.RawPath,
		QueryString: in.QueryString,
		RootPath:    rootPath,
		Headers:     headers,
		Client:      client,
		Server:      server,
	}, nil
}

// BuildWebSocketScope constructs a WebSocketScope per spec §4.4.
func BuildWebSocketScope(in ScopeInput, cfg *ProxyConfig) (*asgi.WebSocketScope, error) {
	decodedPath, err := url.PathUnescape(string(in.RawPath))
	if err != nil {
		return nil, err
	}

	scheme := "ws"
	if in.TLS {
		scheme = "wss"
	}

	rootPath, headers, path := resolveRootPath(in.Headers, in.ConfiguredRootPath, decodedPath)

	client, httpScheme := in.Client, "http"
	if in.TLS {
		httpScheme = "https"
	}
	if cfg != nil {
		client, httpScheme = ApplyProxyHeaders(*cfg, headers, client, httpScheme)
	}
	if httpScheme == "https" {
		scheme = "wss"
	} else if httpScheme == "http" {
		scheme = "ws"
	}

	return &asgi.WebSocketScope{
		ASGIVersion:  "3.0",
		HTTPVersion:  in.HTTPVersion,
		Scheme:       scheme,
		Path:         path,
		RawPath:      in.RawPath,
		QueryString:  in.QueryString,
		RootPath:     rootPath,
		Headers:      headers,
		Client:       client,
		Server:       in.Server,
		Subprotocols: in.Subprotocols,
	}, nil
}

// ProxyConfig controls the proxy-header rewrite of §4.5.
type ProxyConfig struct {
	Enabled    bool
	HostHeader string // default "X-Forwarded-For"
	PortHeader string // default "" (none)
	// TrustRightmost selects the "pick the furthest downstream trusted"
	// policy: true takes the rightmost value of a comma-separated list,
	// false (default) takes the leftmost. Spec §9 documents this as an
	// open question the source leaves ambiguous; we make it explicit and
	// configurable rather than guessing, defaulting to leftmost (the
	// client closest to the origin request) to match the concrete
	// scenario in spec §8.
	TrustRightmost bool
}

func defaultHostHeader(cfg ProxyConfig) string {
	if cfg.HostHeader == "" {
		return "x-forwarded-for"
	}
	return strings.ToLower(cfg.HostHeader)
}

// ApplyProxyHeaders rewrites client and scheme according to cfg, reading
// X-Forwarded-For (or cfg.HostHeader)/X-Forwarded-Proto/cfg.PortHeader from
// headers. IPv6 literals in brackets are accepted and unwrapped.
func ApplyProxyHeaders(cfg ProxyConfig, headers asgi.Headers, client asgi.Address, scheme string) (asgi.Address, string) {
	if !cfg.Enabled {
		return client, scheme
	}

	hostHeader := defaultHostHeader(cfg)
	if raw, ok := headers.Get(hostHeader); ok {
		parts := strings.Split(string(raw), ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		var chosen string
		if cfg.TrustRightmost {
			chosen = parts[len(parts)-1]
		} else {
			chosen = parts[0]
		}
		client.Host = stripIPv6Brackets(chosen)
	}

	if raw, ok := headers.Get("x-forwarded-proto"); ok {
		scheme = strings.ToLower(strings.TrimSpace(string(raw)))
	}

	if cfg.PortHeader != "" {
		if raw, ok := headers.Get(strings.ToLower(cfg.PortHeader)); ok {
			if port, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
				client.Port = port
			}
		}
	}

	return client, scheme
}

func stripIPv6Brackets(host string) string {
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]"); idx != -1 {
			return host[1:idx]
		}
	}
	return host
}
