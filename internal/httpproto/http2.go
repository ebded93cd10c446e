package httpproto

import (
	"net/http"

	"golang.org/x/net/http2"
)

// ConfigureHTTP2 wires golang.org/x/net/http2 explicitly onto srv rather
// than relying on net/http's implicit bundling, so the HTTP/2 stream limit
// is explicit. It enables HTTP/2 negotiated via ALPN over TLS only;
// cleartext HTTP/2 (h2c) is not set up.
func ConfigureHTTP2(srv *http.Server, maxConcurrentStreams uint32) error {
	h2srv := &http2.Server{}
	if maxConcurrentStreams > 0 {
		h2srv.MaxConcurrentStreams = maxConcurrentStreams
	}
	return http2.ConfigureServer(srv, h2srv)
}
