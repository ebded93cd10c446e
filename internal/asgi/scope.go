package asgi

// Address is a (host, port) pair as ASGI represents client/server endpoints.
type Address struct {
	Host string
	Port int
}

// HTTPScope is the immutable per-request-cycle scope handed to the
// application for an "http" connection, built per spec §4.2.
type HTTPScope struct {
	ASGIVersion string // always "3.0"
	HTTPVersion string // "1.1" or "2"
	Method      string // upper-case ASCII
	Scheme      string // "http" or "https"
	Path        string // percent-decoded, UTF-8
	RawPath     []byte // undecoded bytes
	QueryString []byte
	RootPath    string
	Headers     Headers
	Client      Address
	Server      Address
}

// WebSocketScope is the immutable scope for a "websocket" connection. It
// shares every HTTPScope key except Method, and adds Subprotocols.
type WebSocketScope struct {
	ASGIVersion   string
	HTTPVersion   string
	Scheme        string // "ws" or "wss"
	Path          string
	RawPath       []byte
	QueryString   []byte
	RootPath      string
	Headers       Headers
	Client        Address
	Server        Address
	Subprotocols  []string
}
