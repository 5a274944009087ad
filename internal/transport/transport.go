// Package transport provides the WebSocket link used to carry the binary
// multiplexing protocol between peers: ordered binary-frame read/write
// with close, dialed or accepted over HTTP/1.1 upgrade.
package transport

import (
	"crypto/tls"
	"net/http"
	"time"
)

// DefaultUserAgent is advertised on the WebSocket upgrade request unless
// overridden.
const DefaultUserAgent = "meshsocks/1.0"

// Link is one WebSocket connection carrying binary protocol frames.
// Reads and writes of whole frames are safe for concurrent use from one
// reader goroutine and one writer goroutine respectively; Close may be
// called concurrently with either.
type Link interface {
	// ReadMessage blocks for the next binary frame. It returns an error
	// (including on a text message, which is a protocol violation) when
	// the link can no longer be read.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one binary frame.
	WriteMessage(p []byte) error

	// Close terminates the underlying connection.
	Close() error
}

// DialOptions configures an outbound WebSocket dial.
type DialOptions struct {
	Timeout time.Duration

	TLSConfig          *tls.Config
	InsecureSkipVerify bool

	// UserAgent is sent on the HTTP upgrade request.
	UserAgent string

	// UpstreamProxy is an explicit socks5://[user:pass@]host:port proxy to
	// dial through, overriding environment proxy discovery.
	UpstreamProxy string

	// NoEnvProxy disables HTTP_PROXY/HTTPS_PROXY/ALL_PROXY/NO_PROXY
	// environment discovery when UpstreamProxy is empty.
	NoEnvProxy bool
}

// DefaultDialOptions returns sensible defaults for DialOptions.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout:   30 * time.Second,
		UserAgent: DefaultUserAgent,
	}
}

// ListenOptions configures an inbound WebSocket listener.
type ListenOptions struct {
	TLSConfig *tls.Config
	Path      string

	// PlainText allows ws:// without TLS, for deployments terminating TLS
	// at a fronting reverse proxy.
	PlainText bool

	// ExtraHandler, when set, serves every request that doesn't match Path,
	// so a server process can multiplex its management API and metrics
	// endpoint onto the same host:port as the WebSocket upgrade handler.
	ExtraHandler http.Handler
}

// DefaultListenOptions returns sensible defaults for ListenOptions.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{Path: defaultPath}
}
