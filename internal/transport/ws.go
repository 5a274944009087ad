package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
	"nhooyr.io/websocket"
)

const (
	defaultPath        = "/link"
	defaultReadLimit   = 16 * 1024 * 1024
	handshakeTimeout   = 15 * time.Second
	listenerAcceptBack = 16
)

// Dial opens a WebSocket link to addr, which may be a bare host:port (the
// link always upgrades over wss://) or an explicit ws://, wss:// URL.
func Dial(ctx context.Context, addr string, opts DialOptions) (Link, error) {
	wsURL := normalizeURL(addr)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	httpClient, err := buildHTTPClient(opts)
	if err != nil {
		return nil, err
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	header := http.Header{}
	header.Set("User-Agent", userAgent)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient:      httpClient,
		HTTPHeader:      header,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	return &wsLink{conn: conn}, nil
}

// buildHTTPClient constructs an *http.Client honoring TLS and proxy
// settings: an explicit --upstream-proxy wins, otherwise standard
// HTTP_PROXY/HTTPS_PROXY/ALL_PROXY/NO_PROXY env vars are used unless
// NoEnvProxy is set.
func buildHTTPClient(opts DialOptions) (*http.Client, error) {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS13,
		}
	}

	transport := &http.Transport{TLSClientConfig: tlsConfig}

	switch {
	case opts.UpstreamProxy != "":
		dialer, proxyURL, err := socks5ProxyDialer(opts.UpstreamProxy)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	case !opts.NoEnvProxy:
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &http.Client{Transport: transport, Timeout: opts.Timeout}, nil
}

// socks5ProxyDialer builds a proxy.Dialer for an explicit
// socks5://[user:pass@]host:port upstream proxy.
func socks5ProxyDialer(raw string) (proxy.Dialer, *url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: invalid upstream proxy %q: %w", raw, err)
	}
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: build socks5 dialer: %w", err)
	}
	return dialer, u, nil
}

func normalizeURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "wss://" + addr + defaultPath
}

// Listener accepts inbound WebSocket links over HTTP/1.1 upgrade.
type Listener struct {
	addr      string
	path      string
	tlsConfig *tls.Config

	server *http.Server
	netLn  net.Listener
	connCh chan *wsLink
	closed atomic.Bool
	mu     sync.Mutex
}

// Listen starts an HTTP server at addr that upgrades requests to path into
// WebSocket links.
func Listen(addr string, opts ListenOptions) (*Listener, error) {
	if opts.TLSConfig == nil && !opts.PlainText {
		return nil, fmt.Errorf("transport: TLS config required (set PlainText for a TLS-terminating front)")
	}
	path := opts.Path
	if path == "" {
		path = defaultPath
	}

	l := &Listener{
		addr:      addr,
		path:      path,
		tlsConfig: opts.TLSConfig,
		connCh:    make(chan *wsLink, listenerAcceptBack),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	if opts.ExtraHandler != nil {
		mux.Handle("/", opts.ExtraHandler)
	}
	l.server = &http.Server{Addr: addr, Handler: mux, TLSConfig: l.tlsConfig}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	l.netLn = ln

	go func() {
		if l.tlsConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	return l, nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(defaultReadLimit)

	select {
	case l.connCh <- &wsLink{conn: conn}:
	default:
		conn.Close(websocket.StatusTryAgainLater, "accept backlog full")
	}
}

// Accept waits for and returns the next inbound Link.
func (l *Listener) Accept(ctx context.Context) (Link, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the listener's bound network address.
func (l *Listener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

// Close shuts down the listener and its HTTP server.
func (l *Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// wsLink adapts a *websocket.Conn to Link.
type wsLink struct {
	conn   *websocket.Conn
	closed atomic.Bool
}

func (c *wsLink) ReadMessage() ([]byte, error) {
	typ, data, err := c.conn.Read(context.Background())
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		c.Close()
		return nil, fmt.Errorf("transport: received non-binary message, closing link")
	}
	return data, nil
}

func (c *wsLink) WriteMessage(p []byte) error {
	return c.conn.Write(context.Background(), websocket.MessageBinary, p)
}

func (c *wsLink) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, "link closed")
}

// Ping sends a transport-level WebSocket ping and waits for the pong,
// satisfying the session layer's Pinger interface for liveness checks.
func (c *wsLink) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}
