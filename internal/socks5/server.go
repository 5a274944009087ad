package socks5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaywire/meshsocks/internal/dispatch"
	"github.com/relaywire/meshsocks/internal/metrics"
	"github.com/relaywire/meshsocks/internal/portpool"
	"github.com/relaywire/meshsocks/internal/recovery"
)

// ServerConfig holds the tunables for one SOCKS5 TCP listener.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:1080").
	Address string

	// MaxConnections limits concurrent SOCKS5 client connections (0 = unlimited).
	MaxConnections int

	// IdleTimeout bounds how long an accepted connection may sit without
	// completing the SOCKS5 request before it's dropped.
	IdleTimeout time.Duration

	Authenticators []Authenticator
	Opener         Opener
	Logger         *slog.Logger

	// FastOpen enables the optimistic CONNECT/UDP ASSOCIATE reply path; see
	// Handler.WithFastOpen.
	FastOpen bool
}

// DefaultServerConfig returns sensible defaults for a forward-mode listener.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "127.0.0.1:1080",
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		Authenticators: []Authenticator{&NoAuthAuthenticator{}},
	}
}

// Server is a SOCKS5 proxy TCP listener driving one Handler/Opener pair.
// The same type serves forward mode (a FixedOpener bound to one dialed
// session) and a reverse token's listener (a DispatchOpener round-robining
// its provider peers) — the opener is the only thing that differs.
type Server struct {
	cfg      ServerConfig
	handler  *Handler
	listener net.Listener
	logger   *slog.Logger

	tracker *connTracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a SOCKS5 server bound to cfg.Opener.
func NewServer(cfg ServerConfig) *Server {
	if len(cfg.Authenticators) == 0 {
		cfg.Authenticators = []Authenticator{&NoAuthAuthenticator{}}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		handler: NewHandler(cfg.Authenticators, cfg.Opener).WithFastOpen(cfg.FastOpen),
		tracker: newConnTracker[net.Conn](),
		logger:  cfg.Logger,
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listener and begins accepting.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("socks5: server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("socks5: listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and every tracked connection, then waits for
// the accept loop and in-flight handlers to exit.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.tracker.closeAll()
	})
	s.wg.Wait()
	return err
}

// StopWithContext stops the server, returning early if ctx expires first.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address, or nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active SOCKS5 client connections.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning reports whether the accept loop is active.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "socks5.Server.acceptLoop")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.tracker.count() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()
	defer recovery.RecoverWithLog(s.logger, "socks5.Server.handleConn")

	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	if err := s.handler.Handle(conn); err != nil {
		s.logger.Debug("socks5 connection ended", slog.Any("error", err))
	}
}

// ErrAlreadyStarted is returned by ReverseListener.Start when the
// listener is already bound.
var ErrAlreadyStarted = errors.New("socks5: reverse listener already started")

// ReverseListener owns the lifecycle of one reverse token's SOCKS5
// listener: it binds lazily (on the first provider, unless eager mode is
// requested) and unbinds once the last provider leaves, per spec.md §4.6.
type ReverseListener struct {
	pool       *portpool.Pool
	dispatcher *dispatch.Dispatcher
	bindHost   string
	preferred  int
	eager      bool
	auths      []Authenticator
	logger     *slog.Logger

	mu      sync.Mutex
	server  *Server
	port    int
	started bool
}

// NewReverseListener builds a listener manager for one reverse token.
// eager mirrors a disabled `socks_wait_client`: the listener binds
// immediately rather than waiting for the first provider.
func NewReverseListener(pool *portpool.Pool, dispatcher *dispatch.Dispatcher, bindHost string, preferredPort int, eager bool, auths []Authenticator, logger *slog.Logger) *ReverseListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReverseListener{
		pool:       pool,
		dispatcher: dispatcher,
		bindHost:   bindHost,
		preferred:  preferredPort,
		eager:      eager,
		auths:      auths,
		logger:     logger,
	}
}

func (rl *ReverseListener) bindLocked(opener Opener) error {
	if rl.started {
		return ErrAlreadyStarted
	}

	port, err := rl.pool.Allocate(rl.preferred)
	if err != nil {
		return fmt.Errorf("socks5: allocate reverse port: %w", err)
	}

	srv := NewServer(ServerConfig{
		Address:        net.JoinHostPort(rl.bindHost, strconv.Itoa(port)),
		Authenticators: rl.auths,
		Opener:         opener,
		Logger:         rl.logger,
	})
	if err := srv.Start(); err != nil {
		rl.pool.Release(port)
		return err
	}

	rl.server = srv
	rl.port = port
	rl.started = true
	metrics.IncReverseListeners()
	return nil
}

// Start binds the listener immediately, for eager (socks_wait_client
// disabled) reverse tokens.
func (rl *ReverseListener) Start(opener Opener) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.bindLocked(opener)
}

// OnProviderConnected is called whenever a new provider peer authenticates
// under this reverse token. In lazy mode (the default) this is what binds
// the listener on the first provider.
func (rl *ReverseListener) OnProviderConnected(opener Opener) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.eager || rl.started {
		return
	}
	if err := rl.bindLocked(opener); err != nil {
		rl.logger.Error("failed to bind reverse listener on first provider", slog.Any("error", err))
	}
}

// OnProviderDisconnected is called whenever a provider peer drops. Once
// the dispatcher has no providers left, the listener is unbound (unless
// eager), freeing its port back to the pool.
func (rl *ReverseListener) OnProviderDisconnected() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.eager || !rl.started {
		return
	}
	if rl.dispatcher.ProviderCount() > 0 {
		return
	}
	rl.stopLocked()
}

func (rl *ReverseListener) stopLocked() {
	if !rl.started {
		return
	}
	rl.server.Stop()
	rl.pool.Release(rl.port)
	rl.server = nil
	rl.started = false
	rl.port = 0
	metrics.DecReverseListeners()
}

// Stop tears the listener down unconditionally, e.g. when the reverse
// token itself is removed from the registry.
func (rl *ReverseListener) Stop() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.stopLocked()
}

// Port returns the bound port, or 0 if not currently listening.
func (rl *ReverseListener) Port() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.port
}

