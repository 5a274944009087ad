// Package session manages one authenticated WebSocket peer link: the auth
// handshake, the frame demultiplex loop, keepalive liveness checks, and (on
// the dialing side) a reconnect supervisor.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaywire/meshsocks/internal/ids"
	"github.com/relaywire/meshsocks/internal/logging"
	"github.com/relaywire/meshsocks/internal/protocol"
	"github.com/relaywire/meshsocks/internal/recovery"
	"github.com/relaywire/meshsocks/internal/token"
	"github.com/relaywire/meshsocks/internal/transport"
)

// Role identifies which side of the link this process is.
type Role int

const (
	// RoleInitiator dialed the link (client-of-server).
	RoleInitiator Role = iota
	// RoleResponder accepted the link (server-side-handler).
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// State is the peer session lifecycle state.
type State int32

const (
	StateHandshaking State = iota
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrAuthRejected is returned when the remote side (or local token
	// lookup, on the responder) refuses the presented token. Fatal:
	// reconnect supervisors must not retry.
	ErrAuthRejected = errors.New("session: auth rejected")

	// ErrProtocol marks a malformed frame or an unexpected frame before
	// auth completes. Fatal for the same reason as ErrAuthRejected.
	ErrProtocol = errors.New("session: protocol error")

	// ErrClosed is returned by operations attempted after the session has
	// torn down.
	ErrClosed = errors.New("session: closed")
)

// FatalErr reports whether err should stop a reconnect supervisor rather
// than trigger another attempt, per spec.md §7's propagation policy.
func FatalErr(err error) bool {
	return errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrProtocol)
}

// Handler receives demultiplexed frames for a session. Implementations
// typically bridge Connect/ConnectResponse/Disconnect into a channel
// registry and Data into the target channel's inbox.
type Handler interface {
	OnConnect(s *Session, f *protocol.ConnectFrame)
	OnConnectResponse(s *Session, f *protocol.ConnectResponseFrame)
	OnDisconnect(s *Session, f *protocol.DisconnectFrame)
	OnData(s *Session, f *protocol.DataFrame)
}

// Config carries the tunables spec.md's peer session and wire codec
// sections expose as CLI flags.
type Config struct {
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	Limits            protocol.Limits
	Logger            *slog.Logger
	Handler           Handler

	// OnClose is invoked exactly once when the serving loop exits, with
	// the error that ended it (nil on a clean local Close).
	OnClose func(s *Session, err error)
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 15 * time.Second
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 15 * time.Second
	}
	if c.Limits == (protocol.Limits{}) {
		c.Limits = protocol.DefaultLimits()
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
}

const outboundQueueCapacity = 256

// Session is one authenticated WebSocket link.
type Session struct {
	ID        ids.ID // this process's instance id, advertised in Auth
	Instance  ids.ID // the remote peer's advertised instance id
	Role      Role
	TokenKind token.Kind
	Token     *token.Token // set on the responder side after a successful handshake

	link   transport.Link
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state State

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a link to addr and performs the client side of the auth
// handshake with plaintext token tokenPlain. reverse advertises a reverse
// or connector role claim per spec.md §4.1's Auth frame.
func Dial(ctx context.Context, addr string, dialOpts transport.DialOptions, tokenPlain string, reverse bool, cfg Config) (*Session, error) {
	cfg.setDefaults()

	link, err := transport.Dial(ctx, addr, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("session: dial: %w", err)
	}

	s := newSession(link, RoleInitiator, cfg)

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := s.dialerHandshake(hctx, tokenPlain, reverse); err != nil {
		link.Close()
		return nil, err
	}

	s.start()
	return s, nil
}

// Accept performs the server side of the auth handshake over an already
// accepted link, looking the presented token up in registry.
func Accept(ctx context.Context, link transport.Link, registry *token.Registry, cfg Config) (*Session, error) {
	cfg.setDefaults()

	s := newSession(link, RoleResponder, cfg)

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	tok, err := s.responderHandshake(hctx, registry)
	if err != nil {
		link.Close()
		return nil, err
	}
	s.TokenKind = tok.Kind
	s.Token = tok
	tok.AddPeer(s.ID)

	s.start()
	return s, nil
}

func newSession(link transport.Link, role Role, cfg Config) *Session {
	id, _ := ids.New() // only fails on exhausted entropy; crypto/rand never does in practice
	return &Session{
		ID:       id,
		Role:     role,
		link:     link,
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("role", role.String())),
		state:    StateHandshaking,
		outbound: make(chan []byte, outboundQueueCapacity),
		done:     make(chan struct{}),
	}
}

func (s *Session) start() {
	s.mu.Lock()
	s.state = StateServing
	s.mu.Unlock()

	go s.writeLoop()
	go s.readLoop()
	go s.keepaliveLoop()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send encodes and enqueues a frame on the outbound queue. It implements
// the channel package's Outbound interface so the relay engine can use a
// Session directly as its frame sink.
func (s *Session) Send(m protocol.Message) error {
	buf, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("session: encode %T: %w", m, err)
	}
	select {
	case s.outbound <- buf:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Close tears the session down: stops the serving loops and closes the
// underlying link. Safe to call more than once and concurrently.
func (s *Session) Close() error {
	return s.closeWith(nil)
}

func (s *Session) closeWith(err error) error {
	var linkErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		close(s.done)
		linkErr = s.link.Close()

		if s.cfg.OnClose != nil {
			s.cfg.OnClose(s, err)
		}
	})
	return linkErr
}

func (s *Session) writeLoop() {
	defer recovery.RecoverWithLog(s.logger, "session.writeLoop")
	for {
		select {
		case <-s.done:
			return
		case buf := <-s.outbound:
			if err := s.link.WriteMessage(buf); err != nil {
				s.logger.Debug("write failed, closing session", slog.Any("error", err))
				s.closeWith(err)
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	defer recovery.RecoverWithLog(s.logger, "session.readLoop")
	for {
		raw, err := s.link.ReadMessage()
		if err != nil {
			s.closeWith(err)
			return
		}

		msg, err := protocol.Decode(raw, s.cfg.Limits)
		if err != nil {
			s.logger.Warn("decode failed, closing session", slog.Any("error", err))
			s.closeWith(fmt.Errorf("%w: %v", ErrProtocol, err))
			return
		}

		s.dispatch(msg)

		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Session) dispatch(msg protocol.Message) {
	h := s.cfg.Handler
	if h == nil {
		return
	}
	switch f := msg.(type) {
	case *protocol.ConnectFrame:
		h.OnConnect(s, f)
	case *protocol.ConnectResponseFrame:
		h.OnConnectResponse(s, f)
	case *protocol.DisconnectFrame:
		h.OnDisconnect(s, f)
	case *protocol.DataFrame:
		h.OnData(s, f)
	default:
		s.logger.Warn("unexpected frame after handshake", slog.String("type", msg.FrameType().String()))
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// keepaliveLoop issues a transport-level ping roughly every
// KeepaliveInterval; a ping that doesn't resolve within KeepaliveTimeout is
// treated as a dead peer, per spec.md §4.4.
func (s *Session) keepaliveLoop() {
	defer recovery.RecoverWithLog(s.logger, "session.keepaliveLoop")

	p, ok := s.link.(pinger)
	if !ok {
		return
	}

	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.KeepaliveTimeout)
			err := p.Ping(ctx)
			cancel()
			if err != nil {
				s.logger.Debug("keepalive ping failed, closing session", slog.Any("error", err))
				s.closeWith(fmt.Errorf("keepalive timeout: %w", err))
				return
			}
		}
	}
}

// Probe forces an immediate liveness check outside the regular keepalive
// cadence, for the dispatcher's pre-handoff check in spec.md §4.6.
func (s *Session) Probe(ctx context.Context) error {
	p, ok := s.link.(pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}
