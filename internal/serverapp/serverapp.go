// Package serverapp wires the central server's token registry, channel
// bridges, reverse dispatchers, and the agent-mode autonomy relay into one
// accept loop: every incoming peer link is handshaked against the shared
// token registry, and the resulting session is routed to the right piece of
// machinery purely by its token's kind.
package serverapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaywire/meshsocks/internal/agent"
	"github.com/relaywire/meshsocks/internal/channel"
	"github.com/relaywire/meshsocks/internal/dispatch"
	"github.com/relaywire/meshsocks/internal/ids"
	"github.com/relaywire/meshsocks/internal/metrics"
	"github.com/relaywire/meshsocks/internal/portpool"
	"github.com/relaywire/meshsocks/internal/protocol"
	"github.com/relaywire/meshsocks/internal/recovery"
	"github.com/relaywire/meshsocks/internal/session"
	"github.com/relaywire/meshsocks/internal/socks5"
	"github.com/relaywire/meshsocks/internal/token"
	"github.com/relaywire/meshsocks/internal/transport"
)

// Config bounds the tunables an App needs beyond the token registry itself.
type Config struct {
	// SocksBindHost is the interface a reverse token's SOCKS5 listener
	// binds on (e.g. "0.0.0.0" or "127.0.0.1").
	SocksBindHost string

	PortPool      *portpool.Pool
	EngineConfig  channel.EngineConfig
	SessionConfig session.Config
	Logger        *slog.Logger
}

func (c *Config) setDefaults() {
	if c.SocksBindHost == "" {
		c.SocksBindHost = "127.0.0.1"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// App is the server side of one meshsocks deployment: it owns the shared
// bridges/dispatchers/autonomy tables and the per-reverse-token SOCKS5
// listeners, and serves as the session.Handler router for every accepted
// link regardless of which token kind authenticated it.
type App struct {
	cfg    Config
	tokens *token.Registry
	logger *slog.Logger

	bridges     *channel.SessionBridges
	dispatchers *dispatch.Dispatchers
	autonomy    *dispatch.Autonomy
	relay       *agent.Relay

	mu            sync.Mutex
	listeners     map[ids.ID]*socks5.ReverseListener
	sessionCounts map[token.Kind]int
}

// NewApp builds an App over an already-constructed token registry. Reverse
// tokens present in the registry at startup (or added later through the
// management API) must each be announced via RegisterReverseToken so their
// SOCKS5 listener lifecycle is tracked.
func NewApp(tokens *token.Registry, cfg Config) *App {
	cfg.setDefaults()

	bridges := channel.NewSessionBridges()
	dispatchers := dispatch.NewDispatchers()
	autonomy := dispatch.NewAutonomy()

	return &App{
		cfg:         cfg,
		tokens:      tokens,
		logger:      cfg.Logger,
		bridges:     bridges,
		dispatchers: dispatchers,
		autonomy:    autonomy,
		relay:         agent.NewRelay(bridges, autonomy, dispatchers, cfg.Logger),
		listeners:     make(map[ids.ID]*socks5.ReverseListener),
		sessionCounts: make(map[token.Kind]int),
	}
}

// adjustSessionCount updates the active-session count for kind by delta and
// republishes the gauge, called from onSessionAccept/onSessionClose.
func (a *App) adjustSessionCount(kind token.Kind, delta int) {
	a.mu.Lock()
	a.sessionCounts[kind] += delta
	n := a.sessionCounts[kind]
	a.mu.Unlock()
	metrics.SetSessionsActive(kind.String(), n)
}

// RegisterReverseToken prepares a reverse token's dispatcher and listener
// manager. eager mirrors a disabled socks_wait_client: the listener binds
// immediately rather than waiting for the token's first provider. Call this
// once per reverse token, at server startup for config-defined tokens and
// from the management API when a new one is created.
func (a *App) RegisterReverseToken(tok *token.Token, eager bool) error {
	a.mu.Lock()
	if _, exists := a.listeners[tok.ID]; exists {
		a.mu.Unlock()
		return nil
	}
	d := a.dispatchers.GetOrCreate(tok.ID)
	rl := socks5.NewReverseListener(a.cfg.PortPool, d, a.cfg.SocksBindHost, tok.Port, eager, authenticatorsFor(tok), a.logger)
	a.listeners[tok.ID] = rl
	a.mu.Unlock()

	if !eager {
		return nil
	}
	return rl.Start(&socks5.DispatchOpener{Dispatcher: d, Bridges: a.bridges})
}

// UnregisterReverseToken tears down a reverse token's listener and
// dispatcher, e.g. when the token is deleted through the management API.
func (a *App) UnregisterReverseToken(reverseTokenID ids.ID) {
	a.mu.Lock()
	rl, ok := a.listeners[reverseTokenID]
	delete(a.listeners, reverseTokenID)
	a.mu.Unlock()
	if ok {
		rl.Stop()
	}
	a.dispatchers.Delete(reverseTokenID)
}

func (a *App) listenerFor(reverseTokenID ids.ID) (*socks5.ReverseListener, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rl, ok := a.listeners[reverseTokenID]
	return rl, ok
}

// Serve accepts links from ln until ctx is cancelled, handshaking and
// routing each one. It blocks; callers typically run it in its own
// goroutine.
func (a *App) Serve(ctx context.Context, ln *transport.Listener) error {
	for {
		link, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("serverapp: accept: %w", err)
			}
		}
		go a.handleLink(ctx, link)
	}
}

func (a *App) handleLink(ctx context.Context, link transport.Link) {
	defer recovery.RecoverWithLog(a.logger, "serverapp.App.handleLink")

	scfg := a.cfg.SessionConfig
	scfg.Handler = a
	scfg.OnClose = a.onSessionClose

	s, err := session.Accept(ctx, link, a.tokens, scfg)
	if err != nil {
		a.logger.Debug("session handshake failed", slog.Any("error", err))
		link.Close()
		return
	}
	a.onSessionAccept(s)
}

// onSessionAccept wires up the per-session machinery a forward or reverse
// token session needs, once the handshake has resolved its token. Connector
// sessions need nothing extra: the shared Relay resolves their provider
// lazily, per Connect frame.
func (a *App) onSessionAccept(s *session.Session) {
	tok := s.Token
	if tok == nil {
		return
	}
	a.adjustSessionCount(tok.Kind, 1)

	if tok.Kind == token.KindConnector {
		return
	}

	registry := channel.NewRegistry()
	engine := channel.NewEngine(a.cfg.EngineConfig)
	bridge := channel.NewBridge(registry, engine, a.logger)
	a.bridges.Set(s, bridge)

	if tok.Kind != token.KindReverse {
		return
	}

	d := a.dispatchers.GetOrCreate(tok.ID)
	d.AddProvider(s)

	rl, ok := a.listenerFor(tok.ID)
	if !ok {
		a.logger.Warn("reverse token authenticated a provider with no registered listener", slog.String("token", tok.ID.Short()))
		return
	}
	rl.OnProviderConnected(&socks5.DispatchOpener{Dispatcher: d, Bridges: a.bridges})

	if tok.AllowManageConnector && tok.PairedConnectorID != ids.Zero {
		a.autonomy.Advertise(tok.PairedConnectorID, s)
	}
}

func (a *App) onSessionClose(s *session.Session, _ error) {
	tok := s.Token
	if tok == nil {
		return
	}
	tok.RemovePeer(s.ID)
	a.adjustSessionCount(tok.Kind, -1)

	if tok.Kind == token.KindConnector {
		return
	}

	a.bridges.Delete(s)

	if tok.Kind != token.KindReverse {
		return
	}

	d := a.dispatchers.GetOrCreate(tok.ID)
	d.RemoveProvider(s)

	if rl, ok := a.listenerFor(tok.ID); ok {
		rl.OnProviderDisconnected()
	}
	if tok.AllowManageConnector && tok.PairedConnectorID != ids.Zero {
		a.autonomy.Withdraw(tok.PairedConnectorID)
	}
}

// The App itself is the session.Handler installed on every accepted link:
// it routes each frame to that session's Bridge (forward/reverse) or to the
// shared agent.Relay (connector), resolved by the session's token kind.

func (a *App) route(s *session.Session) session.Handler {
	if s.Token != nil && s.Token.Kind == token.KindConnector {
		return a.relay
	}
	if b, ok := a.bridges.Get(s); ok {
		return b
	}
	return nil
}

func (a *App) OnConnect(s *session.Session, f *protocol.ConnectFrame) {
	if h := a.route(s); h != nil {
		h.OnConnect(s, f)
	}
}

func (a *App) OnConnectResponse(s *session.Session, f *protocol.ConnectResponseFrame) {
	if h := a.route(s); h != nil {
		h.OnConnectResponse(s, f)
	}
}

func (a *App) OnDisconnect(s *session.Session, f *protocol.DisconnectFrame) {
	if h := a.route(s); h != nil {
		h.OnDisconnect(s, f)
	}
}

func (a *App) OnData(s *session.Session, f *protocol.DataFrame) {
	if h := a.route(s); h != nil {
		h.OnData(s, f)
	}
}

// tokenCredentialStore adapts a single reverse token's username/password to
// socks5.CredentialStore, so each reverse listener can authenticate SOCKS5
// clients against the one token that owns it rather than a shared pool.
type tokenCredentialStore struct{ tok *token.Token }

func (c tokenCredentialStore) Valid(username, password string) bool {
	if c.tok.Username != "" && username != c.tok.Username {
		return false
	}
	return c.tok.CheckPassword(password)
}

// authenticatorsFor builds the SOCKS5 authenticator chain for a reverse
// token: username/password when the token carries a SOCKS5 password,
// no-auth otherwise.
func authenticatorsFor(tok *token.Token) []socks5.Authenticator {
	if !tok.HasPassword() {
		return []socks5.Authenticator{&socks5.NoAuthAuthenticator{}}
	}
	return []socks5.Authenticator{socks5.NewUserPassAuthenticator(tokenCredentialStore{tok: tok})}
}
