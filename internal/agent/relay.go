// Package agent implements the agent-mode autonomy relay: the server-side
// glue between a connector session's channels and the paired (or
// round-robin) provider session's channels. Neither side of this relay
// ever dials a real socket — the provider process does that itself,
// acting as a plain responder on its own Bridge — so frames are shuttled
// directly from one channel's inbox to the other session's link.
package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/relaywire/meshsocks/internal/channel"
	"github.com/relaywire/meshsocks/internal/dispatch"
	"github.com/relaywire/meshsocks/internal/ids"
	"github.com/relaywire/meshsocks/internal/protocol"
	"github.com/relaywire/meshsocks/internal/recovery"
	"github.com/relaywire/meshsocks/internal/session"
)

// ConnectWait bounds how long a connector's Connect frame waits for the
// resolved provider to answer before the connector is told to retry,
// mirroring socks5.Handler's own connect wait.
const ConnectWait = 15 * time.Second

// ErrNoToken is returned when a connector session reaches the relay
// without an attached token, which the handshake should never allow.
var ErrNoToken = errors.New("agent: connector session has no token")

// nullEndpoint satisfies channel.Endpoint for the provider-side channel a
// Relay opens: it is never pumped through the byte-oriented relay engine,
// since a Relay moves frames directly between two channels' inboxes
// instead of through a real local socket.
type nullEndpoint struct{}

func (nullEndpoint) Read(p []byte) (int, error)  { return 0, io.EOF }
func (nullEndpoint) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }
func (nullEndpoint) Close() error                { return nil }

// providerPeer is what a Relay remembers about the provider-side half of
// one paired channel, so a frame arriving on the connector side knows
// where to forward to and a teardown knows what to release.
type providerPeer struct {
	session *session.Session
	bridge  *channel.Bridge
}

// Relay implements session.Handler for connector-token sessions. Rather
// than dialing a target itself, it resolves the provider session paired
// with the connector's token (autonomy advertisement, or round robin
// across the connector's parent reverse token) and opens a sibling
// channel on that provider's own Bridge, then relays Data/Disconnect
// frames between the two channels for the life of the connection.
type Relay struct {
	bridges     *channel.SessionBridges
	autonomy    *dispatch.Autonomy
	dispatchers *dispatch.Dispatchers
	logger      *slog.Logger

	mu       sync.Mutex
	provider map[ids.ID]*providerPeer // provider-side channel id -> its session/bridge
}

// NewRelay builds a Relay sharing bridges, autonomy and dispatchers with
// the rest of the server's wiring.
func NewRelay(bridges *channel.SessionBridges, autonomy *dispatch.Autonomy, dispatchers *dispatch.Dispatchers, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		bridges:     bridges,
		autonomy:    autonomy,
		dispatchers: dispatchers,
		logger:      logger,
		provider:    make(map[ids.ID]*providerPeer),
	}
}

func (r *Relay) setProvider(id ids.ID, p *providerPeer) {
	r.mu.Lock()
	r.provider[id] = p
	r.mu.Unlock()
}

func (r *Relay) getProvider(id ids.ID) *providerPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider[id]
}

func (r *Relay) popProvider(id ids.ID) *providerPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.provider[id]
	delete(r.provider, id)
	return p
}

// resolveProvider picks the provider session serving tok: the provider
// that advertised tok's id via autonomy, falling back to round robin
// across the shared dispatcher for tok's parent reverse token.
func (r *Relay) resolveProvider(ctx context.Context, connSession *session.Session) (*session.Session, error) {
	tok := connSession.Token
	if tok == nil {
		return nil, ErrNoToken
	}
	if p, err := r.autonomy.Provider(tok.ID); err == nil {
		return p, nil
	}
	d, ok := r.dispatchers.Get(tok.ReverseTokenID)
	if !ok {
		return nil, dispatch.ErrNoProvider
	}
	return d.Pick(ctx)
}

// OnConnect resolves a provider for the connecting connector and opens a
// sibling channel on it, asynchronously so a slow or exhausted dispatcher
// pick never blocks the connector session's read loop.
func (r *Relay) OnConnect(connSession *session.Session, f *protocol.ConnectFrame) {
	go r.relayConnect(connSession, f)
}

func (r *Relay) relayConnect(connSession *session.Session, f *protocol.ConnectFrame) {
	defer recovery.RecoverWithLog(r.logger, "agent.Relay.relayConnect")

	ctx, cancel := context.WithTimeout(context.Background(), ConnectWait)
	defer cancel()

	provider, err := r.resolveProvider(ctx, connSession)
	if err != nil {
		connSession.Send(&protocol.ConnectResponseFrame{ChannelID: f.ChannelID, Success: false, Error: "no_provider: " + err.Error()})
		return
	}

	providerBridge, ok := r.bridges.Get(provider)
	if !ok {
		connSession.Send(&protocol.ConnectResponseFrame{ChannelID: f.ChannelID, Success: false, Error: "no_provider: provider has no registered bridge"})
		return
	}

	providerChID, err := ids.New()
	if err != nil {
		connSession.Send(&protocol.ConnectResponseFrame{ChannelID: f.ChannelID, Success: false, Error: "server_failure: " + err.Error()})
		return
	}

	providerCh, err := providerBridge.Open(provider, f.Protocol, providerChID, nullEndpoint{}, f.Addr, f.Port)
	if err != nil {
		connSession.Send(&protocol.ConnectResponseFrame{ChannelID: f.ChannelID, Success: false, Error: "server_failure: " + err.Error()})
		return
	}

	if err := providerBridge.WaitConnect(ctx, providerCh); err != nil {
		connSession.Send(&protocol.ConnectResponseFrame{ChannelID: f.ChannelID, Success: false, Error: err.Error()})
		return
	}

	r.setProvider(providerChID, &providerPeer{session: provider, bridge: providerBridge})
	r.autonomy.Pair(f.ChannelID, providerChID)

	if err := connSession.Send(&protocol.ConnectResponseFrame{ChannelID: f.ChannelID, Success: true}); err != nil {
		r.teardownProvider(f.ChannelID, providerChID)
		return
	}

	go r.pumpFromProvider(connSession, f.ChannelID, provider, providerBridge, providerCh)
}

// pumpFromProvider carries Data frames arriving on the provider's sibling
// channel back to the connector session, and turns the sibling closing
// into a Disconnect on the connector side.
func (r *Relay) pumpFromProvider(connSession *session.Session, connChanID ids.ID, provider *session.Session, providerBridge *channel.Bridge, providerCh *channel.Channel) {
	defer recovery.RecoverWithLog(r.logger, "agent.Relay.pumpFromProvider")

	for {
		select {
		case <-providerCh.Done():
			connSession.Send(&protocol.DisconnectFrame{ChannelID: connChanID})
			r.teardownProvider(connChanID, providerCh.ID)
			return
		case frame, ok := <-providerCh.Inbox():
			if !ok {
				continue
			}
			out := &protocol.DataFrame{
				Protocol:    frame.Protocol,
				ChannelID:   connChanID,
				Compression: frame.Compression,
				Data:        frame.Data,
				Addr:        frame.Addr,
				Port:        frame.Port,
			}
			if err := connSession.Send(out); err != nil {
				provider.Send(&protocol.DisconnectFrame{ChannelID: providerCh.ID})
				r.teardownProvider(connChanID, providerCh.ID)
				return
			}
		}
	}
}

func (r *Relay) teardownProvider(connChanID, providerChanID ids.ID) {
	r.autonomy.Unpair(connChanID)
	if peer := r.popProvider(providerChanID); peer != nil {
		peer.bridge.Forget(providerChanID)
	}
}

// OnData forwards a connector-side Data frame to its paired provider
// channel, remapping the channel id to the provider side's own.
func (r *Relay) OnData(_ *session.Session, f *protocol.DataFrame) {
	provChanID, ok := r.autonomy.Sibling(f.ChannelID)
	if !ok {
		return
	}
	peer := r.getProvider(provChanID)
	if peer == nil {
		return
	}
	out := &protocol.DataFrame{
		Protocol:    f.Protocol,
		ChannelID:   provChanID,
		Compression: f.Compression,
		Data:        f.Data,
		Addr:        f.Addr,
		Port:        f.Port,
	}
	peer.session.Send(out)
}

// OnDisconnect propagates a connector-initiated Disconnect to the paired
// provider channel and releases the pairing.
func (r *Relay) OnDisconnect(_ *session.Session, f *protocol.DisconnectFrame) {
	provChanID, ok := r.autonomy.Sibling(f.ChannelID)
	r.autonomy.Unpair(f.ChannelID)
	if !ok {
		return
	}
	peer := r.popProvider(provChanID)
	if peer == nil {
		return
	}
	peer.session.Send(&protocol.DisconnectFrame{ChannelID: provChanID, Error: f.Error})
	peer.bridge.Forget(provChanID)
}

// OnConnectResponse is never legitimately sent by a connector; a connector
// only ever originates Connect/Data/Disconnect. Logged and ignored.
func (r *Relay) OnConnectResponse(_ *session.Session, f *protocol.ConnectResponseFrame) {
	r.logger.Warn("unexpected ConnectResponse from connector session", slog.String("channel", f.ChannelID.Short()))
}
