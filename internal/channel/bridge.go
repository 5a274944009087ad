package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaywire/meshsocks/internal/ids"
	"github.com/relaywire/meshsocks/internal/protocol"
	"github.com/relaywire/meshsocks/internal/recovery"
	"github.com/relaywire/meshsocks/internal/session"
)

// SessionBridges maps a peer session to the Bridge scoped to it, so a
// dispatcher pick (which yields a *session.Session) can be turned into the
// Bridge that actually opens channels on that session.
type SessionBridges struct {
	mu sync.RWMutex
	m  map[*session.Session]*Bridge
}

// NewSessionBridges creates an empty table.
func NewSessionBridges() *SessionBridges {
	return &SessionBridges{m: make(map[*session.Session]*Bridge)}
}

// Set registers s's bridge, called once the session's Registry/Engine/Bridge
// trio is constructed at accept time.
func (t *SessionBridges) Set(s *session.Session, b *Bridge) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[s] = b
}

// Delete removes s's entry, called from the session's OnClose callback.
func (t *SessionBridges) Delete(s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, s)
}

// Get returns s's bridge, if still registered.
func (t *SessionBridges) Get(s *session.Session) (*Bridge, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.m[s]
	return b, ok
}

// ErrConnectTimeout is returned by WaitConnect when no ConnectResponse
// arrives before its context deadline.
var ErrConnectTimeout = errors.New("channel: connect response timed out")

// ConnectRejectedError wraps a responder-reported dial failure or a late
// asynchronous teardown of a channel the caller was waiting on.
type ConnectRejectedError struct{ Reason string }

func (e *ConnectRejectedError) Error() string {
	return fmt.Sprintf("channel: connect rejected: %s", e.Reason)
}

// Bridge implements session.Handler, gluing one peer session's
// demultiplexed frames to a channel Registry and relay Engine. A Bridge is
// scoped to exactly one Session, matching the "ChannelID is locally unique
// within one peer session" invariant: every accepted or dialed session
// gets its own Registry and Bridge.
type Bridge struct {
	registry *Registry
	engine   *Engine
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   map[ids.ID]chan *protocol.ConnectResponseFrame
}

// NewBridge builds a Bridge over registry and engine, both already scoped
// to the session this Bridge will be registered as the Handler for.
func NewBridge(registry *Registry, engine *Engine, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		registry: registry,
		engine:   engine,
		logger:   logger,
		pending:  make(map[ids.ID]chan *protocol.ConnectResponseFrame),
	}
}

// Open is the opener-side entry point: it registers a fresh channel bound
// to endpoint (the already-accepted local SOCKS5 connection, or a bound
// UDP socket), sends Connect, and returns immediately. The caller should
// call WaitConnect before pumping data, unless fast-open is in effect, in
// which case it may start pumping right away.
func (b *Bridge) Open(out Outbound, proto protocol.Protocol, id ids.ID, endpoint Endpoint, addr string, port uint16) (*Channel, error) {
	ch := New(id, proto, SideOpener)
	ch.DestAddr, ch.DestPort = addr, port
	if err := b.registry.Insert(ch); err != nil {
		return nil, err
	}
	ch.MarkOpen(endpoint)

	waiter := make(chan *protocol.ConnectResponseFrame, 1)
	b.pendingMu.Lock()
	b.pending[id] = waiter
	b.pendingMu.Unlock()

	frame := &protocol.ConnectFrame{Protocol: proto, ChannelID: id}
	if proto == protocol.ProtoTCP {
		frame.Addr, frame.Port = addr, port
	}
	if err := out.Send(frame); err != nil {
		b.clearPending(id)
		b.registry.Drop(id)
		return nil, err
	}
	return ch, nil
}

// WaitConnect blocks until the responder's ConnectResponse arrives for ch,
// or ctx's deadline elapses. On rejection or timeout the channel is
// dropped and an error is returned; a fast-open caller that doesn't intend
// to wait should skip this and start pumping immediately, relying on
// OnConnectResponse to tear the channel down on a late failure.
func (b *Bridge) WaitConnect(ctx context.Context, ch *Channel) error {
	b.pendingMu.Lock()
	waiter, ok := b.pending[ch.ID]
	b.pendingMu.Unlock()
	if !ok {
		return nil
	}

	select {
	case resp := <-waiter:
		b.clearPending(ch.ID)
		if !resp.Success {
			b.registry.Drop(ch.ID)
			return &ConnectRejectedError{Reason: resp.Error}
		}
		return nil
	case <-ch.Done():
		b.clearPending(ch.ID)
		return &ConnectRejectedError{Reason: "channel closed"}
	case <-ctx.Done():
		b.clearPending(ch.ID)
		b.registry.Drop(ch.ID)
		return ErrConnectTimeout
	}
}

// Pump runs the bidirectional TCP byte pump for an opener-side channel
// that has reached Open (after WaitConnect succeeds, or immediately for a
// fast-open caller). Blocks until the channel closes in either direction.
func (b *Bridge) Pump(ch *Channel, out Outbound) {
	go b.engine.RunLocalToRemote(ch, out)
	b.engine.RunRemoteToLocal(ch, out)
}

// StopWaiting abandons a pending ConnectResponse wait, used by fast-open
// callers once they've decided to stop blocking and start pumping.
func (b *Bridge) StopWaiting(id ids.ID) {
	b.clearPending(id)
}

// FastOpenDeadline returns how long a fast-open caller should keep a
// background WaitConnect running to catch a late dial failure, per
// internal/channel/relay.go's Engine.FastOpenDeadline.
func (b *Bridge) FastOpenDeadline() time.Duration {
	return b.engine.FastOpenDeadline()
}

// Forget drops a channel from this bridge's registry once the caller has
// finished pumping it and already notified the peer with Disconnect. The
// peer's own OnDisconnect tears down its side; this tears down ours.
func (b *Bridge) Forget(id ids.ID) {
	b.registry.Drop(id)
}

func (b *Bridge) clearPending(id ids.ID) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}

// OnConnect is the responder side of the bridge: dial the requested TCP
// target, or bind a UDP relay socket, buffering Data frames that race
// ahead of dial completion, then reply with ConnectResponse.
func (b *Bridge) OnConnect(s *session.Session, f *protocol.ConnectFrame) {
	ch := New(f.ChannelID, f.Protocol, SideResponder)
	ch.DestAddr, ch.DestPort = f.Addr, f.Port
	if err := b.registry.Insert(ch); err != nil {
		s.Send(&protocol.ConnectResponseFrame{ChannelID: f.ChannelID, Success: false, Error: "duplicate channel id"})
		return
	}
	ch.EnableFastOpen()

	go b.dialAndServe(s, ch, f)
}

func (b *Bridge) dialAndServe(s *session.Session, ch *Channel, f *protocol.ConnectFrame) {
	defer recovery.RecoverWithLog(b.logger, "channel.Bridge.dialAndServe")

	ctx, cancel := context.WithTimeout(context.Background(), b.engine.cfg.ConnectTimeout)
	defer cancel()

	if f.Protocol == protocol.ProtoUDP {
		b.serveUDP(ctx, s, ch)
		return
	}

	endpoint, err := b.engine.DialTarget(ctx, f.Addr, f.Port)
	if err != nil {
		s.Send(&protocol.ConnectResponseFrame{ChannelID: f.ChannelID, Success: false, Error: wireDialReason(err)})
		b.registry.Drop(f.ChannelID)
		return
	}

	ch.MarkOpen(endpoint)
	if err := ch.FlushFastOpen(endpoint); err != nil {
		s.Send(&protocol.DisconnectFrame{ChannelID: f.ChannelID, Error: err.Error()})
		b.registry.Drop(f.ChannelID)
		return
	}

	if err := s.Send(&protocol.ConnectResponseFrame{ChannelID: f.ChannelID, Success: true}); err != nil {
		b.registry.Drop(f.ChannelID)
		return
	}

	go b.engine.RunLocalToRemote(ch, s)
	b.engine.RunRemoteToLocal(ch, s)
}

func (b *Bridge) serveUDP(_ context.Context, s *session.Session, ch *Channel) {
	relay, err := NewUDPRelay(b.logger)
	if err != nil {
		s.Send(&protocol.ConnectResponseFrame{ChannelID: ch.ID, Success: false, Error: err.Error()})
		b.registry.Drop(ch.ID)
		return
	}

	ch.MarkOpen(relay)
	// UDP has no fast-open buffer: there's no meaningful payload to flush
	// before the relay socket exists, since the socket itself is the dial.
	ch.FlushFastOpen(discardWriter{})

	if err := s.Send(&protocol.ConnectResponseFrame{ChannelID: ch.ID, Success: true}); err != nil {
		relay.Close()
		b.registry.Drop(ch.ID)
		return
	}

	go relay.RunWriteLoop(ch, b.logger)
	relay.RunReadLoop(ch, s)
}

// wireDialReason prefixes a dial failure's classification onto its message
// so the opener side, which only sees the wire ConnectResponse's Error
// string, can map it back to a SOCKS5 reply code without re-parsing raw
// net.Error text.
func wireDialReason(err error) string {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind.String() + ": " + re.Err.Error()
	}
	return err.Error()
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// OnConnectResponse is the opener side: resolve a pending WaitConnect, or
// if no one is waiting (fast-open already pumping, or the caller abandoned
// the wait), treat a late failure as an implicit Disconnect.
func (b *Bridge) OnConnectResponse(_ *session.Session, f *protocol.ConnectResponseFrame) {
	b.pendingMu.Lock()
	waiter, ok := b.pending[f.ChannelID]
	b.pendingMu.Unlock()

	if ok {
		select {
		case waiter <- f:
		default:
		}
		return
	}
	if !f.Success {
		b.registry.Drop(f.ChannelID)
	}
}

// OnDisconnect drops the named channel on either side. Idempotent.
func (b *Bridge) OnDisconnect(_ *session.Session, f *protocol.DisconnectFrame) {
	b.registry.Drop(f.ChannelID)
}

// OnData delivers a decoded Data frame to its channel's inbox. Inbox
// overflow is converted into a Disconnect and the channel is torn down, per
// the channel package's backpressure contract.
func (b *Bridge) OnData(s *session.Session, f *protocol.DataFrame) {
	ch, err := b.registry.Lookup(f.ChannelID)
	if err != nil {
		return
	}
	if err := ch.PushInbox(f); err != nil {
		s.Send(&protocol.DisconnectFrame{ChannelID: f.ChannelID, Error: "inbox overflow"})
		b.registry.Drop(f.ChannelID)
	}
}
