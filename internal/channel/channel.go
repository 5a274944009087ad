// Package channel implements the per-link channel registry and the
// per-channel relay state machine that bridges a local TCP/UDP endpoint to
// a remote channel endpoint over a peer session.
package channel

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaywire/meshsocks/internal/ids"
	"github.com/relaywire/meshsocks/internal/metrics"
	"github.com/relaywire/meshsocks/internal/protocol"
)

// State is a channel's position in the Opening -> Open -> Closing -> Closed
// lifecycle.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// InboxCapacity is the bounded inbox size; overflow drops the newest frame.
const InboxCapacity = 1000

// DefaultIdleTimeout closes a channel that has seen no frame activity in
// this long.
const DefaultIdleTimeout = 12 * time.Hour

var (
	// ErrAlreadyExists is returned by Registry.Insert for a duplicate id.
	ErrAlreadyExists = errors.New("channel: id already registered")

	// ErrNotFound is returned by Registry.Lookup for an absent or closed id.
	ErrNotFound = errors.New("channel: unknown or closed id")

	// ErrBackpressure marks an inbox overflow; the relay engine may convert
	// this into a Disconnect.
	ErrBackpressure = errors.New("channel: inbox overflow")
)

// Side identifies whether this end of the channel is the one that emitted
// the Connect (opener) or the one dialing the target (responder). The
// relay engine is parametrized on this rather than having two subtypes.
type Side int

const (
	SideOpener Side = iota
	SideResponder
)

// Endpoint is the local half of a channel: a dialed/accepted TCP socket or
// a bound UDP socket plus its SOCKS5 client return address. net.Conn and
// *net.UDPConn both satisfy it.
type Endpoint interface {
	io.ReadWriteCloser
}

// Channel is one multiplexed logical connection within a peer session.
type Channel struct {
	ID       ids.ID
	Protocol protocol.Protocol
	Side     Side

	// DestAddr/DestPort are the dial target (responder side) or the SOCKS5
	// requested target (opener side), kept for logging.
	DestAddr string
	DestPort uint16

	state atomic.Int32

	mu       sync.Mutex
	endpoint Endpoint

	inbox chan *protocol.DataFrame

	createdAt    time.Time
	lastActivity atomic.Int64 // unix nano

	closeOnce sync.Once
	done      chan struct{}
	wasOpened atomic.Bool

	// fastOpenBuffer holds Data frames received before the responder's
	// dial completes; flushed to the endpoint on success.
	fastOpenMu     sync.Mutex
	fastOpenActive bool
	fastOpenBuf    [][]byte
}

// New creates a channel in the Opening state with an empty bounded inbox.
func New(id ids.ID, proto protocol.Protocol, side Side) *Channel {
	c := &Channel{
		ID:        id,
		Protocol:  proto,
		Side:      side,
		inbox:     make(chan *protocol.DataFrame, InboxCapacity),
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateOpening))
	c.touch()
	return c
}

func (c *Channel) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the channel's last observed frame.
func (c *Channel) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) setState(s State) {
	c.state.Store(int32(s))
}

// MarkOpen attaches endpoint and sets the state to Open. On the opener side
// Bridge.Open calls it as soon as the channel is registered, before the
// responder's ConnectResponse arrives; the responder calls it once its dial
// has succeeded.
func (c *Channel) MarkOpen(endpoint Endpoint) {
	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()
	c.setState(StateOpen)
	c.touch()
	c.wasOpened.Store(true)
	metrics.RecordChannelOpened(c.Side.String())
}

func (s Side) String() string {
	if s == SideResponder {
		return "responder"
	}
	return "opener"
}

// Endpoint returns the channel's local socket, or nil before MarkOpen.
func (c *Channel) Endpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// EnableFastOpen marks the responder side as buffering Data frames ahead
// of dial completion.
func (c *Channel) EnableFastOpen() {
	c.fastOpenMu.Lock()
	c.fastOpenActive = true
	c.fastOpenMu.Unlock()
}

// BufferFastOpen appends a payload to the fast-open buffer. Returns false
// if fast-open isn't active (caller should write directly instead).
func (c *Channel) BufferFastOpen(payload []byte) bool {
	c.fastOpenMu.Lock()
	defer c.fastOpenMu.Unlock()
	if !c.fastOpenActive {
		return false
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.fastOpenBuf = append(c.fastOpenBuf, cp)
	return true
}

// FlushFastOpen writes every buffered payload to w in order and disables
// further buffering. Called once the responder's dial has succeeded.
func (c *Channel) FlushFastOpen(w io.Writer) error {
	c.fastOpenMu.Lock()
	buf := c.fastOpenBuf
	c.fastOpenBuf = nil
	c.fastOpenActive = false
	c.fastOpenMu.Unlock()

	for _, b := range buf {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// PushInbox enqueues a decoded Data frame destined for this channel. On
// overflow it drops the newest frame and returns ErrBackpressure; the
// caller (peer session demux loop) may convert that into a Disconnect.
func (c *Channel) PushInbox(f *protocol.DataFrame) error {
	c.touch()
	select {
	case c.inbox <- f:
		return nil
	case <-c.done:
		return ErrNotFound
	default:
		return ErrBackpressure
	}
}

// Inbox exposes the receive side for the relay engine's remote->local pump.
func (c *Channel) Inbox() <-chan *protocol.DataFrame {
	return c.inbox
}

// Done is closed when the channel transitions to Closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close transitions the channel to Closed, releases its endpoint, and
// drains the inbox. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
		if c.wasOpened.Load() {
			metrics.RecordChannelClosed("closed")
		}
		c.mu.Lock()
		if c.endpoint != nil {
			err = c.endpoint.Close()
		}
		c.mu.Unlock()
		for {
			select {
			case <-c.inbox:
			default:
				return
			}
		}
	})
	return err
}

// Registry is a per-peer-session map from ChannelID to Channel. The peer
// session exclusively owns its registry.
type Registry struct {
	mu       sync.RWMutex
	channels map[ids.ID]*Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[ids.ID]*Channel)}
}

// Insert adds a new channel under its id. Fails if the id is already
// present, matching the "insert fails if id already present" contract.
func (r *Registry) Insert(c *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[c.ID]; exists {
		return ErrAlreadyExists
	}
	r.channels[c.ID] = c
	return nil
}

// Lookup returns a channel by id iff it is registered and not Closed.
func (r *Registry) Lookup(id ids.ID) (*Channel, error) {
	r.mu.RLock()
	c, ok := r.channels[id]
	r.mu.RUnlock()
	if !ok || c.State() == StateClosed {
		return nil, ErrNotFound
	}
	return c, nil
}

// Drop transitions a channel to Closed, drains it, and removes it from the
// registry. A drop of an already-absent or already-closed id is a no-op,
// matching the idempotent-Disconnect invariant.
func (r *Registry) Drop(id ids.ID) {
	r.mu.Lock()
	c, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// All returns a snapshot slice of every registered channel, used by the
// idle sweeper and by peer-session shutdown.
func (r *Registry) All() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered (not necessarily Open) channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// CloseAll closes every channel in the registry, used on peer-session
// teardown. New channels are NOT tunneled across reconnects, so this is
// unconditional.
func (r *Registry) CloseAll() {
	for _, c := range r.All() {
		r.Drop(c.ID)
	}
}
