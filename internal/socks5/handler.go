// Package socks5 implements a SOCKS5 proxy front-end over a mesh channel:
// RFC 1928 CONNECT/UDP ASSOCIATE and RFC 1929 username/password
// sub-negotiation, with the actual relay carried by internal/channel over
// one of the process's peer sessions.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/relaywire/meshsocks/internal/channel"
	"github.com/relaywire/meshsocks/internal/dispatch"
	"github.com/relaywire/meshsocks/internal/ids"
	"github.com/relaywire/meshsocks/internal/protocol"
)

// SOCKS5 protocol constants per RFC 1928.
const (
	SOCKS5Version = 0x05
)

// Command types.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// Reply codes.
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// DefaultConnectWait bounds how long Handle waits for a responder's
// ConnectResponse before replying to the SOCKS5 client with a failure.
const DefaultConnectWait = 15 * time.Second

// Request represents a parsed SOCKS5 request.
type Request struct {
	Version  byte
	Command  byte
	AddrType byte
	DestAddr string
	DestPort uint16
	DestIP   net.IP
	RawDest  []byte
}

// Opener resolves which channel bridge and outbound session should carry
// the next CONNECT or UDP ASSOCIATE, deferring the forward/reverse/agent
// routing decision to the caller.
type Opener interface {
	Resolve(ctx context.Context) (*channel.Bridge, channel.Outbound, error)
}

// FixedOpener always resolves to the same bridge, for forward mode's
// single dialed session.
type FixedOpener struct {
	Bridge *channel.Bridge
	Out    channel.Outbound
}

// Resolve implements Opener.
func (o *FixedOpener) Resolve(context.Context) (*channel.Bridge, channel.Outbound, error) {
	return o.Bridge, o.Out, nil
}

// DispatchOpener resolves a provider session via a round-robin dispatcher,
// then looks up that session's bridge, for reverse mode.
type DispatchOpener struct {
	Dispatcher *dispatch.Dispatcher
	Bridges    *channel.SessionBridges
}

// Resolve implements Opener.
func (o *DispatchOpener) Resolve(ctx context.Context) (*channel.Bridge, channel.Outbound, error) {
	s, err := o.Dispatcher.Pick(ctx)
	if err != nil {
		return nil, nil, err
	}
	b, ok := o.Bridges.Get(s)
	if !ok {
		return nil, nil, fmt.Errorf("socks5: no bridge registered for picked provider session")
	}
	return b, s, nil
}

// Handler processes SOCKS5 connections, dispatching CONNECT and UDP
// ASSOCIATE onto a channel carried by whatever session its Opener resolves.
type Handler struct {
	authenticators []Authenticator
	opener         Opener
	connectWait    time.Duration
	fastOpen       bool
}

// NewHandler creates a SOCKS5 handler that opens channels through opener.
func NewHandler(auths []Authenticator, opener Opener) *Handler {
	if len(auths) == 0 {
		auths = []Authenticator{&NoAuthAuthenticator{}}
	}
	return &Handler{
		authenticators: auths,
		opener:         opener,
		connectWait:    DefaultConnectWait,
	}
}

// WithFastOpen toggles the optimistic-reply path: the SOCKS5 success reply
// is returned, and data starts pumping, before the responder's
// ConnectResponse arrives, per spec scenario 5. A background WaitConnect
// still runs against Bridge.FastOpenDeadline to tear the channel down on a
// late dial failure.
func (h *Handler) WithFastOpen(enabled bool) *Handler {
	h.fastOpen = enabled
	return h
}

// Handle processes a single SOCKS5 connection end to end.
func (h *Handler) Handle(conn net.Conn) error {
	if _, err := h.authenticate(conn); err != nil {
		return fmt.Errorf("authentication: %w", err)
	}

	req, err := h.readRequest(conn)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	switch req.Command {
	case CmdConnect:
		return h.handleConnect(conn, req)
	case CmdUDPAssociate:
		return h.handleUDPAssociate(conn, req)
	default:
		h.sendReply(conn, ReplyCmdNotSupported, nil, 0)
		return fmt.Errorf("unsupported command: %d", req.Command)
	}
}

// handleConnect opens a TCP channel, relays the responder's reply code,
// and on success pumps bytes until either side closes.
func (h *Handler) handleConnect(conn net.Conn, req *Request) error {
	bridge, out, err := h.opener.Resolve(context.Background())
	if err != nil {
		reply := replyForResolveError(err)
		h.sendReply(conn, reply, nil, 0)
		return fmt.Errorf("resolve provider: %w", err)
	}

	id, err := ids.New()
	if err != nil {
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("allocate channel id: %w", err)
	}

	ch, err := bridge.Open(out, protocol.ProtoTCP, id, conn, req.DestAddr, req.DestPort)
	if err != nil {
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("open channel: %w", err)
	}

	if h.fastOpen {
		h.sendReply(conn, ReplySucceeded, nil, 0)
		conn.SetDeadline(time.Time{})

		fastCtx, fastCancel := context.WithTimeout(context.Background(), bridge.FastOpenDeadline())
		go bridge.WaitConnect(fastCtx, ch)

		bridge.Pump(ch, out)
		fastCancel()
		out.Send(&protocol.DisconnectFrame{ChannelID: id})
		bridge.Forget(id)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.connectWait)
	defer cancel()
	if err := bridge.WaitConnect(ctx, ch); err != nil {
		h.sendReply(conn, replyForConnectError(err), nil, 0)
		return fmt.Errorf("connect %s:%d: %w", req.DestAddr, req.DestPort, err)
	}

	h.sendReply(conn, ReplySucceeded, nil, 0)
	conn.SetDeadline(time.Time{})

	bridge.Pump(ch, out)
	out.Send(&protocol.DisconnectFrame{ChannelID: id})
	bridge.Forget(id)
	return nil
}

// handleUDPAssociate binds a local relay socket, opens a UDP channel, and
// relays datagrams for as long as the TCP control connection stays open,
// per RFC 1928 section 4's "association terminates when the TCP control
// connection terminates" rule.
func (h *Handler) handleUDPAssociate(conn net.Conn, req *Request) error {
	bridge, out, err := h.opener.Resolve(context.Background())
	if err != nil {
		h.sendReply(conn, replyForResolveError(err), nil, 0)
		return fmt.Errorf("resolve provider: %w", err)
	}

	assoc, err := NewUDPAssociation()
	if err != nil {
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("create UDP association: %w", err)
	}
	if req.DestIP != nil && !req.DestIP.IsUnspecified() {
		assoc.SetExpectedClientAddr(&net.UDPAddr{IP: req.DestIP, Port: int(req.DestPort)})
	}

	id, err := ids.New()
	if err != nil {
		assoc.Close()
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("allocate channel id: %w", err)
	}

	ch, err := bridge.Open(out, protocol.ProtoUDP, id, assoc, "", 0)
	if err != nil {
		assoc.Close()
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("open UDP channel: %w", err)
	}

	relayAddr := assoc.LocalAddr()
	replyIP := net.IPv4(127, 0, 0, 1)
	if tcpLocal, ok := conn.LocalAddr().(*net.TCPAddr); ok && !tcpLocal.IP.IsUnspecified() {
		replyIP = tcpLocal.IP
	}

	var fastCancel context.CancelFunc
	if h.fastOpen {
		h.sendReply(conn, ReplySucceeded, replyIP, uint16(relayAddr.Port))
		conn.SetDeadline(time.Time{})

		var fastCtx context.Context
		fastCtx, fastCancel = context.WithTimeout(context.Background(), bridge.FastOpenDeadline())
		go bridge.WaitConnect(fastCtx, ch)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), h.connectWait)
		defer cancel()
		if err := bridge.WaitConnect(ctx, ch); err != nil {
			assoc.Close()
			h.sendReply(conn, replyForConnectError(err), nil, 0)
			return fmt.Errorf("establish UDP relay: %w", err)
		}
		h.sendReply(conn, ReplySucceeded, replyIP, uint16(relayAddr.Port))
		conn.SetDeadline(time.Time{})
	}

	go assoc.RunClientReadLoop(ch, out)
	go assoc.RunServerWriteLoop(ch)

	// Block until the control connection closes, per RFC 1928 section 4.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	if fastCancel != nil {
		fastCancel()
	}
	assoc.Close()
	out.Send(&protocol.DisconnectFrame{ChannelID: id})
	bridge.Forget(id)
	return nil
}

// authenticate performs the RFC 1928 method negotiation and the chosen
// authenticator's sub-negotiation.
func (h *Handler) authenticate(conn net.Conn) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", err
	}
	if header[0] != SOCKS5Version {
		return "", fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	numMethods := int(header[1])
	methods := make([]byte, numMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}

	var selected Authenticator
	for _, auth := range h.authenticators {
		for _, m := range methods {
			if m == auth.GetMethod() {
				selected = auth
				break
			}
		}
		if selected != nil {
			break
		}
	}

	if selected == nil {
		conn.Write([]byte{SOCKS5Version, AuthMethodNoAcceptable})
		return "", errors.New("no acceptable authentication method")
	}

	if _, err := conn.Write([]byte{SOCKS5Version, selected.GetMethod()}); err != nil {
		return "", err
	}
	return selected.Authenticate(conn, conn)
}

// readRequest reads a SOCKS5 request per RFC 1928 section 4.
func (h *Handler) readRequest(conn net.Conn) (*Request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	if header[0] != SOCKS5Version {
		return nil, fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	req := &Request{Version: header[0], Command: header[1], AddrType: header[3]}

	switch req.AddrType {
	case AddrTypeIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return nil, err
		}
		req.DestIP = net.IP(addr)
		req.DestAddr = req.DestIP.String()
		req.RawDest = addr

	case AddrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, err
		}
		domainLen := int(lenBuf[0])
		if domainLen == 0 {
			h.sendReply(conn, ReplyServerFailure, nil, 0)
			return nil, fmt.Errorf("invalid zero-length domain name")
		}
		domain := make([]byte, domainLen)
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, err
		}
		req.DestAddr = string(domain)
		req.RawDest = append(lenBuf, domain...)

	case AddrTypeIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return nil, err
		}
		req.DestIP = net.IP(addr)
		req.DestAddr = req.DestIP.String()
		req.RawDest = addr

	default:
		h.sendReply(conn, ReplyAddrNotSupported, nil, 0)
		return nil, fmt.Errorf("unsupported address type: %d", req.AddrType)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, err
	}
	req.DestPort = binary.BigEndian.Uint16(portBuf)

	return req, nil
}

// sendReply sends a SOCKS5 reply per RFC 1928 section 6.
func (h *Handler) sendReply(conn net.Conn, reply byte, bindIP net.IP, bindPort uint16) error {
	var addrType byte
	var addrBytes []byte

	if ipv4 := bindIP.To4(); ipv4 != nil {
		addrType = AddrTypeIPv4
		addrBytes = ipv4
	} else if bindIP != nil {
		addrType = AddrTypeIPv6
		addrBytes = bindIP
	} else {
		addrType = AddrTypeIPv4
		addrBytes = make([]byte, 4)
	}

	buf := make([]byte, 4+len(addrBytes)+2)
	buf[0] = SOCKS5Version
	buf[1] = reply
	buf[2] = 0x00
	buf[3] = addrType
	copy(buf[4:], addrBytes)
	binary.BigEndian.PutUint16(buf[4+len(addrBytes):], bindPort)

	_, err := conn.Write(buf)
	return err
}

// replyForResolveError maps an Opener.Resolve failure to a reply code: no
// live provider reads to the client as a network-unreachable condition,
// distinct from a dial failure against a resolved, reachable peer.
func replyForResolveError(err error) byte {
	if errors.Is(err, dispatch.ErrNoProvider) {
		return ReplyNetworkUnreachable
	}
	return ReplyServerFailure
}

// replyForConnectError maps a Bridge.WaitConnect failure to a reply code,
// per spec's propagation table: refused maps to connection-refused, a
// timed-out target maps to host-unreachable, anything else falls back to
// a general server failure.
func replyForConnectError(err error) byte {
	if errors.Is(err, channel.ErrConnectTimeout) {
		return ReplyHostUnreachable
	}
	var rejected *channel.ConnectRejectedError
	if errors.As(err, &rejected) {
		return mapDialReasonToReply(rejected.Reason)
	}
	return ReplyServerFailure
}

func mapDialReasonToReply(reason string) byte {
	switch {
	case strings.HasPrefix(reason, "dial_failed:"):
		return ReplyConnectionRefused
	case strings.HasPrefix(reason, "target_timeout:"):
		return ReplyHostUnreachable
	case reason == "channel closed":
		return ReplyHostUnreachable
	default:
		return ReplyServerFailure
	}
}
