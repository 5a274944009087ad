package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/relaywire/meshsocks/internal/channel"
	"github.com/relaywire/meshsocks/internal/protocol"
	"github.com/relaywire/meshsocks/internal/recovery"
)

// ErrFragmentedDatagram is returned when a fragmented UDP datagram is
// received. Fragmentation is not supported.
var ErrFragmentedDatagram = errors.New("fragmented datagrams not supported")

// ErrUDPDisabled reports that UDP relay is disabled. Handler does not return
// it: every UDP ASSOCIATE is attempted through the handler's Opener.
var ErrUDPDisabled = errors.New("UDP relay is disabled")

// UDPAssociation is the opener-side half of a SOCKS5 UDP ASSOCIATE: a
// local relay socket that speaks raw SOCKS5-wrapped datagrams to the
// client, paired with the UDP channel that carries unwrapped payloads to
// and from the remote peer.
type UDPAssociation struct {
	conn *net.UDPConn

	mu             sync.RWMutex
	expectedClient *net.UDPAddr
	actualClient   *net.UDPAddr
	lastOriginAddr string
	lastOriginPort uint16

	closed atomic.Bool
	done   chan struct{}
}

// NewUDPAssociation binds a fresh ephemeral UDP relay socket.
func NewUDPAssociation() (*UDPAssociation, error) {
	// udp4 rather than udp: a dual-stack socket reports [::] as its local
	// address, which some SOCKS5 clients reject in the ASSOCIATE reply.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("create UDP relay socket: %w", err)
	}
	return &UDPAssociation{conn: conn, done: make(chan struct{})}, nil
}

// LocalAddr returns the relay socket's bound address, reported to the
// SOCKS5 client in the ASSOCIATE reply.
func (a *UDPAssociation) LocalAddr() *net.UDPAddr {
	return a.conn.LocalAddr().(*net.UDPAddr)
}

// SetExpectedClientAddr records the address the client declared it will
// send from, per RFC 1928 (unspecified means "accept the first sender").
func (a *UDPAssociation) SetExpectedClientAddr(addr *net.UDPAddr) {
	a.mu.Lock()
	a.expectedClient = addr
	a.mu.Unlock()
}

func (a *UDPAssociation) getExpected() *net.UDPAddr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.expectedClient
}

func (a *UDPAssociation) getActual() *net.UDPAddr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.actualClient
}

// setLastOrigin records the remote peer's address, reused whenever a
// later frame carries AddrLen=0 (reuse-current-peer, per the wire codec).
func (a *UDPAssociation) setLastOrigin(addr string, port uint16) {
	a.mu.Lock()
	a.lastOriginAddr, a.lastOriginPort = addr, port
	a.mu.Unlock()
}

func (a *UDPAssociation) getLastOrigin() (string, uint16) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastOriginAddr, a.lastOriginPort
}

// Read is unused; UDPAssociation is only wired through its own
// RunClientReadLoop/RunServerWriteLoop goroutines rather than the
// channel engine's generic TCP pump, but it must satisfy channel.Endpoint
// to be handed to Channel.MarkOpen.
func (a *UDPAssociation) Read(p []byte) (int, error) { return 0, io.EOF }

// Write is unused, for the same reason as Read.
func (a *UDPAssociation) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

// IsClosed reports whether Close has been called.
func (a *UDPAssociation) IsClosed() bool {
	return a.closed.Load()
}

// Close releases the relay socket. Safe to call more than once.
func (a *UDPAssociation) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	close(a.done)
	return a.conn.Close()
}

// RunClientReadLoop reads datagrams from the SOCKS5 client, strips the
// SOCKS5 UDP header, and forwards each payload as a Data(udp) frame
// carrying the declared destination. This is the local->remote half.
func (a *UDPAssociation) RunClientReadLoop(ch *channel.Channel, out channel.Outbound) {
	defer recovery.RecoverWithLog(nil, "socks5.UDPAssociation.RunClientReadLoop")

	buf := make([]byte, 65535)
	for {
		select {
		case <-ch.Done():
			return
		case <-a.done:
			return
		default:
		}

		n, clientAddr, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if a.IsClosed() {
				return
			}
			continue
		}

		a.mu.Lock()
		if a.actualClient == nil {
			a.actualClient = clientAddr
		}
		a.mu.Unlock()

		if expected := a.getExpected(); expected != nil && !expected.IP.IsUnspecified() && !clientAddr.IP.Equal(expected.IP) {
			continue // datagram from an address the client didn't declare
		}

		header, payload, err := ParseUDPHeader(buf[:n])
		if err != nil {
			continue
		}

		dest := header.Domain
		if dest == "" && header.Address != nil {
			dest = header.Address.String()
		}

		frame, err := protocol.EncodeData(protocol.ProtoUDP, ch.ID, payload, dest, header.Port)
		if err != nil {
			continue
		}
		out.Send(frame)
	}
}

// RunServerWriteLoop drains ch's inbox and relays each arriving Data(udp)
// frame back to the SOCKS5 client, reassembling a SOCKS5 UDP header that
// carries the frame's origin address. This is the remote->local half.
func (a *UDPAssociation) RunServerWriteLoop(ch *channel.Channel) {
	defer recovery.RecoverWithLog(nil, "socks5.UDPAssociation.RunServerWriteLoop")

	for {
		select {
		case <-ch.Done():
			return
		case frame, ok := <-ch.Inbox():
			if !ok {
				return
			}
			a.deliver(frame)
		}
	}
}

func (a *UDPAssociation) deliver(frame *protocol.DataFrame) {
	client := a.getActual()
	if client == nil {
		return // no client datagram observed yet to learn a return address from
	}
	payload, err := frame.Payload()
	if err != nil {
		return
	}

	addr, port := frame.Addr, frame.Port
	if addr == "" {
		addr, port = a.getLastOrigin()
		if addr == "" {
			return // AddrLen=0 with no cached peer yet: nothing to report as origin
		}
	} else {
		a.setLastOrigin(addr, port)
	}

	addrType, addrBytes := encodeUDPAddr(addr)
	header := BuildUDPHeader(addrType, addrBytes, port)
	packet := make([]byte, len(header)+len(payload))
	copy(packet, header)
	copy(packet[len(header):], payload)
	a.conn.WriteToUDP(packet, client)
}

func encodeUDPAddr(addr string) (byte, []byte) {
	if ip := net.ParseIP(addr); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return AddrTypeIPv4, v4
		}
		return AddrTypeIPv6, ip.To16()
	}
	// Practically unreachable on the server->initiator direction (the
	// origin address is always a concrete socket address), kept for
	// robustness against a relay that forwards a hostname verbatim.
	b := append([]byte{byte(len(addr))}, []byte(addr)...)
	return AddrTypeDomain, b
}

// UDPHeader is a parsed SOCKS5 UDP request header (RFC 1928 section 7).
type UDPHeader struct {
	Frag     byte
	AddrType byte
	Address  net.IP
	Domain   string
	Port     uint16
	RawAddr  []byte
}

// ParseUDPHeader parses a SOCKS5 UDP header from a datagram, returning the
// header and the trailing payload.
//
//	+----+------+------+----------+----------+----------+
//	|RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
//	+----+------+------+----------+----------+----------+
//	| 2  |  1   |  1   | Variable |    2     | Variable |
//	+----+------+------+----------+----------+----------+
func ParseUDPHeader(data []byte) (*UDPHeader, []byte, error) {
	if len(data) < 10 {
		return nil, nil, errors.New("datagram too short")
	}

	frag := data[2]
	if frag != 0 {
		return nil, nil, ErrFragmentedDatagram
	}

	header := &UDPHeader{Frag: frag, AddrType: data[3]}
	offset := 4

	switch header.AddrType {
	case AddrTypeIPv4:
		if len(data) < offset+4+2 {
			return nil, nil, errors.New("datagram too short for IPv4")
		}
		header.Address = net.IP(data[offset : offset+4])
		header.RawAddr = data[offset : offset+4]
		offset += 4

	case AddrTypeDomain:
		if len(data) < offset+1 {
			return nil, nil, errors.New("datagram too short for domain length")
		}
		domainLen := int(data[offset])
		offset++
		if len(data) < offset+domainLen+2 {
			return nil, nil, errors.New("datagram too short for domain")
		}
		header.Domain = string(data[offset : offset+domainLen])
		header.RawAddr = data[offset-1 : offset+domainLen]
		offset += domainLen

	case AddrTypeIPv6:
		if len(data) < offset+16+2 {
			return nil, nil, errors.New("datagram too short for IPv6")
		}
		header.Address = net.IP(data[offset : offset+16])
		header.RawAddr = data[offset : offset+16]
		offset += 16

	default:
		return nil, nil, fmt.Errorf("unsupported address type: %d", header.AddrType)
	}

	if len(data) < offset+2 {
		return nil, nil, errors.New("datagram too short for port")
	}
	header.Port = binary.BigEndian.Uint16(data[offset:])
	offset += 2

	return header, data[offset:], nil
}

// BuildUDPHeader assembles a SOCKS5 UDP header for addr/port with the
// given address type.
func BuildUDPHeader(addrType byte, addr []byte, port uint16) []byte {
	headerLen := 4 + len(addr) + 2
	header := make([]byte, headerLen)
	header[2] = 0 // FRAG
	header[3] = addrType
	copy(header[4:], addr)
	binary.BigEndian.PutUint16(header[4+len(addr):], port)
	return header
}
