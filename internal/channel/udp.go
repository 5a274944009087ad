package channel

import (
	"log/slog"
	"net"
	"strconv"

	"github.com/relaywire/meshsocks/internal/protocol"
	"github.com/relaywire/meshsocks/internal/recovery"
)

// UDPRelay is the responder-side half of a UDP channel: a single outbound
// socket that can send a datagram to any destination named by a Data(udp)
// frame's trailing address, and a read loop that tags replies with their
// origin address before forwarding them back as Data(udp) frames.
type UDPRelay struct {
	conn   *net.UDPConn
	logger *slog.Logger

	lastPeer *net.UDPAddr
}

// NewUDPRelay binds an ephemeral UDP socket for relaying datagrams to
// SOCKS5-supplied destinations.
func NewUDPRelay(logger *slog.Logger) (*UDPRelay, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPRelay{conn: conn, logger: logger}, nil
}

// Close releases the underlying socket.
func (r *UDPRelay) Close() error {
	return r.conn.Close()
}

// Send writes a Data(udp) frame's payload to the frame's trailing
// destination address, or to the last destination targeted on this relay
// if the frame carries AddrLen=0 (reuse-current-peer, per the wire codec).
func (r *UDPRelay) Send(frame *protocol.DataFrame) error {
	var addr *net.UDPAddr
	if frame.Addr == "" {
		if r.lastPeer == nil {
			return nil // nothing cached yet: nothing to target.
		}
		addr = r.lastPeer
	} else {
		resolved, err := net.ResolveUDPAddr("udp", net.JoinHostPort(frame.Addr, strconv.Itoa(int(frame.Port))))
		if err != nil {
			return err
		}
		addr = resolved
		r.lastPeer = resolved
	}

	payload, err := frame.Payload()
	if err != nil {
		return err
	}
	_, err = r.conn.WriteToUDP(payload, addr)
	return err
}

// RunWriteLoop drains the channel's inbox and writes each Data(udp)
// frame's payload out to the destination its trailing address names. This
// is the remote->local half of a responder-side UDP channel; RunReadLoop
// is the local->remote half.
func (r *UDPRelay) RunWriteLoop(ch *Channel, logger *slog.Logger) {
	defer recovery.RecoverWithLog(logger, "channel.UDPRelay.RunWriteLoop")

	for {
		select {
		case <-ch.Done():
			return
		case frame, ok := <-ch.Inbox():
			if !ok {
				return
			}
			r.Send(frame)
		}
	}
}

// RunReadLoop reads datagrams arriving on the relay socket and forwards
// each as a Data(udp) frame carrying its origin address, until the channel
// closes.
func (r *UDPRelay) RunReadLoop(ch *Channel, out Outbound) {
	defer recovery.RecoverWithLog(r.logger, "channel.UDPRelay.RunReadLoop")

	buf := make([]byte, 65535)
	for {
		select {
		case <-ch.Done():
			return
		default:
		}

		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ch.State() == StateClosed {
				return
			}
			continue
		}
		frame, err := protocol.EncodeData(protocol.ProtoUDP, ch.ID, buf[:n], from.IP.String(), uint16(from.Port))
		if err != nil {
			continue
		}
		out.Send(frame)
	}
}
