package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/relaywire/meshsocks/internal/ids"
)

// Message is any of the six wire frame kinds. Every frame starts with
// Version(1) | Type(1) on the wire; Encode/Decode handle that header.
type Message interface {
	FrameType() Type
}

// AuthFrame is sent client->server as the first frame on a link.
type AuthFrame struct {
	Token    []byte
	Reverse  bool
	Instance [16]byte
}

func (*AuthFrame) FrameType() Type { return TypeAuth }

// AuthResponseFrame answers an AuthFrame.
type AuthResponseFrame struct {
	Success bool
	Error   string
}

func (*AuthResponseFrame) FrameType() Type { return TypeAuthResponse }

// ConnectFrame requests a new channel be opened.
type ConnectFrame struct {
	Protocol  Protocol
	ChannelID ids.ID
	Addr      string // present iff Protocol == ProtoTCP
	Port      uint16 // present iff Protocol == ProtoTCP
}

func (*ConnectFrame) FrameType() Type { return TypeConnect }

// ConnectResponseFrame answers a ConnectFrame.
type ConnectResponseFrame struct {
	Success   bool
	ChannelID ids.ID
	Error     string // present iff !Success
}

func (*ConnectResponseFrame) FrameType() Type { return TypeConnectResponse }

// DisconnectFrame tears down a channel. A closing channel always emits
// exactly one of these.
type DisconnectFrame struct {
	ChannelID ids.ID
	Error     string
}

func (*DisconnectFrame) FrameType() Type { return TypeDisconnect }

// DataFrame carries payload bytes for an open channel.
type DataFrame struct {
	Protocol    Protocol
	ChannelID   ids.ID
	Compression Compression
	Data        []byte

	// Addr/Port are present iff Protocol == ProtoUDP. They carry the UDP
	// destination (initiator->server) or origin (server->initiator).
	// AddrLen == 0 means "reuse the UDP association's current peer".
	Addr string
	Port uint16
}

func (*DataFrame) FrameType() Type { return TypeData }

// Encode serializes a Message to a complete on-wire frame, including the
// Version/Type header. Each frame is meant to be sent as exactly one
// WebSocket binary message.
func Encode(m Message) ([]byte, error) {
	switch f := m.(type) {
	case *AuthFrame:
		return encodeAuth(f)
	case *AuthResponseFrame:
		return encodeAuthResponse(f)
	case *ConnectFrame:
		return encodeConnect(f)
	case *ConnectResponseFrame:
		return encodeConnectResponse(f)
	case *DisconnectFrame:
		return encodeDisconnect(f)
	case *DataFrame:
		return encodeData(f)
	default:
		return nil, fmt.Errorf("protocol: unencodable message type %T", m)
	}
}

// Decode parses a complete on-wire frame (one WebSocket binary message)
// into a typed Message. limits bounds how large a Data frame's payload may
// declare itself to be before decoding refuses to allocate.
func Decode(buf []byte, limits Limits) (Message, error) {
	if len(buf) < 2 {
		return nil, ErrShortBuffer
	}
	if buf[0] != Version {
		return nil, ErrUnsupportedVersion
	}
	typ := Type(buf[1])
	body := buf[2:]

	switch typ {
	case TypeAuth:
		return decodeAuth(body)
	case TypeAuthResponse:
		return decodeAuthResponse(body)
	case TypeConnect:
		return decodeConnect(body)
	case TypeConnectResponse:
		return decodeConnectResponse(body)
	case TypeDisconnect:
		return decodeDisconnect(body)
	case TypeData:
		return decodeData(body, limits)
	default:
		return nil, ErrUnknownType
	}
}

func header(typ Type) []byte {
	return []byte{Version, byte(typ)}
}

// --- length-prefixed string helpers -----------------------------------

func putString(buf []byte, s string) ([]byte, error) {
	if len(s) > 255 {
		return nil, ErrFieldTooLong
	}
	buf = append(buf, byte(len(s)))
	buf = append(buf, s...)
	return buf, nil
}

func takeString(body []byte) (string, []byte, error) {
	if len(body) < 1 {
		return "", nil, ErrShortBuffer
	}
	n := int(body[0])
	body = body[1:]
	if len(body) < n {
		return "", nil, ErrShortBuffer
	}
	return string(body[:n]), body[n:], nil
}

func putBytes(buf []byte, b []byte) ([]byte, error) {
	if len(b) > 255 {
		return nil, ErrFieldTooLong
	}
	buf = append(buf, byte(len(b)))
	buf = append(buf, b...)
	return buf, nil
}

func takeBytes(body []byte) ([]byte, []byte, error) {
	if len(body) < 1 {
		return nil, nil, ErrShortBuffer
	}
	n := int(body[0])
	body = body[1:]
	if len(body) < n {
		return nil, nil, ErrShortBuffer
	}
	out := make([]byte, n)
	copy(out, body[:n])
	return out, body[n:], nil
}

func takeChannelID(body []byte) (ids.ID, []byte, error) {
	if len(body) < ids.Size {
		return ids.Zero, nil, ErrShortBuffer
	}
	id, err := ids.FromBytes(body[:ids.Size])
	if err != nil {
		return ids.Zero, nil, err
	}
	return id, body[ids.Size:], nil
}

// --- Auth ---------------------------------------------------------------
// TokenLen(1) | Token(TokenLen) | Reverse(1) | Instance(16)

func encodeAuth(f *AuthFrame) ([]byte, error) {
	buf := header(TypeAuth)
	var err error
	buf, err = putBytes(buf, f.Token)
	if err != nil {
		return nil, err
	}
	if f.Reverse {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, f.Instance[:]...)
	return buf, nil
}

func decodeAuth(body []byte) (*AuthFrame, error) {
	token, body, err := takeBytes(body)
	if err != nil {
		return nil, err
	}
	if len(body) < 1+16 {
		return nil, ErrShortBuffer
	}
	reverse := body[0] != 0
	body = body[1:]
	var instance [16]byte
	copy(instance[:], body[:16])
	return &AuthFrame{Token: token, Reverse: reverse, Instance: instance}, nil
}

// --- AuthResponse ---------------------------------------------------------
// Success(1) [ ErrorLen(1) | Error(ErrorLen) ]

func encodeAuthResponse(f *AuthResponseFrame) ([]byte, error) {
	buf := header(TypeAuthResponse)
	if f.Success {
		buf = append(buf, 1)
		return buf, nil
	}
	buf = append(buf, 0)
	var err error
	buf, err = putString(buf, f.Error)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeAuthResponse(body []byte) (*AuthResponseFrame, error) {
	if len(body) < 1 {
		return nil, ErrShortBuffer
	}
	success := body[0] != 0
	if success {
		return &AuthResponseFrame{Success: true}, nil
	}
	errMsg, _, err := takeString(body[1:])
	if err != nil {
		return nil, err
	}
	return &AuthResponseFrame{Success: false, Error: errMsg}, nil
}

// --- Connect --------------------------------------------------------------
// Protocol(1) | ChannelID(16) [ AddrLen(1) | Addr(AddrLen) | Port(2BE) ]

func encodeConnect(f *ConnectFrame) ([]byte, error) {
	buf := header(TypeConnect)
	buf = append(buf, byte(f.Protocol))
	buf = append(buf, f.ChannelID.Bytes()...)
	if f.Protocol == ProtoTCP {
		var err error
		buf, err = putString(buf, f.Addr)
		if err != nil {
			return nil, err
		}
		port := make([]byte, 2)
		binary.BigEndian.PutUint16(port, f.Port)
		buf = append(buf, port...)
	}
	return buf, nil
}

func decodeConnect(body []byte) (*ConnectFrame, error) {
	if len(body) < 1 {
		return nil, ErrShortBuffer
	}
	proto := Protocol(body[0])
	body = body[1:]
	chanID, body, err := takeChannelID(body)
	if err != nil {
		return nil, err
	}
	f := &ConnectFrame{Protocol: proto, ChannelID: chanID}
	if proto == ProtoTCP {
		addr, body, err := takeString(body)
		if err != nil {
			return nil, err
		}
		if len(body) < 2 {
			return nil, ErrShortBuffer
		}
		f.Addr = addr
		f.Port = binary.BigEndian.Uint16(body[:2])
	}
	return f, nil
}

// --- ConnectResponse --------------------------------------------------------
// Success(1) | ChannelID(16) [ ErrorLen(1) | Error(ErrorLen) ]

func encodeConnectResponse(f *ConnectResponseFrame) ([]byte, error) {
	buf := header(TypeConnectResponse)
	if f.Success {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, f.ChannelID.Bytes()...)
	if !f.Success {
		var err error
		buf, err = putString(buf, f.Error)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func decodeConnectResponse(body []byte) (*ConnectResponseFrame, error) {
	if len(body) < 1 {
		return nil, ErrShortBuffer
	}
	success := body[0] != 0
	body = body[1:]
	chanID, body, err := takeChannelID(body)
	if err != nil {
		return nil, err
	}
	f := &ConnectResponseFrame{Success: success, ChannelID: chanID}
	if !success {
		errMsg, _, err := takeString(body)
		if err != nil {
			return nil, err
		}
		f.Error = errMsg
	}
	return f, nil
}

// --- Disconnect --------------------------------------------------------
// ChannelID(16) [ ErrorLen(1) | Error(ErrorLen) ]

func encodeDisconnect(f *DisconnectFrame) ([]byte, error) {
	buf := header(TypeDisconnect)
	buf = append(buf, f.ChannelID.Bytes()...)
	var err error
	buf, err = putString(buf, f.Error)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeDisconnect(body []byte) (*DisconnectFrame, error) {
	chanID, body, err := takeChannelID(body)
	if err != nil {
		return nil, err
	}
	errMsg, _, err := takeString(body)
	if err != nil {
		return nil, err
	}
	return &DisconnectFrame{ChannelID: chanID, Error: errMsg}, nil
}

// --- Data --------------------------------------------------------------
// Protocol(1) | ChannelID(16) | Compression(1) | DataLen(4BE) | Data(DataLen)
// [ AddrLen(1) | Addr(AddrLen) | Port(2BE) ]  -- trailing addr iff Protocol==udp

func encodeData(f *DataFrame) ([]byte, error) {
	buf := header(TypeData)
	buf = append(buf, byte(f.Protocol))
	buf = append(buf, f.ChannelID.Bytes()...)
	buf = append(buf, byte(f.Compression))

	lenField := make([]byte, 4)
	binary.BigEndian.PutUint32(lenField, uint32(len(f.Data)))
	buf = append(buf, lenField...)
	buf = append(buf, f.Data...)

	if f.Protocol == ProtoUDP {
		var err error
		buf, err = putString(buf, f.Addr)
		if err != nil {
			return nil, err
		}
		if f.Addr != "" {
			port := make([]byte, 2)
			binary.BigEndian.PutUint16(port, f.Port)
			buf = append(buf, port...)
		}
	}
	return buf, nil
}

func decodeData(body []byte, limits Limits) (*DataFrame, error) {
	if len(body) < 1 {
		return nil, ErrShortBuffer
	}
	proto := Protocol(body[0])
	body = body[1:]

	chanID, body, err := takeChannelID(body)
	if err != nil {
		return nil, err
	}

	if len(body) < 1+4 {
		return nil, ErrShortBuffer
	}
	compression := Compression(body[0])
	body = body[1:]
	dataLen := binary.BigEndian.Uint32(body[:4])
	body = body[4:]

	if dataLen > limits.MaxDataLen() {
		return nil, ErrFrameTooLarge
	}
	if uint64(len(body)) < uint64(dataLen) {
		return nil, ErrShortBuffer
	}
	data := make([]byte, dataLen)
	copy(data, body[:dataLen])
	body = body[dataLen:]

	f := &DataFrame{Protocol: proto, ChannelID: chanID, Compression: compression, Data: data}

	if proto == ProtoUDP {
		addr, rest, err := takeString(body)
		if err != nil {
			return nil, err
		}
		f.Addr = addr
		if addr != "" {
			if len(rest) < 2 {
				return nil, ErrShortBuffer
			}
			f.Port = binary.BigEndian.Uint16(rest[:2])
		}
	}

	return f, nil
}
