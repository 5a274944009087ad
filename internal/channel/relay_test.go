package channel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaywire/meshsocks/internal/protocol"
)

type recordingOutbound struct {
	frames []protocol.Message
}

func (o *recordingOutbound) Send(m protocol.Message) error {
	o.frames = append(o.frames, m)
	return nil
}

func TestDialTargetRefused(t *testing.T) {
	// Dialing a port nothing listens on should fail fast with DialFailed.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close() // nothing listening now

	e := NewEngine(EngineConfig{ConnectTimeout: 2 * time.Second})
	_, err = e.DialTarget(context.Background(), "127.0.0.1", uint16(addr.Port))
	if err == nil {
		t.Fatal("expected dial error")
	}
	relayErr, ok := err.(*RelayError)
	if !ok {
		t.Fatalf("expected *RelayError, got %T", err)
	}
	if relayErr.Kind != KindDialFailed {
		t.Fatalf("expected KindDialFailed, got %v", relayErr.Kind)
	}
}

func TestDialTargetSucceeds(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	e := NewEngine(EngineConfig{ConnectTimeout: 2 * time.Second})
	conn, err := e.DialTarget(context.Background(), "127.0.0.1", uint16(addr.Port))
	if err != nil {
		t.Fatalf("DialTarget: %v", err)
	}
	conn.Close()
}

func TestRunLocalToRemoteForwardsDataAndDisconnects(t *testing.T) {
	c := New(mustID(t), protocol.ProtoTCP, SideResponder)
	defer c.Close()

	client, server := net.Pipe()
	c.MarkOpen(server)

	e := NewEngine(EngineConfig{BatchEnabled: false})
	out := &recordingOutbound{}

	done := make(chan struct{})
	go func() {
		e.RunLocalToRemote(c, out)
		close(done)
	}()

	client.Write([]byte("hello"))
	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunLocalToRemote did not return after local EOF")
	}

	if len(out.frames) == 0 {
		t.Fatal("expected at least one frame forwarded")
	}
	var sawData, sawDisconnect bool
	for _, f := range out.frames {
		switch v := f.(type) {
		case *protocol.DataFrame:
			sawData = true
			payload, _ := v.Payload()
			if string(payload) != "hello" {
				t.Fatalf("expected payload 'hello', got %q", payload)
			}
		case *protocol.DisconnectFrame:
			sawDisconnect = true
		}
	}
	if !sawData || !sawDisconnect {
		t.Fatalf("expected both a Data and a Disconnect frame, got %+v", out.frames)
	}
}

func TestRunRemoteToLocalWritesInboxToEndpoint(t *testing.T) {
	c := New(mustID(t), protocol.ProtoTCP, SideOpener)
	defer c.Close()

	client, server := net.Pipe()
	c.MarkOpen(server)

	e := NewEngine(EngineConfig{})
	out := &recordingOutbound{}

	go e.RunRemoteToLocal(c, out)

	frame, err := protocol.EncodeData(protocol.ProtoTCP, c.ID, []byte("world"), "", 0)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	if err := c.PushInbox(frame); err != nil {
		t.Fatalf("PushInbox: %v", err)
	}

	buf := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("expected 'world', got %q", buf[:n])
	}
}
