package serverapp

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/relaywire/meshsocks/internal/channel"
	"github.com/relaywire/meshsocks/internal/ids"
	"github.com/relaywire/meshsocks/internal/portpool"
	"github.com/relaywire/meshsocks/internal/protocol"
	"github.com/relaywire/meshsocks/internal/session"
	"github.com/relaywire/meshsocks/internal/token"
	"github.com/relaywire/meshsocks/internal/transport"
)

// echoListener runs a tiny TCP echo server for integration tests to dial
// through the relay, returning its address.
func echoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func newTestApp(t *testing.T, tokens *token.Registry) (*App, string) {
	t.Helper()

	pool, err := portpool.New(20000, 20100)
	if err != nil {
		t.Fatalf("portpool.New: %v", err)
	}

	app := NewApp(tokens, Config{
		SocksBindHost: "127.0.0.1",
		PortPool:      pool,
		EngineConfig:  channel.DefaultEngineConfig(),
	})

	ln, err := transport.Listen("127.0.0.1:0", transport.ListenOptions{PlainText: true})
	if err != nil {
		t.Fatalf("transport.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go app.Serve(ctx, ln)

	return app, "ws://" + ln.Addr().String() + "/link"
}

// TestForwardModeRelaysThroughServer dials a forward token session, opens a
// channel on the client's own bridge exactly as a local SOCKS5 CONNECT
// handler would, and checks the server dials the real echo target and
// relays bytes both ways.
func TestForwardModeRelaysThroughServer(t *testing.T) {
	tokens := token.NewRegistry()
	if _, _, err := tokens.AddForward("fwd"); err != nil {
		t.Fatalf("AddForward: %v", err)
	}

	_, addr := newTestApp(t, tokens)
	echoAddr := echoListener(t)
	host, portStr, err := net.SplitHostPort(echoAddr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	registry := channel.NewRegistry()
	engine := channel.NewEngine(channel.DefaultEngineConfig())
	bridge := channel.NewBridge(registry, engine, nil)

	client, err := session.Dial(context.Background(), addr, transport.DialOptions{Timeout: 3 * time.Second}, "fwd", false, session.Config{Handler: bridge})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close() })

	id, err := ids.New()
	if err != nil {
		t.Fatalf("ids.New: %v", err)
	}
	ch, err := bridge.Open(client, protocol.ProtoTCP, id, remote, host, uint16(port))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := bridge.WaitConnect(ctx, ch); err != nil {
		t.Fatalf("WaitConnect: %v", err)
	}

	go bridge.Pump(ch, client)

	if _, err := local.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	local.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(local, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("expected echo of 'hello', got %q", buf)
	}
}

// TestReverseModeRegistersListener covers the lazy reverse-listener
// lifecycle: a reverse token with no providers yet has no bound port; once
// a provider session authenticates, RegisterReverseToken's listener binds.
func TestReverseModeRegistersListener(t *testing.T) {
	tokens := token.NewRegistry()
	_, tok, err := tokens.AddReverse("rev", token.ReverseOptions{})
	if err != nil {
		t.Fatalf("AddReverse: %v", err)
	}

	app, addr := newTestApp(t, tokens)
	if err := app.RegisterReverseToken(tok, false); err != nil {
		t.Fatalf("RegisterReverseToken: %v", err)
	}

	rl, ok := app.listenerFor(tok.ID)
	if !ok {
		t.Fatal("expected a listener to be registered")
	}
	if rl.Port() != 0 {
		t.Fatalf("expected no bound port before any provider connects, got %d", rl.Port())
	}

	provider, err := session.Dial(context.Background(), addr, transport.DialOptions{Timeout: 3 * time.Second}, "rev", true, session.Config{})
	if err != nil {
		t.Fatalf("Dial provider: %v", err)
	}
	t.Cleanup(func() { provider.Close() })

	deadline := time.After(3 * time.Second)
	for rl.Port() == 0 {
		select {
		case <-deadline:
			t.Fatal("reverse listener never bound after provider connected")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if d, ok := app.dispatchers.Get(tok.ID); !ok || d.ProviderCount() != 1 {
		t.Fatalf("expected dispatcher to have 1 provider, got %v ok=%v", d, ok)
	}

	provider.Close()
	deadline = time.After(3 * time.Second)
	for rl.Port() != 0 {
		select {
		case <-deadline:
			t.Fatal("reverse listener never unbound after provider disconnected")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
