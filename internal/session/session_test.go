package session

import (
	"context"
	"testing"
	"time"

	"github.com/relaywire/meshsocks/internal/protocol"
	"github.com/relaywire/meshsocks/internal/token"
	"github.com/relaywire/meshsocks/internal/transport"
)

type recordingHandler struct {
	connects  []*protocol.ConnectFrame
	responses []*protocol.ConnectResponseFrame
	disconns  []*protocol.DisconnectFrame
	data      []*protocol.DataFrame
	notify    chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 16)}
}

func (h *recordingHandler) OnConnect(s *Session, f *protocol.ConnectFrame) {
	h.connects = append(h.connects, f)
	h.notify <- struct{}{}
}
func (h *recordingHandler) OnConnectResponse(s *Session, f *protocol.ConnectResponseFrame) {
	h.responses = append(h.responses, f)
	h.notify <- struct{}{}
}
func (h *recordingHandler) OnDisconnect(s *Session, f *protocol.DisconnectFrame) {
	h.disconns = append(h.disconns, f)
	h.notify <- struct{}{}
}
func (h *recordingHandler) OnData(s *Session, f *protocol.DataFrame) {
	h.data = append(h.data, f)
	h.notify <- struct{}{}
}

func startListener(t *testing.T) (*transport.Listener, string) {
	t.Helper()
	ln, err := transport.Listen("127.0.0.1:0", transport.ListenOptions{PlainText: true})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return ln, "ws://" + ln.Addr().String() + "/link"
}

func TestHandshakeSucceedsWithValidToken(t *testing.T) {
	ln, addr := startListener(t)
	defer ln.Close()

	reg := token.NewRegistry()
	if _, _, err := reg.AddForward("t1"); err != nil {
		t.Fatalf("AddForward: %v", err)
	}

	serverHandler := newRecordingHandler()
	serverSessionCh := make(chan *Session, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		link, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		s, err := Accept(ctx, link, reg, Config{Handler: serverHandler})
		if err != nil {
			t.Errorf("Accept handshake: %v", err)
			return
		}
		serverSessionCh <- s
	}()

	clientHandler := newRecordingHandler()
	client, err := Dial(context.Background(), addr, transport.DialOptions{Timeout: 3 * time.Second}, "t1", false, Config{Handler: clientHandler})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	select {
	case server := <-serverSessionCh:
		defer server.Close()
		if server.TokenKind != token.KindForward {
			t.Fatalf("expected KindForward, got %v", server.TokenKind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never completed handshake")
	}
}

func TestHandshakeRejectsUnknownToken(t *testing.T) {
	ln, addr := startListener(t)
	defer ln.Close()

	reg := token.NewRegistry()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		link, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		Accept(ctx, link, reg, Config{})
	}()

	_, err := Dial(context.Background(), addr, transport.DialOptions{Timeout: 3 * time.Second}, "bad", false, Config{})
	if err == nil {
		t.Fatal("expected auth rejection")
	}
	if !FatalErr(err) {
		t.Fatalf("expected a fatal error, got %v", err)
	}
}

func TestDataFrameDeliveredToHandler(t *testing.T) {
	ln, addr := startListener(t)
	defer ln.Close()

	reg := token.NewRegistry()
	reg.AddForward("t1")

	serverHandler := newRecordingHandler()
	serverSessionCh := make(chan *Session, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		link, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		s, err := Accept(ctx, link, reg, Config{Handler: serverHandler})
		if err != nil {
			return
		}
		serverSessionCh <- s
	}()

	client, err := Dial(context.Background(), addr, transport.DialOptions{Timeout: 3 * time.Second}, "t1", false, Config{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server *Session
	select {
	case server = <-serverSessionCh:
		defer server.Close()
	case <-time.After(3 * time.Second):
		t.Fatal("server never completed handshake")
	}

	id, _ := newTestID()
	if err := client.Send(&protocol.DataFrame{Protocol: protocol.ProtoTCP, ChannelID: id, Data: []byte("hi")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-serverHandler.notify:
	case <-time.After(3 * time.Second):
		t.Fatal("server handler never notified")
	}
	if len(serverHandler.data) != 1 || string(serverHandler.data[0].Data) != "hi" {
		t.Fatalf("expected one data frame 'hi', got %+v", serverHandler.data)
	}
}

func newTestID() ([16]byte, error) {
	var id [16]byte
	id[0] = 7
	return id, nil
}
