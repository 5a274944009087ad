package session

import (
	"context"
	"fmt"

	"github.com/relaywire/meshsocks/internal/protocol"
	"github.com/relaywire/meshsocks/internal/token"
)

// dialerHandshake sends Auth and waits for AuthResponse, per spec.md
// §4.1/§4.4: the dialer speaks first.
func (s *Session) dialerHandshake(ctx context.Context, tokenPlain string, reverse bool) error {
	auth := &protocol.AuthFrame{
		Token:    []byte(tokenPlain),
		Reverse:  reverse,
		Instance: s.ID,
	}
	buf, err := protocol.Encode(auth)
	if err != nil {
		return fmt.Errorf("session: encode auth: %w", err)
	}
	if err := s.link.WriteMessage(buf); err != nil {
		return fmt.Errorf("session: send auth: %w", err)
	}

	msg, err := s.readHandshakeFrame(ctx)
	if err != nil {
		return err
	}
	resp, ok := msg.(*protocol.AuthResponseFrame)
	if !ok {
		return fmt.Errorf("%w: expected AuthResponse, got %s", ErrProtocol, msg.FrameType())
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrAuthRejected, resp.Error)
	}
	return nil
}

// responderHandshake waits for Auth, looks the token up, and replies with
// AuthResponse. Returns the matched token on success.
func (s *Session) responderHandshake(ctx context.Context, registry *token.Registry) (*token.Token, error) {
	msg, err := s.readHandshakeFrame(ctx)
	if err != nil {
		return nil, err
	}
	auth, ok := msg.(*protocol.AuthFrame)
	if !ok {
		s.sendAuthResponse(false, "expected AUTH frame first")
		return nil, fmt.Errorf("%w: expected Auth, got %s", ErrProtocol, msg.FrameType())
	}

	tok, found := registry.Lookup(string(auth.Token))
	if !found {
		s.sendAuthResponse(false, "invalid token")
		return nil, fmt.Errorf("%w: invalid token", ErrAuthRejected)
	}
	if auth.Reverse && tok.Kind == token.KindForward {
		s.sendAuthResponse(false, "token does not permit reverse role")
		return nil, fmt.Errorf("%w: forward token claimed reverse role", ErrAuthRejected)
	}

	s.Instance = auth.Instance

	if err := s.sendAuthResponse(true, ""); err != nil {
		return nil, fmt.Errorf("session: send auth response: %w", err)
	}
	return tok, nil
}

func (s *Session) sendAuthResponse(success bool, errMsg string) error {
	buf, err := protocol.Encode(&protocol.AuthResponseFrame{Success: success, Error: errMsg})
	if err != nil {
		return err
	}
	return s.link.WriteMessage(buf)
}

// readHandshakeFrame reads and decodes exactly one frame within ctx's
// deadline. The handshake only ever reads one frame at a time so a plain
// blocking read is sufficient; ctx cancellation relies on the underlying
// link honoring read deadlines via its own context plumbing.
func (s *Session) readHandshakeFrame(ctx context.Context) (protocol.Message, error) {
	type result struct {
		msg protocol.Message
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		raw, err := s.link.ReadMessage()
		if err != nil {
			resCh <- result{err: fmt.Errorf("session: read handshake frame: %w", err)}
			return
		}
		msg, err := protocol.Decode(raw, s.cfg.Limits)
		if err != nil {
			resCh <- result{err: fmt.Errorf("%w: %v", ErrProtocol, err)}
			return
		}
		resCh <- result{msg: msg}
	}()

	select {
	case res := <-resCh:
		return res.msg, res.err
	case <-ctx.Done():
		s.link.Close()
		return nil, fmt.Errorf("session: handshake timed out: %w", ctx.Err())
	}
}
