package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/relaywire/meshsocks/internal/transport"
)

// ReconnectConfig controls the initiator-only reconnect supervisor.
// Non-retriable failures (ErrAuthRejected, ErrProtocol) stop the
// supervisor rather than rescheduling, per spec.md §4.4/§7.
type ReconnectConfig struct {
	// Delay is the base retry wait (spec.md default 5s).
	Delay time.Duration
	// MaxDelay caps exponential backoff growth.
	MaxDelay time.Duration
	// Multiplier grows the delay after each failed attempt.
	Multiplier float64
	// Jitter is a fraction (0..1) of randomness applied to each wait.
	Jitter float64
}

// DefaultReconnectConfig matches spec.md's stated 5s reconnect_delay,
// enriched with exponential backoff so a persistently unreachable peer
// doesn't redial every 5s forever.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Delay:      5 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// DialFunc establishes one session attempt.
type DialFunc func(ctx context.Context) (*Session, error)

// Supervisor redials a DialFunc on non-fatal disconnect, applying
// exponential backoff with jitter. Existing channels are never carried
// across a reconnect: the caller's DialFunc returns a fresh *Session and
// the caller is responsible for treating any channels on the old session
// as failed.
type Supervisor struct {
	cfg    ReconnectConfig
	dial   DialFunc
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	current *Session
}

// NewSupervisor creates a reconnect supervisor around dial.
func NewSupervisor(cfg ReconnectConfig, dial DialFunc, logger *slog.Logger) *Supervisor {
	if cfg.Delay <= 0 {
		cfg = DefaultReconnectConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, dial: dial, logger: logger}
}

// Run dials once, then keeps reconnecting on non-fatal disconnect until ctx
// is canceled, Stop is called, or a dial attempt fails with a fatal error
// (auth rejection, protocol error). A session that ends after a successful
// handshake is always followed by a redial after the base delay; what ended
// that session is not inspected. It blocks until the supervisor stops.
func (sup *Supervisor) Run(ctx context.Context) error {
	delay := sup.cfg.Delay
	for {
		sup.mu.Lock()
		halted := sup.stopped
		sup.mu.Unlock()
		if halted {
			return nil
		}

		s, err := sup.dial(ctx)
		if err != nil {
			if FatalErr(err) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sup.jittered(delay)):
			}
			delay = sup.nextDelay(delay)
			continue
		}

		delay = sup.cfg.Delay // reset backoff after a successful connect
		sup.mu.Lock()
		sup.current = s
		sup.mu.Unlock()

		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-s.Done():
		}

		sup.mu.Lock()
		stopped := sup.stopped
		sup.mu.Unlock()
		if stopped {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sup.jittered(delay)):
		}
	}
}

// Stop halts the supervisor after its current wait or session ends.
func (sup *Supervisor) Stop() {
	sup.mu.Lock()
	sup.stopped = true
	cur := sup.current
	sup.mu.Unlock()
	if cur != nil {
		cur.Close()
	}
}

// Current returns the presently active session, or nil between attempts.
func (sup *Supervisor) Current() *Session {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return sup.current
}

func (sup *Supervisor) nextDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * sup.cfg.Multiplier)
	if next > sup.cfg.MaxDelay {
		next = sup.cfg.MaxDelay
	}
	return next
}

// jittered applies up to cfg.Jitter fraction of symmetric randomness to d,
// using crypto/rand rather than a time-seeded PRNG.
func (sup *Supervisor) jittered(d time.Duration) time.Duration {
	if sup.cfg.Jitter <= 0 {
		return d
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return d
	}
	r := float64(binary.BigEndian.Uint64(b[:])) / float64(math.MaxUint64) // [0,1)
	spread := (r - 0.5) * 2 * sup.cfg.Jitter                              // [-Jitter, +Jitter)
	result := time.Duration(float64(d) * (1 + spread))
	if result < 0 {
		return d
	}
	return result
}

// ClientDial adapts transport.Dial + Dial into a DialFunc for the common
// case of redialing the same address and token.
func ClientDial(addr string, dialOpts transport.DialOptions, tokenPlain string, reverse bool, cfg Config) DialFunc {
	return func(ctx context.Context) (*Session, error) {
		return Dial(ctx, addr, dialOpts, tokenPlain, reverse, cfg)
	}
}
