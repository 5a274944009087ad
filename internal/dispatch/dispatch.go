// Package dispatch implements the reverse-mode round-robin peer picker and
// the agent-mode autonomy pairing that ties connector channels to a
// specific provider.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaywire/meshsocks/internal/ids"
	"github.com/relaywire/meshsocks/internal/metrics"
	"github.com/relaywire/meshsocks/internal/session"
)

// ErrNoProvider is returned when no live provider became available before
// the exhaustion timeout elapsed.
var ErrNoProvider = errors.New("dispatch: no provider available")

// ExhaustionTimeout is how long Pick will keep retrying before giving up,
// per spec.md §4.6.
const ExhaustionTimeout = 10 * time.Second

// probeBurst/probeInterval bound how often Pick is allowed to force a
// fresh liveness probe against the same peer, so a burst of SOCKS5 accepts
// can't turn into a ping storm against a slow provider.
const (
	probeInterval = 500 * time.Millisecond
	probeBurst    = 1
)

// Dispatcher round-robins SOCKS5 accepts across the provider peers
// authenticated under one reverse token.
type Dispatcher struct {
	reverseTokenID ids.ID

	mu        sync.Mutex
	providers []*session.Session
	next      int
	limiters  map[*session.Session]*rate.Limiter
	lastAlive map[*session.Session]bool
}

// New creates a dispatcher for the given reverse token.
func New(reverseTokenID ids.ID) *Dispatcher {
	return &Dispatcher{
		reverseTokenID: reverseTokenID,
		limiters:       make(map[*session.Session]*rate.Limiter),
		lastAlive:      make(map[*session.Session]bool),
	}
}

// AddProvider registers a provider session as eligible for round robin.
func (d *Dispatcher) AddProvider(s *session.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.providers {
		if existing == s {
			return
		}
	}
	d.providers = append(d.providers, s)
	d.limiters[s] = rate.NewLimiter(rate.Every(probeInterval), probeBurst)
	d.lastAlive[s] = true
	metrics.SetDispatcherProviders(d.reverseTokenID.Short(), len(d.providers))
}

// RemoveProvider drops a provider, e.g. on session teardown.
func (d *Dispatcher) RemoveProvider(s *session.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.providers {
		if existing == s {
			d.providers = append(d.providers[:i], d.providers[i+1:]...)
			if d.next >= len(d.providers) {
				d.next = 0
			}
			break
		}
	}
	delete(d.limiters, s)
	delete(d.lastAlive, s)
	metrics.SetDispatcherProviders(d.reverseTokenID.Short(), len(d.providers))
}

// ProviderCount returns the number of providers currently registered.
func (d *Dispatcher) ProviderCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.providers)
}

// Pick selects the next live provider in round-robin order. A candidate gets
// a fresh liveness probe only when its per-provider probe limiter allows
// one; otherwise its last probe result is reused. It keeps retrying across the
// registered providers until one answers or ExhaustionTimeout elapses, at
// which point the caller should reply to its SOCKS5 client with 0x03.
func (d *Dispatcher) Pick(ctx context.Context) (*session.Session, error) {
	deadline := time.Now().Add(ExhaustionTimeout)
	for {
		if s := d.tryOnePass(ctx); s != nil {
			metrics.RecordDispatcherPick("ok")
			return s, nil
		}
		if time.Now().After(deadline) {
			metrics.RecordDispatcherPick("exhausted")
			return nil, ErrNoProvider
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// tryOnePass walks the current provider list once, starting from the
// round-robin cursor, and returns the first one to answer a liveness probe.
func (d *Dispatcher) tryOnePass(ctx context.Context) *session.Session {
	d.mu.Lock()
	n := len(d.providers)
	if n == 0 {
		d.mu.Unlock()
		return nil
	}
	start := d.next
	candidates := make([]*session.Session, n)
	copy(candidates, d.providers)
	d.mu.Unlock()

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := candidates[idx]

		alive := d.cachedAlive(s)
		if d.allowProbe(s) {
			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := s.Probe(probeCtx)
			cancel()
			alive = err == nil
			d.mu.Lock()
			d.lastAlive[s] = alive
			d.mu.Unlock()
		}
		if !alive {
			continue
		}

		d.mu.Lock()
		d.next = (idx + 1) % max(n, 1)
		d.mu.Unlock()
		return s
	}
	return nil
}

// allowProbe reports whether a fresh liveness probe may be sent to s right
// now, rate-limited so a burst of picks can't turn into a ping storm.
func (d *Dispatcher) allowProbe(s *session.Session) bool {
	d.mu.Lock()
	limiter := d.limiters[s]
	d.mu.Unlock()
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// cachedAlive returns the last known liveness result for s, optimistic
// (true) if never probed.
func (d *Dispatcher) cachedAlive(s *session.Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	alive, ok := d.lastAlive[s]
	if !ok {
		return true
	}
	return alive
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
