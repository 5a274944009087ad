// Package portpool allocates and reclaims listener ports for reverse-mode
// SOCKS5 servers. Allocations are process-scoped and non-persistent.
package portpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
)

// ErrRangeExhausted is returned when no free port remains in the pool.
var ErrRangeExhausted = errors.New("portpool: no free port available")

// ErrOutOfRange is returned when a preferred or released port falls
// outside the pool's configured range.
var ErrOutOfRange = errors.New("portpool: port outside configured range")

// Pool is a set of free integer ports drawn from [Low, High], with
// allocate/release operations. A port is held by exactly one owner at a
// time; the token registry enforces that the owner is a single reverse
// token.
type Pool struct {
	low, high int

	mu   sync.Mutex
	free map[int]struct{}
}

// New builds a pool covering the inclusive range [low, high].
func New(low, high int) (*Pool, error) {
	if low <= 0 || high < low {
		return nil, fmt.Errorf("portpool: invalid range [%d,%d]", low, high)
	}
	free := make(map[int]struct{}, high-low+1)
	for p := low; p <= high; p++ {
		free[p] = struct{}{}
	}
	return &Pool{low: low, high: high, free: free}, nil
}

// Allocate returns preferred if it is free and in-range, else any free
// port. Returns ErrRangeExhausted if none remain.
func (p *Pool) Allocate(preferred int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if preferred != 0 && preferred >= p.low && preferred <= p.high {
		if _, free := p.free[preferred]; free {
			delete(p.free, preferred)
			return preferred, nil
		}
	}

	for port := range p.free {
		delete(p.free, port)
		return port, nil
	}
	return 0, ErrRangeExhausted
}

// Release returns port to the free set. Releasing a port outside the
// pool's range or one that's already free is a no-op.
func (p *Pool) Release(port int) {
	if port < p.low || port > p.high {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[port] = struct{}{}
}

// Available reports how many ports remain free.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// listenConfig applies the platform socket option before bind, so a
// just-released reverse listener port can be reused without waiting out
// TIME_WAIT.
var listenConfig = net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		return setReuseAddr(network, address, c)
	},
}

// ProbeBind confirms a port is actually bindable on all interfaces before
// handing it to a reverse listener, catching the case where something
// outside the pool's bookkeeping (another process, a lingering socket)
// already holds it. On success the probing listener is closed immediately;
// the caller re-listens on the same port for real use.
func ProbeBind(ctx context.Context, port int) error {
	l, err := listenConfig.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("portpool: probe bind port %d: %w", port, err)
	}
	return l.Close()
}

// AllocateBindable is Allocate followed by a bind probe; on probe failure
// it holds the port aside and tries the next free one, up to the pool's
// size, so a stale external bind doesn't wedge allocation. Ports that failed
// the probe are released back to the pool before it returns.
func (p *Pool) AllocateBindable(ctx context.Context, preferred int) (int, error) {
	var failed []int
	defer func() {
		for _, port := range failed {
			p.Release(port)
		}
	}()
	for {
		port, err := p.Allocate(preferred)
		if err != nil {
			return 0, err
		}

		if err := ProbeBind(ctx, port); err != nil {
			failed = append(failed, port)
			preferred = 0
			continue
		}
		return port, nil
	}
}
