package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/relaywire/meshsocks/internal/metrics"
	"github.com/relaywire/meshsocks/internal/protocol"
	"github.com/relaywire/meshsocks/internal/recovery"
)

// ErrKind classifies a relay-engine failure so the SOCKS5 front-end and the
// peer session can react without parsing error strings.
type ErrKind int

const (
	KindUnknown ErrKind = iota
	KindDialFailed
	KindTargetTimeout
	KindBackpressure
	KindShuttingDown
)

func (k ErrKind) String() string {
	switch k {
	case KindDialFailed:
		return "dial_failed"
	case KindTargetTimeout:
		return "target_timeout"
	case KindBackpressure:
		return "backpressure"
	case KindShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// RelayError wraps an underlying error with its ErrKind.
type RelayError struct {
	Kind ErrKind
	Err  error
}

func (e *RelayError) Error() string { return e.Err.Error() }
func (e *RelayError) Unwrap() error { return e.Err }

func newRelayError(kind ErrKind, err error) *RelayError {
	return &RelayError{Kind: kind, Err: err}
}

// Outbound abstracts the peer session's outbound frame queue so the relay
// engine never needs to know about the transport.
type Outbound interface {
	Send(protocol.Message) error
}

// EngineConfig bounds dial timeouts, pump buffer sizes, and batching
// behavior for a relay engine shared by every channel on one peer session.
type EngineConfig struct {
	ConnectTimeout time.Duration
	ChannelTimeout time.Duration
	BufferSize     int
	BatchEnabled   bool
	BatchMinWait   time.Duration
	BatchMaxWait   time.Duration
	Limits         protocol.Limits
	Logger         *slog.Logger
}

// DefaultEngineConfig returns the spec's documented defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ConnectTimeout: 10 * time.Second,
		ChannelTimeout: 30 * time.Second,
		BufferSize:     32 * 1024,
		BatchEnabled:   true,
		BatchMinWait:   20 * time.Millisecond,
		BatchMaxWait:   500 * time.Millisecond,
		Limits:         protocol.DefaultLimits(),
	}
}

// Engine runs the relay state machine for every channel on one peer
// session: dialing targets on the responder side, and bidirectional
// pumping once a channel reaches Open.
type Engine struct {
	cfg    EngineConfig
	logger *slog.Logger
}

// NewEngine builds a relay engine from cfg, filling in defaults for any
// zero-valued fields.
func NewEngine(cfg EngineConfig) *Engine {
	d := DefaultEngineConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = d.ChannelTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.BatchMinWait <= 0 {
		cfg.BatchMinWait = d.BatchMinWait
	}
	if cfg.BatchMaxWait <= 0 {
		cfg.BatchMaxWait = d.BatchMaxWait
	}
	if cfg.Limits == (protocol.Limits{}) {
		cfg.Limits = d.Limits
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// DialTarget dials a TCP target on behalf of the responder side of a
// Connect. The timeout and error-kind mapping mirror how the teacher's
// exit handler classifies dial failures.
func (e *Engine) DialTarget(ctx context.Context, addr string, port uint16) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: e.cfg.ConnectTimeout}
	target := net.JoinHostPort(addr, strconv.Itoa(int(port)))

	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, newRelayError(classifyDialError(err), err)
	}
	return conn, nil
}

func classifyDialError(err error) ErrKind {
	var netErr *net.OpError
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTargetTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTargetTimeout
	}
	return KindDialFailed
}

// RunLocalToRemote reads from the channel's endpoint and forwards Data
// frames on the outbound queue until EOF, an endpoint error, or channel
// close. It applies the batching policy when enabled.
func (e *Engine) RunLocalToRemote(ch *Channel, out Outbound) {
	defer recovery.RecoverWithLog(e.logger, "channel.RunLocalToRemote")

	endpoint := ch.Endpoint()
	if endpoint == nil {
		return
	}

	batcher := newBatcher(e.cfg.BatchEnabled, e.cfg.BatchMinWait, e.cfg.BatchMaxWait)
	buf := make([]byte, e.cfg.BufferSize)

	for {
		select {
		case <-ch.Done():
			return
		default:
		}

		n, err := endpoint.Read(buf)
		if n > 0 {
			batcher.observe(n)
			frame, encErr := protocol.EncodeData(ch.Protocol, ch.ID, buf[:n], "", 0)
			if encErr == nil {
				out.Send(frame)
				metrics.RecordBytesRelayed("local_to_remote", n)
			}
		}
		if err != nil {
			if err != io.EOF {
				e.logger.Debug("local read error", "channel", ch.ID.Short(), "error", err)
			}
			out.Send(&protocol.DisconnectFrame{ChannelID: ch.ID, Error: localCloseReason(err)})
			return
		}

		batcher.wait()
	}
}

func localCloseReason(err error) string {
	if err == io.EOF {
		return ""
	}
	return err.Error()
}

// RunRemoteToLocal drains the channel's inbox and writes payloads to the
// local endpoint until the channel closes or a write fails.
func (e *Engine) RunRemoteToLocal(ch *Channel, out Outbound) {
	defer recovery.RecoverWithLog(e.logger, "channel.RunRemoteToLocal")

	for {
		select {
		case <-ch.Done():
			return
		case frame, ok := <-ch.Inbox():
			if !ok {
				return
			}
			endpoint := ch.Endpoint()
			if endpoint == nil {
				continue
			}
			payload, err := frame.Payload()
			if err != nil {
				continue
			}
			if len(payload) == 0 {
				continue
			}
			if _, err := endpoint.Write(payload); err != nil {
				out.Send(&protocol.DisconnectFrame{ChannelID: ch.ID, Error: err.Error()})
				return
			}
			metrics.RecordBytesRelayed("remote_to_local", len(payload))
		}
	}
}

// batcher implements the adaptive small-write coalescing policy: wait at
// least MinWait and at most MaxWait for more bytes, shortening the wait for
// sparse channels and lengthening it for high-throughput ones.
type batcher struct {
	enabled bool
	minWait time.Duration
	maxWait time.Duration
	current time.Duration
}

func newBatcher(enabled bool, minWait, maxWait time.Duration) *batcher {
	return &batcher{enabled: enabled, minWait: minWait, maxWait: maxWait, current: minWait}
}

// observe adjusts the wait window based on how much was just read: larger
// reads suggest a high-throughput channel, so lengthen the wait to coalesce
// more; small reads shorten it back towards minWait.
func (b *batcher) observe(n int) {
	if !b.enabled {
		return
	}
	switch {
	case n >= 16*1024:
		b.current = minDuration(b.current*2, b.maxWait)
	case n < 512:
		b.current = maxDuration(b.current/2, b.minWait)
	}
}

func (b *batcher) wait() {
	if !b.enabled || b.current <= 0 {
		return
	}
	time.Sleep(b.current)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// FastOpenDeadline returns the narrower sub-deadline used while fast-open
// is in flight (connect_timeout + 5s), per the umbrella/sub-deadline
// resolution in DESIGN.md.
func (e *Engine) FastOpenDeadline() time.Duration {
	return e.cfg.ConnectTimeout + 5*time.Second
}
