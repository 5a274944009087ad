// Package metrics exposes the Prometheus collectors for the relay's own
// domain: multiplexed channels, relayed bytes, dispatcher picks, SOCKS5
// auth outcomes, and the peer sessions each token kind carries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshsocks"

var (
	// ChannelsActive is the number of multiplexed channels currently open
	// across every peer session on this process.
	ChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channels_active",
		Help:      "Number of multiplexed channels currently open",
	})

	// ChannelsOpenedTotal counts every channel that reached the Open state,
	// by side (opener/responder).
	ChannelsOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channels_opened_total",
		Help:      "Total channels that reached the open state, by side",
	}, []string{"side"})

	// ChannelsClosedTotal counts every channel torn down, by reason.
	// Channel.Close records every teardown under the single reason "closed".
	ChannelsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channels_closed_total",
		Help:      "Total channels torn down, by reason",
	}, []string{"reason"})

	// BytesRelayed counts payload bytes moved through the relay engine, by
	// direction (local_to_remote/remote_to_local).
	BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_relayed_total",
		Help:      "Total payload bytes relayed, by direction",
	}, []string{"direction"})

	// DispatcherPicksTotal counts round-robin provider picks, by outcome
	// (ok/exhausted).
	DispatcherPicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatcher_picks_total",
		Help:      "Total dispatcher picks, by outcome",
	}, []string{"outcome"})

	// DispatcherProvidersActive is the current provider count for a
	// reverse token's dispatcher, labeled by the token's short id.
	DispatcherProvidersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatcher_providers_active",
		Help:      "Number of providers registered with a reverse token's dispatcher",
	}, []string{"token"})

	// SOCKS5AuthTotal counts SOCKS5 authentication attempts, by outcome
	// (success/failure).
	SOCKS5AuthTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socks5_auth_total",
		Help:      "Total SOCKS5 authentication attempts, by outcome",
	}, []string{"outcome"})

	// SessionsActive is the number of live peer sessions, by token kind
	// (forward/reverse/connector).
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live peer sessions, by token kind",
	}, []string{"kind"})

	// ReverseListenersActive is the number of bound reverse-mode SOCKS5
	// listener ports currently held open.
	ReverseListenersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reverse_listeners_active",
		Help:      "Number of bound reverse-mode SOCKS5 listener ports",
	})
)

// RecordChannelOpened increments the active gauge and the opened-by-side
// counter. Call once a channel reaches StateOpen.
func RecordChannelOpened(side string) {
	ChannelsActive.Inc()
	ChannelsOpenedTotal.WithLabelValues(side).Inc()
}

// RecordChannelClosed decrements the active gauge and counts the close
// reason. Call once per channel teardown; callers must not double-count a
// channel that was never opened.
func RecordChannelClosed(reason string) {
	ChannelsActive.Dec()
	ChannelsClosedTotal.WithLabelValues(reason).Inc()
}

// RecordBytesRelayed adds n bytes to the named direction's counter.
func RecordBytesRelayed(direction string, n int) {
	if n <= 0 {
		return
	}
	BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// RecordDispatcherPick counts one Pick() outcome, "ok" or "exhausted".
func RecordDispatcherPick(outcome string) {
	DispatcherPicksTotal.WithLabelValues(outcome).Inc()
}

// SetDispatcherProviders sets the current provider count for tokenShort,
// the reverse token's shortened id.
func SetDispatcherProviders(tokenShort string, n int) {
	DispatcherProvidersActive.WithLabelValues(tokenShort).Set(float64(n))
}

// RecordSOCKS5Auth counts one authentication attempt, "success" or
// "failure".
func RecordSOCKS5Auth(outcome string) {
	SOCKS5AuthTotal.WithLabelValues(outcome).Inc()
}

// SetSessionsActive sets the live session count for the given token kind.
func SetSessionsActive(kind string, n int) {
	SessionsActive.WithLabelValues(kind).Set(float64(n))
}

// IncReverseListeners/DecReverseListeners track bound reverse-mode
// listener ports as they open and close.
func IncReverseListeners() { ReverseListenersActive.Inc() }
func DecReverseListeners() { ReverseListenersActive.Dec() }
