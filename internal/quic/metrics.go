// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus collectors shared by every Conn created
// from a given Listener/dialer, spec.md §4.13 "shared resources" and
// SPEC_FULL.md §2 (grounded on m-lab-tcp-info/metrics and
// runZeroInc-sockstats/pkg/exporter, both of which register one set of
// collectors per socket-owning component and label individual samples).
type metrics struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	lossEvents      *prometheus.CounterVec
	rtt             prometheus.Histogram
	congestionWindow prometheus.Gauge
	streamsOpened   *prometheus.CounterVec
	connectionsActive prometheus.Gauge
}

// newMetrics registers a fresh set of collectors with reg. reg may be
// nil, in which case prometheus.DefaultRegisterer is used.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &metrics{
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quic",
			Name:      "packets_sent_total",
			Help:      "QUIC packets sent, by packet-number space.",
		}, []string{"space"}),
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quic",
			Name:      "packets_received_total",
			Help:      "QUIC packets successfully decrypted and processed, by packet-number space.",
		}, []string{"space"}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quic",
			Name:      "packets_dropped_total",
			Help:      "Datagrams or packets dropped without being processed, by reason.",
		}, []string{"reason"}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quic",
			Name:      "bytes_sent_total",
			Help:      "UDP payload bytes sent.",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quic",
			Name:      "bytes_received_total",
			Help:      "UDP payload bytes received.",
		}),
		lossEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quic",
			Name:      "loss_events_total",
			Help:      "Loss-detection events, by packet-number space.",
		}, []string{"space"}),
		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quic",
			Name:      "rtt_seconds",
			Help:      "Smoothed RTT samples.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		congestionWindow: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "quic",
			Name:      "congestion_window_bytes",
			Help:      "Most recently observed congestion window, last connection to update wins.",
		}),
		streamsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quic",
			Name:      "streams_opened_total",
			Help:      "Streams opened, by type (bidi/uni) and initiator.",
		}, []string{"type", "initiator"}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "quic",
			Name:      "connections_active",
			Help:      "Connections currently in a non-terminal state.",
		}),
	}
}

// noopMetrics is used when no registry is configured, e.g. in
// library-internal tests that construct a Conn directly (conn_test.go's
// testConn), avoiding a dependency on a global Prometheus registry.
func noopMetrics() *metrics {
	return newMetrics(prometheus.NewRegistry())
}

// newMetricsFor builds the collector set a Listener or Dial call shares
// across every connection it creates, using cfg.MetricsRegisterer if the
// caller set one so unrelated Listen/Dial calls in the same process
// don't collide by registering identically-named collectors twice on
// prometheus.DefaultRegisterer.
func newMetricsFor(cfg Config) *metrics {
	if cfg.MetricsRegisterer != nil {
		return newMetrics(cfg.MetricsRegisterer)
	}
	return newMetrics(prometheus.NewRegistry())
}
