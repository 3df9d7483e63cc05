// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"crypto/tls"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// defaultMaxIdleTimeout is the library default for Config.MaxIdleTimeout,
// spec.md §6 "transport parameters".
const defaultMaxIdleTimeout = 30 * time.Second

// minimumClientInitialDatagramSize is the minimum UDP datagram size for a
// client's first flight, RFC 9000 Section 14.1, spec.md §4.3.
const minimumClientInitialDatagramSize = 1200

// defaultInitialMaxData and friends are the library's starting flow
// control offers, spec.md §4.9 "initial values".
const (
	defaultInitialMaxData             = 1 << 20
	defaultInitialMaxStreamDataBidiLocal  = 1 << 18
	defaultInitialMaxStreamDataBidiRemote = 1 << 18
	defaultInitialMaxStreamDataUni         = 1 << 18
	defaultInitialMaxStreamsBidi       = 100
	defaultInitialMaxStreamsUni        = 100
	defaultMaxAckDelay                = 25 * time.Millisecond
	defaultActiveConnIDLimit           = maxPeerActiveConnIDLimit
	defaultCryptoSendBufferSize        = 16 << 10
)

// Config holds the settings governing a Conn's behavior, restoring
// msquic's settings layer (src/core/settings.c) as the library's public
// configuration surface, spec.md §6 and SPEC_FULL.md §3.
type Config struct {
	// TLSConfig provides the certificate and cipher suite configuration
	// for the handshake; required.
	TLSConfig *tls.Config

	// MaxIdleTimeout is the connection's idle timeout, spec.md §4.12.
	// A value of 0 (the field left unset) selects defaultMaxIdleTimeout;
	// a negative value disables the idle timeout entirely (Open Question
	// decision 4 in DESIGN.md).
	MaxIdleTimeout time.Duration

	// KeepAlivePeriod, if positive, causes the connection to send a
	// PING frame at this interval to prevent the peer's idle timeout
	// from expiring, spec.md §4.12.
	KeepAlivePeriod time.Duration

	MaxAckDelay time.Duration

	InitialMaxData                   int64
	InitialMaxStreamDataBidiLocal    int64
	InitialMaxStreamDataBidiRemote   int64
	InitialMaxStreamDataUni          int64
	MaxBidiStreams                   int64
	MaxUniStreams                    int64

	ActiveConnIDLimit int64

	// CryptoSendBufferSize bounds how much unacknowledged CRYPTO data the
	// handshake may have outstanding at once, applied to both roles
	// unless overridden.
	//
	// ClientCryptoSendBufferSize and ServerCryptoSendBufferSize override
	// this per role; see DESIGN.md Open Question decision 1.
	CryptoSendBufferSize       int
	ClientCryptoSendBufferSize int
	ServerCryptoSendBufferSize int

	// MTUDiscovery configures DPLPMTUD, spec.md §4.8. The zero value
	// selects defaultMTUDiscoveryConfig.
	MTUDiscovery MTUDiscoveryConfig

	// RequireAddressValidation forces a server to send a Retry packet
	// before completing any handshake, spec.md §4.3 "Retry".
	RequireAddressValidation bool

	// QUICVersions lists the versions this endpoint offers, in
	// descending preference order. A nil slice selects {quicVersion1}.
	QUICVersions []uint32

	// MaxBytesPerKey bounds how many bytes may be sealed under a single
	// 1-RTT key generation before a key update is initiated, spec.md §6
	// "max_bytes_per_key (triggers key update)". Zero disables
	// proactive key updates; this endpoint still responds to a peer-
	// initiated update.
	MaxBytesPerKey int64

	// MetricsRegisterer is where Listen and Dial register the
	// Prometheus collectors shared by every connection they create, so
	// a caller driving more than one Listener/dial in the same process
	// (or a test harness) can isolate them instead of colliding on the
	// global registry. A nil value gets a fresh, unexported registry
	// whose samples are not served anywhere the caller doesn't wire up.
	MetricsRegisterer prometheus.Registerer

	// Logger receives the structured, per-connection log entries described
	// in spec.md §7 and §4.12. A nil value uses logrus.StandardLogger(),
	// matching every Conn created without an explicit one.
	Logger *logrus.Logger
}

// withDefaults returns a copy of cfg with every zero-valued field
// replaced by its library default.
func (cfg Config) withDefaults() Config {
	if cfg.MaxIdleTimeout == 0 {
		cfg.MaxIdleTimeout = defaultMaxIdleTimeout
	}
	if cfg.MaxAckDelay == 0 {
		cfg.MaxAckDelay = defaultMaxAckDelay
	}
	if cfg.InitialMaxData == 0 {
		cfg.InitialMaxData = defaultInitialMaxData
	}
	if cfg.InitialMaxStreamDataBidiLocal == 0 {
		cfg.InitialMaxStreamDataBidiLocal = defaultInitialMaxStreamDataBidiLocal
	}
	if cfg.InitialMaxStreamDataBidiRemote == 0 {
		cfg.InitialMaxStreamDataBidiRemote = defaultInitialMaxStreamDataBidiRemote
	}
	if cfg.InitialMaxStreamDataUni == 0 {
		cfg.InitialMaxStreamDataUni = defaultInitialMaxStreamDataUni
	}
	if cfg.MaxBidiStreams == 0 {
		cfg.MaxBidiStreams = defaultInitialMaxStreamsBidi
	}
	if cfg.MaxUniStreams == 0 {
		cfg.MaxUniStreams = defaultInitialMaxStreamsUni
	}
	if cfg.ActiveConnIDLimit == 0 {
		cfg.ActiveConnIDLimit = defaultActiveConnIDLimit
	}
	if cfg.CryptoSendBufferSize == 0 {
		cfg.CryptoSendBufferSize = defaultCryptoSendBufferSize
	}
	if cfg.ClientCryptoSendBufferSize == 0 {
		cfg.ClientCryptoSendBufferSize = cfg.CryptoSendBufferSize
	}
	if cfg.ServerCryptoSendBufferSize == 0 {
		cfg.ServerCryptoSendBufferSize = cfg.CryptoSendBufferSize
	}
	if cfg.MTUDiscovery == (MTUDiscoveryConfig{}) {
		cfg.MTUDiscovery = defaultMTUDiscoveryConfig()
	}
	if len(cfg.QUICVersions) == 0 {
		cfg.QUICVersions = []uint32{quicVersion1}
	}
	return cfg
}

// cryptoSendBufferSize returns the role-specific crypto send buffer cap.
func (cfg Config) cryptoSendBufferSize(side connSide) int {
	if side == clientSide {
		return cfg.ClientCryptoSendBufferSize
	}
	return cfg.ServerCryptoSendBufferSize
}
