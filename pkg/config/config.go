// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the YAML configuration file consumed by the
// quicd binary and translates it into an internal/quic.Config.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/quicproto/quiccore/internal/quic"
)

// File is the top-level shape of a quicd configuration file.
type File struct {
	// ListenAddr is the UDP address quicd's serve subcommand binds to,
	// e.g. ":4433".
	ListenAddr string `yaml:"listen,omitempty"`

	// DialAddr is the UDP address quicd's dial subcommand connects to.
	DialAddr string `yaml:"dial,omitempty"`

	// TLS holds the certificate/key pair a server needs and the
	// InsecureSkipVerify setting a client needs.
	TLS TLS `yaml:"tls,omitempty"`

	Transport Transport `yaml:"transport,omitempty"`

	// RequireAddressValidation forces a Retry round trip before a server
	// completes any handshake, quic.Config's field of the same name.
	RequireAddressValidation bool `yaml:"requireaddressvalidation,omitempty"`

	Metrics Metrics `yaml:"metrics,omitempty"`

	LogLevel string `yaml:"loglevel,omitempty"`
}

// TLS configures the certificate material for a quicd endpoint.
type TLS struct {
	CertFile           string `yaml:"certfile,omitempty"`
	KeyFile            string `yaml:"keyfile,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecureskipverify,omitempty"`
}

// Transport mirrors the handful of quic.Config transport knobs an
// operator is expected to tune from a config file.
type Transport struct {
	MaxIdleTimeout  time.Duration `yaml:"maxidletimeout,omitempty"`
	KeepAlivePeriod time.Duration `yaml:"keepaliveperiod,omitempty"`
	MaxAckDelay     time.Duration `yaml:"maxackdelay,omitempty"`
	InitialMaxData  int64         `yaml:"initialmaxdata,omitempty"`
	MaxBidiStreams  int64         `yaml:"maxbidistreams,omitempty"`
	MaxUniStreams   int64         `yaml:"maxunistreams,omitempty"`
	MaxBytesPerKey  int64         `yaml:"maxbytesperkey,omitempty"`
}

// Metrics configures the Prometheus HTTP endpoint quicd serves
// alongside the QUIC socket.
type Metrics struct {
	// Addr is the address the /metrics handler listens on, e.g.
	// ":9090". Empty disables the endpoint.
	Addr string `yaml:"addr,omitempty"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &f, nil
}

// QUICConfig translates the file's transport settings into a
// quic.Config. tlsConfig is built separately by the caller, since
// *tls.Config construction differs between quicd's serve and dial
// subcommands (certificate vs. root CAs).
func (f *File) QUICConfig(tlsConfig *tls.Config) quic.Config {
	return quic.Config{
		TLSConfig:                tlsConfig,
		MaxIdleTimeout:           f.Transport.MaxIdleTimeout,
		KeepAlivePeriod:          f.Transport.KeepAlivePeriod,
		MaxAckDelay:              f.Transport.MaxAckDelay,
		InitialMaxData:           f.Transport.InitialMaxData,
		MaxBidiStreams:           f.Transport.MaxBidiStreams,
		MaxUniStreams:            f.Transport.MaxUniStreams,
		MaxBytesPerKey:           f.Transport.MaxBytesPerKey,
		RequireAddressValidation: f.RequireAddressValidation,
	}
}

// ServerTLSConfig loads the certificate named by f.TLS and returns a
// minimal server-side tls.Config for the quic ALPN.
func (f *File) ServerTLSConfig(alpn string) (*tls.Config, error) {
	if f.TLS.CertFile == "" || f.TLS.KeyFile == "" {
		return nil, fmt.Errorf("config: tls.certfile and tls.keyfile are required to serve")
	}
	cert, err := tls.LoadX509KeyPair(f.TLS.CertFile, f.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: loading certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig returns a client-side tls.Config for the quic ALPN.
func (f *File) ClientTLSConfig(alpn string) *tls.Config {
	return &tls.Config{
		NextProtos:         []string{alpn},
		InsecureSkipVerify: f.TLS.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS13,
	}
}
