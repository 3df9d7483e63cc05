// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Listener accepts incoming QUIC connections on a bound UDP socket,
// spec.md §4.13 "Listener": it owns a Config (the set of ALPNs and
// transport settings the spec describes) and hands every new server
// connection it accepts to a caller of Accept, which plays the role of
// the spec's "application callback" that decides accept/reject.
type Listener struct {
	b    *binding
	addr netip.AddrPort
}

// Listen starts accepting QUIC connections on localAddr (host:port, or
// :port to bind all interfaces) using cfg. cfg.TLSConfig must carry a
// server certificate.
func Listen(localAddr string, cfg Config) (*Listener, error) {
	pc, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, err
	}
	b, err := newBinding(pc, cfg, newMetricsFor(cfg))
	if err != nil {
		pc.Close()
		return nil, err
	}
	var addr netip.AddrPort
	if ua, ok := pc.LocalAddr().(*net.UDPAddr); ok {
		addr = ua.AddrPort()
	}
	go b.serve()
	return &Listener{b: b, addr: addr}, nil
}

// Accept waits for and returns the next connection a remote peer opens,
// already past the handshake's first flight, or ctx's error if it is
// done first.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c, ok := <-l.b.accept:
		if !ok {
			return nil, fmt.Errorf("quic: listener closed")
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LocalAddr returns the address the listener's socket is bound to.
func (l *Listener) LocalAddr() netip.AddrPort { return l.addr }

// Close stops accepting new connections and releases the socket.
// Connections already accepted are unaffected.
func (l *Listener) Close() error {
	return l.b.close()
}

// Dial opens a client connection to addr (host:port) using cfg, and
// waits for the handshake to be confirmed (or ctx to end) before
// returning, spec.md §4.13.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}
	b, err := newBinding(pc, cfg, newMetricsFor(cfg))
	if err != nil {
		pc.Close()
		return nil, err
	}
	go b.serve()

	c, err := b.dial(raddr.AddrPort())
	if err != nil {
		b.close()
		return nil, err
	}
	if err := c.HandshakeConfirmed(ctx); err != nil {
		c.exit()
		b.close()
		return nil, err
	}
	return c, nil
}
