// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"time"
)

// retryTokenValidity bounds how long a Retry token remains acceptable,
// spec.md §4.13.
const retryTokenValidity = 15 * time.Second

// statelessResetTokenLen is the token length RFC 9000 Section 10.3 fixes
// for a stateless reset.
const statelessResetTokenLen = 16

// binding owns one UDP socket and demultiplexes received datagrams to
// the Conn that owns their destination connection ID, spec.md §4.13: "A
// UDP binding demultiplexes received datagrams to a Connection by
// parsing the destination CID and looking it up in a bound hash table."
// It is the only component in this library that shares mutable state
// across goroutines outside of a single Conn's own loop, matching
// spec.md §5's "shared-resource policy" (an rw-locked CID table).
type binding struct {
	pc      net.PacketConn
	config  Config
	metrics *metrics

	secret [32]byte // keyed PRF input for Retry tokens and stateless reset tokens

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool

	accept chan *Conn
}

func newBinding(pc net.PacketConn, cfg Config, m *metrics) (*binding, error) {
	b := &binding{
		pc:      pc,
		config:  cfg,
		metrics: m,
		conns:   make(map[string]*Conn),
		accept:  make(chan *Conn, 16),
	}
	if _, err := rand.Read(b.secret[:]); err != nil {
		return nil, err
	}
	return b, nil
}

// sendDatagram implements connListener, handing a Conn's serialized
// packet to the socket.
func (b *binding) sendDatagram(p []byte, addr netip.AddrPort) error {
	_, err := b.pc.WriteTo(p, net.UDPAddrFromAddrPort(addr))
	return err
}

// serve runs the receive loop until the socket is closed. One goroutine
// per binding does all demultiplexing; every accepted Conn still runs
// its own single-threaded loop goroutine for protocol processing,
// spec.md §5.
func (b *binding) serve() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := b.pc.ReadFrom(buf)
		if err != nil {
			b.mu.Lock()
			if !b.closed {
				b.closed = true
				close(b.accept)
			}
			b.mu.Unlock()
			return
		}
		addrPort, ok := addr.(interface{ AddrPort() netip.AddrPort })
		if !ok {
			continue
		}
		pkt := append([]byte(nil), buf[:n]...)
		b.handleDatagram(pkt, addrPort.AddrPort())
	}
}

func (b *binding) close() error {
	return b.pc.Close()
}

// routingID extracts the connection ID a datagram should be routed by.
// A long header carries its destination CID's length explicitly; a
// short header does not, so the binding falls back to the fixed length
// every connection it creates uses, packet.go's dstConnIDForDatagram
// comment.
func (b *binding) routingID(p []byte) ([]byte, bool) {
	if len(p) == 0 {
		return nil, false
	}
	if isLongHeader(p[0]) {
		return dstConnIDForDatagram(p)
	}
	if len(p) < 1+defaultConnIDLen {
		return nil, false
	}
	return p[1 : 1+defaultConnIDLen], true
}

func (b *binding) handleDatagram(p []byte, addr netip.AddrPort) {
	cid, ok := b.routingID(p)
	if !ok {
		b.metrics.packetsDropped.WithLabelValues("unroutable").Inc()
		return
	}
	b.mu.RLock()
	c, found := b.conns[string(cid)]
	b.mu.RUnlock()
	if found {
		c.sendMsg(&datagram{b: p, addr: addr})
		return
	}
	switch {
	case isLongHeader(p[0]) && getPacketType(p) == packetTypeInitial:
		b.handleUnknownInitial(p, addr)
	case !isLongHeader(p[0]) && len(p) >= statelessResetTokenLen+5:
		// Long-header packets and short ones are never mistaken for a
		// reset, RFC 9000 Section 10.3: a reset must be at least as long
		// as the shortest packet the sender would otherwise retransmit.
		b.sendStatelessReset(cid, addr)
	default:
		b.metrics.packetsDropped.WithLabelValues("no_matching_connection").Inc()
	}
}

// handleUnknownInitial implements the server side of spec.md §4.13:
// "Initial packets to an unknown CID with a valid token (or a
// stateless-retry decision) create a new server Connection or trigger a
// Retry." The token fields sit in the cleartext portion of the header,
// readable before any keys exist for the connection.
func (b *binding) handleUnknownInitial(p []byte, addr netip.AddrPort) {
	dstID, srcID, rest, ok := parseInvariantHeader(p)
	if !ok || len(dstID) == 0 {
		return
	}
	if version := binary.BigEndian.Uint32(p[1:5]); !isAcceptableVersion(version) {
		b.sendVersionNegotiation(dstID, srcID, addr)
		return
	}
	token, _, ok := consumeInitialToken(rest)
	if !ok {
		return
	}
	if b.config.RequireAddressValidation && !b.validateRetryToken(token, addr) {
		b.sendRetry(dstID, srcID, addr)
		return
	}
	b.acceptConn(dstID, addr)
}

// acceptConn creates a new server Conn addressed by transientCID (the
// destination CID of the Initial packet that triggered it) and
// publishes it on the accept channel.
//
// Registering the connection's local IDs into b.conns before releasing
// b.mu is what makes the subsequent read of c.connIDState.local race
// free: no other goroutine holds a reference to c yet, and no datagram
// can reach c.loop until routingID resolves to it through this map, so
// c cannot have mutated its own connection-ID state in between.
func (b *binding) acceptConn(transientCID []byte, addr netip.AddrPort) {
	now := time.Now()
	c, err := newConn(now, serverSide, transientCID, addr, b, realHooks{}, withConfig(b.config), withMetrics(b.metrics))
	if err != nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		c.exit()
		return
	}
	for _, id := range c.connIDState.local {
		b.conns[string(id.cid)] = c
	}
	b.mu.Unlock()

	select {
	case b.accept <- c:
	default:
		b.mu.Lock()
		for _, id := range c.connIDState.local {
			delete(b.conns, string(id.cid))
		}
		b.mu.Unlock()
		c.exit()
	}
}

// dial creates a client Conn addressed to addr and registers its
// initial connection IDs (the destination ID it picked for the server
// and its own source ID), the client side of spec.md §4.13.
func (b *binding) dial(addr netip.AddrPort) (*Conn, error) {
	cid, err := newRandomConnID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	c, err := newConn(now, clientSide, cid, addr, b, realHooks{}, withConfig(b.config), withMetrics(b.metrics))
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.conns[string(cid)] = c
	// The server addresses its packets to our own source connection ID.
	for _, id := range c.connIDState.local {
		b.conns[string(id.cid)] = c
	}
	b.mu.Unlock()
	return c, nil
}

// sendVersionNegotiation responds to an Initial naming a version this
// endpoint does not speak, RFC 9000 Section 17.2.1: the packet's
// connection IDs are the client's, swapped, so the client can match the
// reply to its own Initial without having negotiated anything yet.
func (b *binding) sendVersionNegotiation(clientDstConnID, clientSrcConnID []byte, addr netip.AddrPort) {
	vn := buildVersionNegotiation(clientSrcConnID, clientDstConnID, offeredVersions())
	b.sendDatagram(vn, addr)
}

// sendRetry builds and sends a Retry packet in response to an Initial
// from an unvalidated address, spec.md §4.3/§4.13. The Retry's
// Destination Connection ID echoes the client's Source Connection ID
// from the triggering Initial, RFC 9000 Section 17.2.5; its Source
// Connection ID is a freshly chosen one the client will address its
// retried Initial to.
func (b *binding) sendRetry(origDstConnID, clientSrcConnID []byte, addr netip.AddrPort) {
	srcConnID, err := newRandomConnID()
	if err != nil {
		return
	}
	token := b.newRetryToken(addr)
	retry, err := buildRetry(origDstConnID, clientSrcConnID, srcConnID, token)
	if err != nil {
		return
	}
	b.sendDatagram(retry, addr)
}

// newRetryToken and validateRetryToken implement a stateless
// address-validation token: a timestamp plus an HMAC over the
// timestamp and the client's address, so the server need not retain any
// per-client state between the Retry and the client's second Initial,
// spec.md §4.13.
func (b *binding) newRetryToken(addr netip.AddrPort) []byte {
	return b.signToken(addr, time.Now().UnixNano())
}

func (b *binding) validateRetryToken(token []byte, addr netip.AddrPort) bool {
	if len(token) != 8+sha256.Size {
		return false
	}
	ts := int64(binary.BigEndian.Uint64(token[:8]))
	if time.Since(time.Unix(0, ts)) > retryTokenValidity {
		return false
	}
	return hmac.Equal(token, b.signToken(addr, ts))
}

func (b *binding) signToken(addr netip.AddrPort, ts int64) []byte {
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], uint64(ts))
	mac := hmac.New(sha256.New, b.secret[:])
	mac.Write(tsb[:])
	ip := addr.Addr().As16()
	mac.Write(ip[:])
	var portb [2]byte
	binary.BigEndian.PutUint16(portb[:], addr.Port())
	mac.Write(portb[:])
	sum := mac.Sum(nil)
	token := make([]byte, 0, 8+len(sum))
	token = append(token, tsb[:]...)
	token = append(token, sum...)
	return token
}

// sendStatelessReset sends a packet that looks like a short-header
// packet but carries, in its last 16 bytes, a token derived from cid
// via a keyed PRF, RFC 9000 Section 10.3: a peer that still has state
// for that connection ID recognizes the token and tears down locally
// without further retransmission.
func (b *binding) sendStatelessReset(cid []byte, addr netip.AddrPort) {
	const length = 32
	p := make([]byte, length)
	if _, err := rand.Read(p[:length-statelessResetTokenLen]); err != nil {
		return
	}
	p[0] = (p[0] &^ headerFormLong) | fixedBit
	copy(p[length-statelessResetTokenLen:], b.statelessResetToken(cid))
	b.sendDatagram(p, addr)
}

func (b *binding) statelessResetToken(cid []byte) []byte {
	mac := hmac.New(sha256.New, b.secret[:])
	mac.Write(cid)
	return mac.Sum(nil)[:statelessResetTokenLen]
}
