// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// OpenStream opens a new stream initiated by this endpoint, spec.md §3.3
// "Opening". uni selects a unidirectional (write-only from this side) or
// bidirectional stream. It fails once the peer's advertised stream limit
// for that type is reached.
func (c *Conn) OpenStream(uni bool) (*Stream, error) {
	var s *Stream
	var err error
	c.runOnLoop(func(now time.Time, c *Conn) {
		s, err = c.streams.newLocalStream(uni)
	})
	return s, err
}

// AcceptStream waits for the peer to open a new bidirectional stream.
func (c *Conn) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-c.streams.acceptBidi:
		return s, nil
	case <-c.donec:
		return nil, fmt.Errorf("quic: connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptUniStream waits for the peer to open a new unidirectional stream.
func (c *Conn) AcceptUniStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-c.streams.acceptUni:
		return s, nil
	case <-c.donec:
		return nil, fmt.Errorf("quic: connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RemoteAddr returns the address of the connection's peer.
func (c *Conn) RemoteAddr() netip.AddrPort {
	return c.peerAddr
}

// State returns a snapshot of the connection's externally visible state,
// spec.md §3.1.
func (c *Conn) State() ConnectionState {
	var st ConnectionState
	c.runOnLoop(func(now time.Time, c *Conn) {
		st = ConnectionState{
			State:              c.state.String(),
			HandshakeConfirmed: c.tlsState.handshakeConfirmed,
		}
	})
	return st
}

// HandshakeConfirmed blocks until the handshake completes or ctx is done.
func (c *Conn) HandshakeConfirmed(ctx context.Context) error {
	select {
	case <-c.handshakeConfirmedc:
		return nil
	case <-c.donec:
		return fmt.Errorf("quic: connection closed before handshake completed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection immediately with a no-error application
// close, spec.md §7 "Immediate close".
func (c *Conn) Close() error {
	c.runOnLoop(func(now time.Time, c *Conn) {
		c.abort(now, &ConnectionError{Application: true})
	})
	return nil
}

// CloseWithError closes the connection immediately with an
// application-supplied error code and reason, spec.md §7.
func (c *Conn) CloseWithError(code uint64, reason string) error {
	c.runOnLoop(func(now time.Time, c *Conn) {
		c.abort(now, &ConnectionError{Application: true, Code: code, Reason: reason})
	})
	return nil
}
