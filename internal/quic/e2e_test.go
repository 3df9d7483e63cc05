// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// testEndToEndConfigs returns a server and a client Config sharing a
// throwaway self-signed certificate, for tests that exercise Listen and
// Dial over a real loopback UDP socket rather than the hand-fed
// testConn harness.
func testEndToEndConfigs(t *testing.T) (server, client Config) {
	t.Helper()
	serverTLS, err := generateInsecureTestTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	clientTLS := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         serverTLS.NextProtos,
		MinVersion:         tls.VersionTLS13,
	}
	return Config{TLSConfig: serverTLS}, Config{TLSConfig: clientTLS}
}

// Scenario 1, spec.md §8: single-RTT handshake, client opens a bidi
// stream, writes a request, reads back an echoed reply, then closes
// gracefully.
func TestEndToEndHandshakeStreamEcho(t *testing.T) {
	serverCfg, clientCfg := testEndToEndConfigs(t)
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acceptc := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			acceptc <- err
			return
		}
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			acceptc <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(s, buf); err != nil {
			acceptc <- err
			return
		}
		if _, err := s.Write(buf); err != nil {
			acceptc <- err
			return
		}
		acceptc <- s.Close()
	}()

	client, err := Dial(ctx, ln.LocalAddr().String(), clientCfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if st := client.State(); !st.HandshakeConfirmed {
		t.Errorf("State().HandshakeConfirmed = false after Dial returned")
	}

	s, err := client.OpenStream(false)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := s.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Close()

	got := make([]byte, 5)
	if _, err := io.ReadFull(s, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("echoed reply = %q, want %q", got, "hello")
	}

	if err := <-acceptc; err != nil {
		t.Errorf("server side: %v", err)
	}
}

// Scenario 3, spec.md §8: a server with address validation enabled
// sends a Retry; the client must resend its Initial carrying the token
// before the handshake can complete.
func TestEndToEndStatelessRetry(t *testing.T) {
	serverCfg, clientCfg := testEndToEndConfigs(t)
	serverCfg.RequireAddressValidation = true
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acceptc := make(chan *Conn, 1)
	errc := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			errc <- err
			return
		}
		acceptc <- conn
	}()

	client, err := Dial(ctx, ln.LocalAddr().String(), clientCfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	select {
	case conn := <-acceptc:
		defer conn.Close()
	case err := <-errc:
		t.Fatalf("Accept: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for server to accept after Retry")
	}

	if st := client.State(); !st.HandshakeConfirmed {
		t.Errorf("State().HandshakeConfirmed = false after Retry round trip")
	}
}

// Scenario 6, spec.md §8: the peer advertises a small initial stream
// flow-control window; a write larger than that window must stall
// until a MAX_STREAM_DATA update arrives, with nothing lost or
// duplicated.
func TestEndToEndFlowControlStall(t *testing.T) {
	serverCfg, clientCfg := testEndToEndConfigs(t)
	// The server's BidiRemote limit governs how it auto-tunes the window
	// it grants for a client-initiated stream; the client's BidiLocal
	// limit governs how much that same client may send before its first
	// MAX_STREAM_DATA update arrives. Both must start at the same value
	// for the stall to actually happen on the wire.
	serverCfg.InitialMaxStreamDataBidiRemote = 16
	clientCfg.InitialMaxStreamDataBidiLocal = 16
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const want = 64
	donec := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			donec <- err
			return
		}
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			donec <- err
			return
		}
		buf := make([]byte, want)
		if _, err := io.ReadFull(s, buf); err != nil {
			donec <- err
			return
		}
		for i, b := range buf {
			if int(b) != i%256 {
				donec <- errors.New("received data does not match what was sent")
				return
			}
		}
		donec <- nil
	}()

	client, err := Dial(ctx, ln.LocalAddr().String(), clientCfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	s, err := client.OpenStream(false)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	payload := make([]byte, want)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	// Write blocks inside the Stream until MAX_STREAM_DATA raises the
	// peer's window past 64 bytes; a bug that ignored flow control
	// would instead send everything immediately.
	if _, err := s.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Close()

	if err := <-donec; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

// Scenario 5, spec.md §8: a low max_bytes_per_key forces at least one
// key update during a modest transfer; all data must still arrive in
// order.
func TestEndToEndKeyUpdate(t *testing.T) {
	serverCfg, clientCfg := testEndToEndConfigs(t)
	serverCfg.MaxBytesPerKey = 10
	clientCfg.MaxBytesPerKey = 10
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const want = 100
	donec := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			donec <- err
			return
		}
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			donec <- err
			return
		}
		buf := make([]byte, want)
		if _, err := io.ReadFull(s, buf); err != nil {
			donec <- err
			return
		}
		for i, b := range buf {
			if int(b) != i%256 {
				donec <- errors.New("received data does not match what was sent")
				return
			}
		}
		donec <- nil
	}()

	client, err := Dial(ctx, ln.LocalAddr().String(), clientCfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	s, err := client.OpenStream(false)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	payload := make([]byte, want)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	if _, err := s.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Close()

	if err := <-donec; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

// lossyPacketConn drops every other outbound write, to exercise loss
// detection and retransmission over a real socket pair without relying
// on an actual unreliable network.
type lossyPacketConn struct {
	net.PacketConn
	n int
}

func (c *lossyPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.n++
	if c.n%2 == 0 {
		return len(p), nil // silently drop
	}
	return c.PacketConn.WriteTo(p, addr)
}

// Scenario 4, spec.md §8: with every other outbound datagram dropped,
// the handshake still completes and the server eventually reads all
// 12000 bytes the client writes.
func TestEndToEndLossRecovery(t *testing.T) {
	serverTLS, err := generateInsecureTestTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	clientTLS := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         serverTLS.NextProtos,
		MinVersion:         tls.VersionTLS13,
	}

	serverPC, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	clientPC, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	serverCfg := Config{TLSConfig: serverTLS}
	clientCfg := Config{TLSConfig: clientTLS}

	serverBinding, err := newBinding(&lossyPacketConn{PacketConn: serverPC}, serverCfg, noopMetrics())
	if err != nil {
		t.Fatal(err)
	}
	defer serverBinding.close()
	go serverBinding.serve()

	clientBinding, err := newBinding(&lossyPacketConn{PacketConn: clientPC}, clientCfg, noopMetrics())
	if err != nil {
		t.Fatal(err)
	}
	defer clientBinding.close()
	go clientBinding.serve()

	serverAddr := serverPC.LocalAddr().(*net.UDPAddr).AddrPort()

	const packets = 10
	const packetSize = 1200
	const want = packets * packetSize

	donec := make(chan error, 1)
	go func() {
		select {
		case conn, ok := <-serverBinding.accept:
			if !ok {
				donec <- errors.New("server binding closed before accepting")
				return
			}
			s, err := conn.AcceptStream(context.Background())
			if err != nil {
				donec <- err
				return
			}
			buf := make([]byte, want)
			if _, err := io.ReadFull(s, buf); err != nil {
				donec <- err
				return
			}
			donec <- nil
		case <-time.After(30 * time.Second):
			donec <- errors.New("timed out waiting for server accept")
		}
	}()

	client, err := clientBinding.dial(serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.exit()

	hsCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.HandshakeConfirmed(hsCtx); err != nil {
		t.Fatalf("handshake did not confirm under loss: %v", err)
	}

	s, err := client.OpenStream(false)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	payload := make([]byte, want)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	if _, err := s.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Close()

	select {
	case err := <-donec:
		if err != nil {
			t.Fatalf("server side: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for the transfer to finish under loss")
	}
}

// Scenario 2, spec.md §8: a client Initial naming a version this
// endpoint does not speak gets a Version Negotiation packet back
// listing the versions it does.
func TestEndToEndVersionNegotiation(t *testing.T) {
	serverTLS, err := generateInsecureTestTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	b, err := newBinding(pc, Config{TLSConfig: serverTLS}, noopMetrics())
	if err != nil {
		t.Fatal(err)
	}
	defer b.close()
	go b.serve()

	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	clientDst := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	clientSrc := []byte{0x11, 0x12, 0x13, 0x14}
	initial := make([]byte, 0, 1200)
	initial = append(initial, headerFormLong|fixedBit|(0<<4))
	initial = append(initial, 0x1a, 0x2a, 0x3a, 0x4a) // a reserved, unsupported version
	initial = append(initial, byte(len(clientDst)))
	initial = append(initial, clientDst...)
	initial = append(initial, byte(len(clientSrc)))
	initial = append(initial, clientSrc...)
	initial = append(initial, 0x00) // token length: 0
	initial = append(initial, 0x00) // payload length varint placeholder
	for len(initial) < 1200 {
		initial = append(initial, 0)
	}

	if _, err := raw.WriteTo(initial, pc.LocalAddr()); err != nil {
		t.Fatal(err)
	}

	raw.SetReadDeadline(time.Now().Add(10 * time.Second))
	reply := make([]byte, 2048)
	n, _, err := raw.ReadFrom(reply)
	if err != nil {
		t.Fatalf("did not receive a Version Negotiation reply: %v", err)
	}
	versions, ok := parseVersionNegotiation(reply[:n])
	if !ok {
		t.Fatalf("reply did not parse as Version Negotiation: %x", reply[:n])
	}
	found := false
	for _, v := range versions {
		if v == quicVersion1 {
			found = true
		}
	}
	if !found {
		t.Errorf("Version Negotiation reply %v does not list quicVersion1", versions)
	}
}
