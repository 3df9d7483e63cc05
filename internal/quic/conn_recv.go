// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"time"
)

// handleDatagram processes one received UDP datagram, spec.md §4.3: it
// walks the (possibly coalesced) packets the datagram contains in order,
// drains any TLS events those packets' CRYPTO frames produced, and gives
// the send path a chance to react (an ACK may now be due, keys may have
// just been installed).
func (c *Conn) handleDatagram(now time.Time, d *datagram) {
	c.lastActivity = now
	c.idleDeadline = c.nextIdleDeadline(now)

	b := d.b
	for len(b) > 0 {
		n := c.handlePacket(now, b)
		if n <= 0 {
			c.metrics.packetsDropped.WithLabelValues("parse_error").Inc()
			break
		}
		b = b[n:]
	}
	c.handleTLSEvents(now)
	c.maybeSend(now)
}

// handlePacket dispatches a single packet at the front of b to the
// handler for its type, returning the number of bytes it occupies (to
// advance past it within a coalesced datagram) or a non-positive value
// if it could not even be classified, spec.md §4.3 step 1.
func (c *Conn) handlePacket(now time.Time, b []byte) int {
	if !isLongHeader(b[0]) {
		return c.handle1RTTPacket(now, b)
	}
	switch getPacketType(b) {
	case packetTypeVersionNegotiation:
		c.handleVersionNegotiation(now, b)
		return len(b)
	case packetTypeRetry:
		return c.handleRetryPacket(now, b)
	case packetType0RTT:
		return c.handleZeroRTTPacket(b)
	case packetTypeInitial, packetTypeHandshake:
		return c.handleLongHeaderPacket(now, b)
	default:
		return -1
	}
}

// handleZeroRTTPacket skips over a 0-RTT packet. This implementation
// never installs 0-RTT keys (no session resumption), so a 0-RTT packet
// can never be decrypted; it is only recognized so a coalesced Initial
// packet following it in the same datagram isn't mistaken for garbage.
// The skipped packet is counted as dropped.
func (c *Conn) handleZeroRTTPacket(b []byte) int {
	_, srcID, rest, ok := parseInvariantHeader(b)
	_ = srcID
	if !ok {
		return -1
	}
	length, n := consumeVarint(rest)
	if n < 0 || uint64(len(rest)-n) < length {
		return -1
	}
	c.metrics.packetsDropped.WithLabelValues("0rtt").Inc()
	return len(b) - len(rest) + n + int(length)
}

// handleVersionNegotiation implements the client side of spec.md §4.3
// "Version negotiation": if our version is among those listed, the
// packet is a forgery or a stale retransmission and is ignored;
// otherwise no shared version exists and the connection cannot proceed.
func (c *Conn) handleVersionNegotiation(now time.Time, b []byte) {
	if c.side != clientSide || c.tlsState.peerParamsSeen {
		return
	}
	versions, ok := parseVersionNegotiation(b)
	if !ok {
		return
	}
	for _, v := range versions {
		if v == quicVersion1 {
			return
		}
	}
	c.abort(now, &ConnectionError{Code: uint64(errNoViablePath), Reason: "no shared QUIC version"})
}

// handleRetryPacket implements the client side of spec.md §4.3 "Retry":
// validate the integrity tag, adopt the server's chosen connection ID
// and retry token, and force the Initial CRYPTO stream to resend from
// the beginning under freshly derived Initial keys. A Retry always
// occupies an entire datagram, RFC 9000 Section 17.2.5.
func (c *Conn) handleRetryPacket(now time.Time, b []byte) int {
	if c.side != clientSide {
		c.metrics.packetsDropped.WithLabelValues("retry_on_server").Inc()
		return len(b)
	}
	if c.retryReceived || c.tlsState.peerParamsSeen {
		return len(b)
	}
	_, srcID, rest, ok := parseInvariantHeader(b)
	if !ok || len(rest) < 16 {
		return len(b)
	}
	if !validateRetry(c.connIDState.dstConnID(), b) {
		c.logger.debugf(c.state, "dropping Retry with invalid integrity tag")
		return len(b)
	}
	token := rest[:len(rest)-16]
	c.retryReceived = true
	c.retryToken = append([]byte(nil), token...)
	c.connIDState.setInitialRemote(srcID)
	if err := c.tlsState.resetInitialKeys(c.side, c.connIDState.dstConnID()); err != nil {
		c.abort(now, &ConnectionError{Code: uint64(errInternal), Reason: err.Error()})
		return len(b)
	}
	// The in-flight Initial packets sent before the Retry arrived were
	// addressed to a connection ID the server has now abandoned; resend
	// the ClientHello from the start under the new Initial keys.
	c.streams.crypto[initialSpace].lost(0, 0)
	return len(b)
}

// handleLongHeaderPacket parses and processes an Initial or Handshake
// packet, spec.md §4.3 steps 1-3.
func (c *Conn) handleLongHeaderPacket(now time.Time, b []byte) int {
	space := spaceForPacketType(getPacketType(b))
	pnumMax := c.acks[space].largestSeen()
	p, n := parseLongHeaderPacket(b, c.tlsState.rkeys[space], pnumMax)
	if n < 0 {
		return -1
	}
	if c.side == serverSide {
		c.connIDState.setInitialRemote(p.srcConnID)
	}
	if space == handshakeSpace {
		c.loss.onAddressValidated()
	}
	if c.processPacket(now, space, p.num, p.payload) {
		c.metrics.packetsReceived.WithLabelValues(space.String()).Inc()
		c.metrics.bytesReceived.Add(float64(n))
	}
	return n
}

// handle1RTTPacket parses and processes a short-header (1-RTT) packet,
// spec.md §4.3 step 4. A 1-RTT packet has no length field and always
// extends to the end of the datagram, so it can never be followed by
// another coalesced packet.
//
// Each key-phase generation derives its own header-protection key along
// with its AEAD key (keysFromSecret), so there is no way to read a
// packet's key-phase bit before removing header protection with the
// right generation's keys: detecting a peer-initiated key update is a
// trial-decryption problem, RFC 9001 Section 6.
func (c *Conn) handle1RTTPacket(now time.Time, b []byte) int {
	pnumMax := c.acks[appDataSpace].largestSeen()
	p, n := parse1RTTPacket(b, c.tlsState.rkeys[appDataSpace], defaultConnIDLen, pnumMax)
	if n < 0 && c.keyUpdate.haveRkeysPrev {
		p, n = parse1RTTPacket(b, c.keyUpdate.rkeysPrev, defaultConnIDLen, pnumMax)
	}
	if n < 0 {
		if next, err := updateKeys(c.tlsState.rkeys[appDataSpace]); err == nil {
			if np, nn := parse1RTTPacket(b, next, defaultConnIDLen, pnumMax); nn > 0 {
				c.adoptNextReadKeys(next)
				p, n = np, nn
			}
		}
	}
	if n < 0 {
		return -1
	}
	if c.processPacket(now, appDataSpace, p.num, p.payload) {
		c.metrics.packetsReceived.WithLabelValues(appDataSpace.String()).Inc()
		c.metrics.bytesReceived.Add(float64(n))
	}
	return n
}

// adoptNextReadKeys commits to a peer-initiated key update once a packet
// has been successfully decrypted under the trial next-generation keys,
// spec.md §4.11 "Key update": the matching write keys advance too, so
// response traffic uses the new phase, and the prior read generation is
// retained briefly for packets reordered across the update.
func (c *Conn) adoptNextReadKeys(next keys) {
	c.keyUpdate.rkeysPrev = c.tlsState.rkeys[appDataSpace]
	c.keyUpdate.haveRkeysPrev = true
	c.tlsState.rkeys[appDataSpace] = next
	if nextWrite, err := updateKeys(c.tlsState.wkeys[appDataSpace]); err == nil {
		c.tlsState.wkeys[appDataSpace] = nextWrite
		c.loss.cc.onKeyPhaseChange()
	}
}

// processPacket runs every frame in a successfully decrypted packet's
// payload, spec.md §4.5 "Receive path" / §4.4: frames are parsed in full
// before any side effect is applied, so a duplicate packet number (only
// knowable once ack-elicitingness has been determined) has no effect at
// all, and a malformed frame aborts the connection rather than applying
// a partial prefix of frames.
func (c *Conn) processPacket(now time.Time, space numberSpace, num packetNumber, payload []byte) bool {
	var frames []debugFrame
	ackEliciting := false
	b := payload
	for len(b) > 0 {
		f, n := parseDebugFrame(b)
		if n < 0 {
			c.abort(now, &ConnectionError{Code: uint64(errFrameEncodingError), Reason: "malformed frame"})
			return false
		}
		if frameIsAckEliciting(b[0]) {
			ackEliciting = true
		}
		frames = append(frames, f)
		b = b[n:]
	}
	if err := c.acks[space].receive(now, num, ackEliciting, false, 0); err != nil {
		c.metrics.packetsDropped.WithLabelValues("duplicate").Inc()
		return false
	}
	for _, f := range frames {
		c.handleFrame(now, space, f)
		switch c.state {
		case stateClosing, stateDraining, stateClosed:
			return true
		}
	}
	return true
}

// frameIsAckEliciting reports whether a frame of the given type requires
// the receiver to send an ACK, RFC 9000 Section 13.2: every frame except
// PADDING and ACK (both ECN variants).
func frameIsAckEliciting(t byte) bool {
	switch t {
	case frameTypePadding, frameTypeAck, frameTypeAckECN:
		return false
	default:
		return true
	}
}

// handleFrame applies one parsed frame's effect to connection state,
// spec.md §4 "Frame processing table".
func (c *Conn) handleFrame(now time.Time, space numberSpace, f debugFrame) {
	switch f := f.(type) {
	case debugFramePadding, debugFramePing:
		// No effect beyond the ack-eliciting bookkeeping already applied.
	case debugFrameAck:
		c.handleAckFrame(now, space, f)
	case debugFrameCrypto:
		c.handleCryptoFrame(now, space, f)
	case debugFrameStream:
		c.handleStreamFrame(now, f)
	case debugFrameResetStream:
		c.handleResetStreamFrame(now, f)
	case debugFrameStopSending:
		c.handleStopSendingFrame(f)
	case debugFrameMaxData:
		c.connFlow.out.setMaxSent(f.max)
	case debugFrameMaxStreamData:
		if s := c.streams.streams[f.id]; s != nil {
			s.sendSetMaxData(f.max)
		}
	case debugFrameMaxStreams:
		if !f.blocked {
			if f.uni {
				c.streams.peerMaxStreamsUni = f.max
			} else {
				c.streams.peerMaxStreamsBidi = f.max
			}
		}
	case debugFrameDataBlocked, debugFrameStreamDataBlocked:
		// Informational only: limits are raised proactively via
		// auto-tuning rather than in reaction to *_BLOCKED signals.
	case debugFrameNewConnectionID:
		c.connIDState.handleNewConnectionID(f.seq, f.retirePriorTo, f.connID)
	case debugFrameRetireConnectionID:
		c.connIDState.retireLocalConnID(f.seq)
	case debugFramePathChallenge:
		c.pendingPathResponse = f.data
		c.pendingPathResponseValid = true
	case debugFramePathResponse:
		// This implementation never sends PATH_CHALLENGE itself, so there
		// is no outstanding path validation to complete.
	case debugFrameConnectionClose:
		c.enterDraining(now, &ConnectionError{
			Remote:      true,
			Application: f.isApp,
			Code:        f.code,
			Reason:      f.reason,
		})
	case debugFrameHandshakeDone:
		if c.side == clientSide {
			c.tlsState.handshakeConfirmed = true
			if c.state == stateHandshake {
				c.enterConnected(now)
			}
		}
	case debugFrameNewToken:
		// Session resumption tokens are not reused by this client.
	case debugFrameDatagram:
		// RFC 9221 unreliable datagrams are parsed but not delivered to
		// applications by this implementation.
	}
}

func (c *Conn) handleStreamFrame(now time.Time, f debugFrameStream) {
	s, err := c.streams.getOrCreateRemoteStream(f.id)
	if err != nil {
		c.abortFromError(now, err)
		return
	}
	if err := s.recvHandleStreamFrame(f.offset, f.data, f.fin); err != nil {
		c.abortFromError(now, err)
		return
	}
	if _, should := c.connFlow.addConsumed(int64(len(f.data))); should {
		c.streams.maxDataPending = true
	}
}

func (c *Conn) handleResetStreamFrame(now time.Time, f debugFrameResetStream) {
	s, err := c.streams.getOrCreateRemoteStream(f.id)
	if err != nil {
		c.abortFromError(now, err)
		return
	}
	if err := s.recvHandleResetStream(f.code, f.finalSize); err != nil {
		c.abortFromError(now, err)
	}
}

func (c *Conn) handleStopSendingFrame(f debugFrameStopSending) {
	if s := c.streams.streams[f.id]; s != nil {
		s.sendHandleStopSending(f.code)
	}
}

func (c *Conn) handleCryptoFrame(now time.Time, space numberSpace, f debugFrameCrypto) {
	if err := c.streams.crypto[space].receive(f.offset, f.data); err != nil {
		c.abortFromError(now, err)
		return
	}
	if data := c.streams.crypto[space].deliverable(); len(data) > 0 {
		if err := c.tlsState.handleCryptoData(space, data); err != nil {
			c.abort(now, &ConnectionError{Code: uint64(errInternal), Reason: err.Error()})
		}
	}
}

// handleAckFrame implements spec.md §4.6/§4.7: replay every newly acked
// or newly lost packet's retransmission bookkeeping, then update the
// loss-detection and congestion-control metrics with the result.
func (c *Conn) handleAckFrame(now time.Time, space numberSpace, f debugFrameAck) {
	delay := scaledAckDelay(f.delay, ackDelayExponent)
	acked, lost := c.loss.processAck(now, space, f.ranges, delay, c.tlsState.handshakeConfirmed)
	for _, p := range acked {
		c.handleAckOrLoss(space, p, packetAcked)
	}
	for _, p := range lost {
		c.handleAckOrLoss(space, p, packetLost)
	}
	if len(lost) > 0 {
		c.metrics.lossEvents.WithLabelValues(space.String()).Add(float64(len(lost)))
	}
	if c.loss.rtt.hasSample {
		c.metrics.rtt.Observe(c.loss.rtt.latest.Seconds())
	}
	c.metrics.congestionWindow.Set(float64(c.loss.cc.congestionWindow()))
}

// abortFromError converts a plain error surfaced by stream or
// receive-buffer bookkeeping into a transport-level connection abort.
// Some of these (errFinalSize) already carry a specific *ConnectionError
// code; others (errFlowControl, a peer exceeding its stream limit) are
// plain errors and map to a best-effort transport error code.
func (c *Conn) abortFromError(now time.Time, err error) {
	if ce, ok := err.(*ConnectionError); ok {
		c.abort(now, ce)
		return
	}
	code := errProtocolViolation
	if err == errFlowControl {
		code = errFlowControlError
	}
	c.abort(now, &ConnectionError{Code: uint64(code), Reason: err.Error()})
}
