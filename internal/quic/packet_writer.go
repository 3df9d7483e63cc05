// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"encoding/binary"
	"time"
)

// packetFate is the eventual disposition of a sent packet, spec.md §4.6.
type packetFate int

const (
	packetAcked packetFate = iota
	packetLost
)

// sentPacket records everything loss detection and the connection need to
// know about a packet once it has been sent, spec.md §3.6.
//
// The list of frames a packet carried is marshaled into desc as a sequence
// of (frame type byte, varint fields...) descriptors sufficient to
// retransmit semantically; conn_loss.go unmarshals this buffer exactly
// once, on the packet's eventual ack or loss.
type sentPacket struct {
	num          packetNumber
	space        numberSpace
	timeSent     time.Time
	size         int
	ecn          byte
	ackEliciting bool
	inFlight     bool
	isPMTUDProbe bool

	desc    []byte
	descPos int
}

func (s *sentPacket) done() bool { return s.descPos >= len(s.desc) }

func (s *sentPacket) next() byte {
	t := s.desc[s.descPos]
	s.descPos++
	return t
}

func (s *sentPacket) nextInt() int64 {
	v, n := consumeVarintInt64(s.desc[s.descPos:])
	if n < 0 {
		panic("quic: corrupt sent-packet descriptor")
	}
	s.descPos += n
	return v
}

func (s *sentPacket) appendInt(t byte, v int64) {
	s.desc = append(s.desc, t)
	s.desc = appendVarint(s.desc, uint64(v))
}

func (s *sentPacket) appendInt2(t byte, a, b int64) {
	s.desc = append(s.desc, t)
	s.desc = appendVarint(s.desc, uint64(a))
	s.desc = appendVarint(s.desc, uint64(b))
}

func (s *sentPacket) appendBare(t byte) {
	s.desc = append(s.desc, t)
}

// descStream, descMaxData, etc. are synthetic frame-descriptor "types"
// distinct from the wire frame type byte when the retransmit unit differs
// from the frame encoding (for example, ACK frames are never
// retransmitted as such; see conn_loss.go).
const (
	descAck = frameTypeAck
	descCrypto = frameTypeCrypto
	descStream = frameTypeStreamBase
	descResetStream = frameTypeResetStream
	descStopSending = frameTypeStopSending
	descMaxData = frameTypeMaxData
	descMaxStreamData = frameTypeMaxStreamData
	descMaxStreamsBidi = frameTypeMaxStreamsBidi
	descMaxStreamsUni = frameTypeMaxStreamsUni
	descDataBlocked = frameTypeDataBlocked
	descStreamDataBlocked = frameTypeStreamDataBlocked
	descNewConnectionID = frameTypeNewConnectionID
	descRetireConnectionID = frameTypeRetireConnectionID
	descHandshakeDone = frameTypeHandshakeDone
	descPathResponse = frameTypePathResponse
)

// A packetWriter builds a single (possibly coalesced) UDP datagram,
// spec.md §4.3 "Builder contract" / §4.10.
type packetWriter struct {
	b       []byte
	maxSize int

	// State for the packet currently under construction.
	hdrStart   int
	lenOff     int // offset of the 2-byte length varint placeholder, long headers only
	pnumOff    int
	pnumLen    byte
	payloadOff int
	isLong     bool

	sent sentPacket
}

// reset prepares the writer for a new datagram of at most maxSize bytes.
func (w *packetWriter) reset(maxSize int) {
	w.b = w.b[:0]
	w.maxSize = maxSize
}

// datagram returns the completed datagram.
func (w *packetWriter) datagram() []byte { return w.b }

// avail reports how many more bytes may be written to the datagram.
func (w *packetWriter) avail() int { return w.maxSize - len(w.b) }

// startProtectedLongHeaderPacket begins a long-header packet (Initial,
// 0-RTT, or Handshake). Per spec.md §4.3, long-header packet numbers are
// always encoded in 4 bytes here.
func (w *packetWriter) startProtectedLongHeaderPacket(pnumMaxAcked packetNumber, p longPacket) {
	w.hdrStart = len(w.b)
	w.isLong = true
	w.pnumLen = 4

	w.b = append(w.b, headerFormLong|fixedBit|byte(longHeaderTypeBits(p.ptype))<<4)
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], p.version)
	w.b = append(w.b, vb[:]...)
	w.b = append(w.b, byte(len(p.dstConnID)))
	w.b = append(w.b, p.dstConnID...)
	w.b = append(w.b, byte(len(p.srcConnID)))
	w.b = append(w.b, p.srcConnID...)
	if p.ptype == packetTypeInitial {
		w.b = appendVarint(w.b, uint64(len(p.token)))
		w.b = append(w.b, p.token...)
	}
	w.lenOff = len(w.b)
	w.b = append(w.b, 0, 0) // 2-byte length placeholder, patched in finish
	w.pnumOff = len(w.b)
	w.b = append(w.b, 0, 0, 0, 0) // 4-byte packet number placeholder
	w.payloadOff = len(w.b)

	w.sent = sentPacket{num: p.num, space: spaceForPacketType(p.ptype)}
}

func longHeaderTypeBits(t packetType) int {
	switch t {
	case packetTypeInitial:
		return 0
	case packetType0RTT:
		return 1
	case packetTypeHandshake:
		return 2
	case packetTypeRetry:
		return 3
	}
	panic("quic: invalid long header packet type")
}

// start1RTTPacket begins a short-header (1-RTT) packet.
func (w *packetWriter) start1RTTPacket(pnum, pnumMaxAcked packetNumber, dstConnID []byte) {
	w.hdrStart = len(w.b)
	w.isLong = false
	w.pnumLen = packetNumberLength(pnum, pnumMaxAcked)

	w.b = append(w.b, fixedBit|byte(w.pnumLen-1))
	w.b = append(w.b, dstConnID...)
	w.pnumOff = len(w.b)
	w.b = appendPacketNumber(w.b, w.pnumLen, 0) // placeholder, real value at finish
	w.payloadOff = len(w.b)

	w.sent = sentPacket{num: pnum, space: appDataSpace}
}

// payload returns the bytes appended to the current packet's payload
// so far (frames written, not yet sealed).
func (w *packetWriter) payload() []byte { return w.b[w.payloadOff:] }

// appendPaddingTo pads the datagram (not just the current packet's
// payload) with zero bytes until it is exactly n bytes long.
//
// Used for the minimum Initial datagram size (spec.md §4.3) and
// PMTUD probes (spec.md §4.8); in both cases the padding is accounted
// to the currently open packet for loss-recovery purposes.
func (w *packetWriter) appendPaddingTo(n int) {
	for len(w.b) < n {
		w.b = append(w.b, 0)
	}
}

// abandonPacket discards the packet currently under construction,
// reverting the datagram to its state before the matching start*Packet
// call. Used when a packet ends up containing nothing worth sending
// (spec.md §4.10 step 5 "If ... no more frames desired").
func (w *packetWriter) abandonPacket() {
	w.b = w.b[:w.hdrStart]
}

// finishProtectedLongHeaderPacket finalizes a long-header packet: encodes
// the real packet number, patches the length field, AEAD-seals the
// payload, and applies header protection (spec.md §4.2/§4.3).
//
// It returns nil, abandoning the packet, if nothing was written to its
// payload.
func (w *packetWriter) finishProtectedLongHeaderPacket(pnumMaxAcked packetNumber, k keys, p longPacket) *sentPacket {
	if len(w.payload()) == 0 {
		w.abandonPacket()
		return nil
	}
	return w.seal(k, p.num)
}

// finish1RTTPacket finalizes a short-header packet.
func (w *packetWriter) finish1RTTPacket(pnum, pnumMaxAcked packetNumber, dstConnID []byte, k keys) *sentPacket {
	if len(w.payload()) == 0 {
		w.abandonPacket()
		return nil
	}
	if k.keyPhase%2 == 1 {
		w.b[w.hdrStart] |= 0x04
	}
	return w.seal(k, pnum)
}

// seal performs the shared AEAD + header protection finalization for
// both long- and short-header packets.
func (w *packetWriter) seal(k keys, pnum packetNumber) *sentPacket {
	// Encode the real packet number over the placeholder.
	copy(w.b[w.pnumOff:w.pnumOff+int(w.pnumLen)], appendPacketNumber(nil, w.pnumLen, pnum))

	// Header protection samples 16 bytes starting 4 bytes into the packet
	// number field; pad the plaintext with PADDING frames so the sealed
	// packet is long enough to hold that sample.
	for len(w.b)+k.aead.Overhead() < w.pnumOff+4+16 {
		w.b = append(w.b, frameTypePadding)
	}

	plainLen := len(w.b) - (w.pnumOff + int(w.pnumLen))
	plaintext := append([]byte(nil), w.b[w.pnumOff+int(w.pnumLen):]...)

	if w.isLong {
		// Patch the 2-byte length varint: packet number length + payload
		// (plaintext) length + AEAD tag.
		totalLen := int(w.pnumLen) + plainLen + k.aead.Overhead()
		w.b[w.lenOff] = 0b01<<6 | byte(totalLen>>8)
		w.b[w.lenOff+1] = byte(totalLen)
	}

	// Grow the buffer to hold the AEAD tag before sealing in place, so
	// that Seal's internal append cannot reallocate out from under w.b.
	w.b = append(w.b, make([]byte, k.aead.Overhead())...)
	header := w.b[w.hdrStart : w.pnumOff+int(w.pnumLen)]
	payload := w.b[w.pnumOff+int(w.pnumLen):]

	nonce := aeadNonce(k.iv, pnum)
	sealed := k.aead.Seal(payload[:0], nonce, plaintext, header)
	w.b = w.b[:len(header)+len(sealed)]

	// Apply header protection using a sample starting 4 bytes into the
	// packet number field, RFC 9001 Section 5.4.2.
	sampleOff := w.pnumOff + 4
	mask := k.hp.headerProtectionMask(w.b[sampleOff : sampleOff+16])
	if w.isLong {
		w.b[w.hdrStart] ^= mask[0] & 0x0f
	} else {
		w.b[w.hdrStart] ^= mask[0] & 0x1f
	}
	for i := 0; i < int(w.pnumLen); i++ {
		w.b[w.pnumOff+i] ^= mask[1+i]
	}

	w.sent.size = len(w.b) - w.hdrStart
	sent := w.sent
	return &sent
}
