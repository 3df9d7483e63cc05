// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// packetType identifies the QUIC packet types of spec.md §4.3.
type packetType int

const (
	packetTypeInvalid packetType = iota
	packetTypeInitial
	packetType0RTT
	packetTypeHandshake
	packetTypeRetry
	packetType1RTT
	packetTypeVersionNegotiation
)

func (p packetType) String() string {
	switch p {
	case packetTypeInitial:
		return "Initial"
	case packetType0RTT:
		return "0-RTT"
	case packetTypeHandshake:
		return "Handshake"
	case packetTypeRetry:
		return "Retry"
	case packetType1RTT:
		return "1-RTT"
	case packetTypeVersionNegotiation:
		return "Version Negotiation"
	default:
		return "Invalid"
	}
}

// numberSpace identifies a packet-number space, spec.md §3.4.
type numberSpace int

const (
	initialSpace numberSpace = iota
	handshakeSpace
	appDataSpace
	numberSpaceCount
)

func (s numberSpace) String() string {
	switch s {
	case initialSpace:
		return "Initial"
	case handshakeSpace:
		return "Handshake"
	case appDataSpace:
		return "Application"
	default:
		return "invalid space"
	}
}

// spaceForPacketType maps a packet type to its packet-number space.
func spaceForPacketType(p packetType) numberSpace {
	switch p {
	case packetTypeInitial:
		return initialSpace
	case packetTypeHandshake:
		return handshakeSpace
	case packetType0RTT, packetType1RTT:
		return appDataSpace
	default:
		panic("quic: no number space for packet type")
	}
}

// packetTypeForSpace is the inverse of spaceForPacketType, used when
// building a long-header packet for a space that isn't 1-RTT.
func packetTypeForSpace(s numberSpace) packetType {
	switch s {
	case initialSpace:
		return packetTypeInitial
	case handshakeSpace:
		return packetTypeHandshake
	default:
		return packetType1RTT
	}
}

const (
	headerFormLong  = 0x80
	fixedBit        = 0x40
	longPacketTypeMask = 0x30
)

// isLongHeader reports whether the first byte of a datagram begins a
// long-header packet, spec.md §4.3 step 1.
func isLongHeader(b byte) bool {
	return b&headerFormLong != 0
}

// getPacketType returns the packet type of the first packet in a datagram,
// without removing header protection.
func getPacketType(b []byte) packetType {
	if len(b) == 0 {
		return packetTypeInvalid
	}
	if !isLongHeader(b[0]) {
		return packetType1RTT
	}
	if len(b) >= 5 && b[1] == 0 && b[2] == 0 && b[3] == 0 && b[4] == 0 {
		return packetTypeVersionNegotiation
	}
	switch (b[0] & longPacketTypeMask) >> 4 {
	case 0:
		return packetTypeInitial
	case 1:
		return packetType0RTT
	case 2:
		return packetTypeHandshake
	case 3:
		return packetTypeRetry
	}
	return packetTypeInvalid
}

// longPacket is a parsed long-header packet, spec.md §4.3.
type longPacket struct {
	ptype     packetType
	version   uint32
	num       packetNumber
	dstConnID []byte
	srcConnID []byte
	token     []byte // Initial only
	payload   []byte
}

// shortPacket is a parsed short-header (1-RTT) packet.
type shortPacket struct {
	num      packetNumber
	keyPhase int
	payload  []byte
}

// dstConnIDForDatagram extracts the destination connection ID from the
// first packet of a datagram, used by the binding to route packets
// (spec.md §4.13) before any keys are available.
func dstConnIDForDatagram(b []byte) (id []byte, ok bool) {
	if len(b) < 1 {
		return nil, false
	}
	if isLongHeader(b[0]) {
		if len(b) < 6 {
			return nil, false
		}
		n := int(b[5])
		if len(b) < 6+n {
			return nil, false
		}
		return b[6 : 6+n], true
	}
	// Short header: the length of the destination CID is not self
	// describing; the caller (binding) supplies it out of band from its
	// local CID-length policy, see spec.md §4.3 step 4.
	return nil, false
}

// parseInvariantHeader validates the invariant portion of a long header,
// spec.md §4.3 step 1, before any version-specific interpretation.
func parseInvariantHeader(b []byte) (destID, srcID, rest []byte, ok bool) {
	if len(b) < 6 {
		return nil, nil, nil, false
	}
	if !isLongHeader(b[0]) {
		return nil, nil, nil, false
	}
	n := int(b[5])
	if n > 20 || len(b) < 6+n {
		return nil, nil, nil, false
	}
	destID = b[6 : 6+n]
	rest = b[6+n:]
	if len(rest) < 1 {
		return nil, nil, nil, false
	}
	sn := int(rest[0])
	if sn > 20 || len(rest) < 1+sn {
		return nil, nil, nil, false
	}
	srcID = rest[1 : 1+sn]
	rest = rest[1+sn:]
	return destID, srcID, rest, true
}

// parseLongHeaderPacket parses and removes header protection and AEAD
// protection from a long-header packet, spec.md §4.3 steps 1-3.
//
// pnumMax is the largest packet number we have seen in this space, used
// to decode the truncated packet number (spec.md §4.1).
//
// It returns a negative n on any parse or decryption failure; per
// spec.md §7 these failures are silent drops, not connection errors.
func parseLongHeaderPacket(b []byte, k keys, pnumMax packetNumber) (p longPacket, n int) {
	if len(b) < 5 {
		return longPacket{}, -1
	}
	if b[0]&fixedBit == 0 {
		return longPacket{}, -1
	}
	version := binary.BigEndian.Uint32(b[1:5])
	destID, srcID, rest, ok := parseInvariantHeader(b)
	if !ok {
		return longPacket{}, -1
	}
	ptype := getPacketType(b)
	var token []byte
	if ptype == packetTypeInitial {
		var ok bool
		token, rest, ok = consumeInitialToken(rest)
		if !ok {
			return longPacket{}, -1
		}
	}
	length, nn := consumeVarint(rest)
	if nn < 0 || uint64(len(rest)-nn) < length {
		return longPacket{}, -1
	}
	headerLen := len(b) - len(rest) + nn
	pktEnd := headerLen + int(length)
	if pktEnd > len(b) {
		return longPacket{}, -1
	}
	if !k.isSet() {
		return longPacket{}, -1
	}
	payload, pnum, ok := removeHeaderProtectionAndDecrypt(k, b[:pktEnd], headerLen, pnumMax)
	if !ok {
		return longPacket{}, -1
	}
	return longPacket{
		ptype:     ptype,
		version:   version,
		num:       pnum,
		dstConnID: destID,
		srcConnID: srcID,
		token:     token,
		payload:   payload,
	}, pktEnd
}

// consumeInitialToken reads the Token Length and Token fields that
// follow the two connection IDs in an Initial packet's header, RFC 9000
// Section 17.2.2. This portion of the header is not protected, so the
// binding can read it to validate a Retry token before any keys exist
// for the connection, spec.md §4.13.
func consumeInitialToken(rest []byte) (token, remainder []byte, ok bool) {
	tokenLen, n := consumeVarint(rest)
	if n < 0 || uint64(len(rest)-n) < tokenLen {
		return nil, nil, false
	}
	return rest[n : n+int(tokenLen)], rest[n+int(tokenLen):], true
}

// parse1RTTPacket parses a short-header packet, spec.md §4.3 step 4.
// connIDLen is the length of connection IDs this endpoint issued, since
// the short header's destination CID has no explicit length.
func parse1RTTPacket(b []byte, k keys, connIDLen int, pnumMax packetNumber) (p shortPacket, n int) {
	if len(b) < 1+connIDLen {
		return shortPacket{}, -1
	}
	if b[0]&fixedBit == 0 {
		return shortPacket{}, -1
	}
	headerLen := 1 + connIDLen
	if !k.isSet() {
		return shortPacket{}, -1
	}
	payload, pnum, ok := removeHeaderProtectionAndDecrypt(k, b, headerLen, pnumMax)
	if !ok {
		return shortPacket{}, -1
	}
	keyPhase := 0
	if b[0]&0x04 != 0 {
		keyPhase = 1
	}
	return shortPacket{num: pnum, keyPhase: keyPhase, payload: payload}, len(b)
}

// removeHeaderProtectionAndDecrypt implements spec.md §4.2/§4.3: sample
// the ciphertext, unmask the first byte and packet number, reconstruct
// the full packet number, then AEAD-decrypt the payload using the
// unprotected header as associated data.
func removeHeaderProtectionAndDecrypt(k keys, b []byte, headerLen int, pnumMax packetNumber) (payload []byte, pnum packetNumber, ok bool) {
	// Sample starts 4 bytes after the start of the packet number field,
	// RFC 9001 Section 5.4.2: the sample offset assumes a 4-byte PN field
	// whatever the real packet number length turns out to be.
	const sampleLen = 16
	pnOffset := headerLen
	sampleOffset := pnOffset + 4
	if sampleOffset+sampleLen > len(b) {
		return nil, 0, false
	}
	mask := k.hp.headerProtectionMask(b[sampleOffset : sampleOffset+sampleLen])

	first := make([]byte, len(b))
	copy(first, b)
	if isLongHeader(first[0]) {
		first[0] ^= mask[0] & 0x0f
	} else {
		first[0] ^= mask[0] & 0x1f
	}
	pnLen := int(first[0]&0x03) + 1
	if pnOffset+pnLen > len(first) {
		return nil, 0, false
	}
	for i := 0; i < pnLen; i++ {
		first[pnOffset+i] ^= mask[1+i]
	}
	var truncated uint64
	for i := 0; i < pnLen; i++ {
		truncated = (truncated << 8) | uint64(first[pnOffset+i])
	}
	pnum = decodePacketNumber(pnumMax, truncated, byte(pnLen))

	header := first[:pnOffset+pnLen]
	ciphertext := first[pnOffset+pnLen:]
	nonce := aeadNonce(k.iv, pnum)
	plain, err := k.aead.Open(ciphertext[:0], nonce, ciphertext, header)
	if err != nil {
		return nil, 0, false
	}
	return plain, pnum, true
}

// --- version negotiation and Retry, spec.md §4.3 ---

// quicVersion1 is the QUIC v1 wire version, RFC 9000.
const quicVersion1 = 0x00000001

// buildVersionNegotiation constructs a Version Negotiation packet listing
// the given supported versions, echoing the client's connection IDs,
// spec.md §4.3 "Version negotiation".
func buildVersionNegotiation(dstConnID, srcConnID []byte, versions []uint32) []byte {
	b := make([]byte, 0, 16)
	b = append(b, headerFormLong|fixedBit) // the low bits are unspecified for VN
	b = append(b, 0, 0, 0, 0)              // version 0 identifies Version Negotiation
	b = append(b, byte(len(dstConnID)))
	b = append(b, dstConnID...)
	b = append(b, byte(len(srcConnID)))
	b = append(b, srcConnID...)
	for _, v := range versions {
		var vb [4]byte
		binary.BigEndian.PutUint32(vb[:], v)
		b = append(b, vb[:]...)
	}
	return b
}

// parseVersionNegotiation parses a server's Version Negotiation packet.
func parseVersionNegotiation(b []byte) (versions []uint32, ok bool) {
	destID, srcID, rest, ok := parseInvariantHeader(b)
	_ = destID
	_ = srcID
	if !ok {
		return nil, false
	}
	if len(rest)%4 != 0 {
		return nil, false
	}
	for len(rest) > 0 {
		versions = append(versions, binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
	}
	return versions, true
}

// retryIntegritySecret is the version-specific fixed key used to compute
// the Retry integrity tag, RFC 9001 Section 5.8 (QUIC v1 value).
var retryIntegritySecret = []byte{
	0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a,
	0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e,
}
var retryIntegrityNonce = []byte{
	0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb,
}

// buildRetry constructs a server Retry packet, spec.md §4.3 "Retry".
func buildRetry(origDstConnID, dstConnID, srcConnID, token []byte) ([]byte, error) {
	b := make([]byte, 0, 64)
	b = append(b, headerFormLong|fixedBit|(3<<4))
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], quicVersion1)
	b = append(b, vb[:]...)
	b = append(b, byte(len(dstConnID)))
	b = append(b, dstConnID...)
	b = append(b, byte(len(srcConnID)))
	b = append(b, srcConnID...)
	b = append(b, token...)

	tag, err := retryIntegrityTag(origDstConnID, b)
	if err != nil {
		return nil, err
	}
	b = append(b, tag...)
	return b, nil
}

// retryIntegrityTag computes the 16-byte Retry integrity tag: AES-128-GCM
// encryption (with empty plaintext) of a pseudo-packet consisting of the
// original DCID length+value followed by the Retry packet fields,
// RFC 9001 Section 5.8, spec.md §4.3.
func retryIntegrityTag(origDstConnID, retryBody []byte) ([]byte, error) {
	block, err := aes.NewCipher(retryIntegritySecret)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	pseudo := make([]byte, 0, 1+len(origDstConnID)+len(retryBody))
	pseudo = append(pseudo, byte(len(origDstConnID)))
	pseudo = append(pseudo, origDstConnID...)
	pseudo = append(pseudo, retryBody...)
	return aead.Seal(nil, retryIntegrityNonce, nil, pseudo), nil
}

// validateRetry verifies a Retry packet's integrity tag against the
// original destination connection ID used by the client's first Initial.
func validateRetry(origDstConnID, retry []byte) bool {
	if len(retry) < 16 {
		return false
	}
	body, tag := retry[:len(retry)-16], retry[len(retry)-16:]
	want, err := retryIntegrityTag(origDstConnID, body)
	if err != nil {
		return false
	}
	return len(want) == len(tag) && constantTimeEqual(want, tag)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

var errShortBuffer = fmt.Errorf("quic: buffer too short")
