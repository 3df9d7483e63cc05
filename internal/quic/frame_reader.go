// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "fmt"

// A debugFrame is a parsed representation of a single QUIC frame, used by
// the test harness (testConn, following the teacher's conn_test.go) to
// build and compare packets without going through the connection's
// frame-processing state machine.
type debugFrame interface {
	String() string
	write(w *packetWriter)
}

type debugFramePadding struct{ size int }

func (f debugFramePadding) String() string    { return fmt.Sprintf("PADDING(%v)", f.size) }
func (f debugFramePadding) write(w *packetWriter) { w.appendPaddingFrame(f.size) }

type debugFramePing struct{}

func (f debugFramePing) String() string        { return "PING" }
func (f debugFramePing) write(w *packetWriter) { w.appendPingFrame() }

type debugFrameAck struct {
	ranges rangeset[packetNumber]
	delay  uint64
}

func (f debugFrameAck) String() string {
	return fmt.Sprintf("ACK ranges=%v delay=%v", f.ranges, f.delay)
}
func (f debugFrameAck) write(w *packetWriter) { w.appendAckFrame(f.ranges, f.delay) }

type debugFrameCrypto struct {
	offset int64
	data   []byte
}

func (f debugFrameCrypto) String() string {
	return fmt.Sprintf("CRYPTO offset=%v len=%v", f.offset, len(f.data))
}
func (f debugFrameCrypto) write(w *packetWriter) { w.appendCryptoFrame(f.offset, f.data) }

type debugFrameStream struct {
	id     int64
	offset int64
	data   []byte
	fin    bool
}

func (f debugFrameStream) String() string {
	return fmt.Sprintf("STREAM id=%v offset=%v len=%v fin=%v", f.id, f.offset, len(f.data), f.fin)
}
func (f debugFrameStream) write(w *packetWriter) { w.appendStreamFrame(f.id, f.offset, f.data, f.fin) }

type debugFrameResetStream struct {
	id        int64
	code      uint64
	finalSize int64
}

func (f debugFrameResetStream) String() string {
	return fmt.Sprintf("RESET_STREAM id=%v code=%v final=%v", f.id, f.code, f.finalSize)
}
func (f debugFrameResetStream) write(w *packetWriter) {
	w.appendResetStreamFrame(f.id, f.code, f.finalSize)
}

type debugFrameStopSending struct {
	id   int64
	code uint64
}

func (f debugFrameStopSending) String() string {
	return fmt.Sprintf("STOP_SENDING id=%v code=%v", f.id, f.code)
}
func (f debugFrameStopSending) write(w *packetWriter) { w.appendStopSendingFrame(f.id, f.code) }

type debugFrameMaxData struct{ max int64 }

func (f debugFrameMaxData) String() string        { return fmt.Sprintf("MAX_DATA max=%v", f.max) }
func (f debugFrameMaxData) write(w *packetWriter) { w.appendMaxDataFrame(f.max) }

type debugFrameMaxStreamData struct {
	id  int64
	max int64
}

func (f debugFrameMaxStreamData) String() string {
	return fmt.Sprintf("MAX_STREAM_DATA id=%v max=%v", f.id, f.max)
}
func (f debugFrameMaxStreamData) write(w *packetWriter) {
	w.appendMaxStreamDataFrame(f.id, f.max)
}

type debugFrameMaxStreams struct {
	uni     bool
	max     int64
	blocked bool // true for STREAMS_BLOCKED rather than MAX_STREAMS
}

func (f debugFrameMaxStreams) String() string {
	if f.blocked {
		return fmt.Sprintf("STREAMS_BLOCKED uni=%v max=%v", f.uni, f.max)
	}
	return fmt.Sprintf("MAX_STREAMS uni=%v max=%v", f.uni, f.max)
}
func (f debugFrameMaxStreams) write(w *packetWriter) {
	if f.blocked {
		w.appendStreamsBlockedFrame(f.uni, f.max)
		return
	}
	w.appendMaxStreamsFrame(f.uni, f.max)
}

type debugFrameNewToken struct{ token []byte }

func (f debugFrameNewToken) String() string        { return fmt.Sprintf("NEW_TOKEN len=%v", len(f.token)) }
func (f debugFrameNewToken) write(w *packetWriter) { w.appendNewTokenFrame(f.token) }

type debugFrameDataBlocked struct{ limit int64 }

func (f debugFrameDataBlocked) String() string { return fmt.Sprintf("DATA_BLOCKED limit=%v", f.limit) }
func (f debugFrameDataBlocked) write(w *packetWriter) { w.appendDataBlockedFrame(f.limit) }

type debugFrameStreamDataBlocked struct {
	id    int64
	limit int64
}

func (f debugFrameStreamDataBlocked) String() string {
	return fmt.Sprintf("STREAM_DATA_BLOCKED id=%v limit=%v", f.id, f.limit)
}
func (f debugFrameStreamDataBlocked) write(w *packetWriter) {
	w.appendStreamDataBlockedFrame(f.id, f.limit)
}

type debugFrameNewConnectionID struct {
	seq           int64
	retirePriorTo int64
	connID        []byte
	token         [16]byte
}

func (f debugFrameNewConnectionID) String() string {
	return fmt.Sprintf("NEW_CONNECTION_ID seq=%v retire_prior_to=%v id=%x", f.seq, f.retirePriorTo, f.connID)
}
func (f debugFrameNewConnectionID) write(w *packetWriter) {
	w.appendNewConnectionIDFrame(f.seq, f.retirePriorTo, f.connID, f.token)
}

type debugFrameRetireConnectionID struct{ seq int64 }

func (f debugFrameRetireConnectionID) String() string {
	return fmt.Sprintf("RETIRE_CONNECTION_ID seq=%v", f.seq)
}
func (f debugFrameRetireConnectionID) write(w *packetWriter) {
	w.appendRetireConnectionIDFrame(f.seq)
}

type debugFramePathChallenge struct{ data [8]byte }

func (f debugFramePathChallenge) String() string        { return fmt.Sprintf("PATH_CHALLENGE %x", f.data) }
func (f debugFramePathChallenge) write(w *packetWriter) { w.appendPathChallengeFrame(f.data) }

type debugFramePathResponse struct{ data [8]byte }

func (f debugFramePathResponse) String() string        { return fmt.Sprintf("PATH_RESPONSE %x", f.data) }
func (f debugFramePathResponse) write(w *packetWriter) { w.appendPathResponseFrame(f.data) }

type debugFrameConnectionClose struct {
	isApp     bool
	code      uint64
	frameType uint64
	reason    string
}

func (f debugFrameConnectionClose) String() string {
	return fmt.Sprintf("CONNECTION_CLOSE app=%v code=%v reason=%q", f.isApp, f.code, f.reason)
}
func (f debugFrameConnectionClose) write(w *packetWriter) {
	w.appendConnectionCloseFrame(f.isApp, f.code, f.frameType, f.reason)
}

type debugFrameHandshakeDone struct{}

func (f debugFrameHandshakeDone) String() string        { return "HANDSHAKE_DONE" }
func (f debugFrameHandshakeDone) write(w *packetWriter) { w.appendHandshakeDoneFrame() }

type debugFrameDatagram struct{ data []byte }

func (f debugFrameDatagram) String() string        { return fmt.Sprintf("DATAGRAM len=%v", len(f.data)) }
func (f debugFrameDatagram) write(w *packetWriter) { w.appendDatagramFrame(f.data) }

// parseDebugFrame parses a single frame from payload, returning its
// length, or a negative length on a malformed frame (spec.md §7 "Drops").
func parseDebugFrame(payload []byte) (debugFrame, int) {
	if len(payload) == 0 {
		return nil, -1
	}
	t := payload[0]
	switch {
	case t == frameTypePadding:
		n := 0
		for n < len(payload) && payload[n] == frameTypePadding {
			n++
		}
		return debugFramePadding{size: n}, n
	case t == frameTypePing:
		return debugFramePing{}, 1
	case t == frameTypeAck || t == frameTypeAckECN:
		return parseAckFrame(payload, t == frameTypeAckECN)
	case t == frameTypeResetStream:
		return parseResetStreamFrame(payload)
	case t == frameTypeStopSending:
		return parseStopSendingFrame(payload)
	case t == frameTypeCrypto:
		return parseCryptoFrame(payload)
	case t == frameTypeNewToken:
		return parseNewTokenFrame(payload)
	case isStreamFrameType(t):
		return parseStreamFrame(payload)
	case t == frameTypeMaxData:
		return parseVarintFrame(payload, func(v int64) debugFrame { return debugFrameMaxData{v} })
	case t == frameTypeMaxStreamData:
		return parse2VarintFrame(payload, func(a, b int64) debugFrame { return debugFrameMaxStreamData{a, b} })
	case t == frameTypeMaxStreamsBidi:
		return parseVarintFrame(payload, func(v int64) debugFrame { return debugFrameMaxStreams{uni: false, max: v} })
	case t == frameTypeMaxStreamsUni:
		return parseVarintFrame(payload, func(v int64) debugFrame { return debugFrameMaxStreams{uni: true, max: v} })
	case t == frameTypeDataBlocked:
		return parseVarintFrame(payload, func(v int64) debugFrame { return debugFrameDataBlocked{v} })
	case t == frameTypeStreamDataBlocked:
		return parse2VarintFrame(payload, func(a, b int64) debugFrame { return debugFrameStreamDataBlocked{a, b} })
	case t == frameTypeStreamsBlockedBidi, t == frameTypeStreamsBlockedUni:
		uni := t == frameTypeStreamsBlockedUni
		return parseVarintFrame(payload, func(v int64) debugFrame { return debugFrameMaxStreams{uni: uni, max: v, blocked: true} })
	case t == frameTypeNewConnectionID:
		return parseNewConnectionIDFrame(payload)
	case t == frameTypeRetireConnectionID:
		return parseVarintFrame(payload, func(v int64) debugFrame { return debugFrameRetireConnectionID{v} })
	case t == frameTypePathChallenge:
		return parsePathDataFrame(payload, false)
	case t == frameTypePathResponse:
		return parsePathDataFrame(payload, true)
	case t == frameTypeConnectionCloseTransport || t == frameTypeConnectionCloseApp:
		return parseConnectionCloseFrame(payload)
	case t == frameTypeHandshakeDone:
		return debugFrameHandshakeDone{}, 1
	case isDatagramFrameType(t):
		return parseDatagramFrame(payload)
	default:
		return nil, -1
	}
}

func parseAckFrame(b []byte, ecn bool) (debugFrame, int) {
	orig := len(b)
	b = b[1:]
	largest, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	delay, n := consumeVarint(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	count, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	firstRange, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	var ranges rangeset[packetNumber]
	ranges.add(packetNumber(largest-firstRange), packetNumber(largest+1))
	smallest := largest - firstRange
	for i := int64(0); i < count; i++ {
		gap, n := consumeVarintInt64(b)
		if n < 0 {
			return nil, -1
		}
		b = b[n:]
		rl, n := consumeVarintInt64(b)
		if n < 0 {
			return nil, -1
		}
		b = b[n:]
		end := smallest - gap - 1
		start := end - rl
		ranges.add(packetNumber(start), packetNumber(end+1))
		smallest = start
	}
	if ecn {
		for i := 0; i < 3; i++ {
			_, n := consumeVarint(b)
			if n < 0 {
				return nil, -1
			}
			b = b[n:]
		}
	}
	return debugFrameAck{ranges: ranges, delay: delay}, orig - len(b)
}

func parseCryptoFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	b = b[1:]
	offset, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	length, n := consumeVarintInt64(b)
	if n < 0 || int64(len(b)) < length {
		return nil, -1
	}
	data := b[n : n+int(length)]
	b = b[n+int(length):]
	return debugFrameCrypto{offset: offset, data: data}, orig - len(b)
}

func parseStreamFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	t := b[0]
	b = b[1:]
	hasOffset, hasLength, hasFin := streamFrameBits(t)
	id, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	var offset int64
	if hasOffset {
		offset, n = consumeVarintInt64(b)
		if n < 0 {
			return nil, -1
		}
		b = b[n:]
	}
	var length int64
	if hasLength {
		length, n = consumeVarintInt64(b)
		if n < 0 {
			return nil, -1
		}
		b = b[n:]
		if int64(len(b)) < length {
			return nil, -1
		}
	} else {
		length = int64(len(b))
	}
	data := b[:length]
	b = b[length:]
	return debugFrameStream{id: id, offset: offset, data: data, fin: hasFin}, orig - len(b)
}

func parseResetStreamFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	b = b[1:]
	id, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	code, n := consumeVarint(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	final, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	return debugFrameResetStream{id: id, code: code, finalSize: final}, orig - len(b)
}

func parseStopSendingFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	b = b[1:]
	id, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	code, n := consumeVarint(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	return debugFrameStopSending{id: id, code: code}, orig - len(b)
}

func parseNewTokenFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	b = b[1:]
	length, n := consumeVarintInt64(b)
	if n < 0 || int64(len(b)-n) < length {
		return nil, -1
	}
	token := append([]byte(nil), b[n:n+int(length)]...)
	b = b[n+int(length):]
	return debugFrameNewToken{token: token}, orig - len(b)
}

func parseVarintFrame(b []byte, make func(int64) debugFrame) (debugFrame, int) {
	orig := len(b)
	b = b[1:]
	v, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	return make(v), orig - len(b)
}

func parse2VarintFrame(b []byte, mk func(int64, int64) debugFrame) (debugFrame, int) {
	orig := len(b)
	b = b[1:]
	a, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	c, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	return mk(a, c), orig - len(b)
}

func parseNewConnectionIDFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	b = b[1:]
	seq, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	retire, n := consumeVarintInt64(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	if len(b) < 1 {
		return nil, -1
	}
	idLen := int(b[0])
	b = b[1:]
	if len(b) < idLen+16 {
		return nil, -1
	}
	id := append([]byte(nil), b[:idLen]...)
	b = b[idLen:]
	var token [16]byte
	copy(token[:], b[:16])
	b = b[16:]
	return debugFrameNewConnectionID{seq: seq, retirePriorTo: retire, connID: id, token: token}, orig - len(b)
}

func parsePathDataFrame(b []byte, isResponse bool) (debugFrame, int) {
	if len(b) < 9 {
		return nil, -1
	}
	var data [8]byte
	copy(data[:], b[1:9])
	if isResponse {
		return debugFramePathResponse{data: data}, 9
	}
	return debugFramePathChallenge{data: data}, 9
}

func parseConnectionCloseFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	isApp := b[0] == frameTypeConnectionCloseApp
	b = b[1:]
	code, n := consumeVarint(b)
	if n < 0 {
		return nil, -1
	}
	b = b[n:]
	var frameType uint64
	if !isApp {
		frameType, n = consumeVarint(b)
		if n < 0 {
			return nil, -1
		}
		b = b[n:]
	}
	rlen, n := consumeVarintInt64(b)
	if n < 0 || int64(len(b)-n) < rlen {
		return nil, -1
	}
	reason := string(b[n : n+int(rlen)])
	b = b[n+int(rlen):]
	return debugFrameConnectionClose{isApp: isApp, code: code, frameType: frameType, reason: reason}, orig - len(b)
}

func parseDatagramFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	hasLen := b[0]&0x01 != 0
	b = b[1:]
	var length int64
	if hasLen {
		n := 0
		length, n = consumeVarintInt64(b)
		if n < 0 {
			return nil, -1
		}
		b = b[n:]
		if int64(len(b)) < length {
			return nil, -1
		}
	} else {
		length = int64(len(b))
	}
	data := b[:length]
	b = b[length:]
	return debugFrameDatagram{data: data}, orig - len(b)
}
