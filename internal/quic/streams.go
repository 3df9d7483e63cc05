// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"fmt"
	"sync"
)

// streamID layout, RFC 9000 Section 2.1: the low two bits select
// initiator (bit 0) and directionality (bit 1).
const (
	streamClientInitiatedBidi = 0x0
	streamServerInitiatedBidi = 0x1
	streamClientInitiatedUni  = 0x2
	streamServerInitiatedUni  = 0x3
)

func isBidiStream(id int64) bool   { return id&0x2 == 0 }
func isClientStream(id int64) bool { return id&0x1 == 0 }

// streamSet owns every Stream on a connection, implementing spec.md
// §4.9/§3.3's re-architected single-owner model (DESIGN.md "Stream
// reference-count replacement"): the streamSet is the sole owner of
// each *Stream; callers outside the loop goroutine only ever hold a
// non-owning *Stream handle whose methods hop onto the loop via
// Conn.runOnLoop.
type streamSet struct {
	conn *Conn
	cfg  Config

	mu      sync.Mutex // guards acceptQueues only; everything else is loop-confined
	streams map[int64]*Stream

	nextID [4]int64 // next stream ID to allocate, indexed by the 2-bit type

	peerMaxStreamsBidi int64
	peerMaxStreamsUni  int64
	localMaxStreamsBidi int64
	localMaxStreamsUni  int64
	streamsOpenedUni   int64
	streamsOpenedBidi  int64

	acceptBidi chan *Stream
	acceptUni  chan *Stream

	crypto [numberSpaceCount]*cryptoStream

	handshakeDonePending bool
	maxDataPending       bool
	maxStreamsBidiPending bool
	maxStreamsUniPending  bool
}

func (ss *streamSet) init(c *Conn, cfg Config) {
	ss.conn = c
	ss.cfg = cfg
	ss.streams = make(map[int64]*Stream)
	ss.localMaxStreamsBidi = cfg.MaxBidiStreams
	ss.localMaxStreamsUni = cfg.MaxUniStreams
	ss.acceptBidi = make(chan *Stream, 16)
	ss.acceptUni = make(chan *Stream, 16)
	for i := range ss.crypto {
		ss.crypto[i] = newCryptoStream()
	}
	if c.side == clientSide {
		ss.nextID[streamClientInitiatedBidi] = 0
		ss.nextID[streamClientInitiatedUni] = streamClientInitiatedUni
	} else {
		ss.nextID[streamServerInitiatedBidi] = streamServerInitiatedBidi
		ss.nextID[streamServerInitiatedUni] = streamServerInitiatedUni
	}
}

// queueCrypto appends handshake data produced by the TLS stack to the
// outgoing crypto stream for space, spec.md §4.2.
func (ss *streamSet) queueCrypto(space numberSpace, data []byte) {
	ss.crypto[space].queue(data)
}

func (ss *streamSet) queueHandshakeDone() {
	ss.handshakeDonePending = true
}

// localStreamType returns the 2-bit stream-ID type this connection side
// uses to initiate streams of the given directionality.
func (ss *streamSet) localStreamType(uni bool) int64 {
	switch {
	case ss.conn.side == clientSide && !uni:
		return streamClientInitiatedBidi
	case ss.conn.side == clientSide && uni:
		return streamClientInitiatedUni
	case ss.conn.side == serverSide && !uni:
		return streamServerInitiatedBidi
	default:
		return streamServerInitiatedUni
	}
}

// newLocalStream allocates and registers a new stream initiated by this
// endpoint, spec.md §3.3 "Opening". Must run on the loop.
func (ss *streamSet) newLocalStream(uni bool) (*Stream, error) {
	typ := ss.localStreamType(uni)
	if uni {
		if ss.streamsOpenedUni >= ss.peerMaxStreamsUni {
			return nil, fmt.Errorf("quic: uni stream limit reached")
		}
		ss.streamsOpenedUni++
	} else {
		if ss.streamsOpenedBidi >= ss.peerMaxStreamsBidi {
			return nil, fmt.Errorf("quic: bidi stream limit reached")
		}
		ss.streamsOpenedBidi++
	}
	id := ss.nextID[typ]
	ss.nextID[typ] += 4
	s := newStream(ss.conn, id, uni)
	ss.streams[id] = s
	ss.conn.metrics.streamsOpened.WithLabelValues(streamTypeLabel(uni), "local").Inc()
	return s, nil
}

func streamTypeLabel(uni bool) string {
	if uni {
		return "uni"
	}
	return "bidi"
}

// getOrCreateRemoteStream returns the Stream for a peer-initiated id,
// creating it (and any lower-numbered streams of the same type that are
// implicitly opened, RFC 9000 Section 2.1) on first reference.
func (ss *streamSet) getOrCreateRemoteStream(id int64) (*Stream, error) {
	if s, ok := ss.streams[id]; ok {
		return s, nil
	}
	uni := !isBidiStream(id)
	typ := id & 0x3
	limit := ss.localMaxStreamsBidi
	if uni {
		limit = ss.localMaxStreamsUni
	}
	maxID := typ + 4*(limit-1)
	if id > maxID {
		return nil, fmt.Errorf("quic: peer exceeded stream limit")
	}
	for next := ss.lowestUnopened(typ); next <= id; next += 4 {
		s := newStream(ss.conn, next, uni)
		ss.streams[next] = s
		if next == id {
			ss.enqueueAccept(s)
		} else {
			ss.enqueueAccept(s)
		}
	}
	return ss.streams[id], nil
}

func (ss *streamSet) lowestUnopened(typ int64) int64 {
	next := typ
	for {
		if _, ok := ss.streams[next]; !ok {
			return next
		}
		next += 4
	}
}

func (ss *streamSet) enqueueAccept(s *Stream) {
	ch := ss.acceptBidi
	if s.uni {
		ch = ss.acceptUni
	}
	select {
	case ch <- s:
	default:
		// Accept queue full: the stream is still tracked in ss.streams
		// and reachable once the application drains the channel; RFC
		// 9000's stream limit is the actual backpressure mechanism.
	}
}

// cryptoStream is the reliable, ordered byte stream CRYPTO frames carry
// for one packet-number space, spec.md §4.2.
type cryptoStream struct {
	out       []byte
	outBase   int64 // stream offset of out[0]
	sendOff   int64 // next offset to send
	ackedOff  int64 // prefix fully acknowledged; may be trimmed

	in        *recvBuf
	inDelivered int64
}

func newCryptoStream() *cryptoStream {
	return &cryptoStream{in: newRecvBuf(1 << 20)}
}

func (cs *cryptoStream) queue(data []byte) {
	cs.out = append(cs.out, data...)
}

// pending returns the next chunk of unsent data and its stream offset.
func (cs *cryptoStream) pending() (offset int64, data []byte) {
	off := cs.sendOff - cs.outBase
	if off >= int64(len(cs.out)) {
		return cs.sendOff, nil
	}
	return cs.sendOff, cs.out[off:]
}

func (cs *cryptoStream) sent(offset int64, n int) {
	if offset+int64(n) > cs.sendOff {
		cs.sendOff = offset + int64(n)
	}
}

// ackedThrough records that the peer has acknowledged all crypto bytes
// up to offset, allowing the send buffer to be trimmed.
func (cs *cryptoStream) ackedThrough(offset int64) {
	if offset <= cs.ackedOff {
		return
	}
	cs.ackedOff = offset
	trim := cs.ackedOff - cs.outBase
	if trim > 0 && trim <= int64(len(cs.out)) {
		cs.out = cs.out[trim:]
		cs.outBase = cs.ackedOff
	}
}

// lost reschedules offset..offset+n for retransmission.
func (cs *cryptoStream) lost(offset int64, n int) {
	if offset < cs.sendOff {
		cs.sendOff = offset
	}
}

func (cs *cryptoStream) receive(offset int64, data []byte) error {
	return cs.in.write(offset, data)
}

// deliverable returns newly in-order crypto bytes available to hand to
// the TLS stack, spec.md §4.2.
func (cs *cryptoStream) deliverable() []byte {
	avail := cs.in.readable()
	if len(avail) == 0 {
		return nil
	}
	buf := make([]byte, len(avail))
	n := cs.in.read(buf)
	cs.inDelivered += int64(n)
	return buf[:n]
}
