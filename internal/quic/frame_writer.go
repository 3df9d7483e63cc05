// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

// This file implements the packetWriter's append*Frame methods,
// spec.md §4 item 4 (frame codec) and §4.10 (builder loop frame order).
//
// Each method reports whether the frame fit in the remaining budget; if
// it returns false, the caller should stop trying to add more frames of
// that kind to this packet.

func (w *packetWriter) appendPaddingFrame(n int) bool {
	if w.avail() < n {
		return false
	}
	for i := 0; i < n; i++ {
		w.b = append(w.b, frameTypePadding)
	}
	return true
}

func (w *packetWriter) appendPingFrame() bool {
	if w.avail() < 1 {
		return false
	}
	w.b = append(w.b, frameTypePing)
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	return true
}

// appendAckFrame appends an ACK frame covering the ranges in seen
// (descending order, as produced by rangeset.rangesDescending),
// spec.md §4.5 "Send path".
func (w *packetWriter) appendAckFrame(seen rangeset[packetNumber], ackDelay uint64) bool {
	if seen.isEmpty() {
		return false
	}
	n := seen.numRanges()
	largest := seen[n-1].end - 1
	firstRange := seen[n-1].end - seen[n-1].start - 1

	need := 1 + sizeVarint(uint64(largest)) + sizeVarint(ackDelay) + sizeVarint(uint64(n-1)) + sizeVarint(uint64(firstRange))
	if w.avail() < need {
		return false
	}
	start := len(w.b)
	w.b = append(w.b, frameTypeAck)
	w.b = appendVarint(w.b, uint64(largest))
	w.b = appendVarint(w.b, ackDelay)
	w.b = appendVarint(w.b, uint64(n-1))
	w.b = appendVarint(w.b, uint64(firstRange))

	prevSmallest := seen[n-1].start
	for i := n - 2; i >= 0; i-- {
		gap := prevSmallest - seen[i].end - 1
		rangeLen := seen[i].end - seen[i].start - 1
		extra := sizeVarint(uint64(gap)) + sizeVarint(uint64(rangeLen))
		if w.avail()-(len(w.b)-start) < extra {
			// Truncate: keep what fits, drop later (older) ranges.
			break
		}
		w.b = appendVarint(w.b, uint64(gap))
		w.b = appendVarint(w.b, uint64(rangeLen))
		prevSmallest = seen[i].start
	}
	w.sent.appendInt(descAck, int64(largest))
	return true
}

func (w *packetWriter) appendCryptoFrame(offset int64, data []byte) bool {
	need := 1 + sizeVarint(uint64(offset)) + sizeVarint(uint64(len(data))) + len(data)
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, frameTypeCrypto)
	w.b = appendVarint(w.b, uint64(offset))
	w.b = appendVarint(w.b, uint64(len(data)))
	w.b = append(w.b, data...)
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.appendInt2(descCrypto, offset, int64(len(data)))
	return true
}

// appendStreamFrame appends as much of data as fits, returning the number
// of bytes written (may be less than len(data); 0 means nothing fit).
func (w *packetWriter) appendStreamFrame(id int64, offset int64, data []byte, fin bool) (n int, wrote bool) {
	// Reserve room for type + id + offset; the remainder of the budget
	// goes to data plus its length varint, shrinking data until both fit.
	// The length is always encoded explicitly, even for a frame that runs
	// to the end of the packet.
	hdrLen := 1 + sizeVarint(uint64(id)) + sizeVarint(uint64(offset))
	avail := w.avail() - hdrLen
	if avail <= 0 {
		return 0, false
	}
	n = len(data)
	lenSize := sizeVarint(uint64(n))
	for n > 0 && avail < lenSize+n {
		n--
		lenSize = sizeVarint(uint64(n))
	}
	frameFin := fin && n == len(data)
	if n == 0 && !frameFin {
		return 0, false
	}
	t := streamFrameType(true, true, frameFin)
	w.b = append(w.b, t)
	w.b = appendVarint(w.b, uint64(id))
	w.b = appendVarint(w.b, uint64(offset))
	w.b = appendVarint(w.b, uint64(n))
	w.b = append(w.b, data[:n]...)
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.desc = append(w.sent.desc, descStream)
	w.sent.desc = appendVarint(w.sent.desc, uint64(id))
	w.sent.desc = appendVarint(w.sent.desc, uint64(offset))
	w.sent.desc = appendVarint(w.sent.desc, uint64(n))
	if frameFin {
		w.sent.desc = append(w.sent.desc, 1)
	} else {
		w.sent.desc = append(w.sent.desc, 0)
	}
	return n, true
}

func (w *packetWriter) appendResetStreamFrame(id int64, code uint64, finalSize int64) bool {
	need := 1 + sizeVarint(uint64(id)) + sizeVarint(code) + sizeVarint(uint64(finalSize))
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, frameTypeResetStream)
	w.b = appendVarint(w.b, uint64(id))
	w.b = appendVarint(w.b, code)
	w.b = appendVarint(w.b, uint64(finalSize))
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.appendInt(descResetStream, id)
	return true
}

func (w *packetWriter) appendStopSendingFrame(id int64, code uint64) bool {
	need := 1 + sizeVarint(uint64(id)) + sizeVarint(code)
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, frameTypeStopSending)
	w.b = appendVarint(w.b, uint64(id))
	w.b = appendVarint(w.b, code)
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.appendInt(descStopSending, id)
	return true
}

func (w *packetWriter) appendMaxDataFrame(max int64) bool {
	need := 1 + sizeVarint(uint64(max))
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, frameTypeMaxData)
	w.b = appendVarint(w.b, uint64(max))
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.appendInt(descMaxData, max)
	return true
}

func (w *packetWriter) appendMaxStreamDataFrame(id int64, max int64) bool {
	need := 1 + sizeVarint(uint64(id)) + sizeVarint(uint64(max))
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, frameTypeMaxStreamData)
	w.b = appendVarint(w.b, uint64(id))
	w.b = appendVarint(w.b, uint64(max))
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.appendInt2(descMaxStreamData, id, max)
	return true
}

func (w *packetWriter) appendMaxStreamsFrame(uni bool, max int64) bool {
	t := byte(frameTypeMaxStreamsBidi)
	if uni {
		t = frameTypeMaxStreamsUni
	}
	need := 1 + sizeVarint(uint64(max))
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, t)
	w.b = appendVarint(w.b, uint64(max))
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	if uni {
		w.sent.appendInt(descMaxStreamsUni, max)
	} else {
		w.sent.appendInt(descMaxStreamsBidi, max)
	}
	return true
}

// appendStreamsBlockedFrame appends an informational STREAMS_BLOCKED
// frame. This implementation never originates one itself (it raises its
// advertised stream limits proactively instead); the method exists so the
// test harness can construct one to exercise the receive path.
func (w *packetWriter) appendStreamsBlockedFrame(uni bool, max int64) bool {
	t := byte(frameTypeStreamsBlockedBidi)
	if uni {
		t = frameTypeStreamsBlockedUni
	}
	need := 1 + sizeVarint(uint64(max))
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, t)
	w.b = appendVarint(w.b, uint64(max))
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	return true
}

func (w *packetWriter) appendDataBlockedFrame(limit int64) bool {
	need := 1 + sizeVarint(uint64(limit))
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, frameTypeDataBlocked)
	w.b = appendVarint(w.b, uint64(limit))
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.appendInt(descDataBlocked, limit)
	return true
}

func (w *packetWriter) appendStreamDataBlockedFrame(id, limit int64) bool {
	need := 1 + sizeVarint(uint64(id)) + sizeVarint(uint64(limit))
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, frameTypeStreamDataBlocked)
	w.b = appendVarint(w.b, uint64(id))
	w.b = appendVarint(w.b, uint64(limit))
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.appendInt2(descStreamDataBlocked, id, limit)
	return true
}

func (w *packetWriter) appendNewConnectionIDFrame(seq, retirePriorTo int64, connID []byte, token [16]byte) bool {
	need := 1 + sizeVarint(uint64(seq)) + sizeVarint(uint64(retirePriorTo)) + 1 + len(connID) + 16
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, frameTypeNewConnectionID)
	w.b = appendVarint(w.b, uint64(seq))
	w.b = appendVarint(w.b, uint64(retirePriorTo))
	w.b = append(w.b, byte(len(connID)))
	w.b = append(w.b, connID...)
	w.b = append(w.b, token[:]...)
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.appendInt(descNewConnectionID, seq)
	return true
}

func (w *packetWriter) appendRetireConnectionIDFrame(seq int64) bool {
	need := 1 + sizeVarint(uint64(seq))
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, frameTypeRetireConnectionID)
	w.b = appendVarint(w.b, uint64(seq))
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.appendInt(descRetireConnectionID, seq)
	return true
}

func (w *packetWriter) appendPathChallengeFrame(data [8]byte) bool {
	if w.avail() < 9 {
		return false
	}
	w.b = append(w.b, frameTypePathChallenge)
	w.b = append(w.b, data[:]...)
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	return true
}

func (w *packetWriter) appendPathResponseFrame(data [8]byte) bool {
	if w.avail() < 9 {
		return false
	}
	w.b = append(w.b, frameTypePathResponse)
	w.b = append(w.b, data[:]...)
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.appendBare(descPathResponse)
	return true
}

func (w *packetWriter) appendConnectionCloseFrame(isApp bool, code uint64, frameType uint64, reason string) bool {
	t := byte(frameTypeConnectionCloseTransport)
	if isApp {
		t = frameTypeConnectionCloseApp
	}
	need := 1 + sizeVarint(code) + sizeVarint(uint64(len(reason)))
	if !isApp {
		need += sizeVarint(frameType)
	}
	need += len(reason)
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, t)
	w.b = appendVarint(w.b, code)
	if !isApp {
		w.b = appendVarint(w.b, frameType)
	}
	w.b = appendVarint(w.b, uint64(len(reason)))
	w.b = append(w.b, reason...)
	// CONNECTION_CLOSE is ack-eliciting per RFC 9000 Section 13.2 the way
	// every other frame is, but it is never retransmitted on loss
	// (conn_close.go resends it from current close state on every
	// received packet instead), so it leaves no sent-packet descriptor.
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	return true
}

func (w *packetWriter) appendHandshakeDoneFrame() bool {
	if w.avail() < 1 {
		return false
	}
	w.b = append(w.b, frameTypeHandshakeDone)
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.appendBare(descHandshakeDone)
	return true
}

// appendNewTokenFrame appends a NEW_TOKEN frame. This implementation does
// not issue session resumption tokens itself; the method exists so the
// test harness can construct one to exercise the receive path.
func (w *packetWriter) appendNewTokenFrame(token []byte) bool {
	need := 1 + sizeVarint(uint64(len(token))) + len(token)
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, frameTypeNewToken)
	w.b = appendVarint(w.b, uint64(len(token)))
	w.b = append(w.b, token...)
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	return true
}

func (w *packetWriter) appendDatagramFrame(data []byte) bool {
	need := 1 + sizeVarint(uint64(len(data))) + len(data)
	if w.avail() < need {
		return false
	}
	w.b = append(w.b, frameTypeDatagramBase|0x01) // LEN bit set
	w.b = appendVarint(w.b, uint64(len(data)))
	w.b = append(w.b, data...)
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	// DATAGRAM frames are not retransmitted on loss (RFC 9221); no descriptor.
	return true
}
