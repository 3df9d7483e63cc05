// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "fmt"

// sendState is the send half's state machine, RFC 9000 Section 3.1,
// spec.md §3.3.
type sendState int

const (
	sendStateReady sendState = iota
	sendStateSending
	sendStateDataSent
	sendStateResetSent
	sendStateDataRecvd
	sendStateResetRecvd
)

// sendStream is the send half of a Stream, spec.md §3.3/§4.9.
type sendStream struct {
	out     outflow
	buf     []byte
	bufBase int64 // stream offset of buf[0]
	sendOff int64
	ackedOff int64

	state      sendState
	fin        bool
	finOffset  int64
	resetCode  uint64
	resetFinalSize int64
	stopCode   uint64
	stopReceived bool
}

func (ss *sendStream) init(initialMaxData int64) {
	ss.out.maxSent = initialMaxData
	ss.state = sendStateReady
}

// write queues data for sending, returning how much was accepted; the
// remainder is rejected if it would exceed flow control (the caller
// blocks and retries once more credit arrives, spec.md §3.3).
func (ss *sendStream) write(data []byte) (n int, blocked bool) {
	if ss.state != sendStateReady && ss.state != sendStateSending {
		return 0, false
	}
	avail := ss.out.avail()
	if avail <= 0 {
		return 0, true
	}
	n = len(data)
	if int64(n) > avail {
		n = int(avail)
	}
	ss.buf = append(ss.buf, data[:n]...)
	ss.out.addSent(int64(n))
	ss.state = sendStateSending
	return n, n < len(data)
}

// closeWrite marks the stream for a FIN once all queued data is sent.
func (ss *sendStream) closeWrite() {
	if ss.state == sendStateReady {
		ss.state = sendStateSending
	}
	ss.fin = true
	ss.finOffset = ss.bufBase + int64(len(ss.buf))
}

// reset abandons the send side immediately, spec.md §3.3 "Reset (local)".
func (ss *sendStream) reset(code uint64) {
	if ss.state == sendStateDataRecvd || ss.state == sendStateResetRecvd {
		return
	}
	ss.resetCode = code
	ss.resetFinalSize = ss.bufBase + int64(len(ss.buf))
	ss.state = sendStateResetSent
}

// pending returns the next unsent chunk and whether it carries FIN.
func (ss *sendStream) pending() (offset int64, data []byte, fin bool) {
	off := ss.sendOff - ss.bufBase
	if off < 0 || off > int64(len(ss.buf)) {
		return ss.sendOff, nil, ss.fin && ss.sendOff == ss.finOffset
	}
	data = ss.buf[off:]
	fin = ss.fin && ss.sendOff+int64(len(data)) == ss.finOffset
	return ss.sendOff, data, fin
}

func (ss *sendStream) sent(offset int64, n int, fin bool) {
	if offset+int64(n) > ss.sendOff {
		ss.sendOff = offset + int64(n)
	}
	if fin && ss.state == sendStateSending {
		ss.state = sendStateDataSent
	}
}

func (ss *sendStream) lost(offset int64, n int, fin bool) {
	if ss.state == sendStateResetSent || ss.state == sendStateResetRecvd {
		return
	}
	if offset < ss.sendOff {
		ss.sendOff = offset
	}
	if fin {
		ss.sendOff = min64(ss.sendOff, ss.finOffset)
		if ss.state == sendStateDataSent {
			ss.state = sendStateSending
		}
	}
}

func (ss *sendStream) acked(offset int64, n int, fin bool) {
	end := offset + int64(n)
	if end > ss.ackedOff {
		if trim := ss.ackedOff - ss.bufBase; trim >= 0 {
			// no-op: trimming handled on contiguous prefix only, below
			_ = trim
		}
		ss.ackedOff = end
	}
	trim := ss.ackedOff - ss.bufBase
	if trim > 0 && trim <= int64(len(ss.buf)) {
		ss.buf = ss.buf[trim:]
		ss.bufBase = ss.ackedOff
	}
	if fin && ss.state == sendStateDataSent && ss.ackedOff >= ss.finOffset {
		ss.state = sendStateDataRecvd
	}
}

func (ss *sendStream) handleStopSending(code uint64) {
	ss.stopReceived = true
	ss.stopCode = code
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

var errStreamReset = fmt.Errorf("quic: stream was reset")
