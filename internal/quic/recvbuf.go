// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "fmt"

// errFlowControl indicates that a peer exceeded the flow-control limit it
// was advertised (spec.md §4.4, §7 "protocol_violation"/"flow_control_error").
var errFlowControl = fmt.Errorf("quic: flow control violated")

// errAlreadySeen indicates a duplicate packet number (spec.md §4.5
// "drop if duplicate, dropping returns 'already seen'").
var errAlreadySeen = fmt.Errorf("quic: packet already seen")

// A recvBuf reassembles a contiguous logical byte stream from data
// delivered at arbitrary (offset, len), spec.md §4.4 / §3.3 recv half.
type recvBuf struct {
	// data holds the bytes received so far, indexed from readOffset; it
	// may contain gaps whose bytes have not arrived yet.
	data []byte
	// received tracks which byte ranges of data have arrived, as offsets
	// relative to readOffset.
	received rangeset[int64]
	// pending is not used: out-of-order bytes are written into data
	// directly.
	pending map[int64][]byte

	readOffset int64 // bytes before this have been read by the application
	limit      int64 // advertised window: writes past this offset fail

	maxLimit int64 // auto-tuning ceiling (stream_recv_window_default scaled)
}

func newRecvBuf(initialLimit int64) *recvBuf {
	return &recvBuf{
		limit:    initialLimit,
		maxLimit: initialLimit,
		pending:  make(map[int64][]byte),
	}
}

// write stores data received at the given offset. Deduplicates against
// already-received bytes, updates the highest contiguous offset, and
// fails with errFlowControl if any byte is beyond the advertised limit.
func (b *recvBuf) write(offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	end := offset + int64(len(data))
	if end > b.limit {
		return errFlowControl
	}
	if end <= b.readOffset {
		return nil // entirely already consumed
	}
	if offset < b.readOffset {
		data = data[b.readOffset-offset:]
		offset = b.readOffset
	}
	relStart := offset - b.readOffset
	relEnd := relStart + int64(len(data))
	if relEnd > int64(len(b.data)) {
		grown := make([]byte, relEnd)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[relStart:relEnd], data)
	b.received.add(relStart, relEnd)

	// Advance contiguity: received always starts merging from 0 once the
	// run from the start is unbroken.
	if r, ok := b.received.rangeContaining(0); ok {
		_ = r
	}
	return nil
}

// readable returns the contiguous prefix of unread bytes currently
// available, without consuming them.
func (b *recvBuf) readable() []byte {
	if b.received.isEmpty() {
		return nil
	}
	r, ok := b.received.rangeContaining(0)
	if !ok || r.start != 0 {
		return nil
	}
	return b.data[:r.end]
}

// read delivers up to len(p) contiguous bytes to the application,
// advancing the window. Partial consumption is permitted (spec.md §4.4).
func (b *recvBuf) read(p []byte) (n int) {
	avail := b.readable()
	n = copy(p, avail)
	if n == 0 {
		return 0
	}
	b.data = b.data[n:]
	b.received.removeLessThan(int64(n))
	// Shift the remaining received ranges down by n to stay relative to
	// the (now advanced) readOffset.
	shifted := make(rangeset[int64], 0, len(b.received))
	for _, r := range b.received {
		shifted = append(shifted, i64range[int64]{r.start - int64(n), r.end - int64(n)})
	}
	b.received = shifted
	b.readOffset += int64(n)
	return n
}

// highestContiguous returns the offset one past the last contiguously
// received byte, i.e. readOffset plus however much of the buffer (read
// or unread) is contiguous from the start.
func (b *recvBuf) highestContiguous() int64 {
	if r, ok := b.received.rangeContaining(0); ok {
		return b.readOffset + r.end
	}
	return b.readOffset
}

// setLimit raises the advertised window. Limits never shrink (spec.md §3.3
// "MaxAllowedRecvOffset" only increases via auto-tuning).
func (b *recvBuf) setLimit(limit int64) {
	if limit > b.limit {
		b.limit = limit
	}
}

// shouldUpdateLimit reports whether the application has consumed more than
// half of the currently advertised window, the auto-tune trigger of
// spec.md §4.9 "Incoming side auto-tunes".
func (b *recvBuf) shouldUpdateLimit() bool {
	consumed := b.readOffset
	return consumed > b.maxLimit/2 && b.limit < b.maxLimit+consumed
}

// nextLimit computes the next window to advertise when auto-tuning.
func (b *recvBuf) nextLimit() int64 {
	return b.readOffset + b.maxLimit
}
