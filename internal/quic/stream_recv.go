// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

// recvState is the receive half's state machine, RFC 9000 Section 3.2,
// spec.md §3.3.
type recvState int

const (
	recvStateRecv recvState = iota
	recvStateSizeKnown
	recvStateDataRecvd
	recvStateDataRead
	recvStateResetRecvd
	recvStateResetRead
)

// recvStream is the receive half of a Stream, spec.md §3.3/§4.9.
type recvStream struct {
	buf       *recvBuf
	state     recvState
	finalSize int64
	haveFinal bool

	resetCode     uint64
	stopSent      bool
	localStopCode uint64
}

func (rs *recvStream) init(initialMaxData int64) {
	rs.buf = newRecvBuf(initialMaxData)
	rs.state = recvStateRecv
}

// handleStreamFrame processes a received STREAM frame's payload,
// spec.md §3.3/§4.4.
func (rs *recvStream) handleStreamFrame(offset int64, data []byte, fin bool) error {
	if rs.state == recvStateResetRecvd || rs.state == recvStateResetRead {
		return nil
	}
	if fin {
		final := offset + int64(len(data))
		if rs.haveFinal && final != rs.finalSize {
			return errFinalSize
		}
		rs.finalSize = final
		rs.haveFinal = true
		rs.state = recvStateSizeKnown
	} else if rs.haveFinal && offset+int64(len(data)) > rs.finalSize {
		return errFinalSize
	}
	if err := rs.buf.write(offset, data); err != nil {
		return err
	}
	if rs.haveFinal && rs.buf.highestContiguous() >= rs.finalSize {
		rs.state = recvStateDataRecvd
	}
	return nil
}

// handleResetStream processes a received RESET_STREAM frame.
func (rs *recvStream) handleResetStream(code uint64, finalSize int64) error {
	if rs.haveFinal && finalSize != rs.finalSize {
		return errFinalSize
	}
	rs.resetCode = code
	rs.finalSize = finalSize
	rs.haveFinal = true
	rs.state = recvStateResetRecvd
	return nil
}

// read delivers received data to the application.
func (rs *recvStream) read(p []byte) (n int, eof bool) {
	n = rs.buf.read(p)
	if n > 0 {
		return n, false
	}
	if rs.state == recvStateDataRecvd && rs.buf.readOffset >= rs.finalSize {
		rs.state = recvStateDataRead
		return 0, true
	}
	return 0, false
}

// stopSending abandons the receive side, spec.md §3.3 "Stop Sending".
func (rs *recvStream) stopSending(code uint64) {
	rs.stopSent = true
	rs.localStopCode = code
}

var errFinalSize = &ConnectionError{Code: uint64(errFinalSizeError), Reason: "inconsistent stream final size"}
