// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

// outflow tracks the send-direction flow-control state for either a
// stream or a connection, spec.md §4.9 "Flow control".
type outflow struct {
	sent     int64 // total bytes queued/sent, i.e. QueuedSendOffset
	maxSent  int64 // peer-advertised limit (MAX_DATA / MAX_STREAM_DATA)
	blocked  bool  // a *_BLOCKED frame for the current limit is pending/sent
}

// avail returns how many additional bytes may currently be sent.
func (f *outflow) avail() int64 {
	if f.maxSent <= f.sent {
		return 0
	}
	return f.maxSent - f.sent
}

// canSend reports whether n more bytes may be sent without exceeding the
// peer's advertised limit (spec.md §3.3 "writing past MaxAllowedSendOffset
// blocks with flow-control reason").
func (f *outflow) canSend(n int64) bool {
	return f.avail() >= n
}

// addSent records that n bytes have been queued/sent.
func (f *outflow) addSent(n int64) {
	f.sent += n
}

// setMaxSent raises the peer's advertised limit; MAX_DATA/MAX_STREAM_DATA
// values never decrease the limit (RFC 9000 Section 4.1).
func (f *outflow) setMaxSent(max int64) {
	if max > f.maxSent {
		f.maxSent = max
		f.blocked = false
	}
}

// shouldSendBlocked reports whether a *_BLOCKED frame should be sent:
// once per limit, only while genuinely blocked (spec.md §4.9 "Blocked
// signaling").
func (f *outflow) shouldSendBlocked() bool {
	return f.avail() == 0 && !f.blocked
}

func (f *outflow) sentBlocked() {
	f.blocked = true
}

// inflow tracks the receive-direction flow-control state for either a
// stream or a connection.
type inflow struct {
	recvBuf *recvBuf
}

// connFlow is the connection-level flow controller (spec.md §3.3/§4.9).
// Its receive half counts STREAM bytes against the MAX_DATA we advertise.
// Its send half records the peer's MAX_DATA and drives DATA_BLOCKED, but
// stream writes are not added to out.sent, so the connection-level send
// limit is not enforced.
type connFlow struct {
	out outflow
	in  struct {
		consumed int64
		limit    int64
		maxLimit int64
	}
}

func newConnFlow(initialRecv, initialSend int64) *connFlow {
	cf := &connFlow{}
	cf.out.maxSent = initialSend
	cf.in.limit = initialRecv
	cf.in.maxLimit = initialRecv
	return cf
}

// addConsumed records n connection-level bytes received in a STREAM frame
// (counted on arrival, not when the application reads them) and reports
// whether a new MAX_DATA should be sent.
func (cf *connFlow) addConsumed(n int64) (newLimit int64, shouldSend bool) {
	cf.in.consumed += n
	if cf.in.consumed > cf.in.maxLimit/2 {
		newLimit = cf.in.consumed + cf.in.maxLimit
		if newLimit > cf.in.limit {
			cf.in.limit = newLimit
			return newLimit, true
		}
	}
	return 0, false
}
