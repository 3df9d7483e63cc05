// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// sendConnectionClose builds and sends a single CONNECTION_CLOSE packet
// in the highest packet-number space we currently have write keys for,
// spec.md §7 "Immediate close". As frame_writer.go's appendConnectionCloseFrame
// notes, this frame is never retransmitted from a sentPacket descriptor;
// instead maybeSend calls this unconditionally on every trip through the
// Closing state, and handleDatagram's call to maybeSend after processing
// any further datagram from the peer naturally repeats the send, giving
// the UDP-unreliable equivalent of RFC 9000 Section 10.2.1's guidance to
// resend on receipt of a packet rather than on a retransmission timer.
func (c *Conn) sendConnectionClose(now time.Time) {
	space, k, ok := c.highestWriteSpace()
	if !ok {
		return
	}
	pnumMaxAcked := c.acks[space].largestSeen()
	pnum := c.loss.nextNumber(space)
	dstConnID := c.connIDState.dstConnID()

	c.w.reset(c.loss.maxSendSize())
	if space == appDataSpace {
		c.w.start1RTTPacket(pnum, pnumMaxAcked, dstConnID)
		c.w.appendConnectionCloseFrame(c.closeIsApp, c.closeCode, 0, c.closeReason)
		c.w.finish1RTTPacket(pnum, pnumMaxAcked, dstConnID, k)
	} else {
		p := longPacket{
			ptype:     packetTypeForSpace(space),
			version:   quicVersion1,
			num:       pnum,
			dstConnID: dstConnID,
			srcConnID: c.connIDState.srcConnID(),
		}
		c.w.startProtectedLongHeaderPacket(pnumMaxAcked, p)
		c.w.appendConnectionCloseFrame(c.closeIsApp, c.closeCode, 0, c.closeReason)
		c.w.finishProtectedLongHeaderPacket(pnumMaxAcked, k, p)
	}
	buf := c.w.datagram()
	if len(buf) == 0 {
		return
	}
	c.metrics.bytesSent.Add(float64(len(buf)))
	c.listener.sendDatagram(buf, c.peerAddr)
}

// highestWriteSpace picks the most advanced packet-number space we still
// have write keys for, since that is the one the peer is most likely to
// still be listening on, spec.md §7.
func (c *Conn) highestWriteSpace() (space numberSpace, k keys, ok bool) {
	for s := appDataSpace; s >= initialSpace; s-- {
		if k := c.tlsState.wkeys[s]; k.isSet() {
			return s, k, true
		}
	}
	return 0, keys{}, false
}
