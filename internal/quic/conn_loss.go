// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "fmt"

// handleAckOrLoss deals with the final fate of a packet we sent:
// Either the peer acknowledges it, or we declare it lost.
//
// In order to handle packet loss, we must retain any information sent to the peer
// until the peer has acknowledged it.
//
// When information is acknowledged, we can discard it.
//
// When information is lost, we mark it for retransmission.
// See RFC 9000, Section 13.3 for a complete list of information which is retransmitted on loss.
// https://www.rfc-editor.org/rfc/rfc9000#section-13.3
func (c *Conn) handleAckOrLoss(space numberSpace, sent *sentPacket, fate packetFate) {
	// The list of frames in a sent packet is marshaled into a buffer in the sentPacket
	// by the packetWriter. Unmarshal that buffer here. This code must be kept in sync with
	// packetWriter.append*.
	//
	// A sent packet meets its fate (acked or lost) only once, so it's okay to consume
	// the sentPacket's buffer here.
	for !sent.done() {
		switch f := sent.next(); f {
		default:
			panic(fmt.Sprintf("BUG: unhandled lost frame type %x", f))
		case frameTypeAck:
			// Unlike most information, loss of an ACK frame does not trigger
			// retransmission. ACKs are sent in response to ack-eliciting packets,
			// and always contain the latest information available.
			//
			// Acknowledgement of an ACK frame may allow us to discard information
			// about older packets.
			largest := packetNumber(sent.nextInt())
			if fate == packetAcked {
				c.acks[space].handleAck(largest)
			}
		case descCrypto:
			offset := sent.nextInt()
			size := sent.nextInt()
			if fate == packetAcked {
				c.streams.crypto[space].ackedThrough(offset + size)
			} else {
				c.streams.crypto[space].lost(offset, int(size))
			}
		case descStream:
			id := sent.nextInt()
			offset := sent.nextInt()
			size := sent.nextInt()
			fin := sent.next() != 0
			if s := c.streams.streams[id]; s != nil {
				if fate == packetAcked {
					s.sendAcked(offset, int(size), fin)
				} else {
					s.sendLost(offset, int(size), fin)
				}
			}
		case descResetStream:
			id := sent.nextInt()
			if fate == packetLost {
				if s := c.streams.streams[id]; s != nil {
					c.resendResetStream = append(c.resendResetStream, id)
				}
			}
		case descStopSending:
			id := sent.nextInt()
			if fate == packetLost {
				if _, ok := c.streams.streams[id]; ok {
					c.resendStopSending = append(c.resendStopSending, id)
				}
			}
		case descMaxData:
			max := sent.nextInt()
			if fate == packetLost && c.connFlow.in.limit == max {
				c.streams.maxDataPending = true
			}
		case descMaxStreamData:
			id := sent.nextInt()
			max := sent.nextInt()
			if fate == packetLost {
				if s := c.streams.streams[id]; s != nil {
					_ = max
					c.resendMaxStreamData = append(c.resendMaxStreamData, id)
				}
			}
		case descMaxStreamsBidi:
			sent.nextInt()
			if fate == packetLost {
				c.streams.maxStreamsBidiPending = true
			}
		case descMaxStreamsUni:
			sent.nextInt()
			if fate == packetLost {
				c.streams.maxStreamsUniPending = true
			}
		case descDataBlocked:
			sent.nextInt()
			if fate == packetLost {
				c.connFlow.out.blocked = false
			}
		case descStreamDataBlocked:
			id := sent.nextInt()
			sent.nextInt()
			if fate == packetLost {
				if s := c.streams.streams[id]; s != nil {
					s.mu.Lock()
					s.send.out.blocked = false
					s.mu.Unlock()
				}
			}
		case descNewConnectionID:
			seq := sent.nextInt()
			if fate == packetLost {
				c.resendNewConnectionID = append(c.resendNewConnectionID, seq)
			}
		case descRetireConnectionID:
			seq := sent.nextInt()
			if fate == packetLost {
				c.resendRetireConnectionID = append(c.resendRetireConnectionID, seq)
			}
		case descHandshakeDone:
			if fate == packetLost {
				c.streams.handshakeDonePending = true
			}
		case descPathResponse:
			// PATH_RESPONSE is not retransmitted on loss, RFC 9000 Section
			// 8.2.2: a fresh PATH_CHALLENGE is sent instead if the path is
			// still being validated.
		}
	}
}
