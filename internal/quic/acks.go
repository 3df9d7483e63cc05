// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// ackDelayExponent is the default ACK Delay Exponent transport parameter,
// RFC 9000 Section 18.2, spec.md §6.
const ackDelayExponent = 3

// maxAckRanges bounds the size of the received-packet-numbers rangeset,
// spec.md §3.7 "configurable maximum sub-range count".
const maxAckRanges = 256

// ackPacketTolerance is the immediate-ACK trigger (3) of spec.md §4.5:
// send an ACK once this many ack-eliciting packets have queued.
const ackPacketTolerance = 2

// defaultReorderingThreshold is the trigger (4) constant "R" of spec.md §4.5.
const defaultReorderingThreshold = 3

// ackState implements the ack tracker of spec.md §4.5, one per
// packet-number space.
type ackState struct {
	// received is deduplication-only: every PN we have ever successfully
	// decrypted in this space.
	received rangeset[packetNumber]
	// toAck is the set of received, ack-eliciting PNs not yet acked.
	toAck rangeset[packetNumber]

	ackElicitingQueued int
	largestAckedSent   packetNumber // largest PN of ours the peer has acked
	largestReceived    packetNumber
	largestReceivedTime time.Time

	ecnCounts [3]int64 // ECT0, ECT1, CE

	maxAckDelay         time.Duration
	reorderingThreshold int

	wantImmediateAck bool
	ackTimer         time.Time
}

func newAckState(maxAckDelay time.Duration) *ackState {
	return &ackState{
		maxAckDelay:         maxAckDelay,
		reorderingThreshold: defaultReorderingThreshold,
		largestReceived:     -1,
		largestAckedSent:    -1,
	}
}

// largestSeen returns the largest packet number received in this space.
func (a *ackState) largestSeen() packetNumber {
	return a.largestReceived
}

// receive processes a successfully decrypted packet, spec.md §4.5
// "Receive path".
func (a *ackState) receive(now time.Time, num packetNumber, ackEliciting, immediateAckSignal bool, ecn byte) error {
	if a.received.contains(num) {
		return errAlreadySeen
	}
	a.received.add(num, num+1)
	a.received.limitSize(maxAckRanges)

	if ecn >= 1 && ecn <= 3 {
		a.ecnCounts[ecn-1]++
	}

	isNewLargest := num > a.largestReceived
	if isNewLargest {
		a.largestReceived = num
		a.largestReceivedTime = now
	}
	if !ackEliciting {
		return nil
	}
	a.toAck.add(num, num+1)
	a.ackElicitingQueued++

	switch {
	case immediateAckSignal:
		a.wantImmediateAck = true
	case a.maxAckDelay == 0:
		a.wantImmediateAck = true
	case a.ackElicitingQueued >= ackPacketTolerance:
		a.wantImmediateAck = true
	case isNewLargest && a.reorderingCondition():
		a.wantImmediateAck = true
	default:
		if a.ackTimer.IsZero() {
			a.ackTimer = now.Add(a.maxAckDelay)
		}
	}
	return nil
}

// reorderingCondition implements spec.md §4.5 trigger (4).
func (a *ackState) reorderingCondition() bool {
	R := a.reorderingThreshold
	if R <= 0 || a.toAck.isEmpty() {
		return false
	}
	L := a.toAck.max()
	S := a.toAck.min()
	largestReported := S
	if v := a.largestAckedSent - packetNumber(R) + 1; v > largestReported {
		largestReported = v
	}
	// Scan ranges from largest to smallest looking for a missing PN
	// between largestReported and L with (L - missing) >= R.
	prevStart := L + 1
	found := false
	a.toAck.rangesDescending(func(start, end packetNumber) bool {
		// Gap is [end, prevStart).
		if prevStart > end {
			// The lowest missing PN in this gap that is not below
			// largestReported is the one farthest from L.
			missing := end
			if missing < largestReported {
				missing = largestReported
			}
			if missing < prevStart && (L-missing) >= packetNumber(R) {
				found = true
				return false
			}
		}
		prevStart = start
		return true
	})
	return found
}

// shouldSendAck reports whether the immediate-ACK threshold has been
// crossed or the delayed-ack timer has expired.
func (a *ackState) shouldSendAck(now time.Time) bool {
	if a.toAck.isEmpty() {
		return false
	}
	if a.wantImmediateAck {
		return true
	}
	return !a.ackTimer.IsZero() && !now.Before(a.ackTimer)
}

// acksToSend returns the ranges to include in an ACK frame and the delay
// to report, spec.md §4.5 "Send path".
func (a *ackState) acksToSend(now time.Time) (seen rangeset[packetNumber], delay time.Duration) {
	if a.toAck.isEmpty() {
		return nil, 0
	}
	return a.toAck, now.Sub(a.largestReceivedTime)
}

// sentAck is called once an ACK frame covering the current toAck set has
// actually been written into a packet.
func (a *ackState) sentAck() {
	a.wantImmediateAck = false
	a.ackTimer = time.Time{}
	a.ackElicitingQueued = 0
}

// handleAck processes acknowledgement of one of our own ACK frames with
// the given largest acknowledged PN, spec.md §4.5 "On ack-of-ack".
func (a *ackState) handleAck(largest packetNumber) {
	if largest > a.largestAckedSent {
		a.largestAckedSent = largest
	}
	a.toAck.removeLessThan(largest + 1)
	if a.toAck.isEmpty() && a.ackElicitingQueued != 0 {
		// Out-of-order anomaly (spec.md §4.5): every ack-eliciting packet
		// we owed an ack for has itself now been acked indirectly.
		a.ackElicitingQueued = 0
	}
}

// unscaledAckDelayFromDuration encodes an ACK Delay field value, RFC 9000
// Section 19.3: microseconds, right-shifted by the ack delay exponent.
func unscaledAckDelayFromDuration(d time.Duration, exponent uint8) uint64 {
	if d < 0 {
		d = 0
	}
	micros := uint64(d / time.Microsecond)
	return micros >> exponent
}

// scaledAckDelay decodes an ACK Delay field value back into a duration.
func scaledAckDelay(v uint64, exponent uint8) time.Duration {
	return time.Duration(v<<exponent) * time.Microsecond
}
