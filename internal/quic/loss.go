// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"sort"
	"time"
)

// kGranularity, kTimeThresholdNum/kTimeThresholdDen and
// defaultPacketThreshold are the RFC 9002 loss detection constants
// referenced by spec.md §4.6.
const (
	kGranularity       = 1 * time.Millisecond
	kTimeThresholdNum  = 9
	kTimeThresholdDen  = 8
	kInitialRTT        = 333 * time.Millisecond
	defaultPacketThreshold = 3
)

// rttStats tracks RTT estimation, RFC 9002 Section 5.
type rttStats struct {
	latest    time.Duration
	min       time.Duration
	smoothed  time.Duration
	variance  time.Duration
	hasSample bool
}

func newRTTStats() *rttStats {
	return &rttStats{smoothed: kInitialRTT, min: kInitialRTT}
}

func (r *rttStats) update(sample, ackDelay, maxAckDelay time.Duration, handshakeConfirmed bool) {
	r.latest = sample
	if !r.hasSample || sample < r.min {
		r.min = sample
	}
	adjusted := sample
	if handshakeConfirmed && ackDelay > maxAckDelay {
		ackDelay = maxAckDelay
	}
	if adjusted > r.min+ackDelay {
		adjusted -= ackDelay
	}
	if !r.hasSample {
		r.hasSample = true
		r.smoothed = adjusted
		r.variance = adjusted / 2
		return
	}
	r.variance = (3*r.variance + absDuration(r.smoothed-adjusted)) / 4
	r.smoothed = (7*r.smoothed + adjusted) / 8
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (r *rttStats) pto(maxAckDelay time.Duration) time.Duration {
	d := r.smoothed + maxDuration(4*r.variance, kGranularity) + maxAckDelay
	return d
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// spaceLoss tracks in-flight packets and loss-detection state for one
// packet-number space, spec.md §3.4/§4.6.
type spaceLoss struct {
	nextPN  packetNumber
	inFlight []*sentPacket // sorted by num, ascending
	largestAcked packetNumber

	lossTime time.Time
	ptoCount int
	keysDiscarded bool
}

func newSpaceLoss() *spaceLoss {
	return &spaceLoss{largestAcked: -1}
}

// lossState is the per-connection loss detection engine of spec.md §4.6,
// owning the congestion controller per spec.md §4.7 and driving the PTO
// timer referenced throughout conn_send.go (c.loss.sendLimit,
// c.loss.packetSent, c.loss.ptoExpired, c.loss.nextNumber).
type lossState struct {
	cc          congestionController
	spaces      [numberSpaceCount]*spaceLoss
	rtt         *rttStats
	maxAckDelay time.Duration
	reorderingThreshold int

	ptoExpired bool
	ptoCount   int
	maxSize    int

	amplificationLimit int // server anti-amplification budget, bytes
	amplificationUsed  int
	addressValidated   bool
}

func newLossState(maxDatagramSize int, maxAckDelay time.Duration) *lossState {
	l := &lossState{
		cc:                  newRenoCubicController(int64(maxDatagramSize)),
		rtt:                 newRTTStats(),
		maxAckDelay:         maxAckDelay,
		reorderingThreshold: defaultPacketThreshold,
		maxSize:             maxDatagramSize,
	}
	for i := range l.spaces {
		l.spaces[i] = newSpaceLoss()
	}
	return l
}

func (l *lossState) maxSendSize() int { return l.maxSize }

func (l *lossState) nextNumber(space numberSpace) packetNumber {
	return l.spaces[space].nextPN
}

// sendLimit reports whether sending is currently permitted (spec.md
// §4.10 step 1 / §6 anti-amplification). It computes no retry time: the
// time it returns is always zero.
func (l *lossState) sendLimit(now time.Time) (ccLimit, time.Time) {
	if !l.addressValidated && l.amplificationUsed >= l.amplificationLimit {
		return ccBlocked, time.Time{}
	}
	inFlight := l.cc.bytesInFlight()
	if l.cc.canSend(inFlight) < int64(l.maxSize) {
		return ccLimited, time.Time{}
	}
	return ccOK, time.Time{}
}

// packetSent records a newly sent packet for loss detection and
// congestion control, spec.md §4.10 step 4.
func (l *lossState) packetSent(now time.Time, space numberSpace, sent *sentPacket) {
	sent.timeSent = now
	sp := l.spaces[space]
	sp.nextPN = sent.num + 1
	if sent.inFlight {
		sp.inFlight = append(sp.inFlight, sent)
		l.cc.onPacketSent(sent.size, now, space, false)
		if !l.addressValidated {
			l.amplificationUsed += sent.size
		}
	}
}

// onAddressValidated lifts the anti-amplification limit once the peer's
// address has been confirmed (e.g. a Handshake packet was received).
func (l *lossState) onAddressValidated() {
	l.addressValidated = true
}

// processAck handles an incoming ACK frame: it marks the named packet
// numbers acked, removing them from the in-flight list, and returns both
// the acked packets and any packets newly declared lost as a side effect
// (ascending by PN in both slices) for the caller (conn_recv.go) to
// replay through handleAckOrLoss. It also updates the RTT estimate and
// congestion controller.
func (l *lossState) processAck(now time.Time, space numberSpace, ranges rangeset[packetNumber], ackDelay time.Duration, handshakeConfirmed bool) (acked, lost []*sentPacket) {
	sp := l.spaces[space]
	if ranges.isEmpty() {
		return nil, nil
	}
	largest := ranges.max()
	isNewLargest := largest > sp.largestAcked

	var remaining []*sentPacket
	for _, p := range sp.inFlight {
		if ranges.contains(p.num) {
			acked = append(acked, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	sp.inFlight = remaining
	if largest > sp.largestAcked {
		sp.largestAcked = largest
	}

	if len(acked) == 0 {
		return nil, nil
	}
	sort.Slice(acked, func(i, j int) bool { return acked[i].num < acked[j].num })

	if isNewLargest && acked[len(acked)-1].num == largest {
		last := acked[len(acked)-1]
		sample := now.Sub(last.timeSent)
		l.rtt.update(sample, ackDelay, l.maxAckDelay, handshakeConfirmed)
	}

	var ccAcked []*sentPacket
	for _, p := range acked {
		if p.inFlight {
			ccAcked = append(ccAcked, p)
		}
	}
	if len(ccAcked) > 0 {
		l.cc.onPacketsAcked(ccAcked, now)
	}

	l.ptoCount = 0
	lost = l.detectAndRemoveLost(space, now)
	return acked, lost
}

// detectAndRemoveLost implements spec.md §4.6 time-threshold and
// packet-threshold loss rules, removing lost packets from the in-flight
// list and informing the congestion controller. It does not itself
// notify frame owners; conn_loss.go does that by replaying each lost
// packet's descriptor buffer.
func (l *lossState) detectAndRemoveLost(space numberSpace, now time.Time) (lost []*sentPacket) {
	sp := l.spaces[space]
	threshold := maxDuration((kTimeThresholdNum*maxDuration(l.rtt.smoothed, l.rtt.latest))/kTimeThresholdDen, kGranularity)

	var remaining []*sentPacket
	sp.lossTime = time.Time{}
	for _, p := range sp.inFlight {
		byTime := !p.timeSent.IsZero() && now.Sub(p.timeSent) > threshold && sp.largestAcked > p.num
		byCount := sp.largestAcked-p.num >= packetNumber(l.reorderingThreshold)
		if byTime || byCount {
			lost = append(lost, p)
			continue
		}
		remaining = append(remaining, p)
		if sp.largestAcked > p.num {
			lossDeadline := p.timeSent.Add(threshold)
			if sp.lossTime.IsZero() || lossDeadline.Before(sp.lossTime) {
				sp.lossTime = lossDeadline
			}
		}
	}
	sp.inFlight = remaining
	if len(lost) > 0 {
		var ccLost []*sentPacket
		for _, p := range lost {
			if p.inFlight {
				ccLost = append(ccLost, p)
			}
		}
		if len(ccLost) > 0 {
			l.cc.onPacketsLost(ccLost, now, l.isPersistentCongestion(ccLost))
		}
	}
	return lost
}

// isPersistentCongestion reports whether a run of lost packets spans more
// than the persistent-congestion duration of RFC 9002 Section 7.6.
func (l *lossState) isPersistentCongestion(lost []*sentPacket) bool {
	if len(lost) < 2 {
		return false
	}
	span := lost[len(lost)-1].timeSent.Sub(lost[0].timeSent)
	pcDuration := (l.rtt.smoothed + maxDuration(4*l.rtt.variance, kGranularity) + l.maxAckDelay) * 3
	return span > pcDuration
}

// lossTimer returns the earliest time-threshold loss deadline across all
// spaces, and the space it applies to.
func (l *lossState) lossTimer() (t time.Time, space numberSpace) {
	for i, sp := range l.spaces {
		if sp.lossTime.IsZero() {
			continue
		}
		if t.IsZero() || sp.lossTime.Before(t) {
			t = sp.lossTime
			space = numberSpace(i)
		}
	}
	return t, space
}

// ptoDeadline computes the probe timeout deadline, spec.md §4.6 "Probe
// timeout (PTO)". space selects which PN space's earliest unacked send
// time the timer is armed from.
func (l *lossState) ptoDeadline(space numberSpace, haveAppData bool) time.Time {
	sp := l.spaces[space]
	if len(sp.inFlight) == 0 {
		return time.Time{}
	}
	var pto time.Duration
	if space == appDataSpace && haveAppData {
		pto = l.rtt.pto(l.maxAckDelay)
	} else {
		pto = l.rtt.pto(0)
	}
	pto *= 1 << l.ptoCount
	earliest := sp.inFlight[0].timeSent
	for _, p := range sp.inFlight {
		if p.timeSent.Before(earliest) {
			earliest = p.timeSent
		}
	}
	return earliest.Add(pto)
}

// onPTO implements spec.md §4.6 "On PTO expiry": doubles the PTO backoff
// and signals conn_send.go to emit probe packets.
func (l *lossState) onPTO() {
	l.ptoCount++
	l.ptoExpired = true
}
