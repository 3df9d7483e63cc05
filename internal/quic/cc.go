// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"math"
	"time"
)

// ccLimit is the result of a congestion-control send check, spec.md §4.6
// "loss.sendLimit" usage in conn_send.go.
type ccLimit int

const (
	ccOK ccLimit = iota
	ccLimited          // cwnd/pacing limits sending, but ACKs may still go out
	ccBlocked          // anti-amplification or pacing fully blocks sending
)

// congestionController is the pluggable interface of spec.md §4.7.
// The core only depends on this interface; specific algorithms (Reno,
// Cubic, BBR, ...) are swappable implementations.
type congestionController interface {
	onPacketSent(bytes int, sentTime time.Time, space numberSpace, isAppLimited bool)
	onPacketsAcked(acked []*sentPacket, now time.Time)
	onPacketsLost(lost []*sentPacket, now time.Time, persistentCongestion bool)
	onECNCECountIncreased(delta int64)
	canSend(bytesInFlight int64) int64
	onKeyPhaseChange()
	onMTUChange(old, new int)
	setUnderutilized(bool)
	congestionWindow() int64
	bytesInFlight() int64
}

// renoCubicController is the default controller of spec.md §4.7: a
// Reno/Cubic hybrid with slow start and a loss-triggered recovery epoch.
// Cubic is used once a connection leaves slow start with a window larger
// than Reno would allow; otherwise the two algorithms agree, so a single
// window update path serves both, selecting the larger of the two
// candidate windows on each growth step (the standard "CUBIC is Reno-
// friendly" blending from RFC 9438 Section 4.3).
type renoCubicController struct {
	minWindow     int64
	cwnd          int64
	bytesInF      int64
	ssthresh      int64
	recoveryStart packetNumber
	inRecovery    bool
	underutilized bool

	// Cubic state, RFC 9438.
	wMax        int64
	epochStart  time.Time
	k           float64

	maxDatagramSize int64
}

func newRenoCubicController(maxDatagramSize int64) *renoCubicController {
	cc := &renoCubicController{
		maxDatagramSize: maxDatagramSize,
		minWindow:       2 * maxDatagramSize,
		ssthresh:        math.MaxInt64,
	}
	cc.cwnd = 10 * maxDatagramSize // RFC 9002 Section 7.2 kInitialWindow (approx)
	return cc
}

func (cc *renoCubicController) congestionWindow() int64 { return cc.cwnd }
func (cc *renoCubicController) bytesInFlight() int64    { return cc.bytesInF }

func (cc *renoCubicController) canSend(bytesInFlight int64) int64 {
	if bytesInFlight >= cc.cwnd {
		return 0
	}
	return cc.cwnd - bytesInFlight
}

func (cc *renoCubicController) setUnderutilized(v bool) { cc.underutilized = v }

func (cc *renoCubicController) onPacketSent(bytes int, sentTime time.Time, space numberSpace, isAppLimited bool) {
	if space != appDataSpace {
		// Initial and Handshake packets are counted exactly like
		// Application packets: congestion control applies to the
		// connection overall regardless of space, so their bytes count
		// toward bytes in flight and the window test in canSend.
	}
	cc.bytesInF += int64(bytes)
}

func (cc *renoCubicController) onPacketsAcked(acked []*sentPacket, now time.Time) {
	for _, p := range acked {
		cc.bytesInF -= int64(p.size)
		if cc.bytesInF < 0 {
			cc.bytesInF = 0
		}
		if p.isPMTUDProbe || cc.underutilized {
			continue
		}
		cc.onWindowGrowth(p, now)
	}
}

func (cc *renoCubicController) onWindowGrowth(p *sentPacket, now time.Time) {
	if cc.cwnd < cc.ssthresh {
		// Slow start: exponential growth.
		cc.cwnd += int64(p.size)
		return
	}
	// Congestion avoidance: blend Reno's linear growth with Cubic's
	// window function, taking the larger (RFC 9438 Section 4.3).
	reno := cc.cwnd + (cc.maxDatagramSize*int64(p.size))/cc.cwnd
	cubic := cc.cubicWindow(now)
	if cubic > reno {
		cc.cwnd = cubic
	} else {
		cc.cwnd = reno
	}
}

func (cc *renoCubicController) cubicWindow(now time.Time) int64 {
	if cc.epochStart.IsZero() {
		cc.epochStart = now
		if cc.wMax == 0 {
			cc.k = 0
		} else {
			cc.k = math.Cbrt(float64(cc.wMax-cc.cwnd) / 0.4 / float64(cc.maxDatagramSize))
		}
	}
	t := now.Sub(cc.epochStart).Seconds()
	w := 0.4*math.Pow(t-cc.k, 3)*float64(cc.maxDatagramSize) + float64(cc.wMax)
	if w < float64(cc.minWindow) {
		w = float64(cc.minWindow)
	}
	return int64(w)
}

func (cc *renoCubicController) onPacketsLost(lost []*sentPacket, now time.Time, persistentCongestion bool) {
	if len(lost) == 0 {
		return
	}
	largest := lost[len(lost)-1].num
	for _, p := range lost {
		cc.bytesInF -= int64(p.size)
		if cc.bytesInF < 0 {
			cc.bytesInF = 0
		}
	}
	if cc.inRecovery && largest <= cc.recoveryStart {
		return
	}
	cc.inRecovery = true
	cc.recoveryStart = largest
	cc.wMax = cc.cwnd
	cc.ssthresh = maxInt64(cc.cwnd/2, cc.minWindow)
	cc.cwnd = cc.ssthresh
	cc.epochStart = time.Time{}
	if persistentCongestion {
		cc.cwnd = cc.minWindow
	}
}

func (cc *renoCubicController) onECNCECountIncreased(delta int64) {
	// Treat a congestion experienced signal like a loss event for window
	// purposes (RFC 9000 Section 13.4.2), without touching bytesInFlight
	// since no packet is presumed lost.
	cc.ssthresh = maxInt64(cc.cwnd/2, cc.minWindow)
	cc.cwnd = cc.ssthresh
	cc.wMax = cc.cwnd
	cc.epochStart = time.Time{}
}

func (cc *renoCubicController) onKeyPhaseChange() {}

func (cc *renoCubicController) onMTUChange(old, new int) {
	cc.maxDatagramSize = int64(new)
	cc.minWindow = 2 * cc.maxDatagramSize
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
