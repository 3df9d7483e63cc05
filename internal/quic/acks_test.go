// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAckStateDuplicateReturnsAlreadySeen(t *testing.T) {
	a := newAckState(25 * time.Millisecond)
	now := time.Now()
	assert.NoError(t, a.receive(now, 1, true, false, 0))
	err := a.receive(now, 1, true, false, 0)
	assert.ErrorIs(t, err, errAlreadySeen)
}

func TestAckStateImmediateOnMaxAckDelayZero(t *testing.T) {
	a := newAckState(0)
	now := time.Now()
	_ = a.receive(now, 1, true, false, 0)
	assert.True(t, a.shouldSendAck(now))
}

func TestAckStatePacketTolerance(t *testing.T) {
	a := newAckState(25 * time.Millisecond)
	now := time.Now()
	_ = a.receive(now, 1, true, false, 0)
	assert.False(t, a.shouldSendAck(now), "one ack-eliciting packet shouldn't force an immediate ack")
	_ = a.receive(now, 2, true, false, 0)
	assert.True(t, a.shouldSendAck(now), "packet tolerance threshold reached")
}

func TestAckStateDelayedAckTimer(t *testing.T) {
	a := newAckState(25 * time.Millisecond)
	now := time.Now()
	_ = a.receive(now, 1, true, false, 0)
	assert.False(t, a.shouldSendAck(now))
	later := now.Add(26 * time.Millisecond)
	assert.True(t, a.shouldSendAck(later))
}

func TestAckStateAckOfAckPrunes(t *testing.T) {
	a := newAckState(25 * time.Millisecond)
	now := time.Now()
	_ = a.receive(now, 1, true, false, 0)
	_ = a.receive(now, 2, true, false, 0)
	seen, _ := a.acksToSend(now)
	assert.False(t, seen.isEmpty())
	a.sentAck()
	a.handleAck(2)
	assert.True(t, a.toAck.isEmpty())
	assert.Equal(t, 0, a.ackElicitingQueued)
}

func TestAckStateSentAckResetsQueued(t *testing.T) {
	a := newAckState(25 * time.Millisecond)
	now := time.Now()
	_ = a.receive(now, 1, true, false, 0)
	_ = a.receive(now, 2, true, false, 0)
	assert.True(t, a.shouldSendAck(now), "packet tolerance threshold reached")
	a.sentAck()
	assert.Equal(t, 0, a.ackElicitingQueued, "sentAck must reset the packet-tolerance counter so delayed ACKs resume")
	_ = a.receive(now, 3, true, false, 0)
	assert.False(t, a.shouldSendAck(now), "a single ack-eliciting packet after sentAck should not force an immediate ack")
}

func TestAckStateReorderingThreshold(t *testing.T) {
	a := newAckState(25 * time.Millisecond)
	a.reorderingThreshold = 3
	now := time.Now()
	// Receive PN 0, 1, then 5: PN 5 is far enough ahead that PNs 2-4
	// being missing (gap of >= R) should trigger an immediate ack.
	_ = a.receive(now, 0, true, false, 0)
	a.sentAck()
	a.toAck = nil
	_ = a.receive(now, 1, true, false, 0)
	a.wantImmediateAck = false
	a.ackElicitingQueued = 0
	_ = a.receive(now, 5, true, false, 0)
	assert.True(t, a.wantImmediateAck || a.shouldSendAck(now))
}
