// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// mtuState is the binary-search DPLPMTUD state machine of spec.md §4.8,
// grounded on msquic's src/core/mtu_discovery.c (the original's probe-size
// function was a stub; the schedule here is the "intended semantics"
// called out in spec.md §9, exposed as tunables per Open Question 3).
type mtuState int

const (
	mtuSearching mtuState = iota
	mtuSearchComplete
)

// MTUDiscoveryConfig holds the tunable constants of spec.md §4.8.
type MTUDiscoveryConfig struct {
	MaxProbeFailures int           // default 3
	RaiseTimer       time.Duration // time spent in SEARCH_COMPLETE before retrying
	MinProbeDelay    time.Duration // minimum spacing between probes
}

func defaultMTUDiscoveryConfig() MTUDiscoveryConfig {
	return MTUDiscoveryConfig{
		MaxProbeFailures: 3,
		RaiseTimer:       10 * time.Minute,
		MinProbeDelay:    1 * time.Second,
	}
}

type mtuDiscovery struct {
	cfg MTUDiscoveryConfig

	state        mtuState
	minMTU       int
	maxMTU       int
	currentMTU   int
	probeSize    int
	probeFailures int

	probeInFlight bool
	probeSentAt   time.Time
	searchCompleteAt time.Time
}

// newMTUDiscovery initializes MTU discovery for a new path, spec.md §4.8 "NewPath".
func newMTUDiscovery(cfg MTUDiscoveryConfig, localLinkMTU, peerMaxUDPPayload, configuredCap, currentPMTU int) *mtuDiscovery {
	max := localLinkMTU
	if peerMaxUDPPayload > 0 && peerMaxUDPPayload < max {
		max = peerMaxUDPPayload
	}
	if configuredCap > 0 && configuredCap < max {
		max = configuredCap
	}
	m := &mtuDiscovery{
		cfg:        cfg,
		minMTU:     currentPMTU,
		maxMTU:     max,
		currentMTU: currentPMTU,
		state:      mtuSearching,
	}
	m.probeSize = m.nextProbeSize()
	return m
}

// nextProbeSize implements the binary search between the current MTU and
// the ceiling: this resolves the original's stubbed QuicGetNextProbeSize.
func (m *mtuDiscovery) nextProbeSize() int {
	if m.currentMTU >= m.maxMTU {
		return m.currentMTU
	}
	mid := m.currentMTU + (m.maxMTU-m.currentMTU+1)/2
	if mid <= m.currentMTU {
		return m.maxMTU
	}
	return mid
}

// shouldProbe reports whether a probe should be sent now.
func (m *mtuDiscovery) shouldProbe(now time.Time) bool {
	switch m.state {
	case mtuSearching:
		if m.probeInFlight {
			return false
		}
		return m.probeSentAt.IsZero() || now.Sub(m.probeSentAt) >= m.cfg.MinProbeDelay
	case mtuSearchComplete:
		return !m.searchCompleteAt.IsZero() && now.Sub(m.searchCompleteAt) >= m.cfg.RaiseTimer
	}
	return false
}

// probeSent records that a probe of the current size was just sent.
func (m *mtuDiscovery) probeSent(now time.Time) int {
	if m.state == mtuSearchComplete {
		// Raise timer fired: resume searching above the completed size.
		m.state = mtuSearching
		m.probeFailures = 0
		m.probeSize = m.nextProbeSize()
	}
	m.probeInFlight = true
	m.probeSentAt = now
	return m.probeSize
}

// onProbeAcked implements spec.md §4.8 "On ack of a probe of size S".
func (m *mtuDiscovery) onProbeAcked(size int) {
	m.probeInFlight = false
	m.probeFailures = 0
	m.currentMTU = size
	if size >= m.maxMTU {
		m.state = mtuSearchComplete
		m.searchCompleteAt = m.probeSentAt
		return
	}
	m.probeSize = m.nextProbeSize()
}

// onProbeTimeout implements spec.md §4.8 "On probe timer expiry in SEARCHING".
func (m *mtuDiscovery) onProbeTimeout() {
	m.probeInFlight = false
	m.probeFailures++
	if m.probeFailures >= m.cfg.MaxProbeFailures {
		m.state = mtuSearchComplete
		m.searchCompleteAt = time.Now()
		return
	}
	// Retry at the same size.
}
