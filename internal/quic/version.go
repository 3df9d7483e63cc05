// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

// Version negotiation, restoring msquic's version table
// (src/core/version_neg.c) per SPEC_FULL.md §3. A version may be offered
// without being acceptable (still under evaluation) or acceptable without
// being fully deployed (a fallback an endpoint will accept from a peer but
// will not itself initiate), spec.md §6 "version negotiation".
type versionTier int

const (
	versionOffered versionTier = iota
	versionAcceptable
	versionFullyDeployed
)

type versionEntry struct {
	version uint32
	tier    versionTier
}

// defaultVersionTable lists the versions this library understands. Only
// QUIC v1 is implemented; the table shape is kept general so additional
// versions can be added without changing callers.
var defaultVersionTable = []versionEntry{
	{version: quicVersion1, tier: versionFullyDeployed},
}

// isAcceptableVersion reports whether v is one this endpoint will agree
// to use, spec.md §4.3 "Version negotiation".
func isAcceptableVersion(v uint32) bool {
	for _, e := range defaultVersionTable {
		if e.version == v && e.tier >= versionAcceptable {
			return true
		}
	}
	return false
}

// offeredVersions returns every version this endpoint will list in a
// Version Negotiation packet it sends.
func offeredVersions() []uint32 {
	var vs []uint32
	for _, e := range defaultVersionTable {
		vs = append(vs, e.version)
	}
	return vs
}

// negotiateVersion picks the highest-tier mutually supported version from
// a peer's offered list, or 0 if none match.
func negotiateVersion(peerOffered []uint32) uint32 {
	best := uint32(0)
	bestTier := versionTier(-1)
	for _, pv := range peerOffered {
		for _, e := range defaultVersionTable {
			if e.version == pv && e.tier > bestTier {
				best = e.version
				bestTier = e.tier
			}
		}
	}
	return best
}
