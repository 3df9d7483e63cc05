// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"crypto/rand"
)

// maxPeerActiveConnIDLimit bounds how many connection IDs we will issue to
// the peer, spec.md §4.11 "active_connection_id_limit".
const maxPeerActiveConnIDLimit = 4

// connID is one of our connection IDs together with its issuance sequence
// number, spec.md §3.5.
type connID struct {
	seq int64
	cid []byte
	// retired is set on a remote ID once a NEW_CONNECTION_ID frame's
	// Retire Prior To covers it; see connIDsToRetire.
	retired bool
}

// connIDState tracks connection ID issuance and retirement, spec.md §4.11.
type connIDState struct {
	// local is the set of connection IDs this endpoint has issued for the
	// peer to use as destination. Entry 0 holds the original (possibly
	// transient, server-chosen-by-client) connection ID.
	local []connID
	// remote is the set of connection IDs the peer has issued for us to
	// use as destination.
	remote []connID

	nextLocalSeq  int64
	retirePriorTo int64

	// localLimit is how many connection IDs we are willing to have active
	// at once, set from our own active_connection_id_limit.
	localLimit int

	// remoteConfirmed is set once setInitialRemote has recorded the
	// peer's real connection ID, distinguishing that from the client's
	// provisional remote entry (the server's transient destination ID,
	// chosen blind before the server has spoken), which must still be
	// replaceable.
	remoteConfirmed bool
}

// initClient sets up connection ID state for a client connection, which
// has not yet learned the server's chosen connection ID.
func (s *connIDState) initClient() ([]byte, error) {
	cid, err := newRandomConnID()
	if err != nil {
		return nil, err
	}
	s.local = []connID{{seq: -1, cid: cid}}
	s.localLimit = maxPeerActiveConnIDLimit
	return cid, nil
}

// initServer sets up connection ID state for a server connection, given
// the client-chosen destination connection ID of the first Initial packet
// as a transient source ID (seq -1, never issued via NEW_CONNECTION_ID).
func (s *connIDState) initServer(transientCID []byte) error {
	cid, err := newRandomConnID()
	if err != nil {
		return err
	}
	s.local = []connID{
		{seq: -1, cid: transientCID},
		{seq: 0, cid: cid},
	}
	s.nextLocalSeq = 1
	s.localLimit = maxPeerActiveConnIDLimit
	return nil
}

// dstConnID is the connection ID we currently address the peer with.
func (s *connIDState) dstConnID() []byte {
	if len(s.remote) == 0 {
		return nil
	}
	return s.remote[0].cid
}

// setInitialRemote records the peer's source connection ID as our
// destination before any NEW_CONNECTION_ID frame has arrived. A server
// learns this from the first Initial packet's source connection ID,
// since initServer only knows the client's transient destination ID.
func (s *connIDState) setInitialRemote(cid []byte) {
	if s.remoteConfirmed || len(cid) == 0 {
		return
	}
	s.remote = []connID{{seq: -1, cid: append([]byte(nil), cid...)}}
	s.remoteConfirmed = true
}

// retireLocalConnID removes one of our own issued connection IDs after a
// RETIRE_CONNECTION_ID frame tells us the peer will no longer address us
// with it, spec.md §4.11.
func (s *connIDState) retireLocalConnID(seq int64) {
	for i, id := range s.local {
		if id.seq == seq {
			s.local = append(s.local[:i], s.local[i+1:]...)
			return
		}
	}
}

// srcConnID is the connection ID we currently label our own packets with.
func (s *connIDState) srcConnID() []byte {
	return s.local[len(s.local)-1].cid
}

// handleNewConnectionID processes a received NEW_CONNECTION_ID frame,
// spec.md §4.11.
func (s *connIDState) handleNewConnectionID(seq, retirePriorTo int64, cid []byte) {
	if retirePriorTo > s.retirePriorTo {
		s.retirePriorTo = retirePriorTo
		var kept []connID
		for _, r := range s.remote {
			if r.seq < retirePriorTo {
				r.retired = true
			}
			kept = append(kept, r)
		}
		s.remote = kept
	}
	for _, r := range s.remote {
		if r.seq == seq {
			return
		}
	}
	s.remote = append(s.remote, connID{seq: seq, cid: cid})
}

// connIDsToRetire returns, and clears, the set of remote connection IDs
// we must send RETIRE_CONNECTION_ID frames for.
func (s *connIDState) connIDsToRetire() []int64 {
	var seqs []int64
	var kept []connID
	for _, r := range s.remote {
		if r.retired {
			seqs = append(seqs, r.seq)
		} else {
			kept = append(kept, r)
		}
	}
	s.remote = kept
	return seqs
}

// issueLocalConnID allocates a new local connection ID to advertise to the
// peer via NEW_CONNECTION_ID, if room remains under localLimit.
func (s *connIDState) issueLocalConnID() (connID, bool) {
	if len(s.local) >= s.localLimit {
		return connID{}, false
	}
	cid, err := newRandomConnID()
	if err != nil {
		return connID{}, false
	}
	id := connID{seq: s.nextLocalSeq, cid: cid}
	s.nextLocalSeq++
	s.local = append(s.local, id)
	return id, true
}

// newRandomConnID generates a new random connection ID of the default
// length, spec.md §3.5.
func newRandomConnID() ([]byte, error) {
	cid := make([]byte, defaultConnIDLen)
	if _, err := rand.Read(cid); err != nil {
		return nil, err
	}
	return cid, nil
}

// defaultConnIDLen is the length in bytes of connection IDs we generate.
const defaultConnIDLen = 8
