// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"context"
	"crypto/tls"
	"fmt"
)

// tlsState is the TLS adapter of spec.md §6 "TLS adapter interface": it
// drives crypto/tls's QUIC event API (tls.QUICConn, added in Go 1.21) and
// derives the packet-protection keys function consumes, spec.md §4.2.
type tlsState struct {
	conn *tls.QUICConn

	wkeys [numberSpaceCount]keys
	rkeys [numberSpaceCount]keys

	handshakeConfirmed bool
	peerParamsSeen      bool
	peerParams          []byte
}

// levelToSpace maps a crypto/tls QUIC encryption level to our numberSpace.
func levelToSpace(level tls.QUICEncryptionLevel) numberSpace {
	switch level {
	case tls.QUICEncryptionLevelInitial:
		return initialSpace
	case tls.QUICEncryptionLevelHandshake:
		return handshakeSpace
	case tls.QUICEncryptionLevelApplication, tls.QUICEncryptionLevelEarly:
		return appDataSpace
	}
	panic("quic: unknown QUIC encryption level")
}

// newTLSState constructs the TLS adapter for one connection side,
// spec.md §4.2 "Key derivation and installation".
func newTLSState(config *tls.Config, side connSide, destConnID, quicTransportParams []byte) (*tlsState, error) {
	st := &tlsState{}
	qc := &tls.QUICConfig{TLSConfig: config}
	if side == clientSide {
		st.conn = tls.QUICClient(qc)
	} else {
		st.conn = tls.QUICServer(qc)
	}
	st.conn.SetTransportParameters(quicTransportParams)

	clientSecret, serverSecret := initialSecrets(destConnID)
	var err error
	if side == clientSide {
		st.wkeys[initialSpace], err = keysFromSecret(tls.TLS_AES_128_GCM_SHA256, clientSecret)
		if err == nil {
			st.rkeys[initialSpace], err = keysFromSecret(tls.TLS_AES_128_GCM_SHA256, serverSecret)
		}
	} else {
		st.wkeys[initialSpace], err = keysFromSecret(tls.TLS_AES_128_GCM_SHA256, serverSecret)
		if err == nil {
			st.rkeys[initialSpace], err = keysFromSecret(tls.TLS_AES_128_GCM_SHA256, clientSecret)
		}
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// start kicks off the TLS handshake, producing the first flight of
// CRYPTO data via a subsequent call to drainEvents.
func (st *tlsState) start(ctx context.Context) error {
	return st.conn.Start(ctx)
}

// resetInitialKeys re-derives the Initial keys from a new destination
// connection ID, RFC 9001 Section 5.2. A client does this once after a
// Retry packet replaces the server's connection ID; the TLS transcript
// and handshake state are untouched, only the Initial secrets change.
func (st *tlsState) resetInitialKeys(side connSide, destConnID []byte) error {
	clientSecret, serverSecret := initialSecrets(destConnID)
	var err error
	if side == clientSide {
		st.wkeys[initialSpace], err = keysFromSecret(tls.TLS_AES_128_GCM_SHA256, clientSecret)
		if err == nil {
			st.rkeys[initialSpace], err = keysFromSecret(tls.TLS_AES_128_GCM_SHA256, serverSecret)
		}
	} else {
		st.wkeys[initialSpace], err = keysFromSecret(tls.TLS_AES_128_GCM_SHA256, serverSecret)
		if err == nil {
			st.rkeys[initialSpace], err = keysFromSecret(tls.TLS_AES_128_GCM_SHA256, clientSecret)
		}
	}
	return err
}

// handleCryptoData feeds received CRYPTO frame payload into the TLS
// stack at the given packet-number space's encryption level.
func (st *tlsState) handleCryptoData(space numberSpace, data []byte) error {
	return st.conn.HandleData(spaceToLevel(space), data)
}

func spaceToLevel(space numberSpace) tls.QUICEncryptionLevel {
	switch space {
	case initialSpace:
		return tls.QUICEncryptionLevelInitial
	case handshakeSpace:
		return tls.QUICEncryptionLevelHandshake
	case appDataSpace:
		return tls.QUICEncryptionLevelApplication
	}
	panic("quic: unknown number space")
}

// cryptoWrite is a pending outgoing CRYPTO frame payload for one space,
// handed off to the connection's per-space outgoing crypto stream buffer.
type cryptoWrite struct {
	space numberSpace
	data  []byte
}

// drainEvents pumps tls.QUICConn's event queue until it is empty,
// applying each event's effect to the adapter and returning any CRYPTO
// data the handshake produced for the connection to queue for sending.
//
// This is called by the connection's event loop after every call into
// the TLS stack (Start, HandleData) or after a timer it set expires,
// spec.md §4.2 "Driving the TLS state machine".
func (st *tlsState) drainEvents(c *Conn) ([]cryptoWrite, error) {
	var writes []cryptoWrite
	for {
		e := st.conn.NextEvent()
		switch e.Kind {
		case tls.QUICNoEvent:
			return writes, nil
		case tls.QUICSetReadSecret:
			k, err := keysFromSecret(e.Suite, e.Data)
			if err != nil {
				return writes, err
			}
			st.rkeys[levelToSpace(e.Level)] = k
		case tls.QUICSetWriteSecret:
			k, err := keysFromSecret(e.Suite, e.Data)
			if err != nil {
				return writes, err
			}
			st.wkeys[levelToSpace(e.Level)] = k
		case tls.QUICWriteData:
			writes = append(writes, cryptoWrite{space: levelToSpace(e.Level), data: e.Data})
		case tls.QUICTransportParameters:
			st.peerParamsSeen = true
			st.peerParams = e.Data
		case tls.QUICTransportParametersRequired:
			// newConn always calls SetTransportParameters before Start;
			// this event should not occur.
			return writes, fmt.Errorf("quic: TLS requested transport parameters we already provided")
		case tls.QUICHandshakeConfirmed:
			st.handshakeConfirmed = true
		case tls.QUICHandshakeDone:
			// The handshake completed; confirmation (server-only signal to
			// the client) is handled by the HANDSHAKE_DONE frame instead.
		default:
			// Unrecognized event kinds are ignored, per the forward
			// compatibility note in spec.md §9.
		}
	}
}
