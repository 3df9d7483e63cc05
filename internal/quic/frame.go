// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

// Frame types, RFC 9000 Section 19, spec.md §4 item 4.
const (
	frameTypePadding                   = 0x00
	frameTypePing                      = 0x01
	frameTypeAck                       = 0x02
	frameTypeAckECN                    = 0x03
	frameTypeResetStream               = 0x04
	frameTypeStopSending               = 0x05
	frameTypeCrypto                    = 0x06
	frameTypeNewToken                  = 0x07
	frameTypeStreamBase                = 0x08 // 0x08-0x0f, low 3 bits are OFF/LEN/FIN
	frameTypeMaxData                   = 0x10
	frameTypeMaxStreamData             = 0x11
	frameTypeMaxStreamsBidi            = 0x12
	frameTypeMaxStreamsUni             = 0x13
	frameTypeDataBlocked               = 0x14
	frameTypeStreamDataBlocked         = 0x15
	frameTypeStreamsBlockedBidi        = 0x16
	frameTypeStreamsBlockedUni         = 0x17
	frameTypeNewConnectionID           = 0x18
	frameTypeRetireConnectionID        = 0x19
	frameTypePathChallenge             = 0x1a
	frameTypePathResponse              = 0x1b
	frameTypeConnectionCloseTransport  = 0x1c
	frameTypeConnectionCloseApp        = 0x1d
	frameTypeHandshakeDone             = 0x1e
	frameTypeDatagramBase              = 0x30 // 0x30-0x31, low bit is LEN
)

func isStreamFrameType(t byte) bool {
	return t >= 0x08 && t <= 0x0f
}

func isDatagramFrameType(t byte) bool {
	return t == 0x30 || t == 0x31
}

// streamFrameBits decodes the OFF/LEN/FIN bits of a STREAM frame type.
func streamFrameBits(t byte) (hasOffset, hasLength, hasFin bool) {
	return t&0x04 != 0, t&0x02 != 0, t&0x01 != 0
}

func streamFrameType(hasOffset, hasLength, hasFin bool) byte {
	t := byte(frameTypeStreamBase)
	if hasOffset {
		t |= 0x04
	}
	if hasLength {
		t |= 0x02
	}
	if hasFin {
		t |= 0x01
	}
	return t
}
