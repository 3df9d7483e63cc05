// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "fmt"

// transportError is a QUIC transport error code, RFC 9000 Section 20.1,
// spec.md §7 "Error taxonomy".
type transportError uint64

const (
	errNo                    transportError = 0x0
	errInternal              transportError = 0x1
	errConnectionRefused     transportError = 0x2
	errFlowControlError      transportError = 0x3
	errStreamLimitError      transportError = 0x4
	errStreamStateError      transportError = 0x5
	errFinalSizeError        transportError = 0x6
	errFrameEncodingError    transportError = 0x7
	errTransportParameterError transportError = 0x8
	errConnectionIDLimitError transportError = 0x9
	errProtocolViolation     transportError = 0xa
	errInvalidToken          transportError = 0xb
	errApplicationError      transportError = 0xc
	errCryptoBufferExceeded  transportError = 0xd
	errKeyUpdateError        transportError = 0xe
	errAEADLimitReached      transportError = 0xf
	errNoViablePath          transportError = 0x10
)

func (e transportError) String() string {
	switch e {
	case errNo:
		return "NO_ERROR"
	case errInternal:
		return "INTERNAL_ERROR"
	case errConnectionRefused:
		return "CONNECTION_REFUSED"
	case errFlowControlError:
		return "FLOW_CONTROL_ERROR"
	case errStreamLimitError:
		return "STREAM_LIMIT_ERROR"
	case errStreamStateError:
		return "STREAM_STATE_ERROR"
	case errFinalSizeError:
		return "FINAL_SIZE_ERROR"
	case errFrameEncodingError:
		return "FRAME_ENCODING_ERROR"
	case errTransportParameterError:
		return "TRANSPORT_PARAMETER_ERROR"
	case errConnectionIDLimitError:
		return "CONNECTION_ID_LIMIT_ERROR"
	case errProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case errInvalidToken:
		return "INVALID_TOKEN"
	case errApplicationError:
		return "APPLICATION_ERROR"
	case errCryptoBufferExceeded:
		return "CRYPTO_BUFFER_EXCEEDED"
	case errKeyUpdateError:
		return "KEY_UPDATE_ERROR"
	case errAEADLimitReached:
		return "AEAD_LIMIT_REACHED"
	case errNoViablePath:
		return "NO_VIABLE_PATH"
	default:
		if e >= 0x0100 && e <= 0x01ff {
			return fmt.Sprintf("CRYPTO_ERROR(0x%x)", uint64(e))
		}
		return fmt.Sprintf("UNKNOWN_ERROR(0x%x)", uint64(e))
	}
}

// cryptoError wraps a TLS alert into the CRYPTO_ERROR transport error
// range, RFC 9000 Section 20.1.
func cryptoError(alert uint8) transportError {
	return transportError(0x0100 + uint64(alert))
}

// ConnectionError describes why a connection was closed, reported to
// applications via spec.md §6 "External interfaces".
//
// It is returned from Conn methods once a connection has entered the
// Closing/Draining/Closed states (spec.md §3.1 "Connection state machine").
type ConnectionError struct {
	// Remote is true if the peer closed the connection.
	Remote bool
	// Application is true if this is an application-level close
	// (CONNECTION_CLOSE type 0x1d) rather than a transport-level one.
	Application bool
	Code        uint64
	Reason      string
}

func (e *ConnectionError) Error() string {
	who := "local"
	if e.Remote {
		who = "remote"
	}
	kind := "transport"
	if e.Application {
		kind = "application"
	}
	if e.Reason != "" {
		return fmt.Sprintf("quic: %v %v error %v: %v", who, kind, e.Code, e.Reason)
	}
	return fmt.Sprintf("quic: %v %v error %v", who, kind, e.Code)
}

// StreamError describes why a stream was reset or its reads/writes were
// terminated early, spec.md §6.
type StreamError struct {
	Code uint64
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("quic: stream reset, error code %v", e.Code)
}

// errIdleTimeout is returned to applications when a connection is
// closed due to the idle timeout, spec.md §4.12.
var errIdleTimeout = fmt.Errorf("quic: connection timed out")
