// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"io"
	"sync"
	"time"
)

// Stream is a bidirectional or unidirectional QUIC stream, spec.md §3.3
// "External interfaces". A Stream is a non-owning handle: the owning
// streamSet holds the authoritative send/recv state, and every method
// here synchronizes with it through the connection's event loop plus a
// condition variable broadcast whenever loop-confined state that Read or
// Write cares about changes.
type Stream struct {
	conn *Conn
	id   int64
	uni  bool

	mu   sync.Mutex
	cond *sync.Cond

	send sendStream
	recv recvStream

	closed bool
}

func newStream(c *Conn, id int64, uni bool) *Stream {
	s := &Stream{conn: c, id: id, uni: uni}
	s.cond = sync.NewCond(&s.mu)
	locallyInitiated := isClientStream(id) == (c.side == clientSide)
	switch {
	case uni && locallyInitiated:
		s.send.init(c.config.InitialMaxStreamDataUni)
	case uni:
		s.recv.init(c.config.InitialMaxStreamDataUni)
	case locallyInitiated:
		s.send.init(c.config.InitialMaxStreamDataBidiLocal)
		s.recv.init(c.config.InitialMaxStreamDataBidiLocal)
	default:
		s.send.init(c.config.InitialMaxStreamDataBidiRemote)
		s.recv.init(c.config.InitialMaxStreamDataBidiRemote)
	}
	return s
}

// StreamID returns the stream's wire ID, RFC 9000 Section 2.1.
func (s *Stream) StreamID() int64 { return s.id }

// IsReadOnly reports whether this is a unidirectional stream we did not
// initiate (read-only) or initiated (write-only, see IsWriteOnly).
func (s *Stream) IsReadOnly() bool {
	return s.uni && isClientStream(s.id) != (s.conn.side == clientSide)
}

func (s *Stream) IsWriteOnly() bool {
	return s.uni && isClientStream(s.id) == (s.conn.side == clientSide)
}

// Read reads from the stream, blocking until data or the stream's final
// size is reached, spec.md §3.3 "Read".
func (s *Stream) Read(p []byte) (int, error) {
	if s.IsWriteOnly() {
		return 0, io.EOF
	}
	for {
		s.mu.Lock()
		n, eof := s.recv.read(p)
		resetCode, isReset := uint64(0), s.recv.state == recvStateResetRecvd || s.recv.state == recvStateResetRead
		if isReset {
			s.recv.state = recvStateResetRead
			resetCode = s.recv.resetCode
		}
		s.mu.Unlock()
		switch {
		case n > 0:
			return n, nil
		case isReset:
			return 0, &StreamError{Code: resetCode}
		case eof:
			return 0, io.EOF
		}
		s.waitForChange()
	}
}

// Write writes to the stream, blocking while flow control or buffering
// limits prevent immediate acceptance, spec.md §3.3 "Write".
func (s *Stream) Write(p []byte) (int, error) {
	if s.IsReadOnly() {
		return 0, io.ErrClosedPipe
	}
	total := 0
	for len(p) > 0 {
		s.mu.Lock()
		if s.send.state == sendStateResetSent || s.send.state == sendStateResetRecvd {
			s.mu.Unlock()
			return total, errStreamReset
		}
		n, blocked := s.send.write(p)
		s.mu.Unlock()
		if n > 0 {
			s.conn.runOnLoop(func(now time.Time, c *Conn) {
				c.maybeSend(now)
			})
			total += n
			p = p[n:]
		}
		if blocked && n == 0 {
			s.waitForChange()
		}
	}
	return total, nil
}

// Close closes the write half of the stream by sending a final STREAM
// frame, spec.md §3.3 "Closing".
func (s *Stream) Close() error {
	s.mu.Lock()
	s.send.closeWrite()
	s.closed = true
	s.mu.Unlock()
	s.conn.runOnLoop(func(now time.Time, c *Conn) {
		c.maybeSend(now)
	})
	return nil
}

// CancelRead abandons the receive side, sending STOP_SENDING.
func (s *Stream) CancelRead(code uint64) {
	s.mu.Lock()
	s.recv.stopSending(code)
	s.mu.Unlock()
	s.conn.runOnLoop(func(now time.Time, c *Conn) {
		c.pendingStopSending = append(c.pendingStopSending, pendingStopSendingID{id: s.id, code: code})
		c.maybeSend(now)
	})
}

// CancelWrite abandons the send side, sending RESET_STREAM.
func (s *Stream) CancelWrite(code uint64) {
	s.mu.Lock()
	s.send.reset(code)
	s.mu.Unlock()
	s.conn.runOnLoop(func(now time.Time, c *Conn) {
		c.pendingResetStream = append(c.pendingResetStream, s.id)
		c.maybeSend(now)
	})
}

// The following accessors are called only from the connection's loop
// goroutine (conn_send.go, conn_loss.go, conn_recv.go) but still take
// s.mu, since Read/Write/Close run concurrently on application
// goroutines and touch the same send/recv state.

func (s *Stream) sendPending() (offset int64, data []byte, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send.pending()
}

func (s *Stream) sendSent(offset int64, n int, fin bool) {
	s.mu.Lock()
	s.send.sent(offset, n, fin)
	s.mu.Unlock()
}

func (s *Stream) sendAcked(offset int64, n int, fin bool) {
	s.mu.Lock()
	s.send.acked(offset, n, fin)
	s.mu.Unlock()
	s.notify()
}

func (s *Stream) sendLost(offset int64, n int, fin bool) {
	s.mu.Lock()
	s.send.lost(offset, n, fin)
	s.mu.Unlock()
}

func (s *Stream) sendBlocked() (limit int64, should bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send.out.maxSent, s.send.out.shouldSendBlocked()
}

func (s *Stream) sendSentBlocked() {
	s.mu.Lock()
	s.send.out.sentBlocked()
	s.mu.Unlock()
}

func (s *Stream) sendSetMaxData(max int64) {
	s.mu.Lock()
	s.send.out.setMaxSent(max)
	s.mu.Unlock()
	s.notify()
}

func (s *Stream) sendHandleStopSending(code uint64) {
	s.mu.Lock()
	s.send.handleStopSending(code)
	s.mu.Unlock()
	s.notify()
}

func (s *Stream) recvHandleStreamFrame(offset int64, data []byte, fin bool) error {
	s.mu.Lock()
	err := s.recv.handleStreamFrame(offset, data, fin)
	s.mu.Unlock()
	s.notify()
	return err
}

func (s *Stream) recvHandleResetStream(code uint64, finalSize int64) error {
	s.mu.Lock()
	err := s.recv.handleResetStream(code, finalSize)
	s.mu.Unlock()
	s.notify()
	return err
}

func (s *Stream) recvStopRequested() (code uint64, requested bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send.stopCode, s.send.stopReceived
}

// sendResetInfo returns the data needed to (re)send a RESET_STREAM frame,
// and whether the stream is in a state where one is still meaningful.
func (s *Stream) sendResetInfo() (code uint64, finalSize int64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active = s.send.state == sendStateResetSent
	return s.send.resetCode, s.send.resetFinalSize, active
}

// maxStreamDataIfNeeded reports whether a MAX_STREAM_DATA update is due for
// the receive buffer, spec.md §4.9 "Auto-tuning".
func (s *Stream) maxStreamDataIfNeeded() (max int64, should bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recv.buf.shouldUpdateLimit() {
		return 0, false
	}
	return s.recv.buf.nextLimit(), true
}

func (s *Stream) setStreamDataLimit(max int64) {
	s.mu.Lock()
	s.recv.buf.setLimit(max)
	s.mu.Unlock()
}

func (s *Stream) stopSendingCode() (code uint64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv.localStopCode, s.recv.stopSent && s.recv.state != recvStateResetRecvd && s.recv.state != recvStateResetRead
}

// waitForChange blocks until the loop goroutine reports that this
// stream's state may have changed.
func (s *Stream) waitForChange() {
	s.mu.Lock()
	s.cond.Wait()
	s.mu.Unlock()
}

// notify wakes any goroutine blocked in Read or Write. Called from the
// loop goroutine after processing frames that touch this stream.
func (s *Stream) notify() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}
