// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"context"
	"crypto/tls"
	"net/netip"
	"time"
)

// connSide distinguishes a connection's role, spec.md §3.1.
type connSide int

const (
	clientSide connSide = iota
	serverSide
)

// connState is the connection's position in the state machine of
// spec.md §3.1: HANDSHAKE -> CONNECTED -> CLOSING -> DRAINING -> CLOSED.
type connState int

const (
	stateHandshake connState = iota
	stateConnected
	stateClosing
	stateDraining
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateHandshake:
		return "handshake"
	case stateConnected:
		return "connected"
	case stateClosing:
		return "closing"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	}
	return "invalid"
}

// connListener is the interface a Conn uses to send datagrams, spec.md
// §4.13. The binding implements this for production use; conn_test.go's
// testConnListener implements it for tests.
type connListener interface {
	sendDatagram(p []byte, addr netip.AddrPort) error
}

// connTestHooks lets tests observe and drive a Conn's event loop,
// spec.md §8 "Testable properties" (deterministic simulated time).
type connTestHooks interface {
	nextMessage(msgc chan any, timer time.Time) (now time.Time, m any)
}

// realHooks is the production connTestHooks implementation: it blocks on
// msgc until either a message arrives or the timer expires, using the
// wall clock.
type realHooks struct{}

func (realHooks) nextMessage(msgc chan any, timer time.Time) (time.Time, any) {
	if timer.IsZero() {
		return time.Now(), <-msgc
	}
	d := time.Until(timer)
	if d <= 0 {
		select {
		case m := <-msgc:
			return time.Now(), m
		default:
			return time.Now(), timerEvent{}
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case m := <-msgc:
		return time.Now(), m
	case <-t.C:
		return time.Now(), timerEvent{}
	}
}

// datagram is a received UDP datagram, queued onto a Conn's message
// channel by the binding (or, in tests, by testConn.write).
type datagram struct {
	b    []byte
	addr netip.AddrPort
}

// timerEvent signals that the Conn's next scheduled timer has fired.
type timerEvent struct{}

// ConnectionState is the live connection state an application can query
// per spec.md §6, distinct from the internal connState.
type ConnectionState struct {
	State              string
	HandshakeConfirmed bool
}

// Conn is a single QUIC connection, spec.md §3.1/§4.12. All mutable state
// is confined to a single goroutine running (*Conn).loop; every other
// method communicates with that goroutine over msgc, the single-threaded
// cooperative operation model of spec.md §5.
type Conn struct {
	side      connSide
	config    Config
	listener  connListener
	testHooks connTestHooks
	peerAddr  netip.AddrPort

	msgc   chan any
	donec  chan struct{}
	exited bool

	// handshakeConfirmedc is closed exactly once, by enterConnected, so
	// Dial can wait for the handshake to finish without polling.
	handshakeConfirmedc chan struct{}

	logger  *connLogger
	metrics *metrics

	state connState

	connIDState connIDState
	tlsState    *tlsState
	acks        [numberSpaceCount]*ackState
	loss        *lossState
	w           packetWriter
	mtu         *mtuDiscovery

	streams streamSet

	connFlow *connFlow

	idleDeadline      time.Time
	keepAliveDeadline time.Time
	lastActivity      time.Time

	keysDiscarded [numberSpaceCount]bool

	closeCode     uint64
	closeIsApp    bool
	closeReason   string
	closeFromPeer bool
	drainEndTime  time.Time

	peerTransportParamsApplied bool

	// retryReceived and retryToken implement the client side of spec.md
	// §4.3 "Retry": once a valid Retry has been processed, a client
	// resends its Initial flight carrying the server-supplied token and
	// ignores any further Retry packets.
	retryReceived bool
	retryToken    []byte

	// keyUpdate tracks the 1-RTT key-phase schedule, spec.md §4.11 "Key
	// update".
	keyUpdate keyUpdateState

	// pendingPathResponse holds an unanswered PATH_CHALLENGE payload to
	// echo back via PATH_RESPONSE, RFC 9000 Section 8.2.
	pendingPathResponse      [8]byte
	pendingPathResponseValid bool

	// Pending retransmissions of frames whose retransmit unit is just an
	// identifier, queued by handleAckOrLoss and drained by appendFrames.
	resendResetStream        []int64
	resendStopSending        []int64
	resendMaxStreamData      []int64
	resendNewConnectionID    []int64
	resendRetireConnectionID []int64

	// Locally-requested stream cancellations not yet written to the wire.
	pendingResetStream []int64
	pendingStopSending []pendingStopSendingID

	// testSendPingSpace/testSendPing let conn_test.go inject a PING frame
	// into a specific packet-number space without exercising the full
	// application data path.
	testSendPingSpace numberSpace
	testSendPing      testSendPingState
}

// pendingStopSendingID is a locally-requested STOP_SENDING awaiting
// transmission, spec.md §3.3 "Stop sending".
type pendingStopSendingID struct {
	id   int64
	code uint64
}

// keyUpdateState tracks progress of the 1-RTT key-phase schedule, spec.md
// §4.11 "Key update". bytesSinceUpdate counts bytes sealed under the
// current write key phase; once it passes Config.MaxBytesPerKey a new
// write key generation is derived and put into use. rkeysPrev retains the
// previous read key phase briefly so packets reordered across an update
// initiated by the peer can still be decrypted, RFC 9001 Section 6.
type keyUpdateState struct {
	bytesSinceUpdate int64
	rkeysPrev        keys
	haveRkeysPrev    bool
}

// testSendPingState is test-only scaffolding consumed by appendFrames.
type testSendPingState struct {
	sendPTOOnly bool
	requested   bool
	sentAt      packetNumber
}

func (s *testSendPingState) shouldSendPTO(pto bool) bool {
	if s.sentAt != 0 {
		return false
	}
	if s.sendPTOOnly {
		return pto
	}
	return s.requested
}

func (s *testSendPingState) setSent(pnum packetNumber) {
	s.sentAt = pnum + 1
}

// newConn creates a connection and starts its event loop goroutine.
//
// initialConnID is the connection ID of the first Initial packet: for a
// client, one we generate ourselves; for a server, the one the client
// chose, spec.md §4.11.
//
// opts customize the connection's Config; production callers (Dial,
// Listener.Accept) supply one via withConfig, while conn_test.go's
// testConn leaves it empty and gets the library defaults plus a
// self-signed test certificate.
func newConn(now time.Time, side connSide, initialConnID []byte, peerAddr netip.AddrPort, l connListener, h connTestHooks, opts ...ConnOption) (*Conn, error) {
	c := &Conn{
		side:      side,
		listener:  l,
		testHooks: h,
		peerAddr:  peerAddr,
		msgc:      make(chan any, 16),
		donec:     make(chan struct{}),
		handshakeConfirmedc: make(chan struct{}),
		state:     stateHandshake,
	}
	for _, o := range opts {
		o(c)
	}
	c.config = c.config.withDefaults()
	if c.config.TLSConfig == nil {
		tlsCfg, err := generateInsecureTestTLSConfig()
		if err != nil {
			return nil, err
		}
		c.config.TLSConfig = tlsCfg
	}
	if c.metrics == nil {
		c.metrics = noopMetrics()
	}
	c.logger = newConnLogger(c.config.Logger, side)

	var destForSecrets []byte
	if side == clientSide {
		cid, err := c.connIDState.initClient()
		if err != nil {
			return nil, err
		}
		c.connIDState.remote = []connID{{seq: -1, cid: initialConnID}}
		destForSecrets = initialConnID
		_ = cid
	} else {
		if err := c.connIDState.initServer(initialConnID); err != nil {
			return nil, err
		}
		destForSecrets = initialConnID
	}

	tparams := c.encodeTransportParameters()
	st, err := newTLSState(c.config.TLSConfig, side, destForSecrets, tparams)
	if err != nil {
		return nil, err
	}
	c.tlsState = st

	for i := range c.acks {
		c.acks[i] = newAckState(c.config.MaxAckDelay)
	}
	c.loss = newLossState(minimumClientInitialDatagramSize, c.config.MaxAckDelay)
	c.connFlow = newConnFlow(c.config.InitialMaxData, 0)
	c.streams.init(c, c.config)
	c.lastActivity = now
	c.idleDeadline = c.nextIdleDeadline(now)

	c.metrics.connectionsActive.Inc()
	go c.loop(now)
	return c, nil
}

// ConnOption customizes a Conn at construction time.
type ConnOption func(*Conn)

func withConfig(cfg Config) ConnOption {
	return func(c *Conn) { c.config = cfg }
}

func withMetrics(m *metrics) ConnOption {
	return func(c *Conn) { c.metrics = m }
}

// encodeTransportParameters serializes the local transport parameters,
// spec.md §6, for delivery to crypto/tls.
func (c *Conn) encodeTransportParameters() []byte {
	// A minimal but self-consistent transport parameter encoding: each
	// parameter is (varint id, varint length, value), RFC 9000 Section
	// 18.2. Only parameters this implementation acts on are included;
	// unknown parameters received from a peer are ignored per spec.md §7.
	var b []byte
	appendTP := func(id uint64, val uint64) {
		b = appendVarint(b, id)
		var vb []byte
		vb = appendVarint(vb, val)
		b = appendVarint(b, uint64(len(vb)))
		b = append(b, vb...)
	}
	const (
		tpInitialMaxData                   = 0x04
		tpInitialMaxStreamDataBidiLocal    = 0x05
		tpInitialMaxStreamDataBidiRemote   = 0x06
		tpInitialMaxStreamDataUni          = 0x07
		tpInitialMaxStreamsBidi            = 0x08
		tpInitialMaxStreamsUni             = 0x09
		tpMaxIdleTimeout                   = 0x01
		tpMaxAckDelay                      = 0x0b
		tpActiveConnectionIDLimit          = 0x0e
	)
	appendTP(tpInitialMaxData, uint64(c.config.InitialMaxData))
	appendTP(tpInitialMaxStreamDataBidiLocal, uint64(c.config.InitialMaxStreamDataBidiLocal))
	appendTP(tpInitialMaxStreamDataBidiRemote, uint64(c.config.InitialMaxStreamDataBidiRemote))
	appendTP(tpInitialMaxStreamDataUni, uint64(c.config.InitialMaxStreamDataUni))
	appendTP(tpInitialMaxStreamsBidi, uint64(c.config.MaxBidiStreams))
	appendTP(tpInitialMaxStreamsUni, uint64(c.config.MaxUniStreams))
	appendTP(tpMaxIdleTimeout, uint64(c.config.MaxIdleTimeout/time.Millisecond))
	appendTP(tpMaxAckDelay, uint64(c.config.MaxAckDelay/time.Millisecond))
	appendTP(tpActiveConnectionIDLimit, uint64(c.config.ActiveConnIDLimit))
	return b
}

func (c *Conn) nextIdleDeadline(now time.Time) time.Time {
	if c.config.MaxIdleTimeout <= 0 {
		return time.Time{}
	}
	return now.Add(c.config.MaxIdleTimeout)
}

// runOnLoop schedules f to run on the connection's event-loop goroutine
// and returns once it has run, spec.md §4.12.
func (c *Conn) runOnLoop(f func(now time.Time, c *Conn)) {
	done := make(chan struct{})
	c.sendMsg(func(now time.Time, c *Conn) {
		defer close(done)
		f(now, c)
	})
	<-done
}

// sendMsg enqueues a message for the loop goroutine without waiting.
func (c *Conn) sendMsg(m any) {
	if c.exited {
		return
	}
	select {
	case c.msgc <- m:
	case <-c.donec:
	}
}

// exit terminates the connection's event loop immediately, for test
// cleanup and fatal internal errors.
func (c *Conn) exit() {
	c.sendMsg(func(now time.Time, c *Conn) {
		c.exited = true
	})
	<-c.donec
}

// loop is the connection's single goroutine: every field access to a
// Conn other than the handful of fields set once at construction
// (side, listener, etc.) happens only from within this goroutine,
// implementing the single-threaded cooperative model of spec.md §5.
func (c *Conn) loop(now time.Time) {
	defer close(c.donec)
	c.logger.infof(c.state, "connection started")

	if c.side == clientSide {
		if err := c.tlsState.start(context.Background()); err != nil {
			c.logger.warnf(c.state, "tls start failed: %v", err)
		}
		c.handleTLSEvents(now)
	}
	c.maybeSend(now)

	for !c.exited {
		timer := c.nextTimeout()
		var m any
		now, m = c.testHooks.nextMessage(c.msgc, timer)
		c.handleMessage(now, m)
		if c.state == stateClosed {
			c.exited = true
		}
	}
	c.logger.infof(c.state, "connection exited")
}

func (c *Conn) handleMessage(now time.Time, m any) {
	switch m := m.(type) {
	case func(time.Time, *Conn):
		m(now, c)
	case *datagram:
		c.handleDatagram(now, m)
	case timerEvent:
		c.handleTimer(now)
	default:
		c.logger.warnf(c.state, "unhandled message type %T", m)
	}
}

// nextTimeout computes the earliest time the loop needs to wake up even
// without a message, spec.md §4.12 "Timer consolidation": the idle
// timeout, loss-detection timers, and the ack delay timer.
func (c *Conn) nextTimeout() time.Time {
	t := c.idleDeadline
	earliest := func(u time.Time) {
		if u.IsZero() {
			return
		}
		if t.IsZero() || u.Before(t) {
			t = u
		}
	}
	if lt, _ := c.loss.lossTimer(); !lt.IsZero() {
		earliest(lt)
	}
	for space := numberSpace(0); space < numberSpaceCount; space++ {
		if !c.acks[space].ackTimer.IsZero() {
			earliest(c.acks[space].ackTimer)
		}
	}
	if c.state == stateClosing || c.state == stateDraining {
		earliest(c.drainEndTime)
	}
	return t
}

func (c *Conn) handleTimer(now time.Time) {
	if !c.idleDeadline.IsZero() && !now.Before(c.idleDeadline) {
		c.enterClosed(now, &ConnectionError{Reason: errIdleTimeout.Error()})
		return
	}
	if (c.state == stateClosing || c.state == stateDraining) && !c.drainEndTime.IsZero() && !now.Before(c.drainEndTime) {
		c.enterClosed(now, nil)
		return
	}
	if lt, space := c.loss.lossTimer(); !lt.IsZero() && !now.Before(lt) {
		lost := c.loss.detectAndRemoveLost(space, now)
		for _, p := range lost {
			c.handleAckOrLoss(space, p, packetLost)
		}
		if len(lost) > 0 {
			c.metrics.lossEvents.WithLabelValues(space.String()).Add(float64(len(lost)))
		}
	}
	if c.state == stateConnected || c.state == stateHandshake {
		if pto := c.checkPTO(now); pto {
			c.loss.onPTO()
		}
	}
	c.maybeSend(now)
}

// checkPTO reports whether any packet-number space's PTO deadline has
// passed, spec.md §4.6 "Probe timeout (PTO)".
func (c *Conn) checkPTO(now time.Time) bool {
	haveAppData := c.tlsState.handshakeConfirmed
	for space := numberSpace(0); space < numberSpaceCount; space++ {
		d := c.loss.ptoDeadline(space, haveAppData)
		if !d.IsZero() && !now.Before(d) {
			return true
		}
	}
	return false
}

func (c *Conn) handleTLSEvents(now time.Time) {
	writes, err := c.tlsState.drainEvents(c)
	if err != nil {
		c.abort(now, &ConnectionError{Code: uint64(errInternal), Reason: err.Error()})
		return
	}
	for _, w := range writes {
		c.streams.queueCrypto(w.space, w.data)
	}
	if c.tlsState.handshakeConfirmed && c.state == stateHandshake {
		c.enterConnected(now)
	}
}

func (c *Conn) enterConnected(now time.Time) {
	c.state = stateConnected
	c.loss.onAddressValidated()
	if c.side == serverSide {
		c.streams.queueHandshakeDone()
	}
	close(c.handshakeConfirmedc)
	c.logger.infof(c.state, "handshake confirmed")
}

// abort implements spec.md §7 "immediate close": send CONNECTION_CLOSE
// and move to the Closing state.
func (c *Conn) abort(now time.Time, err *ConnectionError) {
	if c.state == stateClosing || c.state == stateDraining || c.state == stateClosed {
		return
	}
	c.closeCode = err.Code
	c.closeIsApp = err.Application
	c.closeReason = err.Reason
	c.state = stateClosing
	c.drainEndTime = now.Add(3 * c.loss.rtt.pto(c.config.MaxAckDelay))
	c.logger.warnf(c.state, "connection aborted: %v", err)
	c.maybeSend(now)
}

// enterDraining implements spec.md §4.11: on receiving a CONNECTION_CLOSE
// from the peer, the connection stops sending entirely (no more
// CONNECTION_CLOSE retransmissions, unlike the Closing state we enter
// ourselves from abort) but still waits out a draining period before
// discarding state, RFC 9000 Section 10.2.2.
func (c *Conn) enterDraining(now time.Time, err *ConnectionError) {
	if c.state == stateClosing || c.state == stateDraining || c.state == stateClosed {
		return
	}
	c.closeFromPeer = true
	c.state = stateDraining
	c.drainEndTime = now.Add(3 * c.loss.rtt.pto(c.config.MaxAckDelay))
	c.logger.infof(c.state, "connection draining: %v", err)
}

func (c *Conn) enterClosed(now time.Time, err *ConnectionError) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.metrics.connectionsActive.Dec()
	if err != nil {
		c.logger.infof(c.state, "connection closed: %v", err)
	} else {
		c.logger.infof(c.state, "connection closed")
	}
	c.exited = true
}

// generateInsecureTestTLSConfig produces a throwaway self-signed
// certificate so a Conn constructed without an explicit Config (as
// conn_test.go's newTestConn does) can still drive a real crypto/tls
// QUICConn. Production callers always supply TLSConfig via Config.
func generateInsecureTestTLSConfig() (*tls.Config, error) {
	cert, key, err := generateSelfSigned()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{{Certificate: [][]byte{cert}, PrivateKey: key}},
		InsecureSkipVerify: true,
		NextProtos:         []string{"quic-test"},
		MinVersion:         tls.VersionTLS13,
	}, nil
}
