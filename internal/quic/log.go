// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// connLogger is the structured logger attached to every Conn, carrying
// the fields spec.md §7 error-taxonomy events and §4.12 lifecycle
// transitions are logged with: a trace ID distinct from the wire
// connection ID (which can change over the connection's lifetime as IDs
// are retired), the side, and the current state.
type connLogger struct {
	entry   *logrus.Entry
	traceID string
}

func newConnLogger(base *logrus.Logger, side connSide) *connLogger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	traceID := uuid.NewString()
	return &connLogger{
		traceID: traceID,
		entry: base.WithFields(logrus.Fields{
			"trace_id": traceID,
			"side":     side.String(),
		}),
	}
}

func (l *connLogger) withState(state connState) *logrus.Entry {
	return l.entry.WithField("state", state.String())
}

func (l *connLogger) debugf(state connState, format string, args ...any) {
	l.withState(state).Debugf(format, args...)
}

func (l *connLogger) infof(state connState, format string, args ...any) {
	l.withState(state).Infof(format, args...)
}

func (l *connLogger) warnf(state connState, format string, args ...any) {
	l.withState(state).Warnf(format, args...)
}

func (s connSide) String() string {
	if s == clientSide {
		return "client"
	}
	return "server"
}
