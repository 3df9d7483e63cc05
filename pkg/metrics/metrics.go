// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics serves the Prometheus registry a quicd process
// accumulates its connections' collectors into.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes a Prometheus registry over HTTP until its context is
// canceled.
type Server struct {
	Registry *prometheus.Registry
	srv      *http.Server
}

// NewServer creates a registry for a quicd process to pass to
// quic.Config.MetricsRegisterer, paired with an HTTP server that will
// serve it.
func NewServer(addr string) *Server {
	reg := prometheus.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{
		Registry: reg,
		srv:      &http.Server{Addr: addr, Handler: mux},
	}
}

// Serve runs the HTTP server until ctx is done, logging to log.
func (s *Server) Serve(ctx context.Context, log *logrus.Logger) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		log.WithField("addr", s.srv.Addr).Info("shutting down metrics server")
		return s.srv.Close()
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
