// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quicproto/quiccore/internal/quic"
	"github.com/quicproto/quiccore/pkg/config"
	"github.com/quicproto/quiccore/pkg/metrics"
)

// alpn is the ALPN token quicd's serve and dial subcommands negotiate.
const alpn = "quicd/1"

// ServeCmd runs a quicd listener that echoes every stream it accepts.
var ServeCmd = &cobra.Command{
	Use:   "serve <config.yaml>",
	Short: "`serve` accepts QUIC connections and echoes incoming streams",
	Long:  "`serve` accepts QUIC connections and echoes incoming streams.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(args[0]); err != nil {
			logrus.Fatalln(err)
		}
	},
}

func runServe(configPath string) error {
	f, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if f.ListenAddr == "" {
		return fmt.Errorf("quicd serve: listen address not set in %s", configPath)
	}

	log := logrus.StandardLogger()
	configureLogLevel(log, f.LogLevel)

	tlsConfig, err := f.ServerTLSConfig(alpn)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reg *metrics.Server
	cfg := f.QUICConfig(tlsConfig)
	cfg.Logger = log
	if f.Metrics.Addr != "" {
		reg = metrics.NewServer(f.Metrics.Addr)
		cfg.MetricsRegisterer = reg.Registry
		go func() {
			if err := reg.Serve(ctx, log); err != nil {
				log.WithError(err).Error("metrics server exited")
			}
		}()
	}

	ln, err := quic.Listen(f.ListenAddr, cfg)
	if err != nil {
		return fmt.Errorf("quicd serve: %w", err)
	}
	defer ln.Close()
	log.WithField("addr", ln.LocalAddr()).Info("listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("accept failed")
			continue
		}
		go serveConn(log, conn)
	}
}

func serveConn(log *logrus.Logger, conn *quic.Conn) {
	entry := log.WithField("peer", conn.RemoteAddr())
	entry.Info("connection accepted")
	ctx := context.Background()
	for {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			entry.WithError(err).Info("connection done")
			return
		}
		go echoStream(entry, s)
	}
}

func echoStream(log *logrus.Entry, s *quic.Stream) {
	defer s.Close()
	if _, err := io.Copy(s, s); err != nil {
		log.WithError(err).Debug("stream closed")
	}
}
