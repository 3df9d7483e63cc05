// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quicproto/quiccore/internal/quic"
	"github.com/quicproto/quiccore/pkg/config"
)

// DialCmd opens a connection to a quicd serve endpoint, writes its
// argument on a new bidirectional stream, and prints whatever comes
// back.
var DialCmd = &cobra.Command{
	Use:   "dial <config.yaml> <message>",
	Short: "`dial` opens a connection and round-trips a message on a stream",
	Long:  "`dial` opens a connection and round-trips a message on a stream.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDial(args[0], args[1]); err != nil {
			logrus.Fatalln(err)
		}
	},
}

func runDial(configPath, message string) error {
	f, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if f.DialAddr == "" {
		return fmt.Errorf("quicd dial: dial address not set in %s", configPath)
	}

	log := logrus.StandardLogger()
	configureLogLevel(log, f.LogLevel)

	cfg := f.QUICConfig(f.ClientTLSConfig(alpn))
	cfg.Logger = log

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := quic.Dial(ctx, f.DialAddr, cfg)
	if err != nil {
		return fmt.Errorf("quicd dial: %w", err)
	}
	defer conn.Close()

	s, err := conn.OpenStream(false)
	if err != nil {
		return fmt.Errorf("quicd dial: opening stream: %w", err)
	}
	if _, err := s.Write([]byte(message)); err != nil {
		return fmt.Errorf("quicd dial: writing: %w", err)
	}
	s.Close()

	buf := make([]byte, len(message))
	if _, err := io.ReadFull(s, buf); err != nil {
		return fmt.Errorf("quicd dial: reading reply: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(buf))
	return nil
}
