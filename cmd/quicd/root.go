// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(DialCmd)
}

// RootCmd is the main command for the quicd binary.
var RootCmd = &cobra.Command{
	Use:   "quicd",
	Short: "`quicd` drives the quic transport from a YAML config file",
	Long:  "`quicd` drives the quic transport from a YAML config file.",
	Run: func(cmd *cobra.Command, args []string) {
		// nolint:errcheck
		cmd.Usage()
	},
}

func configureLogLevel(log *logrus.Logger, level string) {
	if level == "" {
		return
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("unrecognized log level, leaving default")
		return
	}
	log.SetLevel(lvl)
}
