// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command quicd is a small interop driver for the internal/quic
// transport: its serve subcommand accepts connections and echoes
// streams, and its dial subcommand round-trips a message through one.
package main

import (
	"os"
)

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
