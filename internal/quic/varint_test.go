// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"bytes"
	"testing"
)

func TestAppendConsumeVarint(t *testing.T) {
	for _, test := range []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{63, []byte{0x3f}},
		{64, []byte{0x40, 0x40}},
		{16383, []byte{0x7f, 0xff}},
		{16384, []byte{0x80, 0x00, 0x40, 0x00}},
		{1073741823, []byte{0xbf, 0xff, 0xff, 0xff}},
		{1073741824, []byte{0xc0, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00, 0x00}},
		{maxVarint, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	} {
		got := appendVarint(nil, test.v)
		if !bytes.Equal(got, test.want) {
			t.Errorf("appendVarint(nil, %v) = %x, want %x", test.v, got, test.want)
		}
		if got, want := sizeVarint(test.v), len(test.want); got != want {
			t.Errorf("sizeVarint(%v) = %v, want %v", test.v, got, want)
		}
		v, n := consumeVarint(test.want)
		if v != test.v || n != len(test.want) {
			t.Errorf("consumeVarint(%x) = %v, %v, want %v, %v", test.want, v, n, test.v, len(test.want))
		}
	}
}

func TestConsumeVarintTruncated(t *testing.T) {
	for _, b := range [][]byte{
		{},
		{0x40},
		{0x80, 0x00},
		{0xc0, 0x00, 0x00},
	} {
		if _, n := consumeVarint(b); n >= 0 {
			t.Errorf("consumeVarint(%x) succeeded, want failure", b)
		}
	}
}

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{
		0, 1, 2, 62, 63, 64, 65,
		16382, 16383, 16384, 16385,
		1073741822, 1073741823, 1073741824, 1073741825,
		maxVarint - 1, maxVarint,
	} {
		b := appendVarint(nil, v)
		got, n := consumeVarint(b)
		if got != v || n != len(b) {
			t.Errorf("round trip for %v: got %v, %v", v, got, n)
		}
	}
}
