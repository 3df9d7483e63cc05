// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "testing"

func TestPacketNumberLength(t *testing.T) {
	for _, test := range []struct {
		num, acked packetNumber
		want       byte
	}{
		{0, -1, 1},
		{1, 0, 1},
		{127, 0, 1},
		{0xffff, 0, 3},
		{0xffffff, 0, 4},
	} {
		if got := packetNumberLength(test.num, test.acked); got != test.want {
			t.Errorf("packetNumberLength(%v, %v) = %v, want %v", test.num, test.acked, got, test.want)
		}
	}
}

func TestPacketNumberRoundTrip(t *testing.T) {
	for _, test := range []struct {
		largest packetNumber
		num     packetNumber
	}{
		{-1, 0},
		{0, 1},
		{100, 101},
		{100, 1000},
		{0xabe8b, 0xac5c2}, // RFC 9000 Appendix A.3 worked example
	} {
		size := packetNumberLength(test.num, test.largest)
		b := appendPacketNumber(nil, size, test.num)
		var truncated uint64
		for _, c := range b {
			truncated = (truncated << 8) | uint64(c)
		}
		got := decodePacketNumber(test.largest, truncated, size)
		if got != test.num {
			t.Errorf("decodePacketNumber(%v, %#x, %v) = %v, want %v", test.largest, truncated, size, got, test.num)
		}
	}
}

func TestPacketNumberDecodeWrapAround(t *testing.T) {
	// Largest seen packet is near the end of its window; the truncated
	// value should decode to the packet number on the far side of the wrap.
	largest := packetNumber(0x7ffffffe)
	num := packetNumber(0x80000003)
	size := packetNumberLength(num, largest)
	b := appendPacketNumber(nil, size, num)
	var truncated uint64
	for _, c := range b {
		truncated = (truncated << 8) | uint64(c)
	}
	got := decodePacketNumber(largest, truncated, size)
	if got != num {
		t.Errorf("decodePacketNumber after wraparound = %v, want %v", got, num)
	}
}
