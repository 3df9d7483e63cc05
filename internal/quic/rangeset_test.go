// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangesetAddDisjoint(t *testing.T) {
	var s rangeset[int64]
	s.add(0, 10)
	s.add(20, 30)
	assert.Equal(t, 2, s.numRanges())
	assert.True(t, s.contains(5))
	assert.False(t, s.contains(15))
	assert.True(t, s.contains(25))
}

func TestRangesetMergeAdjacent(t *testing.T) {
	var s rangeset[int64]
	s.add(0, 10)
	s.add(10, 20)
	assert.Equal(t, 1, s.numRanges(), "adjacent ranges should merge")
	assert.Equal(t, int64(0), s.min())
	assert.Equal(t, int64(19), s.max())
}

func TestRangesetMergeOverlapping(t *testing.T) {
	var s rangeset[int64]
	s.add(0, 10)
	s.add(20, 30)
	s.add(5, 25)
	assert.Equal(t, 1, s.numRanges())
	assert.Equal(t, int64(0), s.min())
	assert.Equal(t, int64(29), s.max())
}

func TestRangesetRemoveLessThan(t *testing.T) {
	var s rangeset[int64]
	s.add(0, 10)
	s.add(20, 30)
	s.removeLessThan(5)
	assert.Equal(t, 2, s.numRanges())
	assert.False(t, s.contains(3))
	assert.True(t, s.contains(7))

	s.removeLessThan(25)
	assert.Equal(t, 1, s.numRanges())
	assert.False(t, s.contains(22))
	assert.True(t, s.contains(27))
}

func TestRangesetLimitSize(t *testing.T) {
	var s rangeset[int64]
	for i := 0; i < 5; i++ {
		s.add(int64(i*10), int64(i*10+1))
	}
	assert.Equal(t, 5, s.numRanges())
	s.limitSize(3)
	assert.Equal(t, 3, s.numRanges())
	assert.False(t, s.contains(0))
	assert.True(t, s.contains(30))
	assert.True(t, s.contains(40))
}

func TestRangesetDescending(t *testing.T) {
	var s rangeset[int64]
	s.add(0, 10)
	s.add(20, 30)
	s.add(40, 50)
	var starts []int64
	s.rangesDescending(func(start, end int64) bool {
		starts = append(starts, start)
		return true
	})
	assert.Equal(t, []int64{40, 20, 0}, starts)
}

func TestRangesetPacketNumbers(t *testing.T) {
	// rangeset is also used with packetNumber, per spec.md §3.7.
	var s rangeset[packetNumber]
	s.add(packetNumber(1), packetNumber(5))
	assert.True(t, s.contains(packetNumber(3)))
	assert.False(t, s.contains(packetNumber(5)))
}
