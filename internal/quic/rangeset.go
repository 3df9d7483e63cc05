// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "sort"

// A rangeNum is any ordered integer type a rangeset can hold: packet
// numbers (spec.md §3.7 "received packet numbers") and stream byte
// offsets (spec.md §3.7 "per-stream acknowledged offsets") both satisfy it.
type rangeNum interface {
	~int64
}

// An i64range is a single [start, end) half-open interval.
type i64range[T rangeNum] struct {
	start, end T // [start, end)
}

func (r i64range[T]) size() T { return r.end - r.start }

func (r i64range[T]) contains(v T) bool {
	return v >= r.start && v < r.end
}

// A rangeset is an ordered set of disjoint, non-adjacent [start, end)
// ranges over some ordered integer type, as described in spec.md §3.7.
//
// Ranges are stored sorted by start in a slice, giving O(log n) lookup
// and amortized O(1) append for the common case of adding values at
// the current maximum.
type rangeset[T rangeNum] []i64range[T]

// numRanges returns the number of disjoint ranges in the set.
func (s rangeset[T]) numRanges() int { return len(s) }

// isEmpty reports whether the set contains no values.
func (s rangeset[T]) isEmpty() bool { return len(s) == 0 }

// min returns the smallest value in the set.
func (s rangeset[T]) min() T {
	if len(s) == 0 {
		return 0
	}
	return s[0].start
}

// max returns the largest value in the set (one less than the last range's end).
func (s rangeset[T]) max() T {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].end - 1
}

// contains reports whether v is a member of the set.
func (s rangeset[T]) contains(v T) bool {
	i := s.search(v)
	return i < len(s) && s[i].contains(v)
}

// search returns the index of the first range whose end is > v.
func (s rangeset[T]) search(v T) int {
	return sort.Search(len(s), func(i int) bool {
		return s[i].end > v
	})
}

// add adds [start, end) to the set, merging with any overlapping
// or adjacent existing ranges.
func (s *rangeset[T]) add(start, end T) {
	if start >= end {
		return
	}
	set := *s
	i := set.search(start)
	if i > 0 && set[i-1].end == start {
		// The range below ends exactly where the new one starts; merge it.
		i--
	}
	if i == len(set) {
		// Fast path: appending past the current maximum.
		if len(set) > 0 && set[len(set)-1].end == start {
			set[len(set)-1].end = end
			*s = set
			return
		}
		*s = append(set, i64range[T]{start, end})
		return
	}
	j := set.search(end)
	// Ranges [i, j) (and possibly j itself, if adjacent) are superseded
	// or merged by the new range.
	newStart, newEnd := start, end
	if i < len(set) && set[i].start < newStart {
		newStart = set[i].start
	}
	if j < len(set) && set[j].start == newEnd {
		// The new range is adjacent to range j; merge it in too.
		newEnd = set[j].end
		j++
	} else if j < len(set) && set[j].contains(newEnd-1) {
		if set[j].end > newEnd {
			newEnd = set[j].end
		}
		j++
	}
	merged := append(set[:i:i], i64range[T]{newStart, newEnd})
	merged = append(merged, set[j:]...)
	*s = merged
}

// removeLessThan removes all values less than v from the set.
// This implements the "ages out oldest on overflow" behavior of
// spec.md §3.7 when driven by a caller-side size cap, and is also
// used to prune acknowledged prefixes.
func (s *rangeset[T]) removeLessThan(v T) {
	set := *s
	i := set.search(v)
	if i >= len(set) {
		*s = set[:0]
		return
	}
	if set[i].start < v {
		set[i].start = v
	}
	*s = set[i:]
}

// rangeContaining returns the range containing v, and whether one was found.
func (s rangeset[T]) rangeContaining(v T) (i64range[T], bool) {
	i := s.search(v)
	if i < len(s) && s[i].contains(v) {
		return s[i], true
	}
	return i64range[T]{}, false
}

// limitSize bounds the number of sub-ranges in the set to max, discarding
// the oldest (lowest) ranges first. This implements the "configurable
// maximum sub-range count" of spec.md §3.7.
func (s *rangeset[T]) limitSize(max int) {
	set := *s
	if len(set) <= max {
		return
	}
	*s = append(set[:0:0], set[len(set)-max:]...)
}

// rangesDescending calls f for every disjoint range in the set, in descending
// order of start, as required when building ACK frames (spec.md §4.5).
func (s rangeset[T]) rangesDescending(f func(start, end T) bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if !f(s[i].start, s[i].end) {
			return
		}
	}
}
