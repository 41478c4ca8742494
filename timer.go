// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"time"

	"go.uber.org/atomic"
)

// sequence numbers disambiguate timers that reuse an address after free
var timerSequence atomic.Int64

// timer is one scheduled callback. interval > 0 means repeating.
type timer struct {
	callback   func()
	expiration time.Time
	interval   time.Duration
	repeat     bool
	sequence   int64
	heapIdx    int
}

func newTimer(cb func(), when time.Time, interval time.Duration) *timer {
	return &timer{
		callback:   cb,
		expiration: when,
		interval:   interval,
		repeat:     interval > 0,
		sequence:   timerSequence.Inc(),
		heapIdx:    -1,
	}
}

func (t *timer) restart(now time.Time) {
	if t.repeat {
		t.expiration = now.Add(t.interval)
	} else {
		t.expiration = time.Time{}
	}
}

// TimerID is an opaque, comparable handle to a scheduled timer. It stays
// valid for cancellation across the timer's whole lifetime and carries no
// ownership.
type TimerID struct {
	timer    *timer
	sequence int64
}

// timerHeap orders timers by (expiration, sequence); same-deadline timers
// pop in insertion order. Each timer tracks its index for O(log n) removal.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration.Equal(h[j].expiration) {
		return h[i].sequence < h[j].sequence
	}
	return h[i].expiration.Before(h[j].expiration)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}
