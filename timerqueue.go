// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"container/heap"
	"time"

	"golang.org/x/sys/unix"

	"nev/internal"
	"nev/pkg/logging"
)

// timerQueue multiplexes all of a loop's timers onto one timer fd that is
// always armed to the earliest deadline. Two views of the same set: the
// heap is the deadline order, the map the identity index for cancellation.
// Everything here runs on the owning loop.
type timerQueue struct {
	loop           *EventLoop
	timerfd        int
	timerfdChannel *Channel

	timers timerHeap
	active map[*timer]int64 // timer → sequence

	callingExpiredTimers bool
	cancelingTimers      map[*timer]struct{}
}

func newTimerQueue(loop *EventLoop) (*timerQueue, error) {
	fd, err := internal.NewTimerFd()
	if err != nil {
		return nil, err
	}
	q := &timerQueue{
		loop:            loop,
		timerfd:         fd,
		timerfdChannel:  NewChannel(loop, fd),
		active:          make(map[*timer]int64),
		cancelingTimers: make(map[*timer]struct{}),
	}
	q.timerfdChannel.SetReadCallback(q.handleRead)
	// always reading the timerfd; it is disarmed with settime
	q.timerfdChannel.EnableReading()
	return q, nil
}

// addTimer schedules cb at when, repeating every interval if interval > 0.
// Safe to call from any goroutine.
func (q *timerQueue) addTimer(cb func(), when time.Time, interval time.Duration) TimerID {
	t := newTimer(cb, when, interval)
	q.loop.RunInLoop(func() {
		q.addTimerInLoop(t)
	})
	return TimerID{timer: t, sequence: t.sequence}
}

// cancel removes a pending timer. If the timer's callback is currently
// running as part of the expired batch, the timer is marked so a repeating
// one is not re-armed. Safe to call from any goroutine; idempotent.
func (q *timerQueue) cancel(id TimerID) {
	q.loop.RunInLoop(func() {
		q.cancelInLoop(id)
	})
}

func (q *timerQueue) addTimerInLoop(t *timer) {
	q.loop.AssertInLoop()
	if q.insert(t) {
		q.resetTimerfd(t.expiration)
	}
}

func (q *timerQueue) cancelInLoop(id TimerID) {
	q.loop.AssertInLoop()
	t := id.timer
	if t == nil {
		return
	}
	if seq, ok := q.active[t]; ok && seq == id.sequence {
		heap.Remove(&q.timers, t.heapIdx)
		delete(q.active, t)
	} else if q.callingExpiredTimers {
		q.cancelingTimers[t] = struct{}{}
	}
}

// handleRead fires when the kernel timer expires: drain the fd, collect
// the whole due batch, run callbacks outside the two views, then re-arm.
func (q *timerQueue) handleRead(time.Time) {
	q.loop.AssertInLoop()
	if _, err := internal.ReadTimerFd(q.timerfd); err != nil && err != unix.EAGAIN {
		logging.Errorf("timerqueue: read timerfd: %v", err)
	}

	now := time.Now()
	expired := q.getExpired(now)

	q.callingExpiredTimers = true
	q.cancelingTimers = make(map[*timer]struct{})
	for _, t := range expired {
		q.loop.safeCall(t.callback)
	}
	q.callingExpiredTimers = false

	q.reset(expired, now)
}

// getExpired removes and returns every timer due at or before now,
// in (deadline, insertion) order.
func (q *timerQueue) getExpired(now time.Time) []*timer {
	var expired []*timer
	for len(q.timers) > 0 && !q.timers[0].expiration.After(now) {
		t := heap.Pop(&q.timers).(*timer)
		delete(q.active, t)
		expired = append(expired, t)
	}
	return expired
}

// reset re-arms repeating timers that were not canceled mid-run, then
// points the timerfd at the new earliest deadline.
func (q *timerQueue) reset(expired []*timer, now time.Time) {
	for _, t := range expired {
		if _, canceled := q.cancelingTimers[t]; t.repeat && !canceled {
			t.restart(now)
			q.insert(t)
		}
	}
	if len(q.timers) > 0 {
		q.resetTimerfd(q.timers[0].expiration)
	}
}

// insert adds the timer to both views; reports whether it became the
// new earliest deadline.
func (q *timerQueue) insert(t *timer) bool {
	heap.Push(&q.timers, t)
	q.active[t] = t.sequence
	return q.timers[0] == t
}

func (q *timerQueue) resetTimerfd(when time.Time) {
	if err := internal.ResetTimerFd(q.timerfd, time.Until(when)); err != nil {
		logging.Errorf("timerqueue: timerfd settime: %v", err)
	}
}

func (q *timerQueue) size() int {
	return len(q.timers)
}

func (q *timerQueue) close() {
	q.timerfdChannel.DisableAll()
	if err := q.timerfdChannel.Remove(); err != nil {
		logging.Errorf("timerqueue: remove channel: %v", err)
	}
	unix.Close(q.timerfd)
}
