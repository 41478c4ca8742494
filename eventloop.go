// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/atomic"

	"nev/internal"
	"nev/pkg/logging"
)

// PollTimeMs is the upper bound of one blocking poll; the only blocking
// call a loop ever makes.
const PollTimeMs = 10000

// one loop per goroutine; the registry is the Go shape of a thread-local
// current-loop slot and enforces the at-most-one invariant.
var (
	loopRegistryMu sync.Mutex
	loopRegistry   = make(map[int64]*EventLoop)
)

// CurrentLoop returns the loop hosted by the calling goroutine, or nil.
func CurrentLoop() *EventLoop {
	gid := internal.GoroutineID()
	loopRegistryMu.Lock()
	defer loopRegistryMu.Unlock()
	return loopRegistry[gid]
}

// EventLoop is a goroutine-affine dispatcher: it polls its channels, runs
// their handlers, drains queued tasks, and fires expired timers. All state
// except pendingFunctors is owned by the hosting goroutine; cross-goroutine
// callers enter through RunInLoop/QueueInLoop and the eventfd wakeup.
type EventLoop struct {
	looping atomic.Bool
	quit    atomic.Bool

	eventHandling          bool
	callingPendingFunctors atomic.Bool
	iteration              int64
	goroutineID            int64
	pollReturnTime         time.Time

	poller     *poller
	timerQueue *timerQueue

	wakeupFd      *internal.EventFd
	wakeupChannel *Channel

	activeChannels       []*Channel
	currentActiveChannel *Channel

	pollTimeoutMs int

	mu              sync.Mutex
	pendingFunctors []func()
}

// NewEventLoop creates a loop pinned to the calling goroutine. Loop must be
// called from this same goroutine. Creating a second loop on a goroutine
// that already hosts one is fatal.
func NewEventLoop() *EventLoop {
	gid := internal.GoroutineID()

	loopRegistryMu.Lock()
	if other, ok := loopRegistry[gid]; ok {
		loopRegistryMu.Unlock()
		logging.Fatalf("another EventLoop %p exists in goroutine %d", other, gid)
	}
	loopRegistryMu.Unlock()

	el := &EventLoop{goroutineID: gid, pollTimeoutMs: PollTimeMs}

	p, err := newPoller(el)
	if err != nil {
		logging.Fatalf("eventloop: open poller: %v", err)
	}
	el.poller = p

	efd, err := internal.NewEventFd()
	if err != nil {
		logging.Fatalf("eventloop: open eventfd: %v", err)
	}
	el.wakeupFd = efd
	el.wakeupChannel = NewChannel(el, efd.Fd())
	el.wakeupChannel.SetReadCallback(el.handleWakeupRead)
	// always reading the wakeup fd
	el.wakeupChannel.EnableReading()

	q, err := newTimerQueue(el)
	if err != nil {
		logging.Fatalf("eventloop: open timerfd: %v", err)
	}
	el.timerQueue = q

	loopRegistryMu.Lock()
	loopRegistry[gid] = el
	loopRegistryMu.Unlock()

	logging.Debugf("EventLoop %p created in goroutine %d", el, gid)
	return el
}

// Loop runs the dispatch cycle until Quit. Must run on the creating
// goroutine. Loop resources are released when it returns.
func (el *EventLoop) Loop() {
	el.AssertInLoop()
	if !el.looping.CompareAndSwap(false, true) {
		logging.Fatalf("EventLoop %p is already looping", el)
	}
	// quit is deliberately not reset here: a Quit that raced ahead of
	// Loop must still win
	logging.Debugf("EventLoop %p start looping", el)

	for !el.quit.Load() {
		el.activeChannels = el.activeChannels[:0]
		el.pollReturnTime = el.poller.poll(el.pollTimeoutMs, &el.activeChannels)
		el.iteration++

		el.eventHandling = true
		for _, ch := range el.activeChannels {
			el.currentActiveChannel = ch
			ch.handleEvent(el.pollReturnTime)
		}
		el.currentActiveChannel = nil
		el.eventHandling = false

		el.doPendingFunctors()
	}

	logging.Debugf("EventLoop %p stop looping", el)
	el.looping.Store(false)
	el.teardown()
}

// Quit stops the dispatch cycle. Callable from any goroutine; a foreign
// caller wakes the loop so it exits promptly rather than at poll timeout.
func (el *EventLoop) Quit() {
	el.quit.Store(true)
	if !el.IsInLoopGoroutine() {
		el.wakeup()
	}
}

// RunInLoop executes f on the loop goroutine: synchronously when already
// there, queued plus wakeup otherwise.
func (el *EventLoop) RunInLoop(f func()) {
	if el.IsInLoopGoroutine() {
		f()
	} else {
		el.QueueInLoop(f)
	}
}

// QueueInLoop appends f to the pending tasks. It wakes the loop when the
// caller is foreign, or when the loop is inside the pending drain, so a
// task queued by a task is not starved until the next poll timeout.
func (el *EventLoop) QueueInLoop(f func()) {
	el.mu.Lock()
	el.pendingFunctors = append(el.pendingFunctors, f)
	el.mu.Unlock()

	if !el.IsInLoopGoroutine() || el.callingPendingFunctors.Load() {
		el.wakeup()
	}
}

// QueueSize returns the number of queued pending tasks.
func (el *EventLoop) QueueSize() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.pendingFunctors)
}

// RunAt schedules cb at the absolute time when.
func (el *EventLoop) RunAt(when time.Time, cb func()) TimerID {
	return el.timerQueue.addTimer(cb, when, 0)
}

// RunAfter schedules cb once after delay.
func (el *EventLoop) RunAfter(delay time.Duration, cb func()) TimerID {
	return el.RunAt(time.Now().Add(delay), cb)
}

// RunEvery schedules cb repeatedly at interval, first firing one interval
// from now.
func (el *EventLoop) RunEvery(interval time.Duration, cb func()) TimerID {
	return el.timerQueue.addTimer(cb, time.Now().Add(interval), interval)
}

// Cancel removes a pending timer; a repeating timer whose callback is
// currently executing will not be re-armed.
func (el *EventLoop) Cancel(id TimerID) {
	el.timerQueue.cancel(id)
}

// UpdateChannel re-registers the channel's interest set with the poller.
func (el *EventLoop) UpdateChannel(ch *Channel) {
	if ch.OwnerLoop() != el {
		logging.Fatalf("channel fd=%d belongs to another loop", ch.fd)
	}
	el.AssertInLoop()
	el.poller.updateChannel(ch)
}

// RemoveChannel deregisters the channel. Interest must be disabled first.
func (el *EventLoop) RemoveChannel(ch *Channel) error {
	if ch.OwnerLoop() != el {
		logging.Fatalf("channel fd=%d belongs to another loop", ch.fd)
	}
	el.AssertInLoop()
	if el.eventHandling && el.currentActiveChannel != ch {
		for _, active := range el.activeChannels {
			if active == ch {
				logging.Fatalf("channel fd=%d removed while active in another handler", ch.fd)
			}
		}
	}
	return el.poller.removeChannel(ch)
}

func (el *EventLoop) HasChannel(ch *Channel) bool {
	el.AssertInLoop()
	return el.poller.hasChannel(ch)
}

func (el *EventLoop) IsInLoopGoroutine() bool {
	return el.goroutineID == internal.GoroutineID()
}

// AssertInLoop aborts when called off the owning goroutine. Guards every
// mutation of poller, timer queue, and channel interest.
func (el *EventLoop) AssertInLoop() {
	if !el.IsInLoopGoroutine() {
		logging.Fatalf("EventLoop %p owned by goroutine %d touched from goroutine %d",
			el, el.goroutineID, internal.GoroutineID())
	}
}

// SetPollTimeout bounds one blocking poll; call before Loop. Waking
// earlier only costs idle cycles, so this rarely needs tuning.
func (el *EventLoop) SetPollTimeout(d time.Duration) {
	el.pollTimeoutMs = int(d / time.Millisecond)
}

// Iteration returns the number of completed poll cycles.
func (el *EventLoop) Iteration() int64 {
	return el.iteration
}

// PollReturnTime is the wake instant of the most recent poll.
func (el *EventLoop) PollReturnTime() time.Time {
	return el.pollReturnTime
}

// wakeup interrupts a blocking poll by writing one token to the eventfd.
func (el *EventLoop) wakeup() {
	if err := el.wakeupFd.WriteEvent(1); err != nil {
		logging.Errorf("eventloop: wakeup write: %v", err)
	}
}

func (el *EventLoop) handleWakeupRead(time.Time) {
	if _, err := el.wakeupFd.ReadEvent(); err != nil {
		logging.Errorf("eventloop: wakeup read: %v", err)
	}
}

// doPendingFunctors swaps the queue out under the lock and runs the tasks
// outside it: short critical section, and a task may QueueInLoop again
// without deadlock. Deliberately not drained to empty in a loop, so queued
// work cannot starve polling.
func (el *EventLoop) doPendingFunctors() {
	el.callingPendingFunctors.Store(true)

	el.mu.Lock()
	functors := el.pendingFunctors
	el.pendingFunctors = nil
	el.mu.Unlock()

	for _, f := range functors {
		el.safeCall(f)
	}
	el.callingPendingFunctors.Store(false)
}

// safeCall confines a panicking callback to its own dispatch slot; the
// loop itself keeps running.
func (el *EventLoop) safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("eventloop: recovered panic in callback: %v\n%s", r, debug.Stack())
		}
	}()
	f()
}

func (el *EventLoop) teardown() {
	el.wakeupChannel.DisableAll()
	if err := el.wakeupChannel.Remove(); err != nil {
		logging.Errorf("eventloop: remove wakeup channel: %v", err)
	}
	el.wakeupFd.Close()
	el.timerQueue.close()
	if err := el.poller.close(); err != nil {
		logging.Errorf("eventloop: close poller: %v", err)
	}

	loopRegistryMu.Lock()
	if loopRegistry[el.goroutineID] == el {
		delete(loopRegistry, el.goroutineID)
	}
	loopRegistryMu.Unlock()
}
