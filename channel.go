// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"nev/internal"
	"nev/pkg/logging"
)

// Channel binds one fd to one loop and dispatches its readiness events to
// typed callbacks. A Channel never owns the fd; its owner (connection,
// acceptor, timer queue, loop wakeup) does. All methods except the
// constructor must run on the owning loop's goroutine.
type Channel struct {
	loop *EventLoop
	fd   int

	events  uint32 // interest set
	revents uint32 // ready set from the last poll
	state   int    // poller registration state

	readCallback  func(receiveTime time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()

	eventHandling bool
}

// poller registration states
const (
	channelNew = iota
	channelAdded
	channelDeleted
)

func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:  loop,
		fd:    fd,
		state: channelNew,
	}
}

func (c *Channel) Fd() int               { return c.fd }
func (c *Channel) OwnerLoop() *EventLoop { return c.loop }

func (c *Channel) SetReadCallback(cb func(receiveTime time.Time)) { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb func())                     { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb func())                     { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb func())                     { c.errorCallback = cb }

func (c *Channel) IsNoneEvent() bool { return c.events == 0 }
func (c *Channel) IsReading() bool   { return c.events&internal.EventRead != 0 }
func (c *Channel) IsWriting() bool   { return c.events&internal.EventWrite != 0 }

func (c *Channel) EnableReading() {
	c.events |= internal.EventRead
	c.update()
}

func (c *Channel) DisableReading() {
	c.events &^= internal.EventRead
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= internal.EventWrite
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= internal.EventWrite
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = 0
	c.update()
}

func (c *Channel) update() {
	c.loop.UpdateChannel(c)
}

// Remove deregisters the channel from the poller. DisableAll first.
func (c *Channel) Remove() error {
	return c.loop.RemoveChannel(c)
}

func (c *Channel) setRevents(ev uint32) { c.revents = ev }

// handleEvent dispatches the ready set in the fixed order
// hang-up, error, readable, writable.
func (c *Channel) handleEvent(receiveTime time.Time) {
	c.eventHandling = true
	logging.Debugfunc(func() string {
		return fmt.Sprintf("channel fd=%d handling {%s}", c.fd, eventsToString(c.revents))
	})

	if c.revents&internal.EventHup != 0 && c.revents&internal.EventIn == 0 {
		logging.Warnf("channel fd=%d EPOLLHUP", c.fd)
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&internal.EventErr != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&internal.EventRead != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&internal.EventWrite != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
	c.eventHandling = false
}

func eventsToString(ev uint32) string {
	var parts []string
	if ev&uint32(unix.EPOLLIN) != 0 {
		parts = append(parts, "IN")
	}
	if ev&uint32(unix.EPOLLPRI) != 0 {
		parts = append(parts, "PRI")
	}
	if ev&uint32(unix.EPOLLOUT) != 0 {
		parts = append(parts, "OUT")
	}
	if ev&uint32(unix.EPOLLHUP) != 0 {
		parts = append(parts, "HUP")
	}
	if ev&uint32(unix.EPOLLRDHUP) != 0 {
		parts = append(parts, "RDHUP")
	}
	if ev&uint32(unix.EPOLLERR) != 0 {
		parts = append(parts, "ERR")
	}
	return strings.Join(parts, "|")
}
