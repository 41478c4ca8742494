// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package internal

import (
	"golang.org/x/sys/unix"
)

// Readiness bits shared with the channel layer. Level-triggered only:
// a partially drained socket must re-fire on the next wait.
const (
	EventRead  = uint32(unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP)
	EventWrite = uint32(unix.EPOLLOUT)
	EventErr   = uint32(unix.EPOLLERR)
	EventHup   = uint32(unix.EPOLLHUP)
	EventIn    = uint32(unix.EPOLLIN)
)

const initialEventListSize = 16

// Epoll wraps one epoll instance. Not goroutine safe; each event loop
// owns exactly one and touches it only from its own goroutine.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func OpenEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, initialEventListSize),
	}, nil
}

func (ep *Epoll) ctl(op, fd int, events uint32) error {
	return unix.EpollCtl(ep.fd, op, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

func (ep *Epoll) Add(fd int, events uint32) error {
	return ep.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

func (ep *Epoll) Mod(fd int, events uint32) error {
	return ep.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

func (ep *Epoll) Del(fd int) error {
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for at most msec milliseconds and returns the ready events.
// The returned slice is reused by the next call. EINTR restarts the wait.
func (ep *Epoll) Wait(msec int) ([]unix.EpollEvent, error) {
	for {
		n, err := unix.EpollWait(ep.fd, ep.events, msec)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		ready := ep.events[:n]
		// grow for the next round when the kernel filled us up
		if n == len(ep.events) {
			ep.events = make([]unix.EpollEvent, n*2)
		}
		return ready, nil
	}
}

func (ep *Epoll) Close() error {
	return unix.Close(ep.fd)
}
