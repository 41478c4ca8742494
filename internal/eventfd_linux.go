// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package internal

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EventFd is a linux eventfd used to interrupt a blocking epoll wait
// from another goroutine. Writes add to the counter, reads drain it.
type EventFd struct {
	fd int
}

func NewEventFd() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFd{fd: fd}, nil
}

func (e *EventFd) Fd() int {
	return e.fd
}

// WriteEvent adds v to the eventfd counter, waking any epoll waiting on it.
func (e *EventFd) WriteEvent(v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// ReadEvent drains the eventfd counter and returns its value.
func (e *EventFd) ReadEvent() (uint64, error) {
	var buf [8]byte
	if _, err := unix.Read(e.fd, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}
