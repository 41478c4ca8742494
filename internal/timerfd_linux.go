// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package internal

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// MinTimerInterval is the resolution floor of the timer fd; anything
// shorter clamps up so a zero/negative delay still fires.
const MinTimerInterval = 100 * time.Microsecond

func NewTimerFd() (int, error) {
	return unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
}

// ResetTimerFd arms the timer fd to fire once after d.
func ResetTimerFd(fd int, d time.Duration) error {
	if d < MinTimerInterval {
		d = MinTimerInterval
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	return unix.TimerfdSettime(fd, 0, &unix.ItimerSpec{Value: ts}, nil)
}

// ReadTimerFd drains the expiration counter after the fd fires.
func ReadTimerFd(fd int) (uint64, error) {
	var buf [8]byte
	if _, err := unix.Read(fd, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
